package serialbridge

import (
	"bufio"
	"errors"
	"io"

	"github.com/soypat/halow/wire"
)

// Frame layout: [len][seq][code][payload...][crc hi][crc lo][sync].
// len counts the whole frame. code is the operation in requests and the
// status in responses. The CRC covers every byte before it.
const (
	frameHeaderSize  = 3
	frameTrailerSize = 3
	frameMin         = frameHeaderSize + frameTrailerSize
	frameMax         = 255
	frameSync        = 0x7e
	maxPayload       = frameMax - frameMin
)

var (
	errFrameLength = errors.New("serialbridge: bad frame length")
	errFrameSync   = errors.New("serialbridge: missing frame sync")
	errFrameCRC    = errors.New("serialbridge: frame crc mismatch")
)

func appendFrame(dst []byte, seq, code uint8, payload []byte) []byte {
	if len(payload) > maxPayload {
		panic("serialbridge: payload too large")
	}
	start := len(dst)
	dst = append(dst, uint8(len(payload)+frameMin), seq, code)
	dst = append(dst, payload...)
	crc := wire.CRC16(dst[start:])
	return append(dst, uint8(crc>>8), uint8(crc), frameSync)
}

// readFrame reads the next frame from r into buf, skipping leading sync
// bytes. The returned payload aliases buf.
func readFrame(r *bufio.Reader, buf *[frameMax]byte) (seq, code uint8, payload []byte, err error) {
	var length uint8
	for {
		length, err = r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		if length != frameSync {
			break
		}
	}
	if length < frameMin {
		return 0, 0, nil, errFrameLength
	}
	buf[0] = length
	frame := buf[:length]
	_, err = io.ReadFull(r, frame[1:])
	if err != nil {
		return 0, 0, nil, err
	}
	if frame[length-1] != frameSync {
		return 0, 0, nil, errFrameSync
	}
	crc := uint16(frame[length-3])<<8 | uint16(frame[length-2])
	if crc != wire.CRC16(frame[:length-frameTrailerSize]) {
		return 0, 0, nil, errFrameCRC
	}
	return frame[1], frame[2], frame[frameHeaderSize : length-frameTrailerSize], nil
}
