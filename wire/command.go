package wire

import (
	"encoding/binary"
	"errors"
)

const (
	CommandHeaderLen = 12
	// ConfirmStatusLen is the length of the status word leading every confirm payload.
	ConfirmStatusLen = 4

	SeqBits   = 12
	SeqMask   = 1<<SeqBits - 1
	RetryMask = 0xf
)

// CommandFlags distinguishes requests from their confirmations and from unsolicited events.
type CommandFlags uint16

const (
	FlagRequest  CommandFlags = 1 << 0
	FlagConfirm  CommandFlags = 1 << 1
	FlagEvent    CommandFlags = 1 << 2
	FlagResponse CommandFlags = 1 << 3
)

func (f CommandFlags) IsConfirm() bool { return f&FlagConfirm != 0 }
func (f CommandFlags) IsEvent() bool   { return f&FlagEvent != 0 }
func (f CommandFlags) IsRequest() bool { return f&FlagRequest != 0 }

// CommandHeader is shared by every control message. Layout:
//
//	0:2 flags | 2:4 message id | 4:6 len | 6:8 tid | 8:10 vif | 10:12 reserved
type CommandHeader struct {
	Flags CommandFlags
	ID    MessageID
	// Len is the payload length following the header.
	Len uint16
	// TID packs a 12 bit sequence number and a 4 bit retry count.
	TID uint16
	VIF uint16
}

var (
	ErrShortCommand   = errors.New("wire: buffer shorter than command header")
	ErrCommandLength  = errors.New("wire: command length exceeds buffer")
	ErrShortConfirm   = errors.New("wire: confirm payload shorter than status")
	ErrPayloadTooSmol = errors.New("wire: payload too small for message")
)

// MakeTID packs a sequence number and retry count into a transaction id.
func MakeTID(seq uint16, retry uint8) uint16 {
	return seq&SeqMask | uint16(retry&RetryMask)<<SeqBits
}

func (h CommandHeader) Seq() uint16  { return h.TID & SeqMask }
func (h CommandHeader) Retry() uint8 { return uint8(h.TID>>SeqBits) & RetryMask }

func DecodeCommandHeader(b []byte) (hdr CommandHeader) {
	_ = b[CommandHeaderLen-1]
	hdr.Flags = CommandFlags(binary.LittleEndian.Uint16(b))
	hdr.ID = MessageID(binary.LittleEndian.Uint16(b[2:]))
	hdr.Len = binary.LittleEndian.Uint16(b[4:])
	hdr.TID = binary.LittleEndian.Uint16(b[6:])
	hdr.VIF = binary.LittleEndian.Uint16(b[8:])
	return hdr
}

// Put puts all 12 bytes of the header in dst. Panics if dst is shorter than 12 bytes.
func (h *CommandHeader) Put(dst []byte) {
	_ = dst[CommandHeaderLen-1]
	binary.LittleEndian.PutUint16(dst, uint16(h.Flags))
	binary.LittleEndian.PutUint16(dst[2:], uint16(h.ID))
	binary.LittleEndian.PutUint16(dst[4:], h.Len)
	binary.LittleEndian.PutUint16(dst[6:], h.TID)
	binary.LittleEndian.PutUint16(dst[8:], h.VIF)
	binary.LittleEndian.PutUint16(dst[10:], 0)
}

// Parse returns the payload of a control message given its header.
func (h CommandHeader) Parse(msg []byte) (payload []byte, err error) {
	if len(msg) < CommandHeaderLen {
		return nil, ErrShortCommand
	}
	if int(h.Len) > len(msg)-CommandHeaderLen {
		return nil, ErrCommandLength
	}
	return msg[CommandHeaderLen : CommandHeaderLen+int(h.Len)], nil
}

// AppendCommand appends a header and payload to dst and returns the extended buffer.
func AppendCommand(dst []byte, hdr CommandHeader, payload []byte) []byte {
	hdr.Len = uint16(len(payload))
	var buf [CommandHeaderLen]byte
	hdr.Put(buf[:])
	dst = append(dst, buf[:]...)
	return append(dst, payload...)
}

// SplitConfirm splits a confirm payload into the chip status and the response body.
func SplitConfirm(payload []byte) (status int32, body []byte, err error) {
	if len(payload) < ConfirmStatusLen {
		return 0, nil, ErrShortConfirm
	}
	return int32(binary.LittleEndian.Uint32(payload)), payload[ConfirmStatusLen:], nil
}

// AppendConfirm appends a status word and body, forming a confirm payload.
func AppendConfirm(dst []byte, status int32, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(status))
	return append(dst, body...)
}
