// package wire defines the byte-stable, little-endian formats exchanged between
// the host and a HaLow radio over the paged transport: page headers, command
// headers, the message catalogue and the chip geometry table.
package wire

import (
	"encoding/binary"
	"errors"
	"strconv"
)

const (
	PageHeaderLen = 12
	// TxStatusLen is the size of one transmit status record carried on ChanTxStatus.
	TxStatusLen = 8
)

// Page sync markers. The first byte of every exchanged page.
const (
	SyncHost   uint8 = 0xAA // Page populated and readable by its receiver.
	SyncChip   uint8 = 0xBB // Page still being written by the chip.
	SyncPoison uint8 = 0xDE // Page must be discarded by its receiver.
)

// Channel selects the destination queue of a page.
type Channel uint8

// Channels ordered so that data access categories grow with priority.
const (
	ChanDataBK Channel = iota
	ChanDataBE
	ChanDataVI
	ChanDataVO
	ChanMgmt
	ChanBeacon
	ChanCommand
	ChanTxStatus
	NumChannels = 8
)

// NumDataChannels is the amount of data access categories.
const NumDataChannels = 4

func (c Channel) IsValid() bool { return c < NumChannels }

// IsData reports whether c is one of the four data access categories.
func (c Channel) IsData() bool { return c <= ChanDataVO }

func (c Channel) String() (s string) {
	switch c {
	case ChanDataBK:
		s = "data-bk"
	case ChanDataBE:
		s = "data-be"
	case ChanDataVI:
		s = "data-vi"
	case ChanDataVO:
		s = "data-vo"
	case ChanMgmt:
		s = "mgmt"
	case ChanBeacon:
		s = "beacon"
	case ChanCommand:
		s = "command"
	case ChanTxStatus:
		s = "txstatus"
	default:
		s = "chan(" + strconv.Itoa(int(c)) + ")"
	}
	return s
}

type PageFlags uint8

const (
	PageFlagChecksum PageFlags = 1 << iota
)

// PageHeader leads every page. Layout:
//
//	0 sync | 1 channel | 2:4 len | 4 pad | 5 flags | 6:8 checksum | 8:12 token
type PageHeader struct {
	Sync    uint8
	Channel Channel
	// Len is the payload length, not counting header nor padding.
	Len uint16
	// Pad is the amount of trailing bytes after the payload.
	Pad      uint8
	Flags    PageFlags
	Checksum uint16
	// Token identifies a transmitted frame in its status record.
	Token uint32
}

var (
	ErrShortPage     = errors.New("wire: buffer shorter than page header")
	ErrPageLength    = errors.New("wire: page length exceeds page")
	ErrPageChecksum  = errors.New("wire: page checksum mismatch")
	ErrPageSync      = errors.New("wire: bad page sync")
	ErrPageChipOwned = errors.New("wire: page still chip owned")
	ErrPagePoisoned  = errors.New("wire: page poisoned")
	ErrChannel       = errors.New("wire: invalid channel")
)

func DecodePageHeader(b []byte) (hdr PageHeader) {
	_ = b[PageHeaderLen-1]
	hdr.Sync = b[0]
	hdr.Channel = Channel(b[1])
	hdr.Len = binary.LittleEndian.Uint16(b[2:])
	hdr.Pad = b[4]
	hdr.Flags = PageFlags(b[5])
	hdr.Checksum = binary.LittleEndian.Uint16(b[6:])
	hdr.Token = binary.LittleEndian.Uint32(b[8:])
	return hdr
}

// Put puts all 12 bytes of the header in dst. Panics if dst is shorter than 12 bytes.
func (h *PageHeader) Put(dst []byte) {
	_ = dst[PageHeaderLen-1]
	dst[0] = h.Sync
	dst[1] = uint8(h.Channel)
	binary.LittleEndian.PutUint16(dst[2:], h.Len)
	dst[4] = h.Pad
	dst[5] = uint8(h.Flags)
	binary.LittleEndian.PutUint16(dst[6:], h.Checksum)
	binary.LittleEndian.PutUint32(dst[8:], h.Token)
}

// Size returns the amount of page bytes the header describes.
func (h *PageHeader) Size() int {
	return PageHeaderLen + int(h.Len) + int(h.Pad)
}

// Validate checks the header's sync marker and channel and that the
// described frame fits in a page of pageSize bytes. It does not check the checksum.
func (h *PageHeader) Validate(pageSize int) error {
	switch h.Sync {
	case SyncHost:
	case SyncChip:
		return ErrPageChipOwned
	case SyncPoison:
		return ErrPagePoisoned
	default:
		return ErrPageSync
	}
	if !h.Channel.IsValid() {
		return ErrChannel
	}
	if h.Size() > pageSize {
		return ErrPageLength
	}
	return nil
}

// Parse validates the header against packet, which must hold the header
// followed by at least Len payload bytes, and returns the payload.
func (h *PageHeader) Parse(packet []byte) (payload []byte, err error) {
	if len(packet) < PageHeaderLen {
		return nil, ErrShortPage
	}
	err = h.Validate(len(packet))
	if err != nil {
		return nil, err
	}
	payload = packet[PageHeaderLen : PageHeaderLen+int(h.Len)]
	if h.Flags&PageFlagChecksum != 0 && CRC16(payload) != h.Checksum {
		return nil, ErrPageChecksum
	}
	return payload, nil
}

// TxStatus is a transmit status record. A tx-status page carries Len/TxStatusLen records.
type TxStatus struct {
	Token   uint32
	Status  TxResult
	Channel Channel
}

// TxResult is the chip-reported outcome of a transmitted frame.
type TxResult uint8

const (
	TxOK TxResult = iota
	TxFailed
	TxDropped
)

func DecodeTxStatus(b []byte) (st TxStatus) {
	_ = b[TxStatusLen-1]
	st.Token = binary.LittleEndian.Uint32(b)
	st.Status = TxResult(b[4])
	st.Channel = Channel(b[5])
	return st
}

func (st *TxStatus) Put(dst []byte) {
	_ = dst[TxStatusLen-1]
	binary.LittleEndian.PutUint32(dst, st.Token)
	dst[4] = uint8(st.Status)
	dst[5] = uint8(st.Channel)
	dst[6] = 0
	dst[7] = 0
}

// CRC16 calculates the CCITT-style checksum used by page headers and the UART bridge framing.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}
