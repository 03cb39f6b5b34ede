package wire

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// Chip-resident geometry table, read once at attach.
const (
	GeometryTableAddr = 0x0000_0100
	GeometryTableLen  = 40 + NumPagers*PagerDescLen
	GeometryMagic     = 0x574c_4148 // "HALW" in little endian.
	GeometryVersion   = 1

	PagerDescLen = 16
	NumPagers    = 4
)

// Pager indices within the geometry table.
const (
	PagerToChipPopulated = iota
	PagerToChipReturn
	PagerFromChipPopulated
	PagerFromChipReturn
)

// IRQ status register bits.
const (
	IRQRxPages uint32 = 1 << iota
	IRQPagesReturned
	IRQPauseTx
	IRQResumeTx
)

// PagerKind tags the pager descriptors of a geometry table.
type PagerKind uint32

const (
	PagerHardware PagerKind = 1
	PagerSoftware PagerKind = 2
)

func (k PagerKind) String() string {
	switch k {
	case PagerHardware:
		return "hw"
	case PagerSoftware:
		return "sw"
	}
	return "pagerkind(" + strconv.Itoa(int(k)) + ")"
}

// PagerDesc is one 16 byte pager descriptor. Which fields are meaningful depends
// on the table's PagerKind: HW and SW are mutually exclusive views of the same bytes.
type PagerDesc struct {
	kind PagerKind
	hw   HWPagerDesc
	sw   SWPagerDesc
}

// HWPagerDesc describes a register-backed pager.
type HWPagerDesc struct {
	PopAddr   uint32
	PutAddr   uint32
	NotifyBit uint32
}

// SWPagerDesc describes a ring of page addresses in chip memory.
// The ring head lives at StateAddr and the tail at StateAddr+4.
type SWPagerDesc struct {
	RingAddr  uint32
	RingCount uint32
	StateAddr uint32
	NotifyBit uint32
}

func (p PagerDesc) Kind() PagerKind { return p.kind }

// HW returns the hardware view of the descriptor. ok is false for software pagers.
func (p PagerDesc) HW() (d HWPagerDesc, ok bool) { return p.hw, p.kind == PagerHardware }

// SW returns the software view of the descriptor. ok is false for hardware pagers.
func (p PagerDesc) SW() (d SWPagerDesc, ok bool) { return p.sw, p.kind == PagerSoftware }

func HWDesc(d HWPagerDesc) PagerDesc { return PagerDesc{kind: PagerHardware, hw: d} }
func SWDesc(d SWPagerDesc) PagerDesc { return PagerDesc{kind: PagerSoftware, sw: d} }

// Geometry describes the chip's page pool and pagers.
type Geometry struct {
	Version   uint32
	PagerKind PagerKind
	PageSize  uint32
	// TotalPages is the amount of to-chip pages in the pool.
	TotalPages uint32
	// ReturnPages bounds the host's opportunistic page cache.
	ReturnPages uint32
	// ReservedPages is the amount of to-chip pages the chip sets aside for commands and beacons.
	ReservedPages uint32
	IRQStatusAddr uint32
	IRQClearAddr  uint32
	NotifyAddr    uint32
	Pagers        [NumPagers]PagerDesc
}

var (
	ErrGeometryMagic   = errors.New("wire: bad geometry magic")
	ErrGeometryVersion = errors.New("wire: unsupported geometry version")
	ErrGeometryKind    = errors.New("wire: unknown pager kind")
	ErrGeometryPages   = errors.New("wire: inconsistent geometry page layout")
)

// HasMagic reports whether b starts with the geometry magic. Chips write the
// magic last once their tables are ready.
func HasMagic(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b) == GeometryMagic
}

func DecodeGeometry(b []byte) (g Geometry, err error) {
	if len(b) < GeometryTableLen {
		return g, ErrPayloadTooSmol
	}
	if !HasMagic(b) {
		return g, ErrGeometryMagic
	}
	le := binary.LittleEndian
	g.Version = le.Uint32(b[4:])
	if g.Version != GeometryVersion {
		return g, ErrGeometryVersion
	}
	g.PagerKind = PagerKind(le.Uint32(b[8:]))
	g.PageSize = le.Uint32(b[12:])
	g.TotalPages = le.Uint32(b[16:])
	g.ReturnPages = le.Uint32(b[20:])
	g.ReservedPages = le.Uint32(b[24:])
	g.IRQStatusAddr = le.Uint32(b[28:])
	g.IRQClearAddr = le.Uint32(b[32:])
	g.NotifyAddr = le.Uint32(b[36:])
	for i := range g.Pagers {
		d := b[40+i*PagerDescLen:]
		switch g.PagerKind {
		case PagerHardware:
			g.Pagers[i] = HWDesc(HWPagerDesc{PopAddr: le.Uint32(d), PutAddr: le.Uint32(d[4:]), NotifyBit: le.Uint32(d[8:])})
		case PagerSoftware:
			g.Pagers[i] = SWDesc(SWPagerDesc{RingAddr: le.Uint32(d), RingCount: le.Uint32(d[4:]), StateAddr: le.Uint32(d[8:]), NotifyBit: le.Uint32(d[12:])})
		default:
			return g, ErrGeometryKind
		}
	}
	if g.PageSize < PageHeaderLen || g.PageSize%4 != 0 || g.TotalPages == 0 || g.ReturnPages+g.ReservedPages > g.TotalPages {
		return g, ErrGeometryPages
	}
	return g, nil
}

// Put writes the table to b, magic included.
func (g *Geometry) Put(b []byte) {
	_ = b[GeometryTableLen-1]
	le := binary.LittleEndian
	le.PutUint32(b, GeometryMagic)
	le.PutUint32(b[4:], g.Version)
	le.PutUint32(b[8:], uint32(g.PagerKind))
	le.PutUint32(b[12:], g.PageSize)
	le.PutUint32(b[16:], g.TotalPages)
	le.PutUint32(b[20:], g.ReturnPages)
	le.PutUint32(b[24:], g.ReservedPages)
	le.PutUint32(b[28:], g.IRQStatusAddr)
	le.PutUint32(b[32:], g.IRQClearAddr)
	le.PutUint32(b[36:], g.NotifyAddr)
	for i, p := range g.Pagers {
		d := b[40+i*PagerDescLen : 40+(i+1)*PagerDescLen]
		clear(d)
		if hw, ok := p.HW(); ok {
			le.PutUint32(d, hw.PopAddr)
			le.PutUint32(d[4:], hw.PutAddr)
			le.PutUint32(d[8:], hw.NotifyBit)
		} else if sw, ok := p.SW(); ok {
			le.PutUint32(d, sw.RingAddr)
			le.PutUint32(d[4:], sw.RingCount)
			le.PutUint32(d[8:], sw.StateAddr)
			le.PutUint32(d[12:], sw.NotifyBit)
		}
	}
}
