package halow

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/soypat/halow/wire"
)

// Page is a fixed-size buffer in chip memory, identified by its address.
type Page struct {
	Addr uint32
	Size uint32
}

func (p Page) String() string {
	return "page@0x" + strconv.FormatUint(uint64(p.Addr), 16)
}

// Pager is a one-directional queue of page addresses shared with the chip.
// Put and Pop may be batched by the implementation until Notify is called.
type Pager interface {
	// Pop takes one page out of the pager. It returns ErrPageNotAvailable when the pager is empty.
	Pop() (Page, error)
	// Put hands p to the other side of the pager.
	Put(p Page) error
	// Notify flushes batched state and signals the chip.
	Notify() error
	// ReadPage reads len(dst) bytes from the start of p.
	ReadPage(p Page, dst []byte) error
	// WritePage writes src at the start of p.
	WritePage(p Page, src []byte) error
}

var (
	ErrPageNotAvailable = errors.New("halow: page not available")
	errPageOverflow     = errors.New("halow: transfer exceeds page size")
	errPagerFull        = errors.New("halow: pager ring full")
	errPageAddr         = errors.New("halow: page address out of pool")
)

// newPager builds the pager described by the geometry table at index idx.
func newPager(bus Bus, geo *wire.Geometry, idx int, batching bool, log *slog.Logger) (Pager, error) {
	base := pagerBase{
		io:         chipio{bus: bus},
		pageSize:   geo.PageSize,
		notifyAddr: geo.NotifyAddr,
		logger:     logger{log: log},
		name:       pagerName(idx),
	}
	desc := geo.Pagers[idx]
	switch desc.Kind() {
	case wire.PagerHardware:
		hw, _ := desc.HW()
		return &hwPager{pagerBase: base, desc: hw, batching: batching}, nil
	case wire.PagerSoftware:
		sw, _ := desc.SW()
		if sw.RingCount < 2 {
			return nil, wire.ErrGeometryPages
		}
		return &swPager{pagerBase: base, desc: sw}, nil
	}
	return nil, wire.ErrGeometryKind
}

func pagerName(idx int) string {
	switch idx {
	case wire.PagerToChipPopulated:
		return "tochip-populated"
	case wire.PagerToChipReturn:
		return "tochip-return"
	case wire.PagerFromChipPopulated:
		return "fromchip-populated"
	case wire.PagerFromChipReturn:
		return "fromchip-return"
	}
	return "pager" + strconv.Itoa(idx)
}

// pagerBase holds what both pager backends share: page data transfers and
// the notification register.
type pagerBase struct {
	logger
	io         chipio
	name       string
	pageSize   uint32
	notifyAddr uint32
}

func (pb *pagerBase) ReadPage(p Page, dst []byte) error {
	if uint32(len(dst)) > p.Size || p.Size > pb.pageSize {
		return errPageOverflow
	}
	return pb.io.readMem(p.Addr, dst)
}

func (pb *pagerBase) WritePage(p Page, src []byte) error {
	if uint32(len(src)) > p.Size || p.Size > pb.pageSize {
		return errPageOverflow
	}
	return pb.io.writeMem(p.Addr, src)
}

func (pb *pagerBase) page(addr uint32) Page {
	return Page{Addr: addr, Size: pb.pageSize}
}

func (pb *pagerBase) notify(bit uint32) error {
	return pb.io.write32(pb.notifyAddr, bit)
}
