package halow

import (
	"log/slog"

	"github.com/soypat/halow/wire"
)

// hwPager is a register backed pager: reading PopAddr pops a page address
// (zero when empty) and writing PutAddr pushes one.
//
// With batching enabled one put page is held back so that a put immediately
// followed by a pop on the same pager does not round-trip over the bus.
type hwPager struct {
	pagerBase
	desc     wire.HWPagerDesc
	batching bool
	held     Page
	hasHeld  bool
}

var _ Pager = (*hwPager)(nil)

func (p *hwPager) Pop() (Page, error) {
	if p.hasHeld {
		p.hasHeld = false
		p.trace("hwpager:pop-held", slog.String("pager", p.name), slog.Uint64("addr", uint64(p.held.Addr)))
		return p.held, nil
	}
	addr, err := p.io.read32(p.desc.PopAddr)
	if err != nil {
		return Page{}, err
	}
	if addr == 0 {
		return Page{}, ErrPageNotAvailable
	}
	return p.page(addr), nil
}

func (p *hwPager) Put(pg Page) error {
	if pg.Addr == 0 {
		return errPageAddr
	}
	if p.batching {
		if p.hasHeld {
			err := p.io.write32(p.desc.PutAddr, p.held.Addr)
			if err != nil {
				return err
			}
		}
		p.held = pg
		p.hasHeld = true
		return nil
	}
	return p.io.write32(p.desc.PutAddr, pg.Addr)
}

func (p *hwPager) Notify() error {
	if p.hasHeld {
		err := p.io.write32(p.desc.PutAddr, p.held.Addr)
		if err != nil {
			return err
		}
		p.hasHeld = false
	}
	return p.notify(p.desc.NotifyBit)
}
