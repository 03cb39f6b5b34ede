package halow

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/soypat/halow/wire"
)

// Attach waits for the chip to publish its geometry table, builds the
// pagers and pagesets it describes and fills the to-chip page caches.
//
// Attach does not hold the device lock while polling, so Stats, Err and
// Close stay responsive. Concurrent calls are serialized.
func (d *Device) Attach(ctx context.Context) error {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	if toChip, _ := d.attachment(); toChip != nil {
		return nil
	}
	d.info("attach:start")
	start := time.Now()
	geo, err := d.readGeometry(ctx)
	if err != nil {
		return err
	}
	d.debugGeometry(&geo)

	var pagers [wire.NumPagers]Pager
	for i := range pagers {
		pagers[i], err = newPager(d.bus, &geo, i, d.cfg.PagerBatching, d.cfg.Logger)
		if err != nil {
			return err
		}
	}
	reserved := capPages(d.cfg.ReservedPages, geo.ReservedPages)
	if reserved == 0 {
		reserved = 1
	}
	toChip := newPageset(pagesetConfig{
		name:        "tochip",
		populated:   pagers[wire.PagerToChipPopulated],
		ret:         pagers[wire.PagerToChipReturn],
		pageSize:    int(geo.PageSize),
		checksum:    d.cfg.PageChecksum,
		reservedMax: reserved,
		spareMax:    capPages(d.cfg.SparePages, geo.ReturnPages),
		log:         d.cfg.Logger,
	})
	fromChip := newPageset(pagesetConfig{
		name:      "fromchip",
		populated: pagers[wire.PagerFromChipPopulated],
		ret:       pagers[wire.PagerFromChipReturn],
		pageSize:  int(geo.PageSize),
		log:       d.cfg.Logger,
	})
	for ch := range d.rxq {
		fromChip.SetQueue(wire.Channel(ch), d.rxq[ch])
	}
	n, err := toChip.Refill()
	if err != nil {
		return err
	}
	err = toChip.Notify()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.geo = geo
	d.toChip = toChip
	d.fromChip = fromChip
	d.mu.Unlock()
	d.ps.Activity()
	if d.cfg.PowerSave {
		// Drop the waker held since construction so the bus may sleep once idle.
		defer d.ps.Release()
	}
	d.info("attach:done", slog.Int("pages", n), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// readGeometry polls the geometry table until its magic appears.
func (d *Device) readGeometry(ctx context.Context) (wire.Geometry, error) {
	b := &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    50 * time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(d.cfg.AttachTimeout)
	buf := make([]byte, wire.GeometryTableLen)
	for {
		err := d.io.readMem(wire.GeometryTableAddr, buf)
		if err != nil {
			return wire.Geometry{}, err
		}
		if wire.HasMagic(buf) {
			return wire.DecodeGeometry(buf)
		}
		wait := b.Duration()
		if time.Now().Add(wait).After(deadline) {
			return wire.Geometry{}, ErrAttachTimeout
		}
		d.trace("attach:poll", slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return wire.Geometry{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attachment returns the to-chip pageset and the geometry. The pageset is
// nil until Attach succeeds.
func (d *Device) attachment() (*Pageset, wire.Geometry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toChip, d.geo
}

// capPages returns the chip-advertised count limited by a non-zero configured cap.
func capPages(configured int, advertised uint32) int {
	if configured > 0 && configured < int(advertised) {
		return configured
	}
	return int(advertised)
}
