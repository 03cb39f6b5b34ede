package halow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/soypat/halow/wire"
)

// Dispatcher work flags. Producers set flags and kick the dispatcher; each
// pass clears the flags it services.
const (
	flagIRQ uint32 = 1 << iota
	flagRx
	flagPageReturn
	flagTxCommand
	flagTxBeacon
	flagTxMgmt
	flagPause
	flagResume
	flagTxData
	flagPowerSave
)

const flagsWork = flagIRQ | flagRx | flagPageReturn | flagTxCommand | flagTxBeacon |
	flagTxMgmt | flagPause | flagResume | flagTxData

// dataOrder is the order in which data access categories are serviced.
var dataOrder = [wire.NumDataChannels]wire.Channel{wire.ChanDataVO, wire.ChanDataVI, wire.ChanDataBE, wire.ChanDataBK}

// DispatchStats are the cumulative counters of the dispatcher.
type DispatchStats struct {
	Passes    uint64
	IRQs      uint64
	Deferred  uint64
	RxPages   uint64
	TxPages   uint64
	TxStatus  uint64
	RxFrames  uint64
	Paused    uint64
	Resumed   uint64
	PauseRace uint64
}

func txFlag(ch wire.Channel) uint32 {
	switch {
	case ch.IsData():
		return flagTxData
	case ch == wire.ChanMgmt:
		return flagTxMgmt
	case ch == wire.ChanBeacon:
		return flagTxBeacon
	case ch == wire.ChanCommand:
		return flagTxCommand
	}
	return 0
}

// raise sets work flags and wakes the dispatcher.
func (d *Device) raise(flags uint32) {
	d.flags.Or(flags)
	d.kickSelf()
}

func (d *Device) kickSelf() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// take clears the given flag and reports whether it was set.
func (d *Device) take(flag uint32) bool {
	return d.flags.And(^flag)&flag != 0
}

func (d *Device) hasWork() bool {
	return d.flags.Load()&flagsWork != 0
}

// buffered reports whether any queue holds a frame, including written
// frames still waiting for their transmit status.
func (d *Device) buffered() bool {
	for ch := range d.txq {
		for _, q := range [2]*Queue{d.txq[ch], d.rxq[ch]} {
			if q == nil {
				continue
			}
			if waiting, pending := q.Len(); waiting+pending > 0 {
				return true
			}
		}
	}
	return false
}

func (d *Device) run(ctx context.Context) {
	defer d.closeDone()
	d.debug("dispatch:start")
	for {
		select {
		case <-ctx.Done():
			d.debug("dispatch:stop", errAttr(ctx.Err()))
			return
		case <-d.kick:
		}
		err := d.dispatch()
		if err != nil {
			d.fail(err)
			return
		}
	}
}

// dispatch runs one dispatcher pass. Steps run in a fixed order:
// interrupt status, receive, page refill, command, beacon, management,
// pause/resume and finally data from highest to lowest priority.
func (d *Device) dispatch() (err error) {
	d.mu.Lock()
	d.stats.Passes++
	d.mu.Unlock()
	d.take(flagPowerSave)
	if !d.hasWork() {
		_, err = d.ps.Evaluate()
		return err
	}
	err = d.ps.EnsureAwake()
	if err != nil {
		return err
	}
	d.ps.Activity()
	d.starved = 0

	if d.take(flagIRQ) {
		err = d.serviceIRQ()
		if err != nil {
			return err
		}
	}
	if d.take(flagRx) {
		err = d.serviceRx()
		if err != nil {
			return err
		}
	}
	refilled := 0
	if d.take(flagPageReturn) {
		err = d.withPageset(d.toChip, flagPageReturn, func() (err error) {
			refilled, err = d.toChip.Refill()
			if refilled > 0 {
				d.trace("dispatch:refill", slog.Int("n", refilled))
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	wrote := 0
	if d.take(flagTxCommand) {
		n, err := d.serviceTx(d.txq[wire.ChanCommand], flagTxCommand)
		wrote += n
		if err != nil {
			return err
		}
	}
	if d.take(flagTxBeacon) {
		n, err := d.serviceTx(d.txq[wire.ChanBeacon], flagTxBeacon)
		wrote += n
		if err != nil {
			return err
		}
	}
	if d.take(flagTxMgmt) {
		n, err := d.serviceTx(d.txq[wire.ChanMgmt], flagTxMgmt)
		wrote += n
		if err != nil {
			return err
		}
	}
	d.servicePause()
	if !d.paused && d.take(flagTxData) {
		for _, ch := range dataOrder {
			n, err := d.serviceTx(d.txq[ch], flagTxData)
			wrote += n
			if err != nil {
				return err
			}
		}
	}
	if wrote > 0 || refilled > 0 {
		d.mu.Lock()
		d.stats.TxPages += uint64(wrote)
		d.mu.Unlock()
		err = d.withPageset(d.toChip, flagPageReturn, d.toChip.Notify)
		if err != nil {
			return err
		}
	}
	// Starved and paused work waits for the chip to return pages or resume.
	idle := d.starved
	if d.paused {
		idle |= flagTxData
	}
	if d.flags.Load()&flagsWork&^idle != 0 {
		d.kickSelf()
		return nil
	}
	_, err = d.ps.Evaluate()
	return err
}

// withPageset runs fn with ps acquired. If ps is held elsewhere the step's
// flag is raised again so that a later pass retries it.
func (d *Device) withPageset(ps *Pageset, flag uint32, fn func() error) error {
	release, res := ps.TryAcquire()
	if res == acquireBusy {
		d.mu.Lock()
		d.stats.Deferred++
		d.mu.Unlock()
		d.flags.Or(flag)
		return nil
	}
	defer release()
	return fn()
}

// serviceIRQ reads and clears the chip interrupt status and maps it to work flags.
func (d *Device) serviceIRQ() error {
	status, err := d.io.read32(d.geo.IRQStatusAddr)
	if err != nil {
		return err
	}
	if status == 0 {
		return nil
	}
	err = d.io.write32(d.geo.IRQClearAddr, status)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.stats.IRQs++
	d.mu.Unlock()
	var flags uint32
	if status&wire.IRQRxPages != 0 {
		flags |= flagRx
	}
	if status&wire.IRQPagesReturned != 0 {
		flags |= flagPageReturn
	}
	if status&wire.IRQPauseTx != 0 {
		flags |= flagPause
	}
	if status&wire.IRQResumeTx != 0 {
		flags |= flagResume
	}
	d.trace("dispatch:irq", slog.Uint64("status", uint64(status)))
	d.flags.Or(flags)
	return nil
}

// serviceRx drains the from-chip pageset and processes what was read.
func (d *Device) serviceRx() error {
	var n int
	var more bool
	err := d.withPageset(d.fromChip, flagRx, func() (err error) {
		n, more, err = d.fromChip.Read(d.cfg.RxDrainLimit)
		if err != nil {
			return err
		}
		if n > 0 {
			err = d.fromChip.Notify()
		}
		return err
	})
	if err != nil {
		return err
	}
	if more {
		d.flags.Or(flagRx)
	}
	if n > 0 {
		d.mu.Lock()
		d.stats.RxPages += uint64(n)
		d.mu.Unlock()
	}
	d.processRx()
	return nil
}

// processRx hands received frames to their consumers.
func (d *Device) processRx() {
	for ch, q := range d.rxq {
		frames := q.Drain()
		for _, f := range frames {
			switch wire.Channel(ch) {
			case wire.ChanCommand:
				d.handleControl(f.Payload)
			case wire.ChanTxStatus:
				d.handleTxStatus(f.Payload)
			default:
				d.mu.Lock()
				d.stats.RxFrames++
				d.mu.Unlock()
				if d.cfg.Receive != nil {
					d.cfg.Receive(f.Channel, f.Payload)
				}
			}
		}
	}
}

// handleTxStatus completes the pending frames a tx-status page reports on.
func (d *Device) handleTxStatus(b []byte) {
	for len(b) >= wire.TxStatusLen {
		st := wire.DecodeTxStatus(b)
		b = b[wire.TxStatusLen:]
		if !st.Channel.IsValid() || d.txq[st.Channel] == nil {
			d.warn("dispatch:txstatus-channel", slog.Uint64("ch", uint64(st.Channel)))
			continue
		}
		d.mu.Lock()
		d.stats.TxStatus++
		d.mu.Unlock()
		if !d.txq[st.Channel].Complete(st.Token, statusFromResult(st.Status)) {
			d.debug("dispatch:txstatus-unknown", slog.Uint64("token", uint64(st.Token)), slog.String("ch", st.Channel.String()))
		}
	}
}

// servicePause applies pause and resume requests. When both are pending
// resume wins since the latest chip state cannot be told apart.
func (d *Device) servicePause() {
	pause := d.take(flagPause)
	resume := d.take(flagResume)
	switch {
	case pause && resume:
		d.warn("dispatch:pause-resume-race")
		d.mu.Lock()
		d.stats.PauseRace++
		d.mu.Unlock()
		fallthrough
	case resume:
		if d.paused {
			d.paused = false
			d.mu.Lock()
			d.stats.Resumed++
			d.mu.Unlock()
			d.debug("dispatch:resume")
			d.flags.Or(flagTxData)
		}
	case pause:
		if !d.paused {
			d.paused = true
			d.mu.Lock()
			d.stats.Paused++
			d.mu.Unlock()
			d.debug("dispatch:pause")
		}
	}
}

// serviceTx writes as many waiting frames of q as there are pages for.
// Frames that do not fit are left waiting with flag raised so that the next
// page return resumes them.
func (d *Device) serviceTx(q *Queue, flag uint32) (wrote int, err error) {
	err = d.withPageset(d.toChip, flag, func() error {
		ch := q.Channel()
		n := d.toChip.AvailableFor(ch)
		if ch == wire.ChanBeacon {
			// Beacons that find no page are dropped instead of waiting.
			n, _ = q.Len()
		}
		frames := q.DequeueForSend(n)
		for i, f := range frames {
			werr := d.toChip.Write(f)
			switch {
			case werr == nil:
				wrote++
				if ch == wire.ChanCommand || ch == wire.ChanBeacon {
					q.Complete(f.Token, StatusSent)
				}
				continue
			case errors.Is(werr, ErrBeaconDropped):
				q.Complete(f.Token, StatusDropped)
				continue
			case errors.Is(werr, ErrFrameTooLarge):
				d.warn("dispatch:frame-too-large", slog.String("ch", ch.String()), slog.Int("len", len(f.Payload)))
				q.Complete(f.Token, StatusFailed)
				continue
			}
			q.Requeue(frames[i:])
			if isBusError(werr) {
				return werr
			}
			break
		}
		if waiting, _ := q.Len(); waiting > 0 {
			d.flags.Or(flag)
			if d.toChip.AvailableFor(ch) == 0 {
				d.starved |= flag
			}
		}
		return nil
	})
	return wrote, err
}
