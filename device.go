// package halow implements the host side of a paged transport between a host
// and a HaLow radio chip. Frames and control messages are exchanged through
// fixed-size pages in chip memory, handed back and forth with pagers, and
// moved by a single dispatcher goroutine.
package halow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/soypat/halow/wire"
)

// Device is the host end of the transport. Create it with New, then call
// Attach to read the chip geometry and Start to launch the dispatcher.
type Device struct {
	logger
	mu sync.Mutex
	// attachMu serializes Attach. It is never held with mu.
	attachMu sync.Mutex
	cfg      Config
	bus Bus
	io  chipio
	geo wire.Geometry

	toChip   *Pageset
	fromChip *Pageset
	txq      [wire.NumChannels]*Queue
	rxq      [wire.NumChannels]*Queue

	flags   atomic.Uint32
	kick    chan struct{}
	paused  bool
	starved uint32
	ps      *psGate
	cmd     commander

	token    atomic.Uint32
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	err      error
	stats    DispatchStats
}

// New returns a Device that talks to the chip over bus.
func New(bus Bus, cfg Config) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		logger: logger{log: cfg.Logger},
		cfg:    cfg,
		bus:    bus,
		io:     chipio{bus: bus},
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.ps = newGate(bus, cfg.ActivityWindow, cfg.BusyRecheck, cfg.Logger)
	d.ps.pending = func() bool { return d.hasWork() || d.buffered() }
	d.ps.rearm = func() { d.raise(flagPowerSave) }
	for ch := wire.Channel(0); ch < wire.NumChannels; ch++ {
		if ch != wire.ChanTxStatus {
			d.txq[ch] = newQueue(ch, cfg.QueueBudget, cfg.FrameLifetime, cfg.Logger)
		}
		d.rxq[ch] = newQueue(ch, cfg.RxQueueBudget, 0, cfg.Logger)
	}
	return d
}

// Geometry returns the geometry table read at Attach.
func (d *Device) Geometry() wire.Geometry {
	_, geo := d.attachment()
	return geo
}

// Send queues payload for transmission on channel ch. done, if not nil, is
// called exactly once with the frame's final status.
func (d *Device) Send(ch wire.Channel, payload []byte, done func(*Frame, FrameStatus)) (token uint32, err error) {
	if !ch.IsValid() || ch == wire.ChanTxStatus || ch == wire.ChanCommand {
		return 0, errBadChannel
	}
	toChip, geo := d.attachment()
	if toChip == nil {
		return 0, ErrNotAttached
	}
	if alignup(wire.PageHeaderLen+len(payload), 4) > int(geo.PageSize) {
		return 0, ErrFrameTooLarge
	}
	if d.Err() != nil {
		return 0, ErrDeviceDown
	}
	f := &Frame{
		Channel: ch,
		Token:   d.nextToken(),
		Payload: payload,
		Done:    done,
	}
	err = d.txq[ch].Enqueue(f)
	if err != nil {
		return 0, err
	}
	d.raise(txFlag(ch))
	return f.Token, nil
}

// HandleIRQ is called when the chip raises its interrupt line. It does not
// touch the bus and is safe to call from any goroutine.
func (d *Device) HandleIRQ() {
	d.raise(flagIRQ)
}

// Start launches the dispatcher goroutine. It stops when ctx is done, when
// Close is called, or on the first bus fault.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.toChip == nil {
		return ErrNotAttached
	} else if d.started {
		return errStarted
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
	return nil
}

// Close stops the dispatcher and flushes all queued frames with StatusFlushed.
func (d *Device) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	started := d.started
	if d.err == nil {
		d.err = ErrDeviceDown
	}
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-d.done
	} else {
		d.closeDone()
	}
	d.ps.stop()
	for _, q := range d.txq {
		if q != nil {
			q.Close()
		}
	}
	return nil
}

// Err returns the error that stopped the device, or nil while it runs.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Device) fail(err error) {
	d.mu.Lock()
	if d.err == nil || errors.Is(d.err, ErrDeviceDown) {
		d.err = err
	}
	d.mu.Unlock()
	d.logerr("dispatch:fatal", errAttr(err))
}

func (d *Device) closeDone() {
	d.doneOnce.Do(func() { close(d.done) })
}

func (d *Device) nextToken() uint32 {
	t := d.token.Add(1)
	if t == 0 {
		t = d.token.Add(1)
	}
	return t
}

// Stats is a snapshot of the device counters.
type Stats struct {
	Dispatch DispatchStats
	Command  CommandStats
	ToChip   PagesetStats
	FromChip PagesetStats
	// HeldPages is the amount of free to-chip pages cached by the host.
	HeldPages int
	Queues    [wire.NumChannels]QueueStats
}

func (d *Device) Stats() (s Stats) {
	d.mu.Lock()
	s.Dispatch = d.stats
	toChip, fromChip := d.toChip, d.fromChip
	d.mu.Unlock()
	d.cmd.mu.Lock()
	s.Command = d.cmd.stats
	d.cmd.mu.Unlock()
	if toChip != nil {
		s.ToChip, s.HeldPages = toChip.Stats()
		s.FromChip, _ = fromChip.Stats()
	}
	for i, q := range d.txq {
		if q != nil {
			s.Queues[i] = q.Stats()
		}
	}
	return s
}

// Queue returns the transmit queue of ch.
func (d *Device) Queue(ch wire.Channel) *Queue { return d.txq[ch] }

func (d *Device) debugGeometry(geo *wire.Geometry) {
	if !d.logenabled(slog.LevelDebug) {
		return
	}
	d.debug("attach:geometry",
		slog.String("kind", geo.PagerKind.String()),
		slog.Uint64("pagesize", uint64(geo.PageSize)),
		slog.Uint64("total", uint64(geo.TotalPages)),
		slog.Uint64("return", uint64(geo.ReturnPages)),
		slog.Uint64("reserved", uint64(geo.ReservedPages)),
	)
}
