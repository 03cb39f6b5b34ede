package halow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/halow/wire"
)

// Event is an unsolicited chip message.
type Event struct {
	ID      wire.MessageID
	VIF     uint16
	Payload []byte
}

// transaction is the single outstanding command awaiting its confirm.
type transaction struct {
	id     wire.MessageID
	seq    uint16
	retry  uint8
	done   chan struct{}
	status int32
	resp   []byte
	err    error
}

type commander struct {
	// gate serializes command transactions end to end.
	gate sync.Mutex
	// mu guards pending, which the dispatcher matches confirms against.
	mu      sync.Mutex
	pending *transaction
	seq     uint16
	stats   CommandStats
}

// CommandStats are the cumulative counters of the command protocol.
type CommandStats struct {
	Sent          uint64
	Retries       uint64
	Timeouts      uint64
	Stale         uint64
	RetryMismatch uint64
	Events        uint64
}

// CommandOption modifies a single Command call.
type CommandOption func(*commandOpts)

type commandOpts struct {
	timeout time.Duration
	retries int
}

// WithTimeout overrides the per attempt timeout of a command.
func WithTimeout(d time.Duration) CommandOption {
	return func(o *commandOpts) { o.timeout = d }
}

// WithRetries overrides the amount of retransmissions of a command.
func WithRetries(n int) CommandOption {
	return func(o *commandOpts) { o.retries = min(max(n, 0), wire.RetryMask) }
}

// nextSeq returns the next command sequence number. Zero is left to
// chip-originated messages so sequences wrap from 0xFFF to 1.
func (c *commander) nextSeq() uint16 {
	c.seq++
	if c.seq > wire.SeqMask {
		c.seq = 1
	}
	return c.seq
}

// Command sends a command to the chip and waits for its confirm, returning
// the confirm body. At most one command is in flight: concurrent callers
// block until earlier commands complete. A timed out attempt is resent with
// the same sequence number and an incremented retry count.
//
// A confirm with a non-zero status is returned as a *CommandError.
//
// A confirm matching the command id and sequence but not the retry count is
// accepted as the answer to an earlier attempt. If the chip does not coalesce
// retries this may attribute a stale answer to the current attempt; such
// confirms are logged and counted in CommandStats.RetryMismatch.
func (d *Device) Command(ctx context.Context, id wire.MessageID, vif uint16, req []byte, opts ...CommandOption) ([]byte, error) {
	if !id.IsCommand() {
		return nil, errNotCommand
	}
	o := commandOpts{timeout: d.cfg.CommandTimeout, retries: d.cfg.CommandRetries}
	for _, opt := range opts {
		opt(&o)
	}
	toChip, geo := d.attachment()
	if toChip == nil {
		return nil, ErrNotAttached
	}
	if wire.CommandHeaderLen+len(req)+wire.PageHeaderLen > int(geo.PageSize) {
		return nil, ErrFrameTooLarge
	}
	d.cmd.gate.Lock()
	defer d.cmd.gate.Unlock()
	if d.Err() != nil {
		return nil, ErrDeviceDown
	}
	d.ps.Hold()
	defer d.ps.Release()

	seq := d.cmd.nextSeq()
	q := d.txq[wire.ChanCommand]
	for retry := 0; retry <= o.retries; retry++ {
		tx := &transaction{id: id, seq: seq, retry: uint8(retry), done: make(chan struct{})}
		hdr := wire.CommandHeader{
			Flags: wire.FlagRequest,
			ID:    id,
			TID:   wire.MakeTID(seq, uint8(retry)),
			VIF:   vif,
		}
		f := &Frame{
			Channel: wire.ChanCommand,
			Token:   d.nextToken(),
			Payload: wire.AppendCommand(nil, hdr, req),
		}
		d.cmd.mu.Lock()
		d.cmd.pending = tx
		d.cmd.mu.Unlock()
		err := q.Enqueue(f)
		if err != nil {
			d.clearPending(tx)
			return nil, err
		}
		d.cmd.mu.Lock()
		d.cmd.stats.Sent++
		if retry > 0 {
			d.cmd.stats.Retries++
		}
		d.cmd.mu.Unlock()
		d.debug("cmd:send", slog.String("id", id.String()), slog.Uint64("seq", uint64(seq)), slog.Int("retry", retry))
		d.raise(flagTxCommand)

		timer := time.NewTimer(o.timeout)
		select {
		case <-tx.done:
			timer.Stop()
			return tx.result()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			q.Cancel(f.Token)
			if d.clearPending(tx) {
				return nil, ctx.Err()
			}
			return tx.result()
		case <-d.done:
			timer.Stop()
			d.clearPending(tx)
			return nil, ErrDeviceDown
		}
		q.Cancel(f.Token)
		if !d.clearPending(tx) {
			// Confirm arrived as the timer fired.
			return tx.result()
		}
		d.cmd.mu.Lock()
		d.cmd.stats.Timeouts++
		d.cmd.mu.Unlock()
		d.warn("cmd:timeout", slog.String("id", id.String()), slog.Uint64("seq", uint64(seq)), slog.Int("retry", retry))
	}
	return nil, ErrCommandTimeout
}

func (tx *transaction) result() ([]byte, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	if tx.status != 0 {
		return tx.resp, &CommandError{ID: tx.id, Status: tx.status}
	}
	return tx.resp, nil
}

// clearPending removes tx as the pending transaction. It reports false if
// tx had already been completed.
func (d *Device) clearPending(tx *transaction) bool {
	d.cmd.mu.Lock()
	defer d.cmd.mu.Unlock()
	if d.cmd.pending != tx {
		return false
	}
	d.cmd.pending = nil
	return true
}

// handleControl processes a message received on the command channel.
// Called from the dispatcher.
func (d *Device) handleControl(msg []byte) {
	if len(msg) < wire.CommandHeaderLen {
		d.warn("cmd:short-message", slog.Int("len", len(msg)))
		return
	}
	hdr := wire.DecodeCommandHeader(msg)
	payload, err := hdr.Parse(msg)
	if err != nil {
		d.warn("cmd:bad-message", slog.Int("len", len(msg)), errAttr(err))
		return
	}
	if hdr.Flags.IsEvent() {
		d.cmd.mu.Lock()
		d.cmd.stats.Events++
		d.cmd.mu.Unlock()
		d.debug("cmd:event", slog.String("id", hdr.ID.String()), slog.Uint64("vif", uint64(hdr.VIF)))
		if d.cfg.EventHandler != nil {
			d.cfg.EventHandler(Event{ID: hdr.ID, VIF: hdr.VIF, Payload: append([]byte(nil), payload...)})
		}
		return
	}
	if !hdr.Flags.IsConfirm() {
		d.warn("cmd:unexpected-flags", slog.Uint64("flags", uint64(hdr.Flags)), slog.String("id", hdr.ID.String()))
		return
	}
	d.cmd.mu.Lock()
	defer d.cmd.mu.Unlock()
	tx := d.cmd.pending
	if tx == nil || tx.id != hdr.ID || tx.seq != hdr.Seq() {
		d.cmd.stats.Stale++
		d.warn("cmd:stale-confirm", slog.String("id", hdr.ID.String()), slog.Uint64("seq", uint64(hdr.Seq())))
		return
	}
	if tx.retry != hdr.Retry() {
		// Confirm of an earlier attempt of the same command.
		d.cmd.stats.RetryMismatch++
		d.warn("cmd:retry-mismatch", slog.String("id", hdr.ID.String()), slog.Uint64("want", uint64(tx.retry)), slog.Uint64("got", uint64(hdr.Retry())))
	}
	d.cmd.pending = nil
	status, body, err := wire.SplitConfirm(payload)
	tx.status = status
	tx.err = err
	tx.resp = append([]byte(nil), body...)
	close(tx.done)
}
