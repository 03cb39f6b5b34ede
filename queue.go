package halow

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/soypat/halow/wire"
)

var ErrQueueFull = errors.New("halow: queue byte budget exceeded")

// FrameStatus is the final outcome of a transmitted frame.
type FrameStatus uint8

const (
	// StatusSent is reported for frames which receive no transmit status from the chip.
	StatusSent FrameStatus = iota
	StatusDelivered
	StatusFailed
	StatusDropped
	// StatusAgedOut is synthesized when the chip never reported a status for the frame.
	StatusAgedOut
	// StatusFlushed is reported for frames discarded when the device stops.
	StatusFlushed
)

func (s FrameStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusDropped:
		return "dropped"
	case StatusAgedOut:
		return "aged-out"
	case StatusFlushed:
		return "flushed"
	}
	return "unknown"
}

func statusFromResult(r wire.TxResult) FrameStatus {
	switch r {
	case wire.TxOK:
		return StatusDelivered
	case wire.TxDropped:
		return StatusDropped
	}
	return StatusFailed
}

// Frame is a unit of traffic moving through a Queue.
type Frame struct {
	Channel wire.Channel
	Token   uint32
	Payload []byte
	// Done, if set, is called exactly once with the frame's final status.
	Done func(*Frame, FrameStatus)

	sent time.Time
}

// QueueStats are the cumulative counters of a Queue.
type QueueStats struct {
	Enqueued  uint64
	Rejected  uint64
	Sent      uint64
	Requeued  uint64
	Completed uint64
	AgedOut   uint64
	Unknown   uint64
}

// Queue holds frames of one channel. Transmit queues move frames from
// waiting to pending as they are written to the chip and release them once
// their status is reported. A frame that stays pending longer than the
// queue's lifetime is completed locally with StatusAgedOut.
//
// Receive queues only use the waiting list.
type Queue struct {
	logger
	ch       wire.Channel
	mu       sync.Mutex
	waiting  []*Frame
	pending  []*Frame
	bytes    int
	budget   int
	lifetime time.Duration
	timer    *time.Timer
	closed   bool
	stats    QueueStats
}

func newQueue(ch wire.Channel, budget int, lifetime time.Duration, log *slog.Logger) *Queue {
	return &Queue{
		logger:   logger{log: log},
		ch:       ch,
		budget:   budget,
		lifetime: lifetime,
	}
}

func (q *Queue) Channel() wire.Channel { return q.ch }

// Enqueue appends f to the waiting list. It fails with ErrQueueFull when
// the frame would exceed the queue's byte budget.
func (q *Queue) Enqueue(f *Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bytes+len(f.Payload) > q.budget {
		q.stats.Rejected++
		return ErrQueueFull
	}
	q.bytes += len(f.Payload)
	q.waiting = append(q.waiting, f)
	q.stats.Enqueued++
	return nil
}

// DequeueForSend moves up to n waiting frames to pending and returns them
// in order. The caller must Requeue the frames it fails to send.
func (q *Queue) DequeueForSend(n int) []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(n, len(q.waiting))
	if n <= 0 {
		return nil
	}
	frames := slices.Clone(q.waiting[:n])
	q.waiting = slices.Delete(q.waiting, 0, n)
	now := time.Now()
	for _, f := range frames {
		f.sent = now
	}
	q.pending = append(q.pending, frames...)
	q.stats.Sent += uint64(n)
	q.armStaleScan()
	return frames
}

// Requeue moves frames from pending back to the front of the waiting list,
// preserving their order.
func (q *Queue) Requeue(frames []*Frame) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	back := frames[:0:0]
	for _, f := range frames {
		if q.removePending(f.Token) != nil {
			back = append(back, f)
		}
	}
	q.waiting = slices.Insert(q.waiting, 0, back...)
	q.stats.Requeued += uint64(len(back))
}

// Complete releases the pending frame with the given token. It reports false
// if no such frame is pending, which happens when it was already aged out.
func (q *Queue) Complete(token uint32, status FrameStatus) bool {
	q.mu.Lock()
	f := q.removePending(token)
	if f == nil {
		q.stats.Unknown++
		q.mu.Unlock()
		return false
	}
	q.bytes -= len(f.Payload)
	q.stats.Completed++
	q.mu.Unlock()
	if f.Done != nil {
		f.Done(f, status)
	}
	return true
}

// Cancel removes a frame that has not yet been sent. It reports whether the frame was waiting.
func (q *Queue) Cancel(token uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.waiting, func(f *Frame) bool { return f.Token == token })
	if i < 0 {
		return false
	}
	q.bytes -= len(q.waiting[i].Payload)
	q.waiting = slices.Delete(q.waiting, i, i+1)
	return true
}

// Drain removes and returns all waiting frames.
func (q *Queue) Drain() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.waiting
	q.waiting = nil
	for _, f := range frames {
		q.bytes -= len(f.Payload)
	}
	return frames
}

// Len returns the amount of waiting and pending frames.
func (q *Queue) Len() (waiting, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), len(q.pending)
}

// Bytes returns the payload bytes accounted against the queue's budget.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Flush completes every waiting and pending frame with status and stops the
// stale scan. The queue accepts frames again afterwards.
func (q *Queue) Flush(status FrameStatus) int {
	q.mu.Lock()
	frames := append(q.pending, q.waiting...)
	q.pending = nil
	q.waiting = nil
	q.bytes = 0
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	for _, f := range frames {
		if f.Done != nil {
			f.Done(f, status)
		}
	}
	return len(frames)
}

// Close flushes the queue and stops future stale scans.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Flush(StatusFlushed)
}

func (q *Queue) removePending(token uint32) *Frame {
	i := slices.IndexFunc(q.pending, func(f *Frame) bool { return f.Token == token })
	if i < 0 {
		return nil
	}
	f := q.pending[i]
	q.pending = slices.Delete(q.pending, i, i+1)
	return f
}

// armStaleScan must be called with q.mu held.
func (q *Queue) armStaleScan() {
	if q.timer != nil || q.closed || len(q.pending) == 0 || q.lifetime <= 0 {
		return
	}
	oldest := q.pending[0].sent
	for _, f := range q.pending[1:] {
		if f.sent.Before(oldest) {
			oldest = f.sent
		}
	}
	wait := max(time.Until(oldest.Add(q.lifetime)), time.Millisecond)
	q.timer = time.AfterFunc(wait, q.scanStale)
}

// scanStale completes every frame pending for longer than the queue lifetime.
func (q *Queue) scanStale() {
	q.mu.Lock()
	q.timer = nil
	now := time.Now()
	var stale []*Frame
	q.pending = slices.DeleteFunc(q.pending, func(f *Frame) bool {
		if now.Sub(f.sent) >= q.lifetime {
			stale = append(stale, f)
			return true
		}
		return false
	})
	for _, f := range stale {
		q.bytes -= len(f.Payload)
	}
	q.stats.AgedOut += uint64(len(stale))
	q.stats.Completed += uint64(len(stale))
	q.armStaleScan()
	q.mu.Unlock()
	if len(stale) > 0 {
		q.warn("queue:aged-out", slog.String("ch", q.ch.String()), slog.Int("n", len(stale)))
	}
	for _, f := range stale {
		if f.Done != nil {
			f.Done(f, StatusAgedOut)
		}
	}
}
