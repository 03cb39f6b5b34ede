package halow

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/soypat/halow/wire"
	"golang.org/x/exp/constraints"
)

var (
	ErrFrameTooLarge = errors.New("halow: frame does not fit in a page")
	ErrBeaconDropped = errors.New("halow: no page for beacon")
	errNoQueue       = errors.New("halow: no queue for channel")
)

// PagesetStats are the cumulative counters of a Pageset.
type PagesetStats struct {
	Written       uint64
	WriteFailures uint64
	Read          uint64
	Corrupt       uint64
	ChecksumRetry uint64
	Parked        uint64
	Unrouted      uint64
	BeaconDrops   uint64
	Refilled      uint64
}

// Pageset couples a populated pager with its return pager for one direction
// of traffic.
//
// To-chip pagesets keep the free pages popped from the return pager in two
// caches: a small reserved cache that guarantees commands always find a page,
// and an opportunistic spare cache bounded by the chip-advertised return
// page count.
//
// From-chip pagesets route every page read to the queue of its channel and
// recycle it to the return pager.
//
// Every method other than TryAcquire and Stats must be called with the
// pageset acquired.
type Pageset struct {
	logger
	name      string
	mu        sync.Mutex
	populated Pager
	ret       Pager
	pageSize  int
	checksum  bool

	// To-chip caches.
	reserved    []Page
	spare       []Page
	reservedMax int
	spareMax    int

	// From-chip routing.
	queues    [wire.NumChannels]*Queue
	parked    Page
	hasParked bool

	buf   []byte
	stats PagesetStats
}

type pagesetConfig struct {
	name        string
	populated   Pager
	ret         Pager
	pageSize    int
	checksum    bool
	reservedMax int
	spareMax    int
	log         *slog.Logger
}

func newPageset(cfg pagesetConfig) *Pageset {
	return &Pageset{
		logger:      logger{log: cfg.log},
		name:        cfg.name,
		populated:   cfg.populated,
		ret:         cfg.ret,
		pageSize:    cfg.pageSize,
		checksum:    cfg.checksum,
		reservedMax: cfg.reservedMax,
		spareMax:    cfg.spareMax,
		reserved:    make([]Page, 0, cfg.reservedMax),
		spare:       make([]Page, 0, cfg.spareMax),
		buf:         make([]byte, alignup(cfg.pageSize, 4)),
	}
}

// acquireResult is the outcome of Pageset.TryAcquire.
type acquireResult uint8

const (
	acquired acquireResult = iota
	acquireBusy
)

// TryAcquire takes exclusive use of the pageset without blocking.
// On success the returned function releases it.
func (ps *Pageset) TryAcquire() (release func(), res acquireResult) {
	if !ps.mu.TryLock() {
		return nil, acquireBusy
	}
	return ps.mu.Unlock, acquired
}

// Stats returns a snapshot of the pageset counters and the amount of
// to-chip pages held in its caches.
func (ps *Pageset) Stats() (st PagesetStats, held int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.stats, len(ps.reserved) + len(ps.spare)
}

// SetQueue routes pages read from channel ch to q.
func (ps *Pageset) SetQueue(ch wire.Channel, q *Queue) {
	ps.queues[ch] = q
}

// HeldPages returns the amount of free to-chip pages cached by the host.
func (ps *Pageset) HeldPages() int { return len(ps.reserved) + len(ps.spare) }

// AvailableFor returns how many pages a frame on channel ch may currently use.
func (ps *Pageset) AvailableFor(ch wire.Channel) int {
	switch ch {
	case wire.ChanCommand:
		return len(ps.reserved) + len(ps.spare)
	case wire.ChanBeacon:
		return max(len(ps.reserved)-1, 0) + len(ps.spare)
	}
	return len(ps.spare)
}

// takePage selects a cached page for channel ch. Commands draw from the
// reserved cache first. Beacons may only draw from it while more than one
// reserved page remains. Every other channel uses the spare cache only.
func (ps *Pageset) takePage(ch wire.Channel) (Page, bool) {
	switch {
	case ch == wire.ChanCommand && len(ps.reserved) > 0,
		ch == wire.ChanBeacon && len(ps.reserved) > 1:
		return pop(&ps.reserved), true
	case len(ps.spare) > 0:
		return pop(&ps.spare), true
	}
	return Page{}, false
}

func pop[T any](s *[]T) T {
	v := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return v
}

// Write places f in a cached page and puts it to the populated pager.
// A failed page write poisons the page and still hands it over so the chip
// recycles it.
func (ps *Pageset) Write(f *Frame) error {
	size := wire.PageHeaderLen + len(f.Payload)
	padded := alignup(size, 4)
	if padded > ps.pageSize || len(f.Payload) > 0xffff {
		return ErrFrameTooLarge
	}
	page, ok := ps.takePage(f.Channel)
	if !ok {
		if f.Channel == wire.ChanBeacon {
			ps.stats.BeaconDrops++
			return ErrBeaconDropped
		}
		return ErrPageNotAvailable
	}
	hdr := wire.PageHeader{
		Sync:    wire.SyncHost,
		Channel: f.Channel,
		Len:     uint16(len(f.Payload)),
		Pad:     uint8(padded - size),
		Token:   f.Token,
	}
	if ps.checksum {
		hdr.Flags |= wire.PageFlagChecksum
		hdr.Checksum = wire.CRC16(f.Payload)
	}
	buf := ps.buf[:padded]
	hdr.Put(buf)
	n := copy(buf[wire.PageHeaderLen:], f.Payload)
	clear(buf[wire.PageHeaderLen+n:])
	err := ps.populated.WritePage(page, buf)
	if err != nil {
		ps.stats.WriteFailures++
		ps.logerr("pageset:write", slog.String("ps", ps.name), slog.String("page", page.String()), errAttr(err))
		ps.poison(page)
		if perr := ps.populated.Put(page); perr != nil {
			return errjoin(err, perr)
		}
		return err
	}
	err = ps.populated.Put(page)
	if err != nil {
		return err
	}
	ps.stats.Written++
	if ps.isTraceEnabled() {
		ps.trace("pageset:write", slog.String("ps", ps.name), slog.String("ch", f.Channel.String()), slog.Int("len", len(f.Payload)), slog.Uint64("token", uint64(f.Token)))
	}
	return nil
}

// poison marks page for discard by the chip. Failure is ignored since the
// bus already failed.
func (ps *Pageset) poison(page Page) {
	var b [wire.PageHeaderLen]byte
	hdr := wire.PageHeader{Sync: wire.SyncPoison}
	hdr.Put(b[:])
	_ = ps.populated.WritePage(page, b[:])
}

// Refill pops free pages from the return pager into the reserved cache and
// then the spare cache until both are full or the pager runs dry.
func (ps *Pageset) Refill() (n int, err error) {
	for len(ps.reserved) < ps.reservedMax || len(ps.spare) < ps.spareMax {
		page, err := ps.ret.Pop()
		if errors.Is(err, ErrPageNotAvailable) {
			break
		} else if err != nil {
			return n, err
		}
		if len(ps.reserved) < ps.reservedMax {
			ps.reserved = append(ps.reserved, page)
		} else {
			ps.spare = append(ps.spare, page)
		}
		n++
	}
	ps.stats.Refilled += uint64(n)
	return n, nil
}

// Read drains up to limit pages from the populated pager and routes them to
// their channel queue. n counts every page consumed, corrupt ones included.
// more is true when reading stopped before the pager was known to be empty.
func (ps *Pageset) Read(limit int) (n int, more bool, err error) {
	for n < limit {
		var page Page
		if ps.hasParked {
			page = ps.parked
			ps.hasParked = false
		} else {
			page, err = ps.populated.Pop()
			if errors.Is(err, ErrPageNotAvailable) {
				return n, false, nil
			} else if err != nil {
				return n, false, err
			}
		}
		err = ps.readPage(page)
		switch {
		case err == nil:
			n++
			continue
		case errors.Is(err, wire.ErrPageChipOwned), errors.Is(err, ErrQueueFull):
			// Retried at the start of the next read.
			ps.stats.Parked++
			ps.parked = page
			ps.hasParked = true
			ps.debug("pageset:park", slog.String("ps", ps.name), slog.String("page", page.String()), errAttr(err))
			return n, true, nil
		case isBusError(err):
			return n, false, err
		}
		ps.stats.Corrupt++
		ps.warn("pageset:drop-corrupt", slog.String("ps", ps.name), slog.String("page", page.String()), errAttr(err))
		err = ps.ret.Put(page)
		if err != nil {
			return n, false, err
		}
		n++
	}
	return n, true, nil
}

// readPage reads one page, routes its payload and recycles the page.
func (ps *Pageset) readPage(page Page) error {
	hdrbuf := ps.buf[:wire.PageHeaderLen]
	err := ps.populated.ReadPage(page, hdrbuf)
	if err != nil {
		return err
	}
	hdr := wire.DecodePageHeader(hdrbuf)
	err = hdr.Validate(ps.pageSize)
	if err != nil {
		return err
	}
	q := ps.queues[hdr.Channel]
	if q == nil {
		ps.stats.Unrouted++
		return errNoQueue
	}
	packet := ps.buf[:alignup(hdr.Size(), 4)]
	var payload []byte
	for attempt := 0; ; attempt++ {
		err = ps.populated.ReadPage(page, packet)
		if err != nil {
			return err
		}
		payload, err = hdr.Parse(packet)
		if attempt > 0 || !errors.Is(err, wire.ErrPageChecksum) {
			break
		}
		// The chip may still have been flushing the page, read it once more.
		ps.stats.ChecksumRetry++
	}
	if err != nil {
		return err
	}
	f := &Frame{
		Channel: hdr.Channel,
		Token:   hdr.Token,
		Payload: append([]byte(nil), payload...),
	}
	err = q.Enqueue(f)
	if err != nil {
		return err
	}
	ps.stats.Read++
	return ps.ret.Put(page)
}

// Notify flushes and signals both pagers.
func (ps *Pageset) Notify() error {
	err := ps.populated.Notify()
	if err != nil {
		return err
	}
	return ps.ret.Notify()
}

// Release returns every cached page to the chip through the populated pager,
// poisoned so the chip recycles them without processing.
func (ps *Pageset) Release() error {
	for _, cache := range []*[]Page{&ps.reserved, &ps.spare} {
		for len(*cache) > 0 {
			page := pop(cache)
			ps.poison(page)
			if err := ps.populated.Put(page); err != nil {
				return err
			}
		}
	}
	return ps.populated.Notify()
}

func alignup[T constraints.Unsigned | constraints.Signed](val, alignment T) T {
	if val%alignment != 0 {
		return val + alignment - val%alignment
	}
	return val
}
