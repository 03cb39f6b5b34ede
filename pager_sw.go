package halow

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/halow/wire"
)

// swPager is a ring of page addresses in chip memory. The producer owns the
// head index and the consumer owns the tail index; a ring with head == tail is
// empty and one slot is always left free.
//
// Pops are served from a batch read in one transfer. Puts are batched
// locally and written out, together with the host-owned index, on Notify.
type swPager struct {
	pagerBase
	desc   wire.SWPagerDesc
	synced bool
	head   uint32
	tail   uint32
	// Consumer side.
	popBatch  []uint32
	popIdx    int
	tailDirty bool
	// Producer side.
	putStart uint32
	putBatch []uint32
	buf      []byte
}

var _ Pager = (*swPager)(nil)

func (p *swPager) headAddr() uint32 { return p.desc.StateAddr }
func (p *swPager) tailAddr() uint32 { return p.desc.StateAddr + 4 }
func (p *swPager) slotAddr(i uint32) uint32 {
	return p.desc.RingAddr + 4*i
}

// sync reads both ring indices once before the first operation.
func (p *swPager) sync() (err error) {
	if p.synced {
		return nil
	}
	p.head, err = p.io.read32(p.headAddr())
	if err != nil {
		return err
	}
	p.tail, err = p.io.read32(p.tailAddr())
	if err != nil {
		return err
	}
	if p.head >= p.desc.RingCount || p.tail >= p.desc.RingCount {
		return errPageAddr
	}
	p.synced = true
	return nil
}

func (p *swPager) Pop() (Page, error) {
	if p.popIdx < len(p.popBatch) {
		return p.consume(), nil
	}
	if err := p.sync(); err != nil {
		return Page{}, err
	}
	head, err := p.io.read32(p.headAddr())
	if err != nil {
		return Page{}, err
	} else if head >= p.desc.RingCount {
		return Page{}, errPageAddr
	}
	p.head = head
	count := p.desc.RingCount
	avail := (head + count - p.tail) % count
	if avail == 0 {
		return Page{}, ErrPageNotAvailable
	}
	// Read up to the end of the ring, the wrapped remainder is read on the next refill.
	n := min(avail, count-p.tail)
	p.buf = growbuf(p.buf, int(n)*4)
	err = p.io.readMem(p.slotAddr(p.tail), p.buf)
	if err != nil {
		return Page{}, err
	}
	p.popBatch = p.popBatch[:0]
	for i := 0; i < int(n); i++ {
		p.popBatch = append(p.popBatch, binary.LittleEndian.Uint32(p.buf[4*i:]))
	}
	p.popIdx = 0
	p.trace("swpager:pop-batch", slog.String("pager", p.name), slog.Uint64("n", uint64(n)), slog.Uint64("tail", uint64(p.tail)))
	return p.consume(), nil
}

// consume takes the next batched entry. Entries not yet consumed stay
// in the ring from the chip's point of view.
func (p *swPager) consume() Page {
	addr := p.popBatch[p.popIdx]
	p.popIdx++
	p.tail = (p.tail + 1) % p.desc.RingCount
	p.tailDirty = true
	return p.page(addr)
}

func (p *swPager) Put(pg Page) error {
	if pg.Addr == 0 {
		return errPageAddr
	}
	if err := p.sync(); err != nil {
		return err
	}
	count := p.desc.RingCount
	next := (p.head + 1) % count
	if next == p.tail {
		// Cached tail may be stale, consumer may have advanced it.
		tail, err := p.io.read32(p.tailAddr())
		if err != nil {
			return err
		}
		p.tail = tail
		if next == p.tail {
			return errPagerFull
		}
	}
	if len(p.putBatch) == 0 {
		p.putStart = p.head
	}
	p.putBatch = append(p.putBatch, pg.Addr)
	p.head = next
	return nil
}

func (p *swPager) Notify() error {
	if len(p.putBatch) > 0 {
		err := p.flushPuts()
		if err != nil {
			return err
		}
		err = p.io.write32(p.headAddr(), p.head)
		if err != nil {
			return err
		}
	}
	if p.tailDirty {
		err := p.io.write32(p.tailAddr(), p.tail)
		if err != nil {
			return err
		}
		p.tailDirty = false
	}
	return p.notify(p.desc.NotifyBit)
}

// flushPuts writes batched entries in at most two transfers, split where the ring wraps.
func (p *swPager) flushPuts() error {
	count := p.desc.RingCount
	start := p.putStart
	entries := p.putBatch
	for len(entries) > 0 {
		n := min(uint32(len(entries)), count-start)
		p.buf = growbuf(p.buf, int(n)*4)
		for i := 0; i < int(n); i++ {
			binary.LittleEndian.PutUint32(p.buf[4*i:], entries[i])
		}
		err := p.io.writeMem(p.slotAddr(start), p.buf)
		if err != nil {
			return err
		}
		entries = entries[n:]
		start = (start + n) % count
	}
	p.putBatch = p.putBatch[:0]
	return nil
}

// growbuf returns buf resliced to n bytes, reallocating when needed.
func growbuf(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
