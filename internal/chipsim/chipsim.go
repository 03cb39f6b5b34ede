// package chipsim simulates the chip side of the paged transport over a byte
// addressed memory. It implements the host Bus interface along with the
// optional power-save interfaces, and processes to-chip pages synchronously
// whenever the host writes the notification register.
package chipsim

import (
	"encoding/binary"
	"errors"
	"slices"
	"sync"

	"github.com/soypat/halow/wire"
)

// Memory map.
const (
	RegIRQStatus = 0x0200
	RegIRQClear  = 0x0204
	RegNotify    = 0x0208
	regPagerBase = 0x0210 // Pop register at +8*i, put register at +8*i+4.
	regEnd       = 0x0300
	ringState    = 0x0400
	ringBase     = 0x0800
	poolBase     = 0x4000
)

var (
	ErrAddr     = errors.New("chipsim: address out of range")
	ErrAlign    = errors.New("chipsim: unaligned access")
	ErrAsleep   = errors.New("chipsim: bus access while asleep")
	ErrInjected = errors.New("chipsim: injected fault")
)

type Config struct {
	PagerKind     wire.PagerKind
	PageSize      uint32
	ToChipPages   uint32
	ReservedPages uint32
	FromChipPages uint32
	// Version is returned by CmdGetVersion.
	Version string
	// Checksum makes the chip checksum the pages it writes.
	Checksum bool
	// BootReads is the amount of geometry table reads that find it not yet published.
	BootReads int
}

func DefaultConfig() Config {
	return Config{
		PagerKind:     wire.PagerSoftware,
		PageSize:      256,
		ToChipPages:   16,
		ReservedPages: 2,
		FromChipPages: 16,
		Version:       "chipsim-1.0",
		Checksum:      true,
	}
}

// Handler computes the confirm of a command.
type Handler func(hdr wire.CommandHeader, req []byte) (status int32, body []byte)

// Record is one entry of the chip's command log.
type Record struct {
	Confirm bool // false for a received request, true for a sent confirm.
	ID      wire.MessageID
	Seq     uint16
	Retry   uint8
}

// Counters of chip side activity.
type Counters struct {
	Commands     int
	DataFrames   int
	MgmtFrames   int
	Beacons      int
	Poisoned     int
	Invalid      int
	PagesWritten int
	Notifies     int
}

// Chip is the simulated chip.
type Chip struct {
	mu       sync.Mutex
	cfg      Config
	mem      []byte
	geo      wire.Geometry
	irq      func()
	irqState uint32
	raise    bool
	fifos    [wire.NumPagers][]uint32
	reads    int

	respond     bool
	holdStatus  bool
	holdReturns bool
	loopback    bool
	busy        bool
	asleep      bool
	fault       error
	heldReturns []uint32
	heldStatus  []wire.TxStatus
	rxFree      []uint32
	outgoing    []outMsg
	handlers    map[wire.MessageID]Handler
	log         []Record
	frames      [][]byte
	counters    Counters
	nextVIF     uint16
	sleepCalls  int
	wakeCalls   int
}

type outMsg struct {
	ch      wire.Channel
	sync    uint8
	token   uint32
	payload []byte
}

// New returns a chip with all to-chip pages placed in the return pager.
func New(cfg Config) *Chip {
	if cfg.RingCount() < 2 || cfg.PageSize < wire.PageHeaderLen {
		panic("chipsim: bad config")
	}
	total := cfg.ToChipPages + cfg.FromChipPages
	c := &Chip{
		cfg:      cfg,
		mem:      make([]byte, poolBase+total*cfg.PageSize),
		respond:  true,
		handlers: make(map[wire.MessageID]Handler),
		nextVIF:  1,
	}
	c.geo = wire.Geometry{
		Version:       wire.GeometryVersion,
		PagerKind:     cfg.PagerKind,
		PageSize:      cfg.PageSize,
		TotalPages:    cfg.ToChipPages,
		ReturnPages:   cfg.ToChipPages - cfg.ReservedPages,
		ReservedPages: cfg.ReservedPages,
		IRQStatusAddr: RegIRQStatus,
		IRQClearAddr:  RegIRQClear,
		NotifyAddr:    RegNotify,
	}
	for i := range c.geo.Pagers {
		bit := uint32(1) << i
		switch cfg.PagerKind {
		case wire.PagerHardware:
			c.geo.Pagers[i] = wire.HWDesc(wire.HWPagerDesc{
				PopAddr:   regPagerBase + 8*uint32(i),
				PutAddr:   regPagerBase + 8*uint32(i) + 4,
				NotifyBit: bit,
			})
		default:
			c.geo.Pagers[i] = wire.SWDesc(wire.SWPagerDesc{
				RingAddr:  ringBase + uint32(i)*cfg.RingCount()*4,
				RingCount: cfg.RingCount(),
				StateAddr: ringState + 8*uint32(i),
				NotifyBit: bit,
			})
		}
	}
	for i := uint32(0); i < cfg.ToChipPages; i++ {
		c.push(wire.PagerToChipReturn, c.toChipAddr(i))
	}
	for i := uint32(0); i < cfg.FromChipPages; i++ {
		c.rxFree = append(c.rxFree, poolBase+(cfg.ToChipPages+i)*cfg.PageSize)
	}
	c.installDefaultHandlers()
	if cfg.BootReads == 0 {
		c.publish()
	}
	return c
}

// RingCount is the software ring size: one slot more than all pages.
func (cfg Config) RingCount() uint32 {
	return cfg.ToChipPages + cfg.FromChipPages + 1
}

func (c *Chip) toChipAddr(i uint32) uint32 { return poolBase + i*c.cfg.PageSize }

func (c *Chip) isToChipPage(addr uint32) bool {
	end := poolBase + c.cfg.ToChipPages*c.cfg.PageSize
	return addr >= poolBase && addr < end && (addr-poolBase)%c.cfg.PageSize == 0
}

func (c *Chip) isFromChipPage(addr uint32) bool {
	start := poolBase + c.cfg.ToChipPages*c.cfg.PageSize
	return addr >= start && addr < uint32(len(c.mem)) && (addr-start)%c.cfg.PageSize == 0
}

func (c *Chip) publish() {
	c.geo.Put(c.mem[wire.GeometryTableAddr:])
}

// Geometry returns the geometry table the chip publishes.
func (c *Chip) Geometry() wire.Geometry { return c.geo }

// SetIRQ sets the function called when the chip raises its interrupt line.
// It is called without the chip lock held.
func (c *Chip) SetIRQ(fn func()) {
	c.mu.Lock()
	c.irq = fn
	c.mu.Unlock()
}

func (c *Chip) le() binary.ByteOrder { return binary.LittleEndian }

func (c *Chip) check(addr uint32, n int) error {
	if addr%4 != 0 || n%4 != 0 {
		return ErrAlign
	}
	if int(addr)+n > len(c.mem) {
		return ErrAddr
	}
	if c.fault != nil {
		return c.fault
	}
	if c.asleep {
		return ErrAsleep
	}
	return nil
}

func (c *Chip) Read32(addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(addr, 4); err != nil {
		return 0, err
	}
	switch {
	case addr == RegIRQStatus:
		return c.irqState, nil
	case addr >= regPagerBase && addr < regPagerBase+8*wire.NumPagers && c.cfg.PagerKind == wire.PagerHardware:
		i := int(addr-regPagerBase) / 8
		if (addr-regPagerBase)%8 != 0 || len(c.fifos[i]) == 0 {
			return 0, nil
		}
		v := c.fifos[i][0]
		c.fifos[i] = c.fifos[i][1:]
		return v, nil
	case addr >= RegIRQStatus && addr < regEnd:
		return 0, nil
	}
	return c.le().Uint32(c.mem[addr:]), nil
}

func (c *Chip) Write32(addr, val uint32) error {
	c.mu.Lock()
	if err := c.check(addr, 4); err != nil {
		c.mu.Unlock()
		return err
	}
	switch {
	case addr == RegIRQClear:
		c.irqState &^= val
	case addr == RegNotify:
		c.counters.Notifies++
		c.process()
	case addr >= regPagerBase && addr < regPagerBase+8*wire.NumPagers && c.cfg.PagerKind == wire.PagerHardware:
		if (addr-regPagerBase)%8 == 4 {
			i := int(addr-regPagerBase) / 8
			c.fifos[i] = append(c.fifos[i], val)
		}
	case addr >= RegIRQStatus && addr < regEnd:
	default:
		c.le().PutUint32(c.mem[addr:], val)
	}
	c.unlockAndRaise()
	return nil
}

func (c *Chip) ReadMem(addr uint32, dst []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(addr, len(dst)); err != nil {
		return err
	}
	if addr == wire.GeometryTableAddr && c.reads < c.cfg.BootReads {
		c.reads++
		clear(dst)
		if c.reads == c.cfg.BootReads {
			c.publish()
		}
		return nil
	}
	copy(dst, c.mem[addr:])
	return nil
}

func (c *Chip) WriteMem(addr uint32, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(addr, len(src)); err != nil {
		return err
	}
	copy(c.mem[addr:], src)
	return nil
}

// setIRQ sets interrupt status bits. The interrupt is raised on the next unlockAndRaise.
func (c *Chip) setIRQ(bits uint32) {
	c.irqState |= bits
	c.raise = true
}

// unlockAndRaise releases the chip lock and calls the IRQ function if
// interrupt status bits were set since the last call.
func (c *Chip) unlockAndRaise() {
	irq := c.irq
	raise := c.raise
	c.raise = false
	c.mu.Unlock()
	if raise && irq != nil {
		irq()
	}
}

// Pager primitives shared by both pager kinds. Must be called with c.mu held.

func (c *Chip) push(pager int, addr uint32) {
	if c.cfg.PagerKind == wire.PagerHardware {
		c.fifos[pager] = append(c.fifos[pager], addr)
		return
	}
	sw, _ := c.geo.Pagers[pager].SW()
	head := c.le().Uint32(c.mem[sw.StateAddr:])
	c.le().PutUint32(c.mem[sw.RingAddr+4*head:], addr)
	c.le().PutUint32(c.mem[sw.StateAddr:], (head+1)%sw.RingCount)
}

func (c *Chip) pop(pager int) (uint32, bool) {
	if c.cfg.PagerKind == wire.PagerHardware {
		if len(c.fifos[pager]) == 0 {
			return 0, false
		}
		v := c.fifos[pager][0]
		c.fifos[pager] = c.fifos[pager][1:]
		return v, true
	}
	sw, _ := c.geo.Pagers[pager].SW()
	head := c.le().Uint32(c.mem[sw.StateAddr:])
	tail := c.le().Uint32(c.mem[sw.StateAddr+4:])
	if head == tail {
		return 0, false
	}
	v := c.le().Uint32(c.mem[sw.RingAddr+4*tail:])
	c.le().PutUint32(c.mem[sw.StateAddr+4:], (tail+1)%sw.RingCount)
	return v, true
}

func (c *Chip) pagerLen(pager int) int {
	if c.cfg.PagerKind == wire.PagerHardware {
		return len(c.fifos[pager])
	}
	sw, _ := c.geo.Pagers[pager].SW()
	head := c.le().Uint32(c.mem[sw.StateAddr:])
	tail := c.le().Uint32(c.mem[sw.StateAddr+4:])
	return int((head + sw.RingCount - tail) % sw.RingCount)
}

// process consumes populated to-chip pages, recycles returned from-chip
// pages and delivers outgoing messages. Must be called with c.mu held.
func (c *Chip) process() {
	for {
		addr, ok := c.pop(wire.PagerToChipPopulated)
		if !ok {
			break
		}
		if !c.isToChipPage(addr) {
			c.counters.Invalid++
			continue
		}
		c.consume(addr)
		if c.holdReturns {
			c.heldReturns = append(c.heldReturns, addr)
		} else {
			c.push(wire.PagerToChipReturn, addr)
			c.setIRQ(wire.IRQPagesReturned)
		}
	}
	for {
		addr, ok := c.pop(wire.PagerFromChipReturn)
		if !ok {
			break
		}
		if !c.isFromChipPage(addr) {
			c.counters.Invalid++
			continue
		}
		c.rxFree = append(c.rxFree, addr)
	}
	c.flushStatus()
	c.deliver()
}

func (c *Chip) consume(addr uint32) {
	page := c.mem[addr : addr+c.cfg.PageSize]
	hdr := wire.DecodePageHeader(page)
	if hdr.Sync == wire.SyncPoison {
		c.counters.Poisoned++
		return
	}
	payload, err := hdr.Parse(page)
	if err != nil {
		c.counters.Invalid++
		return
	}
	switch {
	case hdr.Channel == wire.ChanCommand:
		c.counters.Commands++
		c.command(payload)
	case hdr.Channel == wire.ChanBeacon:
		c.counters.Beacons++
	case hdr.Channel == wire.ChanMgmt, hdr.Channel.IsData():
		if hdr.Channel == wire.ChanMgmt {
			c.counters.MgmtFrames++
		} else {
			c.counters.DataFrames++
		}
		c.frames = append(c.frames, slices.Clone(payload))
		c.heldStatus = append(c.heldStatus, wire.TxStatus{Token: hdr.Token, Status: wire.TxOK, Channel: hdr.Channel})
		if c.loopback {
			c.outgoing = append(c.outgoing, outMsg{ch: hdr.Channel, sync: wire.SyncHost, payload: slices.Clone(payload)})
		}
	default:
		c.counters.Invalid++
	}
}

func (c *Chip) command(msg []byte) {
	if len(msg) < wire.CommandHeaderLen {
		c.counters.Invalid++
		return
	}
	hdr := wire.DecodeCommandHeader(msg)
	req, err := hdr.Parse(msg)
	if err != nil || !hdr.Flags.IsRequest() {
		c.counters.Invalid++
		return
	}
	c.log = append(c.log, Record{ID: hdr.ID, Seq: hdr.Seq(), Retry: hdr.Retry()})
	if !c.respond {
		return
	}
	status, body := int32(-95), []byte(nil) // EOPNOTSUPP
	if h, ok := c.handlers[hdr.ID]; ok {
		status, body = h(hdr, req)
	}
	c.queueConfirm(hdr, status, body)
}

func (c *Chip) queueConfirm(req wire.CommandHeader, status int32, body []byte) {
	cfm := wire.CommandHeader{Flags: wire.FlagConfirm, ID: req.ID, TID: req.TID, VIF: req.VIF}
	msg := wire.AppendCommand(nil, cfm, wire.AppendConfirm(nil, status, body))
	c.outgoing = append(c.outgoing, outMsg{ch: wire.ChanCommand, sync: wire.SyncHost, payload: msg})
	c.log = append(c.log, Record{Confirm: true, ID: req.ID, Seq: req.Seq(), Retry: req.Retry()})
}

// flushStatus packs pending transmit status records into as few pages as possible.
func (c *Chip) flushStatus() {
	if c.holdStatus || len(c.heldStatus) == 0 {
		return
	}
	perPage := int(c.cfg.PageSize-wire.PageHeaderLen) / wire.TxStatusLen
	for len(c.heldStatus) > 0 {
		n := min(perPage, len(c.heldStatus))
		buf := make([]byte, n*wire.TxStatusLen)
		for i := range n {
			c.heldStatus[i].Put(buf[i*wire.TxStatusLen:])
		}
		c.heldStatus = c.heldStatus[n:]
		c.outgoing = append(c.outgoing, outMsg{ch: wire.ChanTxStatus, sync: wire.SyncHost, payload: buf})
	}
}

// deliver writes outgoing messages into free from-chip pages.
func (c *Chip) deliver() {
	for len(c.outgoing) > 0 && len(c.rxFree) > 0 {
		m := c.outgoing[0]
		if wire.PageHeaderLen+len(m.payload) > int(c.cfg.PageSize) {
			c.outgoing = c.outgoing[1:]
			c.counters.Invalid++
			continue
		}
		c.outgoing = c.outgoing[1:]
		addr := c.rxFree[len(c.rxFree)-1]
		c.rxFree = c.rxFree[:len(c.rxFree)-1]
		c.writePage(addr, m)
		c.push(wire.PagerFromChipPopulated, addr)
		c.setIRQ(wire.IRQRxPages)
		c.counters.PagesWritten++
	}
}

func (c *Chip) writePage(addr uint32, m outMsg) {
	size := wire.PageHeaderLen + len(m.payload)
	hdr := wire.PageHeader{
		Sync:    m.sync,
		Channel: m.ch,
		Len:     uint16(len(m.payload)),
		Pad:     uint8((4 - size%4) % 4),
		Token:   m.token,
	}
	if c.cfg.Checksum {
		hdr.Flags |= wire.PageFlagChecksum
		hdr.Checksum = wire.CRC16(m.payload)
	}
	page := c.mem[addr : addr+c.cfg.PageSize]
	hdr.Put(page)
	copy(page[wire.PageHeaderLen:], m.payload)
}
