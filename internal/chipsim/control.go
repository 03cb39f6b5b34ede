package chipsim

import (
	"encoding/binary"
	"slices"

	"github.com/soypat/halow/wire"
)

func (c *Chip) installDefaultHandlers() {
	ok := func(body []byte) (int32, []byte) { return 0, body }
	c.handlers[wire.CmdGetVersion] = func(_ wire.CommandHeader, _ []byte) (int32, []byte) {
		return ok(wire.AppendVersion(nil, c.cfg.Version))
	}
	c.handlers[wire.CmdSetChannel] = func(_ wire.CommandHeader, req []byte) (int32, []byte) {
		ch, err := wire.DecodeSetChannelReq(req)
		if err != nil || ch.FreqKHz == 0 {
			return -22, nil // EINVAL
		}
		return ok(nil)
	}
	c.handlers[wire.CmdSetTxPower] = func(_ wire.CommandHeader, req []byte) (int32, []byte) {
		p, err := wire.DecodeTxPower(req)
		if err != nil {
			return -22, nil
		}
		return ok(wire.AppendTxPower(nil, min(p, 88)))
	}
	c.handlers[wire.CmdGetMaxTxPower] = func(_ wire.CommandHeader, _ []byte) (int32, []byte) {
		return ok(wire.AppendTxPower(nil, 88))
	}
	c.handlers[wire.CmdAddInterface] = func(_ wire.CommandHeader, req []byte) (int32, []byte) {
		if _, err := wire.DecodeAddInterfaceReq(req); err != nil {
			return -22, nil
		}
		vif := c.nextVIF
		c.nextVIF++
		return ok(binary.LittleEndian.AppendUint16(nil, vif))
	}
	for _, id := range []wire.MessageID{wire.CmdRemoveInterface, wire.CmdHealthCheck, wire.CmdSetPowerSave, wire.CmdSetControlResponse} {
		c.handlers[id] = func(_ wire.CommandHeader, _ []byte) (int32, []byte) { return ok(nil) }
	}
}

// Handle overrides the handler of command id.
func (c *Chip) Handle(id wire.MessageID, h Handler) {
	c.mu.Lock()
	c.handlers[id] = h
	c.mu.Unlock()
}

// SetRespond controls whether the chip confirms commands.
func (c *Chip) SetRespond(respond bool) {
	c.mu.Lock()
	c.respond = respond
	c.mu.Unlock()
}

// HoldTxStatus stops the chip from reporting transmit status until released.
func (c *Chip) HoldTxStatus(hold bool) {
	c.mu.Lock()
	c.holdStatus = hold
	if !hold {
		c.flushStatus()
		c.deliver()
	}
	c.unlockAndRaise()
}

// DiscardTxStatus forgets every withheld transmit status.
func (c *Chip) DiscardTxStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.heldStatus)
	c.heldStatus = nil
	return n
}

// HoldReturns keeps consumed to-chip pages instead of returning them.
func (c *Chip) HoldReturns(hold bool) {
	c.mu.Lock()
	c.holdReturns = hold
	c.mu.Unlock()
}

// ReleaseReturns returns held to-chip pages and raises the interrupt.
func (c *Chip) ReleaseReturns() int {
	c.mu.Lock()
	n := len(c.heldReturns)
	for _, addr := range c.heldReturns {
		c.push(wire.PagerToChipReturn, addr)
	}
	c.heldReturns = c.heldReturns[:0]
	if n > 0 {
		c.setIRQ(wire.IRQPagesReturned)
	}
	c.unlockAndRaise()
	return n
}

// SetLoopback makes the chip echo every data and management frame back to the host.
func (c *Chip) SetLoopback(on bool) {
	c.mu.Lock()
	c.loopback = on
	c.mu.Unlock()
}

// SetBusy sets the chip busy line.
func (c *Chip) SetBusy(busy bool) {
	c.mu.Lock()
	c.busy = busy
	c.mu.Unlock()
}

// SetFault makes every subsequent bus access fail with err. A nil err clears the fault.
func (c *Chip) SetFault(err error) {
	c.mu.Lock()
	c.fault = err
	c.mu.Unlock()
}

// Deliver sends a frame to the host on channel ch.
func (c *Chip) Deliver(ch wire.Channel, payload []byte) {
	c.inject(outMsg{ch: ch, sync: wire.SyncHost, payload: slices.Clone(payload)})
}

// DeliverRaw sends a page with an arbitrary sync marker.
func (c *Chip) DeliverRaw(ch wire.Channel, sync uint8, payload []byte) {
	c.inject(outMsg{ch: ch, sync: sync, payload: slices.Clone(payload)})
}

// Event sends an unsolicited event to the host.
func (c *Chip) Event(id wire.MessageID, vif uint16, payload []byte) {
	hdr := wire.CommandHeader{Flags: wire.FlagEvent, ID: id, VIF: vif}
	c.inject(outMsg{ch: wire.ChanCommand, sync: wire.SyncHost, payload: wire.AppendCommand(nil, hdr, payload)})
}

// Confirm sends a confirm for an arbitrary transaction.
func (c *Chip) Confirm(id wire.MessageID, seq uint16, retry uint8, status int32, body []byte) {
	c.mu.Lock()
	c.queueConfirm(wire.CommandHeader{ID: id, TID: wire.MakeTID(seq, retry)}, status, body)
	c.deliver()
	c.unlockAndRaise()
}

func (c *Chip) inject(m outMsg) {
	c.mu.Lock()
	c.outgoing = append(c.outgoing, m)
	c.deliver()
	c.unlockAndRaise()
}

// RaiseIRQ sets interrupt status bits, such as wire.IRQPauseTx, and raises the interrupt.
func (c *Chip) RaiseIRQ(bits uint32) {
	c.mu.Lock()
	c.setIRQ(bits)
	c.unlockAndRaise()
}

// DeliverCorrupt sends a page whose first payload byte is flipped after
// checksumming. Payload must not be empty.
func (c *Chip) DeliverCorrupt(ch wire.Channel, payload []byte) {
	c.mu.Lock()
	if len(c.rxFree) == 0 || len(payload) == 0 {
		c.mu.Unlock()
		return
	}
	addr := c.rxFree[len(c.rxFree)-1]
	c.rxFree = c.rxFree[:len(c.rxFree)-1]
	c.writePage(addr, outMsg{ch: ch, sync: wire.SyncHost, payload: payload})
	c.mem[addr+wire.PageHeaderLen] ^= 0xff
	c.push(wire.PagerFromChipPopulated, addr)
	c.setIRQ(wire.IRQRxPages)
	c.unlockAndRaise()
}

// Log returns the chip command log: received requests and sent confirms in order.
func (c *Chip) Log() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.log)
}

// Frames returns the payloads of every data and management frame received.
func (c *Chip) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

func (c *Chip) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// ToChipPagesHeld returns the amount of to-chip pages on the chip side:
// queued in either to-chip pager or held back from return.
func (c *Chip) ToChipPagesHeld() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagerLen(wire.PagerToChipPopulated) + c.pagerLen(wire.PagerToChipReturn) + len(c.heldReturns)
}

// FromChipPagesFree returns the amount of from-chip pages the chip may write to.
func (c *Chip) FromChipPagesFree() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rxFree)
}

// Sleep and Wake implement the host bus power-save interface.
func (c *Chip) Sleep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asleep = true
	c.sleepCalls++
	return nil
}

func (c *Chip) Wake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asleep = false
	c.wakeCalls++
	return nil
}

// Asleep reports whether the bus is asleep and how many times it was put to sleep and woken.
func (c *Chip) Asleep() (asleep bool, sleeps, wakes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asleep, c.sleepCalls, c.wakeCalls
}

func (c *Chip) ChipBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// FinishChipOwned marks every chip-owned page queued to the host as
// populated, as if the chip had finished writing them.
func (c *Chip) FinishChipOwned() (n int) {
	c.mu.Lock()
	start := poolBase + c.cfg.ToChipPages*c.cfg.PageSize
	for addr := start; addr < uint32(len(c.mem)); addr += c.cfg.PageSize {
		if c.mem[addr] == wire.SyncChip && !slices.Contains(c.rxFree, addr) {
			c.mem[addr] = wire.SyncHost
			n++
		}
	}
	if n > 0 {
		c.setIRQ(wire.IRQRxPages)
	}
	c.unlockAndRaise()
	return n
}
