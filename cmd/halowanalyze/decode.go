package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soypat/halow/spibus"
	"github.com/soypat/halow/wire"
)

var pagerNames = [wire.NumPagers]string{
	wire.PagerToChipPopulated:   "to-chip populated",
	wire.PagerToChipReturn:      "to-chip return",
	wire.PagerFromChipPopulated: "from-chip populated",
	wire.PagerFromChipReturn:    "from-chip return",
}

var irqNames = []struct {
	bit  uint32
	name string
}{
	{wire.IRQRxPages, "rx-pages"},
	{wire.IRQPagesReturned, "pages-returned"},
	{wire.IRQPauseTx, "pause-tx"},
	{wire.IRQResumeTx, "resume-tx"},
}

// tracker follows the backplane window and keeps a shadow of every chip
// memory byte seen on the bus. Once the geometry table has crossed the bus
// it names register and page accesses.
type tracker struct {
	window uint32
	shadow map[uint32]byte
	geo    *wire.Geometry
}

func newTracker() *tracker {
	return &tracker{shadow: make(map[uint32]byte)}
}

// observe records a transaction and returns its annotation, which may be empty.
func (t *tracker) observe(cmd spibus.Cmd, data []byte) string {
	if cmd.Fn != spibus.FuncBackplane {
		return ""
	}
	switch cmd.Addr {
	case spibus.RegWindowLow, spibus.RegWindowMid, spibus.RegWindowHigh:
		if !cmd.Write || len(data) == 0 {
			return "window register read"
		}
		shift := 8 * (cmd.Addr - spibus.RegWindowLow + 1)
		t.window = t.window&^(0xff<<shift) | uint32(data[0])<<shift
		return fmt.Sprintf("window=%#x", t.window)
	case spibus.RegSleepCSR:
		if len(data) == 0 {
			return "sleep csr"
		}
		v := data[0]
		if cmd.Write && v&spibus.SleepCSRKeepOn != 0 {
			return "wake request"
		} else if cmd.Write {
			return "sleep"
		}
		const on = spibus.SleepCSRKeepOn | spibus.SleepCSRDeviceOn
		if v&on == on && v != 0xff {
			return fmt.Sprintf("sleep csr=%#x awake", v)
		}
		return fmt.Sprintf("sleep csr=%#x", v)
	}
	addr := t.window | cmd.Addr&spibus.WindowMask
	for i, b := range data {
		t.shadow[addr+uint32(i)] = b
	}
	if t.geo == nil {
		t.findGeometry(addr, len(data))
		if overlaps(addr, len(data), wire.GeometryTableAddr, wire.GeometryTableLen) {
			return "geometry table"
		}
		return ""
	}
	return t.describe(cmd.Write, addr, data)
}

// findGeometry decodes the geometry table once all of its bytes have been seen.
func (t *tracker) findGeometry(addr uint32, n int) {
	if !overlaps(addr, n, wire.GeometryTableAddr, wire.GeometryTableLen) {
		return
	}
	var buf [wire.GeometryTableLen]byte
	for i := range buf {
		b, ok := t.shadow[wire.GeometryTableAddr+uint32(i)]
		if !ok {
			return
		}
		buf[i] = b
	}
	geo, err := wire.DecodeGeometry(buf[:])
	if err != nil {
		// Chips publish the magic last, a partial table is expected while polling.
		return
	}
	t.geo = &geo
	slog.Info("geometry found", slog.String("pager", geo.PagerKind.String()), slog.Uint64("pagesize", uint64(geo.PageSize)), slog.Uint64("pages", uint64(geo.TotalPages)))
}

func (t *tracker) describe(write bool, addr uint32, data []byte) string {
	geo := t.geo
	var word uint32
	if len(data) >= 4 {
		word = binary.LittleEndian.Uint32(data)
	}
	switch addr {
	case geo.IRQStatusAddr:
		return "irq status " + irqString(word)
	case geo.IRQClearAddr:
		return "irq clear " + irqString(word)
	case geo.NotifyAddr:
		var names []string
		for i, p := range geo.Pagers {
			if word&notifyBit(p) != 0 {
				names = append(names, pagerNames[i])
			}
		}
		return "notify " + strings.Join(names, ",")
	}
	for i, p := range geo.Pagers {
		if hw, ok := p.HW(); ok {
			switch {
			case addr == hw.PopAddr && !write && word == 0:
				return "pop " + pagerNames[i] + " empty"
			case addr == hw.PopAddr && !write:
				return fmt.Sprintf("pop %s page=%#x", pagerNames[i], word)
			case addr == hw.PutAddr && write:
				return fmt.Sprintf("put %s page=%#x", pagerNames[i], word)
			}
		} else if sw, ok := p.SW(); ok {
			switch {
			case addr == sw.StateAddr && len(data) >= 8:
				return fmt.Sprintf("%s head=%d tail=%d", pagerNames[i], word, binary.LittleEndian.Uint32(data[4:]))
			case addr == sw.StateAddr:
				return fmt.Sprintf("%s head=%d", pagerNames[i], word)
			case addr == sw.StateAddr+4:
				return fmt.Sprintf("%s tail=%d", pagerNames[i], word)
			case overlaps(addr, len(data), sw.RingAddr, int(4*sw.RingCount)):
				return fmt.Sprintf("%s ring slot=%d", pagerNames[i], (addr-sw.RingAddr)/4)
			}
		}
	}
	return describePage(data)
}

// describePage decodes a page header and, for command pages, the command
// header following it. Continuation chunks of a page are not annotated.
func describePage(data []byte) string {
	if len(data) < wire.PageHeaderLen {
		return ""
	}
	hdr := wire.DecodePageHeader(data)
	switch {
	case hdr.Sync == wire.SyncChip:
		return "page chip-owned"
	case hdr.Sync == wire.SyncPoison:
		return "page poisoned"
	case hdr.Sync != wire.SyncHost || !hdr.Channel.IsValid():
		return ""
	}
	s := fmt.Sprintf("page chan=%s len=%d token=%#x", hdr.Channel, hdr.Len, hdr.Token)
	if hdr.Flags&wire.PageFlagChecksum != 0 {
		s += fmt.Sprintf(" csum=%#04x", hdr.Checksum)
	}
	body := data[wire.PageHeaderLen:]
	switch hdr.Channel {
	case wire.ChanCommand:
		if len(body) < wire.CommandHeaderLen {
			break
		}
		ch := wire.DecodeCommandHeader(body)
		kind := "req"
		if ch.Flags.IsConfirm() {
			kind = "cfm"
		} else if ch.Flags.IsEvent() {
			kind = "evt"
		}
		s += fmt.Sprintf(" %s %s seq=%d retry=%d vif=%d", kind, ch.ID, ch.Seq(), ch.Retry(), ch.VIF)
	case wire.ChanTxStatus:
		s += fmt.Sprintf(" records=%d", int(hdr.Len)/wire.TxStatusLen)
	}
	return s
}

func notifyBit(p wire.PagerDesc) uint32 {
	if hw, ok := p.HW(); ok {
		return hw.NotifyBit
	}
	sw, _ := p.SW()
	return sw.NotifyBit
}

func irqString(v uint32) string {
	var names []string
	for _, irq := range irqNames {
		if v&irq.bit != 0 {
			names = append(names, irq.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func overlaps(addr uint32, n int, start uint32, length int) bool {
	return n > 0 && addr < start+uint32(length) && start < addr+uint32(n)
}
