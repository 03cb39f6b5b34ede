package spibus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// fakeChip decodes command words written to it and serves a sparse
// backplane memory, the way the chip's SPI core does.
type fakeChip struct {
	mem      map[uint32]byte
	selected bool
	haveCmd  bool
	write    bool
	fn       Function
	addr     uint32
	pos      uint32

	window       uint32
	windowWrites int
	sleepCSR     uint8
	// wakeReads is the amount of sleep register reads before the device reports on.
	wakeReads int
	neverWake bool
	fail      error
}

func newFakeChip() *fakeChip {
	return &fakeChip{mem: make(map[uint32]byte)}
}

func (f *fakeChip) cs(level bool) {
	f.selected = !level
	if level {
		f.haveCmd = false
	}
}

func (f *fakeChip) Transfer(b byte) (byte, error) { return 0, nil }

func (f *fakeChip) Tx(w, r []byte) error {
	if !f.selected {
		return errors.New("transfer without chip select")
	}
	if f.fail != nil {
		return f.fail
	}
	if !f.haveCmd {
		if len(w) != 4 || r != nil {
			return errors.New("expected command word")
		}
		cmd := binary.LittleEndian.Uint32(w)
		c := DecodeCmd(cmd)
		f.write, f.fn, f.addr = c.Write, c.Fn, c.Addr
		if !c.AutoInc {
			return errors.New("expected auto increment")
		}
		f.haveCmd = true
		f.pos = 0
		return nil
	}
	if f.write {
		for _, b := range w {
			f.store(f.addr+f.pos, b)
			f.pos++
		}
		return nil
	}
	var padding uint32
	if f.fn == FuncBackplane {
		padding = ReadPadding
	}
	for i := range r {
		if f.pos < padding {
			r[i] = 0
		} else {
			r[i] = f.load(f.addr + f.pos - padding)
		}
		f.pos++
	}
	return nil
}

func (f *fakeChip) full(a17 uint32) uint32 {
	return f.window | a17&WindowMask
}

func (f *fakeChip) store(a17 uint32, b byte) {
	switch a17 {
	case RegWindowLow:
		f.window = f.window&^0x0000ff00 | uint32(b)<<8
		f.windowWrites++
	case RegWindowMid:
		f.window = f.window&^0x00ff0000 | uint32(b)<<16
		f.windowWrites++
	case RegWindowHigh:
		f.window = f.window&^0xff000000 | uint32(b)<<24
		f.windowWrites++
	case RegSleepCSR:
		f.sleepCSR = b & SleepCSRKeepOn
	default:
		f.mem[f.full(a17)] = b
	}
}

func (f *fakeChip) load(a17 uint32) byte {
	if a17 == RegSleepCSR {
		v := f.sleepCSR
		if v&SleepCSRKeepOn != 0 && !f.neverWake {
			if f.wakeReads == 0 {
				v |= SleepCSRDeviceOn
			} else {
				f.wakeReads--
			}
		}
		return v
	}
	return f.mem[f.full(a17)]
}

func TestCmdWord(t *testing.T) {
	cmd := cmdWord(true, true, FuncBackplane, RegWindowHigh, 1)
	want := uint32(1<<31 | 1<<30 | 1<<28 | RegWindowHigh<<11 | 1)
	if cmd != want {
		t.Fatalf("cmd word %#x, want %#x", cmd, want)
	}
	c := DecodeCmd(cmdWord(false, true, FuncBus, 0x1ffff, 0x7ff))
	if c != (Cmd{AutoInc: true, Fn: FuncBus, Addr: 0x1ffff, Size: 0x7ff}) {
		t.Error("bad decode", c)
	}
	if c.Word() != cmdWord(false, true, FuncBus, 0x1ffff, 0x7ff) {
		t.Error("word does not round trip", c)
	}
}

func TestReadWrite32(t *testing.T) {
	chip := newFakeChip()
	bus := New(chip, chip.cs)
	const addr = 0x18004404
	err := bus.Write32(addr, 0xdeadbeef)
	if err != nil {
		t.Fatal(err)
	}
	if chip.window != addr&^WindowMask {
		t.Errorf("window %#x, want %#x", chip.window, addr&^WindowMask)
	}
	if chip.mem[addr] != 0xef || chip.mem[addr+3] != 0xde {
		t.Error("register not stored little endian")
	}
	got, err := bus.Read32(addr)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xdeadbeef {
		t.Errorf("read %#x", got)
	}
	if _, err := bus.Read32(addr + 2); !errors.Is(err, errUnaligned) {
		t.Error("expected unaligned error, got", err)
	}
}

func TestWindowCached(t *testing.T) {
	chip := newFakeChip()
	bus := New(chip, chip.cs)
	for i := uint32(0); i < 4; i++ {
		if _, err := bus.Read32(0x20000100 + 4*i); err != nil {
			t.Fatal(err)
		}
	}
	if chip.windowWrites != 3 {
		t.Errorf("first access writes every window byte once, got %d writes", chip.windowWrites)
	}
	// Only the low window byte differs.
	if _, err := bus.Read32(0x20008000); err != nil {
		t.Fatal(err)
	}
	if chip.windowWrites != 4 {
		t.Errorf("expected a single window byte update, got %d writes", chip.windowWrites)
	}
}

func TestMemCrossesWindow(t *testing.T) {
	chip := newFakeChip()
	bus := New(chip, chip.cs)
	const addr = 0x7f80
	data := make([]byte, 301)
	for i := range data {
		data[i] = byte(i * 7)
	}
	err := bus.WriteMem(addr, data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if chip.mem[addr+uint32(i)] != data[i] {
			t.Fatalf("byte %d at %#x not written", i, addr+i)
		}
	}
	got := make([]byte, len(data))
	err = bus.ReadMem(addr, got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back mismatch")
	}
}

func TestSleepWake(t *testing.T) {
	chip := newFakeChip()
	bus := New(chip, chip.cs)
	if err := bus.Sleep(); err != nil {
		t.Fatal(err)
	}
	if chip.sleepCSR != 0 {
		t.Error("keep-on bit still set after sleep")
	}
	chip.wakeReads = 3
	if err := bus.Wake(); err != nil {
		t.Fatal(err)
	}
	if chip.sleepCSR&SleepCSRKeepOn == 0 {
		t.Error("keep-on bit not set after wake")
	}
	chip.neverWake = true
	if err := bus.Wake(); !errors.Is(err, errWakeFailed) {
		t.Error("expected wake failure, got", err)
	}
}

func TestFailedWindowRewritten(t *testing.T) {
	chip := newFakeChip()
	bus := New(chip, chip.cs)
	if _, err := bus.Read32(0x1000); err != nil {
		t.Fatal(err)
	}
	chip.fail = errors.New("spi fault")
	if err := bus.WriteMem(0x10000, []byte{1, 2, 3, 4}); !errors.Is(err, chip.fail) {
		t.Fatal("expected fault, got", err)
	}
	chip.fail = nil
	writes := chip.windowWrites
	if err := bus.WriteMem(0x10000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if chip.windowWrites-writes != 3 {
		t.Errorf("window must be rewritten in full after a fault, got %d writes", chip.windowWrites-writes)
	}
	if chip.mem[0x10002] != 3 {
		t.Error("data not written after recovery")
	}
}
