// Package spibus implements the halow bus over a gSPI style link: 32 bit
// command words followed by data, with chip memory accessed through a
// 32KiB backplane window.
package spibus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soypat/halow"
	"golang.org/x/exp/constraints"
	"tinygo.org/x/drivers"
)

type Function uint32

const (
	// All SPI-specific registers.
	FuncBus Function = 0b00
	// Chip memory and registers reached through the backplane window.
	FuncBackplane Function = 0b01
)

func (f Function) String() (s string) {
	switch f {
	case FuncBus:
		s = "bus"
	case FuncBackplane:
		s = "backplane"
	default:
		s = "unknown"
	}
	return s
}

// Backplane registers.
const (
	RegWindowLow  = 0x1000a
	RegWindowMid  = 0x1000b
	RegWindowHigh = 0x1000c
	RegSleepCSR   = 0x1001f
)

const (
	SleepCSRKeepOn   = 1 << 0
	SleepCSRDeviceOn = 1 << 1
)

const (
	WindowMask = 0x7fff
	// Flags a 4 byte register access within the window.
	Access4B = 0x8000
	// Largest single backplane transfer.
	maxTransfer = 64
	// Response delay word preceding backplane read data.
	ReadPadding = 4
	wakeRetries = 64
)

var (
	errUnaligned  = errors.New("spibus: address not 4-byte aligned")
	errWakeFailed = errors.New("spibus: chip did not wake")
)

// OutputPin sets the level of a GPIO. The chip select is active low.
type OutputPin func(level bool)

// Bus drives a chip over SPI. It implements halow.Bus and halow.Sleeper.
// Bus is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	spi    drivers.SPI
	cs     OutputPin
	window uint32
	// windowValid is false until the first window write and after any failed one.
	windowValid bool
	cmdbuf      [4]byte
	buf         [ReadPadding + maxTransfer]byte
}

var (
	_ halow.Bus     = (*Bus)(nil)
	_ halow.Sleeper = (*Bus)(nil)
)

func New(spi drivers.SPI, cs OutputPin) *Bus {
	b := &Bus{spi: spi, cs: cs}
	b.csEnable(false)
	return b
}

func (b *Bus) Read32(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, errUnaligned
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backplaneReadn(addr, 4)
}

func (b *Bus) Write32(addr, val uint32) error {
	if addr%4 != 0 {
		return errUnaligned
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backplaneWriten(addr, val, 4)
}

// ReadMem reads len(dst) bytes of chip memory starting at addr. Transfers
// are split so none crosses a window boundary or exceeds the transfer limit.
func (b *Bus) ReadMem(addr uint32, dst []byte) error {
	if addr%4 != 0 {
		return errUnaligned
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(dst) > 0 {
		offset := addr & WindowMask
		n := min(uint32(len(dst)), maxTransfer, WindowMask+1-offset)
		err := b.setWindow(addr)
		if err != nil {
			return err
		}
		aligned := alignup(n, 4)
		cmd := cmdWord(false, true, FuncBackplane, offset, aligned+ReadPadding)
		buf := b.buf[:ReadPadding+aligned]
		b.csEnable(true)
		err = b.spiRead(cmd, buf)
		b.csEnable(false)
		if err != nil {
			return err
		}
		copy(dst[:n], buf[ReadPadding:])
		addr += n
		dst = dst[n:]
	}
	return nil
}

// WriteMem writes src to chip memory starting at addr. A trailing partial
// word is zero padded.
func (b *Bus) WriteMem(addr uint32, src []byte) error {
	if addr%4 != 0 {
		return errUnaligned
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(src) > 0 {
		offset := addr & WindowMask
		n := min(uint32(len(src)), maxTransfer, WindowMask+1-offset)
		err := b.setWindow(addr)
		if err != nil {
			return err
		}
		aligned := alignup(n, 4)
		buf := b.buf[:aligned]
		copy(buf, src[:n])
		clear(buf[n:])
		cmd := cmdWord(true, true, FuncBackplane, offset, aligned)
		b.csEnable(true)
		err = b.spiWrite(cmd, buf)
		b.csEnable(false)
		if err != nil {
			return err
		}
		addr += n
		src = src[n:]
	}
	return nil
}

// Sleep clears the keep-on bit so the chip may power down its bus interface.
func (b *Bus) Sleep() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writen(FuncBackplane, RegSleepCSR, 0, 1)
}

// Wake sets the keep-on bit and reads it back until the chip reports its
// bus interface is powered.
func (b *Bus) Wake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const want = SleepCSRKeepOn | SleepCSRDeviceOn
	for i := 0; i < wakeRetries; i++ {
		// Writes may be lost while the chip clocks up, keep repeating them.
		err := b.writen(FuncBackplane, RegSleepCSR, SleepCSRKeepOn, 1)
		if err != nil {
			return err
		}
		got, err := b.readn(FuncBackplane, RegSleepCSR, 1)
		if err != nil {
			return err
		}
		if uint8(got)&want == want && uint8(got) != 0xff {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return errWakeFailed
}

func (b *Bus) backplaneReadn(addr, size uint32) (uint32, error) {
	err := b.setWindow(addr)
	if err != nil {
		return 0, err
	}
	addr &= WindowMask
	if size == 4 {
		addr |= Access4B
	}
	return b.readn(FuncBackplane, addr, size)
}

func (b *Bus) backplaneWriten(addr, val, size uint32) error {
	err := b.setWindow(addr)
	if err != nil {
		return err
	}
	addr &= WindowMask
	if size == 4 {
		addr |= Access4B
	}
	return b.writen(FuncBackplane, addr, val, size)
}

// setWindow points the backplane window at the 32KiB region holding addr,
// writing only the window register bytes that changed.
func (b *Bus) setWindow(addr uint32) (err error) {
	addr &^= WindowMask
	current := b.window
	if b.windowValid && addr == current {
		return nil
	}
	if !b.windowValid || (addr&0xff000000) != current&0xff000000 {
		err = b.writen(FuncBackplane, RegWindowHigh, addr>>24, 1)
	}
	if err == nil && (!b.windowValid || (addr&0x00ff0000) != current&0x00ff0000) {
		err = b.writen(FuncBackplane, RegWindowMid, (addr>>16)&0xff, 1)
	}
	if err == nil && (!b.windowValid || (addr&0x0000ff00) != current&0x0000ff00) {
		err = b.writen(FuncBackplane, RegWindowLow, (addr>>8)&0xff, 1)
	}
	if err != nil {
		b.windowValid = false
		return err
	}
	b.window = addr
	b.windowValid = true
	return nil
}

// writen is primitive SPI write function for <= 4 byte writes.
func (b *Bus) writen(fn Function, addr, val, size uint32) error {
	cmd := cmdWord(true, true, fn, addr, size)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	b.csEnable(true)
	err := b.spiWrite(cmd, buf[:size])
	b.csEnable(false)
	return err
}

// readn is primitive SPI read function for <= 4 byte reads.
func (b *Bus) readn(fn Function, addr, size uint32) (uint32, error) {
	var padding uint32
	if fn == FuncBackplane {
		padding = ReadPadding
	}
	cmd := cmdWord(false, true, fn, addr, size+padding)
	var buf [ReadPadding + 4]byte
	b.csEnable(true)
	err := b.spiRead(cmd, buf[:padding+size])
	b.csEnable(false)
	return binary.LittleEndian.Uint32(buf[padding:]), err
}

func (b *Bus) spiRead(cmd uint32, r []byte) error {
	binary.LittleEndian.PutUint32(b.cmdbuf[:], cmd)
	err := b.spi.Tx(b.cmdbuf[:], nil)
	if err != nil {
		return err
	}
	return b.spi.Tx(nil, r)
}

func (b *Bus) spiWrite(cmd uint32, w []byte) error {
	binary.LittleEndian.PutUint32(b.cmdbuf[:], cmd)
	err := b.spi.Tx(b.cmdbuf[:], nil)
	if err != nil {
		return err
	}
	return b.spi.Tx(w, nil)
}

func (b *Bus) csEnable(enable bool) {
	b.cs(!enable)
}

//go:inline
func cmdWord(write, autoInc bool, fn Function, addr uint32, sz uint32) uint32 {
	return b2u32(write)<<31 | b2u32(autoInc)<<30 | uint32(fn)<<28 | (addr&0x1ffff)<<11 | sz
}

// Cmd is a decoded command word.
type Cmd struct {
	Write   bool
	AutoInc bool
	Fn      Function
	// Addr is the 17 bit function address.
	Addr uint32
	// Size of the data phase in bytes. Backplane reads count the response delay word.
	Size uint32
}

// DecodeCmd splits a command word into its fields.
func DecodeCmd(word uint32) Cmd {
	return Cmd{
		Write:   word&(1<<31) != 0,
		AutoInc: word&(1<<30) != 0,
		Fn:      Function(word>>28) & 0b11,
		Addr:    (word >> 11) & 0x1ffff,
		Size:    word & 0x7ff,
	}
}

// Word encodes the command word.
func (c Cmd) Word() uint32 { return cmdWord(c.Write, c.AutoInc, c.Fn, c.Addr, c.Size) }

func (c Cmd) String() string {
	return fmt.Sprintf("addr=%#7x  fn=%9s  sz=%4v write=%5v autoinc=%5v",
		c.Addr, c.Fn.String(), c.Size, c.Write, c.AutoInc)
}

//go:inline
func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func alignup[T constraints.Unsigned](val, alignment T) T {
	if val%alignment != 0 {
		return val + alignment - val%alignment
	}
	return val
}
