package halow

import (
	"strconv"
)

// Bus gives access to the chip's registers and memory. Implementations
// need not be safe for concurrent use: the Device only touches the bus
// from its dispatcher, or before the dispatcher is started.
type Bus interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr, val uint32) error
	// ReadMem and WriteMem transfer len(b) bytes, a multiple of 4, at a 4-byte aligned addr.
	ReadMem(addr uint32, dst []byte) error
	WriteMem(addr uint32, src []byte) error
}

// Sleeper is implemented by buses that can be put to sleep while the chip is idle.
type Sleeper interface {
	Sleep() error
	Wake() error
}

// BusyIndicator is implemented by buses which expose the chip's busy line.
// ChipBusy must not perform a bus transaction.
type BusyIndicator interface {
	ChipBusy() bool
}

// BusError is a bus transaction failure. It compromises the transport
// as a whole and stops the Device's dispatcher.
type BusError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *BusError) Error() string {
	return "halow: bus " + e.Op + " at 0x" + strconv.FormatUint(uint64(e.Addr), 16) + ": " + e.Err.Error()
}

func (e *BusError) Unwrap() error { return e.Err }

// chipio wraps every bus failure into a *BusError.
type chipio struct {
	bus Bus
}

func (c chipio) read32(addr uint32) (uint32, error) {
	v, err := c.bus.Read32(addr)
	if err != nil {
		return 0, &BusError{Op: "read32", Addr: addr, Err: err}
	}
	return v, nil
}

func (c chipio) write32(addr, val uint32) error {
	err := c.bus.Write32(addr, val)
	if err != nil {
		return &BusError{Op: "write32", Addr: addr, Err: err}
	}
	return nil
}

func (c chipio) readMem(addr uint32, dst []byte) error {
	err := c.bus.ReadMem(addr, dst)
	if err != nil {
		return &BusError{Op: "readmem", Addr: addr, Err: err}
	}
	return nil
}

func (c chipio) writeMem(addr uint32, src []byte) error {
	err := c.bus.WriteMem(addr, src)
	if err != nil {
		return &BusError{Op: "writemem", Addr: addr, Err: err}
	}
	return nil
}
