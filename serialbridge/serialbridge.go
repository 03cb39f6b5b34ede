// Package serialbridge implements the halow bus over a UART attached bus
// bridge. Each bus operation is one request frame answered by one response
// frame carrying a status byte.
package serialbridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/soypat/halow"
	"github.com/tarm/serial"
)

// Op is a bridge operation code.
type Op uint8

const (
	OpRead32 Op = iota + 1
	OpWrite32
	OpReadMem
	OpWriteMem
	OpSleep
	OpWake
	OpBusy
)

func (op Op) String() string {
	switch op {
	case OpRead32:
		return "read32"
	case OpWrite32:
		return "write32"
	case OpReadMem:
		return "readmem"
	case OpWriteMem:
		return "writemem"
	case OpSleep:
		return "sleep"
	case OpWake:
		return "wake"
	case OpBusy:
		return "busy"
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Largest data chunk moved by a single memory operation.
const maxChunk = 128

// StatusError is returned when the bridge answers with a non-zero status.
type StatusError struct {
	Op     Op
	Status uint8
}

func (e *StatusError) Error() string {
	return "serialbridge: " + e.Op.String() + " failed with status " + strconv.Itoa(int(e.Status))
}

var errStaleLimit = errors.New("serialbridge: too many stale responses")

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string
	Baud   int
	// ReadTimeout bounds every read from the port. Zero blocks.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

func DefaultConfig(device string) Config {
	return Config{
		Device:      device,
		Baud:        921600,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// Bridge forwards bus operations over a byte stream. It implements
// halow.Bus, halow.Sleeper and halow.BusyIndicator and is safe for
// concurrent use.
type Bridge struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	r      *bufio.Reader
	closer io.Closer
	log    *slog.Logger
	seq    uint8
	wbuf   []byte
	rbuf   [frameMax]byte
	req    [maxChunk + 8]byte
}

var (
	_ halow.Bus           = (*Bridge)(nil)
	_ halow.Sleeper       = (*Bridge)(nil)
	_ halow.BusyIndicator = (*Bridge)(nil)
)

// Open opens the serial port named by cfg and returns a Bridge over it.
func Open(cfg Config) (*Bridge, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	b := New(port, cfg.Logger)
	b.closer = port
	return b, nil
}

// New returns a Bridge speaking over rw. log may be nil.
func New(rw io.ReadWriter, log *slog.Logger) *Bridge {
	return &Bridge{
		rw:   rw,
		r:    bufio.NewReaderSize(rw, 2*frameMax),
		log:  log,
		wbuf: make([]byte, 0, frameMax),
	}
}

// Close closes the underlying port if the Bridge was created with Open.
func (b *Bridge) Close() error {
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

func (b *Bridge) Read32(addr uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := binary.LittleEndian.AppendUint32(b.req[:0], addr)
	resp, err := b.transact(OpRead32, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	return binary.LittleEndian.Uint32(resp), nil
}

func (b *Bridge) Write32(addr, val uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := binary.LittleEndian.AppendUint32(b.req[:0], addr)
	req = binary.LittleEndian.AppendUint32(req, val)
	_, err := b.transact(OpWrite32, req)
	return err
}

func (b *Bridge) ReadMem(addr uint32, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(dst) > 0 {
		n := min(len(dst), maxChunk)
		req := binary.LittleEndian.AppendUint32(b.req[:0], addr)
		req = binary.LittleEndian.AppendUint16(req, uint16(n))
		resp, err := b.transact(OpReadMem, req)
		if err != nil {
			return err
		}
		if len(resp) < n {
			return io.ErrUnexpectedEOF
		}
		copy(dst, resp[:n])
		addr += uint32(n)
		dst = dst[n:]
	}
	return nil
}

func (b *Bridge) WriteMem(addr uint32, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(src) > 0 {
		n := min(len(src), maxChunk)
		req := binary.LittleEndian.AppendUint32(b.req[:0], addr)
		req = append(req, src[:n]...)
		_, err := b.transact(OpWriteMem, req)
		if err != nil {
			return err
		}
		addr += uint32(n)
		src = src[n:]
	}
	return nil
}

func (b *Bridge) Sleep() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.transact(OpSleep, nil)
	return err
}

func (b *Bridge) Wake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.transact(OpWake, nil)
	return err
}

// ChipBusy reports the bridge's busy line. A failed query reports busy so
// that the bus is not put to sleep on a broken link.
func (b *Bridge) ChipBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.transact(OpBusy, nil)
	if err != nil || len(resp) < 1 {
		return true
	}
	return resp[0] != 0
}

// Ping checks the bridge answers until ctx is done.
func (b *Bridge) Ping(ctx context.Context) error {
	for {
		_, err := b.Read32(0)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// transact sends one request and waits for the response with the same
// sequence number. Responses to earlier, abandoned requests are skipped.
// Must be called with b.mu held.
func (b *Bridge) transact(op Op, req []byte) ([]byte, error) {
	b.seq++
	seq := b.seq
	b.wbuf = appendFrame(b.wbuf[:0], seq, uint8(op), req)
	_, err := b.rw.Write(b.wbuf)
	if err != nil {
		return nil, err
	}
	for stale := 0; stale < 8; stale++ {
		gotSeq, status, resp, err := readFrame(b.r, &b.rbuf)
		if err != nil {
			b.logwarn("bridge:read", slog.String("op", op.String()), slog.String("err", err.Error()))
			return nil, err
		}
		if gotSeq != seq {
			b.logwarn("bridge:stale", slog.Uint64("want", uint64(seq)), slog.Uint64("got", uint64(gotSeq)))
			continue
		}
		if status != 0 {
			return nil, &StatusError{Op: op, Status: status}
		}
		return resp, nil
	}
	return nil, errStaleLimit
}

func (b *Bridge) logwarn(msg string, attrs ...slog.Attr) {
	if b.log != nil {
		b.log.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
	}
}
