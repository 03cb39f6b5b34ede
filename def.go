package halow

import (
	"errors"
	"strconv"

	"github.com/soypat/halow/wire"
)

var (
	// ErrDeviceDown is returned once the dispatcher has stopped, either
	// because the Device was closed or because of a bus fault.
	ErrDeviceDown     = errors.New("halow: device down")
	ErrNotAttached    = errors.New("halow: device not attached")
	ErrAttachTimeout  = errors.New("halow: chip geometry table not ready")
	ErrCommandTimeout = errors.New("halow: command timed out")
	errNotCommand     = errors.New("halow: message id is not a command")
	errBadChannel     = errors.New("halow: channel not valid for transmit")
	errStarted        = errors.New("halow: dispatcher already started")
)

// CommandError is a command the chip confirmed with a non-zero status.
type CommandError struct {
	ID     wire.MessageID
	Status int32
}

func (e *CommandError) Error() string {
	return "halow: " + e.ID.String() + " failed with status " + strconv.Itoa(int(e.Status))
}

func isBusError(err error) bool {
	var berr *BusError
	return errors.As(err, &berr)
}

// errjoin returns an error that wraps the given errors.
// Any nil error values are discarded.
// errjoin returns nil if every value in errs is nil.
func errjoin(errs ...error) error {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	e := &joinError{
		errs: make([]error, 0, n),
	}
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
	return e
}

type joinError struct {
	errs []error
}

func (e *joinError) Error() string {
	var b []byte
	for i, err := range e.errs {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, err.Error()...)
	}
	return string(b)
}

func (e *joinError) Unwrap() []error {
	return e.errs
}
