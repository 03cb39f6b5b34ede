package halow

import (
	"log/slog"
	"time"

	"github.com/soypat/halow/wire"
)

// Config holds the boot-time tunables of a Device. It is copied by New and
// never modified afterwards.
type Config struct {
	Logger *slog.Logger

	// CommandTimeout bounds the wait for each command transmission attempt.
	CommandTimeout time.Duration
	// CommandRetries is how many times a timed out command is resent
	// with the same sequence number before failing.
	CommandRetries int

	// ReservedPages caps the reserved page cache. Zero uses the chip-advertised amount.
	ReservedPages int
	// SparePages caps the opportunistic page cache. Zero uses the chip-advertised return page count.
	SparePages int
	// RxDrainLimit is the maximum amount of pages read per dispatcher pass.
	RxDrainLimit int
	// PagerBatching enables the single page put/pop cache of hardware pagers.
	PagerBatching bool
	// PageChecksum makes the host checksum the pages it writes.
	PageChecksum bool

	// QueueBudget is the byte budget of each transmit queue.
	QueueBudget int
	// RxQueueBudget is the byte budget of each receive queue.
	RxQueueBudget int
	// FrameLifetime is how long a frame may wait for its transmit status before it is failed locally.
	FrameLifetime time.Duration

	// PowerSave allows the bus to sleep once the device is idle.
	PowerSave bool
	// ActivityWindow is how long the bus stays awake after the last bus activity.
	ActivityWindow time.Duration
	// BusyRecheck is the initial delay before re-evaluating sleep while the chip reports busy.
	BusyRecheck time.Duration

	// AttachTimeout bounds the wait for the chip to publish its geometry table.
	AttachTimeout time.Duration

	// Receive is called from the dispatcher with every received data,
	// management or beacon frame. payload must not be retained.
	Receive func(ch wire.Channel, payload []byte)
	// EventHandler is called from the dispatcher with every chip event.
	EventHandler func(Event)
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout: 600 * time.Millisecond,
		CommandRetries: 1,
		RxDrainLimit:   16,
		PageChecksum:   true,
		QueueBudget:    64 * 1024,
		RxQueueBudget:  64 * 1024,
		FrameLifetime:  2 * time.Second,
		ActivityWindow: 100 * time.Millisecond,
		BusyRecheck:    5 * time.Millisecond,
		AttachTimeout:  time.Second,
	}
}

// withDefaults fills unset fields with DefaultConfig values.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.CommandRetries < 0 {
		c.CommandRetries = 0
	} else if c.CommandRetries > wire.RetryMask {
		c.CommandRetries = wire.RetryMask
	}
	if c.RxDrainLimit <= 0 {
		c.RxDrainLimit = def.RxDrainLimit
	}
	if c.QueueBudget <= 0 {
		c.QueueBudget = def.QueueBudget
	}
	if c.RxQueueBudget <= 0 {
		c.RxQueueBudget = def.RxQueueBudget
	}
	if c.FrameLifetime <= 0 {
		c.FrameLifetime = def.FrameLifetime
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = def.ActivityWindow
	}
	if c.BusyRecheck <= 0 {
		c.BusyRecheck = def.BusyRecheck
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = def.AttachTimeout
	}
	return c
}
