package halow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// psDecision is the outcome of one power-save evaluation.
type psDecision uint8

const (
	psAwake      psDecision = iota // Wakers held or work pending.
	psDeferBusy                    // Chip busy, re-evaluate after a backoff.
	psDeferIdle                    // Activity deadline not reached.
	psSleep
)

func (d psDecision) String() string {
	switch d {
	case psAwake:
		return "awake"
	case psDeferBusy:
		return "defer-busy"
	case psDeferIdle:
		return "defer-idle"
	case psSleep:
		return "sleep"
	}
	return "unknown"
}

// psGate decides when the bus may sleep. It starts with one waker held,
// so the bus stays awake until the owner explicitly releases it.
type psGate struct {
	logger
	mu       sync.Mutex
	wakers   int
	deadline time.Time
	asleep   bool
	window   time.Duration
	busy     backoff.Backoff
	timer    *time.Timer

	sleeper Sleeper
	chip    BusyIndicator
	// pending reports whether the dispatcher has outstanding work.
	pending func() bool
	// rearm is called when a deferred decision is due for re-evaluation.
	rearm func()
}

func newGate(bus Bus, window, busyRecheck time.Duration, log *slog.Logger) *psGate {
	g := &psGate{
		logger: logger{log: log},
		wakers: 1,
		window: window,
		busy: backoff.Backoff{
			Min:    busyRecheck,
			Max:    16 * busyRecheck,
			Factor: 2,
		},
		pending: func() bool { return false },
		rearm:   func() {},
	}
	g.sleeper, _ = bus.(Sleeper)
	g.chip, _ = bus.(BusyIndicator)
	return g
}

// Hold keeps the bus awake until the matching Release.
func (g *psGate) Hold() {
	g.mu.Lock()
	g.wakers++
	g.mu.Unlock()
}

func (g *psGate) Release() {
	g.mu.Lock()
	if g.wakers == 0 {
		g.mu.Unlock()
		panic("halow: power-save release without hold")
	}
	g.wakers--
	idle := g.wakers == 0
	g.mu.Unlock()
	if idle {
		g.rearm()
	}
}

// Activity extends the awake deadline by the activity window.
func (g *psGate) Activity() {
	g.mu.Lock()
	g.deadline = time.Now().Add(g.window)
	g.mu.Unlock()
}

func (g *psGate) Asleep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asleep
}

func (g *psGate) Wakers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wakers
}

// EnsureAwake wakes the bus if it is asleep.
func (g *psGate) EnsureAwake() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wakeLocked()
}

func (g *psGate) wakeLocked() error {
	if !g.asleep {
		return nil
	}
	if g.sleeper != nil {
		if err := g.sleeper.Wake(); err != nil {
			return &BusError{Op: "wake", Err: err}
		}
	}
	g.asleep = false
	g.deadline = time.Now().Add(g.window)
	g.debug("ps:wake")
	return nil
}

// decide is the pure decision rule. It must be called with g.mu held.
func (g *psGate) decide(now time.Time) (psDecision, time.Duration) {
	if g.wakers > 0 || g.pending() {
		return psAwake, 0
	}
	if g.chip != nil && g.chip.ChipBusy() {
		return psDeferBusy, g.busy.Duration()
	}
	g.busy.Reset()
	if left := g.deadline.Sub(now); left > 0 {
		return psDeferIdle, left
	}
	return psSleep, 0
}

// Evaluate applies the decision rule. Evaluating an unchanged state twice
// yields the same decision and never toggles the bus.
func (g *psGate) Evaluate() (psDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	decision, wait := g.decide(time.Now())
	switch decision {
	case psAwake:
		return decision, g.wakeLocked()
	case psDeferBusy, psDeferIdle:
		g.scheduleLocked(wait)
	case psSleep:
		if g.asleep {
			break
		}
		if g.sleeper != nil {
			if err := g.sleeper.Sleep(); err != nil {
				return decision, &BusError{Op: "sleep", Err: err}
			}
		}
		g.asleep = true
		g.debug("ps:sleep")
	}
	return decision, nil
}

// scheduleLocked arms a single re-evaluation after wait.
func (g *psGate) scheduleLocked(wait time.Duration) {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(wait, g.rearm)
}

func (g *psGate) stop() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
}
