package halow

import (
	"testing"
	"time"

	"github.com/soypat/halow/internal/chipsim"
	"github.com/soypat/halow/wire"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, window time.Duration) (*psGate, *chipsim.Chip, chan struct{}) {
	t.Helper()
	chip := chipsim.New(chipsim.DefaultConfig())
	g := newGate(chip, window, time.Millisecond, testLogger())
	rearmed := make(chan struct{}, 8)
	g.rearm = func() {
		select {
		case rearmed <- struct{}{}:
		default:
		}
	}
	t.Cleanup(g.stop)
	return g, chip, rearmed
}

func waitRearm(t *testing.T, rearmed chan struct{}) {
	t.Helper()
	select {
	case <-rearmed:
	case <-time.After(time.Second):
		t.Fatal("gate never re-armed")
	}
}

func TestPowerSaveSleepIsFixedPoint(t *testing.T) {
	g, chip, rearmed := newTestGate(t, 0)
	g.Release()
	waitRearm(t, rearmed)
	for i := 0; i < 3; i++ {
		decision, err := g.Evaluate()
		require.NoError(t, err)
		require.Equal(t, psSleep, decision)
	}
	asleep, sleeps, wakes := chip.Asleep()
	require.True(t, asleep)
	require.Equal(t, 1, sleeps)
	require.Zero(t, wakes)

	require.NoError(t, g.EnsureAwake())
	require.NoError(t, g.EnsureAwake())
	asleep, _, wakes = chip.Asleep()
	require.False(t, asleep)
	require.Equal(t, 1, wakes)
}

func TestPowerSaveHoldKeepsAwake(t *testing.T) {
	g, chip, _ := newTestGate(t, 0)
	// The gate starts with one waker held.
	require.Equal(t, 1, g.Wakers())
	decision, err := g.Evaluate()
	require.NoError(t, err)
	require.Equal(t, psAwake, decision)

	g.Hold()
	g.Release()
	decision, _ = g.Evaluate()
	require.Equal(t, psAwake, decision)
	_, sleeps, _ := chip.Asleep()
	require.Zero(t, sleeps)

	g.Release()
	require.Panics(t, g.Release)
}

func TestPowerSavePendingWorkKeepsAwake(t *testing.T) {
	g, chip, _ := newTestGate(t, 0)
	work := true
	g.pending = func() bool { return work }
	g.Release()
	decision, _ := g.Evaluate()
	require.Equal(t, psAwake, decision)
	work = false
	decision, _ = g.Evaluate()
	require.Equal(t, psSleep, decision)
	_, sleeps, _ := chip.Asleep()
	require.Equal(t, 1, sleeps)
}

func TestPowerSaveBusyDefers(t *testing.T) {
	g, chip, rearmed := newTestGate(t, 0)
	g.Release()
	waitRearm(t, rearmed)
	chip.SetBusy(true)
	decision, err := g.Evaluate()
	require.NoError(t, err)
	require.Equal(t, psDeferBusy, decision)
	waitRearm(t, rearmed)
	asleep, _, _ := chip.Asleep()
	require.False(t, asleep)

	chip.SetBusy(false)
	decision, _ = g.Evaluate()
	require.Equal(t, psSleep, decision)
}

func TestPowerSaveIdleDeadline(t *testing.T) {
	const window = 30 * time.Millisecond
	g, chip, rearmed := newTestGate(t, window)
	g.Release()
	waitRearm(t, rearmed)
	start := time.Now()
	g.Activity()
	decision, _ := g.Evaluate()
	require.Equal(t, psDeferIdle, decision)
	waitRearm(t, rearmed)
	require.GreaterOrEqual(t, time.Since(start), window)
	decision, _ = g.Evaluate()
	require.Equal(t, psSleep, decision)
	asleep, _, _ := chip.Asleep()
	require.True(t, asleep)
}

func TestPowerSaveDeviceWakesForWork(t *testing.T) {
	d, chip := startRig(t, chipConfig(wire.PagerSoftware), Config{
		PowerSave:      true,
		ActivityWindow: 5 * time.Millisecond,
	})
	isAsleep := func() bool { asleep, _, _ := chip.Asleep(); return asleep }
	require.Eventually(t, isAsleep, time.Second, time.Millisecond)

	var log statusLog
	_, err := d.Send(wire.ChanDataBE, []byte("wake up"), log.done)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.count() == 1 }, time.Second, time.Millisecond)
	_, _, wakes := chip.Asleep()
	require.GreaterOrEqual(t, wakes, 1)
	require.Eventually(t, isAsleep, time.Second, time.Millisecond)

	// Commands hold the bus awake for their whole transaction.
	require.NoError(t, d.HealthCheck(t.Context()))
	require.Zero(t, d.ps.Wakers())
	require.NoError(t, d.Err())
}

func TestPowerSaveAwaitingStatusKeepsAwake(t *testing.T) {
	const window = 5 * time.Millisecond
	d, chip := startRig(t, chipConfig(wire.PagerSoftware), Config{
		PowerSave:      true,
		ActivityWindow: window,
	})
	isAsleep := func() bool { asleep, _, _ := chip.Asleep(); return asleep }
	require.Eventually(t, isAsleep, time.Second, time.Millisecond)

	chip.HoldTxStatus(true)
	var log statusLog
	_, err := d.Send(wire.ChanDataBE, []byte("awaiting status"), log.done)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(chip.Frames()) == 1 }, time.Second, time.Millisecond)

	time.Sleep(40 * window)
	waiting, pending := d.Queue(wire.ChanDataBE).Len()
	require.Zero(t, waiting)
	require.Equal(t, 1, pending)
	require.False(t, isAsleep(), "bus slept with a frame awaiting its status")

	chip.HoldTxStatus(false)
	require.Eventually(t, func() bool { return log.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, isAsleep, time.Second, time.Millisecond)
}
