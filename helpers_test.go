package halow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/soypat/halow/internal/chipsim"
	"github.com/soypat/halow/wire"
	"github.com/stretchr/testify/require"
)

//go:generate mockgen -destination mock_bus_test.go -package halow -write_package_comment=false github.com/soypat/halow Bus

func testLogger() *slog.Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelTrace}))
}

// newRig attaches a Device to a simulated chip without starting the
// dispatcher. Tests drive it with pump.
func newRig(t *testing.T, ccfg chipsim.Config, cfg Config) (*Device, *chipsim.Chip) {
	t.Helper()
	chip := chipsim.New(ccfg)
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	d := New(chip, cfg)
	chip.SetIRQ(d.HandleIRQ)
	require.NoError(t, d.Attach(context.Background()))
	t.Cleanup(func() { d.Close() })
	return d, chip
}

// startRig is newRig with the dispatcher running.
func startRig(t *testing.T, ccfg chipsim.Config, cfg Config) (*Device, *chipsim.Chip) {
	t.Helper()
	d, chip := newRig(t, ccfg, cfg)
	require.NoError(t, d.Start(context.Background()))
	return d, chip
}

// pump runs dispatcher passes until no serviceable work is left.
func pump(t *testing.T, d *Device) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		idle := d.starved
		if d.paused {
			idle |= flagTxData
		}
		if d.flags.Load()&flagsWork&^idle == 0 {
			return
		}
		require.NoError(t, d.dispatch())
	}
	t.Fatal("dispatcher did not settle")
}

var pagerKinds = []wire.PagerKind{wire.PagerSoftware, wire.PagerHardware}

func chipConfig(kind wire.PagerKind) chipsim.Config {
	cfg := chipsim.DefaultConfig()
	cfg.PagerKind = kind
	return cfg
}

// requirePagesConserved checks that no to-chip page was lost or duplicated.
func requirePagesConserved(t *testing.T, d *Device, chip *chipsim.Chip) {
	t.Helper()
	total := int(d.Geometry().TotalPages)
	require.Equal(t, total, d.toChip.HeldPages()+chip.ToChipPagesHeld(), "to-chip page accounting")
}
