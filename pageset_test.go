package halow

import (
	"math/rand/v2"
	"testing"

	"github.com/soypat/halow/wire"
	"github.com/stretchr/testify/require"
)

func TestPagesetReservedPagesServeCommands(t *testing.T) {
	ccfg := chipConfig(wire.PagerSoftware)
	ccfg.ToChipPages = 6
	ccfg.ReservedPages = 2
	d, chip := newRig(t, ccfg, Config{})
	chip.HoldReturns(true)
	ps := d.toChip
	require.Equal(t, 2, len(ps.reserved))
	require.Equal(t, 4, len(ps.spare))

	// Exhaust the spare cache with data.
	for i := 0; i < 4; i++ {
		require.NoError(t, ps.Write(&Frame{Channel: wire.ChanDataBE, Token: uint32(i + 1), Payload: []byte{byte(i)}}))
	}
	require.ErrorIs(t, ps.Write(&Frame{Channel: wire.ChanMgmt, Token: 9, Payload: []byte{9}}), ErrPageNotAvailable)
	require.Zero(t, ps.AvailableFor(wire.ChanDataVO))

	// Commands still find a page.
	require.Equal(t, 2, ps.AvailableFor(wire.ChanCommand))
	require.NoError(t, ps.Write(&Frame{Channel: wire.ChanCommand, Token: 10, Payload: make([]byte, wire.CommandHeaderLen)}))
	require.Equal(t, 1, len(ps.reserved))
}

func TestPagesetBeaconFloor(t *testing.T) {
	ccfg := chipConfig(wire.PagerHardware)
	ccfg.ToChipPages = 2
	ccfg.ReservedPages = 2
	d, chip := newRig(t, ccfg, Config{})
	chip.HoldReturns(true)
	ps := d.toChip
	require.Equal(t, 2, len(ps.reserved))
	require.Zero(t, len(ps.spare))

	require.Equal(t, 1, ps.AvailableFor(wire.ChanBeacon))
	require.NoError(t, ps.Write(&Frame{Channel: wire.ChanBeacon, Token: 1, Payload: []byte("bcn")}))
	// Last reserved page is kept for commands.
	require.ErrorIs(t, ps.Write(&Frame{Channel: wire.ChanBeacon, Token: 2, Payload: []byte("bcn")}), ErrBeaconDropped)
	require.NoError(t, ps.Write(&Frame{Channel: wire.ChanCommand, Token: 3, Payload: make([]byte, wire.CommandHeaderLen)}))
	st, _ := ps.Stats()
	require.EqualValues(t, 1, st.BeaconDrops)
}

func TestPagesetRefillOrder(t *testing.T) {
	ccfg := chipConfig(wire.PagerSoftware)
	ccfg.ToChipPages = 8
	ccfg.ReservedPages = 3
	d, _ := newRig(t, ccfg, Config{SparePages: 2})
	// Reserved fills first, spare is capped by configuration.
	require.Equal(t, 3, len(d.toChip.reserved))
	require.Equal(t, 2, len(d.toChip.spare))
}

func TestPagesetCorruptPageRecycled(t *testing.T) {
	for _, kind := range pagerKinds {
		t.Run(kind.String(), func(t *testing.T) {
			var got [][]byte
			d, chip := newRig(t, chipConfig(kind), Config{
				Receive: func(_ wire.Channel, payload []byte) { got = append(got, append([]byte(nil), payload...)) },
			})
			free := chip.FromChipPagesFree()
			chip.DeliverCorrupt(wire.ChanDataBE, []byte("corrupted frame"))
			chip.Deliver(wire.ChanDataBE, []byte("good frame"))
			pump(t, d)

			st, _ := d.fromChip.Stats()
			require.EqualValues(t, 1, st.Corrupt)
			require.EqualValues(t, 1, st.ChecksumRetry)
			require.Equal(t, [][]byte{[]byte("good frame")}, got)
			// Both pages went back to the chip.
			require.Equal(t, free, chip.FromChipPagesFree())
		})
	}
}

func TestPagesetChipOwnedPageParked(t *testing.T) {
	var got []string
	d, chip := newRig(t, chipConfig(wire.PagerSoftware), Config{
		Receive: func(_ wire.Channel, payload []byte) { got = append(got, string(payload)) },
	})
	chip.DeliverRaw(wire.ChanDataVI, wire.SyncChip, []byte("in progress"))
	require.NoError(t, d.dispatch())
	require.Empty(t, got)
	require.True(t, d.fromChip.hasParked)
	st, _ := d.fromChip.Stats()
	require.EqualValues(t, 1, st.Parked)
	require.Zero(t, st.Corrupt)

	require.Equal(t, 1, chip.FinishChipOwned())
	pump(t, d)
	require.Equal(t, []string{"in progress"}, got)
	require.False(t, d.fromChip.hasParked)
}

func TestPagesetPoisonedPageDropped(t *testing.T) {
	var got int
	d, chip := newRig(t, chipConfig(wire.PagerHardware), Config{
		Receive: func(wire.Channel, []byte) { got++ },
	})
	free := chip.FromChipPagesFree()
	chip.DeliverRaw(wire.ChanDataBE, wire.SyncPoison, []byte("poison"))
	pump(t, d)
	require.Zero(t, got)
	st, _ := d.fromChip.Stats()
	require.EqualValues(t, 1, st.Corrupt)
	require.Equal(t, free, chip.FromChipPagesFree())
}

func TestPageAccountingRandomized(t *testing.T) {
	for _, kind := range pagerKinds {
		t.Run(kind.String(), func(t *testing.T) {
			ccfg := chipConfig(kind)
			ccfg.ToChipPages = 10
			ccfg.ReservedPages = 2
			d, chip := newRig(t, ccfg, Config{PagerBatching: true})
			rng := rand.New(rand.NewPCG(1, uint64(kind)))
			requirePagesConserved(t, d, chip)
			for i := 0; i < 500; i++ {
				switch rng.IntN(6) {
				case 0, 1:
					ch := wire.Channel(rng.IntN(wire.NumDataChannels))
					_, _ = d.Send(ch, make([]byte, 1+rng.IntN(100)), nil)
				case 2:
					_, _ = d.Send(wire.ChanBeacon, []byte("beacon"), nil)
				case 3:
					chip.HoldReturns(rng.IntN(2) == 0)
				case 4:
					chip.ReleaseReturns()
				case 5:
					chip.HoldTxStatus(rng.IntN(2) == 0)
				}
				pump(t, d)
				requirePagesConserved(t, d, chip)
			}
			chip.HoldReturns(false)
			chip.HoldTxStatus(false)
			chip.ReleaseReturns()
			pump(t, d)
			requirePagesConserved(t, d, chip)
		})
	}
}
