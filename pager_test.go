package halow

import (
	"errors"
	"testing"

	"github.com/soypat/halow/internal/chipsim"
	"github.com/soypat/halow/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func hwGeometry() wire.Geometry {
	g := wire.Geometry{
		Version:       wire.GeometryVersion,
		PagerKind:     wire.PagerHardware,
		PageSize:      64,
		TotalPages:    4,
		ReturnPages:   2,
		ReservedPages: 1,
		IRQStatusAddr: 0x200,
		IRQClearAddr:  0x204,
		NotifyAddr:    0x208,
	}
	for i := range g.Pagers {
		g.Pagers[i] = wire.HWDesc(wire.HWPagerDesc{
			PopAddr:   0x210 + 8*uint32(i),
			PutAddr:   0x214 + 8*uint32(i),
			NotifyBit: 1 << i,
		})
	}
	return g
}

func popAll(t *testing.T, p Pager) (pages []Page) {
	t.Helper()
	for {
		pg, err := p.Pop()
		if errors.Is(err, ErrPageNotAvailable) {
			return pages
		}
		require.NoError(t, err)
		pages = append(pages, pg)
	}
}

func beaconPage(payload []byte) []byte {
	size := alignup(wire.PageHeaderLen+len(payload), 4)
	buf := make([]byte, size)
	hdr := wire.PageHeader{Sync: wire.SyncHost, Channel: wire.ChanBeacon, Len: uint16(len(payload)), Pad: uint8(size - wire.PageHeaderLen - len(payload))}
	hdr.Put(buf)
	copy(buf[wire.PageHeaderLen:], payload)
	return buf
}

func TestPagerRoundTrip(t *testing.T) {
	for _, kind := range pagerKinds {
		t.Run(kind.String(), func(t *testing.T) {
			chip := chipsim.New(chipConfig(kind))
			geo := chip.Geometry()
			ret, err := newPager(chip, &geo, wire.PagerToChipReturn, false, nil)
			require.NoError(t, err)
			populated, err := newPager(chip, &geo, wire.PagerToChipPopulated, false, nil)
			require.NoError(t, err)

			pages := popAll(t, ret)
			require.Len(t, pages, int(geo.TotalPages))
			require.NoError(t, ret.Notify())
			require.Zero(t, chip.ToChipPagesHeld())

			require.NoError(t, populated.WritePage(pages[0], beaconPage([]byte("beacon"))))
			require.NoError(t, populated.Put(pages[0]))
			require.NoError(t, populated.Notify())
			require.Equal(t, 1, chip.Counters().Beacons)

			got, err := ret.Pop()
			require.NoError(t, err)
			require.Equal(t, pages[0], got)
			_, err = ret.Pop()
			require.ErrorIs(t, err, ErrPageNotAvailable)
		})
	}
}

func TestPagerRingWraps(t *testing.T) {
	for _, kind := range pagerKinds {
		t.Run(kind.String(), func(t *testing.T) {
			ccfg := chipConfig(kind)
			chip := chipsim.New(ccfg)
			geo := chip.Geometry()
			ret, err := newPager(chip, &geo, wire.PagerToChipReturn, false, nil)
			require.NoError(t, err)
			populated, err := newPager(chip, &geo, wire.PagerToChipPopulated, false, nil)
			require.NoError(t, err)
			pages := popAll(t, ret)
			require.NoError(t, ret.Notify())

			page := beaconPage([]byte{1, 2, 3, 4})
			rounds := 3 * int(ccfg.RingCount())
			for i := 0; i < rounds; i++ {
				// Put back a few pages at a time so that batches straddle the ring end.
				batch := pages[:1+i%3]
				for _, pg := range batch {
					require.NoError(t, populated.WritePage(pg, page))
					require.NoError(t, populated.Put(pg))
				}
				require.NoError(t, populated.Notify())
				got := popAll(t, ret)
				require.NoError(t, ret.Notify())
				require.ElementsMatch(t, batch, got)
			}
			require.Equal(t, 2*rounds, chip.Counters().Beacons)
		})
	}
}

func TestPagerTransferBounds(t *testing.T) {
	chip := chipsim.New(chipConfig(wire.PagerSoftware))
	geo := chip.Geometry()
	p, err := newPager(chip, &geo, wire.PagerToChipPopulated, false, nil)
	require.NoError(t, err)
	page := Page{Addr: 0x4000, Size: geo.PageSize}
	require.ErrorIs(t, p.WritePage(page, make([]byte, geo.PageSize+4)), errPageOverflow)
	require.ErrorIs(t, p.ReadPage(page, make([]byte, geo.PageSize+4)), errPageOverflow)
	require.NoError(t, p.ReadPage(page, make([]byte, geo.PageSize)))
}

func TestHWPagerBatchingShortCircuits(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := NewMockBus(ctrl)
	geo := hwGeometry()
	desc, _ := geo.Pagers[wire.PagerToChipReturn].HW()
	p, err := newPager(bus, &geo, wire.PagerToChipReturn, true, nil)
	require.NoError(t, err)

	// Put followed by pop never reaches the bus.
	first := Page{Addr: 0x4000, Size: geo.PageSize}
	require.NoError(t, p.Put(first))
	got, err := p.Pop()
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := Page{Addr: 0x4040, Size: geo.PageSize}
	gomock.InOrder(
		bus.EXPECT().Write32(desc.PutAddr, second.Addr).Return(nil),
		bus.EXPECT().Write32(geo.NotifyAddr, desc.NotifyBit).Return(nil),
	)
	require.NoError(t, p.Put(second))
	require.NoError(t, p.Notify())
}

func TestPagerBusFault(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := NewMockBus(ctrl)
	geo := hwGeometry()
	desc, _ := geo.Pagers[wire.PagerFromChipPopulated].HW()
	p, err := newPager(bus, &geo, wire.PagerFromChipPopulated, false, nil)
	require.NoError(t, err)

	crcErr := errors.New("spi: crc mismatch")
	bus.EXPECT().Read32(desc.PopAddr).Return(uint32(0), crcErr)
	_, err = p.Pop()
	require.ErrorIs(t, err, crcErr)
	var berr *BusError
	require.ErrorAs(t, err, &berr)
	require.Equal(t, desc.PopAddr, berr.Addr)
	require.Equal(t, "read32", berr.Op)
}

func TestPagesetWriteFailurePoisonsPage(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := NewMockBus(ctrl)
	geo := hwGeometry()
	desc, _ := geo.Pagers[wire.PagerToChipPopulated].HW()
	populated, err := newPager(bus, &geo, wire.PagerToChipPopulated, false, nil)
	require.NoError(t, err)
	ret, err := newPager(bus, &geo, wire.PagerToChipReturn, false, nil)
	require.NoError(t, err)
	ps := newPageset(pagesetConfig{
		name:        "tochip",
		populated:   populated,
		ret:         ret,
		pageSize:    int(geo.PageSize),
		reservedMax: 1,
		spareMax:    1,
	})
	page := Page{Addr: 0x4000, Size: geo.PageSize}
	ps.spare = append(ps.spare, page)

	writeErr := errors.New("spi: write fault")
	gomock.InOrder(
		bus.EXPECT().WriteMem(page.Addr, gomock.Any()).Return(writeErr),
		bus.EXPECT().WriteMem(page.Addr, gomock.Len(wire.PageHeaderLen)).DoAndReturn(func(_ uint32, b []byte) error {
			require.Equal(t, wire.SyncPoison, b[0])
			return nil
		}),
		bus.EXPECT().Write32(desc.PutAddr, page.Addr).Return(nil),
	)
	err = ps.Write(&Frame{Channel: wire.ChanDataBE, Token: 1, Payload: []byte("data")})
	require.ErrorIs(t, err, writeErr)
	require.Zero(t, ps.HeldPages())
	st, _ := ps.Stats()
	require.EqualValues(t, 1, st.WriteFailures)
}
