package wire

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PageHeader", func() {
	var (
		payload []byte
		page    []byte
		hdr     PageHeader
	)

	BeforeEach(func() {
		payload = []byte("halow frame")
		hdr = PageHeader{
			Sync:     SyncHost,
			Channel:  ChanDataVI,
			Len:      uint16(len(payload)),
			Pad:      1,
			Flags:    PageFlagChecksum,
			Checksum: CRC16(payload),
			Token:    0xdeadbeef,
		}
		page = make([]byte, 64)
		hdr.Put(page)
		copy(page[PageHeaderLen:], payload)
	})

	It("decodes what it puts", func() {
		got := DecodePageHeader(page)
		Expect(got).To(Equal(hdr))
		Expect(got.Size()).To(Equal(PageHeaderLen + len(payload) + 1))
	})

	It("returns the payload of a valid page", func() {
		got, err := hdr.Parse(page)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
	})

	It("rejects a corrupted payload", func() {
		page[PageHeaderLen] ^= 0xff
		_, err := hdr.Parse(page)
		Expect(err).To(MatchError(ErrPageChecksum))
	})

	It("distinguishes chip owned pages from corrupt ones", func() {
		hdr.Sync = SyncChip
		Expect(hdr.Validate(64)).To(MatchError(ErrPageChipOwned))
		hdr.Sync = SyncPoison
		Expect(hdr.Validate(64)).To(MatchError(ErrPagePoisoned))
		hdr.Sync = 0x12
		Expect(hdr.Validate(64)).To(MatchError(ErrPageSync))
	})

	It("rejects frames that overflow the page", func() {
		Expect(hdr.Validate(PageHeaderLen + 4)).To(MatchError(ErrPageLength))
	})

	It("rejects unknown channels", func() {
		hdr.Channel = NumChannels
		Expect(hdr.Validate(64)).To(MatchError(ErrChannel))
	})
})

var _ = Describe("CommandHeader", func() {
	It("packs sequence and retry into the transaction id", func() {
		tid := MakeTID(0xabc, 3)
		hdr := CommandHeader{TID: tid}
		Expect(hdr.Seq()).To(Equal(uint16(0xabc)))
		Expect(hdr.Retry()).To(Equal(uint8(3)))
	})

	It("truncates out of range sequence numbers", func() {
		hdr := CommandHeader{TID: MakeTID(0x1fff, 0x1f)}
		Expect(hdr.Seq()).To(Equal(uint16(0xfff)))
		Expect(hdr.Retry()).To(Equal(uint8(0xf)))
	})

	It("round trips through AppendCommand", func() {
		msg := AppendCommand(nil, CommandHeader{
			Flags: FlagRequest,
			ID:    CmdSetChannel,
			TID:   MakeTID(7, 0),
			VIF:   2,
		}, []byte{1, 2, 3})
		hdr := DecodeCommandHeader(msg)
		Expect(hdr.ID).To(Equal(CmdSetChannel))
		Expect(hdr.Len).To(Equal(uint16(3)))
		Expect(hdr.VIF).To(Equal(uint16(2)))
		Expect(hdr.Flags.IsRequest()).To(BeTrue())
		payload, err := hdr.Parse(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).To(Equal([]byte{1, 2, 3}))
	})

	It("refuses lengths past the buffer", func() {
		msg := AppendCommand(nil, CommandHeader{ID: CmdGetVersion}, []byte{1, 2, 3})
		_, err := DecodeCommandHeader(msg).Parse(msg[:len(msg)-1])
		Expect(err).To(MatchError(ErrCommandLength))
	})

	It("splits confirm status from body", func() {
		payload := AppendConfirm(nil, -5, []byte("ok"))
		status, body, err := SplitConfirm(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(int32(-5)))
		Expect(body).To(Equal([]byte("ok")))
		_, _, err = SplitConfirm(payload[:2])
		Expect(err).To(MatchError(ErrShortConfirm))
	})
})

var _ = Describe("MessageID", func() {
	It("names the catalogue", func() {
		Expect(CmdSetChannel.String()).To(Equal("SetChannel"))
		Expect(CmdSetVendorIE.String()).To(Equal("SetVendorIE"))
		Expect(EvtTWTTeardown.String()).To(Equal("TWTTeardown"))
		Expect(MessageID(0x9999).String()).To(Equal("MessageID(39321)"))
	})

	It("separates commands from events", func() {
		Expect(CmdHealthCheck.IsCommand()).To(BeTrue())
		Expect(CmdHealthCheck.IsEvent()).To(BeFalse())
		Expect(EvtBeaconLoss.IsEvent()).To(BeTrue())
		Expect(MessageID(0).IsValid()).To(BeFalse())
	})

	It("decodes the version body", func() {
		v, err := DecodeVersion(AppendVersion(nil, "rel_1_12_4"))
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("rel_1_12_4"))
		_, err = DecodeVersion([]byte{9, 0, 0, 0, 'a'})
		Expect(err).To(MatchError(ErrPayloadTooSmol))
	})
})

var _ = Describe("Geometry", func() {
	var g Geometry

	BeforeEach(func() {
		g = Geometry{
			Version:       GeometryVersion,
			PagerKind:     PagerSoftware,
			PageSize:      512,
			TotalPages:    16,
			ReturnPages:   12,
			ReservedPages: 2,
			IRQStatusAddr: 0x200,
			IRQClearAddr:  0x204,
			NotifyAddr:    0x208,
		}
		for i := range g.Pagers {
			g.Pagers[i] = SWDesc(SWPagerDesc{
				RingAddr:  0x1000 + uint32(i)*0x100,
				RingCount: 32,
				StateAddr: 0x800 + uint32(i)*8,
				NotifyBit: 1 << i,
			})
		}
	})

	It("round trips the tagged pager descriptors", func() {
		buf := make([]byte, GeometryTableLen)
		g.Put(buf)
		got, err := DecodeGeometry(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(g))
		sw, ok := got.Pagers[PagerFromChipReturn].SW()
		Expect(ok).To(BeTrue())
		Expect(sw.NotifyBit).To(Equal(uint32(1 << PagerFromChipReturn)))
		_, ok = got.Pagers[0].HW()
		Expect(ok).To(BeFalse())
	})

	It("refuses tables without magic", func() {
		buf := make([]byte, GeometryTableLen)
		_, err := DecodeGeometry(buf)
		Expect(err).To(MatchError(ErrGeometryMagic))
	})

	It("refuses page sizes that are not word multiples", func() {
		g.PageSize = 254
		buf := make([]byte, GeometryTableLen)
		g.Put(buf)
		_, err := DecodeGeometry(buf)
		Expect(err).To(MatchError(ErrGeometryPages))
	})

	It("refuses inconsistent page counts", func() {
		g.ReturnPages = 20
		buf := make([]byte, GeometryTableLen)
		g.Put(buf)
		_, err := DecodeGeometry(buf)
		Expect(err).To(MatchError(ErrGeometryPages))
	})
})

var _ = Describe("TxStatus", func() {
	It("encodes records in 8 bytes", func() {
		st := TxStatus{Token: 42, Status: TxFailed, Channel: ChanMgmt}
		var b [TxStatusLen]byte
		st.Put(b[:])
		Expect(DecodeTxStatus(b[:])).To(Equal(st))
	})
})
