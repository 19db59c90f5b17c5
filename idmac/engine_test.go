package idmac_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
	"github.com/sarchlab/dwmmc/regs"
)

var _ = Describe("Engine", func() {
	var (
		mockCtrl *gomock.Controller
		bus      *MockBus
		mem      *memory.Storage
		layout   regs.Layout
		engine   *idmac.Engine
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		bus = NewMockBus(mockCtrl)
		mem = memory.NewStorage(1 << 20)
		layout = regs.LayoutFor(true)

		ring := idmac.NewRing(mem, idmac.RingConfig{
			Format:     idmac.Format64,
			Base:       0x1000,
			Capacity:   4,
			MaxSegment: 4096,
			Barrier:    bus.Barrier,
		})
		engine = idmac.NewEngine(bus, layout, ring)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should point the engine at the ring on init", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(regs.BMOD, uint32(regs.BModSWReset)),
			bus.EXPECT().Write32(layout.IDINTEN, uint32(0x103)),
			bus.EXPECT().Write32(layout.DBADDRL, uint32(0x1000)),
			bus.EXPECT().Write32(layout.DBADDRU, uint32(0)),
		)

		Expect(engine.Init()).To(Succeed())
	})

	It("should select the IDMAC and poll the ring on start", func() {
		gomock.InOrder(
			bus.EXPECT().Barrier().Times(2),
			bus.EXPECT().Read32(regs.CTRL).Return(uint32(regs.CtrlIntEnable)),
			bus.EXPECT().Write32(regs.CTRL, uint32(
				regs.CtrlIntEnable|regs.CtrlUseIDMAC|regs.CtrlDMAEnable)),
			bus.EXPECT().Barrier(),
			bus.EXPECT().Read32(regs.BMOD).Return(uint32(0)),
			bus.EXPECT().Write32(regs.BMOD,
				uint32(regs.BModEnable|regs.BModFB)),
			bus.EXPECT().Write32(regs.PLDMND, uint32(1)),
		)

		n, err := engine.Start([]idmac.Slice{{Addr: 0x8000, Len: 6000}}, nil)

		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
	})

	It("should not touch registers for an oversized transfer", func() {
		_, err := engine.Start([]idmac.Slice{{Addr: 0x8000, Len: 5 * 4096}}, nil)

		Expect(err).To(MatchError(idmac.ErrOversized))
	})

	It("should acknowledge completion", func() {
		bus.EXPECT().Read32(layout.IDSTS).Return(uint32(regs.IDStsRI))
		bus.EXPECT().Write32(layout.IDSTS, uint32(0x103))

		Expect(engine.Complete()).To(BeTrue())
	})

	It("should report no completion without TI or RI", func() {
		bus.EXPECT().Read32(layout.IDSTS).Return(uint32(regs.IDStsNI))

		Expect(engine.Complete()).To(BeFalse())
	})

	It("should leave the same state after two teardowns", func() {
		regFile := map[regs.Offset]uint32{
			regs.CTRL: uint32(regs.CtrlUseIDMAC | regs.CtrlDMAEnable),
			regs.BMOD: uint32(regs.BModEnable | regs.BModFB),
		}
		bus.EXPECT().Read32(gomock.Any()).
			DoAndReturn(func(off regs.Offset) uint32 { return regFile[off] }).
			AnyTimes()
		bus.EXPECT().Write32(gomock.Any(), gomock.Any()).
			Do(func(off regs.Offset, v uint32) { regFile[off] = v }).
			AnyTimes()

		Expect(engine.Teardown()).To(Succeed())
		first := map[regs.Offset]uint32{}
		for k, v := range regFile {
			first[k] = v
		}
		ringOnce, _ := mem.Read(0x1000, 4*128)

		Expect(engine.Teardown()).To(Succeed())
		ringTwice, _ := mem.Read(0x1000, 4*128)

		Expect(regFile).To(Equal(first))
		Expect(ringTwice).To(Equal(ringOnce))
		Expect(regs.Ctrl(regFile[regs.CTRL]).Has(regs.CtrlUseIDMAC)).To(BeFalse())
		Expect(regFile[regs.BMOD]).To(Equal(uint32(regs.BModSWReset)))
	})
})
