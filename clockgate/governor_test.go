package clockgate_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/dwmmc/clockgate"
)

var _ = Describe("Governor", func() {
	var (
		mockCtrl *gomock.Controller
		clock    *MockClock
		g        *clockgate.Governor
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		clock = NewMockClock(mockCtrl)
		g = clockgate.NewGovernor(clock)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should enable only on the first acquisition", func() {
		clock.EXPECT().Enable(clockgate.CIU).Return(nil).Times(1)

		g1, err := g.Acquire(clockgate.CIU)
		Expect(err).ToNot(HaveOccurred())
		g2, err := g.Acquire(clockgate.CIU)
		Expect(err).ToNot(HaveOccurred())

		Expect(g.Count(clockgate.CIU)).To(Equal(2))
		Expect(g.Enabled(clockgate.CIU)).To(BeTrue())
		Expect(g.Enabled(clockgate.BIU)).To(BeFalse())

		clock.EXPECT().Disable(clockgate.CIU).Times(1)
		g1.Release()
		Expect(g.Enabled(clockgate.CIU)).To(BeTrue())
		g2.Release()
		Expect(g.Enabled(clockgate.CIU)).To(BeFalse())
	})

	It("should release a guard once", func() {
		clock.EXPECT().Enable(clockgate.BIU).Return(nil)
		clock.EXPECT().Disable(clockgate.BIU).Times(1)

		guard, _ := g.Acquire(clockgate.BIU)
		guard.Release()
		guard.Release()

		Expect(g.Count(clockgate.BIU)).To(Equal(0))
	})

	It("should not count a failed enable", func() {
		clock.EXPECT().Enable(clockgate.CIU).Return(errors.New("pll unlocked"))

		guard, err := g.Acquire(clockgate.CIU)

		Expect(err).To(MatchError(ContainSubstring("pll unlocked")))
		Expect(guard).To(BeNil())
		Expect(g.Count(clockgate.CIU)).To(Equal(0))
	})

	It("should defer the disable while an operation is in progress", func() {
		clock.EXPECT().Enable(clockgate.CIU).Return(nil)

		guard, _ := g.Acquire(clockgate.CIU)
		busy := g.MarkInProgress(clockgate.CIU)
		guard.Release()

		Expect(g.Count(clockgate.CIU)).To(Equal(0))
		Expect(g.Enabled(clockgate.CIU)).To(BeTrue())

		clock.EXPECT().Disable(clockgate.CIU)
		busy.Release()

		Expect(g.Enabled(clockgate.CIU)).To(BeFalse())
	})

	It("should gate idle domains on quiesce", func() {
		clock.EXPECT().Enable(gomock.Any()).Return(nil).Times(2)

		all, err := g.AcquireAll()
		Expect(err).ToNot(HaveOccurred())
		busy := g.MarkInProgress(clockgate.BIU)
		clock.EXPECT().Disable(clockgate.CIU)
		all.Release()

		Expect(g.Enabled(clockgate.BIU)).To(BeTrue())
		Expect(g.Enabled(clockgate.CIU)).To(BeFalse())

		clock.EXPECT().Disable(clockgate.BIU)
		g.Quiesce()
		busy.Release()

		Expect(g.Enabled(clockgate.BIU)).To(BeFalse())
	})

	It("should keep marks dropped by quiesce harmless", func() {
		clock.EXPECT().Enable(clockgate.BIU).Return(nil)
		clock.EXPECT().Disable(clockgate.BIU)

		guard, _ := g.Acquire(clockgate.BIU)
		busy := g.MarkInProgress(clockgate.BIU)
		g.Quiesce()
		busy.Release()
		guard.Release()

		Expect(g.Count(clockgate.BIU)).To(Equal(0))
	})

	It("should keep counts balanced under concurrency", func() {
		clock.EXPECT().Enable(clockgate.CIU).Return(nil).MinTimes(1)
		clock.EXPECT().Disable(clockgate.CIU).MinTimes(1)

		wg := sync.WaitGroup{}
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				guard, err := g.Acquire(clockgate.CIU)
				Expect(err).ToNot(HaveOccurred())
				guard.Release()
			}()
		}
		wg.Wait()

		Expect(g.Count(clockgate.CIU)).To(Equal(0))
		Expect(g.Enabled(clockgate.CIU)).To(BeFalse())
	})
})
