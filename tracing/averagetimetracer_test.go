package tracing

import (
	"github.com/sarchlab/dwmmc/sim"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AverageTimeTracer", func() {
	var (
		clock *sim.ManualClock
		t     *AverageTimeTracer
	)

	BeforeEach(func() {
		clock = &sim.ManualClock{}
		t = NewAverageTimeTracer(clock, KindIs(KindRequest))
	})

	It("should average overlapping tasks in full", func() {
		clock.Now = 1
		t.StartTask(Task{ID: "a", Kind: KindRequest})
		clock.Now = 2
		t.StartTask(Task{ID: "b", Kind: KindRequest})
		clock.Now = 3
		t.EndTask(Task{ID: "a"})
		clock.Now = 6
		t.EndTask(Task{ID: "b"})

		Expect(t.TotalCount()).To(Equal(uint64(2)))
		Expect(t.AverageTime()).To(Equal(sim.VTimeInSec(3)))
	})

	It("should skip tasks the filter rejects", func() {
		t.StartTask(Task{ID: "a", Kind: KindTuning})
		clock.Now = 5
		t.EndTask(Task{ID: "a"})

		Expect(t.TotalCount()).To(BeZero())
	})
})

var _ = Describe("StepCountTracer", func() {
	It("should count steps and the tasks that reach them", func() {
		t := NewStepCountTracer(nil)

		t.StartTask(Task{ID: "1"})
		t.StartTask(Task{ID: "2"})

		step := func(id, what string) {
			t.StepTask(Task{ID: id, Steps: []TaskStep{{What: what}}})
		}

		step("1", "cmd:SendingCommand")
		step("1", "cmd:SendingCommand")
		step("1", "data:SendingData")
		step("2", "cmd:SendingCommand")
		step("3", "cmd:SendingCommand")

		t.EndTask(Task{ID: "1"})
		t.EndTask(Task{ID: "2"})

		Expect(t.GetStepNames()).To(Equal(
			[]string{"cmd:SendingCommand", "data:SendingData"}))
		Expect(t.GetStepCount("cmd:SendingCommand")).To(Equal(uint64(3)))
		Expect(t.GetTaskCount("cmd:SendingCommand")).To(Equal(uint64(2)))
		Expect(t.GetTaskCount("data:SendingData")).To(Equal(uint64(1)))
	})
})
