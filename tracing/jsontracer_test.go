package tracing

import (
	"bytes"
	"encoding/json"

	"github.com/sarchlab/dwmmc/sim"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("JSONTracer", func() {
	var (
		clock *sim.ManualClock
		buf   *bytes.Buffer
		t     *JSONTracer
	)

	BeforeEach(func() {
		clock = &sim.ManualClock{}
		buf = &bytes.Buffer{}
		t = NewJSONTracerWithWriter(clock, buf)
	})

	It("should write an empty array", func() {
		t.Close()

		var tasks []Task
		Expect(json.Unmarshal(buf.Bytes(), &tasks)).To(Succeed())
		Expect(tasks).To(BeEmpty())
	})

	It("should write finished tasks with their steps", func() {
		clock.Now = 1
		t.StartTask(Task{ID: "a", Kind: KindRequest, What: "CMD18"})
		clock.Now = 2
		t.StartTask(Task{ID: "b", Kind: KindRequest, What: "CMD24"})
		clock.Now = 3
		t.StepTask(Task{ID: "a", Steps: []TaskStep{{What: "data:SendingData"}}})
		clock.Now = 4
		t.EndTask(Task{ID: "a"})
		t.EndTask(Task{ID: "b"})
		t.Close()
		t.EndTask(Task{ID: "c"})

		var tasks []Task
		Expect(json.Unmarshal(buf.Bytes(), &tasks)).To(Succeed())
		Expect(tasks).To(HaveLen(2))
		Expect(tasks[0].ID).To(Equal("a"))
		Expect(tasks[0].StartTime).To(Equal(sim.VTimeInSec(1)))
		Expect(tasks[0].EndTime).To(Equal(sim.VTimeInSec(4)))
		Expect(tasks[0].Steps).To(Equal(
			[]TaskStep{{Time: 3, What: "data:SendingData"}}))
		Expect(tasks[1].What).To(Equal("CMD24"))
	})
})
