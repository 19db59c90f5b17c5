package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/host"
	"github.com/sarchlab/dwmmc/hwsim"
	"github.com/sarchlab/dwmmc/memory"
	"github.com/sarchlab/dwmmc/sim"
)

type fakeController struct {
	name  string
	in    sim.Buffer
	out   sim.Buffer
	spare sim.Buffer
}

func (c *fakeController) Name() string { return c.name }

func (c *fakeController) Snapshot() host.Status {
	return host.Status{Name: c.name, Queued: c.in.Size()}
}

func (c *fakeController) DumpRegisters() []host.RegisterValue {
	return nil
}

func newFakeController(name string) *fakeController {
	return &fakeController{
		name: name,
		in:   sim.NewBuffer(name+".In", 4),
		out:  sim.NewBuffer(name+".Out", 10),
	}
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		server *httptest.Server
	)

	get := func(path string, v any) int {
		rsp, err := http.Get(server.URL + path)
		Expect(err).ToNot(HaveOccurred())
		defer rsp.Body.Close()

		if v != nil && rsp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(rsp.Body).Decode(v)).To(Succeed())
		}

		return rsp.StatusCode
	}

	BeforeEach(func() {
		m = NewMonitor()
		server = httptest.NewServer(m.Handler())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should find the buffers of a controller", func() {
		c := newFakeController("A")
		m.RegisterController(c)

		Expect(m.buffers).To(ConsistOf(c.in, c.out))
	})

	It("should refuse a name twice", func() {
		m.RegisterController(newFakeController("A"))

		Expect(func() { m.RegisterController(newFakeController("A")) }).
			To(Panic())
	})

	It("should sort buffers by fill level", func() {
		c := newFakeController("A")
		m.RegisterController(c)
		c.in.Push(1)
		c.in.Push(2)
		c.out.Push(1)
		c.out.Push(2)
		c.out.Push(3)

		var byLevel []bufferRsp
		Expect(get("/api/hangdetector/buffers?sort=level", &byLevel)).
			To(Equal(http.StatusOK))
		Expect(byLevel).To(Equal([]bufferRsp{
			{Buffer: "A.Out", Level: 3, Cap: 10},
			{Buffer: "A.In", Level: 2, Cap: 4},
		}))

		var byPercent []bufferRsp
		get("/api/hangdetector/buffers?limit=1", &byPercent)
		Expect(byPercent).To(Equal([]bufferRsp{
			{Buffer: "A.In", Level: 2, Cap: 4},
		}))

		var none []bufferRsp
		get("/api/hangdetector/buffers?offset=5", &none)
		Expect(none).To(BeEmpty())

		Expect(get("/api/hangdetector/buffers?sort=name", nil)).
			To(Equal(http.StatusBadRequest))
	})

	It("should serve the state of a real controller", func() {
		mem := memory.NewStorage(1 << 20)
		dev := hwsim.New(hwsim.DefaultConfig(), mem)
		registry := host.NewRegistry()

		host.MakeBuilder().
			WithBus(dev).
			WithMemory(mem).
			WithClock(dev).
			WithRegistry(registry).
			Build("MMC0")
		m.RegisterRegistry(registry)

		var names []string
		get("/api/list_controllers", &names)
		Expect(names).To(Equal([]string{"MMC0"}))

		var status host.Status
		Expect(get("/api/status/MMC0", &status)).To(Equal(http.StatusOK))
		Expect(status.Name).To(Equal("MMC0"))
		Expect(status.Handle).To(Equal(host.Handle(0)))

		var values []host.RegisterValue
		get("/api/registers/MMC0", &values)
		Expect(values).ToNot(BeEmpty())
		Expect(values[0].Name).To(Equal("CTRL"))

		Expect(m.buffers).To(HaveLen(2))

		Expect(get("/api/status/MMC9", nil)).To(Equal(http.StatusNotFound))
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("requests", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)
		done := m.CreateProgressBar("done", 1)
		m.CompleteProgressBar(done)

		var bars []progressRsp
		get("/api/progress", &bars)

		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("requests"))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))
	})

	It("should report process resources", func() {
		var rsp resourceRsp
		Expect(get("/api/resource", &rsp)).To(Equal(http.StatusOK))
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should serve the dashboard", func() {
		rsp, err := http.Get(server.URL + "/")
		Expect(err).ToNot(HaveOccurred())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})
})
