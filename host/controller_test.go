package host

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/hwsim"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/sarchlab/dwmmc/tracing"
	"github.com/sarchlab/dwmmc/tuning"
)

type taskLog struct {
	lock  sync.Mutex
	tasks map[string]tracing.Task
	ended []string
}

func newTaskLog() *taskLog {
	return &taskLog{tasks: make(map[string]tracing.Task)}
}

func (l *taskLog) StartTask(task tracing.Task) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.tasks[task.ID] = task
}

func (l *taskLog) StepTask(tracing.Task) {}

func (l *taskLog) EndTask(task tracing.Task) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.ended = append(l.ended, task.ID)
}

func (l *taskLog) ofKind(kind string) []tracing.Task {
	l.lock.Lock()
	defer l.lock.Unlock()

	var res []tracing.Task
	for _, t := range l.tasks {
		if t.Kind == kind {
			res = append(res, t)
		}
	}

	return res
}

func blockRead(lba, blocks uint32, addr uint64) *Request {
	op := OpReadSingleBlock
	if blocks > 1 {
		op = OpReadMultipleBlock
	}

	req := &Request{
		Cmd: &Command{Opcode: op, Arg: lba, Resp: RespR1},
		Data: &Data{
			Dir:       Read,
			BlockSize: hwsim.BlockSize,
			Blocks:    blocks,
			Slices:    []idmac.Slice{{Addr: addr, Len: blocks * hwsim.BlockSize}},
		},
	}

	if blocks > 1 {
		req.Stop = &Command{Opcode: OpStopTransmission, Resp: RespR1B}
	}

	return req
}

func blockWrite(lba, blocks uint32, addr uint64) *Request {
	req := blockRead(lba, blocks, addr)
	req.Data.Dir = Write
	req.Cmd.Opcode = OpWriteBlock
	if blocks > 1 {
		req.Cmd.Opcode = OpWriteMultipleBlock
	}

	return req
}

func opcodes(cmds []hwsim.IssuedCommand) []uint32 {
	ops := make([]uint32, 0, len(cmds))
	for _, c := range cmds {
		ops = append(ops, c.Opcode)
	}

	return ops
}

// gateCheckingBus counts CLKSEL accesses made while the bus-interface clock
// is gated.
type gateCheckingBus struct {
	*hwsim.Device
	clkSel regs.Offset

	lock  sync.Mutex
	gated int
}

func (b *gateCheckingBus) check(off regs.Offset) {
	if off != b.clkSel || b.ClockEnabled(clockgate.BIU) {
		return
	}

	b.lock.Lock()
	b.gated++
	b.lock.Unlock()
}

func (b *gateCheckingBus) Read32(off regs.Offset) uint32 {
	b.check(off)
	return b.Device.Read32(off)
}

func (b *gateCheckingBus) Write32(off regs.Offset, value uint32) {
	b.check(off)
	b.Device.Write32(off, value)
}

func (b *gateCheckingBus) gatedAccesses() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.gated
}

var _ = Describe("Controller", func() {
	var (
		mem     *memory.Storage
		dev     *hwsim.Device
		builder Builder
		c       *Controller
	)

	start := func() {
		c = builder.
			WithBus(dev).
			WithMemory(mem).
			WithClock(dev).
			Build("MMC")
		dev.SetInterruptHandler(c.Interrupt)
		dev.Start()
		Expect(c.Start(context.Background())).To(Succeed())
	}

	submit := func(req *Request) chan *Request {
		done := make(chan *Request, 1)
		req.Completer = CompleterFunc(func(r *Request) { done <- r })
		Expect(c.Submit(req)).To(Succeed())

		return done
	}

	run := func(req *Request) *Request {
		var r *Request
		Eventually(submit(req), "2s").Should(Receive(&r))

		return r
	}

	BeforeEach(func() {
		mem = memory.NewStorage(1 << 22)
		dev = hwsim.New(hwsim.DefaultConfig(), mem)
		builder = MakeBuilder()
		c = nil
	})

	AfterEach(func() {
		if c != nil {
			c.Stop()
		}
		dev.Stop()
	})

	Context("when data moves over DMA", func() {
		BeforeEach(func() {
			start()
		})

		It("should read blocks and stop the transfer", func() {
			content := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 512)
			Expect(dev.WriteCard(8*hwsim.BlockSize, content)).To(Succeed())

			req := run(blockRead(8, 4, 0x20000))

			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(req.Data.BytesXfered).To(Equal(uint32(2048)))
			Expect(opcodes(dev.Issued())).To(Equal([]uint32{18, 12}))

			got, err := mem.Read(0x20000, 2048)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(content))
		})

		It("should write blocks to the card", func() {
			content := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 128)
			Expect(mem.Write(0x30000, content)).To(Succeed())

			req := run(blockWrite(2, 2, 0x30000))

			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(req.Data.BytesXfered).To(Equal(uint32(1024)))

			got, err := dev.ReadCard(2*hwsim.BlockSize, 1024)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(content))
		})

		It("should report the whole blocks before a CRC error", func() {
			dev.FailData(2, regs.IntDCRC)

			req := run(blockRead(0, 4, 0x20000))

			Expect(req.Cmd.Err).ToNot(HaveOccurred())
			Expect(errors.Is(req.Data.Err, ErrCRC)).To(BeTrue())
			Expect(req.Data.BytesXfered).To(Equal(uint32(1024)))

			ops := opcodes(dev.Issued())
			Expect(ops[len(ops)-1]).To(Equal(OpStopTransmission))
		})

		It("should send an abort after a failed transfer without stop", func() {
			dev.FailData(0, regs.IntDCRC)

			req := run(blockRead(0, 1, 0x20000))

			Expect(errors.Is(req.Err(), ErrCRC)).To(BeTrue())
			Expect(req.Data.BytesXfered).To(BeZero())
			Expect(opcodes(dev.Issued())).To(Equal([]uint32{17, 12}))
		})

		It("should complete requests in submission order", func() {
			var (
				lock  sync.Mutex
				order []string
				reqs  []*Request
			)

			all := make(chan struct{})
			for i := 0; i < 8; i++ {
				req := blockRead(uint32(i), 1, uint64(0x20000+i*0x1000))
				req.Completer = CompleterFunc(func(r *Request) {
					lock.Lock()
					defer lock.Unlock()

					order = append(order, r.ID)
					if len(order) == 8 {
						close(all)
					}
				})
				reqs = append(reqs, req)
				Expect(c.Submit(req)).To(Succeed())
			}

			Eventually(all, "2s").Should(BeClosed())

			for i, req := range reqs {
				Expect(order[i]).To(Equal(req.ID))
				Expect(req.Err()).ToNot(HaveOccurred())
			}

			status := c.Snapshot()
			Expect(status.Completed).To(Equal(uint64(8)))
			Expect(status.Failed).To(BeZero())
			Expect(status.BytesXfered).To(Equal(uint64(8 * 512)))
			Expect(status.InFlight).To(BeEmpty())
		})

		It("should hold a request submitted while the stop is in flight", func() {
			inStop := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once

			c.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				if ctx.Pos != HookPosStateChange {
					return
				}

				change := ctx.Detail.(StateChange)
				if change.Pipeline != PipelineData || change.To != StateSendingStop {
					return
				}

				once.Do(func() {
					close(inStop)
					<-release
				})
			}))

			var (
				lock  sync.Mutex
				order []string
			)

			all := make(chan struct{})
			record := CompleterFunc(func(r *Request) {
				lock.Lock()
				defer lock.Unlock()

				order = append(order, r.ID)
				if len(order) == 2 {
					close(all)
				}
			})

			first := blockRead(0, 2, 0x20000)
			first.Completer = record
			Expect(c.Submit(first)).To(Succeed())

			Eventually(inStop, "2s").Should(BeClosed())

			second := blockRead(4, 2, 0x30000)
			second.Completer = record
			Expect(c.Submit(second)).To(Succeed())

			Consistently(func() []uint32 {
				return opcodes(dev.Issued())
			}, "50ms").Should(Equal([]uint32{18, 12}))

			close(release)
			Eventually(all, "2s").Should(BeClosed())

			lock.Lock()
			defer lock.Unlock()
			Expect(order).To(Equal([]string{first.ID, second.ID}))
			Expect(first.Err()).ToNot(HaveOccurred())
			Expect(second.Err()).ToNot(HaveOccurred())
			Expect(opcodes(dev.Issued())).To(Equal([]uint32{18, 12, 18, 12}))
		})

		It("should retry a timed out block count", func() {
			dev.FailCommand(OpSetBlockCount, regs.IntRTO, 1)

			req := blockRead(0, 2, 0x20000)
			req.Stop = nil
			req.SBC = &Command{Opcode: OpSetBlockCount, Arg: 2, Resp: RespR1}

			req = run(req)

			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(req.SBC.Retries).To(Equal(1))
			Expect(opcodes(dev.Issued())).To(Equal([]uint32{23, 23, 18}))
		})

		It("should fail on a hardware locked write without retry", func() {
			dev.LockWrites(1)

			req := run(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})
			Expect(errors.Is(req.Cmd.Err, ErrHardwareLocked)).To(BeTrue())

			req = run(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})
			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(req.Cmd.Response[0]).To(Equal(uint32(0x900)))
		})

		It("should wait for the card to release the bus", func() {
			dev.HoldBusy(5)

			req := run(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})

			Expect(req.Err()).ToNot(HaveOccurred())
		})

		It("should reject a request that does not fit in the ring", func() {
			req := &Request{
				Cmd: &Command{Opcode: OpReadMultipleBlock, Resp: RespR1},
				Data: &Data{
					Dir:       Read,
					BlockSize: 512,
					Blocks:    2048,
					Slices: []idmac.Slice{
						{Addr: 0x20000, Len: 512 * 2048},
					},
				},
			}

			err := c.Submit(req)

			Expect(errors.Is(err, idmac.ErrOversized)).To(BeTrue())
		})

		It("should reject malformed requests", func() {
			Expect(errors.Is(c.Submit(&Request{}), ErrInvalidRequest)).To(BeTrue())

			req := blockRead(0, 2, 0x20000)
			req.Data.Slices[0].Len = 100
			Expect(errors.Is(c.Submit(req), ErrInvalidRequest)).To(BeTrue())

			req = blockRead(0, 1<<23, 0x20000)
			req.Data.Slices = nil
			Expect(errors.Is(c.Submit(req), ErrInvalidRequest)).To(BeTrue())

			req = blockRead(0, 1<<23, 0x20000)
			req.Data.Slices = []idmac.Slice{
				{Addr: 0x20000, Len: 0x80000000},
				{Addr: 0xa0000, Len: 0x80000000},
			}
			Expect(errors.Is(c.Submit(req), ErrInvalidRequest)).To(BeTrue())
		})

		It("should report pipeline transitions to hooks", func() {
			var (
				lock    sync.Mutex
				changes []StateChange
			)

			c.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				if ctx.Pos != HookPosStateChange {
					return
				}

				lock.Lock()
				defer lock.Unlock()
				changes = append(changes, ctx.Detail.(StateChange))
			}))

			run(blockRead(0, 1, 0x20000))

			lock.Lock()
			defer lock.Unlock()
			Expect(changes).To(ContainElement(StateChange{
				Pipeline: PipelineData, From: StateIdle, To: StateSendingData,
			}))
			Expect(changes).To(ContainElement(StateChange{
				Pipeline: PipelineData, From: StateSendingData, To: StateDataBusy,
			}))
		})

		It("should trace requests as tasks", func() {
			steps := tracing.NewStepCountTracer(nil)
			tracing.CollectTrace(c, steps)

			log := newTaskLog()
			tracing.CollectTrace(c, log)

			req := run(blockRead(0, 2, 0x20000))

			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(steps.GetTaskCount("data:SendingData")).To(Equal(uint64(1)))
			Expect(steps.GetTaskCount("data:SendingStop")).To(Equal(uint64(1)))

			reqs := log.ofKind(tracing.KindRequest)
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].ID).To(Equal(req.ID))
			Expect(reqs[0].What).To(Equal("CMD18"))
			Expect(reqs[0].Location).To(Equal("MMC"))
			Expect(log.ended).To(Equal([]string{req.ID}))
		})

		It("should program the bus clock and width", func() {
			err := c.SetIOS(context.Background(), IOS{
				Clock:    50_000_000,
				BusWidth: 4,
				Timing:   TimingHS,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(dev.Read32(regs.CLKDIV)).To(Equal(uint32(2)))
			Expect(dev.Read32(regs.CTYPE)).To(Equal(regs.CTypeWidth4))
			Expect(c.IOS().BusWidth).To(Equal(4))
		})

		It("should refuse an unsupported timing", func() {
			err := c.SetIOS(context.Background(), IOS{BusWidth: 4, Timing: TimingUHSDDR50})

			Expect(err).To(HaveOccurred())
		})
	})

	Context("when data moves through the data register", func() {
		BeforeEach(func() {
			builder = builder.WithDMA(false)
			start()
		})

		It("should write and read back", func() {
			content := make([]byte, 1024)
			for i := range content {
				content[i] = byte(i * 7)
			}
			Expect(mem.Write(0x40000, content)).To(Succeed())

			req := run(blockWrite(5, 2, 0x40000))
			Expect(req.Err()).ToNot(HaveOccurred())

			req = run(blockRead(5, 2, 0x50000))
			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(req.Data.BytesXfered).To(Equal(uint32(1024)))

			got, err := mem.Read(0x50000, 1024)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(content))
		})

		It("should report the whole blocks before a CRC error", func() {
			dev.FailData(2, regs.IntDCRC)

			req := run(blockRead(0, 4, 0x20000))

			Expect(errors.Is(req.Data.Err, ErrCRC)).To(BeTrue())
			Expect(req.Data.BytesXfered).To(Equal(uint32(1024)))
		})
	})

	It("should fall back to the data register for unaligned buffers", func() {
		start()

		content := bytes.Repeat([]byte{9, 8, 7}, 512)[:512]
		Expect(dev.WriteCard(0, content)).To(Succeed())

		req := run(blockRead(0, 1, 0x20001))

		Expect(req.Err()).ToNot(HaveOccurred())
		got, err := mem.Read(0x20001, 512)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(content))
	})

	It("should time out a command that never completes", func() {
		spec := Defaults()
		spec.RequestTimeout = 100 * time.Millisecond
		builder = builder.WithSpec(spec)
		start()

		dev.StallCommand(OpSendStatus)

		req := run(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})
		Expect(errors.Is(req.Cmd.Err, ErrTimeout)).To(BeTrue())

		req = run(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})
		Expect(req.Err()).ToNot(HaveOccurred())
	})

	It("should fail everything when the card is removed", func() {
		start()
		dev.StallCommand(OpReadSingleBlock)

		first := submit(blockRead(0, 1, 0x20000))
		second := submit(blockRead(1, 1, 0x21000))

		Eventually(func() string { return c.Snapshot().InFlight }).
			ShouldNot(BeEmpty())

		dev.RemoveCard()

		var r *Request
		Eventually(first, "2s").Should(Receive(&r))
		Expect(errors.Is(r.Cmd.Err, ErrNoMedium)).To(BeTrue())
		Expect(errors.Is(r.Data.Err, ErrNoMedium)).To(BeTrue())

		Eventually(second, "2s").Should(Receive(&r))
		Expect(errors.Is(r.Err(), ErrNoMedium)).To(BeTrue())

		r = run(blockRead(2, 1, 0x22000))
		Expect(errors.Is(r.Err(), ErrNoMedium)).To(BeTrue())
		Expect(c.Snapshot().Present).To(BeFalse())

		dev.InsertCard()
		Eventually(c.CardPresent).Should(BeTrue())

		r = run(blockRead(2, 1, 0x22000))
		Expect(r.Err()).ToNot(HaveOccurred())
	})

	It("should fail queued requests when stopped", func() {
		start()
		dev.StallCommand(OpSendStatus)

		first := submit(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})
		second := submit(&Request{Cmd: &Command{Opcode: OpSendStatus, Resp: RespR1}})

		Eventually(func() string { return c.Snapshot().InFlight }).
			ShouldNot(BeEmpty())
		c.Stop()

		var r *Request
		Eventually(first).Should(Receive(&r))
		Expect(errors.Is(r.Err(), ErrStopped)).To(BeTrue())
		Eventually(second).Should(Receive(&r))
		Expect(errors.Is(r.Err(), ErrStopped)).To(BeTrue())

		err := c.Submit(&Request{Cmd: &Command{Opcode: OpSendStatus}})
		Expect(errors.Is(err, ErrStopped)).To(BeTrue())
	})

	Context("when tuning", func() {
		BeforeEach(func() {
			start()
		})

		It("should commit the middle of the passing window", func() {
			dev.SetPassMap(0, tuning.Map(0b0011_1100))

			res, err := c.ExecuteTuning(context.Background(), OpSendTuningBlock)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Phase).To(Equal(3))
			Expect(c.Tuned()).To(BeTrue())
			Expect(c.Snapshot().Phase).To(Equal(3))

			sel := regs.ClkSel(dev.Read32(regs.LayoutFor(true).CLKSEL))
			Expect(sel.Sample()).To(Equal(uint32(3)))
		})

		It("should trace probes under the calibration task", func() {
			log := newTaskLog()
			tracing.CollectTrace(c, log)
			dev.SetPassMap(0, tuning.Map(0b0011_1100))

			_, err := c.ExecuteTuning(context.Background(), OpSendTuningBlock)
			Expect(err).ToNot(HaveOccurred())

			runs := log.ofKind(tracing.KindTuning)
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].What).To(Equal("CMD19"))

			probes := log.ofKind(tracing.KindRequest)
			Expect(probes).ToNot(BeEmpty())
			for _, p := range probes {
				Expect(p.ParentID).To(Equal(runs[0].ID))
			}
		})

		It("should keep the bus interface clocked while calibrating", func() {
			c.Stop()

			bus := &gateCheckingBus{
				Device: dev,
				clkSel: regs.LayoutFor(true).CLKSEL,
			}
			c = builder.
				WithBus(bus).
				WithMemory(mem).
				WithClock(dev).
				Build("MMC1")
			dev.SetInterruptHandler(c.Interrupt)
			Expect(c.Start(context.Background())).To(Succeed())

			dev.SetPassMap(0, tuning.Map(0b0011_1100))
			res, err := c.ExecuteTuning(context.Background(), OpSendTuningBlock)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Phase).To(Equal(3))
			Expect(bus.gatedAccesses()).To(BeZero())
			Eventually(func() bool {
				return dev.ClockEnabled(clockgate.BIU)
			}, "1s").Should(BeFalse())
		})

		It("should reuse a committed phase", func() {
			dev.SetPassMap(0, tuning.Map(0b0011_1100))
			_, err := c.ExecuteTuning(context.Background(), OpSendTuningBlock)
			Expect(err).ToNot(HaveOccurred())

			issued := len(dev.Issued())
			res, err := c.ExecuteTuning(context.Background(), 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Cached).To(BeTrue())
			Expect(dev.Issued()).To(HaveLen(issued))
		})

		It("should fail a request whose calibration fails", func() {
			dev.SetPassMap(0, 0)

			req := blockRead(0, 1, 0x20000)
			req.Tune = true
			req = run(req)

			Expect(errors.Is(req.Err(), tuning.ErrNoWindow)).To(BeTrue())
			Expect(req.Data.BytesXfered).To(BeZero())
			Expect(c.Tuned()).To(BeFalse())
		})

		It("should run a request after its calibration", func() {
			dev.SetPassMap(0, tuning.Map(0b0111_0000))

			req := blockRead(0, 1, 0x20000)
			req.Tune = true
			req = run(req)

			Expect(req.Err()).ToNot(HaveOccurred())
			Expect(c.Tuned()).To(BeTrue())
		})
	})
})
