package host

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/sarchlab/dwmmc/tracing"
	"github.com/sarchlab/dwmmc/tuning"
)

// Hook positions of a controller.
var (
	// HookPosRequestStart is invoked when a request is put on the bus. Item is
	// the *Request.
	HookPosRequestStart = &sim.HookPos{Name: "Request Start"}

	// HookPosRequestEnd is invoked right before the completer of a request
	// is called. Item is the *Request.
	HookPosRequestEnd = &sim.HookPos{Name: "Request End"}

	// HookPosStateChange is invoked on every pipeline transition. Item is the
	// *Request and Detail a StateChange.
	HookPosStateChange = &sim.HookPos{Name: "State Change"}
)

const maxTicksPerRun = 1024

// Controller drives one DW MMC host controller.
//
// Interrupt is the only producer of hardware events. Every pipeline state,
// the descriptor ring and the in-flight transfer belong to a single worker
// goroutine started by Start. The controller lock only guards the request
// queues and the published status.
type Controller struct {
	sim.HookableBase
	sim.MiddlewareHolder

	Spec Spec

	name   string
	handle Handle

	bus    regs.Bus
	layout regs.Layout
	mem    idmac.Memory
	gov    *clockgate.Governor
	dma    *idmac.Engine
	tuner  *tuning.Engine
	target *tuningTarget
	drive  DriveControl
	ids    sim.IDGenerator

	// Producer to consumer mailbox.
	events     eventSet
	cmdStatus  atomic.Uint32
	dataStatus atomic.Uint32
	present    atomic.Bool
	timedOut   atomic.Pointer[transfer]
	tuning     atomic.Bool

	running atomic.Bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	lock   sync.Mutex
	queue  sim.Buffer
	probes sim.Buffer
	status Status

	// Worker state.
	ctx         context.Context
	cmdState    State
	dataState   State
	cur         *transfer
	ios         IOS
	curSpeed    uint32
	needInit    bool
	lastPresent bool
	dataOffset  regs.Offset
	dataShift   uint
	fifoDepth   uint32
	fifoth      uint32
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// Handle returns the registry handle of the controller.
func (c *Controller) Handle() Handle {
	return c.handle
}

// Tick advances both pipelines and the dispatcher.
func (c *Controller) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// Start initializes the hardware and launches the worker. The worker stops
// when ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("%s: already running", c.name)
	}

	if err := c.initHardware(); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.ctx = ctx
	c.done = make(chan struct{})
	c.running.Store(true)

	go c.run(ctx)

	return nil
}

// Stop halts the worker and waits for it to exit. Requests that are still
// in flight or queued complete with ErrStopped.
func (c *Controller) Stop() {
	if !c.running.Load() {
		return
	}

	c.cancel()
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}

		if sim.TickUntilIdle(c, maxTicksPerRun) == maxTicksPerRun {
			c.kick()
		}
	}
}

func (c *Controller) shutdown() {
	c.lock.Lock()
	c.running.Store(false)
	c.lock.Unlock()

	if t := c.cur; t != nil {
		c.stopData(t)
		c.failInFlight(t, ErrStopped)
		c.complete(t)
	}

	c.drainQueues(ErrStopped, false)
}

// kick schedules the worker. It never blocks.
func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Submit hands a request to the controller. The request is started at once
// when the bus is idle and queued otherwise. A returned error means the
// request was not accepted and its completer will not be called.
func (c *Controller) Submit(req *Request) error {
	if err := c.validate(req); err != nil {
		return err
	}

	if req.ID == "" {
		req.ID = c.ids.Generate()
	}

	c.lock.Lock()
	if !c.running.Load() {
		c.lock.Unlock()
		return ErrStopped
	}

	need := 1
	if req.Tune {
		need = 2
	}

	if c.queue.Capacity()-c.queue.Size() < need {
		c.lock.Unlock()
		return ErrQueueFull
	}

	if req.Tune {
		c.queue.Push(&tuneJob{
			ctx:    c.ctx,
			forReq: req,
			done:   make(chan tuneOutcome, 1),
		})
	}

	c.queue.Push(req)
	c.status.Queued = c.queue.Size()
	c.lock.Unlock()

	c.kick()

	return nil
}

func (c *Controller) validate(req *Request) error {
	if req == nil || req.Cmd == nil {
		return fmt.Errorf("%w: no command", ErrInvalidRequest)
	}

	if req.completed.Load() {
		return fmt.Errorf("%w: %s already completed", ErrInvalidRequest, req.ID)
	}

	d := req.Data
	if d == nil {
		return nil
	}

	if d.BlockSize == 0 || d.Blocks == 0 {
		return fmt.Errorf("%w: empty data phase", ErrInvalidRequest)
	}

	need := uint64(d.BlockSize) * uint64(d.Blocks)
	if need > math.MaxUint32 {
		return fmt.Errorf("%w: data phase of %d bytes", ErrInvalidRequest, need)
	}

	var total uint64
	for _, s := range d.Slices {
		total += uint64(s.Len)
	}

	if total != need {
		return fmt.Errorf("%w: slices hold %d bytes, data phase needs %d",
			ErrInvalidRequest, total, need)
	}

	if c.dmaEligible(d) {
		ring := c.dma.Ring()
		if n := ring.Count(d.Slices); n > ring.Capacity() {
			return fmt.Errorf("%d descriptors: %w", n, idmac.ErrOversized)
		}
	}

	return nil
}

// Interrupt reads and acknowledges the pending interrupt causes. It records
// them for the worker and schedules it. It is the interrupt service routine
// of the controller and never blocks.
func (c *Controller) Interrupt() {
	pending := regs.Int(c.bus.Read32(regs.MINTSTS))

	if pending.Any(regs.IntHLE) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntHLE))
		c.cmdStatus.Store(uint32(pending))
		c.events.Set(EventHardwareLocked)
	}

	if pending.Any(regs.IntCmdError) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntCmdError))
		c.cmdStatus.Store(uint32(pending))
	}

	if pending.Any(regs.IntDataError) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntDataError))
		c.dataStatus.Store(uint32(pending))
		c.events.Set(EventDataError)

		if pending.Any(regs.IntSBE) {
			c.events.Set(EventDataComplete)
		}
	}

	if pending.Any(regs.IntDataOver) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntDataOver))
		c.dataStatus.CompareAndSwap(0, uint32(pending))
		c.events.Set(EventDataComplete)
	}

	if pending.Any(regs.IntRXDR | regs.IntTXDR) {
		c.bus.Write32(regs.RINTSTS, uint32(pending&(regs.IntRXDR|regs.IntTXDR)))
		c.events.Set(EventFIFOReady)
	}

	if pending.Any(regs.IntCmdDone) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntCmdDone))
		c.cmdStatus.CompareAndSwap(0, uint32(pending))
		c.events.Set(EventCmdComplete)
	}

	if pending.Any(regs.IntCD) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntCD))
		if !c.Spec.Quirks.Has(QuirkBrokenCardDetection) {
			c.present.Store(c.bus.Read32(regs.CDETECT)&1 == 0)
			c.events.Set(EventCardDetect)
		}
	}

	if pending.Any(regs.IntSDIO(0)) {
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntSDIO(0)))
	}

	if c.dma != nil && c.dma.Complete() {
		c.events.Set(EventXferComplete)
	}

	c.kick()
}

// SetCardPresent reports a debounced card-detect change. Removing the card
// completes every in-flight and queued request with ErrNoMedium.
func (c *Controller) SetCardPresent(present bool) {
	c.present.Store(present)
	c.events.Set(EventCardDetect)
	c.kick()
}

// CardPresent reports the last known card-detect state.
func (c *Controller) CardPresent() bool {
	return c.present.Load()
}

// Tuned reports whether a sampling phase is committed.
func (c *Controller) Tuned() bool {
	return c.tuner.Tuned()
}

func (c *Controller) setCmdState(s State) {
	if s == c.cmdState {
		return
	}

	from := c.cmdState
	c.cmdState = s
	c.publishState(PipelineCmd, from, s)
}

func (c *Controller) setDataState(s State) {
	if s == c.dataState {
		return
	}

	from := c.dataState
	c.dataState = s
	c.publishState(PipelineData, from, s)
}

func (c *Controller) publishState(p Pipeline, from, to State) {
	c.lock.Lock()
	c.status.CmdState = c.cmdState.String()
	c.status.DataState = c.dataState.String()
	c.lock.Unlock()

	if c.NumHooks() == 0 {
		return
	}

	var item interface{}
	if c.cur != nil {
		item = c.cur.req
		tracing.AddTaskStep(c.cur.req.ID, c, string(p)+":"+to.String())
	}

	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    HookPosStateChange,
		Item:   item,
		Detail: StateChange{Pipeline: p, From: from, To: to},
	})
}

func (c *Controller) logf(format string, args ...interface{}) {
	log.Printf("%s: "+format, append([]interface{}{c.name}, args...)...)
}
