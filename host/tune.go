package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/tracing"
	"github.com/sarchlab/dwmmc/tuning"
)

var errPatternMismatch = errors.New("tuning pattern mismatch")

// DriveControl adjusts the output drive strength of the card pads.
type DriveControl interface {
	DriveStrength() int
	SetDriveStrength(level int)
}

type tuneOutcome struct {
	res tuning.Result
	err error
}

// tuneJob is a queued calibration. A zero opcode picks the calibration
// command that matches the current timing.
type tuneJob struct {
	ctx    context.Context
	opcode uint32
	forReq *Request
	done   chan tuneOutcome
}

func (j *tuneJob) finish(out tuneOutcome) {
	j.done <- out
}

// ExecuteTuning calibrates the sampling phase with the given calibration
// command. An opcode of 0 selects CMD21 for HS200 and HS400 timings and
// CMD19 otherwise.
func (c *Controller) ExecuteTuning(
	ctx context.Context,
	opcode uint32,
) (tuning.Result, error) {
	job := &tuneJob{
		ctx:    ctx,
		opcode: opcode,
		done:   make(chan tuneOutcome, 1),
	}

	c.lock.Lock()
	if !c.running.Load() {
		c.lock.Unlock()
		return tuning.Result{}, ErrStopped
	}

	if !c.queue.CanPush() {
		c.lock.Unlock()
		return tuning.Result{}, ErrQueueFull
	}

	c.queue.Push(job)
	c.status.Queued = c.queue.Size()
	c.lock.Unlock()

	c.kick()

	select {
	case out := <-job.done:
		return out.res, out.err
	case <-ctx.Done():
		return tuning.Result{}, ctx.Err()
	}
}

func (c *Controller) tuningOpcode() uint32 {
	switch c.ios.Timing {
	case TimingHS200, TimingHS400:
		return OpSendTuningBlockHS200
	default:
		return OpSendTuningBlock
	}
}

// startTuning runs a calibration off the worker. Probe requests go through
// the probe queue, which is the only one dispatched until it ends.
func (c *Controller) startTuning(job *tuneJob) {
	if job.opcode == 0 {
		job.opcode = c.tuningOpcode()
	}

	task := c.ids.Generate()
	tracing.StartTask(task, "", c, tracing.KindTuning,
		fmt.Sprintf("CMD%d", job.opcode), job)

	c.target.opcode = job.opcode
	c.target.busWidth = c.ios.BusWidth
	c.target.task = task
	c.tuning.Store(true)

	go func() {
		var res tuning.Result

		biu, err := c.gov.Acquire(clockgate.BIU)
		if err == nil {
			res, err = c.tuner.Tune(job.ctx)
			biu.Release()
		}

		if err != nil {
			c.logf("tuning with CMD%d failed: %v", job.opcode, err)
			if job.forReq != nil {
				job.forReq.preErr = fmt.Errorf("tuning: %w", err)
			}
		}

		c.lock.Lock()
		c.status.Tuned = c.tuner.Tuned()
		if err == nil {
			c.status.Phase = res.Phase
		}
		c.lock.Unlock()

		c.tuning.Store(false)
		tracing.EndTask(task, c)
		job.finish(tuneOutcome{res: res, err: err})
		c.kick()
	}()
}

func (c *Controller) submitProbe(req *Request) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.running.Load() {
		return ErrStopped
	}

	if !c.probes.CanPush() {
		return ErrQueueFull
	}

	req.ID = c.ids.Generate()
	c.probes.Push(req)
	c.kick()

	return nil
}

// tuningTarget exposes the sampling phase in CLKSEL to the tuning engine.
type tuningTarget struct {
	c        *Controller
	opcode   uint32
	busWidth int
	task     string
}

func (t *tuningTarget) clkSel() regs.ClkSel {
	return regs.ClkSel(t.c.bus.Read32(t.c.layout.CLKSEL))
}

func (t *tuningTarget) fine() bool {
	return t.c.Spec.Tuning.Phases == 16
}

func (t *tuningTarget) Phase() int {
	sel := t.clkSel()
	if !t.fine() {
		return int(sel.Sample())
	}

	p := int(sel.Sample()) * 2
	if sel.FineTune() {
		p++
	}

	return p
}

func (t *tuningTarget) SetPhase(phase int) {
	sel := t.clkSel()
	if t.fine() {
		sel = sel.WithSample(uint32(phase / 2)).WithFineTune(phase%2 == 1)
	} else {
		sel = sel.WithSample(uint32(phase))
	}

	t.c.bus.Write32(t.c.layout.CLKSEL, uint32(sel))
}

func (t *tuningTarget) Narrow() bool {
	return t.clkSel().DivRatio() == 2
}

func (t *tuningTarget) DriveStrength() int {
	if t.c.drive == nil {
		return 0
	}

	return t.c.drive.DriveStrength()
}

func (t *tuningTarget) SetDriveStrength(level int) {
	if t.c.drive != nil {
		t.c.drive.SetDriveStrength(level)
	}
}

// Probe reads one calibration block into the tuning buffer and compares it
// with the expected pattern.
func (t *tuningTarget) Probe(ctx context.Context) error {
	pattern, err := tuning.Pattern(t.opcode, t.busWidth)
	if err != nil {
		return err
	}

	c := t.c
	n := uint32(len(pattern))
	addr := c.Spec.TuningBufAddr

	if err := c.mem.Write(addr, make([]byte, n)); err != nil {
		return err
	}

	done := make(chan struct{})
	req := &Request{
		Cmd: &Command{Opcode: t.opcode, Resp: RespR1},
		Data: &Data{
			Dir:       Read,
			BlockSize: n,
			Blocks:    1,
			Slices:    []idmac.Slice{{Addr: addr, Len: n}},
		},
		Completer: CompleterFunc(func(*Request) { close(done) }),
		parent:    t.task,
	}

	if err := c.submitProbe(req); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := req.Err(); err != nil {
		return err
	}

	got, err := c.mem.Read(addr, uint64(n))
	if err != nil {
		return err
	}

	if !bytes.Equal(got, pattern) {
		return errPatternMismatch
	}

	return nil
}
