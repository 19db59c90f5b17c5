package host

import (
	"fmt"
	"time"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/sarchlab/dwmmc/tracing"
)

// transfer is the controller's bookkeeping for the request on the bus.
type transfer struct {
	req     *Request
	cmd     *Command // on the bus
	abort   *Command // sent after a failed data phase when req.Stop is nil
	retries int

	stopSent bool
	dma      bool
	pio      *pioState
	busyFrom time.Time

	clocks  *clockgate.Guard
	ciuBusy *clockgate.Guard
	timer   *time.Timer
}

// stopCommand returns the command that ends an open data transfer.
func (t *transfer) stopCommand() *Command {
	if t.req.Stop != nil {
		return t.req.Stop
	}

	return t.abort
}

func (c *Controller) requestTimeout(req *Request) time.Duration {
	switch req.Cmd.Opcode {
	case OpSendTuningBlock, OpSendTuningBlockHS200:
		return c.Spec.TuningTimeout
	default:
		return c.Spec.RequestTimeout
	}
}

// startRequest puts a request on the bus. It returns false when the request
// completed without reaching the bus.
func (c *Controller) startRequest(req *Request) bool {
	tracing.StartTask(req.ID, req.parent, c, tracing.KindRequest,
		fmt.Sprintf("CMD%d", req.Cmd.Opcode), req)

	if req.preErr != nil {
		req.failAll(req.preErr)
		c.finish(req)
		return false
	}

	if !c.present.Load() {
		req.failAll(ErrNoMedium)
		c.finish(req)
		return false
	}

	clocks, err := c.gov.AcquireAll()
	if err != nil {
		req.failAll(err)
		c.finish(req)
		return false
	}

	if !isStopAbort(req.Cmd) {
		if err := c.waitNotBusy(c.ctx); err != nil {
			clocks.Release()
			req.Cmd.Err = err
			c.finish(req)
			return false
		}
	}

	t := &transfer{
		req:    req,
		clocks: clocks,
	}
	if req.Data != nil {
		t.abort = prepStopAbort(req.Cmd)
	}

	c.cur = t
	c.cmdStatus.Store(0)
	c.dataStatus.Store(0)
	c.events.Clear(pipelineEvents)
	t.timer = time.AfterFunc(c.requestTimeout(req), func() {
		c.timedOut.Store(t)
		c.events.Set(EventTimeout)
		c.kick()
	})

	c.lock.Lock()
	c.status.InFlight = req.ID
	c.lock.Unlock()

	c.invoke(HookPosRequestStart, req)

	first := req.Cmd
	if req.SBC != nil {
		first = req.SBC
	}

	c.setCmdState(StateSendingCommand)
	c.issue(t, first)

	return true
}

// complete ends the request on the bus.
func (c *Controller) complete(t *transfer) {
	t.timer.Stop()
	t.ciuBusy.Release()
	t.clocks.Release()

	c.cur = nil
	c.setCmdState(StateIdle)
	c.setDataState(StateIdle)

	c.lock.Lock()
	c.status.InFlight = ""
	c.lock.Unlock()

	c.finish(t.req)
}

// finish hands a request back to its owner.
func (c *Controller) finish(req *Request) {
	if req.completed.Swap(true) {
		panic(fmt.Sprintf("request %s completed twice", req.ID))
	}

	c.lock.Lock()
	c.status.Completed++
	if req.Err() != nil {
		c.status.Failed++
	}
	if req.Data != nil {
		c.status.BytesXfered += uint64(req.Data.BytesXfered)
	}
	c.lock.Unlock()

	c.invoke(HookPosRequestEnd, req)
	tracing.EndTask(req.ID, c)

	if req.Completer != nil {
		req.Completer.Complete(req)
	}
}

// failInFlight records err on the phases of the request on the bus that have
// not finished yet.
func (c *Controller) failInFlight(t *transfer, err error) {
	req := t.req

	state := c.dataState
	if state == StateIdle {
		state = c.cmdState
	}

	switch state {
	case StateSendingCommand:
		t.cmd.Err = err
		if t.cmd != req.Cmd {
			req.Cmd.Err = err
		}
		if req.Data == nil {
			break
		}
		fallthrough
	case StateSendingData:
		req.Data.Err = err
	case StateDataBusy, StateDataError:
		if req.Data.Err == nil {
			req.Data.Err = err
		}
		if req.Stop != nil {
			req.Stop.Err = err
		}
	case StateSendingStop:
		if req.Stop != nil {
			req.Stop.Err = err
		} else if req.Data != nil && req.Data.Err == nil {
			req.Data.Err = err
		}
	}
}

// drainQueues completes every queued request and tuning job with err. Bus
// setting jobs stay queued when keepIOS is set.
func (c *Controller) drainQueues(err error, keepIOS bool) {
	c.lock.Lock()
	items := append(c.probes.Clear(), c.queue.Clear()...)
	dropped := items[:0]
	for _, item := range items {
		if _, ok := item.(*iosJob); ok && keepIOS {
			c.queue.Push(item)
			continue
		}
		dropped = append(dropped, item)
	}
	c.status.Queued = c.queue.Size()
	c.lock.Unlock()

	for _, item := range dropped {
		switch it := item.(type) {
		case *Request:
			it.failAll(err)
			c.finish(it)
		case *tuneJob:
			it.finish(tuneOutcome{err: err})
		case *iosJob:
			it.done <- err
		}
	}
}

func (c *Controller) invoke(pos *sim.HookPos, req *Request) {
	if c.NumHooks() == 0 {
		return
	}

	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    pos,
		Item:   req,
	})
}
