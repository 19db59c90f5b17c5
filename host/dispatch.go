package host

import "fmt"

// dispatchMiddleware starts the next queued item once the bus is free.
type dispatchMiddleware struct {
	*Controller
}

func (m *dispatchMiddleware) Tick() bool {
	if m.cur != nil {
		return false
	}

	item := m.next()
	if item == nil {
		return false
	}

	switch it := item.(type) {
	case *Request:
		m.startRequest(it)
	case *tuneJob:
		m.startTuning(it)
	case *iosJob:
		it.done <- m.applyIOS(it.ios)
	default:
		panic(fmt.Sprintf("unknown queue item %T", item))
	}

	return true
}

// next pops the next item. While a calibration runs only its probes are
// dispatched.
func (m *dispatchMiddleware) next() interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	var item interface{}
	if m.tuning.Load() {
		item = m.probes.Pop()
	} else {
		item = m.queue.Pop()
	}

	m.status.Queued = m.queue.Size()

	return item
}

// eventMiddleware handles the events that end a request from outside the
// pipelines.
type eventMiddleware struct {
	*Controller
}

func (m *eventMiddleware) Tick() bool {
	progress := false

	if m.events.TestAndClear(EventHardwareLocked) {
		m.hardwareLocked()
		progress = true
	}

	if m.events.TestAndClear(EventTimeout) {
		progress = m.timeout() || progress
	}

	if m.events.TestAndClear(EventCardDetect) {
		progress = m.cardDetect() || progress
	}

	return progress
}

func (m *eventMiddleware) hardwareLocked() {
	m.logf("hardware locked write error")
	m.DumpRegisters()
	m.events.Clear(EventCmdComplete)

	t := m.cur
	if t == nil {
		return
	}

	err := fmt.Errorf("%s: %w", t.cmd, ErrHardwareLocked)
	t.cmd.Err = err
	if t.req.Cmd.Err == nil {
		t.req.Cmd.Err = err
	}
	if t.req.Data != nil && t.req.Data.Err == nil {
		t.req.Data.Err = err
	}

	m.stopData(t)
	m.complete(t)
}

func (m *eventMiddleware) timeout() bool {
	t := m.timedOut.Swap(nil)
	if t == nil || t != m.cur {
		return false
	}

	m.logf("%s: timeout waiting for hardware interrupt (cmd %s, data %s)",
		t.req.ID, m.cmdState, m.dataState)
	m.DumpRegisters()

	m.failInFlight(t, fmt.Errorf("no interrupt: %w", ErrTimeout))
	m.stopData(t)
	m.resetFIFO()
	m.resetCIU()
	m.complete(t)

	return true
}
