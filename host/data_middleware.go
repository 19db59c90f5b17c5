package host

import (
	"fmt"
	"time"

	"github.com/sarchlab/dwmmc/regs"
)

// dataMiddleware runs the data pipeline.
type dataMiddleware struct {
	*Controller
}

func (m *dataMiddleware) Tick() bool {
	switch m.dataState {
	case StateSendingData:
		return m.sendingData()
	case StateDataError:
		return m.dataError()
	case StateDataBusy:
		return m.dataBusy()
	case StateSendingStop:
		return m.sendingStop()
	default:
		return false
	}
}

func (m *dataMiddleware) sendingData() bool {
	t := m.cur
	progress := m.pump(t)

	if m.events.TestAndClear(EventDataError) {
		m.setDataState(StateDataError)
		return true
	}

	if !m.events.TestAndClear(EventXferComplete) {
		return progress
	}

	if t.dma {
		m.dma.Stop()
	}

	m.setDataState(StateDataBusy)

	return true
}

// dataError tears the transfer down after a data error. The card may still
// be sending, so the pipeline then waits in DataBusy for the controller to
// report the end of the data phase.
func (m *dataMiddleware) dataError() bool {
	t := m.cur

	m.stopData(t)
	m.resetFIFO()

	t.busyFrom = time.Time{}
	m.setDataState(StateDataBusy)

	return true
}

func (m *dataMiddleware) dataBusy() bool {
	t := m.cur

	if m.events.TestAndClear(EventDataError) {
		m.setDataState(StateDataError)
		return true
	}

	if !m.events.Test(EventDataComplete) {
		return false
	}

	busy := regs.Status(m.bus.Read32(regs.STATUS)).Busy()
	if busy {
		if t.busyFrom.IsZero() {
			t.busyFrom = time.Now()
		}

		if time.Since(t.busyFrom) < m.Spec.BusyTimeout {
			time.AfterFunc(m.Spec.PollInterval, m.kick)
			return false
		}

		m.logf("%s: data lines stuck busy", t.req.ID)
		m.dataStatus.Store(m.dataStatus.Load() | uint32(regs.IntDRTO))
	}

	var pioErr error
	if t.pio != nil {
		pioErr = t.pio.err
	}

	m.events.Clear(EventDataComplete)
	m.stopData(t)
	m.dataComplete(t)

	if pioErr != nil && t.req.Data.Err == nil {
		t.req.Data.Err = fmt.Errorf("data register transfer: %v: %w",
			pioErr, ErrIO)
	}

	data := t.req.Data
	needStop := data.Err != nil || (t.req.Stop != nil && t.req.SBC == nil)
	if !needStop || !m.sendStop(t) {
		m.complete(t)
		return true
	}

	m.setDataState(StateSendingStop)

	return true
}

func (m *dataMiddleware) sendingStop() bool {
	if !m.events.TestAndClear(EventCmdComplete) {
		return false
	}

	t := m.cur
	stop := t.cmd
	m.commandComplete(stop)

	if stop != t.req.Stop && stop.Err != nil && t.req.Data.Err == nil {
		t.req.Data.Err = stop.Err
	}

	m.complete(t)

	return true
}
