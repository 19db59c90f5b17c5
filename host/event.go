package host

import (
	"strings"
	"sync/atomic"
)

// Event is a set of pending pipeline events.
type Event uint32

// Events raised by the interrupt producer or by the controller itself.
const (
	EventCmdComplete Event = 1 << iota
	EventXferComplete
	EventDataComplete
	EventDataError
	EventFIFOReady
	EventHardwareLocked
	EventCardDetect
	EventTimeout

	pipelineEvents = EventCmdComplete | EventXferComplete |
		EventDataComplete | EventDataError | EventFIFOReady
)

var eventNames = []string{
	"CMD_COMPLETE",
	"XFER_COMPLETE",
	"DATA_COMPLETE",
	"DATA_ERROR",
	"FIFO_READY",
	"HW_LOCKED",
	"CARD_DETECT",
	"TIMEOUT",
}

func (e Event) String() string {
	if e == 0 {
		return "-"
	}

	parts := []string{}
	for i, name := range eventNames {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}

	return strings.Join(parts, "|")
}

// eventSet is written by the interrupt producer and consumed by the worker.
type eventSet struct {
	v atomic.Uint32
}

func (s *eventSet) Set(e Event) {
	s.v.Or(uint32(e))
}

func (s *eventSet) Test(e Event) bool {
	return Event(s.v.Load())&e != 0
}

// TestAndClear clears e and reports whether any of its bits were set.
func (s *eventSet) TestAndClear(e Event) bool {
	return Event(s.v.And(^uint32(e)))&e != 0
}

func (s *eventSet) Clear(e Event) {
	s.v.And(^uint32(e))
}

func (s *eventSet) Load() Event {
	return Event(s.v.Load())
}
