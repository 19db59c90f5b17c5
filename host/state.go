package host

import "fmt"

// State is the state of a pipeline.
type State int

// Pipeline states. The command pipeline uses Idle, SendingCommand and
// SendingStop. The data pipeline uses all but SendingCommand.
const (
	StateIdle State = iota
	StateSendingCommand
	StateSendingData
	StateDataBusy
	StateDataError
	StateSendingStop
)

var stateNames = []string{
	"Idle",
	"SendingCommand",
	"SendingData",
	"DataBusy",
	"DataError",
	"SendingStop",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// Pipeline names a state machine of the controller.
type Pipeline string

// Pipelines.
const (
	PipelineCmd  Pipeline = "cmd"
	PipelineData Pipeline = "data"
)

// StateChange is the detail of a HookPosStateChange hook.
type StateChange struct {
	Pipeline Pipeline
	From, To State
}
