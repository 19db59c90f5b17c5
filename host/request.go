package host

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/dwmmc/idmac"
)

// Command opcodes the controller treats specially.
const (
	OpStopTransmission     uint32 = 12
	OpSendStatus           uint32 = 13
	OpReadSingleBlock      uint32 = 17
	OpReadMultipleBlock    uint32 = 18
	OpSendTuningBlock      uint32 = 19
	OpSendTuningBlockHS200 uint32 = 21
	OpSetBlockCount        uint32 = 23
	OpWriteBlock           uint32 = 24
	OpWriteMultipleBlock   uint32 = 25
	OpIORWDirect           uint32 = 52
	OpIORWExtended         uint32 = 53
)

const sdioCCCRAbort = 6

// ResponseType is the kind of response a command expects.
type ResponseType int

// Response types.
const (
	RespNone ResponseType = iota
	RespR1
	RespR1B
	RespR2
	RespR3
	RespR4
	RespR5
	RespR6
	RespR7
)

func (r ResponseType) present() bool { return r != RespNone }

func (r ResponseType) long() bool { return r == RespR2 }

func (r ResponseType) crc() bool {
	return r.present() && r != RespR3 && r != RespR4
}

var respNames = []string{"none", "R1", "R1b", "R2", "R3", "R4", "R5", "R6", "R7"}

func (r ResponseType) String() string {
	if r < 0 || int(r) >= len(respNames) {
		return fmt.Sprintf("ResponseType(%d)", int(r))
	}

	return respNames[r]
}

// A Command is one bus command and, after completion, its outcome.
type Command struct {
	Opcode uint32
	Arg    uint32
	Resp   ResponseType

	// Set by the controller.
	Response [4]uint32
	Retries  int
	Err      error
}

func (c *Command) String() string {
	return fmt.Sprintf("CMD%d(0x%08x)", c.Opcode, c.Arg)
}

// Direction is the direction of a data phase.
type Direction int

// Data directions.
const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}

	return "read"
}

// Data describes the bulk data phase of a request.
type Data struct {
	Dir       Direction
	BlockSize uint32
	Blocks    uint32
	Slices    []idmac.Slice
	Security  *idmac.Security

	// Set by the controller.
	BytesXfered uint32
	Err         error
}

// Len returns the number of bytes the data phase moves.
func (d *Data) Len() uint32 {
	return d.BlockSize * d.Blocks
}

// Completer receives finished requests.
type Completer interface {
	Complete(req *Request)
}

// CompleterFunc adapts a function into a Completer.
type CompleterFunc func(req *Request)

// Complete calls f.
func (f CompleterFunc) Complete(req *Request) {
	f(req)
}

// A Request is an ordered unit of work: an optional set-block-count command,
// the main command, an optional data phase and an optional stop command. The
// controller owns it from Submit until its Completer is called, which
// happens exactly once.
type Request struct {
	ID string

	SBC  *Command
	Cmd  *Command
	Data *Data
	Stop *Command

	// Tune asks for phase calibration before the request runs.
	Tune bool

	Completer Completer

	parent    string
	preErr    error
	completed atomic.Bool
}

// Err returns the first error recorded on the request, in the order the
// phases ran.
func (r *Request) Err() error {
	if r.SBC != nil && r.SBC.Err != nil {
		return r.SBC.Err
	}

	if r.Cmd.Err != nil {
		return r.Cmd.Err
	}

	if r.Data != nil && r.Data.Err != nil {
		return r.Data.Err
	}

	if r.Stop != nil && r.Stop.Err != nil {
		return r.Stop.Err
	}

	return nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.ID, r.Cmd)
}

func (r *Request) failAll(err error) {
	if r.SBC != nil && r.SBC.Err == nil {
		r.SBC.Err = err
	}

	r.Cmd.Err = err

	if r.Data != nil {
		r.Data.Err = err
	}

	if r.Stop != nil {
		r.Stop.Err = err
	}
}
