package host

import (
	"errors"
	"fmt"

	"github.com/sarchlab/dwmmc/regs"
)

// prepareCommand encodes the command register for cmd.
func (c *Controller) prepareCommand(cmd *Command, data *Data) regs.Cmd {
	flags := regs.CmdIndex(cmd.Opcode)

	switch cmd.Opcode {
	case OpStopTransmission:
		flags |= regs.CmdStop
	case OpSendStatus:
	default:
		flags |= regs.CmdPrvDatWait
	}

	if cmd.Opcode == OpIORWDirect && (cmd.Arg>>9)&0x1ffff == sdioCCCRAbort {
		flags &^= regs.CmdPrvDatWait
		flags |= regs.CmdStop
	}

	if cmd.Resp.present() {
		flags |= regs.CmdRespExp
		if cmd.Resp.long() {
			flags |= regs.CmdRespLong
		}
	}

	if cmd.Resp.crc() {
		flags |= regs.CmdRespCRC
	}

	if data != nil {
		flags |= regs.CmdDatExp
		if data.Dir == Write {
			flags |= regs.CmdDatWr
		}
	}

	return flags
}

// prepStopAbort returns the command that aborts the data transfer of cmd,
// or nil when the command has none.
func prepStopAbort(cmd *Command) *Command {
	switch cmd.Opcode {
	case OpReadSingleBlock, OpReadMultipleBlock,
		OpWriteBlock, OpWriteMultipleBlock:
		return &Command{Opcode: OpStopTransmission, Resp: RespR1B}
	case OpIORWExtended:
		return &Command{
			Opcode: OpIORWDirect,
			Arg:    0x80000000 | (cmd.Arg>>28)&0x7 | sdioCCCRAbort<<9,
			Resp:   RespR5,
		}
	}

	return nil
}

func isStopAbort(cmd *Command) bool {
	switch {
	case cmd.Opcode == OpStopTransmission, cmd.Opcode == OpSendStatus:
		return true
	case cmd.Opcode == OpIORWDirect:
		return (cmd.Arg>>9)&0x1ffff == sdioCCCRAbort
	}

	return false
}

// issue starts cmd. The data phase of the request is staged first when cmd
// is the main command.
func (c *Controller) issue(t *transfer, cmd *Command) {
	var data *Data
	if cmd == t.req.Cmd {
		data = t.req.Data
	}

	if data != nil {
		c.submitData(t, data)
	}

	flags := c.prepareCommand(cmd, data)
	if c.needInit {
		flags |= regs.CmdInit
		c.needInit = false
	}

	c.startCommand(t, cmd, flags, data)
}

func (c *Controller) startCommand(
	t *transfer,
	cmd *Command,
	flags regs.Cmd,
	data *Data,
) {
	t.cmd = cmd

	mask := regs.Int(c.bus.Read32(regs.INTMASK))
	if c.Spec.Quirks.Has(QuirkNoDetectEBit) && data != nil && data.Dir == Read {
		mask &^= regs.IntEBE
	} else {
		mask |= regs.IntEBE
		c.bus.Write32(regs.RINTSTS, uint32(regs.IntEBE))
	}
	c.bus.Write32(regs.INTMASK, uint32(mask))

	c.cmdStatus.Store(0)
	c.bus.Write32(regs.CMDARG, cmd.Arg)
	c.bus.Barrier()
	c.bus.Write32(regs.CMD, uint32(flags|regs.CmdStart|regs.CmdUseHoldReg))
}

// sendStop issues the stop or abort command of the transfer. It reports
// false when the transfer has none.
func (c *Controller) sendStop(t *transfer) bool {
	stop := t.stopCommand()
	if stop == nil {
		return false
	}

	var flags regs.Cmd
	if stop == t.req.Stop {
		flags = c.prepareCommand(stop, nil)
	} else {
		flags = regs.CmdIndex(stop.Opcode) | regs.CmdStop |
			regs.CmdRespCRC | regs.CmdRespExp
	}

	t.stopSent = true
	c.startCommand(t, stop, flags, nil)

	return true
}

// commandComplete reads the response of the command on the bus and records
// its outcome.
func (c *Controller) commandComplete(cmd *Command) {
	status := regs.Int(c.cmdStatus.Swap(0))

	if cmd.Resp.present() {
		if cmd.Resp.long() {
			cmd.Response[3] = c.bus.Read32(regs.RESP0)
			cmd.Response[2] = c.bus.Read32(regs.RESP1)
			cmd.Response[1] = c.bus.Read32(regs.RESP2)
			cmd.Response[0] = c.bus.Read32(regs.RESP3)
		} else {
			cmd.Response = [4]uint32{c.bus.Read32(regs.RESP0)}
		}
	}

	switch {
	case status.Any(regs.IntRTO):
		cmd.Err = fmt.Errorf("%s response: %w", cmd, ErrTimeout)
	case cmd.Resp.crc() && status.Any(regs.IntRCRC):
		cmd.Err = fmt.Errorf("%s response: %w", cmd, ErrCRC)
	case status.Any(regs.IntRespErr):
		cmd.Err = fmt.Errorf("%s response: %w", cmd, ErrIO)
	default:
		cmd.Err = nil
	}
}

// shouldRetry reports whether a failed command is re-issued transparently.
func (c *Controller) shouldRetry(t *transfer, cmd *Command) bool {
	if t.retries >= c.Spec.CommandRetries {
		return false
	}

	if cmd.Opcode != OpSetBlockCount && cmd.Opcode != OpSendTuningBlockHS200 {
		return false
	}

	return errors.Is(cmd.Err, ErrTimeout)
}
