package hwsim

import (
	"github.com/sarchlab/dwmmc/regs"
)

const (
	opStopTransmission = 12
	opReadSingle       = 17
	opReadMultiple     = 18
	opTuning           = 19
	opTuningHS200      = 21
	opWriteSingle      = 24
	opWriteMultiple    = 25
	opIORWExtended     = 53
)

// execute runs a command on the card.
func (d *Device) execute(flags regs.Cmd, arg uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	op := flags.Opcode()

	if !d.present {
		d.raise(regs.IntCmdDone | regs.IntRTO)
		return
	}

	if f, ok := d.faults.takeCommand(op); ok {
		if !f.stall {
			d.raise(regs.IntCmdDone | f.bits)
		}
		return
	}

	d.respond(flags)

	if op == opStopTransmission {
		d.xfer = nil
	}

	d.raise(regs.IntCmdDone)

	if flags.Has(regs.CmdDatExp) {
		d.startData(op, arg, flags.Has(regs.CmdDatWr))
	}
}

func (d *Device) respond(flags regs.Cmd) {
	if !flags.Has(regs.CmdRespExp) {
		return
	}

	if flags.Has(regs.CmdRespLong) {
		d.regs[regs.RESP0] = 0x0000_0001
		d.regs[regs.RESP1] = 0x0000_0002
		d.regs[regs.RESP2] = 0x0000_0003
		d.regs[regs.RESP3] = 0x0000_0004
		return
	}

	d.regs[regs.RESP0] = cardStatusTran
}
