package hwsim

import (
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/tuning"
)

type cmdFault struct {
	opcode uint32
	bits   regs.Int
	stall  bool
	times  int
}

type dataFault struct {
	block int
	bits  regs.Int
}

type faults struct {
	cmds         []*cmdFault
	data         []dataFault
	lockedWrites int
	stuckClock   int
}

func (f *faults) takeCommand(op uint32) (cmdFault, bool) {
	for i, c := range f.cmds {
		if c.opcode != op {
			continue
		}

		c.times--
		if c.times <= 0 {
			f.cmds = append(f.cmds[:i], f.cmds[i+1:]...)
		}

		return *c, true
	}

	return cmdFault{}, false
}

func (f *faults) takeData() (dataFault, bool) {
	if len(f.data) == 0 {
		return dataFault{}, false
	}

	df := f.data[0]
	f.data = f.data[1:]

	return df, true
}

// FailCommand makes the next times issues of the opcode complete with the
// given error bits, such as IntRTO or IntRCRC.
func (d *Device) FailCommand(opcode uint32, bits regs.Int, times int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults.cmds = append(d.faults.cmds,
		&cmdFault{opcode: opcode, bits: bits, times: times})
}

// StallCommand makes the next issue of the opcode never complete.
func (d *Device) StallCommand(opcode uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults.cmds = append(d.faults.cmds,
		&cmdFault{opcode: opcode, stall: true, times: 1})
}

// FailData makes the next data phase fail in the middle of the given block
// (counting from 0) with the given error bits, such as IntDCRC.
func (d *Device) FailData(block int, bits regs.Int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults.data = append(d.faults.data, dataFault{block: block, bits: bits})
}

// LockWrites makes the next n command writes hit a hardware locked error.
func (d *Device) LockWrites(n int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults.lockedWrites = n
}

// StickClock makes the next n clock updates never be accepted.
func (d *Device) StickClock(n int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults.stuckClock = n
}

// HoldBusy makes STATUS report the data lines busy for the next n reads.
func (d *Device) HoldBusy(n int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.busyReads = n
}

// SetPassMap sets which sampling phases read the tuning block intact at a
// drive strength. Phases pass at drive strengths without a map.
func (d *Device) SetPassMap(drive int, m tuning.Map) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.passMaps[drive] = m
}

// InsertCard attaches the card and raises a card-detect interrupt.
func (d *Device) InsertCard() {
	d.setPresent(true)
}

// RemoveCard detaches the card and raises a card-detect interrupt.
func (d *Device) RemoveCard() {
	d.setPresent(false)
}

func (d *Device) setPresent(present bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.present == present {
		return
	}

	d.present = present
	if !present {
		d.xfer = nil
		d.fifo = nil
	}

	d.raise(regs.IntCD)
}
