// Package hwsim models a DW MMC host controller with one card attached. The
// model answers register accesses, walks DMA descriptors in host memory,
// streams data through a FIFO and raises interrupts from its own goroutine,
// the way the real block does from the card clock domain.
package hwsim

import (
	"sync"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/tuning"
)

// BlockSize is the size of a card block.
const BlockSize = 512

const (
	cardStatusTran = 0x900
	fifoWidth      = 4
)

// Config describes the modeled hardware.
type Config struct {
	FIFODepth  uint32 // in 32-bit words
	Version    uint32 // VERID value
	NoIDMAC    bool
	Addr64     bool
	CardBlocks uint64
	FinePhases bool // CLKSEL fine-tune bit selects odd phases
}

// DefaultConfig returns a 2.70a controller with 64-bit descriptors, a
// 32-word FIFO and a 1 MiB card.
func DefaultConfig() Config {
	return Config{
		FIFODepth:  32,
		Version:    0x5342270a,
		Addr64:     true,
		CardBlocks: 2048,
	}
}

// IssuedCommand is a command the model accepted.
type IssuedCommand struct {
	Opcode uint32
	Arg    uint32
	Flags  regs.Cmd
}

// A Device is the register window of the modeled controller. It implements
// regs.Bus, clockgate.Clock and drive strength control.
type Device struct {
	cfg     Config
	mem     idmac.Memory
	card    *memory.Storage
	layout  regs.Layout
	format  idmac.Format
	dataOff regs.Offset

	lock      sync.Mutex
	regs      map[regs.Offset]uint32
	rintsts   regs.Int
	idsts     regs.IDSts
	fifo      []uint32
	xfer      *xfer
	present   bool
	busyReads int
	issued    []IssuedCommand
	faults    faults
	drive     int
	passMaps  map[int]tuning.Map
	clocks    [2]bool
	handler   func()

	jobs    []func()
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a device whose DMA engine masters mem.
func New(cfg Config, mem idmac.Memory) *Device {
	d := &Device{
		cfg:      cfg,
		mem:      mem,
		card:     memory.NewStorage(cfg.CardBlocks * BlockSize),
		layout:   regs.LayoutFor(cfg.Addr64),
		format:   idmac.Format32,
		dataOff:  regs.DataOffset(cfg.Version),
		present:  true,
		passMaps: make(map[int]tuning.Map),
		signal:   make(chan struct{}, 1),
	}

	if cfg.Addr64 {
		d.format = idmac.Format64
	}

	d.powerOn()

	return d
}

func (d *Device) powerOn() {
	d.regs = map[regs.Offset]uint32{
		regs.FIFOTH: (d.cfg.FIFODepth - 1) << 16,
		regs.VERID:  d.cfg.Version,
		regs.HCON:   d.hcon(),
	}
	d.rintsts = 0
	d.idsts = 0
	d.fifo = nil
	d.xfer = nil
}

func (d *Device) hcon() uint32 {
	v := uint32(1) << 7
	if d.cfg.NoIDMAC {
		v |= 3 << 16
	}

	return v
}

// SetInterruptHandler sets the function called when an unmasked interrupt
// is pending. It runs on the device goroutine.
func (d *Device) SetInterruptHandler(h func()) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.handler = h
}

// Start launches the device goroutine.
func (d *Device) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go d.run()
}

// Stop halts the device goroutine. Pending hardware work is dropped.
func (d *Device) Stop() {
	d.lock.Lock()
	if !d.started {
		d.lock.Unlock()
		return
	}
	d.started = false
	d.lock.Unlock()

	close(d.stop)
	<-d.done
}

func (d *Device) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case <-d.signal:
		}

		for {
			d.lock.Lock()
			if len(d.jobs) == 0 {
				d.lock.Unlock()
				break
			}

			job := d.jobs[0]
			d.jobs = d.jobs[1:]
			d.lock.Unlock()

			job()
			d.deliver()

			select {
			case <-d.stop:
				return
			default:
			}
		}
	}
}

// schedule queues hardware work. d.lock must be held.
func (d *Device) schedule(job func()) {
	d.jobs = append(d.jobs, job)

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// raise latches interrupt causes. d.lock must be held.
func (d *Device) raise(bits regs.Int) {
	d.rintsts |= bits
	d.schedule(func() {})
}

func (d *Device) deliver() {
	d.lock.Lock()
	pending := d.mintsts() != 0 &&
		regs.Ctrl(d.regs[regs.CTRL]).Has(regs.CtrlIntEnable)
	h := d.handler
	d.lock.Unlock()

	if pending && h != nil {
		h()
	}
}

func (d *Device) mintsts() regs.Int {
	return d.rintsts & regs.Int(d.regs[regs.INTMASK])
}

// Barrier does nothing. Accesses are ordered by the device lock.
func (d *Device) Barrier() {}

// Read32 reads a register.
func (d *Device) Read32(off regs.Offset) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch off {
	case d.dataOff:
		return d.popFIFO()
	case regs.MINTSTS:
		return uint32(d.mintsts())
	case regs.RINTSTS:
		return uint32(d.rintsts)
	case regs.STATUS:
		return d.status()
	case regs.CDETECT:
		if d.present {
			return 0
		}
		return 1
	case d.layout.IDSTS:
		return uint32(d.idsts)
	}

	return d.regs[off]
}

func (d *Device) status() uint32 {
	v := uint32(len(d.fifo)) << 17
	if d.busyReads > 0 {
		d.busyReads--
		v |= uint32(regs.StatusDataBusy)
	}

	return v
}

// Write32 writes a register.
func (d *Device) Write32(off regs.Offset, value uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch off {
	case d.dataOff:
		d.pushFIFO(value)
	case regs.RINTSTS:
		d.rintsts &^= regs.Int(value)
	case d.layout.IDSTS:
		d.idsts &^= regs.IDSts(value)
	case regs.CTRL:
		d.writeCtrl(regs.Ctrl(value))
	case regs.BMOD:
		if regs.BMod(value)&regs.BModSWReset != 0 {
			d.idsts = 0
		}
		d.regs[off] = value &^ uint32(regs.BModSWReset)
	case regs.CMD:
		d.writeCmd(regs.Cmd(value))
	case regs.INTMASK:
		d.regs[off] = value
		if d.mintsts() != 0 {
			d.schedule(func() {})
		}
	default:
		d.regs[off] = value
	}
}

func (d *Device) writeCtrl(v regs.Ctrl) {
	if v&regs.CtrlReset != 0 {
		d.xfer = nil
		d.fifo = nil
	}

	if v&regs.CtrlFIFOReset != 0 {
		d.fifo = nil
	}

	d.regs[regs.CTRL] = uint32(v &^ regs.CtrlAllReset)

	if d.mintsts() != 0 {
		d.schedule(func() {})
	}
}

func (d *Device) writeCmd(v regs.Cmd) {
	if !v.Has(regs.CmdStart) {
		d.regs[regs.CMD] = uint32(v)
		return
	}

	if v.Has(regs.CmdUpdClk) {
		if d.faults.stuckClock > 0 {
			d.faults.stuckClock--
			d.regs[regs.CMD] = uint32(v)
			return
		}

		d.regs[regs.CMD] = uint32(v &^ regs.CmdStart)

		return
	}

	d.regs[regs.CMD] = uint32(v &^ regs.CmdStart)

	if d.faults.lockedWrites > 0 {
		d.faults.lockedWrites--
		d.raise(regs.IntHLE)

		return
	}

	arg := d.regs[regs.CMDARG]
	d.issued = append(d.issued, IssuedCommand{
		Opcode: v.Opcode(),
		Arg:    arg,
		Flags:  v &^ regs.CmdStart,
	})

	d.schedule(func() { d.execute(v, arg) })
}

// Issued returns the commands accepted so far.
func (d *Device) Issued() []IssuedCommand {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([]IssuedCommand(nil), d.issued...)
}

// Enable ungates a clock domain.
func (d *Device) Enable(dom clockgate.Domain) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.clocks[dom] = true

	return nil
}

// Disable gates a clock domain.
func (d *Device) Disable(dom clockgate.Domain) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.clocks[dom] = false
}

// ClockEnabled reports whether a clock domain runs.
func (d *Device) ClockEnabled(dom clockgate.Domain) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.clocks[dom]
}

// DriveStrength returns the current pad drive strength.
func (d *Device) DriveStrength() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.drive
}

// SetDriveStrength changes the pad drive strength.
func (d *Device) SetDriveStrength(level int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.drive = level
}

// ReadCard returns card content.
func (d *Device) ReadCard(addr, length uint64) ([]byte, error) {
	return d.card.Read(addr, length)
}

// WriteCard replaces card content.
func (d *Device) WriteCard(addr uint64, data []byte) error {
	return d.card.Write(addr, data)
}
