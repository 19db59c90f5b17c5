package idmac

import (
	"github.com/sarchlab/dwmmc/regs"
)

// Engine drives the internal DMA controller over a descriptor Ring.
type Engine struct {
	bus    regs.Bus
	layout regs.Layout
	ring   *Ring
}

// NewEngine creates an engine that programs bus using the ring.
func NewEngine(bus regs.Bus, layout regs.Layout, ring *Ring) *Engine {
	return &Engine{
		bus:    bus,
		layout: layout,
		ring:   ring,
	}
}

// Ring returns the descriptor ring of the engine.
func (e *Engine) Ring() *Ring {
	return e.ring
}

// Init writes the idle ring, resets the engine and points it at the ring.
func (e *Engine) Init() error {
	if err := e.ring.Init(); err != nil {
		return err
	}

	e.bus.Write32(regs.BMOD, uint32(regs.BModSWReset))
	e.bus.Write32(e.layout.IDINTEN,
		uint32(regs.IDStsNI|regs.IDStsRI|regs.IDStsTI))
	e.writeBase()

	return nil
}

func (e *Engine) writeBase() {
	base := e.ring.Base()

	e.bus.Write32(e.layout.DBADDRL, uint32(base))
	if e.layout.Addr64 {
		e.bus.Write32(e.layout.DBADDRU, uint32(base>>32))
	}
}

// Start describes the slices in the ring and starts the engine.
func (e *Engine) Start(slices []Slice, sec *Security) (int, error) {
	n, err := e.ring.Build(slices, sec)
	if err != nil {
		return 0, err
	}

	ctrl := regs.Ctrl(e.bus.Read32(regs.CTRL))
	ctrl |= regs.CtrlUseIDMAC | regs.CtrlDMAEnable
	e.bus.Write32(regs.CTRL, uint32(ctrl))

	e.bus.Barrier()

	bmod := regs.BMod(e.bus.Read32(regs.BMOD))
	bmod |= regs.BModEnable | regs.BModFB
	e.bus.Write32(regs.BMOD, uint32(bmod))

	e.bus.Write32(regs.PLDMND, 1)

	return n, nil
}

// Stop disables the engine without touching the ring.
func (e *Engine) Stop() {
	ctrl := regs.Ctrl(e.bus.Read32(regs.CTRL))
	ctrl &^= regs.CtrlUseIDMAC | regs.CtrlDMAEnable
	e.bus.Write32(regs.CTRL, uint32(ctrl))

	bmod := regs.BMod(e.bus.Read32(regs.BMOD))
	bmod &^= regs.BModEnable | regs.BModFB
	e.bus.Write32(regs.BMOD, uint32(bmod))
}

// Complete acknowledges a finished transfer. It reports whether the engine
// signaled transmit or receive completion.
func (e *Engine) Complete() bool {
	status := regs.IDSts(e.bus.Read32(e.layout.IDSTS))
	if status&(regs.IDStsTI|regs.IDStsRI) == 0 {
		return false
	}

	e.bus.Write32(e.layout.IDSTS,
		uint32(regs.IDStsTI|regs.IDStsRI|regs.IDStsNI))

	return true
}

// Teardown stops the engine, resets its bus logic and reinitializes the
// ring. Software owns every descriptor afterwards. It is idempotent.
func (e *Engine) Teardown() error {
	e.Stop()
	e.bus.Write32(regs.BMOD, uint32(regs.BModSWReset))

	if err := e.ring.Teardown(); err != nil {
		return err
	}

	e.writeBase()

	return nil
}
