package host

import (
	"context"
	"fmt"
	"time"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/regs"
)

// Timing is the bus timing mode.
type Timing int

// Timing modes.
const (
	TimingLegacy Timing = iota
	TimingHS
	TimingUHSSDR104
	TimingUHSDDR50
	TimingHS200
	TimingHS400
)

func (t Timing) ddr() bool {
	return t == TimingUHSDDR50 || t == TimingHS400
}

// IOS is the bus setting requested by the card layer.
type IOS struct {
	Clock    uint32 // card clock in Hz, 0 to leave it unchanged
	BusWidth int    // 1, 4 or 8
	Timing   Timing
	PowerUp  bool // send the initialization sequence with the next command
}

type iosJob struct {
	ios  IOS
	done chan error
}

const allInterrupts = 0xffffffff

func (c *Controller) defaultIntMask() regs.Int {
	return regs.IntCmdDone | regs.IntDataOver | regs.IntTXDR | regs.IntRXDR |
		regs.IntError | regs.IntCD
}

// initHardware resets the controller and programs its static configuration.
func (c *Controller) initHardware() error {
	clocks, err := c.gov.AcquireAll()
	if err != nil {
		return err
	}
	defer clocks.Release()

	if !c.waitReset(regs.CtrlAllReset) {
		return fmt.Errorf("controller reset timed out")
	}

	c.dataOffset = regs.DataOffset(c.bus.Read32(regs.VERID))

	c.dataShift = c.Spec.DataShift
	if c.dataShift == 0 {
		c.dataShift = regs.HconDataShift(c.bus.Read32(regs.HCON))
	}

	c.fifoDepth = c.Spec.FIFODepth
	if c.fifoDepth == 0 {
		c.fifoDepth = (c.bus.Read32(regs.FIFOTH)>>16)&0xfff + 1
	}

	c.fifoth = regs.FIFOTHValue(2, c.fifoDepth/2-1, c.fifoDepth/2)
	c.bus.Write32(regs.FIFOTH, c.fifoth)
	c.bus.Write32(regs.TMOUT, 0xffffffff)

	if c.dma != nil {
		if !regs.HconHasIDMAC(c.bus.Read32(regs.HCON)) {
			c.logf("no internal DMA controller, using PIO")
			c.dma = nil
		} else if err := c.dma.Init(); err != nil {
			return fmt.Errorf("DMA init: %w", err)
		}
	}

	c.bus.Write32(regs.RINTSTS, allInterrupts)
	c.bus.Write32(regs.INTMASK, uint32(c.defaultIntMask()))

	ctrl := regs.Ctrl(c.bus.Read32(regs.CTRL))
	c.bus.Write32(regs.CTRL, uint32(ctrl|regs.CtrlIntEnable))

	present := true
	if !c.Spec.Quirks.Has(QuirkBrokenCardDetection) {
		present = c.bus.Read32(regs.CDETECT)&1 == 0
	}

	c.present.Store(present)
	c.lastPresent = present
	c.needInit = true

	c.lock.Lock()
	c.status.Present = present
	c.lock.Unlock()

	return nil
}

// waitReset sets reset bits in CTRL and waits for the hardware to clear
// them.
func (c *Controller) waitReset(bits regs.Ctrl) bool {
	mask := c.bus.Read32(regs.INTMASK)
	ctrl := regs.Ctrl(c.bus.Read32(regs.CTRL))

	c.bus.Write32(regs.INTMASK, 0)
	c.bus.Write32(regs.CTRL, uint32(ctrl&^regs.CtrlIntEnable|bits))
	c.bus.Write32(regs.RINTSTS, allInterrupts)
	c.bus.Write32(regs.INTMASK, mask)

	ok := c.poll(c.Spec.ResetTimeout, func() bool {
		return regs.Ctrl(c.bus.Read32(regs.CTRL))&bits == 0
	})

	now := regs.Ctrl(c.bus.Read32(regs.CTRL))
	if ctrl.Has(regs.CtrlIntEnable) {
		c.bus.Write32(regs.CTRL, uint32(now|regs.CtrlIntEnable))
	}

	if !ok {
		c.logf("timeout resetting block (ctrl %s)", now)
	}

	return ok
}

// poll calls cond until it holds or the window passes.
func (c *Controller) poll(window time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(window)

	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(c.Spec.PollInterval)
	}
}

// resetFIFO empties the FIFO and drops raw interrupts nobody will handle.
func (c *Controller) resetFIFO() bool {
	if !c.waitReset(regs.CtrlFIFOReset) {
		return false
	}

	raw := c.bus.Read32(regs.RINTSTS) &^ c.bus.Read32(regs.MINTSTS)
	if raw != 0 {
		c.bus.Write32(regs.RINTSTS, raw)
	}

	return true
}

// resetCIU resets the card interface and tells it the clock again.
func (c *Controller) resetCIU() {
	c.waitReset(regs.CtrlReset)

	c.poll(c.Spec.BusyTimeout, func() bool {
		return !regs.Status(c.bus.Read32(regs.STATUS)).Busy()
	})

	c.updateClock()
}

// resetAll resets the whole controller and the DMA engine.
func (c *Controller) resetAll() {
	c.waitReset(regs.CtrlAllReset)

	if c.dma != nil {
		if err := c.dma.Teardown(); err != nil {
			c.logf("DMA teardown: %v", err)
		}
	}

	c.updateClock()
}

// updateClock makes the card interface latch the clock registers.
func (c *Controller) updateClock() bool {
	mask := c.bus.Read32(regs.INTMASK)
	c.bus.Write32(regs.INTMASK, 0)
	defer c.bus.Write32(regs.INTMASK, mask)

	for retry := 0; retry < c.Spec.ClockRetries; retry++ {
		c.bus.Barrier()
		c.bus.Write32(regs.CMD,
			uint32(regs.CmdStart|regs.CmdUpdClk|regs.CmdPrvDatWait))

		locked := false
		ok := c.poll(c.Spec.ClockUpdateWindow, func() bool {
			if !regs.Cmd(c.bus.Read32(regs.CMD)).Has(regs.CmdStart) {
				return true
			}

			if regs.Int(c.bus.Read32(regs.RINTSTS)).Any(regs.IntHLE) {
				c.bus.Write32(regs.RINTSTS, uint32(regs.IntHLE))
				locked = true
				return true
			}

			return false
		})

		if ok && !locked {
			return true
		}

		c.waitReset(regs.CtrlReset)
	}

	c.logf("timeout updating clock (cmd %s)", regs.Cmd(c.bus.Read32(regs.CMD)))

	return false
}

// waitNotBusy waits until the card releases the data lines. Between tries
// the card interface is reset. When the card never lets go the whole
// controller is reset and ErrTimeout is returned.
func (c *Controller) waitNotBusy(ctx context.Context) error {
	for try := 0; try < c.Spec.BusyRetries; try++ {
		ok := c.poll(c.Spec.BusyTimeout, func() bool {
			return ctx.Err() != nil ||
				!regs.Status(c.bus.Read32(regs.STATUS)).Busy()
		})

		if err := ctx.Err(); err != nil {
			return err
		}

		if ok {
			return nil
		}

		c.logf("card busy, resetting (try %d)", try+1)
		c.waitReset(regs.CtrlReset | regs.CtrlFIFOReset)
		c.updateClock()
	}

	c.resetAll()

	return fmt.Errorf("card stayed busy: %w", ErrTimeout)
}

// clockDivider returns the CLKDIV value for a card clock. The card clock is
// bus_hz / (2 * div), or bus_hz itself when div is 0.
func clockDivider(busHz, clock uint32) uint32 {
	if busHz == clock {
		return 0
	}

	div := busHz / clock
	if busHz%clock != 0 && busHz > clock {
		div++
	}

	div = (div + 1) / 2
	if div > 0xff {
		div = 0xff
	}

	return div
}

// setupBus programs the card clock and the bus width.
func (c *Controller) setupBus(ios IOS) {
	if ios.Clock != 0 && ios.Clock != c.curSpeed {
		div := clockDivider(c.Spec.BusHz, ios.Clock)

		actual := c.Spec.BusHz
		if div != 0 {
			actual = c.Spec.BusHz / div / 2
		}

		c.logf("bus speed = %dHz (req %dHz, actual %dHz, div = %d)",
			c.Spec.BusHz, ios.Clock, actual, div)

		c.bus.Write32(regs.CLKENA, 0)
		c.bus.Write32(regs.CLKSRC, 0)
		c.updateClock()

		c.bus.Write32(regs.CLKDIV, div)
		c.updateClock()

		clkena := regs.ClkEnable
		if !regs.Int(c.bus.Read32(regs.INTMASK)).Any(regs.IntSDIO(0)) {
			clkena |= regs.ClkLowPwr
		}
		c.bus.Write32(regs.CLKENA, uint32(clkena))
		c.updateClock()

		c.curSpeed = ios.Clock
	}

	switch ios.BusWidth {
	case 8:
		c.bus.Write32(regs.CTYPE, regs.CTypeWidth8)
	case 4:
		c.bus.Write32(regs.CTYPE, regs.CTypeWidth4)
	default:
		c.bus.Write32(regs.CTYPE, regs.CTypeWidth1)
	}
}

// applyIOS runs a bus setting job on the worker.
func (c *Controller) applyIOS(ios IOS) error {
	switch {
	case ios.BusWidth == 8 && !c.Spec.Caps.Has(Cap8BitData),
		ios.BusWidth == 4 && !c.Spec.Caps.Has(Cap4BitData):
		return fmt.Errorf("%d-bit bus not supported", ios.BusWidth)
	case ios.BusWidth != 1 && ios.BusWidth != 4 && ios.BusWidth != 8:
		return fmt.Errorf("invalid bus width %d", ios.BusWidth)
	case ios.Timing.ddr() && !c.Spec.Caps.Has(CapDDR):
		return fmt.Errorf("DDR timing not supported")
	}

	biu, err := c.gov.Acquire(clockgate.BIU)
	if err != nil {
		return err
	}
	defer biu.Release()

	uhs := c.bus.Read32(regs.UHSREG)
	if ios.Timing.ddr() {
		uhs |= regs.UHSDDR
	} else {
		uhs &^= regs.UHSDDR
	}
	if c.Spec.Caps.Has(CapUHS) {
		uhs |= 1
	}
	c.bus.Write32(regs.UHSREG, uhs)

	if ios.Timing == TimingHS400 {
		c.bus.Write32(regs.CDTHRCTL, 512<<16|1)
	}

	ciu, err := c.gov.Acquire(clockgate.CIU)
	if err != nil {
		return err
	}
	defer ciu.Release()

	if ios.Clock != 0 {
		if err := c.waitNotBusy(c.ctx); err != nil {
			return err
		}
	}

	c.setupBus(ios)

	if ios.PowerUp {
		c.needInit = true
	}

	c.ios = ios

	c.lock.Lock()
	c.status.IOS = ios
	c.lock.Unlock()

	return nil
}

// SetIOS changes the bus clock, width and timing. It is serialized with
// requests: it runs once every request submitted before it has completed.
func (c *Controller) SetIOS(ctx context.Context, ios IOS) error {
	job := &iosJob{ios: ios, done: make(chan error, 1)}

	c.lock.Lock()
	if !c.running.Load() {
		c.lock.Unlock()
		return ErrStopped
	}

	if !c.queue.CanPush() {
		c.lock.Unlock()
		return ErrQueueFull
	}

	c.queue.Push(job)
	c.status.Queued = c.queue.Size()
	c.lock.Unlock()

	c.kick()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IOS returns the bus setting last applied.
func (c *Controller) IOS() IOS {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.status.IOS
}
