package host

import (
	"fmt"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/regs"
)

const dmaThreshold = 4

var burstSizes = []uint32{1, 4, 8, 16, 32, 64, 128, 256}

func (c *Controller) accessWidth() uint32 {
	return 1 << c.dataShift
}

// dmaEligible reports whether the data phase can run on the internal DMA
// controller. Short transfers and buffers not aligned to the FIFO access
// width go through the data register instead.
func (c *Controller) dmaEligible(data *Data) bool {
	if c.dma == nil {
		return false
	}

	width := c.accessWidth()
	if data.Len() < dmaThreshold ||
		data.BlockSize%width != 0 ||
		data.BlockSize < width {
		return false
	}

	for _, s := range data.Slices {
		if s.Addr%uint64(width) != 0 || s.Len%width != 0 {
			return false
		}
	}

	return true
}

// submitData stages a data phase before its command is sent.
func (c *Controller) submitData(t *transfer, data *Data) {
	data.BytesXfered = 0
	data.Err = nil
	c.dataStatus.Store(0)

	c.bus.Write32(regs.TMOUT, 0xffffffff)
	c.bus.Write32(regs.BYTCNT, data.Len())
	c.bus.Write32(regs.BLKSIZ, data.BlockSize)

	if t.ciuBusy == nil {
		t.ciuBusy = c.gov.MarkInProgress(clockgate.CIU)
	}

	if c.dmaEligible(data) {
		err := c.startDMA(data)
		if err == nil {
			t.dma = true
			return
		}

		c.logf("DMA setup failed, falling back to PIO: %v", err)
	}

	t.dma = false
	c.startPIO(t, data)
}

func (c *Controller) startDMA(data *Data) error {
	c.adjustFIFOTH(data.BlockSize)

	mask := regs.Int(c.bus.Read32(regs.INTMASK))
	mask &^= regs.IntRXDR | regs.IntTXDR
	c.bus.Write32(regs.INTMASK, uint32(mask))

	_, err := c.dma.Start(data.Slices, data.Security)

	return err
}

func (c *Controller) startPIO(t *transfer, data *Data) {
	ctrl := regs.Ctrl(c.bus.Read32(regs.CTRL))
	ctrl &^= regs.CtrlDMAEnable | regs.CtrlUseIDMAC
	c.bus.Write32(regs.CTRL, uint32(ctrl))

	c.bus.Write32(regs.FIFOTH, c.fifoth)

	mask := regs.Int(c.bus.Read32(regs.INTMASK))
	mask |= regs.IntRXDR | regs.IntTXDR
	c.bus.Write32(regs.INTMASK, uint32(mask))

	t.pio = newPIOState(c.mem, c, data, int(c.accessWidth()))
}

// adjustFIFOTH picks the largest DMA burst that divides both the block and
// the free part of the FIFO at the transmit watermark.
func (c *Controller) adjustFIFOTH(blockSize uint32) {
	width := c.accessWidth()
	txWmark := c.fifoDepth / 2
	txWmarkInvers := c.fifoDepth - txWmark

	msize := uint32(0)
	rxWmark := uint32(1)

	if blockSize%width == 0 {
		blockDepth := blockSize / width
		for idx := len(burstSizes) - 1; idx > 0; idx-- {
			if blockDepth%burstSizes[idx] == 0 &&
				txWmarkInvers%burstSizes[idx] == 0 {
				msize = uint32(idx)
				rxWmark = burstSizes[idx] - 1
				break
			}
		}
	}

	c.bus.Write32(regs.FIFOTH, regs.FIFOTHValue(msize, rxWmark, txWmark))
}

// stopData halts the data engine of the transfer. Calling it again does
// nothing harmful.
func (c *Controller) stopData(t *transfer) {
	if t.dma {
		if err := c.dma.Teardown(); err != nil {
			c.logf("DMA teardown: %v", err)
		}
		c.waitReset(regs.CtrlDMAReset)
	}

	t.pio = nil
	t.ciuBusy.Release()
	t.ciuBusy = nil
}

// dataComplete records the outcome of the data phase from the latched data
// status.
func (c *Controller) dataComplete(t *transfer) {
	data := t.req.Data
	status := regs.Int(c.dataStatus.Load())

	if !status.Any(regs.IntDataError) {
		data.BytesXfered = data.Len()
		data.Err = nil
		return
	}

	xfered := c.bus.Read32(regs.TCBCNT)
	data.BytesXfered = xfered / data.BlockSize * data.BlockSize

	switch {
	case status.Any(regs.IntDRTO):
		data.Err = fmt.Errorf("data %s: %w", data.Dir, ErrTimeout)
		t.req.Cmd.Err = fmt.Errorf("%s data: %w", t.req.Cmd, ErrTimeout)
	case status.Any(regs.IntDCRC):
		data.Err = fmt.Errorf("data %s: %w", data.Dir, ErrCRC)
	case status.Any(regs.IntEBE) && data.Dir == Write:
		// No CRC status came back, so the count is not trustworthy.
		data.BytesXfered = 0
		data.Err = fmt.Errorf("write CRC status: %w", ErrTimeout)
	case status.Any(regs.IntEBE):
		data.Err = fmt.Errorf("end bit: %w", ErrIO)
	case status.Any(regs.IntSBE):
		data.Err = fmt.Errorf("start bit (status %s): %w", status, ErrIO)
	default:
		data.Err = fmt.Errorf("FIFO (status %s): %w", status, ErrIO)
	}

	c.logf("%s: %v", t.req, data.Err)
	c.resetFIFO()
	c.resetCIU()
}
