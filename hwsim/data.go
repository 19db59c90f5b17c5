package hwsim

import (
	"encoding/binary"
	"log"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/tuning"
)

// xfer is the data phase the card is running.
type xfer struct {
	write    bool
	op       uint32
	arg      uint32
	total    uint32
	data     []byte
	sent     uint32
	failAt   int64
	failBits regs.Int
}

func (x *xfer) failed() bool {
	return x.failAt >= 0 && int64(x.sent) >= x.failAt
}

// limit returns how many bytes may move before the injected failure.
func (x *xfer) limit() uint32 {
	if x.failAt >= 0 && x.failAt < int64(x.total) {
		return uint32(x.failAt)
	}

	return x.total
}

func (d *Device) startData(op, arg uint32, write bool) {
	x := &xfer{
		write:  write,
		op:     op,
		arg:    arg,
		total:  d.regs[regs.BYTCNT],
		failAt: -1,
	}

	blksz := d.regs[regs.BLKSIZ]
	if f, ok := d.faults.takeData(); ok {
		x.failAt = int64(f.block)*int64(blksz) + int64(blksz/2)
		x.failBits = f.bits
		if x.failAt > int64(x.total) {
			x.failAt = int64(x.total)
		}
	}

	if write {
		x.data = make([]byte, 0, x.total)
	} else {
		x.data = d.readSource(x)
	}

	d.xfer = x
	d.regs[regs.TCBCNT] = 0

	switch {
	case d.dmaEnabled():
		d.schedule(d.runDMA)
	case write:
		d.raise(regs.IntTXDR)
	default:
		d.fillFIFO()
	}
}

func (d *Device) dmaEnabled() bool {
	ctrl := regs.Ctrl(d.regs[regs.CTRL])
	bmod := regs.BMod(d.regs[regs.BMOD])

	return ctrl.Has(regs.CtrlUseIDMAC|regs.CtrlDMAEnable) &&
		bmod&regs.BModEnable != 0
}

func (d *Device) readSource(x *xfer) []byte {
	switch x.op {
	case opReadSingle, opReadMultiple:
		b, err := d.card.Read(uint64(x.arg)*BlockSize, uint64(x.total))
		if err != nil {
			x.failAt = 0
			x.failBits = regs.IntDRTO
			return make([]byte, x.total)
		}
		return b
	case opTuning, opTuningHS200:
		return d.tuningBlock(x)
	case opIORWExtended:
		b, err := d.card.Read(uint64((x.arg>>9)&0x1ffff), uint64(x.total))
		if err == nil {
			return b
		}
	}

	return make([]byte, x.total)
}

func (d *Device) tuningBlock(x *xfer) []byte {
	width := 4
	if d.regs[regs.CTYPE]&regs.CTypeWidth8 != 0 {
		width = 8
	}

	pattern, err := tuning.Pattern(x.op, width)
	if err != nil {
		pattern = make([]byte, x.total)
	}

	block := make([]byte, x.total)
	copy(block, pattern)

	if !d.phasePasses() {
		block[len(block)/2] ^= 0xff
		x.failAt = int64(x.total)
		x.failBits = regs.IntDCRC
	}

	return block
}

func (d *Device) phasePasses() bool {
	m, ok := d.passMaps[d.drive]
	if !ok {
		return true
	}

	sel := regs.ClkSel(d.regs[d.layout.CLKSEL])
	phase := sel.Sample()
	if d.cfg.FinePhases {
		phase *= 2
		if sel.FineTune() {
			phase++
		}
	}

	return m&(1<<phase) != 0
}

func (d *Device) commit(x *xfer) {
	var err error

	switch x.op {
	case opWriteSingle, opWriteMultiple:
		err = d.card.Write(uint64(x.arg)*BlockSize, x.data)
	case opIORWExtended:
		err = d.card.Write(uint64((x.arg>>9)&0x1ffff), x.data)
	}

	if err != nil {
		log.Printf("hwsim: card write CMD%d: %v", x.op, err)
	}
}

// finishData ends the data phase and latches the outcome.
func (d *Device) finishData(x *xfer) {
	d.regs[regs.TCBCNT] = x.sent
	d.xfer = nil

	if x.failBits != 0 && x.failAt >= 0 {
		d.raise(x.failBits | regs.IntDataOver)
		return
	}

	if x.write {
		d.commit(x)
	}

	d.raise(regs.IntDataOver)
}

func (d *Device) dbaddr() uint64 {
	addr := uint64(d.regs[d.layout.DBADDRL])
	if d.layout.Addr64 {
		addr |= uint64(d.regs[d.layout.DBADDRU]) << 32
	}

	return addr
}

// runDMA walks the descriptor chain and moves the whole data phase.
func (d *Device) runDMA() {
	d.lock.Lock()
	defer d.lock.Unlock()

	x := d.xfer
	if x == nil || !d.dmaEnabled() {
		return
	}

	addr := d.dbaddr()
	limit := x.limit()

	for x.sent < limit {
		b, err := d.mem.Read(addr, d.format.Size())
		if err != nil {
			d.dmaAbort(x, regs.IDStsFBE)
			return
		}

		desc := d.format.Decode(b)
		if !desc.Flags.Has(idmac.FlagOWN) {
			d.dmaAbort(x, regs.IDStsDU)
			return
		}

		n := min(desc.Size, limit-x.sent)
		if err := d.moveDMA(x, desc.BufAddr, n); err != nil {
			d.dmaAbort(x, regs.IDStsFBE)
			return
		}

		if n < desc.Size {
			break
		}

		flags := d.format.Encode(idmac.Descriptor{Flags: desc.Flags &^ idmac.FlagOWN})
		if err := d.mem.Write(addr, flags[:4]); err != nil {
			d.dmaAbort(x, regs.IDStsFBE)
			return
		}

		if desc.Flags.Has(idmac.FlagLD) {
			break
		}

		if desc.Flags.Has(idmac.FlagCH) {
			addr = desc.NextAddr
		} else {
			addr += d.format.Size()
		}
	}

	if !x.failed() {
		if x.write {
			d.idsts |= regs.IDStsTI | regs.IDStsNI
		} else {
			d.idsts |= regs.IDStsRI | regs.IDStsNI
		}
	}

	d.finishData(x)
}

func (d *Device) moveDMA(x *xfer, buf uint64, n uint32) error {
	if x.write {
		b, err := d.mem.Read(buf, uint64(n))
		if err != nil {
			return err
		}

		x.data = append(x.data, b...)
	} else {
		if err := d.mem.Write(buf, x.data[x.sent:x.sent+n]); err != nil {
			return err
		}
	}

	x.sent += n

	return nil
}

func (d *Device) dmaAbort(x *xfer, cause regs.IDSts) {
	d.idsts |= cause | regs.IDStsAI
	x.failAt = int64(x.sent)
	x.failBits = regs.IntDRTO
	d.finishData(x)
}

// fillFIFO streams read data from the card into the FIFO.
func (d *Device) fillFIFO() {
	x := d.xfer
	if x == nil || x.write {
		return
	}

	limit := x.limit()
	for uint32(len(d.fifo)) < d.cfg.FIFODepth && x.sent < limit {
		word := make([]byte, fifoWidth)
		n := copy(word, x.data[x.sent:limit])
		d.fifo = append(d.fifo, binary.LittleEndian.Uint32(word))
		x.sent += uint32(n)
	}

	d.regs[regs.TCBCNT] = x.sent

	if len(d.fifo) > 0 {
		d.rintsts |= regs.IntRXDR
	}

	if x.sent == limit {
		d.finishData(x)
		return
	}

	d.schedule(func() {})
}

func (d *Device) popFIFO() uint32 {
	if len(d.fifo) == 0 {
		return 0
	}

	v := d.fifo[0]
	d.fifo = d.fifo[1:]

	if d.xfer != nil && !d.xfer.write {
		d.fillFIFO()
	}

	return v
}

func (d *Device) pushFIFO(v uint32) {
	x := d.xfer
	if x == nil || !x.write {
		return
	}

	d.fifo = append(d.fifo, v)

	received := uint32(len(x.data)) + uint32(len(d.fifo))*fifoWidth
	if uint32(len(d.fifo)) >= d.cfg.FIFODepth || received >= x.total {
		d.schedule(d.drainFIFO)
	}
}

// drainFIFO sends the words the host wrote to the card.
func (d *Device) drainFIFO() {
	d.lock.Lock()
	defer d.lock.Unlock()

	x := d.xfer
	if x == nil || !x.write || len(d.fifo) == 0 {
		return
	}

	limit := x.limit()
	for _, v := range d.fifo {
		var word [fifoWidth]byte
		binary.LittleEndian.PutUint32(word[:], v)

		n := min(uint32(fifoWidth), limit-x.sent)
		x.data = append(x.data, word[:n]...)
		x.sent += n

		if x.sent == limit {
			break
		}
	}
	d.fifo = nil
	d.regs[regs.TCBCNT] = x.sent

	if x.sent == limit {
		d.finishData(x)
		return
	}

	d.raise(regs.IntTXDR)
}
