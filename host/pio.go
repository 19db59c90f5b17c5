package host

import (
	"encoding/binary"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/regs"
)

// dataPort is the FIFO data register.
type dataPort interface {
	fifoCount() uint32
	fifoSpace() uint32
	pushWord(word []byte)
	pullWord(word []byte)
}

// pioState moves a data phase through the data register. The FIFO is
// accessed in whole words; bytes that do not fill a word wait in a partial
// buffer until the next chunk arrives, or are flushed padded once the last
// byte of the transfer has been taken.
type pioState struct {
	mem    idmac.Memory
	port   dataPort
	dir    Direction
	width  int
	slices []idmac.Slice
	total  uint32

	sg    int
	off   uint32
	moved uint32
	done  bool
	err   error

	part      []byte
	partStart int
	partCount int
	flushes   int
}

func newPIOState(
	mem idmac.Memory,
	port dataPort,
	data *Data,
	width int,
) *pioState {
	return &pioState{
		mem:    mem,
		port:   port,
		dir:    data.Dir,
		width:  width,
		slices: data.Slices,
		total:  data.Len(),
		part:   make([]byte, width),
	}
}

// chunk returns the next piece of the current slice, at most max bytes.
func (p *pioState) chunk(max int) (uint64, int) {
	for p.sg < len(p.slices) && p.off == p.slices[p.sg].Len {
		p.sg++
		p.off = 0
	}

	if p.sg == len(p.slices) {
		return 0, 0
	}

	s := p.slices[p.sg]
	n := int(s.Len - p.off)
	if n > max {
		n = max
	}

	return s.Addr + uint64(p.off), n
}

func (p *pioState) advance(n int) {
	p.off += uint32(n)
	p.moved += uint32(n)
}

// write fills the FIFO from memory as far as it has room.
func (p *pioState) write() error {
	for p.moved < p.total {
		space := int(p.port.fifoSpace())*p.width - p.partCount
		if space <= 0 {
			return nil
		}

		addr, n := p.chunk(space)
		if n == 0 {
			return nil
		}

		buf, err := p.mem.Read(addr, uint64(n))
		if err != nil {
			return err
		}

		p.push(buf)
		p.advance(n)
	}

	return nil
}

func (p *pioState) push(buf []byte) {
	last := p.moved+uint32(len(buf)) == p.total

	if p.partCount > 0 {
		n := copy(p.part[p.partCount:], buf)
		p.partCount += n
		buf = buf[n:]

		if p.partCount == p.width {
			p.port.pushWord(p.part)
			p.partCount = 0
		}
	}

	for len(buf) >= p.width {
		p.port.pushWord(buf[:p.width])
		buf = buf[p.width:]
	}

	if len(buf) > 0 {
		p.partCount = copy(p.part, buf)
	}

	if last && p.partCount > 0 {
		for i := p.partCount; i < p.width; i++ {
			p.part[i] = 0
		}

		p.port.pushWord(p.part)
		p.partCount = 0
		p.flushes++
	}
}

// read drains what the FIFO holds into memory.
func (p *pioState) read() error {
	for p.moved < p.total {
		avail := int(p.port.fifoCount())*p.width + p.partCount
		if avail <= 0 {
			return nil
		}

		addr, n := p.chunk(avail)
		if n == 0 {
			return nil
		}

		buf := make([]byte, n)
		p.pull(buf)

		if err := p.mem.Write(addr, buf); err != nil {
			return err
		}

		p.advance(n)
	}

	return nil
}

func (p *pioState) pull(buf []byte) {
	i := 0

	if p.partCount > 0 {
		n := copy(buf, p.part[p.partStart:p.partStart+p.partCount])
		p.partStart += n
		p.partCount -= n
		i = n
	}

	for len(buf)-i >= p.width {
		p.port.pullWord(buf[i : i+p.width])
		i += p.width
	}

	if i < len(buf) {
		p.port.pullWord(p.part)
		n := copy(buf[i:], p.part)
		p.partStart = n
		p.partCount = p.width - n
	}
}

// pump moves data when the FIFO signaled room or data, or when the card
// finished sending. It reports whether anything happened.
func (c *Controller) pump(t *transfer) bool {
	p := t.pio
	if p == nil || p.done {
		return false
	}

	ready := c.events.TestAndClear(EventFIFOReady)
	over := c.events.Test(EventDataComplete)
	if !ready && !over {
		return false
	}

	var err error
	if p.dir == Read {
		err = p.read()
	} else {
		err = p.write()
	}

	if err != nil {
		p.err = err
	}

	if err != nil || p.moved == p.total || (p.dir == Read && over) {
		p.done = true
		c.events.Set(EventXferComplete)
	}

	return true
}

func (c *Controller) fifoCount() uint32 {
	return regs.Status(c.bus.Read32(regs.STATUS)).FIFOCount()
}

func (c *Controller) fifoSpace() uint32 {
	n := c.fifoCount()
	if n >= c.fifoDepth {
		return 0
	}

	return c.fifoDepth - n
}

func (c *Controller) pushWord(word []byte) {
	switch len(word) {
	case 2:
		c.bus.Write32(c.dataOffset, uint32(binary.LittleEndian.Uint16(word)))
	case 4:
		c.bus.Write32(c.dataOffset, binary.LittleEndian.Uint32(word))
	case 8:
		c.bus.Write32(c.dataOffset, binary.LittleEndian.Uint32(word[:4]))
		c.bus.Write32(c.dataOffset+4, binary.LittleEndian.Uint32(word[4:]))
	}
}

func (c *Controller) pullWord(word []byte) {
	switch len(word) {
	case 2:
		binary.LittleEndian.PutUint16(word, uint16(c.bus.Read32(c.dataOffset)))
	case 4:
		binary.LittleEndian.PutUint32(word, c.bus.Read32(c.dataOffset))
	case 8:
		binary.LittleEndian.PutUint32(word[:4], c.bus.Read32(c.dataOffset))
		binary.LittleEndian.PutUint32(word[4:], c.bus.Read32(c.dataOffset+4))
	}
}
