package host

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
)

type fakePort struct {
	depth  int
	width  int
	words  [][]byte
	pulled int
}

func (p *fakePort) fifoCount() uint32 { return uint32(len(p.words)) }

func (p *fakePort) fifoSpace() uint32 { return uint32(p.depth - len(p.words)) }

func (p *fakePort) pushWord(word []byte) {
	p.words = append(p.words, append([]byte(nil), word...))
}

func (p *fakePort) pullWord(word []byte) {
	copy(word, p.words[0])
	p.words = p.words[1:]
	p.pulled++
}

func (p *fakePort) bytes() []byte {
	var b []byte
	for _, w := range p.words {
		b = append(b, w...)
	}

	return b
}

var _ = Describe("PIO", func() {
	var (
		mem  *memory.Storage
		port *fakePort
	)

	BeforeEach(func() {
		mem = memory.NewStorage(1 << 16)
		port = &fakePort{depth: 64, width: 4}
	})

	It("should flush a trailing partial word exactly once", func() {
		Expect(mem.Write(0x100, []byte{1, 2, 3})).To(Succeed())
		Expect(mem.Write(0x200, []byte{4, 5, 6})).To(Succeed())

		data := &Data{
			Dir:       Write,
			BlockSize: 6,
			Blocks:    1,
			Slices: []idmac.Slice{
				{Addr: 0x100, Len: 3},
				{Addr: 0x200, Len: 3},
			},
		}
		p := newPIOState(mem, port, data, 4)

		Expect(p.write()).To(Succeed())
		Expect(p.write()).To(Succeed())

		Expect(p.flushes).To(Equal(1))
		Expect(p.moved).To(Equal(uint32(6)))
		Expect(port.bytes()).To(Equal([]byte{1, 2, 3, 4, 5, 6, 0, 0}))
	})

	It("should not flush when the transfer ends on a word boundary", func() {
		Expect(mem.Write(0x100, []byte{1, 2, 3, 4, 5, 6, 7, 8})).To(Succeed())

		data := &Data{
			Dir:       Write,
			BlockSize: 8,
			Blocks:    1,
			Slices:    []idmac.Slice{{Addr: 0x100, Len: 8}},
		}
		p := newPIOState(mem, port, data, 4)

		Expect(p.write()).To(Succeed())

		Expect(p.flushes).To(BeZero())
		Expect(port.words).To(HaveLen(2))
	})

	It("should stop writing when the FIFO is full", func() {
		port.depth = 2
		Expect(mem.Write(0x100, make([]byte, 16))).To(Succeed())

		data := &Data{
			Dir:       Write,
			BlockSize: 16,
			Blocks:    1,
			Slices:    []idmac.Slice{{Addr: 0x100, Len: 16}},
		}
		p := newPIOState(mem, port, data, 4)

		Expect(p.write()).To(Succeed())
		Expect(p.moved).To(Equal(uint32(8)))

		port.words = nil
		Expect(p.write()).To(Succeed())
		Expect(p.moved).To(Equal(uint32(16)))
	})

	It("should carry a split word across slices on read", func() {
		port.pushWord([]byte{1, 2, 3, 4})
		port.pushWord([]byte{5, 6, 7, 8})

		data := &Data{
			Dir:       Read,
			BlockSize: 8,
			Blocks:    1,
			Slices: []idmac.Slice{
				{Addr: 0x100, Len: 3},
				{Addr: 0x200, Len: 5},
			},
		}
		p := newPIOState(mem, port, data, 4)

		Expect(p.read()).To(Succeed())

		Expect(p.moved).To(Equal(uint32(8)))
		Expect(port.pulled).To(Equal(2))

		a, _ := mem.Read(0x100, 3)
		b, _ := mem.Read(0x200, 5)
		Expect(a).To(Equal([]byte{1, 2, 3}))
		Expect(b).To(Equal([]byte{4, 5, 6, 7, 8}))
	})
})
