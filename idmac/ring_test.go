package idmac_test

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
)

type recordingMemory struct {
	*memory.Storage
	log []string
}

func (m *recordingMemory) Write(addr uint64, data []byte) error {
	entry := fmt.Sprintf("write 0x%x %d", addr, len(data))
	if len(data) == 4 {
		entry = fmt.Sprintf("flags 0x%x %s", addr,
			idmac.DescFlags(uint32(data[0])|uint32(data[1])<<8|
				uint32(data[2])<<16|uint32(data[3])<<24))
	}

	m.log = append(m.log, entry)

	return m.Storage.Write(addr, data)
}

func (m *recordingMemory) barrier() {
	m.log = append(m.log, "barrier")
}

func checkMarkers(descs []idmac.Descriptor) {
	for i, d := range descs {
		first := i == 0
		last := i == len(descs)-1

		Expect(d.Flags.Has(idmac.FlagFD)).To(Equal(first), "FD at %d", i)
		Expect(d.Flags.Has(idmac.FlagLD)).To(Equal(last), "LD at %d", i)
		Expect(d.Flags.Has(idmac.FlagOWN)).To(BeTrue(), "OWN at %d", i)

		if last {
			Expect(d.Flags & (idmac.FlagCH | idmac.FlagDIC)).To(BeZero())
		} else {
			Expect(d.Flags.Has(idmac.FlagCH | idmac.FlagDIC)).To(BeTrue())
		}
	}
}

var _ = Describe("Ring", func() {
	var (
		mem  *recordingMemory
		ring *idmac.Ring
	)

	BeforeEach(func() {
		mem = &recordingMemory{Storage: memory.NewStorage(1 << 20)}
		ring = idmac.NewRing(mem, idmac.RingConfig{
			Format:     idmac.Format32,
			Base:       0x1000,
			Capacity:   8,
			MaxSegment: 4096,
			Barrier:    mem.barrier,
		})
		Expect(ring.Init()).To(Succeed())
		mem.log = nil
	})

	It("should link the idle ring back to its base", func() {
		b, _ := mem.Read(0x1000+7*32, 32)
		last := idmac.Format32.Decode(b)

		Expect(last.Flags).To(Equal(idmac.FlagER))
		Expect(last.NextAddr).To(Equal(uint64(0x1000)))

		b, _ = mem.Read(0x1000, 32)
		Expect(idmac.Format32.Decode(b).NextAddr).To(Equal(uint64(0x1020)))
	})

	It("should mark a single descriptor both first and last", func() {
		n, err := ring.Build([]idmac.Slice{{Addr: 0x10000, Len: 512}}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		descs, _ := ring.Descriptors()
		Expect(descs[0].Flags).To(Equal(idmac.FlagOWN | idmac.FlagFD | idmac.FlagLD))
		Expect(descs[0].Size).To(Equal(uint32(512)))
	})

	It("should split slices at the segment size", func() {
		n, err := ring.Build([]idmac.Slice{
			{Addr: 0x10000, Len: 9000},
			{Addr: 0x40000, Len: 100},
		}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(4))

		descs, _ := ring.Descriptors()
		Expect(descs[0].BufAddr).To(Equal(uint64(0x10000)))
		Expect(descs[1].BufAddr).To(Equal(uint64(0x11000)))
		Expect(descs[2].BufAddr).To(Equal(uint64(0x12000)))
		Expect(descs[2].Size).To(Equal(uint32(808)))
		Expect(descs[3].BufAddr).To(Equal(uint64(0x40000)))
		checkMarkers(descs)
	})

	It("should keep markers and bytes for random slice lists", func() {
		r := rand.New(rand.NewSource(7))

		for round := 0; round < 50; round++ {
			Expect(ring.Teardown()).To(Succeed())

			slices := []idmac.Slice{}
			total := uint64(0)
			addr := uint64(0x20000)
			for i := 0; i < 1+r.Intn(4); i++ {
				l := uint32(1 + r.Intn(8000))
				slices = append(slices, idmac.Slice{Addr: addr, Len: l})
				addr += 0x10000
				total += uint64(l)
			}

			if ring.Count(slices) > ring.Capacity() {
				continue
			}

			_, err := ring.Build(slices, nil)
			Expect(err).ToNot(HaveOccurred())

			descs, _ := ring.Descriptors()
			checkMarkers(descs)

			sum := uint64(0)
			prev := uint64(0)
			for _, d := range descs {
				Expect(d.BufAddr).To(BeNumerically(">", prev))
				prev = d.BufAddr
				sum += uint64(d.Size)
			}
			Expect(sum).To(Equal(total))
		}
	})

	It("should reject oversized transfers before writing", func() {
		_, err := ring.Build([]idmac.Slice{{Addr: 0, Len: 4096*8 + 1}}, nil)

		Expect(err).To(MatchError(idmac.ErrOversized))
		Expect(mem.log).To(BeEmpty())
		Expect(ring.Used()).To(Equal(0))
	})

	It("should count slices close to 4 GiB without wrapping", func() {
		Expect(ring.Count([]idmac.Slice{{Addr: 0x10000, Len: 0xFFFFFFFC}})).
			To(Equal(1 << 20))

		_, err := ring.Build([]idmac.Slice{{Addr: 0x10000, Len: 0xFFFFFFFC}}, nil)
		Expect(err).To(MatchError(idmac.ErrOversized))

		_, err = ring.Build([]idmac.Slice{
			{Addr: 0x10000, Len: 512},
			{Addr: 0x20000, Len: 0xFFFFF800},
		}, nil)
		Expect(err).To(MatchError(idmac.ErrOversized))
		Expect(mem.log).To(BeEmpty())
		Expect(ring.Used()).To(Equal(0))
	})

	It("should reject empty transfers", func() {
		_, err := ring.Build([]idmac.Slice{{Addr: 0, Len: 0}}, nil)

		Expect(err).To(MatchError(idmac.ErrEmpty))
	})

	It("should grant ownership back to front with a barrier before the first", func() {
		_, err := ring.Build([]idmac.Slice{{Addr: 0x10000, Len: 3 * 4096}}, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(mem.log).To(Equal([]string{
			"write 0x1000 32",
			"write 0x1020 32",
			"write 0x1040 32",
			"barrier",
			"flags 0x1040 OWN|LD",
			"flags 0x1020 OWN|CH|DIC",
			"barrier",
			"flags 0x1000 OWN|FD|CH|DIC",
		}))
	})

	It("should tear down idempotently", func() {
		_, err := ring.Build([]idmac.Slice{{Addr: 0x10000, Len: 5000}}, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(ring.Teardown()).To(Succeed())
		once, _ := mem.Read(0x1000, 8*32)

		Expect(ring.Teardown()).To(Succeed())
		twice, _ := mem.Read(0x1000, 8*32)

		Expect(twice).To(Equal(once))
		Expect(ring.Used()).To(Equal(0))

		b, _ := mem.Read(0x1000, 32)
		Expect(idmac.Format32.Decode(b).Flags.Has(idmac.FlagOWN)).To(BeFalse())
	})

	It("should keep the end-of-ring marker when the ring is full", func() {
		_, err := ring.Build([]idmac.Slice{{Addr: 0x10000, Len: 8 * 4096}}, nil)
		Expect(err).ToNot(HaveOccurred())

		descs, _ := ring.Descriptors()
		Expect(descs).To(HaveLen(8))
		Expect(descs[7].Flags.Has(idmac.FlagER | idmac.FlagLD)).To(BeTrue())
		Expect(descs[7].NextAddr).To(Equal(uint64(0x1000)))
	})
})
