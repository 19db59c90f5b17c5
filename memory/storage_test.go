package memory_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/memory"
)

var _ = Describe("Storage", func() {
	It("should read and write in single unit", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.Write(0, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(0, 2)
		Expect(res).To(Equal([]byte{1, 2}))

		res, _ = storage.Read(1, 2)
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across units", func() {
		storage := memory.NewStorage(8192)
		Expect(storage.Write(4094, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(4094, 4)
		Expect(res).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should read zeros from untouched memory", func() {
		storage := memory.NewStorageWithUnitSize(1024, 64)

		res, err := storage.Read(100, 3)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal([]byte{0, 0, 0}))
	})

	It("should return error if accessing over the capacity", func() {
		storage := memory.NewStorage(4096)
		err := storage.Write(4096, []byte{1})
		Expect(err).To(MatchError(memory.ErrOutOfRange))

		_, err = storage.Read(4095, 2)
		Expect(err).To(MatchError(memory.ErrOutOfRange))
	})

	It("should store little-endian words", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.WriteUint32(8, 0x80000014)).To(Succeed())

		b, _ := storage.Read(8, 4)
		Expect(b).To(Equal([]byte{0x14, 0, 0, 0x80}))

		v, err := storage.ReadUint32(8)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(0x80000014)))
	})

	It("should allow concurrent access", func() {
		storage := memory.NewStorage(1 << 16)
		wg := sync.WaitGroup{}

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				addr := uint64(i * 4096)
				_ = storage.WriteUint32(addr, uint32(i))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			v, _ := storage.ReadUint32(uint64(i * 4096))
			Expect(v).To(Equal(uint32(i)))
		}
	})
})
