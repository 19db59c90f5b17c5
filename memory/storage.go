// Package memory provides the host memory that DMA descriptors and data
// buffers live in.
package memory

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrOutOfRange is returned when an access reaches beyond the capacity.
var ErrOutOfRange = errors.New("accessing address beyond the storage capacity")

// A Storage is byte-addressable host memory shared between the driver and a
// bus-mastering device.
//
// The storage is managed in units, similar to pages. Units that are never
// touched are never allocated, so a large address space costs nothing until
// it is used. A Storage is safe for concurrent use.
type Storage struct {
	sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage with the given capacity and 4 KiB units.
func NewStorage(capacity uint64) *Storage {
	return NewStorageWithUnitSize(capacity, 4096)
}

// NewStorageWithUnitSize creates a storage with a custom unit size.
func NewStorageWithUnitSize(capacity, unitSize uint64) *Storage {
	if unitSize == 0 {
		panic("unit size must not be 0")
	}

	return &Storage{
		unitSize: unitSize,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the number of addressable bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unit(addr uint64) []byte {
	base := addr - addr%s.unitSize

	u, ok := s.data[base]
	if !ok {
		u = make([]byte, s.unitSize)
		s.data[base] = u
	}

	return u
}

func (s *Storage) checkRange(addr, length uint64) error {
	if addr+length > s.capacity || addr+length < addr {
		return ErrOutOfRange
	}

	return nil
}

// Read copies length bytes starting at addr.
func (s *Storage) Read(addr uint64, length uint64) ([]byte, error) {
	if err := s.checkRange(addr, length); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	res := make([]byte, length)
	done := uint64(0)

	for done < length {
		curr := addr + done
		offset := curr % s.unitSize
		n := min(s.unitSize-offset, length-done)

		copy(res[done:done+n], s.unit(curr)[offset:offset+n])
		done += n
	}

	return res, nil
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) error {
	length := uint64(len(data))
	if err := s.checkRange(addr, length); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	done := uint64(0)

	for done < length {
		curr := addr + done
		offset := curr % s.unitSize
		n := min(s.unitSize-offset, length-done)

		copy(s.unit(curr)[offset:offset+n], data[done:done+n])
		done += n
	}

	return nil
}

// ReadUint32 reads a little-endian 32-bit word.
func (s *Storage) ReadUint32(addr uint64) (uint32, error) {
	b, err := s.Read(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint32 writes a little-endian 32-bit word.
func (s *Storage) WriteUint32(addr uint64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return s.Write(addr, b)
}
