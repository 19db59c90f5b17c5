package idmac

import (
	"errors"
	"fmt"
)

// ErrOversized is returned when a transfer needs more descriptors than the
// ring holds. Nothing is written to the ring in that case.
var ErrOversized = errors.New("transfer needs more descriptors than the ring holds")

// ErrEmpty is returned when a transfer has no bytes to move.
var ErrEmpty = errors.New("transfer has no data")

// Memory is where descriptors live. The DMA engine reads them from the same
// memory.
type Memory interface {
	Read(addr uint64, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// A Slice is one contiguous region of a transfer buffer.
type Slice struct {
	Addr uint64
	Len  uint32
}

// RingConfig describes where a ring lives and how big it is.
type RingConfig struct {
	Format     Format
	Base       uint64
	Capacity   int
	MaxSegment uint32
	Barrier    func()
}

// A Ring is a fixed-capacity circular list of descriptors stored in Memory.
//
// The ring keeps a software copy of every entry, indexed by position. Entries
// are never mutated in place between transfers: each Build rewrites the
// entries it needs, and Teardown rewrites the whole ring.
type Ring struct {
	mem   Memory
	cfg   RingConfig
	descs []Descriptor
	used  int
}

// NewRing creates a ring. Init must be called before the first Build.
func NewRing(mem Memory, cfg RingConfig) *Ring {
	if cfg.Capacity <= 0 {
		panic("ring capacity must be positive")
	}

	if cfg.MaxSegment == 0 || cfg.MaxSegment > MaxBufSize {
		panic(fmt.Sprintf("invalid max segment size %d", cfg.MaxSegment))
	}

	if cfg.Barrier == nil {
		cfg.Barrier = func() {}
	}

	return &Ring{
		mem:   mem,
		cfg:   cfg,
		descs: make([]Descriptor, cfg.Capacity),
	}
}

// Base returns the bus address of the first descriptor.
func (r *Ring) Base() uint64 { return r.cfg.Base }

// Capacity returns the number of descriptors in the ring.
func (r *Ring) Capacity() int { return r.cfg.Capacity }

// Used returns the number of descriptors the current transfer occupies.
func (r *Ring) Used() int { return r.used }

// Format returns the descriptor layout.
func (r *Ring) Format() Format { return r.cfg.Format }

func (r *Ring) addrOf(i int) uint64 {
	return r.cfg.Base + uint64(i)*r.cfg.Format.Size()
}

func (r *Ring) idle(i int) Descriptor {
	d := Descriptor{NextAddr: r.addrOf((i + 1) % r.cfg.Capacity)}
	if i == r.cfg.Capacity-1 {
		d.Flags = FlagER
	}

	return d
}

// Init links every descriptor to the next one and marks the end of the ring.
// All descriptors are owned by software afterwards.
func (r *Ring) Init() error {
	for i := range r.descs {
		r.descs[i] = r.idle(i)
		if err := r.write(i); err != nil {
			return err
		}
	}

	r.used = 0

	return nil
}

func (r *Ring) write(i int) error {
	return r.mem.Write(r.addrOf(i), r.cfg.Format.Encode(r.descs[i]))
}

func (r *Ring) writeFlags(i int) error {
	b := r.cfg.Format.Encode(Descriptor{Flags: r.descs[i].Flags})
	return r.mem.Write(r.addrOf(i), b[:bytesInWord])
}

// Count returns how many descriptors the slices need.
func (r *Ring) Count(slices []Slice) int {
	seg := uint64(r.cfg.MaxSegment)

	n := 0
	for _, s := range slices {
		n += int((uint64(s.Len) + seg - 1) / seg)
	}

	return n
}

// Build describes the slices in the ring and hands the descriptors to the
// hardware. Slices longer than the maximum segment are split. It returns the
// number of descriptors used.
//
// The first descriptor is marked FD and the last LD. Every descriptor but
// the last continues the chain without a completion interrupt. Ownership is
// granted from the last descriptor to the first, with a barrier before the
// first, so the engine never sees a partial chain.
func (r *Ring) Build(slices []Slice, sec *Security) (int, error) {
	n := r.Count(slices)
	if n == 0 {
		return 0, ErrEmpty
	}

	if n > r.cfg.Capacity {
		return 0, fmt.Errorf("%w: need %d, have %d",
			ErrOversized, n, r.cfg.Capacity)
	}

	r.fill(slices, sec)

	for i := 0; i < n; i++ {
		if err := r.write(i); err != nil {
			return 0, err
		}
	}

	r.cfg.Barrier()

	for i := n - 1; i > 0; i-- {
		r.descs[i].Flags |= FlagOWN
		if err := r.writeFlags(i); err != nil {
			return 0, err
		}
	}

	r.cfg.Barrier()

	r.descs[0].Flags |= FlagOWN
	if err := r.writeFlags(0); err != nil {
		return 0, err
	}

	r.used = n

	return n, nil
}

func (r *Ring) fill(slices []Slice, sec *Security) {
	i := 0
	for _, s := range slices {
		for off := uint64(0); off < uint64(s.Len); off += uint64(r.cfg.MaxSegment) {
			d := r.idle(i)
			d.Flags |= FlagCH | FlagDIC
			d.BufAddr = s.Addr + off
			d.Size = uint32(min(uint64(r.cfg.MaxSegment), uint64(s.Len)-off))

			if sec != nil {
				d.Security = *sec
			}

			r.descs[i] = d
			i++
		}
	}

	r.descs[0].Flags |= FlagFD
	r.descs[i-1].Flags |= FlagLD
	r.descs[i-1].Flags &^= FlagCH | FlagDIC
}

// Descriptors reads the descriptors of the current transfer back from
// memory.
func (r *Ring) Descriptors() ([]Descriptor, error) {
	size := r.cfg.Format.Size()
	res := make([]Descriptor, 0, r.used)

	for i := 0; i < r.used; i++ {
		b, err := r.mem.Read(r.addrOf(i), size)
		if err != nil {
			return nil, err
		}

		res = append(res, r.cfg.Format.Decode(b))
	}

	return res, nil
}

// Teardown returns every descriptor to software and restores the idle ring.
// Calling it again leaves the ring unchanged.
func (r *Ring) Teardown() error {
	return r.Init()
}
