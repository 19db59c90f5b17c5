// Package tuning calibrates the sampling phase of a high-speed card bus.
package tuning

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrNoWindow means no run of passing phases is wide enough.
	ErrNoWindow = errors.New("no passing phase window")
	// ErrInconclusive means every phase passed, so the map cannot tell a
	// robust phase from a marginal one.
	ErrInconclusive = errors.New("all phases pass, tuning is inconclusive")
)

// A Map has one bit per sampling phase. Bit p is set when phase p passed.
type Map uint32

// String prints the map with phase 0 as the rightmost bit.
func (m Map) String() string {
	return fmt.Sprintf("0b%b", uint32(m))
}

// Passing returns the number of passing phases.
func (m Map) Passing() int {
	return bits.OnesCount32(uint32(m))
}

// SearchOptions controls how Select reads a map.
type SearchOptions struct {
	// Phases is the size of the phase space, 8 or 16.
	Phases int

	// Narrow is set when the card clock runs at half the sampling clock.
	// Phase p and p+Phases/2 then sample the same point, and the map is
	// folded onto Phases/2 phases before the search.
	Narrow bool

	// EnableShift disables the fold of a narrow map.
	EnableShift bool

	// ExtraTuning lets an 8-phase narrow search fall back to a pair of
	// adjacent passing phases.
	ExtraTuning bool

	// ForceDefault makes an all-pass map select DefaultPhase instead of
	// failing.
	ForceDefault bool
}

// DefaultPhase returns the mid-range phase chosen for an all-pass map.
func DefaultPhase(phases int) int {
	return phases / 2
}

// Widths returns the window widths searched, widest first.
func Widths(phases int, narrow bool) []int {
	switch {
	case phases == 8 && narrow:
		return []int{3}
	case phases == 8:
		return []int{7, 5, 3}
	case phases == 16 && narrow:
		return []int{7, 5, 4, 3}
	case phases == 16:
		return []int{13, 11, 9, 7, 5, 4, 3}
	}

	widths := []int{}
	for w := phases - 1; w >= 3; w -= 2 {
		widths = append(widths, w)
	}

	return widths
}

func fold(m Map, phases int) Map {
	half := phases / 2
	low := Map(1)<<half - 1

	return m & (m >> half) & low
}

// Select picks the most robust phase in the map.
//
// Phases form a ring, so the map is doubled before searching to let a
// window wrap from the last phase to phase 0. Windows are tried widest
// first. Among windows of the same width the lowest starting phase wins. The
// selected phase is the middle of the window, rounded toward its start.
func Select(m Map, opts SearchOptions) (int, error) {
	n := opts.Phases
	if n <= 0 || n > 16 {
		return 0, fmt.Errorf("unsupported phase count %d", n)
	}

	full := Map(1)<<n - 1
	m &= full

	if m == full {
		if opts.ForceDefault {
			return DefaultPhase(n), nil
		}

		return 0, ErrInconclusive
	}

	space := n
	if opts.Narrow && !opts.EnableShift {
		m = fold(m, n)
		space = n / 2
	}

	if phase, ok := searchWindows(m, space, Widths(n, opts.Narrow)); ok {
		return phase, nil
	}

	if n == 8 && opts.Narrow && opts.ExtraTuning {
		if phase, ok := pairFallback(m); ok {
			return phase, nil
		}
	}

	return 0, ErrNoWindow
}

func searchWindows(m Map, space int, widths []int) (int, bool) {
	doubled := uint64(m) | uint64(m)<<space

	for _, w := range widths {
		if w >= space {
			continue
		}

		mask := uint64(1)<<w - 1
		for start := 0; start < space; start++ {
			if (doubled>>start)&mask == mask {
				return (start + (w-1)/2) % space, true
			}
		}
	}

	return 0, false
}

func pairFallback(m Map) (int, bool) {
	switch {
	case m&0x3 == 0x3:
		return 0, true
	case m&0xc == 0xc:
		return 3, true
	case m&0x6 == 0x6:
		return 2, true
	}

	return 0, false
}
