package host

import (
	"fmt"
	"time"

	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/tuning"
)

// Caps are the bus capabilities a host is wired for.
type Caps uint32

// Capabilities.
const (
	Cap4BitData Caps = 1 << iota
	Cap8BitData
	CapUHS
	CapHS200
	CapDDR
	CapSDIOIRQ
)

// Has reports whether all capabilities in f are set.
func (c Caps) Has(f Caps) bool { return c&f == f }

// Quirks are deviations of a controller instance from the databook.
type Quirks uint32

// Quirks.
const (
	// QuirkBrokenCardDetection means the card-detect line is not wired. The
	// card is treated as always present.
	QuirkBrokenCardDetection Quirks = 1 << iota

	// QuirkNoDetectEBit means end-bit errors are not reported on reads.
	QuirkNoDetectEBit
)

// Has reports whether all quirks in f are set.
func (q Quirks) Has(f Quirks) bool { return q&f == f }

// Spec holds immutable configuration values for the controller.
type Spec struct {
	// Clocks and FIFO
	BusHz     uint32 // CIU source clock
	FIFODepth uint32 // in FIFO words, 0 to read it from FIFOTH at start
	DataShift uint   // log2 of the FIFO access width, 0 to read it from HCON

	// DMA
	UseDMA         bool
	DescFormat     idmac.Format
	RingBase       uint64
	RingCapacity   int
	MaxSegmentSize uint32

	// Tuning
	Tuning        tuning.Config
	TuningBufAddr uint64

	Caps   Caps
	Quirks Quirks

	QueueDepth     int
	CommandRetries int // transparent retries of a timed out CMD23 or CMD21

	// Timeouts
	RequestTimeout    time.Duration
	TuningTimeout     time.Duration
	ResetTimeout      time.Duration
	BusyTimeout       time.Duration
	BusyRetries       int
	ClockUpdateWindow time.Duration
	ClockRetries      int
	PollInterval      time.Duration
}

// Validate checks that the values are usable.
func (s Spec) Validate() error {
	if s.BusHz == 0 {
		return fmt.Errorf("bus clock must be > 0")
	}

	if s.FIFODepth == 1 {
		return fmt.Errorf("FIFO depth must be 0 or >= 2")
	}

	if s.DataShift > 3 {
		return fmt.Errorf("data shift must be <= 3")
	}

	if s.UseDMA {
		if s.RingCapacity <= 0 {
			return fmt.Errorf("ring capacity must be > 0")
		}

		if s.MaxSegmentSize == 0 || s.MaxSegmentSize > idmac.MaxBufSize {
			return fmt.Errorf("max segment size must be in (0, %d]",
				idmac.MaxBufSize)
		}

		if s.DescFormat != idmac.Format32 && s.DescFormat != idmac.Format64 {
			return fmt.Errorf("unknown descriptor format %d", s.DescFormat)
		}
	}

	if s.Tuning.Phases != 8 && s.Tuning.Phases != 16 {
		return fmt.Errorf("tuning phases must be 8 or 16")
	}

	if s.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be > 0")
	}

	if s.CommandRetries < 0 {
		return fmt.Errorf("command retries must be >= 0")
	}

	if s.RequestTimeout <= 0 || s.TuningTimeout <= 0 ||
		s.ResetTimeout <= 0 || s.BusyTimeout <= 0 ||
		s.ClockUpdateWindow <= 0 || s.PollInterval <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}

	if s.BusyRetries <= 0 || s.ClockRetries <= 0 {
		return fmt.Errorf("retry counts must be > 0")
	}

	return nil
}

// Defaults returns a Spec with sane defaults.
func Defaults() Spec {
	return Spec{
		BusHz:             200_000_000,
		UseDMA:            true,
		DescFormat:        idmac.Format64,
		RingBase:          0x1000,
		RingCapacity:      128,
		MaxSegmentSize:    0x1000,
		Tuning:            tuning.DefaultConfig(),
		TuningBufAddr:     0x10_0000,
		Caps:              Cap4BitData | Cap8BitData,
		QueueDepth:        64,
		CommandRetries:    2,
		RequestTimeout:    10 * time.Second,
		TuningTimeout:     time.Second,
		ResetTimeout:      500 * time.Millisecond,
		BusyTimeout:       500 * time.Millisecond,
		BusyRetries:       6,
		ClockUpdateWindow: time.Millisecond,
		ClockRetries:      10,
		PollInterval:      100 * time.Microsecond,
	}
}
