package tuning

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Target is the bus being calibrated.
type Target interface {
	// Phase returns the phase currently programmed.
	Phase() int
	// SetPhase programs a sampling phase.
	SetPhase(phase int)
	// Narrow reports whether the card clock runs at half the sampling
	// clock.
	Narrow() bool
	// DriveStrength returns the current drive strength level.
	DriveStrength() int
	// SetDriveStrength programs a drive strength level.
	SetDriveStrength(level int)
	// Probe issues the calibration read at the programmed phase. It returns
	// nil when the expected pattern came back intact.
	Probe(ctx context.Context) error
}

// Config holds the tuning parameters of a host.
type Config struct {
	// Phases is 8 for coarse tuning or 16 for fine tuning, where phase p
	// means sample p/2 with the fine delay engaged when p is odd.
	Phases int

	// MaxRounds bounds the number of full sweeps. Each failed sweep but the
	// last lowers the drive strength.
	MaxRounds int

	// DriveLevels is the number of drive strength levels. 0 means the drive
	// strength is not adjustable.
	DriveLevels int

	// IgnoreMask lists phases that are never probed and count as failing.
	IgnoreMask Map

	// ForceDefault selects the default phase for an all-pass map.
	ForceDefault bool

	// BypassAllPassAfter, when positive, selects the default phase once that
	// many earlier sweeps were all-pass.
	BypassAllPassAfter int

	EnableShift bool
	ExtraTuning bool
}

// DefaultConfig returns the configuration of a coarse 8-phase host.
func DefaultConfig() Config {
	return Config{
		Phases:    8,
		MaxRounds: 6,
	}
}

// Result describes a completed calibration.
type Result struct {
	Phase  int
	Map    Map
	Rounds int
	Cached bool
}

// An Engine sweeps the phases of a Target and commits the best one. It
// remembers a committed phase until Invalidate is called.
type Engine struct {
	cfg    Config
	target Target

	lock    sync.Mutex
	tuned   bool
	phase   int
	lastMap Map
}

// NewEngine creates a tuning engine for the target.
func NewEngine(target Target, cfg Config) *Engine {
	if cfg.Phases != 8 && cfg.Phases != 16 {
		log.Panicf("tuning: %d phases not supported", cfg.Phases)
	}

	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 1
	}

	return &Engine{
		cfg:    cfg,
		target: target,
	}
}

// Tuned reports whether a phase is committed.
func (e *Engine) Tuned() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.tuned
}

// LastMap returns the map of the most recent sweep.
func (e *Engine) LastMap() Map {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.lastMap
}

// Invalidate forgets the committed phase. The next Tune sweeps again.
func (e *Engine) Invalidate() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.tuned = false
}

// Tune selects and commits a sampling phase. When a phase is already
// committed it is reprogrammed without a sweep. On failure the original
// phase and drive strength are restored.
func (e *Engine) Tune(ctx context.Context) (Result, error) {
	e.lock.Lock()
	if e.tuned {
		phase := e.phase
		e.lock.Unlock()

		e.target.SetPhase(phase)

		return Result{Phase: phase, Cached: true}, nil
	}
	e.lock.Unlock()

	origPhase := e.target.Phase()
	origDrive := e.target.DriveStrength()
	allPass := 0

	var lastErr error

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		m, err := e.sweep(ctx)
		if err != nil {
			e.restore(origPhase, origDrive)
			return Result{}, err
		}

		bypass := e.cfg.BypassAllPassAfter > 0 &&
			allPass >= e.cfg.BypassAllPassAfter

		if m == Map(1)<<e.cfg.Phases-1 {
			allPass++
		}

		phase, err := Select(m, SearchOptions{
			Phases:       e.cfg.Phases,
			Narrow:       e.target.Narrow(),
			EnableShift:  e.cfg.EnableShift,
			ExtraTuning:  e.cfg.ExtraTuning,
			ForceDefault: e.cfg.ForceDefault || bypass,
		})
		if err == nil {
			if bypass {
				e.target.SetDriveStrength(origDrive)
			}

			return e.commit(phase, m, round), nil
		}

		lastErr = err
		log.Printf("tuning: round %d map %s: %v", round, m, err)

		if round < e.cfg.MaxRounds && e.cfg.DriveLevels > 0 {
			e.target.SetDriveStrength(e.lowerDrive())
		}
	}

	e.restore(origPhase, origDrive)

	return Result{}, fmt.Errorf("tuning failed after %d rounds: %w",
		e.cfg.MaxRounds, lastErr)
}

func (e *Engine) sweep(ctx context.Context) (Map, error) {
	var m Map

	for p := 0; p < e.cfg.Phases; p++ {
		if e.cfg.IgnoreMask&(1<<p) != 0 {
			continue
		}

		e.target.SetPhase(p)

		err := e.target.Probe(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		if err == nil {
			m |= 1 << p
		} else if errors.Is(err, context.Canceled) {
			return 0, err
		}
	}

	e.lock.Lock()
	e.lastMap = m
	e.lock.Unlock()

	return m, nil
}

func (e *Engine) lowerDrive() int {
	level := e.target.DriveStrength() - 1
	if level < 0 {
		level = e.cfg.DriveLevels - 1
	}

	return level
}

func (e *Engine) commit(phase int, m Map, rounds int) Result {
	e.target.SetPhase(phase)

	e.lock.Lock()
	e.tuned = true
	e.phase = phase
	e.lock.Unlock()

	log.Printf("tuning: map %s selected phase %d", m, phase)

	return Result{Phase: phase, Map: m, Rounds: rounds}
}

func (e *Engine) restore(phase, drive int) {
	e.target.SetPhase(phase)
	e.target.SetDriveStrength(drive)
}
