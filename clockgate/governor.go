// Package clockgate reference-counts the two gateable clock domains of the
// controller.
package clockgate

import (
	"fmt"
	"log"
	"sync"
)

// Domain identifies a gateable clock.
type Domain int

// The two clock domains.
const (
	// BIU is the bus-interface clock. Registers are unreliable while it is
	// gated.
	BIU Domain = iota
	// CIU is the card-interface clock.
	CIU

	numDomains
)

func (d Domain) String() string {
	switch d {
	case BIU:
		return "BIU"
	case CIU:
		return "CIU"
	default:
		return fmt.Sprintf("Domain(%d)", int(d))
	}
}

// Clock turns a clock domain on and off. Enable may sleep.
type Clock interface {
	Enable(d Domain) error
	Disable(d Domain)
}

type domainState struct {
	refs       int
	inProgress int
	enabled    bool
}

// A Governor enables a domain on its first acquisition and disables it on
// its last release. A release never gates a domain while an operation is
// marked in progress on it; the disable happens when the mark is cleared.
type Governor struct {
	lock    sync.Mutex
	clock   Clock
	domains [numDomains]domainState
}

// NewGovernor creates a governor for the clock. All domains start gated.
func NewGovernor(clock Clock) *Governor {
	return &Governor{clock: clock}
}

// Acquire takes a reference on the domain, enabling its clock on the first
// reference. The returned guard must be released exactly once.
func (g *Governor) Acquire(d Domain) (*Guard, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	s := &g.domains[d]
	if s.refs == 0 && !s.enabled {
		if err := g.clock.Enable(d); err != nil {
			return nil, fmt.Errorf("enable %s clock: %w", d, err)
		}

		s.enabled = true
	}

	s.refs++

	return &Guard{release: func() { g.release(d) }}, nil
}

// AcquireAll takes references on BIU and then CIU.
func (g *Governor) AcquireAll() (*Guard, error) {
	biu, err := g.Acquire(BIU)
	if err != nil {
		return nil, err
	}

	ciu, err := g.Acquire(CIU)
	if err != nil {
		biu.Release()
		return nil, err
	}

	return &Guard{release: func() {
		ciu.Release()
		biu.Release()
	}}, nil
}

func (g *Governor) release(d Domain) {
	g.lock.Lock()
	defer g.lock.Unlock()

	s := &g.domains[d]
	if s.refs == 0 {
		log.Printf("clockgate: unbalanced release of %s", d)
		return
	}

	s.refs--
	g.gateIfIdle(d)
}

func (g *Governor) gateIfIdle(d Domain) {
	s := &g.domains[d]
	if s.refs > 0 || s.inProgress > 0 || !s.enabled {
		return
	}

	g.clock.Disable(d)
	s.enabled = false
}

// MarkInProgress marks an operation physically in flight on the domain. The
// domain is not gated until the returned guard is released.
func (g *Governor) MarkInProgress(d Domain) *Guard {
	g.lock.Lock()
	g.domains[d].inProgress++
	g.lock.Unlock()

	return &Guard{release: func() {
		g.lock.Lock()
		defer g.lock.Unlock()

		if g.domains[d].inProgress > 0 {
			g.domains[d].inProgress--
		}
		g.gateIfIdle(d)
	}}
}

// Count returns the number of references held on the domain.
func (g *Governor) Count(d Domain) int {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.domains[d].refs
}

// Enabled reports whether the domain's clock is running.
func (g *Governor) Enabled(d Domain) bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.domains[d].enabled
}

// Quiesce drops every in-progress mark and gates each domain that holds no
// references. It is used when the card is gone and nothing can be in flight.
// Guards of dropped marks stay safe to release.
func (g *Governor) Quiesce() {
	g.lock.Lock()
	defer g.lock.Unlock()

	for d := Domain(0); d < numDomains; d++ {
		g.domains[d].inProgress = 0
		g.gateIfIdle(d)
	}
}

// A Guard releases what it holds on the first call to Release. Later calls
// do nothing.
type Guard struct {
	once    sync.Once
	release func()
}

// Release gives back the reference or mark held by the guard.
func (g *Guard) Release() {
	if g == nil {
		return
	}

	g.once.Do(g.release)
}
