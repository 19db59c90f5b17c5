package sim

import "time"

// VTimeInSec defines the time in seconds.
type VTimeInSec float64

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// WallClock tells the time elapsed since it was created.
type WallClock struct {
	start time.Time
}

// NewWallClock starts a wall clock.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// CurrentTime returns the seconds since the clock started.
func (c *WallClock) CurrentTime() VTimeInSec {
	return VTimeInSec(time.Since(c.start).Seconds())
}

// ManualClock is a TimeTeller that only moves when told to.
type ManualClock struct {
	Now VTimeInSec
}

// CurrentTime returns the time the clock was set to.
func (c *ManualClock) CurrentTime() VTimeInSec {
	return c.Now
}
