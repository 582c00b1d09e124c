package credit

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies the current time. Every component that compares against
// "now" takes a Clock so tests can travel in time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AddDays advances the clock by n whole days.
func (c *ManualClock) AddDays(n int) { c.Advance(time.Duration(n) * 24 * time.Hour) }

// =============================================================================
// TIME UTILITIES
// =============================================================================

// DaysFrom returns t shifted by n days, or nil when n <= 0 (no expiry).
func DaysFrom(t time.Time, n int) *time.Time {
	if n <= 0 {
		return nil
	}
	d := t.AddDate(0, 0, n)
	return &d
}

func orDefaultClock(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}
