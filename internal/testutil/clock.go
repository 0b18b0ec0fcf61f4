// Package testutil provides deterministic test doubles shared across
// packages.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe deterministic time source for tests. Each call
// to Now advances the clock by a fixed step, so timestamps and elapsed
// durations in persisted artifacts are reproducible run to run.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration

	start time.Time
}

// NewClock creates a clock starting at start and advancing by step on
// every Now call. A zero step yields a frozen clock.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, start: start, step: step}
}

// Now returns the current instant, then advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the current instant without advancing.
func (c *Clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start instant, so the same scenario can
// run twice with identical timestamps.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
