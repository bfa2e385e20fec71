package helper

import (
	"sync"
	"time"
)

// Clock abstracts the current time so that expiration and lease logic can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns a Clock backed by time.Now, truncated to the
// millisecond precision used by the backing stores.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// FakeClock is a Clock that only moves when told to. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(initial time.Time) *FakeClock {
	return &FakeClock{current: initial.UTC().Truncate(time.Millisecond)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t.UTC().Truncate(time.Millisecond)
	c.mu.Unlock()
}
