// Package testutil provides deterministic time sources for tests.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe monotonic counter for tests.
//
// Unlike engine.Clock it can be reset, so the same scenario can run
// repeatedly with identical version markers.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock starting at 0. The first call
// to Next returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the next marker.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current marker without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// WallClock is a controllable wall-clock source. Each call to Now
// returns the current instant; Advance moves it forward.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock creates a wall clock frozen at start.
func NewWallClock(start time.Time) *WallClock {
	return &WallClock{now: start.UTC()}
}

// Now returns the current frozen instant. Pass the method value as a
// now-func option to the component under test.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
