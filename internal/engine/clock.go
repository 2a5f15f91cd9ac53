package engine

import "sync/atomic"

// Clock is the monotonic logical clock behind version markers.
//
// Every confirmed write stamps the equipment row with a strictly
// increasing value from this clock. Conflict detection compares these
// markers, never wall-clock timestamps, so reordered or delayed writes
// cannot masquerade as continuations.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used on open to resume from the store's highest confirmed version.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Observe raises the clock to at least v. Markers can be minted outside
// Next when a conflict resolution rebases queued writes past a remote
// version; observing them keeps every later Next strictly above.
func (c *Clock) Observe(v int64) {
	for {
		cur := c.seq.Load()
		if cur >= v {
			return
		}
		if c.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
