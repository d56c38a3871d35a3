package store

import "sync/atomic"

// Clock is the logical clock that stamps Memory writes.
//
// Every write takes the next tick, and a path's version is the highest tick
// written at or below it, so a version never repeats for a path and
// compare-and-swap does not depend on wall time.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock at tick 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances the clock and returns the new tick.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last tick handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
