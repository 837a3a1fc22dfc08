package engine

import "sync/atomic"

// Clock is a monotonic logical clock for ordering firings.
//
// Every firing recorded by an Engine is stamped with a strictly increasing
// seq from this clock, so firing logs sort by causality rather than by
// wall-clock time.
//
// Thread-safety: Clock is safe for concurrent use. In practice only the
// engine's run loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
// Used when a firing log already holds seqs up to start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
