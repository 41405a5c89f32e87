package engine

import "sync/atomic"

// Clock tracks the highest event seq this engine has seen.
//
// The store assigns seq inside the append transaction, so several writers
// may share one log. Clock is only the local high-water mark: it resumes
// from the store's MaxSeq and advances with every applied result.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start, typically the
// store's MaxSeq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Observe advances the clock to seq if seq is higher. It never moves back.
func (c *Clock) Observe(seq int64) {
	for {
		cur := c.seq.Load()
		if seq <= cur || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Current returns the highest seq observed.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
