package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed wall-clock origin used across tests and scenarios.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a resettable logical clock for tests. It hands out
// the same seq values the engine's clock would, starting from 1.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock whose first Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the next sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next call to Next() returns 1.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// WallClock is a fake wall clock that advances by Step on every call to Now.
// Stores take its Now method for bookkeeping timestamps so golden output
// never depends on the real time.
type WallClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewWallClock returns a clock whose first Now() is start.
func NewWallClock(start time.Time, step time.Duration) *WallClock {
	return &WallClock{next: start, step: step}
}

// Now returns the current fake time and advances the clock.
func (w *WallClock) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.next
	w.next = w.next.Add(w.step)
	return t
}
