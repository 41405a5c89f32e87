// Package retry is the single retry policy shared by every event handler:
// bounded exponential backoff with deterministic jitter, a maximum attempt
// count, and a hand-off to the caller once attempts are exhausted.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the retries of one kind of task.
type Policy struct {
	Name        string `json:"name"`
	BaseMs      int64  `json:"base_ms"`
	MaxMs       int64  `json:"max_ms"`
	MaxJitterMs int64  `json:"max_jitter_ms"`
	MaxAttempts int    `json:"max_attempts"`
}

// DefaultPolicy is used for event application when no config is loaded.
func DefaultPolicy() Policy {
	return Policy{
		Name:        "event-apply",
		BaseMs:      100,
		MaxMs:       30_000,
		MaxJitterMs: 50,
		MaxAttempts: 5,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry policy %q: max_attempts must be >= 1, got %d", p.Name, p.MaxAttempts)
	case p.BaseMs < 0 || p.MaxMs < 0 || p.MaxJitterMs < 0:
		return fmt.Errorf("retry policy %q: durations must not be negative", p.Name)
	case p.MaxMs < p.BaseMs:
		return fmt.Errorf("retry policy %q: max_ms %d below base_ms %d", p.Name, p.MaxMs, p.BaseMs)
	}
	return nil
}

// Backoff returns the delay before retry number attempt (attempt 1 is the
// first retry): base * 2^attempt capped at MaxMs, plus jitter derived from
// (policy, key, attempt). The same inputs always produce the same delay.
func Backoff(p Policy, key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.BaseMs * factor
	if delay > p.MaxMs || delay < 0 {
		delay = p.MaxMs
	}
	return time.Duration(delay+Jitter(p, key, attempt)) * time.Millisecond
}

// Jitter is a pseudo-random offset in [0, MaxJitterMs) seeded by its inputs.
func Jitter(p Policy, key string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", p.Name, key, attempt)))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs > 0
}

// Scheduled is one attempt of a plan.
type Scheduled struct {
	Attempt     int       `json:"attempt"`
	DelayMs     int64     `json:"delay_ms"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Plan lays out every attempt of p for key starting at now. Attempt 0 runs
// immediately; scheduled times are cumulative. Like Runner.Do, a plan always
// has at least one attempt.
func Plan(p Policy, key string, now time.Time) []Scheduled {
	n := max(p.MaxAttempts, 1)
	out := make([]Scheduled, n)
	at := now
	for i := 0; i < n; i++ {
		var delay time.Duration
		if i > 0 {
			delay = Backoff(p, key, i)
		}
		at = at.Add(delay)
		out[i] = Scheduled{Attempt: i, DelayMs: delay.Milliseconds(), ScheduledAt: at}
	}
	return out
}
