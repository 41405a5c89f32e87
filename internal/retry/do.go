package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Key, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Runner executes tasks under a policy.
type Runner struct {
	Policy Policy

	// Sleep waits between attempts. Defaults to a context-aware timer; tests
	// replace it to run instantly.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// NewRunner returns a Runner for p.
func NewRunner(p Policy) *Runner {
	return &Runner{Policy: p, Sleep: sleepContext, Logger: slog.Default()}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a Permanent error, the context is
// cancelled, or MaxAttempts is reached. fn receives the zero-based attempt.
// On exhaustion the last error is returned inside an *ExhaustedError.
// A MaxAttempts below 1 is treated as 1: fn always runs at least once.
func (r *Runner) Do(ctx context.Context, key string, fn func(ctx context.Context, attempt int) error) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := max(r.Policy.MaxAttempts, 1)

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(r.Policy, key, attempt)
			logger.Debug("retrying", "key", key, "attempt", attempt, "delay", delay, "error", last)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if IsPermanent(last) {
			var p permanent
			errors.As(last, &p)
			return p.err
		}
		logger.Warn("attempt failed", "key", key, "attempt", attempt, "error", last)
	}
	return &ExhaustedError{Key: key, Attempts: attempts, Err: last}
}
