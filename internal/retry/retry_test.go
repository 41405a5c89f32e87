package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter() Policy {
	return Policy{Name: "test", BaseMs: 100, MaxMs: 30_000, MaxAttempts: 5}
}

func instantRunner(p Policy) (*Runner, *[]time.Duration) {
	var slept []time.Duration
	r := &Runner{
		Policy: p,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return ctx.Err()
		},
	}
	return r, &slept
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	p := noJitter()
	assert.Equal(t, 200*time.Millisecond, Backoff(p, "k", 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(p, "k", 2))
	assert.Equal(t, 30*time.Second, Backoff(p, "k", 20))
	assert.Equal(t, 30*time.Second, Backoff(p, "k", 64))
}

func TestPlan(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	plan := Plan(noJitter(), "evt-1", now)

	require.Len(t, plan, 5)
	assert.Equal(t, int64(0), plan[0].DelayMs)
	assert.True(t, plan[0].ScheduledAt.Equal(now))
	assert.Equal(t, int64(200), plan[1].DelayMs)
	assert.Equal(t, now.Add(600*time.Millisecond), plan[2].ScheduledAt)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.MaxAttempts = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MaxMs = 1
	assert.Error(t, p.Validate())
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	r, slept := instantRunner(noJitter())
	calls := 0

	err := r.Do(context.Background(), "evt-1", func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *slept)
}

func TestDo_Exhausted(t *testing.T) {
	r, _ := instantRunner(noJitter())
	cause := errors.New("boom")

	err := r.Do(context.Background(), "evt-1", func(context.Context, int) error { return cause })

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 5, ex.Attempts)
	assert.ErrorIs(t, err, cause)
}

func TestDo_NonPositiveMaxAttemptsRunsOnce(t *testing.T) {
	cause := errors.New("boom")
	for _, n := range []int{0, -3} {
		p := noJitter()
		p.MaxAttempts = n
		r, slept := instantRunner(p)

		calls := 0
		err := r.Do(context.Background(), "evt-1", func(context.Context, int) error {
			calls++
			return cause
		})

		var ex *ExhaustedError
		require.ErrorAs(t, err, &ex, "max_attempts=%d", n)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, ex.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.Empty(t, *slept)
		assert.Len(t, Plan(p, "evt-1", time.Unix(0, 0)), 1)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	r, slept := instantRunner(noJitter())
	cause := errors.New("malformed")
	calls := 0

	err := r.Do(context.Background(), "evt-1", func(context.Context, int) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_ContextCancelled(t *testing.T) {
	r, _ := instantRunner(noJitter())
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Do(ctx, "evt-1", func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProperty_Backoff(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	p := DefaultPolicy()

	properties.Property("backoff is deterministic", prop.ForAll(
		func(key string, attempt int) bool {
			return Backoff(p, key, attempt) == Backoff(p, key, attempt)
		},
		gen.AlphaString(), gen.IntRange(0, 100),
	))

	properties.Property("backoff stays within bounds", prop.ForAll(
		func(key string, attempt int) bool {
			d := Backoff(p, key, attempt)
			return d >= time.Duration(p.BaseMs)*time.Millisecond &&
				d < time.Duration(p.MaxMs+p.MaxJitterMs)*time.Millisecond
		},
		gen.AlphaString(), gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
