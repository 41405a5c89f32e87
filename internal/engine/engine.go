package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/retry"
)

// EventStore is the durable event log the engine appends to. Implemented by
// store.Store (SQLite) and postgres.Store.
type EventStore interface {
	// Append applies ev exactly once and assigns its seq inside the append
	// transaction.
	Append(ctx context.Context, ev ledger.Event) (ledger.AppendResult, error)

	// RecordFailure marks a failed attempt in the idempotency record.
	RecordFailure(ctx context.Context, eventID, fingerprint string, cause error) error

	WriteDeadLetter(ctx context.Context, dl ledger.DeadLetter) error

	// MaxSeq returns the highest stored seq, zero for an empty log.
	MaxSeq(ctx context.Context) (int64, error)
}

// Engine is the single-writer idempotency guard in front of the event log.
//
// Apply and Submit may be called directly; the Run loop drains deliveries
// enqueued from any goroutine and applies them one at a time.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Apply()/Submit(): safe, but concurrent callers are serialized by the
//     store's transaction, not by the engine
type Engine struct {
	store    EventStore
	clock    *Clock
	queue    *deliveryQueue
	runner   *retry.Runner
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the retry policy for transient append failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.runner.Policy = p
	}
}

// WithSleep replaces the wait between retries. Tests use it to run without
// real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.runner.Sleep = sleep
	}
}

// WithObserver installs an observer, typically the metrics collector.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
			e.runner.Logger = l
		}
	}
}

// WithClock replaces the logical clock, e.g. to resume from a known seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithNow sets the wall clock used to stamp dead letters.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over s with a clock starting at zero.
func New(s EventStore, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		clock:    NewClock(),
		queue:    newDeliveryQueue(),
		runner:   retry.NewRunner(retry.DefaultPolicy()),
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromStore creates an Engine whose clock resumes after the highest seq
// already in s.
func NewFromStore(ctx context.Context, s EventStore, opts ...Option) (*Engine, error) {
	seq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume clock: %w", err)
	}
	opts = append([]Option{WithClock(NewClockAt(seq))}, opts...)
	return New(s, opts...), nil
}

// Apply appends ev to the log exactly once.
//
// Duplicates return AppendAlreadyProcessed with no error. Validation failures
// and overflow are permanent and are recorded without retry. Any other error
// is retried under the engine's policy; once attempts are exhausted the event
// is dead-lettered and a MANUAL_INTERVENTION error is returned.
func (e *Engine) Apply(ctx context.Context, ev ledger.Event) (ledger.AppendResult, error) {
	start := time.Now()
	log := e.logger.With("event_id", ev.ID, "event_type", string(ev.Type()), "member_id", ev.MemberID)

	if err := ev.Validate(); err != nil {
		e.recordFailure(ctx, ev.ID, "", err)
		e.observer.EventFailed(ev, ErrCodeMalformedEvent)
		log.Warn("event rejected", "error", err)
		return ledger.AppendResult{}, &RuntimeError{
			Code: ErrCodeMalformedEvent, Message: "event failed validation",
			EventID: ev.ID, EventType: string(ev.Type()), MemberID: ev.MemberID, Err: err,
		}
	}

	fingerprint, err := ledger.Fingerprint(ev)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("fingerprint %s: %w", ev.ID, err)
	}

	var (
		res      ledger.AppendResult
		attempts int
	)
	err = e.runner.Do(ctx, ev.ID, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1
		if attempt > 0 {
			e.observer.EventRetried(ev, attempt)
		}
		var appendErr error
		res, appendErr = e.store.Append(ctx, ev)
		if appendErr == nil {
			return nil
		}
		e.recordFailure(ctx, ev.ID, fingerprint, appendErr)
		if isPermanent(appendErr) {
			return retry.Permanent(appendErr)
		}
		log.Warn("append failed", "attempt", attempt, "error", appendErr)
		return appendErr
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
	case errors.As(err, &exhausted):
		return ledger.AppendResult{}, e.deadLetter(ctx, ev, exhausted, log)
	case ctx.Err() != nil:
		return ledger.AppendResult{}, err
	default:
		e.observer.EventFailed(ev, ErrCodeApplyFailed)
		log.Error("event failed", "attempt", attempts-1, "error", err)
		return ledger.AppendResult{}, &RuntimeError{
			Code: ErrCodeApplyFailed, Message: "event could not be applied",
			EventID: ev.ID, EventType: string(ev.Type()), MemberID: ev.MemberID,
			Attempts: attempts, Err: err,
		}
	}

	e.clock.Observe(res.Seq)
	if !res.Applied() {
		e.observer.EventDuplicate(ev, res.Conflict)
		if res.Conflict {
			log.Warn("conflicting redelivery ignored; first write wins", "seq", res.Seq)
		} else {
			log.Debug("duplicate event skipped", "seq", res.Seq)
		}
		return res, nil
	}

	e.observer.EventApplied(ev, time.Since(start))
	log.Info("event applied",
		"seq", res.Seq,
		"attempt", attempts-1,
		"book_balance", res.State.BookBalance.String(),
	)
	return res, nil
}

// Submit decodes a wire payload and applies it. A payload that cannot be
// decoded is recorded as failed and dead-lettered with its raw bytes, and a
// MALFORMED_EVENT error wrapping the *ledger.ValidationError is returned.
func (e *Engine) Submit(ctx context.Context, payload []byte) (ledger.AppendResult, error) {
	ev, err := ledger.DecodePayload(payload)
	if err == nil {
		return e.Apply(ctx, ev)
	}

	id := payloadID(payload)
	e.recordFailure(ctx, id, "", err)
	dl := ledger.DeadLetter{
		EventID:   id,
		Payload:   string(payload),
		Attempts:  1,
		LastError: err.Error(),
		CreatedAt: e.now(),
	}
	if dlErr := e.store.WriteDeadLetter(ctx, dl); dlErr != nil {
		e.logger.Error("dead letter write failed", "event_id", id, "error", dlErr)
	}
	e.observer.EventFailed(ledger.Event{ID: id}, ErrCodeMalformedEvent)
	e.observer.EventDeadLettered(ledger.Event{ID: id})
	e.logger.Warn("malformed payload dead-lettered", "event_id", id, "error", err)

	code := ErrCodeMalformedEvent
	if errors.Is(err, money.ErrOverflow) {
		code = ErrCodeApplyFailed
	}
	return ledger.AppendResult{}, &RuntimeError{Code: code, Message: "payload rejected", EventID: id, Err: err}
}

// Enqueue submits a delivery to the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(d Delivery) bool {
	return e.queue.Enqueue(d)
}

// Run drains the delivery queue until ctx is cancelled or Stop is called.
//
// A failed delivery is logged and processing continues; it has already been
// recorded or dead-lettered by Apply/Submit.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "seq", e.clock.Current())

	for {
		d, ok := e.queue.TryDequeue()
		if ok {
			e.process(ctx, d)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()
		case _, open := <-e.queue.Wait():
			if !open {
				// Drain whatever was enqueued before Stop.
				for {
					d, ok := e.queue.TryDequeue()
					if !ok {
						break
					}
					e.process(ctx, d)
				}
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns after draining it.
func (e *Engine) Stop() {
	e.queue.Close()
}

// ErrStopped is returned by Queued submissions once the engine has stopped.
var ErrStopped = errors.New("engine stopped")

// Queued returns a submitter that hands payloads to the Run loop and waits
// for their outcome. Concurrent producers share the loop's single writer.
func (e *Engine) Queued() *QueuedSubmitter {
	return &QueuedSubmitter{engine: e}
}

// QueuedSubmitter submits payloads through an engine's Run loop.
type QueuedSubmitter struct {
	engine *Engine
}

// Submit enqueues payload and blocks until it is processed or ctx is done.
func (q *QueuedSubmitter) Submit(ctx context.Context, payload []byte) (ledger.AppendResult, error) {
	done := make(chan Outcome, 1)
	if !q.engine.Enqueue(Delivery{Payload: payload, Done: done}) {
		return ledger.AppendResult{}, ErrStopped
	}
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return ledger.AppendResult{}, ctx.Err()
	}
}

func (e *Engine) process(ctx context.Context, d Delivery) {
	var out Outcome
	if d.Event != nil {
		out.Result, out.Err = e.Apply(ctx, *d.Event)
	} else {
		out.Result, out.Err = e.Submit(ctx, d.Payload)
	}
	if out.Err != nil {
		e.logger.Error("delivery failed", "error", out.Err)
	}
	if d.Done != nil {
		d.Done <- out
	}
}

// Clock returns the highest seq this engine has seen.
func (e *Engine) Clock() *Clock {
	return e.clock
}

func (e *Engine) deadLetter(ctx context.Context, ev ledger.Event, exhausted *retry.ExhaustedError, log *slog.Logger) error {
	payload, err := ledger.EncodePayload(ev)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", ev.ID))
	}
	dl := ledger.DeadLetter{
		EventID:   ev.ID,
		Payload:   string(payload),
		Attempts:  exhausted.Attempts,
		LastError: exhausted.Err.Error(),
		CreatedAt: e.now(),
	}
	if err := e.store.WriteDeadLetter(ctx, dl); err != nil {
		log.Error("dead letter write failed", "error", err)
	}
	e.observer.EventDeadLettered(ev)
	log.Error("event dead-lettered", "attempt", exhausted.Attempts-1, "error", exhausted.Err)

	return &RuntimeError{
		Code:      ErrCodeManualIntervention,
		Message:   "retries exhausted",
		EventID:   ev.ID,
		EventType: string(ev.Type()),
		MemberID:  ev.MemberID,
		Attempts:  exhausted.Attempts,
		Err: &ledger.ManualInterventionError{
			EventID: ev.ID, Attempts: exhausted.Attempts, Err: exhausted.Err,
		},
	}
}

func (e *Engine) recordFailure(ctx context.Context, id, fingerprint string, cause error) {
	if id == "" {
		return
	}
	if err := e.store.RecordFailure(ctx, id, fingerprint, cause); err != nil {
		e.logger.Error("record failure", "event_id", id, "error", err)
	}
}

// isPermanent reports whether retrying cannot change the outcome.
func isPermanent(err error) bool {
	return ledger.IsValidationError(err) || errors.Is(err, money.ErrOverflow)
}

// payloadID extracts eventId from a payload that failed to decode. Payloads
// without one are keyed by a digest of their bytes so that redelivery maps to
// the same dead letter.
func payloadID(payload []byte) string {
	var p struct {
		EventID string `json:"eventId"`
	}
	if json.Unmarshal(payload, &p) == nil && p.EventID != "" {
		return p.EventID
	}
	sum := sha256.Sum256(payload)
	return "malformed-" + hex.EncodeToString(sum[:8])
}
