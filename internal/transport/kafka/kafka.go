// Package kafka feeds balance events from a Kafka topic into the engine and
// routes rejected events to a dead-letter topic.
//
// Offsets are committed only after the engine has recorded the outcome of
// every record in the batch, so a crash redelivers and the idempotency guard
// absorbs the duplicates.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
)

// Header keys set on dead-letter records.
const (
	HeaderError     = "patronage-error"
	HeaderErrorCode = "patronage-error-code"
	HeaderSource    = "patronage-source"
)

// ErrClosed is returned by Poll once the client has been closed.
var ErrClosed = errors.New("kafka client closed")

// Fetcher is the consuming side of a Kafka client.
type Fetcher interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, recs []*kgo.Record) error
}

// Producer publishes a single record synchronously.
type Producer interface {
	Produce(ctx context.Context, rec *kgo.Record) error
}

// Handler applies a raw payload. Implemented by engine.Engine and by
// engine.QueuedSubmitter.
type Handler interface {
	Submit(ctx context.Context, payload []byte) (ledger.AppendResult, error)
}

// Consumer moves records from a Fetcher into a Handler.
type Consumer struct {
	fetcher  Fetcher
	handler  Handler
	dlq      Producer
	dlqTopic string
	logger   *slog.Logger
}

// NewConsumer returns a Consumer. dlq may be nil to disable the dead-letter
// topic; rejected events are still kept in the store's dead-letter table.
func NewConsumer(f Fetcher, h Handler, dlq Producer, dlqTopic string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{fetcher: f, handler: h, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer starting", "dlq_topic", c.dlqTopic)
	for {
		recs, err := c.fetcher.Poll(ctx)
		switch {
		case errors.Is(err, ErrClosed):
			c.logger.Info("consumer stopping: client closed")
			return nil
		case ctx.Err() != nil:
			c.logger.Info("consumer stopping: context cancelled")
			return ctx.Err()
		case err != nil:
			// Partition errors are retried by the client on the next poll.
			c.logger.Warn("poll failed", "error", err)
		}
		if len(recs) == 0 {
			continue
		}

		done, err := c.HandleBatch(ctx, recs)
		if len(done) > 0 {
			if cerr := c.fetcher.Commit(ctx, done); cerr != nil {
				c.logger.Error("commit failed", "records", len(done), "error", cerr)
			}
		}
		if err != nil {
			return err
		}
	}
}

// HandleBatch submits each record in order and returns the records whose
// outcome is final. A record whose failure could not be routed anywhere
// stops the batch so that it is redelivered.
func (c *Consumer) HandleBatch(ctx context.Context, recs []*kgo.Record) ([]*kgo.Record, error) {
	done := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		log := c.logger.With("topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)

		res, err := c.handler.Submit(ctx, rec.Value)
		if err == nil {
			log.Debug("record handled", "event_id", res.EventID, "status", string(res.Status))
			done = append(done, rec)
			continue
		}
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		var re *engine.RuntimeError
		if !errors.As(err, &re) {
			// Not recorded by the engine; leave it for redelivery.
			return done, fmt.Errorf("handle %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		if perr := c.publishDeadLetter(ctx, rec, re); perr != nil {
			return done, perr
		}
		log.Warn("record dead-lettered", "event_id", re.EventID, "code", string(re.Code))
		done = append(done, rec)
	}
	return done, nil
}

func (c *Consumer) publishDeadLetter(ctx context.Context, rec *kgo.Record, re *engine.RuntimeError) error {
	if c.dlq == nil {
		return nil
	}
	out := &kgo.Record{
		Topic: c.dlqTopic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: append(append([]kgo.RecordHeader(nil), rec.Headers...),
			kgo.RecordHeader{Key: HeaderError, Value: []byte(re.Error())},
			kgo.RecordHeader{Key: HeaderErrorCode, Value: []byte(re.Code)},
			kgo.RecordHeader{Key: HeaderSource, Value: []byte(fmt.Sprintf("%s/%d@%d", rec.Topic, rec.Partition, rec.Offset))},
		),
	}
	if err := c.dlq.Produce(ctx, out); err != nil {
		return fmt.Errorf("publish dead letter for %s: %w", re.EventID, err)
	}
	return nil
}
