package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
}

// Client adapts a franz-go client to Fetcher and Producer.
type Client struct {
	cl *kgo.Client
}

// NewClient connects a group consumer with manual commits.
func NewClient(cfg Config, opts ...kgo.Opt) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return &Client{cl: cl}, nil
}

// Poll fetches the next batch. Per-partition errors are joined; the records
// that were fetched are still returned.
func (c *Client) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})
	return fetches.Records(), errors.Join(errs...)
}

// Commit commits the offsets of recs.
func (c *Client) Commit(ctx context.Context, recs []*kgo.Record) error {
	return c.cl.CommitRecords(ctx, recs...)
}

// Produce writes rec and waits for the ack.
func (c *Client) Produce(ctx context.Context, rec *kgo.Record) error {
	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

// Close leaves the group and closes the client.
func (c *Client) Close() {
	c.cl.Close()
}
