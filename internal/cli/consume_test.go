package cli

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roach88/patronage/internal/transport/kafka"
)

// fakeClient serves its batches in order, then reports itself closed.
type fakeClient struct {
	mu        sync.Mutex
	batches   [][]*kgo.Record
	committed []*kgo.Record
	produced  []*kgo.Record
	closed    bool
}

func (c *fakeClient) Poll(ctx context.Context) ([]*kgo.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.batches) == 0 {
		return nil, kafka.ErrClosed
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	return b, nil
}

func (c *fakeClient) Commit(_ context.Context, recs []*kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, recs...)
	return nil
}

func (c *fakeClient) Produce(_ context.Context, rec *kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.produced = append(c.produced, rec)
	return nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func record(offset int64, value string) *kgo.Record {
	return &kgo.Record{Topic: "patronage.balance-events", Offset: offset, Value: []byte(value)}
}

func runConsumeWith(t *testing.T, opts *ConsumeOptions) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd.SetContext(ctx)
	err := runConsume(opts, cmd)
	return out.String(), err
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestConsumeAppliesRecordsAndCommits(t *testing.T) {
	root := ledgerOptions(t, "text")
	client := &fakeClient{batches: [][]*kgo.Record{
		{
			record(0, contribution("evt-1", "alice", "100.00", "2024-01-15T00:00:00Z")),
			record(1, contribution("evt-1", "alice", "100.00", "2024-01-15T00:00:00Z")),
		},
		{
			record(2, `{"eventId":"bad-1","eventType":"mystery"}`),
			record(3, contribution("evt-2", "bob", "40.00", "2024-02-01T00:00:00Z")),
		},
	}}

	var got kafka.Config
	reg := prometheus.NewRegistry()
	opts := &ConsumeOptions{
		RootOptions: root,
		Brokers:     []string{"broker-1:9092"},
		Group:       "ledger-test",
		Registry:    reg,
		NewClient: func(cfg kafka.Config) (kafkaClient, error) {
			got = cfg
			return client, nil
		},
	}

	out, err := runConsumeWith(t, opts)
	require.NoError(t, err)
	assert.Contains(t, out, "Consuming patronage.balance-events as ledger-test.")

	assert.Equal(t, []string{"broker-1:9092"}, got.Brokers)
	assert.Equal(t, "patronage.balance-events", got.Topic)
	assert.Equal(t, "ledger-test", got.Group)

	assert.Len(t, client.committed, 4)
	require.Len(t, client.produced, 1)
	assert.Equal(t, "patronage.balance-events.dlq", client.produced[0].Topic)
	assert.True(t, client.closed)

	assert.Equal(t, 2.0, counterValue(t, reg, "patronage_events_applied_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "patronage_events_duplicate_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "patronage_events_dead_lettered_total"))

	out, err = runWith(t, root, NewBalancesCommand)
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+100\.00`, out)
	assert.Regexp(t, `bob\s+40\.00`, out)
}

func TestConsumeClientError(t *testing.T) {
	opts := &ConsumeOptions{
		RootOptions: ledgerOptions(t, "text"),
		NewClient: func(kafka.Config) (kafkaClient, error) {
			return nil, errors.New("kafka: no brokers configured")
		},
	}

	_, err := runConsumeWith(t, opts)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no brokers configured")
}

func TestConsumeStopsOnCancel(t *testing.T) {
	root := ledgerOptions(t, "text")
	ctx, cancel := context.WithCancel(context.Background())
	opts := &ConsumeOptions{
		RootOptions: root,
		Brokers:     []string{"broker-1:9092"},
		NewClient: func(kafka.Config) (kafkaClient, error) {
			return &blockingClient{cancel: cancel}, nil
		},
	}

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)
	require.NoError(t, runConsume(opts, cmd))
}

// blockingClient cancels the run on its first poll and then waits for it.
type blockingClient struct {
	fakeClient
	cancel context.CancelFunc
}

func (c *blockingClient) Poll(ctx context.Context) ([]*kgo.Record, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}
