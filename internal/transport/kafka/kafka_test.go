package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/store"
	"github.com/roach88/patronage/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeFetcher serves batches in order, then reports the client closed.
type fakeFetcher struct {
	mu        sync.Mutex
	batches   [][]*kgo.Record
	committed []*kgo.Record
}

func (f *fakeFetcher) Poll(ctx context.Context) ([]*kgo.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.batches) == 0 {
		return nil, ErrClosed
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeFetcher) Commit(_ context.Context, recs []*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, recs...)
	return nil
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) Produce(_ context.Context, rec *kgo.Record) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, rec)
	return nil
}

func newEngine(t *testing.T) (*engine.Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return engine.New(s, engine.WithLogger(quiet)), s
}

func record(t *testing.T, offset int64, ev ledger.Event) *kgo.Record {
	t.Helper()
	payload, err := ledger.EncodePayload(ev)
	require.NoError(t, err)
	return &kgo.Record{Topic: "events", Partition: 0, Offset: offset, Key: []byte(ev.MemberID), Value: payload}
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestConsumer_AppliesAndDeadLetters(t *testing.T) {
	e, s := newEngine(t)
	cash := testutil.Cash("evt-1", "alice", "100.00", testutil.At(0))
	bad := &kgo.Record{Topic: "events", Offset: 2, Value: []byte(`{"eventId":"evt-2","amount":"lots"}`)}

	f := &fakeFetcher{batches: [][]*kgo.Record{
		{record(t, 0, cash), record(t, 1, cash)},
		{bad, record(t, 3, testutil.Approved("evt-3", "alice", "25.00", "2024", testutil.At(time.Hour)))},
	}}
	dlq := &fakeProducer{}

	c := NewConsumer(f, e, dlq, "events.dlq", quiet)
	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, f.committed, 4)

	require.Len(t, dlq.records, 1)
	dead := dlq.records[0]
	assert.Equal(t, "events.dlq", dead.Topic)
	assert.Equal(t, bad.Value, dead.Value)
	assert.Equal(t, string(engine.ErrCodeMalformedEvent), header(dead, HeaderErrorCode))
	assert.Equal(t, "events/0@2", header(dead, HeaderSource))
	assert.NotEmpty(t, header(dead, HeaderError))

	acct, err := s.Account(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "125.00", acct.BookBalance.String())
	assert.Equal(t, 2, acct.EventCount)

	dls, err := s.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "evt-2", dls[0].EventID)
}

// failingHandler returns an error the engine never recorded.
type failingHandler struct{ after int }

func (h *failingHandler) Submit(context.Context, []byte) (ledger.AppendResult, error) {
	if h.after == 0 {
		return ledger.AppendResult{}, errors.New("store unavailable")
	}
	h.after--
	return ledger.AppendResult{Status: ledger.AppendApplied}, nil
}

func TestConsumer_UnrecordedFailureStopsBeforeCommit(t *testing.T) {
	recs := []*kgo.Record{
		{Topic: "events", Offset: 0, Value: []byte("{}")},
		{Topic: "events", Offset: 1, Value: []byte("{}")},
		{Topic: "events", Offset: 2, Value: []byte("{}")},
	}
	f := &fakeFetcher{batches: [][]*kgo.Record{recs}}

	c := NewConsumer(f, &failingHandler{after: 1}, nil, "", quiet)
	err := c.Run(context.Background())
	require.ErrorContains(t, err, "store unavailable")
	require.Len(t, f.committed, 1)
	assert.Equal(t, int64(0), f.committed[0].Offset)
}

func TestConsumer_DeadLetterPublishFailureIsRedelivered(t *testing.T) {
	e, _ := newEngine(t)
	f := &fakeFetcher{}
	c := NewConsumer(f, e, &fakeProducer{err: errors.New("broker down")}, "events.dlq", quiet)

	done, err := c.HandleBatch(context.Background(), []*kgo.Record{{Topic: "events", Value: []byte("nope")}})
	require.ErrorContains(t, err, "broker down")
	assert.Empty(t, done)
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeFetcher{batches: [][]*kgo.Record{{{Value: []byte("{}")}}}}

	err := NewConsumer(f, &failingHandler{}, nil, "", nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.committed)
}

func TestNewClient_RequiresBrokers(t *testing.T) {
	_, err := NewClient(Config{Topic: "events", Group: "g"})
	assert.Error(t, err)
}
