package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/testutil"
)

func openPeriod(t *testing.T, s *Store, id string) {
	t.Helper()
	created, err := s.CreatePeriod(context.Background(), ledger.Period{
		ID:       id,
		Status:   ledger.PeriodOpen,
		Surplus:  money.MustParse("1000.00"),
		CashRate: decimal.RequireFromString("0.20"),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func draft(member, total, cash, retained string, score float64) ledger.Allocation {
	return ledger.Allocation{
		MemberID:           member,
		TotalPatronage:     money.MustParse(total),
		CashDistribution:   money.MustParse(cash),
		RetainedAllocation: money.MustParse(retained),
		PatronageScore:     score,
		Status:             ledger.AllocationProposed,
	}
}

func TestPeriod_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	created, err := s.CreatePeriod(ctx, ledger.Period{
		ID: "2024", Status: ledger.PeriodOpen, Surplus: money.MustParse("1.00"), CashRate: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.Period(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodOpen, p.Status)
	assert.Equal(t, "1000.00", p.Surplus.String())
	assert.True(t, p.CashRate.Equal(decimal.RequireFromString("0.2")))

	_, err = s.Period(ctx, "1999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeriod_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	require.NoError(t, s.TransitionPeriod(ctx, "2024", ledger.PeriodOpen, ledger.PeriodClosing, ""))
	err := s.TransitionPeriod(ctx, "2024", ledger.PeriodOpen, ledger.PeriodClosing, "")
	assert.ErrorIs(t, err, ErrStaleState)

	require.NoError(t, s.TransitionPeriod(ctx, "2024", ledger.PeriodClosing, ledger.PeriodFailed, "boom"))
	p, err := s.Period(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodFailed, p.Status)
	assert.Equal(t, "boom", p.Error)
}

func TestPeriod_Checkpoints(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	require.NoError(t, s.SaveCheckpoint(ctx, "2024", "aggregate", []byte(`{"a":1}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "2024", "weight", []byte(`{"w":1}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "2024", "aggregate", []byte(`{"a":2}`)))

	cps, err := s.Checkpoints(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"aggregate": []byte(`{"a":2}`),
		"weight":    []byte(`{"w":1}`),
	}, cps)

	p, err := s.Period(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, "aggregate", p.LastStep)

	err = s.SaveCheckpoint(ctx, "missing", "aggregate", []byte(`{}`))
	assert.Error(t, err)

	require.NoError(t, s.ClearCheckpoints(ctx, "2024"))
	cps, err = s.Checkpoints(ctx, "2024")
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestPeriod_Contributions(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	contribs := []ledger.Contribution{
		testutil.Approve("c2", "bob", ledger.Expertise, "300.00", testutil.Day(3, 1)),
		testutil.Approve("c1", "alice", ledger.Labor, "200.00", testutil.Day(2, 1)),
	}
	require.NoError(t, s.SavePeriodContributions(ctx, "2024", contribs))
	require.NoError(t, s.SavePeriodContributions(ctx, "2024", contribs[:1]))

	got, err := s.PeriodContributions(ctx, "2024")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, ledger.Labor, got[0].Type)
	assert.True(t, got[0].ApprovedAt.Equal(testutil.Day(2, 1)))

	bob, err := s.MemberContributions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "300.00", bob[0].MonetaryValue.String())
}

func TestPeriod_ContributionsRejectUndatedApproval(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	undated := testutil.Approve("c2", "bob", ledger.Labor, "300.00", time.Time{})
	err := s.SavePeriodContributions(ctx, "2024", []ledger.Contribution{
		testutil.Approve("c1", "alice", ledger.Labor, "200.00", testutil.Day(2, 1)),
		undated,
	})
	require.Error(t, err)
	assert.True(t, ledger.IsValidationError(err))
	assert.Contains(t, err.Error(), "approved contribution c2")

	got, err := s.PeriodContributions(ctx, "2024")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAllocations_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")
	require.NoError(t, s.TransitionPeriod(ctx, "2024", ledger.PeriodOpen, ledger.PeriodClosing, ""))

	allocs := []ledger.Allocation{
		draft("bob", "600.00", "120.00", "480.00", 0.6),
		draft("alice", "400.00", "80.00", "320.00", 0.4),
	}
	require.NoError(t, s.SaveAllocations(ctx, "2024", allocs))
	require.NoError(t, s.TransitionPeriod(ctx, "2024", ledger.PeriodClosing, ledger.PeriodProposed, ""))

	approvedAt := testutil.Day(12, 31)
	require.NoError(t, s.ApproveAllocations(ctx, "2024", approvedAt))

	got, err := s.Allocations(ctx, "2024")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].MemberID)
	assert.Equal(t, ledger.AllocationApprovedSt, got[0].Status)
	assert.True(t, got[0].ApprovedAt.Equal(approvedAt))
	assert.Equal(t, 0.4, got[0].PatronageScore)

	// Approved rows are never overwritten or compensated away.
	require.NoError(t, s.SaveAllocations(ctx, "2024", []ledger.Allocation{draft("alice", "1.00", "0.20", "0.80", 1)}))
	n, err := s.DeleteDraftAllocations(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got, err = s.Allocations(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, "400.00", got[0].TotalPatronage.String())

	require.Error(t, s.SaveAllocations(ctx, "2024", got))

	assert.ErrorIs(t, s.ApproveAllocations(ctx, "2024", approvedAt), ErrStaleState)
	require.NoError(t, s.DistributeAllocations(ctx, "2024"))

	alice, err := s.MemberAllocations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, ledger.AllocationDistributed, alice[0].Status)
	assert.True(t, alice[0].ApprovedAt.Equal(approvedAt))

	p, err := s.Period(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodDistributed, p.Status)
}

func TestAllocations_CompensationDeletesDrafts(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	openPeriod(t, s, "2024")

	require.NoError(t, s.SaveAllocations(ctx, "2024", []ledger.Allocation{
		draft("alice", "400.00", "80.00", "320.00", 0.4),
		draft("bob", "600.00", "120.00", "480.00", 0.6),
	}))

	n, err := s.DeleteDraftAllocations(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.Allocations(ctx, "2024")
	require.NoError(t, err)
	assert.Empty(t, got)
}
