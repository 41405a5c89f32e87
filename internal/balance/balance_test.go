package balance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func contribution(id, member, amount string, at time.Time) ledger.Event {
	return ledger.Event{ID: id, MemberID: member, Amount: money.MustParse(amount), Timestamp: at,
		Kind: ledger.CapitalContribution{Contribution: ledger.ContributionCash}}
}

func property(id, member, amount, basis string, at time.Time) ledger.Event {
	return ledger.Event{ID: id, MemberID: member, Amount: money.MustParse(amount), Timestamp: at,
		Kind: ledger.CapitalContribution{Contribution: ledger.ContributionProperty, AdjustedBasis: money.MustParse(basis)}}
}

func approved(id, member, amount string, at time.Time) ledger.Event {
	return ledger.Event{ID: id, MemberID: member, Amount: money.MustParse(amount), Timestamp: at,
		Kind: ledger.AllocationApproved{PeriodID: "2024"}}
}

func distributed(id, member, amount string, at time.Time) ledger.Event {
	return ledger.Event{ID: id, MemberID: member, Amount: money.MustParse(amount), Timestamp: at,
		Kind: ledger.DistributionCompleted{PeriodID: "2024"}}
}

func reversed(id, member, amount string, at time.Time) ledger.Event {
	return ledger.Event{ID: id, MemberID: member, Amount: money.MustParse(amount), Timestamp: at,
		Kind: ledger.AllocationReversed{PeriodID: "2024"}}
}

func TestComputeBalance_Fold(t *testing.T) {
	events := []ledger.Event{
		distributed("e4", "alice", "50.00", t0.Add(4*time.Hour)),
		contribution("e1", "alice", "1000.00", t0.Add(time.Hour)),
		property("e2", "alice", "500.00", "200.00", t0.Add(2*time.Hour)),
		approved("e3", "alice", "320.00", t0.Add(3*time.Hour)),
		contribution("x1", "bob", "999.00", t0.Add(time.Hour)),
	}

	state, err := ComputeBalance(events, "alice", t0.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "1500.00", state.ContributedCapital.String())
	assert.Equal(t, "320.00", state.RetainedPatronage.String())
	assert.Equal(t, "50.00", state.DistributedPatronage.String())
	assert.Equal(t, "1770.00", state.BookBalance.String())
	assert.Equal(t, "1200.00", state.TaxBalance.String())
	assert.Equal(t, 4, state.EventCount)
	assert.True(t, VerifyBalanceIntegrity(state).Valid)
}

func TestComputeBalance_AsOfExcludesLaterEvents(t *testing.T) {
	events := []ledger.Event{
		contribution("e1", "alice", "100.00", t0),
		approved("e2", "alice", "40.00", t0.Add(time.Hour)),
	}

	state, err := ComputeBalance(events, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, "100.00", state.BookBalance.String(), "event exactly at the cutoff is included")
	assert.Equal(t, 1, state.EventCount)

	state, err = ComputeBalance(events, "alice", t0.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, state.BookBalance.IsZero())
	assert.Equal(t, 0, state.EventCount)
}

func TestComputeBalance_Reversal(t *testing.T) {
	events := []ledger.Event{
		approved("e1", "alice", "320.00", t0),
		reversed("e2", "alice", "320.00", t0.Add(time.Hour)),
	}

	state, err := ComputeBalance(events, "alice", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, state.BookBalance.IsZero())
	assert.True(t, state.RetainedPatronage.IsZero())
	assert.True(t, VerifyBalanceIntegrity(state).Valid)
}

func TestComputeBalance_SameTimestampOrderedByID(t *testing.T) {
	// distribution "a" sorts before contribution "b" at the same instant.
	events := []ledger.Event{
		contribution("b", "alice", "10.00", t0),
		distributed("a", "alice", "10.00", t0),
	}

	state, err := ComputeBalance(events, "alice", t0)
	require.NoError(t, err)
	assert.True(t, state.BookBalance.IsZero())
}

func TestApply_OverflowLeavesStateUntouched(t *testing.T) {
	start := ledger.CapitalAccountState{
		MemberID:           "alice",
		ContributedCapital: money.MustParse(money.MaxMagnitude),
		BookBalance:        money.MustParse("1.00"),
	}

	got, err := Apply(start, contribution("e", "alice", "1.00", t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, money.ErrOverflow)
	assert.Equal(t, start, got)
}

func TestComputeAllBalances(t *testing.T) {
	events := []ledger.Event{
		contribution("e1", "alice", "100.00", t0),
		contribution("e2", "bob", "200.00", t0),
		contribution("e3", "carol", "300.00", t0.Add(48*time.Hour)),
	}

	all, err := ComputeAllBalances(events, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, MemberIDs(all))
	assert.Equal(t, "200.00", all["bob"].BookBalance.String())

	par, err := ComputeAllBalancesParallel(context.Background(), events, t0.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, all, par)
}

func TestComputeAllBalancesParallel_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ComputeAllBalancesParallel(ctx, []ledger.Event{contribution("e1", "alice", "1.00", t0)}, t0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyBalanceIntegrity_ReportsEveryViolation(t *testing.T) {
	state := ledger.CapitalAccountState{
		MemberID:             "alice",
		BookBalance:          money.MustParse("100.00"),
		ContributedCapital:   money.MustParse("50.00"),
		RetainedPatronage:    money.MustParse("-10.00"),
		DistributedPatronage: money.MustParse("-5.00"),
	}

	r := VerifyBalanceIntegrity(state)
	require.False(t, r.Valid)
	require.Len(t, r.Violations, 3)

	assert.Equal(t, ledger.CodeBookBalanceMismatch, r.Violations[0].Code)
	assert.Equal(t, "55.00", r.Violations[0].Delta.String())
	assert.Equal(t, "retained_patronage", r.Violations[1].Details["component"])
	assert.Equal(t, "distributed_patronage", r.Violations[2].Details["component"])
	assert.ErrorIs(t, r.Err(), ledger.ErrBalanceMismatch)
}

// genEvents produces event lists over a small member set with duplicate
// timestamps, so ordering ties are exercised. Each int64 seed is unpacked
// into member, kind, hour and amount.
func genEvents() gopter.Gen {
	return gen.SliceOf(gen.Int64Range(0, 1<<40)).Map(func(seeds []int64) []ledger.Event {
		out := make([]ledger.Event, len(seeds))
		for i, seed := range seeds {
			out[i] = seededEvent(fmt.Sprintf("evt-%03d", i), seed)
		}
		return out
	})
}

var members = []string{"alice", "bob", "carol"}

func seededEvent(id string, seed int64) ledger.Event {
	ev := ledger.Event{
		ID:        id,
		MemberID:  members[seed%3],
		Timestamp: t0.Add(time.Duration((seed/12)%49) * time.Hour),
		Amount:    money.FromCents((seed / 588) % 10_000_000),
	}
	switch (seed / 3) % 4 {
	case 0:
		ev.Kind = ledger.CapitalContribution{Contribution: ledger.ContributionCash}
	case 1:
		ev.Kind = ledger.AllocationApproved{PeriodID: "p"}
	case 2:
		ev.Kind = ledger.DistributionCompleted{PeriodID: "p"}
	default:
		ev.Kind = ledger.AllocationReversed{PeriodID: "p"}
	}
	return ev
}

func TestProperty_ReplayIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	asOf := t0.Add(24 * time.Hour)

	properties.Property("replaying twice yields identical state", prop.ForAll(
		func(events []ledger.Event) bool {
			a, errA := ComputeAllBalances(events, asOf)
			b, errB := ComputeAllBalances(events, asOf)
			if errA != nil || errB != nil {
				return false
			}
			return assert.ObjectsAreEqual(a, b)
		},
		genEvents(),
	))

	properties.Property("input order does not matter", prop.ForAll(
		func(events []ledger.Event) bool {
			reversedInput := make([]ledger.Event, len(events))
			for i, ev := range events {
				reversedInput[len(events)-1-i] = ev
			}
			a, _ := ComputeAllBalances(events, asOf)
			b, _ := ComputeAllBalances(reversedInput, asOf)
			return assert.ObjectsAreEqual(a, b)
		},
		genEvents(),
	))

	properties.Property("parallel replay matches sequential replay", prop.ForAll(
		func(events []ledger.Event) bool {
			a, _ := ComputeAllBalances(events, asOf)
			b, err := ComputeAllBalancesParallel(context.Background(), events, asOf, 3)
			return err == nil && assert.ObjectsAreEqual(a, b)
		},
		genEvents(),
	))

	properties.Property("book balance invariant always holds", prop.ForAll(
		func(events []ledger.Event) bool {
			all, err := ComputeAllBalances(events, asOf)
			if err != nil {
				return false
			}
			for _, s := range all {
				if VerifyBalanceIntegrity(s).Has(ledger.CodeBookBalanceMismatch) {
					return false
				}
			}
			return true
		},
		genEvents(),
	))

	properties.TestingRun(t)
}
