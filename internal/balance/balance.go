// Package balance replays balance events into per-member capital-account
// state.
//
// Every function here is pure. Given the same events and cutoff the result is
// identical on every call, regardless of input order or how many goroutines
// are replaying concurrently.
package balance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// Apply folds a single event into state and returns the new state. It is the
// only place the bookBalance formula is implemented; the store's incremental
// projection calls it too.
//
// TaxBalance tracks contributed capital at tax basis only. Patronage events
// move the book side.
func Apply(state ledger.CapitalAccountState, ev ledger.Event) (ledger.CapitalAccountState, error) {
	if ev.Kind == nil {
		return state, &ledger.ValidationError{Field: "eventType", Message: "is required"}
	}
	f := folder{state: state, ev: ev}
	if err := ev.Kind.Accept(&f); err != nil {
		return state, fmt.Errorf("apply %s (%s): %w", ev.ID, ev.Type(), err)
	}
	f.state.EventCount++
	return f.state, nil
}

type folder struct {
	state ledger.CapitalAccountState
	ev    ledger.Event
}

func (f *folder) VisitCapitalContribution(k ledger.CapitalContribution) error {
	basis := f.ev.Amount
	if k.IsProperty() {
		basis = k.AdjustedBasis
	}
	return f.update(func(s *ledger.CapitalAccountState) (err error) {
		if s.ContributedCapital, err = s.ContributedCapital.Add(f.ev.Amount); err != nil {
			return err
		}
		if s.BookBalance, err = s.BookBalance.Add(f.ev.Amount); err != nil {
			return err
		}
		s.TaxBalance, err = s.TaxBalance.Add(basis)
		return err
	})
}

func (f *folder) VisitAllocationApproved(ledger.AllocationApproved) error {
	return f.update(func(s *ledger.CapitalAccountState) (err error) {
		if s.RetainedPatronage, err = s.RetainedPatronage.Add(f.ev.Amount); err != nil {
			return err
		}
		s.BookBalance, err = s.BookBalance.Add(f.ev.Amount)
		return err
	})
}

func (f *folder) VisitDistributionCompleted(ledger.DistributionCompleted) error {
	return f.update(func(s *ledger.CapitalAccountState) (err error) {
		if s.DistributedPatronage, err = s.DistributedPatronage.Add(f.ev.Amount); err != nil {
			return err
		}
		s.BookBalance, err = s.BookBalance.Sub(f.ev.Amount)
		return err
	})
}

func (f *folder) VisitAllocationReversed(ledger.AllocationReversed) error {
	return f.update(func(s *ledger.CapitalAccountState) (err error) {
		if s.RetainedPatronage, err = s.RetainedPatronage.Sub(f.ev.Amount); err != nil {
			return err
		}
		s.BookBalance, err = s.BookBalance.Sub(f.ev.Amount)
		return err
	})
}

// update applies fn to a copy so that an overflow half way through leaves the
// folder's state untouched.
func (f *folder) update(fn func(*ledger.CapitalAccountState) error) error {
	next := f.state
	if err := fn(&next); err != nil {
		return err
	}
	f.state = next
	return nil
}

// ComputeBalance folds every event for memberID with Timestamp <= asOf, in
// (Timestamp, ID) order. Events for other members are ignored.
func ComputeBalance(events []ledger.Event, memberID string, asOf time.Time) (ledger.CapitalAccountState, error) {
	state := ledger.CapitalAccountState{MemberID: memberID, AsOf: asOf}
	for _, ev := range ledger.SortEvents(events) {
		if ev.MemberID != memberID || ev.Timestamp.After(asOf) {
			continue
		}
		var err error
		if state, err = Apply(state, ev); err != nil {
			return ledger.CapitalAccountState{}, err
		}
	}
	return state, nil
}

// ComputeAllBalances folds events for every member that has at least one
// event at or before asOf.
func ComputeAllBalances(events []ledger.Event, asOf time.Time) (map[string]ledger.CapitalAccountState, error) {
	out := make(map[string]ledger.CapitalAccountState)
	for _, ev := range ledger.SortEvents(events) {
		if ev.Timestamp.After(asOf) {
			continue
		}
		state, ok := out[ev.MemberID]
		if !ok {
			state = ledger.CapitalAccountState{MemberID: ev.MemberID, AsOf: asOf}
		}
		next, err := Apply(state, ev)
		if err != nil {
			return nil, err
		}
		out[ev.MemberID] = next
	}
	return out, nil
}

// ComputeAllBalancesParallel is ComputeAllBalances with members replayed
// concurrently. Members share no state, so the result is identical. limit
// bounds the number of concurrent members; values <= 0 mean unbounded.
func ComputeAllBalancesParallel(ctx context.Context, events []ledger.Event, asOf time.Time, limit int) (map[string]ledger.CapitalAccountState, error) {
	byMember := GroupByMember(events)

	var mu sync.Mutex
	out := make(map[string]ledger.CapitalAccountState, len(byMember))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, memberID := range sortedKeys(byMember) {
		memberEvents := byMember[memberID]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			state, err := ComputeBalance(memberEvents, memberID, asOf)
			if err != nil {
				return err
			}
			if state.EventCount == 0 {
				return nil
			}
			mu.Lock()
			out[memberID] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupByMember partitions events by member id, preserving input order.
func GroupByMember(events []ledger.Event) map[string][]ledger.Event {
	out := make(map[string][]ledger.Event)
	for _, ev := range events {
		out[ev.MemberID] = append(out[ev.MemberID], ev)
	}
	return out
}

// MemberIDs returns the keys of a balance map in sorted order.
func MemberIDs(states map[string]ledger.CapitalAccountState) []string {
	return sortedKeys(states)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// VerifyBalanceIntegrity checks that
// bookBalance == contributedCapital + retainedPatronage - distributedPatronage.
// Negative components are reported too. It never returns an error.
func VerifyBalanceIntegrity(state ledger.CapitalAccountState) ledger.Result {
	r := ledger.NewResult()

	expected, err := expectedBook(state)
	if err != nil {
		r.Addf(ledger.CodeBookBalanceMismatch, state.MemberID, "cannot recompute book balance: %v", err)
		return r
	}
	if !expected.Equal(state.BookBalance) {
		delta, _ := state.BookBalance.Sub(expected)
		r.Add(ledger.Violation{
			Code:    ledger.CodeBookBalanceMismatch,
			Subject: state.MemberID,
			Message: fmt.Sprintf("book balance %s, expected %s", state.BookBalance, expected),
			Delta:   ledger.DeltaOf(delta),
			Details: map[string]string{
				"contributed_capital":   state.ContributedCapital.String(),
				"retained_patronage":    state.RetainedPatronage.String(),
				"distributed_patronage": state.DistributedPatronage.String(),
			},
		})
	}

	for _, c := range []struct {
		name  string
		value money.Amount
	}{
		{"contributed_capital", state.ContributedCapital},
		{"retained_patronage", state.RetainedPatronage},
		{"distributed_patronage", state.DistributedPatronage},
	} {
		if c.value.IsNegative() {
			r.Add(ledger.Violation{
				Code:    ledger.CodeNegativeComponent,
				Subject: state.MemberID,
				Message: fmt.Sprintf("%s is negative: %s", c.name, c.value),
				Details: map[string]string{"component": c.name},
			})
		}
	}
	return r
}

func expectedBook(s ledger.CapitalAccountState) (money.Amount, error) {
	sum, err := s.ContributedCapital.Add(s.RetainedPatronage)
	if err != nil {
		return money.Zero, err
	}
	return sum.Sub(s.DistributedPatronage)
}
