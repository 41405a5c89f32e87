package testutil

import (
	"time"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// At returns Epoch plus d.
func At(d time.Duration) time.Time {
	return Epoch.Add(d)
}

// Day returns midnight UTC on the given day of 2024.
func Day(month time.Month, day int) time.Time {
	return time.Date(2024, month, day, 0, 0, 0, 0, time.UTC)
}

// Cash builds a cash capital_contribution event.
func Cash(id, member, amount string, ts time.Time) ledger.Event {
	return ledger.Event{
		ID:        id,
		MemberID:  member,
		Amount:    money.MustParse(amount),
		Timestamp: ts,
		Kind:      ledger.CapitalContribution{Contribution: ledger.ContributionCash},
	}
}

// PropertyContribution builds a property capital_contribution event with an
// adjusted basis that may differ from the fair-market amount.
func PropertyContribution(id, member, amount, basis string, ts time.Time) ledger.Event {
	return ledger.Event{
		ID:        id,
		MemberID:  member,
		Amount:    money.MustParse(amount),
		Timestamp: ts,
		Kind: ledger.CapitalContribution{
			Contribution:  ledger.ContributionProperty,
			AdjustedBasis: money.MustParse(basis),
		},
	}
}

// Approved builds an allocation_approved event.
func Approved(id, member, amount, period string, ts time.Time) ledger.Event {
	return ledger.Event{
		ID:        id,
		MemberID:  member,
		Amount:    money.MustParse(amount),
		Timestamp: ts,
		Kind:      ledger.AllocationApproved{PeriodID: period},
	}
}

// Distributed builds a distribution_completed event.
func Distributed(id, member, amount, period string, ts time.Time) ledger.Event {
	return ledger.Event{
		ID:        id,
		MemberID:  member,
		Amount:    money.MustParse(amount),
		Timestamp: ts,
		Kind:      ledger.DistributionCompleted{PeriodID: period},
	}
}

// Reversed builds an allocation_reversed event.
func Reversed(id, member, amount, period string, ts time.Time) ledger.Event {
	return ledger.Event{
		ID:        id,
		MemberID:  member,
		Amount:    money.MustParse(amount),
		Timestamp: ts,
		Kind:      ledger.AllocationReversed{PeriodID: period},
	}
}

// Stamp assigns consecutive seq values from clock to events, in slice order.
func Stamp(clock *DeterministicClock, events ...ledger.Event) []ledger.Event {
	out := make([]ledger.Event, len(events))
	for i, ev := range events {
		ev.Seq = clock.Next()
		out[i] = ev
	}
	return out
}

// Approve builds an approved contribution.
func Approve(id, member string, typ ledger.ContributionType, value string, at time.Time) ledger.Contribution {
	return ledger.Contribution{
		ID:            id,
		MemberID:      member,
		Type:          typ,
		MonetaryValue: money.MustParse(value),
		Status:        ledger.ContributionApproved,
		ApprovedAt:    at,
	}
}
