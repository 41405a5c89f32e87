// Package compliance implements the IRC 704(b) capital-account checks, the
// IRC 1385 minimum-cash rule and K-1 data assembly.
package compliance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// MinimumCashRate is the IRC 1385 floor on the cash share of a patronage
// dividend.
var MinimumCashRate = decimal.RequireFromString("0.20")

// CapitalAccount is the balance under test together with the member's
// deficit-restoration status, which is owned outside this engine.
type CapitalAccount struct {
	MemberID           string
	Balance            money.Amount
	DeficitRestoration bool
}

// ValidateMinimumCash reports whether alloc pays at least MinimumCashRate of
// its total in cash. Allocations with a zero or negative total pass.
func ValidateMinimumCash(alloc ledger.Allocation) bool {
	return MeetsCashFloor(alloc, MinimumCashRate)
}

// MeetsCashFloor is ValidateMinimumCash with an explicit floor.
func MeetsCashFloor(alloc ledger.Allocation, floor decimal.Decimal) bool {
	if !alloc.TotalPatronage.IsPositive() {
		return true
	}
	ratio, err := alloc.CashDistribution.Ratio(alloc.TotalPatronage)
	if err != nil {
		return false
	}
	return ratio.GreaterThanOrEqual(floor)
}

// Validate704bCapitalAccount recomputes the expected capital account from
// approved contributions plus the retained portion of authoritative
// allocations, and compares it to account.Balance. Every finding is returned;
// nothing is short-circuited.
func Validate704bCapitalAccount(account CapitalAccount, contributions []ledger.Contribution, allocations []ledger.Allocation) ledger.Result {
	r := ledger.NewResult()

	expected := money.Zero
	var overflow error
	add := func(v money.Amount) {
		if overflow != nil {
			return
		}
		expected, overflow = expected.Add(v)
	}

	for _, c := range contributions {
		if c.MemberID != account.MemberID || c.Status != ledger.ContributionApproved {
			continue
		}
		add(c.MonetaryValue)
	}
	for _, a := range allocations {
		if a.MemberID != account.MemberID || !a.Authoritative() {
			continue
		}
		add(a.RetainedAllocation)
	}

	if overflow != nil {
		r.Addf(ledger.CodeBalanceMismatch, account.MemberID, "cannot recompute expected balance: %v", overflow)
	} else if !expected.Equal(account.Balance) {
		delta, _ := account.Balance.Sub(expected)
		r.Add(ledger.Violation{
			Code:    ledger.CodeBalanceMismatch,
			Subject: account.MemberID,
			Message: fmt.Sprintf("capital account %s, expected %s", account.Balance, expected),
			Delta:   ledger.DeltaOf(delta),
			Details: map[string]string{
				"expected": expected.String(),
				"actual":   account.Balance.String(),
			},
		})
	}

	if account.Balance.IsNegative() {
		v := ledger.Violation{
			Code:    ledger.CodeNegativeCapital,
			Subject: account.MemberID,
			Message: fmt.Sprintf("capital account is negative: %s", account.Balance),
			Delta:   ledger.DeltaOf(account.Balance),
		}
		if account.DeficitRestoration {
			v.Severity = ledger.SeverityWarning
			v.Message += " (deficit restoration obligation on file)"
		}
		r.Add(v)
	}
	return r
}
