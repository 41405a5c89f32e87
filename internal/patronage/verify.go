package patronage

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/compliance"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// SumTolerance is the accepted difference between a period's allocated total
// and its surplus.
var SumTolerance = money.FromCents(1)

// ScoreTolerance is the accepted difference between the sum of scores and 1.
const ScoreTolerance = 1e-10

// VerifyAllocations uses the default configuration.
func VerifyAllocations(allocs []ledger.Allocation, surplus money.Amount, cashRate decimal.Decimal) ledger.Result {
	return NewCalculator().VerifyAllocations(allocs, surplus, cashRate)
}

// VerifyAllocations re-checks every allocation invariant and reports all
// violations found.
func (c *Calculator) VerifyAllocations(allocs []ledger.Allocation, surplus money.Amount, cashRate decimal.Decimal) ledger.Result {
	r := ledger.NewResult()
	seen := make(map[string]bool, len(allocs))

	total := money.Zero
	var overflow error
	scoreSum := 0.0

	for _, a := range allocs {
		if seen[a.MemberID] {
			r.Addf(ledger.CodeDuplicateMember, a.MemberID, "member appears more than once")
		}
		seen[a.MemberID] = true

		for _, part := range []struct {
			name  string
			value money.Amount
		}{
			{"totalPatronage", a.TotalPatronage},
			{"cashDistribution", a.CashDistribution},
			{"retainedAllocation", a.RetainedAllocation},
		} {
			if part.value.IsNegative() {
				r.Add(ledger.Violation{
					Code:    ledger.CodeNegativeAllocation,
					Subject: a.MemberID,
					Message: fmt.Sprintf("%s is negative: %s", part.name, part.value),
				})
			}
		}

		if split, err := a.CashDistribution.Add(a.RetainedAllocation); err == nil && !split.Equal(a.TotalPatronage) {
			delta, _ := split.Sub(a.TotalPatronage)
			r.Add(ledger.Violation{
				Code:    ledger.CodeAllocationSplitMismatch,
				Subject: a.MemberID,
				Message: fmt.Sprintf("cash %s + retained %s != total %s", a.CashDistribution, a.RetainedAllocation, a.TotalPatronage),
				Delta:   ledger.DeltaOf(delta),
			})
		}

		if a.PatronageScore < 0 || a.PatronageScore > 1 || math.IsNaN(a.PatronageScore) {
			r.Addf(ledger.CodeScoreOutOfRange, a.MemberID, "patronage score %v outside [0, 1]", a.PatronageScore)
		}
		scoreSum += a.PatronageScore

		if !compliance.MeetsCashFloor(a, c.MinimumCashRate) {
			r.Add(ledger.Violation{
				Code:    ledger.CodeMinimumCash,
				Subject: a.MemberID,
				Message: fmt.Sprintf("cash %s is below %s of total %s", a.CashDistribution, c.MinimumCashRate, a.TotalPatronage),
			})
		}

		if expected, _, err := c.Split(a.TotalPatronage, cashRate); err == nil && !expected.Equal(a.CashDistribution) {
			r.Add(ledger.Violation{
				Code:     ledger.CodeCashRateMismatch,
				Severity: ledger.SeverityWarning,
				Subject:  a.MemberID,
				Message:  fmt.Sprintf("cash %s, expected %s at rate %s", a.CashDistribution, expected, cashRate),
			})
		}

		if overflow == nil {
			total, overflow = total.Add(a.TotalPatronage)
		}
	}

	if overflow != nil {
		r.Addf(ledger.CodeAllocationSumMismatch, "", "cannot sum allocations: %v", overflow)
	} else if delta, err := total.Sub(surplus); err == nil && delta.Abs().GreaterThan(SumTolerance) {
		r.Add(ledger.Violation{
			Code:    ledger.CodeAllocationSumMismatch,
			Message: fmt.Sprintf("allocated %s, surplus %s", total, surplus),
			Delta:   ledger.DeltaOf(delta),
		})
	}

	if len(allocs) > 0 && math.Abs(scoreSum-1) > ScoreTolerance {
		r.Addf(ledger.CodeScoreSumMismatch, "", "patronage scores sum to %v", scoreSum)
	}
	return r
}
