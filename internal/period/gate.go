package period

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/compliance"
	"github.com/roach88/patronage/internal/doubleentry"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/patronage"
)

// Gate is the check a set of allocations must pass before it may be
// proposed, and again before it is approved:
//   - every allocation invariant (sum, split, scores, configured cash floor),
//   - the statutory minimum cash rule, once per allocation,
//   - a balanced journal posting for every allocation.
//
// It returns the journal it verified alongside the combined findings.
func Gate(calc *patronage.Calculator, periodID string, allocs []ledger.Allocation, surplus money.Amount, cashRate decimal.Decimal) ([]doubleentry.Transaction, ledger.Result) {
	r := calc.VerifyAllocations(allocs, surplus, cashRate)

	flagged := make(map[string]bool)
	for _, v := range r.Violations {
		if v.Code == ledger.CodeMinimumCash {
			flagged[v.Subject] = true
		}
	}
	for _, a := range allocs {
		if !flagged[a.MemberID] && !compliance.ValidateMinimumCash(a) {
			r.Add(ledger.Violation{
				Code:    ledger.CodeMinimumCash,
				Subject: a.MemberID,
				Message: fmt.Sprintf("cash %s is below the statutory %s of total %s", a.CashDistribution, compliance.MinimumCashRate, a.TotalPatronage),
			})
		}
	}

	journal := doubleentry.AllocationJournal(allocs, periodID)
	r.Merge(doubleentry.VerifyDoubleEntry(journal))
	return journal, r.Sorted()
}
