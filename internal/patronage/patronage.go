// Package patronage weights member contributions and splits a period's
// surplus into per-member allocations.
//
// Shares are computed as exact decimal ratios. Each member's total is rounded
// to the cent once; the cash/retained split is a rounding of the cash side
// followed by a subtraction, so cash + retained == total always. The rounding
// remainder of the period is given to the member with the largest weighted
// patronage (lowest member id on ties), so the period total equals the
// surplus exactly.
package patronage

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/compliance"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// Weights are the per-type multipliers applied to contribution subtotals.
type Weights struct {
	Labor        decimal.Decimal
	Expertise    decimal.Decimal
	Capital      decimal.Decimal
	Property     decimal.Decimal
	Relationship decimal.Decimal
}

// DefaultWeights returns labor 1.0, expertise 1.5, capital 1.0,
// property 1.0, relationship 0.5.
func DefaultWeights() Weights {
	return Weights{
		Labor:        decimal.RequireFromString("1.0"),
		Expertise:    decimal.RequireFromString("1.5"),
		Capital:      decimal.RequireFromString("1.0"),
		Property:     decimal.RequireFromString("1.0"),
		Relationship: decimal.RequireFromString("0.5"),
	}
}

// For returns the weight for t.
func (w Weights) For(t ledger.ContributionType) (decimal.Decimal, error) {
	switch t {
	case ledger.Labor:
		return w.Labor, nil
	case ledger.Expertise:
		return w.Expertise, nil
	case ledger.Capital:
		return w.Capital, nil
	case ledger.Property:
		return w.Property, nil
	case ledger.Relationship:
		return w.Relationship, nil
	}
	return decimal.Zero, &ledger.ValidationError{Field: "type", Message: fmt.Sprintf("unknown contribution type %q", t)}
}

// Totals is a member's patronage before and after weighting.
type Totals struct {
	Raw      money.Amount `json:"rawPatronage"`
	Weighted money.Amount `json:"weightedPatronage"`
}

// Calculator holds the formula configuration.
type Calculator struct {
	Weights Weights

	// MinimumCashRate is the floor enforced on each allocation's cash share
	// when the requested cash rate is at or above it.
	MinimumCashRate decimal.Decimal
}

// NewCalculator returns a calculator with the default weights and the
// IRC 1385 floor.
func NewCalculator() *Calculator {
	return &Calculator{Weights: DefaultWeights(), MinimumCashRate: compliance.MinimumCashRate}
}

// CalculatePatronage uses the default weights.
func CalculatePatronage(contributions []ledger.Contribution) (map[string]Totals, error) {
	return NewCalculator().CalculatePatronage(contributions)
}

// CalculateAllocations uses the default configuration.
func CalculateAllocations(patronage map[string]Totals, surplus money.Amount, cashRate decimal.Decimal) ([]ledger.Allocation, error) {
	return NewCalculator().CalculateAllocations(patronage, surplus, cashRate)
}

// CalculatePatronage sums approved contributions per member and type, then
// weights each type subtotal. Pending and rejected contributions are ignored.
// Members whose approved contributions are all zero-valued still appear.
func (c *Calculator) CalculatePatronage(contributions []ledger.Contribution) (map[string]Totals, error) {
	subtotals := make(map[string]map[ledger.ContributionType]money.Amount)

	for _, contrib := range contributions {
		if contrib.MemberID == "" {
			return nil, &ledger.ValidationError{Field: "memberId", Message: fmt.Sprintf("contribution %s has no member", contrib.ID)}
		}
		if !contrib.Type.Valid() {
			return nil, &ledger.ValidationError{Field: "type", Message: fmt.Sprintf("contribution %s: unknown type %q", contrib.ID, contrib.Type)}
		}
		if contrib.MonetaryValue.IsNegative() {
			return nil, &ledger.ValidationError{Field: "monetaryValue", Message: fmt.Sprintf("contribution %s is negative", contrib.ID)}
		}
		if contrib.Status != ledger.ContributionApproved {
			continue
		}
		byType, ok := subtotals[contrib.MemberID]
		if !ok {
			byType = make(map[ledger.ContributionType]money.Amount)
			subtotals[contrib.MemberID] = byType
		}
		sum, err := byType[contrib.Type].Add(contrib.MonetaryValue)
		if err != nil {
			return nil, fmt.Errorf("contribution %s: %w", contrib.ID, err)
		}
		byType[contrib.Type] = sum
	}

	out := make(map[string]Totals, len(subtotals))
	for memberID, byType := range subtotals {
		var t Totals
		for _, ct := range ledger.ContributionTypes {
			sub, ok := byType[ct]
			if !ok {
				continue
			}
			w, err := c.Weights.For(ct)
			if err != nil {
				return nil, err
			}
			weighted, err := sub.Mul(w)
			if err != nil {
				return nil, fmt.Errorf("member %s %s: %w", memberID, ct, err)
			}
			if t.Raw, err = t.Raw.Add(sub); err != nil {
				return nil, fmt.Errorf("member %s: %w", memberID, err)
			}
			if t.Weighted, err = t.Weighted.Add(weighted); err != nil {
				return nil, fmt.Errorf("member %s: %w", memberID, err)
			}
		}
		out[memberID] = t
	}
	return out, nil
}

// CalculateAllocations splits surplus across members in proportion to
// weighted patronage. It returns an empty slice when there is no weighted
// patronage. Allocations are returned in member id order with status draft.
func (c *Calculator) CalculateAllocations(patronage map[string]Totals, surplus money.Amount, cashRate decimal.Decimal) ([]ledger.Allocation, error) {
	if surplus.IsNegative() {
		return nil, &ledger.ValidationError{Field: "surplus", Message: fmt.Sprintf("must not be negative, got %s", surplus)}
	}
	if cashRate.IsNegative() || cashRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &ledger.ValidationError{Field: "cashRate", Message: fmt.Sprintf("must be within [0, 1], got %s", cashRate)}
	}

	members := make([]string, 0, len(patronage))
	weighted := make([]money.Amount, 0, len(patronage))
	for memberID := range patronage {
		members = append(members, memberID)
	}
	sort.Strings(members)

	totalWeighted := money.Zero
	for _, m := range members {
		w := patronage[m].Weighted
		if w.IsNegative() {
			return nil, &ledger.ValidationError{Field: "weightedPatronage", Message: fmt.Sprintf("member %s is negative", m)}
		}
		var err error
		if totalWeighted, err = totalWeighted.Add(w); err != nil {
			return nil, err
		}
		weighted = append(weighted, w)
	}
	if totalWeighted.IsZero() {
		return []ledger.Allocation{}, nil
	}

	allocs := make([]ledger.Allocation, len(members))
	allocated := money.Zero
	for i, m := range members {
		share, err := weighted[i].Ratio(totalWeighted)
		if err != nil {
			return nil, err
		}
		total, err := surplus.Mul(share)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m, err)
		}
		if allocated, err = allocated.Add(total); err != nil {
			return nil, err
		}
		score, _ := share.Float64()
		allocs[i] = ledger.Allocation{
			MemberID:       m,
			TotalPatronage: total,
			PatronageScore: score,
			Status:         ledger.AllocationDraft,
		}
	}

	remainder, err := surplus.Sub(allocated)
	if err != nil {
		return nil, err
	}
	if err := assignRemainder(allocs, weighted, remainder); err != nil {
		return nil, err
	}

	for i := range allocs {
		cash, retained, err := c.Split(allocs[i].TotalPatronage, cashRate)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", allocs[i].MemberID, err)
		}
		allocs[i].CashDistribution = cash
		allocs[i].RetainedAllocation = retained
	}
	return allocs, nil
}

// assignRemainder gives the period's rounding remainder to the member with
// the largest weighted patronage (lowest member id on ties). A negative
// remainder larger than that member's total is taken one cent at a time from
// the following members in the same order, so no total goes below zero.
func assignRemainder(allocs []ledger.Allocation, weighted []money.Amount, remainder money.Amount) error {
	if remainder.IsZero() {
		return nil
	}
	order := make([]int, len(allocs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return weighted[order[a]].GreaterThan(weighted[order[b]])
	})

	first := &allocs[order[0]]
	total, err := first.TotalPatronage.Add(remainder)
	if err != nil {
		return err
	}
	if !total.IsNegative() {
		first.TotalPatronage = total
		return nil
	}

	cent := money.FromCents(1)
	for owed := remainder.Neg(); owed.IsPositive(); {
		progressed := false
		for _, i := range order {
			if !owed.IsPositive() {
				break
			}
			if !allocs[i].TotalPatronage.IsPositive() {
				continue
			}
			allocs[i].TotalPatronage, _ = allocs[i].TotalPatronage.Sub(cent)
			owed, _ = owed.Sub(cent)
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("cannot absorb rounding remainder %s", remainder)
		}
	}
	return nil
}

// Split divides a member's total into cash and retained portions. Cash is
// total*rate rounded to the cent; when rate is at or above the minimum cash
// rate, cash is raised to ceil(total*minimum) if rounding left it short.
// Retained is always total - cash.
func (c *Calculator) Split(total money.Amount, cashRate decimal.Decimal) (cash, retained money.Amount, err error) {
	if cash, err = total.Mul(cashRate); err != nil {
		return money.Zero, money.Zero, err
	}
	if total.IsPositive() && cashRate.GreaterThanOrEqual(c.MinimumCashRate) {
		floor, err := total.MulCeil(c.MinimumCashRate)
		if err != nil {
			return money.Zero, money.Zero, err
		}
		if cash.LessThan(floor) {
			cash = floor
		}
	}
	if retained, err = total.Sub(cash); err != nil {
		return money.Zero, money.Zero, err
	}
	return cash, retained, nil
}
