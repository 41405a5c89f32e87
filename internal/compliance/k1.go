package compliance

import (
	"fmt"
	"time"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// K1Accounts is a member's capital account at the start and end of a tax
// year.
type K1Accounts struct {
	Beginning ledger.CapitalAccountState
	Ending    ledger.CapitalAccountState
}

// K1Data is the per-member tax-reporting summary for one year.
type K1Data struct {
	MemberID string `json:"memberId"`
	TaxYear  int    `json:"taxYear"`

	BeginningBookBalance money.Amount `json:"beginningBookBalance"`
	EndingBookBalance    money.Amount `json:"endingBookBalance"`
	BeginningTaxBalance  money.Amount `json:"beginningTaxBalance"`
	EndingTaxBalance     money.Amount `json:"endingTaxBalance"`

	Contributions []ledger.Contribution `json:"contributions"`
	Allocations   []ledger.Allocation   `json:"allocations"`

	ContributionsTotal  money.Amount `json:"contributionsTotal"`
	PatronageDividends  money.Amount `json:"patronageDividends"`
	CashDistributions   money.Amount `json:"cashDistributions"`
	RetainedAllocations money.Amount `json:"retainedAllocations"`
}

// TaxYearBounds returns the first instant of the year and the last instant
// before the next one, in UTC.
func TaxYearBounds(taxYear int) (start, end time.Time) {
	start = time.Date(taxYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(1, 0, 0).Add(-time.Nanosecond)
	return start, end
}

// AccountsForYear replays events into the beginning (strictly before the
// year) and ending (through the last instant of the year) capital accounts.
func AccountsForYear(events []ledger.Event, memberID string, taxYear int) (K1Accounts, error) {
	start, end := TaxYearBounds(taxYear)
	beginning, err := balance.ComputeBalance(events, memberID, start.Add(-time.Nanosecond))
	if err != nil {
		return K1Accounts{}, err
	}
	ending, err := balance.ComputeBalance(events, memberID, end)
	if err != nil {
		return K1Accounts{}, err
	}
	return K1Accounts{Beginning: beginning, Ending: ending}, nil
}

// AssembleK1Data builds the K-1 summary. Only approved contributions and
// authoritative allocations whose approval falls inside taxYear are listed.
// An approved contribution of the member with no approval time is a
// validation error rather than being left off.
func AssembleK1Data(memberID string, accounts K1Accounts, contributions []ledger.Contribution, allocations []ledger.Allocation, taxYear int) (K1Data, error) {
	start, end := TaxYearBounds(taxYear)
	inYear := func(t time.Time) bool { return !t.Before(start) && !t.After(end) }

	k := K1Data{
		MemberID:             memberID,
		TaxYear:              taxYear,
		BeginningBookBalance: accounts.Beginning.BookBalance,
		EndingBookBalance:    accounts.Ending.BookBalance,
		BeginningTaxBalance:  accounts.Beginning.TaxBalance,
		EndingTaxBalance:     accounts.Ending.TaxBalance,
		Contributions:        []ledger.Contribution{},
		Allocations:          []ledger.Allocation{},
	}

	var err error
	for _, c := range contributions {
		if c.MemberID != memberID || c.Status != ledger.ContributionApproved {
			continue
		}
		if c.ApprovedAt.IsZero() {
			return K1Data{}, &ledger.ValidationError{Field: "approvedAt", Message: fmt.Sprintf("is required for approved contribution %s; it cannot be placed in a tax year", c.ID)}
		}
		if !inYear(c.ApprovedAt) {
			continue
		}
		k.Contributions = append(k.Contributions, c)
		if k.ContributionsTotal, err = k.ContributionsTotal.Add(c.MonetaryValue); err != nil {
			return K1Data{}, err
		}
	}
	for _, a := range allocations {
		if a.MemberID != memberID || !a.Authoritative() || !inYear(a.ApprovedAt) {
			continue
		}
		k.Allocations = append(k.Allocations, a)
		if k.PatronageDividends, err = k.PatronageDividends.Add(a.TotalPatronage); err != nil {
			return K1Data{}, err
		}
		if k.CashDistributions, err = k.CashDistributions.Add(a.CashDistribution); err != nil {
			return K1Data{}, err
		}
		if k.RetainedAllocations, err = k.RetainedAllocations.Add(a.RetainedAllocation); err != nil {
			return K1Data{}, err
		}
	}
	return k, nil
}
