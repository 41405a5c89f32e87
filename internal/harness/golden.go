package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/compliance"
)

// Report is the stable, human-readable snapshot of a scenario run that
// golden files are compared against.
type Report struct {
	Scenario    string              `json:"scenario"`
	Trace       []TraceEvent        `json:"trace"`
	Balances    []BalanceLine       `json:"balances"`
	Period      string              `json:"period,omitempty"`
	Allocations []AllocationLine    `json:"allocations"`
	Violations  []ViolationLine     `json:"violations"`
	K1          []compliance.K1Data `json:"k1,omitempty"`
}

// BalanceLine is one member's capital account.
type BalanceLine struct {
	Member      string `json:"member"`
	Book        string `json:"book"`
	Tax         string `json:"tax"`
	Contributed string `json:"contributed"`
	Retained    string `json:"retained"`
	Distributed string `json:"distributed"`
	Events      int    `json:"events"`
}

// AllocationLine is one member's allocation. The score is fixed to four
// places.
type AllocationLine struct {
	Member   string `json:"member"`
	Score    string `json:"score"`
	Total    string `json:"total"`
	Cash     string `json:"cash"`
	Retained string `json:"retained"`
	Status   string `json:"status"`
}

// ViolationLine is one verifier finding without its free-text message.
type ViolationLine struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Subject  string `json:"subject,omitempty"`
	Delta    string `json:"delta,omitempty"`
}

// NewReport builds the snapshot for a result.
func NewReport(name string, r *Result) Report {
	rep := Report{
		Scenario:    name,
		Trace:       r.Trace,
		Balances:    make([]BalanceLine, 0, len(r.Balances)),
		Period:      string(r.PeriodStatus),
		Allocations: make([]AllocationLine, 0, len(r.Allocations)),
		Violations:  make([]ViolationLine, 0, len(r.Violations)),
		K1:          r.K1,
	}
	for _, b := range r.Balances {
		rep.Balances = append(rep.Balances, BalanceLine{
			Member:      b.MemberID,
			Book:        b.BookBalance.String(),
			Tax:         b.TaxBalance.String(),
			Contributed: b.ContributedCapital.String(),
			Retained:    b.RetainedPatronage.String(),
			Distributed: b.DistributedPatronage.String(),
			Events:      b.EventCount,
		})
	}
	for _, a := range r.Allocations {
		rep.Allocations = append(rep.Allocations, AllocationLine{
			Member:   a.MemberID,
			Score:    decimal.NewFromFloat(a.PatronageScore).StringFixed(4),
			Total:    a.TotalPatronage.String(),
			Cash:     a.CashDistribution.String(),
			Retained: a.RetainedAllocation.String(),
			Status:   string(a.Status),
		})
	}
	for _, v := range r.Violations {
		line := ViolationLine{Code: string(v.Code), Severity: string(v.Severity), Subject: v.Subject}
		if v.Delta != nil {
			line.Delta = v.Delta.String()
		}
		rep.Violations = append(rep.Violations, line)
	}
	return rep
}

// Marshal renders the report as indented JSON with a trailing newline.
func (r Report) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its report against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewReport(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
