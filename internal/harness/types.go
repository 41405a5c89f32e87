package harness

import (
	"github.com/roach88/patronage/internal/compliance"
	"github.com/roach88/patronage/internal/ledger"
)

// Trace outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeRejected  = "rejected"
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
)

// TraceEvent records one step the harness performed and what came of it.
type TraceEvent struct {
	Action  string `json:"action"`  // "submit" or a period action
	Subject string `json:"subject"` // event id or period id
	Outcome string `json:"outcome"`
	Seq     int64  `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"-"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Balances    []ledger.CapitalAccountState `json:"balances"`
	Allocations []ledger.Allocation          `json:"allocations"`
	Violations  []ledger.Violation           `json:"violations"`
	K1          []compliance.K1Data          `json:"k1,omitempty"`

	// PeriodStatus is the final status of the scenario's period, if any.
	PeriodStatus ledger.PeriodStatus `json:"periodStatus,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Errors:      []string{},
		Balances:    []ledger.CapitalAccountState{},
		Allocations: []ledger.Allocation{},
		Violations:  []ledger.Violation{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Count returns how many trace events match action and, when non-empty,
// outcome.
func (r *Result) Count(action, outcome string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Action == action && (outcome == "" || ev.Outcome == outcome) {
			n++
		}
	}
	return n
}
