package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/patronage/internal/ledger"
)

// Scenario describes one end-to-end ledger run: payloads submitted to the
// guard, an optional allocation period driven through its workflow, and
// assertions on the resulting state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Formula is an optional CUE formula config, relative to the scenario
	// file. The default formula is used when empty.
	Formula string `yaml:"formula,omitempty"`

	// Events are submitted in order as wire payloads.
	Events []EventStep `yaml:"events,omitempty"`

	// Period opens an allocation period and runs its actions.
	Period *PeriodStep `yaml:"period,omitempty"`

	// Journal lists transactions checked by the double-entry verifier.
	Journal []TransactionStep `yaml:"journal,omitempty"`

	// K1 lists member tax summaries to assemble after everything else ran.
	K1 []K1Step `yaml:"k1,omitempty"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep is a balance event payload. Raw, when set, is submitted verbatim
// and the other fields are ignored.
type EventStep struct {
	ID        string  `yaml:"id"`
	Type      string  `yaml:"type"`
	Member    string  `yaml:"member"`
	Amount    string  `yaml:"amount"`
	Timestamp string  `yaml:"timestamp"`
	Kind      string  `yaml:"kind,omitempty"`
	Basis     *string `yaml:"basis,omitempty"`
	Period    string  `yaml:"period,omitempty"`
	Raw       string  `yaml:"raw,omitempty"`
}

// Payload renders the step as the JSON the guard consumes.
func (s EventStep) Payload() ([]byte, error) {
	if s.Raw != "" {
		return []byte(s.Raw), nil
	}
	return json.Marshal(ledger.Payload{
		EventID:          s.ID,
		EventType:        s.Type,
		Timestamp:        s.Timestamp,
		MemberID:         s.Member,
		Amount:           s.Amount,
		ContributionKind: s.Kind,
		AdjustedBasis:    s.Basis,
		PeriodID:         s.Period,
	})
}

// PeriodStep opens a period and runs Actions against it in order.
type PeriodStep struct {
	ID            string                `yaml:"id"`
	Surplus       string                `yaml:"surplus"`
	CashRate      string                `yaml:"cash_rate,omitempty"`
	Contributions []ledger.Contribution `yaml:"contributions"`

	// Actions defaults to [close].
	Actions []string `yaml:"actions,omitempty"`
}

// Period actions.
const (
	ActionClose      = "close"
	ActionDryRun     = "dry_run"
	ActionApprove    = "approve"
	ActionDistribute = "distribute"
	ActionCancel     = "cancel"
	ActionReverse    = "reverse"
)

var periodActions = map[string]bool{
	ActionClose:      true,
	ActionDryRun:     true,
	ActionApprove:    true,
	ActionDistribute: true,
	ActionCancel:     true,
	ActionReverse:    true,
}

// TransactionStep is a journal transaction.
type TransactionStep struct {
	ID      string      `yaml:"id"`
	Debits  []EntryStep `yaml:"debits"`
	Credits []EntryStep `yaml:"credits"`
}

// EntryStep is one journal line.
type EntryStep struct {
	Account string `yaml:"account"`
	Member  string `yaml:"member,omitempty"`
	Amount  string `yaml:"amount"`
}

// K1Step requests a member's K-1 summary for a tax year.
type K1Step struct {
	Member string `yaml:"member"`
	Year   int    `yaml:"year"`
}

// Assertion validates final state. Fields are used by type:
//   - balance: Member plus any of Book, Tax, Contributed, Retained, Distributed
//   - allocation: Member plus any of Total, Cash, Retained, Score, Status
//   - allocation_count, violation_count, processed_count, dead_letter_count: Count
//   - violation: Code, optional Subject and Delta
//   - period_status: Status
//   - trace_count: Action, Outcome and Count
type Assertion struct {
	Type string `yaml:"type"`

	Member      string `yaml:"member,omitempty"`
	Book        string `yaml:"book,omitempty"`
	Tax         string `yaml:"tax,omitempty"`
	Contributed string `yaml:"contributed,omitempty"`
	Retained    string `yaml:"retained,omitempty"`
	Distributed string `yaml:"distributed,omitempty"`

	Total  string `yaml:"total,omitempty"`
	Cash   string `yaml:"cash,omitempty"`
	Score  string `yaml:"score,omitempty"`
	Status string `yaml:"status,omitempty"`

	Code    string `yaml:"code,omitempty"`
	Subject string `yaml:"subject,omitempty"`
	Delta   string `yaml:"delta,omitempty"`

	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is a pointer so that an explicit zero can be asserted.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance         = "balance"
	AssertAllocation      = "allocation"
	AssertAllocationCount = "allocation_count"
	AssertViolation       = "violation"
	AssertViolationCount  = "violation_count"
	AssertProcessedCount  = "processed_count"
	AssertDeadLetterCount = "dead_letter_count"
	AssertPeriodStatus    = "period_status"
	AssertTraceCount      = "trace_count"
)

var countAssertions = map[string]bool{
	AssertAllocationCount: true,
	AssertViolationCount:  true,
	AssertProcessedCount:  true,
	AssertDeadLetterCount: true,
	AssertTraceCount:      true,
}

// LoadScenario reads and parses a scenario YAML file. The formula path is
// resolved relative to the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Formula != "" && !filepath.IsAbs(scenario.Formula) {
		scenario.Formula = filepath.Join(filepath.Dir(path), scenario.Formula)
		if _, err := os.Stat(scenario.Formula); err != nil {
			return nil, fmt.Errorf("invalid scenario: formula file not found: %s", scenario.Formula)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string)
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Events) == 0 && s.Period == nil && len(s.Journal) == 0 {
		return fmt.Errorf("at least one of events, period or journal is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, ev := range s.Events {
		if ev.Raw == "" && ev.ID == "" {
			return fmt.Errorf("events[%d]: id is required (or raw)", i)
		}
	}

	if p := s.Period; p != nil {
		if p.ID == "" {
			return fmt.Errorf("period: id is required")
		}
		if p.Surplus == "" {
			return fmt.Errorf("period: surplus is required")
		}
		for i, a := range p.Actions {
			if !periodActions[a] {
				return fmt.Errorf("period.actions[%d]: unknown action %q", i, a)
			}
		}
	}

	for i, tx := range s.Journal {
		if tx.ID == "" {
			return fmt.Errorf("journal[%d]: id is required", i)
		}
	}

	for i, k := range s.K1 {
		if k.Member == "" || k.Year == 0 {
			return fmt.Errorf("k1[%d]: member and year are required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertBalance, AssertAllocation:
		if a.Member == "" {
			return fmt.Errorf("%s: member is required", a.Type)
		}
	case AssertViolation:
		if a.Code == "" {
			return fmt.Errorf("violation: code is required")
		}
	case AssertPeriodStatus:
		if a.Status == "" {
			return fmt.Errorf("period_status: status is required")
		}
	case AssertAllocationCount, AssertViolationCount, AssertProcessedCount, AssertDeadLetterCount, AssertTraceCount:
	default:
		return fmt.Errorf("unknown assertion type %q (want one of %s)", a.Type, strings.Join(assertionTypes(), ", "))
	}

	if countAssertions[a.Type] && a.Count == nil {
		return fmt.Errorf("%s: count is required", a.Type)
	}
	if a.Type == AssertTraceCount && a.Action == "" {
		return fmt.Errorf("trace_count: action is required")
	}
	return nil
}

func assertionTypes() []string {
	return []string{
		AssertAllocation, AssertAllocationCount, AssertBalance, AssertDeadLetterCount,
		AssertPeriodStatus, AssertProcessedCount, AssertTraceCount, AssertViolation, AssertViolationCount,
	}
}
