package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func requirePass(t *testing.T, r *Result) {
	t.Helper()
	require.True(t, r.Pass, strings.Join(r.Errors, "\n"))
}

func TestRun_MalformedPayloadsAreDeadLettered(t *testing.T) {
	s := mustParse(t, `
name: malformed
description: rejected payloads never touch balances
events:
  - {id: evt-1, type: capital_contribution, member: alice, amount: "10.00", timestamp: "2024-01-01T00:00:00Z"}
  - {raw: '{"eventId":"bad-1","eventType":"capital_contribution","timestamp":"2024-01-02T00:00:00Z","memberId":"alice","amount":"-5.00"}'}
  - {raw: 'not json at all'}
  - {id: bad-2, type: capital_contribution, member: alice, amount: "1.005", timestamp: "2024-01-03T00:00:00Z"}
assertions:
  - {type: trace_count, action: submit, outcome: rejected, count: 3}
  - {type: dead_letter_count, count: 3}
  - {type: processed_count, count: 1}
  - {type: balance, member: alice, book: "10.00"}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)

	require.Len(t, r.Trace, 4)
	assert.Equal(t, "bad-1", r.Trace[1].Subject)
	assert.Equal(t, string(engine.ErrCodeMalformedEvent), r.Trace[1].Code)
	assert.True(t, strings.HasPrefix(r.Trace[2].Subject, "malformed-"), r.Trace[2].Subject)
	assert.Equal(t, "bad-2", r.Trace[3].Subject)
}

func TestRun_GateRefusesCashBelowFloor(t *testing.T) {
	s := mustParse(t, `
name: below_floor
description: a cash rate under the statutory floor fails the close and leaves nothing behind
period:
  id: "2024"
  surplus: "1000.00"
  cash_rate: "0.10"
  contributions:
    - {id: c-1, member: alice, type: labor, value: "200.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
    - {id: c-2, member: bob, type: labor, value: "300.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
  actions: [close, approve]
assertions:
  - {type: period_status, status: failed}
  - {type: allocation_count, count: 0}
  - {type: violation, code: MINIMUM_CASH_VIOLATION, subject: alice}
  - {type: violation, code: MINIMUM_CASH_VIOLATION, subject: bob}
  - {type: violation_count, count: 2}
  - {type: trace_count, action: close, outcome: failed, count: 1}
  - {type: trace_count, action: approve, outcome: failed, count: 1}
  - {type: processed_count, count: 0}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
	assert.Contains(t, r.Trace[1].Error, "MINIMUM_CASH_VIOLATION")
}

func TestRun_ReversalUndoesRetainedPortion(t *testing.T) {
	s := mustParse(t, `
name: reversal
description: reversing an approved period posts compensating events
period:
  id: "2024"
  surplus: "1000.00"
  contributions:
    - {id: c-1, member: alice, type: labor, value: "200.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
    - {id: c-2, member: bob, type: labor, value: "300.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
  actions: [close, approve, reverse, cancel]
assertions:
  - {type: balance, member: alice, book: "0.00", retained: "0.00"}
  - {type: balance, member: bob, book: "0.00", retained: "0.00"}
  - {type: processed_count, count: 4}
  - {type: period_status, status: approved}
  - {type: trace_count, action: cancel, outcome: failed, count: 1}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
	for _, b := range r.Balances {
		assert.Equal(t, 2, b.EventCount, b.MemberID)
	}
}

func TestRun_CancelThenCloseStartsOver(t *testing.T) {
	s := mustParse(t, `
name: cancel_and_retry
description: a cancelled proposal can be closed again
period:
  id: "2024"
  surplus: "90.00"
  contributions:
    - {id: c-1, member: alice, type: relationship, value: "100.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
    - {id: c-2, member: bob, type: capital, value: "100.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
    - {id: c-3, member: carol, type: property, value: "100.00", status: rejected}
  actions: [close, cancel, close]
assertions:
  - {type: period_status, status: proposed}
  - {type: allocation_count, count: 2}
  - {type: allocation, member: alice, total: "30.00", cash: "6.00", retained: "24.00"}
  - {type: allocation, member: bob, total: "60.00", cash: "12.00", retained: "48.00"}
  - {type: trace_count, action: close, outcome: ok, count: 2}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
}

func TestRun_PropertyContributionKeepsBasis(t *testing.T) {
	s := mustParse(t, `
name: property
description: property contributions carry their adjusted basis into the tax balance
events:
  - {id: evt-1, type: capital_contribution, member: alice, amount: "500.00", kind: property, basis: "320.00", timestamp: "2024-03-01T00:00:00Z"}
  - {id: evt-2, type: capital_contribution, member: alice, amount: "50.00", timestamp: "2024-03-02T00:00:00Z"}
assertions:
  - {type: balance, member: alice, book: "550.00", tax: "370.00", contributed: "550.00"}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
}

func TestRun_ConflictingRedeliveryKeepsFirstWrite(t *testing.T) {
	s := mustParse(t, `
name: conflict
description: a redelivery with a different body is ignored
events:
  - {id: evt-1, type: capital_contribution, member: alice, amount: "100.00", timestamp: "2024-01-15T00:00:00Z"}
  - {id: evt-1, type: capital_contribution, member: alice, amount: "999.00", timestamp: "2024-01-15T00:00:00Z"}
assertions:
  - {type: trace_count, action: submit, outcome: conflict, count: 1}
  - {type: balance, member: alice, book: "100.00"}
`)

	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
}

func TestRun_FormulaFileChangesWeights(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "formula.cue"), []byte(`
weights: expertise: 3
cash_rate: 0.30
`), 0o644))
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom_formula
description: expertise weighted at 3 with a 30% cash rate
formula: formula.cue
period:
  id: "2024"
  surplus: "10000.00"
  contributions:
    - {id: c-1, member: alice, type: labor, value: "5000.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
    - {id: c-2, member: bob, type: expertise, value: "5000.00", status: approved, approved_at: 2024-06-30T00:00:00Z}
assertions:
  - {type: allocation, member: alice, total: "2500.00", cash: "750.00", retained: "1750.00", score: "0.25"}
  - {type: allocation, member: bob, total: "7500.00", cash: "2250.00", retained: "5250.00", score: "0.75"}
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	r, err := Run(s)
	require.NoError(t, err)
	requirePass(t, r)
}

func TestRun_InvalidFormulaIsAnError(t *testing.T) {
	dir := t.TempDir()
	formula := filepath.Join(dir, "formula.cue")
	require.NoError(t, os.WriteFile(formula, []byte("cash_rate: 0.05\n"), 0o644))

	s := mustParse(t, `
name: bad_formula
description: x
journal:
  - {id: tx-1, debits: [{account: a, amount: "1.00"}], credits: [{account: b, amount: "1.00"}]}
assertions:
  - {type: violation_count, count: 0}
`)
	s.Formula = formula

	_, err := Run(s)
	assert.ErrorContains(t, err, "failed to load formula")
}

func TestRun_UnusableScenarioValues(t *testing.T) {
	s := mustParse(t, `
name: bad_surplus
description: x
period: {id: "2024", surplus: "lots"}
assertions:
  - {type: violation_count, count: 0}
`)
	_, err := Run(s)
	assert.ErrorContains(t, err, "period surplus")

	s = mustParse(t, `
name: bad_journal
description: x
journal:
  - {id: tx-1, debits: [{account: a, amount: "1.001"}], credits: []}
assertions:
  - {type: violation_count, count: 0}
`)
	_, err = Run(s)
	assert.ErrorContains(t, err, "journal[0] debits")
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := mustParse(t, `
name: wrong_expectation
description: x
events:
  - {id: evt-1, type: capital_contribution, member: alice, amount: "10.00", timestamp: "2024-01-01T00:00:00Z"}
assertions:
  - {type: balance, member: alice, book: "11.00"}
`)

	r, err := Run(s)
	require.NoError(t, err)
	assert.False(t, r.Pass)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "alice book 11.00")
}

func TestRunContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := mustParse(t, `
name: cancelled
description: x
events:
  - {id: evt-1, type: capital_contribution, member: alice, amount: "10.00", timestamp: "2024-01-01T00:00:00Z"}
assertions:
  - {type: processed_count, count: 0}
`)
	_, err := RunContext(ctx, s)
	assert.Error(t, err)
}

// Any delivery order with any number of redeliveries yields one processed
// row per distinct id and the balance of the distinct events.
func TestProperty_RedeliveryIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivered events apply once", prop.ForAll(
		func(cents []int64, repeats []int) bool {
			distinct := money.Zero
			var events []EventStep
			for i, c := range cents {
				amount := money.FromCents(c)
				distinct, _ = distinct.Add(amount)
				step := EventStep{
					ID:        fmt.Sprintf("evt-%02d", i),
					Type:      string(ledger.EventCapitalContribution),
					Member:    "alice",
					Amount:    amount.String(),
					Timestamp: fmt.Sprintf("2024-01-%02dT00:00:00Z", i+1),
				}
				events = append(events, step)
				for r := 0; i < len(repeats) && r < repeats[i]; r++ {
					events = append(events, step)
				}
			}

			n := len(cents)
			s := &Scenario{
				Name:        "redelivery",
				Description: "generated",
				Events:      events,
				Assertions: []Assertion{
					{Type: AssertProcessedCount, Count: &n},
					{Type: AssertBalance, Member: "alice", Book: distinct.String(), Tax: distinct.String()},
				},
			}
			r, err := Run(s)
			return err == nil && r.Pass && r.Count(ActionSubmit, OutcomeApplied) == n
		},
		gen.SliceOfN(8, gen.Int64Range(1, 1_000_000)),
		gen.SliceOfN(8, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func TestRun_IsDeterministic(t *testing.T) {
	s, err := LoadScenario("../../testdata/scenarios/two_laborers.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
