package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/ledger"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "s.yaml", `
name: two_laborers
description: "Two labor contributors"
period:
  id: "2024"
  surplus: "1000.00"
  cash_rate: "0.25"
  contributions:
    - {id: c-1, member: alice, type: labor, value: "200.00", status: approved, approved_at: 2024-03-01T00:00:00Z}
  actions: [close, approve]
assertions:
  - {type: allocation, member: alice, total: "1000.00"}
  - {type: violation_count, count: 0}
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "two_laborers", s.Name)
	require.NotNil(t, s.Period)
	assert.Equal(t, "0.25", s.Period.CashRate)
	assert.Equal(t, []string{ActionClose, ActionApprove}, s.Period.Actions)

	require.Len(t, s.Period.Contributions, 1)
	c := s.Period.Contributions[0]
	assert.Equal(t, "alice", c.MemberID)
	assert.Equal(t, ledger.Labor, c.Type)
	assert.Equal(t, "200.00", c.MonetaryValue.String())
	assert.Equal(t, ledger.ContributionApproved, c.Status)
	assert.Equal(t, "2024-03-01T00:00:00Z", c.ApprovedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))

	require.Len(t, s.Assertions, 2)
	require.NotNil(t, s.Assertions[1].Count)
	assert.Equal(t, 0, *s.Assertions[1].Count)
}

func TestLoadScenario_ResolvesFormulaPath(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "formula.cue", "cash_rate: 0.3\n")
	path := writeScenario(t, dir, "s.yaml", `
name: with_formula
description: uses a formula file
formula: formula.cue
journal:
  - {id: tx-1, debits: [{account: a, amount: "1.00"}], credits: [{account: b, amount: "1.00"}]}
assertions:
  - {type: violation_count, count: 0}
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "formula.cue"), s.Formula)
}

func TestLoadScenario_MissingFormula(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "s.yaml", `
name: with_formula
description: uses a formula file
formula: nowhere.cue
journal:
  - {id: tx-1, debits: [{account: a, amount: "1.00"}], credits: [{account: b, amount: "1.00"}]}
assertions:
  - {type: violation_count, count: 0}
`)

	_, err := LoadScenario(path)
	assert.ErrorContains(t, err, "formula file not found")
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: y\nassertion: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			yaml:    "description: y\nevents: [{id: e}]\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nevents: [{id: e}]\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "description is required",
		},
		{
			name:    "nothing to run",
			yaml:    "name: x\ndescription: y\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "at least one of events, period or journal",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "event without id",
			yaml:    "name: x\ndescription: y\nevents: [{member: alice}]\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "events[0]: id is required",
		},
		{
			name:    "period without surplus",
			yaml:    "name: x\ndescription: y\nperiod: {id: p}\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "period: surplus is required",
		},
		{
			name:    "unknown action",
			yaml:    "name: x\ndescription: y\nperiod: {id: p, surplus: \"1.00\", actions: [explode]}\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: `unknown action "explode"`,
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "count missing",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\nassertions: [{type: processed_count}]\n",
			wantErr: "processed_count: count is required",
		},
		{
			name:    "balance without member",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\nassertions: [{type: balance, book: \"1.00\"}]\n",
			wantErr: "balance: member is required",
		},
		{
			name:    "trace_count without action",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\nassertions: [{type: trace_count, count: 1}]\n",
			wantErr: "trace_count: action is required",
		},
		{
			name:    "k1 without year",
			yaml:    "name: x\ndescription: y\nevents: [{id: e}]\nk1: [{member: alice}]\nassertions: [{type: violation_count, count: 0}]\n",
			wantErr: "k1[0]: member and year are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir_SortedAndUnique(t *testing.T) {
	dir := t.TempDir()
	body := func(name string) string {
		return "name: " + name + "\ndescription: d\nevents: [{id: e}]\nassertions: [{type: violation_count, count: 0}]\n"
	}
	writeScenario(t, dir, "b.yaml", body("second"))
	writeScenario(t, dir, "a.yaml", body("first"))
	writeScenario(t, dir, "notes.txt", "ignored")

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "second", scenarios[1].Name)

	writeScenario(t, dir, "c.yaml", body("first"))
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, `scenario name "first" already used by a.yaml`)
}

func TestEventStep_Payload(t *testing.T) {
	basis := "320.00"
	step := EventStep{
		ID: "evt-1", Type: "capital_contribution", Member: "alice",
		Amount: "500.00", Timestamp: "2024-03-01T00:00:00Z",
		Kind: "property", Basis: &basis,
	}

	data, err := step.Payload()
	require.NoError(t, err)

	var p ledger.Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "evt-1", p.EventID)
	assert.Equal(t, "property", p.ContributionKind)
	require.NotNil(t, p.AdjustedBasis)
	assert.Equal(t, "320.00", *p.AdjustedBasis)

	ev, err := ledger.DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, "500.00", ev.Amount.String())

	raw, err := EventStep{ID: "ignored", Raw: `{"eventId":`}.Payload()
	require.NoError(t, err)
	assert.Equal(t, `{"eventId":`, string(raw))
}
