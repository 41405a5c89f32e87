package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// To regenerate:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_Scenarios(t *testing.T) {
	for _, name := range []string{
		"two_laborers",
		"weighted_types",
		"unbalanced_journal",
		"duplicate_delivery",
	} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			requirePass(t, result)
		})
	}
}

func TestNewReport_FormatsLines(t *testing.T) {
	r := NewResult()
	r.Allocations = append(r.Allocations, ledger.Allocation{
		MemberID:       "alice",
		TotalPatronage: money.MustParse("1.00"),
		PatronageScore: 1.0 / 3.0,
		Status:         ledger.AllocationDraft,
	})
	r.Violations = append(r.Violations,
		ledger.Violation{Code: ledger.CodeCashRateMismatch, Severity: ledger.SeverityWarning, Subject: "alice", Message: "m"},
		ledger.Violation{Code: ledger.CodeAllocationSumMismatch, Severity: ledger.SeverityError, Delta: ledger.DeltaOf(money.MustParse("-0.02"))},
	)

	rep := NewReport("fmt", r)
	require.Len(t, rep.Allocations, 1)
	assert.Equal(t, "0.3333", rep.Allocations[0].Score)
	assert.Equal(t, "0.00", rep.Allocations[0].Cash)
	assert.Equal(t, []ViolationLine{
		{Code: "CASH_RATE_MISMATCH", Severity: "warning", Subject: "alice"},
		{Code: "ALLOCATION_SUM_MISMATCH", Severity: "error", Delta: "-0.02"},
	}, rep.Violations)

	data, err := rep.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.NotContains(t, string(data), `"period"`)
	assert.Contains(t, string(data), `"balances": []`)
}
