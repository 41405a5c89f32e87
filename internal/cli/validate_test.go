package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFormula(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func runValidateCmd(format string, args ...string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestValidateValidFormula(t *testing.T) {
	path := writeFormula(t, "formula.cue", "weights: expertise: 2\ncash_rate: 0.30\n")

	buf, err := runValidateCmd("text", path)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ "+path)
	assert.Contains(t, buf.String(), "✓ All formulas valid")
}

func TestValidateValidFormulaJSON(t *testing.T) {
	path := writeFormula(t, "formula.cue", "cash_rate: 0.25\n")

	buf, err := runValidateCmd("json", path)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Files, 1)
	summary := resp.Data.Files[0].Formula
	require.NotNil(t, summary)
	assert.Equal(t, "0.25", summary.CashRate)
	assert.Equal(t, "0.2", summary.MinimumCashRate)
	assert.Equal(t, "1.5", summary.Weights["expertise"])
	assert.Equal(t, "largest_share", summary.Rounding)
	assert.Equal(t, 5, summary.Retry.MaxAttempts)
}

func TestValidateRejectsCashRateBelowMinimum(t *testing.T) {
	path := writeFormula(t, "formula.cue", "weights: labor: 1\ncash_rate: 0.10\n")

	buf, err := runValidateCmd("text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ Validation failed")
	assert.Contains(t, buf.String(), "✗ "+path)
	assert.Contains(t, buf.String(), "cash_rate")
}

func TestValidateReportsPositions(t *testing.T) {
	path := writeFormula(t, "formula.cue", "weights: {\n\tlabor: -1\n}\n")

	buf, err := runValidateCmd("json", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeFormula, resp.Error.Code)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Files, 1)
	require.NotEmpty(t, resp.Data.Files[0].Errors)

	positioned := false
	for _, e := range resp.Data.Files[0].Errors {
		positioned = positioned || e.Line > 0
	}
	assert.True(t, positioned, "expected at least one finding with a line number")
}

func TestValidateSyntaxError(t *testing.T) {
	path := writeFormula(t, "formula.cue", "weights: {\n")

	buf, err := runValidateCmd("text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ "+path)
}

func TestValidateMixedFiles(t *testing.T) {
	good := writeFormula(t, "good.cue", "cash_rate: 0.5\n")
	bad := writeFormula(t, "bad.cue", "rounding: \"nearest\"\n")

	buf, err := runValidateCmd("text", good, bad)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✓ "+good)
	assert.Contains(t, buf.String(), "✗ "+bad)
}

func TestValidateMissingFile(t *testing.T) {
	buf, err := runValidateCmd("text", "/nonexistent/formula.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), ErrCodeNotFound)
}

func TestValidateRequiresFile(t *testing.T) {
	_, err := runValidateCmd("text")
	require.Error(t, err)
}
