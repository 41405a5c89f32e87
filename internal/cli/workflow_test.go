package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodWorkflow(t *testing.T) {
	opts := ledgerOptions(t, "text")
	_, err := allocate(t, opts)
	require.NoError(t, err)

	out, err := runWith(t, opts, NewApproveCommand, "2024")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Period 2024 approved")
	assert.Regexp(t, `alice\s+0\.4000\s+400\.00\s+80\.00\s+320\.00\s+approved`, out)

	// Only the retained portion reaches the capital account.
	out, err = runWith(t, opts, NewBalancesCommand)
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+320\.00\s+0\.00\s+0\.00\s+320\.00\s+0\.00\s+1`, out)
	assert.Regexp(t, `bob\s+480\.00`, out)

	// Approving again posts nothing new.
	_, err = runWith(t, opts, NewApproveCommand, "2024")
	require.NoError(t, err)
	out, err = runWith(t, opts, NewBalancesCommand, "--member", "alice")
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+320\.00`, out)

	out, err = runWith(t, opts, NewDistributeCommand, "2024")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Period 2024 distributed")

	out, err = runWith(t, opts, NewReverseCommand, "2024", "--member", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Period 2024 distributed")

	out, err = runWith(t, opts, NewBalancesCommand)
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+0\.00`, out)
	assert.Regexp(t, `bob\s+480\.00`, out)

	// Reversal ids are deterministic.
	_, err = runWith(t, opts, NewReverseCommand, "2024", "--member", "alice")
	require.NoError(t, err)
	out, err = runWith(t, opts, NewBalancesCommand, "--member", "alice")
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+0\.00`, out)
}

func TestPeriodTransitionErrors(t *testing.T) {
	opts := ledgerOptions(t, "text")
	_, err := allocate(t, opts)
	require.NoError(t, err)

	// Distribute before approval.
	out, err := runWith(t, opts, NewDistributeCommand, "2024")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeTransition)

	out, err = runWith(t, opts, NewReverseCommand, "2024")
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeTransition)

	_, err = runWith(t, opts, NewApproveCommand, "2024")
	require.NoError(t, err)

	out, err = runWith(t, opts, NewCancelCommand, "2024")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeTransition)
	assert.Contains(t, out, "post a reversal instead")
}

func TestCancelThenReallocate(t *testing.T) {
	opts := ledgerOptions(t, "json")
	_, err := allocate(t, opts)
	require.NoError(t, err)

	out, err := runWith(t, opts, NewCancelCommand, "2024")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   PeriodResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "failed", string(resp.Data.Period.Status))
	assert.Empty(t, resp.Data.Allocations)

	opts.Format = "text"
	out, err = allocate(t, opts)
	require.NoError(t, err)
	assert.Contains(t, out, "Period 2024 proposed")
}

func TestApproveUnknownPeriod(t *testing.T) {
	opts := ledgerOptions(t, "json")

	out, err := runWith(t, opts, NewApproveCommand, "1999")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}
