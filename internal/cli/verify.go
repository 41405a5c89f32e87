package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/doubleentry"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/period"
)

// VerifyResult holds the findings of a verify run.
type VerifyResult struct {
	PeriodID string                    `json:"periodId,omitempty"`
	Status   ledger.PeriodStatus       `json:"status,omitempty"`
	Journal  []doubleentry.Transaction `json:"journal,omitempty"`
	Accounts int                       `json:"accounts"`
	Result   ledger.Result             `json:"result"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [period-id]",
		Short: "Check stored allocations, their journal and every capital account",
		Long: `Re-run the ledger checks against stored state.

Every projected capital account is checked for the book balance identity
and for negative components. When a period is named, its stored
allocations are also checked: they must sum to the surplus, split into
cash and retained at the period's rate, pay at least 20% in cash, and post
a balanced double-entry journal.

Exits 1 if any error-severity violation is found. Warnings are reported
but do not fail.

Example:
  patronage verify --db ./ledger.db
  patronage verify --db ./ledger.db 2024 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var periodID string
			if len(args) == 1 {
				periodID = args[0]
			}
			return runVerify(rootOpts, periodID, cmd)
		},
	}

	return cmd
}

func runVerify(opts *RootOptions, periodID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	s, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := verifyLedger(ctx, s, periodID)
	if err != nil {
		return fail(formatter, "verification could not run", err)
	}
	formatter.VerboseLog("Checked %d account(s), %d journal transaction(s)", result.Accounts, len(result.Journal))

	if !result.Result.Valid {
		errs := result.Result.Errors()
		if err := formatter.Violations(ErrCodeViolations, fmt.Sprintf("%d violation(s)", len(errs)), result.Result.Sorted().Violations); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d violation(s)", len(errs)))
	}

	return formatter.Render(result, func(w io.Writer) {
		if result.PeriodID != "" {
			fmt.Fprintf(w, "Period %s (%s): %d journal transaction(s)\n", result.PeriodID, result.Status, len(result.Journal))
		}
		fmt.Fprintf(w, "Accounts: %d\n", result.Accounts)
		writeVerificationText(w, result.Result)
	})
}

func verifyLedger(ctx context.Context, s *session, periodID string) (VerifyResult, error) {
	out := VerifyResult{PeriodID: periodID, Result: ledger.NewResult()}

	if periodID != "" {
		p, err := s.store.Period(ctx, periodID)
		if err != nil {
			return VerifyResult{}, err
		}
		allocs, err := s.store.Allocations(ctx, periodID)
		if err != nil {
			return VerifyResult{}, err
		}
		out.Status = p.Status
		// Open, closing and failed periods have no proposal to check yet.
		if len(allocs) > 0 || !unproposed(p.Status) {
			var findings ledger.Result
			out.Journal, findings = period.Gate(s.formula.Calculator(), periodID, allocs, p.Surplus, p.CashRate)
			out.Result.Merge(findings)
		}
	}

	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	out.Accounts = len(accounts)
	for _, a := range accounts {
		out.Result.Merge(balance.VerifyBalanceIntegrity(a))
	}
	return out, nil
}

func unproposed(s ledger.PeriodStatus) bool {
	return s == ledger.PeriodOpen || s == ledger.PeriodClosing || s == ledger.PeriodFailed
}
