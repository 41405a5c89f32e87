package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/period"
)

// AllocateOptions holds flags for the allocate command.
type AllocateOptions struct {
	*RootOptions
	Period        string
	Surplus       string
	CashRate      string
	Contributions string
	DryRun        bool
}

// AllocateResult is the proposal for a period together with its status.
type AllocateResult struct {
	DryRun   bool                `json:"dryRun"`
	Status   ledger.PeriodStatus `json:"status,omitempty"`
	Proposal period.Proposal     `json:"proposal"`
}

// NewAllocateCommand creates the allocate command.
func NewAllocateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AllocateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Close a period and propose its patronage allocations",
		Long: `Open an allocation period and close it into a proposal.

Approved contributions are weighted by the formula and the surplus is split
pro rata, then divided into cash and retained portions. The proposal must
pass the allocation checks, the 20% minimum cash rule and a balanced journal
before it is stored.

An interrupted close resumes from its last checkpoint when run again. With
--dry-run nothing is written and gate findings are reported, not enforced.

Exits 1 if the proposal fails verification.

Example:
  patronage allocate --period 2024 --surplus 1000.00 --contributions contributions.yaml
  patronage allocate --period 2024 --surplus 1000.00 --cash-rate 0.30 --contributions c.json --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAllocate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Period, "period", "", "period id (required)")
	cmd.Flags().StringVar(&opts.Surplus, "surplus", "", "allocable surplus, e.g. 1000.00 (required)")
	cmd.Flags().StringVar(&opts.CashRate, "cash-rate", "", "cash share of each allocation (default from formula)")
	cmd.Flags().StringVar(&opts.Contributions, "contributions", "", "contributions file, .json or .yaml (required)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute the proposal without writing anything")
	_ = cmd.MarkFlagRequired("period")
	_ = cmd.MarkFlagRequired("surplus")
	_ = cmd.MarkFlagRequired("contributions")

	return cmd
}

func runAllocate(opts *AllocateOptions, cmd *cobra.Command) error {
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

	in, err := allocateInput(opts, s)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid input", err)
	}
	formatter.VerboseLog("Period %s: surplus %s, cash rate %s, %d contribution(s)",
		in.PeriodID, in.Surplus, in.CashRate, len(in.Contributions))

	result := AllocateResult{DryRun: opts.DryRun}
	if opts.DryRun {
		if result.Proposal, err = s.runner.DryRun(ctx, in); err != nil {
			return fail(formatter, "dry run failed", err)
		}
	} else {
		if _, err := s.runner.Open(ctx, in); err != nil {
			return fail(formatter, "failed to open period", err)
		}
		if result.Proposal, err = s.runner.Close(ctx, in.PeriodID); err != nil {
			return fail(formatter, fmt.Sprintf("period %s close failed", in.PeriodID), err)
		}
		p, err := s.store.Period(ctx, in.PeriodID)
		if err != nil {
			return fail(formatter, "failed to read period", err)
		}
		result.Status = p.Status
	}

	if err := formatter.Render(result, func(w io.Writer) { writeProposalText(w, result) }); err != nil {
		return err
	}
	if !result.Proposal.Verification.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("proposal has %d violation(s)", len(result.Proposal.Verification.Errors())))
	}
	return nil
}

func allocateInput(opts *AllocateOptions, s *session) (period.Input, error) {
	surplus, err := parseSurplus(opts.Surplus)
	if err != nil {
		return period.Input{}, err
	}
	rate, err := parseRate("cash-rate", opts.CashRate, s.formula.CashRate)
	if err != nil {
		return period.Input{}, err
	}
	contributions, err := loadContributions(opts.Contributions)
	if err != nil {
		return period.Input{}, err
	}
	in := period.Input{
		PeriodID:      opts.Period,
		Surplus:       surplus,
		CashRate:      rate,
		Contributions: contributions,
	}
	return in, in.Validate()
}

func writeProposalText(w io.Writer, r AllocateResult) {
	p := r.Proposal
	switch {
	case r.DryRun:
		fmt.Fprintf(w, "Period %s (dry run): surplus %s at cash rate %s\n", p.PeriodID, p.Surplus, p.CashRate)
	default:
		fmt.Fprintf(w, "Period %s %s: surplus %s at cash rate %s\n", p.PeriodID, r.Status, p.Surplus, p.CashRate)
	}
	writeAllocationsText(w, p.Allocations)
	fmt.Fprintf(w, "Journal: %d transaction(s)\n", len(p.Journal))
	writeVerificationText(w, p.Verification)
}

func writeAllocationsText(w io.Writer, allocs []ledger.Allocation) {
	if len(allocs) == 0 {
		fmt.Fprintln(w, "No allocations")
		return
	}
	fmt.Fprintf(w, "%-16s %8s %14s %14s %14s %-12s\n", "MEMBER", "SCORE", "TOTAL", "CASH", "RETAINED", "STATUS")
	for _, a := range allocs {
		fmt.Fprintf(w, "%-16s %8.4f %14s %14s %14s %-12s\n",
			a.MemberID, a.PatronageScore, a.TotalPatronage, a.CashDistribution, a.RetainedAllocation, a.Status)
	}
}

func writeVerificationText(w io.Writer, r ledger.Result) {
	if len(r.Violations) == 0 {
		fmt.Fprintln(w, "✓ Verified")
		return
	}
	mark := "✓"
	if !r.Valid {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %d finding(s)\n", mark, len(r.Violations))
	for _, v := range r.Sorted().Violations {
		fmt.Fprintf(w, "  %s %s\n", v.Severity, v)
	}
}
