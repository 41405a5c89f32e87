package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/compliance"
)

// K1Options holds flags for the k1 command.
type K1Options struct {
	*RootOptions
	Member string
	Year   int
}

// NewK1Command creates the k1 command.
func NewK1Command(rootOpts *RootOptions) *cobra.Command {
	opts := &K1Options{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "k1",
		Short: "Assemble a member's K-1 capital account summary",
		Long: `Assemble the data a member's Schedule K-1 needs for one tax year.

Beginning and ending book and tax capital accounts are replayed from the
event log at the year's boundaries (UTC). Approved contributions and
authoritative allocations approved during the year are listed with their
totals.

Example:
  patronage k1 --db ./ledger.db --member alice --year 2024
  patronage k1 --member alice --year 2024 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runK1(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Member, "member", "", "member id (required)")
	cmd.Flags().IntVar(&opts.Year, "year", 0, "tax year (required)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("year")

	return cmd
}

func runK1(opts *K1Options, cmd *cobra.Command) error {
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

	if opts.Year < 1 || opts.Year > 9999 {
		err := fmt.Errorf("--year %d out of range", opts.Year)
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid flag", err)
	}

	s, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := assembleK1(ctx, s, opts.Member, opts.Year)
	if err != nil {
		return fail(formatter, "failed to assemble K-1", err)
	}
	return formatter.Render(data, func(w io.Writer) { writeK1Text(w, data) })
}

func assembleK1(ctx context.Context, s *session, member string, year int) (compliance.K1Data, error) {
	events, err := s.store.ReadMemberEvents(ctx, member)
	if err != nil {
		return compliance.K1Data{}, err
	}
	accounts, err := compliance.AccountsForYear(events, member, year)
	if err != nil {
		return compliance.K1Data{}, err
	}
	contributions, err := s.store.MemberContributions(ctx, member)
	if err != nil {
		return compliance.K1Data{}, err
	}
	allocs, err := s.store.MemberAllocations(ctx, member)
	if err != nil {
		return compliance.K1Data{}, err
	}
	return compliance.AssembleK1Data(member, accounts, contributions, allocs, year)
}

func writeK1Text(w io.Writer, k compliance.K1Data) {
	fmt.Fprintf(w, "K-1 capital account summary: %s, tax year %d\n", k.MemberID, k.TaxYear)
	fmt.Fprintf(w, "  %-28s %14s %14s\n", "", "BOOK", "TAX")
	fmt.Fprintf(w, "  %-28s %14s %14s\n", "Beginning capital account", k.BeginningBookBalance, k.BeginningTaxBalance)
	fmt.Fprintf(w, "  %-28s %14s %14s\n", "Ending capital account", k.EndingBookBalance, k.EndingTaxBalance)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-28s %14s\n", "Contributions", k.ContributionsTotal)
	fmt.Fprintf(w, "  %-28s %14s\n", "Patronage dividends", k.PatronageDividends)
	fmt.Fprintf(w, "  %-28s %14s\n", "  paid in cash", k.CashDistributions)
	fmt.Fprintf(w, "  %-28s %14s\n", "  retained", k.RetainedAllocations)

	if len(k.Contributions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Contributions:")
		for _, c := range k.Contributions {
			fmt.Fprintf(w, "  %-12s %-14s %14s  %s\n", c.ID, c.Type, c.MonetaryValue, c.ApprovedAt.Format(time.DateOnly))
		}
	}
	if len(k.Allocations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Allocations:")
		for _, a := range k.Allocations {
			fmt.Fprintf(w, "  %-12s %14s %14s %14s  %s\n", a.PeriodID, a.TotalPatronage, a.CashDistribution, a.RetainedAllocation, a.ApprovedAt.Format(time.DateOnly))
		}
	}
}
