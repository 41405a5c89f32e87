package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
)

// BalancesOptions holds flags for the balances command.
type BalancesOptions struct {
	*RootOptions
	Member string
	AsOf   string
}

// BalancesResult lists capital accounts.
type BalancesResult struct {
	// AsOf is zero when the accounts come from the live projection.
	AsOf     time.Time                    `json:"asOf,omitzero"`
	Source   string                       `json:"source"` // "projection" or "replay"
	Accounts []ledger.CapitalAccountState `json:"accounts"`
}

// NewBalancesCommand creates the balances command.
func NewBalancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalancesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show member capital accounts",
		Long: `Show book and tax capital accounts.

Without --as-of the incrementally maintained projection is read. With
--as-of the accounts are replayed from the event log, folding only events
at or before the cutoff. A bare date means the end of that day in UTC.

Example:
  patronage balances --db ./ledger.db
  patronage balances --member alice --as-of 2024-06-30
  patronage balances --as-of 2024-12-31T23:59:59Z --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalances(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Member, "member", "", "show only this member")
	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "replay the log up to this time (RFC 3339 or YYYY-MM-DD)")

	return cmd
}

func runBalances(opts *BalancesOptions, cmd *cobra.Command) error {
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

	var asOf time.Time
	if opts.AsOf != "" {
		var err error
		if asOf, err = parseAsOf(opts.AsOf); err != nil {
			_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid flag", err)
		}
	}

	s, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	result := BalancesResult{Source: "projection", AsOf: asOf}
	if asOf.IsZero() {
		result.Accounts, err = projectedAccounts(ctx, s, opts.Member)
	} else {
		result.Source = "replay"
		result.Accounts, err = replayedAccounts(ctx, s, opts.Member, asOf)
	}
	if err != nil {
		return fail(formatter, "failed to read balances", err)
	}

	return formatter.Render(result, func(w io.Writer) { writeBalancesText(w, result) })
}

func projectedAccounts(ctx context.Context, s *session, member string) ([]ledger.CapitalAccountState, error) {
	if member == "" {
		return s.store.Accounts(ctx)
	}
	acct, err := s.store.Account(ctx, member)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", member, err)
	}
	return []ledger.CapitalAccountState{acct}, nil
}

func replayedAccounts(ctx context.Context, s *session, member string, asOf time.Time) ([]ledger.CapitalAccountState, error) {
	if member != "" {
		events, err := s.store.ReadMemberEvents(ctx, member)
		if err != nil {
			return nil, err
		}
		acct, err := balance.ComputeBalance(events, member, asOf)
		if err != nil {
			return nil, err
		}
		return []ledger.CapitalAccountState{acct}, nil
	}

	events, err := s.store.ReadEvents(ctx)
	if err != nil {
		return nil, err
	}
	states, err := balance.ComputeAllBalancesParallel(ctx, events, asOf, s.formula.ReplayConcurrency)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.CapitalAccountState, 0, len(states))
	for _, id := range balance.MemberIDs(states) {
		out = append(out, states[id])
	}
	return out, nil
}

func writeBalancesText(w io.Writer, r BalancesResult) {
	if len(r.Accounts) == 0 {
		fmt.Fprintln(w, "No capital accounts")
		return
	}
	if !r.AsOf.IsZero() {
		fmt.Fprintf(w, "As of %s (replayed)\n", r.AsOf.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "%-16s %14s %14s %14s %14s %14s %6s\n",
		"MEMBER", "BOOK", "TAX", "CONTRIBUTED", "RETAINED", "DISTRIBUTED", "EVENTS")
	for _, a := range r.Accounts {
		fmt.Fprintf(w, "%-16s %14s %14s %14s %14s %14s %6d\n",
			a.MemberID, a.BookBalance, a.TaxBalance, a.ContributedCapital,
			a.RetainedPatronage, a.DistributedPatronage, a.EventCount)
	}
}
