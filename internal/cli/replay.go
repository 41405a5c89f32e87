package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Rebuild bool
}

// ReplayMemberResult holds the replay result for a single member.
type ReplayMemberResult struct {
	MemberID   string   `json:"member_id"`
	Events     int      `json:"events"`
	Book       string   `json:"book"`
	Tax        string   `json:"tax"`
	Consistent bool     `json:"consistent"`
	Findings   []string `json:"findings,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Events        int                  `json:"events"`
	AsOf          time.Time            `json:"as_of,omitzero"`
	Members       []ReplayMemberResult `json:"members"`
	Rebuilt       bool                 `json:"rebuilt,omitempty"`
	AllConsistent bool                 `json:"all_consistent"`
	Violations    []ledger.Violation   `json:"violations"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify the balance projection",
		Long: `Replay every capital account from the event log and verify it.

The log is folded twice (serially and with members in parallel) and the two
replays must agree. The incrementally maintained projection must equal the
replay, and every account must satisfy
book = contributed + retained - distributed.

--rebuild first discards the projection and rebuilds it from the log.

Exit codes:
  0 - Replay is deterministic and matches the projection
  1 - Verification failed (differences detected)
  2 - Command error (database not found, etc.)

Examples:
  patronage replay --db ./ledger.db
  patronage replay --db ./ledger.db --rebuild
  patronage replay --db ./ledger.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "rebuild the projection from the log before verifying")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.Rebuild {
		if err := s.store.RebuildProjection(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to rebuild projection", err)
		}
		opts.Logger().Info("projection rebuilt")
	}

	report, err := engine.Replay(ctx, s.store, s.formula.ReplayConcurrency)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay event log", err)
	}

	result := summarizeReplay(report)
	result.Rebuilt = opts.Rebuild

	// Output results
	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}

	return outputReplayText(cmd, result, opts.Verbose)
}

// summarizeReplay groups the report's findings by member.
func summarizeReplay(report engine.ReplayReport) ReplayResult {
	result := ReplayResult{
		Events:        report.Events,
		AsOf:          report.AsOf,
		Members:       make([]ReplayMemberResult, 0, len(report.Balances)),
		AllConsistent: report.Result.Valid,
		Violations:    report.Result.Sorted().Violations,
	}

	findings := make(map[string][]string)
	for _, v := range result.Violations {
		findings[v.Subject] = append(findings[v.Subject], v.String())
	}

	seen := make(map[string]bool, len(report.Balances))
	for _, id := range balance.MemberIDs(report.Balances) {
		st := report.Balances[id]
		seen[id] = true
		result.Members = append(result.Members, ReplayMemberResult{
			MemberID:   id,
			Events:     st.EventCount,
			Book:       st.BookBalance.String(),
			Tax:        st.TaxBalance.String(),
			Consistent: len(findings[id]) == 0,
			Findings:   findings[id],
		})
	}
	// Members known only to the projection.
	for _, v := range result.Violations {
		if v.Subject == "" || seen[v.Subject] {
			continue
		}
		seen[v.Subject] = true
		result.Members = append(result.Members, ReplayMemberResult{
			MemberID: v.Subject,
			Findings: findings[v.Subject],
		})
	}
	return result
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllConsistent {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeDeterminism,
			Message: "replay verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllConsistent {
		// Verification failure = exit code 1
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.Events == 0 && len(result.Members) == 0 {
		fmt.Fprintln(w, "No events found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d event(s), %d member(s)\n", result.Events, len(result.Members))
	if result.Rebuilt {
		fmt.Fprintln(w, "Projection rebuilt from the log")
	}
	fmt.Fprintln(w)

	for _, m := range result.Members {
		status := "✓"
		if !m.Consistent {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Member: %s\n", status, m.MemberID)
		if verbose || !m.Consistent {
			fmt.Fprintf(w, "  Events: %d\n", m.Events)
			fmt.Fprintf(w, "  Book: %s\n", m.Book)
			fmt.Fprintf(w, "  Tax: %s\n", m.Tax)
		}
		for _, f := range m.Findings {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	fmt.Fprintln(w)

	if result.AllConsistent {
		fmt.Fprintln(w, "✓ Replay deterministic and projection verified")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay verification failed")
	// Verification failure = exit code 1
	return NewExitError(ExitFailure, "replay verification failed")
}
