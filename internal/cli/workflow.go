package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/ledger"
)

// PeriodResult is the state of a period after a workflow command.
type PeriodResult struct {
	Period      ledger.Period       `json:"period"`
	Allocations []ledger.Allocation `json:"allocations"`
}

// periodAction runs one workflow step against an open session.
type periodAction func(ctx context.Context, s *session, periodID string) error

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return newPeriodCommand(rootOpts, "approve", "Approve a proposed period",
		`Approve a proposed period's allocations.

The allocations are re-checked against the same gate used at proposal time.
On success they become authoritative and the retained portion of each is
posted to the member's capital account. Approving an approved period
re-posts any missing events.

Exits 1 if the allocations no longer pass verification.

Example:
  patronage approve --db ./ledger.db 2024`,
		"approve failed",
		func(ctx context.Context, s *session, id string) error {
			_, err := s.runner.Approve(ctx, id)
			return err
		})
}

// NewDistributeCommand creates the distribute command.
func NewDistributeCommand(rootOpts *RootOptions) *cobra.Command {
	return newPeriodCommand(rootOpts, "distribute", "Mark an approved period's cash paid",
		`Mark an approved period's allocations distributed.

The cash portion never entered a capital account, so no balance events are
posted.

Example:
  patronage distribute --db ./ledger.db 2024`,
		"distribute failed",
		func(ctx context.Context, s *session, id string) error {
			return s.runner.Distribute(ctx, id)
		})
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return newPeriodCommand(rootOpts, "cancel", "Abandon a period that has not been approved",
		`Cancel a period before approval.

Draft and proposed allocations and closing checkpoints are removed and the
period is marked failed. Running allocate again starts from aggregation.
Approved periods cannot be cancelled; use reverse.

Example:
  patronage cancel --db ./ledger.db 2024`,
		"cancel failed",
		func(ctx context.Context, s *session, id string) error {
			return s.runner.Cancel(ctx, id)
		})
}

// ReverseOptions holds flags for the reverse command.
type ReverseOptions struct {
	*RootOptions
	Members []string
}

// NewReverseCommand creates the reverse command.
func NewReverseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReverseOptions{RootOptions: rootOpts}
	cmd := newPeriodCommand(rootOpts, "reverse", "Post compensating reversals for an approved period",
		`Undo the retained portion of an approved period's allocations.

An allocation_reversed event is posted for each named member, or for every
member when none are named. Reversal ids are deterministic, so running the
command twice posts each reversal once.

Example:
  patronage reverse --db ./ledger.db 2024
  patronage reverse --db ./ledger.db 2024 --member alice --member bob`,
		"reverse failed",
		func(ctx context.Context, s *session, id string) error {
			return s.runner.Reverse(ctx, id, opts.Now(), opts.Members...)
		})
	cmd.Flags().StringSliceVar(&opts.Members, "member", nil, "reverse only this member (repeatable)")
	return cmd
}

func newPeriodCommand(rootOpts *RootOptions, use, short, long, failure string, action periodAction) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <period-id>",
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeriodAction(rootOpts, cmd, args[0], failure, action)
		},
	}
}

func runPeriodAction(opts *RootOptions, cmd *cobra.Command, periodID, failure string, action periodAction) error {
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

	if err := action(ctx, s, periodID); err != nil {
		return fail(formatter, fmt.Sprintf("period %s: %s", periodID, failure), err)
	}

	result, err := readPeriod(ctx, s, periodID)
	if err != nil {
		return fail(formatter, "failed to read period", err)
	}
	return formatter.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Period %s %s\n", result.Period.ID, result.Period.Status)
		writeAllocationsText(w, result.Allocations)
	})
}

func readPeriod(ctx context.Context, s *session, periodID string) (PeriodResult, error) {
	p, err := s.store.Period(ctx, periodID)
	if err != nil {
		return PeriodResult{}, err
	}
	allocs, err := s.store.Allocations(ctx, periodID)
	if err != nil {
		return PeriodResult{}, err
	}
	return PeriodResult{Period: p, Allocations: allocs}, nil
}
