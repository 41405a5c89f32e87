package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/harness"
	"github.com/roach88/patronage/internal/ledger"
)

// DeadLettersOptions holds flags for the dead-letters command.
type DeadLettersOptions struct {
	*RootOptions
	Resolve []string
	Retry   bool
}

// DeadLettersResult lists the manual-intervention queue after any resolve or
// retry was applied.
type DeadLettersResult struct {
	Resolved    []string            `json:"resolved,omitempty"`
	Retried     []IngestOutcome     `json:"retried,omitempty"`
	DeadLetters []ledger.DeadLetter `json:"deadLetters"`
}

// NewDeadLettersCommand creates the dead-letters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List or resolve events awaiting manual intervention",
		Long: `Show events that were rejected or exhausted their retries.

Nothing is dropped silently: every such event keeps its original payload,
attempt count and last error here until an operator resolves it.

--retry resubmits each queued payload through the guard; payloads that now
apply (or turn out to be duplicates) leave the queue. --resolve removes an
entry without applying it.

Example:
  patronage dead-letters --db ./ledger.db
  patronage dead-letters --retry
  patronage dead-letters --resolve evt-17 --resolve evt-18`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetters(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Resolve, "resolve", nil, "remove this event id from the queue (repeatable)")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "resubmit every queued payload")

	return cmd
}

func runDeadLetters(opts *DeadLettersOptions, cmd *cobra.Command) error {
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

	var result DeadLettersResult
	for _, id := range opts.Resolve {
		if err := s.store.ResolveDeadLetter(ctx, id); err != nil {
			return fail(formatter, "failed to resolve dead letter", err)
		}
		result.Resolved = append(result.Resolved, id)
	}

	if opts.Retry {
		if result.Retried, err = retryDeadLetters(ctx, s); err != nil {
			return fail(formatter, "retry stopped", err)
		}
	}

	if result.DeadLetters, err = s.store.DeadLetters(ctx); err != nil {
		return fail(formatter, "failed to read dead letters", err)
	}
	return formatter.Render(result, func(w io.Writer) { writeDeadLettersText(w, result) })
}

// retryDeadLetters resubmits every queued payload. Entries whose payload now
// applies, or is already in the log, are resolved.
func retryDeadLetters(ctx context.Context, s *session) ([]IngestOutcome, error) {
	queued, err := s.store.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IngestOutcome, 0, len(queued))
	for _, dl := range queued {
		ar, err := s.engine.Submit(ctx, []byte(dl.Payload))
		var rt *engine.RuntimeError
		switch {
		case errors.As(err, &rt):
			out = append(out, IngestOutcome{EventID: dl.EventID, Outcome: harness.OutcomeFailed, Code: string(rt.Code), Error: rt.Error()})
			continue
		case err != nil:
			return out, fmt.Errorf("retry %s: %w", dl.EventID, err)
		}
		if err := s.store.ResolveDeadLetter(ctx, dl.EventID); err != nil {
			return out, err
		}
		o := IngestOutcome{EventID: ar.EventID, Outcome: harness.OutcomeDuplicate}
		if ar.Applied() {
			o.Outcome = harness.OutcomeApplied
			o.Seq = ar.Seq
		}
		out = append(out, o)
	}
	return out, nil
}

func writeDeadLettersText(w io.Writer, r DeadLettersResult) {
	for _, id := range r.Resolved {
		fmt.Fprintf(w, "✓ resolved %s\n", id)
	}
	for _, o := range r.Retried {
		mark := "✓"
		if o.Outcome == harness.OutcomeFailed {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s retried %s: %s\n", mark, o.EventID, o.Outcome)
	}

	if len(r.DeadLetters) == 0 {
		fmt.Fprintln(w, "No events awaiting manual intervention")
		return
	}
	fmt.Fprintf(w, "%d event(s) awaiting manual intervention:\n", len(r.DeadLetters))
	for _, dl := range r.DeadLetters {
		fmt.Fprintf(w, "  %s  attempts=%d  since %s\n", dl.EventID, dl.Attempts, dl.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "    %s\n", dl.LastError)
	}
}
