package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/harness"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	PostgresDSN string
}

// IngestOutcome is what the guard did with one payload line.
type IngestOutcome struct {
	Line    int    `json:"line"`
	EventID string `json:"eventId"`
	Outcome string `json:"outcome"`
	Seq     int64  `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestResult summarizes an ingest run.
type IngestResult struct {
	Backend    string          `json:"backend"`
	Lines      int             `json:"lines"`
	Applied    int             `json:"applied"`
	Duplicates int             `json:"duplicates"`
	Conflicts  int             `json:"conflicts"`
	Rejected   int             `json:"rejected"`
	Outcomes   []IngestOutcome `json:"outcomes"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <payloads.jsonl|->",
		Short: "Apply balance event payloads from a JSON-lines file",
		Long: `Submit each line of a JSON-lines file to the idempotency guard.

Every payload is applied at most once. Redelivered event ids are reported as
duplicates (or conflicts, when the payload differs from the first delivery)
and leave balances untouched. Malformed payloads are rejected and recorded;
events that exhaust their retries are dead-lettered.

Exits 1 if any payload was rejected.

Example:
  patronage ingest --db ./ledger.db events.jsonl
  cat events.jsonl | patronage ingest -
  patronage ingest --postgres-dsn "$DSN" events.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "append to PostgreSQL instead of SQLite (default $PATRONAGE_POSTGRES_DSN)")

	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
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

	in, err := openInput(path, cmd.InOrStdin())
	if err != nil {
		return fail(formatter, "failed to open payloads", err)
	}
	lines, err := readPayloads(in)
	in.Close()
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read payloads", err)
	}

	log, err := opts.openEventLog(ctx, opts.PostgresDSN)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := log.Close(); cerr != nil {
			opts.Logger().Error("error closing database", "error", cerr)
		}
	}()
	formatter.VerboseLog("Submitting %d payload(s) to %s", len(lines), log.name)

	result, err := ingest(ctx, log.engine, lines)
	result.Backend = log.name
	if err != nil {
		return fail(formatter, "ingest stopped", err)
	}

	if err := formatter.Render(result, func(w io.Writer) { writeIngestText(w, result, opts.Verbose) }); err != nil {
		return err
	}
	if result.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) rejected", result.Rejected))
	}
	return nil
}

// ingest submits lines in order. Rejections are part of the result; only an
// error the guard could not record stops the run.
func ingest(ctx context.Context, eng *engine.Engine, lines []payloadLine) (IngestResult, error) {
	res := IngestResult{Lines: len(lines), Outcomes: make([]IngestOutcome, 0, len(lines))}
	for _, l := range lines {
		ar, err := eng.Submit(ctx, l.Data)
		var rt *engine.RuntimeError
		switch {
		case errors.As(err, &rt):
			res.Rejected++
			res.Outcomes = append(res.Outcomes, IngestOutcome{
				Line: l.Line, EventID: rt.EventID, Outcome: harness.OutcomeRejected,
				Code: string(rt.Code), Error: rt.Error(),
			})
			continue
		case err != nil:
			return res, fmt.Errorf("line %d: %w", l.Line, err)
		}

		o := IngestOutcome{Line: l.Line, EventID: ar.EventID}
		switch {
		case ar.Applied():
			res.Applied++
			o.Outcome = harness.OutcomeApplied
			o.Seq = ar.Seq
		case ar.Conflict:
			res.Conflicts++
			o.Outcome = harness.OutcomeConflict
		default:
			res.Duplicates++
			o.Outcome = harness.OutcomeDuplicate
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	return res, nil
}

func writeIngestText(w io.Writer, r IngestResult, verbose bool) {
	for _, o := range r.Outcomes {
		if o.Outcome == harness.OutcomeApplied && !verbose {
			continue
		}
		mark := "✓"
		if o.Outcome == harness.OutcomeRejected || o.Outcome == harness.OutcomeConflict {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s line %d %s %s", mark, o.Line, o.EventID, o.Outcome)
		if o.Error != "" {
			fmt.Fprintf(w, ": %s", o.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Ingested %d line(s) into %s: %d applied, %d duplicate, %d conflict, %d rejected\n",
		r.Lines, r.Backend, r.Applied, r.Duplicates, r.Conflicts, r.Rejected)
}
