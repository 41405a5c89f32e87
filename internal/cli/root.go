package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Database is the SQLite ledger. Defaults to PATRONAGE_DB.
	Database string

	// Formula is a CUE formula file. Defaults to PATRONAGE_FORMULA, then the
	// built-in formula.
	Formula string

	// Now stamps approvals and reversals. Defaults to time.Now.
	Now func() time.Time

	env      config.Env
	resolved bool
	logger   *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the patronage CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "patronage",
		Short: "Cooperative patronage ledger",
		Long: `Event-sourced capital accounts and patronage allocation for
cooperatives.

Balance events are applied exactly once to a durable log; capital accounts
are replayed from that log. Allocation periods are closed, approved and
distributed against a CUE-configured formula, and every posting is checked
for double-entry balance and the 20% minimum cash rule.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return opts.resolve()
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite ledger (default $PATRONAGE_DB or patronage.db)")
	cmd.PersistentFlags().StringVar(&opts.Formula, "formula", "", "CUE formula file (default $PATRONAGE_FORMULA)")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewBalancesCommand(opts))
	cmd.AddCommand(NewAllocateCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewDistributeCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewReverseCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewK1Command(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewConsumeCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve fills unset options from the environment. It runs once.
func (o *RootOptions) resolve() error {
	if o.resolved {
		return nil
	}
	e, err := config.LoadEnv()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid environment", err)
	}
	if o.Database == "" {
		o.Database = e.DB
	}
	if o.Formula == "" {
		o.Formula = e.Formula
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.env = e
	o.resolved = true
	return nil
}

// Logger returns the command logger, or slog.Default() before the root
// command has run.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
