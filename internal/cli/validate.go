package cli

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/patronage/internal/config"
	"github.com/roach88/patronage/internal/retry"
)

// ValidationResult holds validation results for every file checked.
type ValidationResult struct {
	Valid bool           `json:"valid"`
	Files []FormulaCheck `json:"files"`
}

// FormulaCheck is the outcome for one formula file.
type FormulaCheck struct {
	File    string          `json:"file"`
	Valid   bool            `json:"valid"`
	Errors  []FormulaError  `json:"errors,omitempty"`
	Formula *FormulaSummary `json:"formula,omitempty"`
}

// FormulaError is one schema finding with its source position, if known.
type FormulaError struct {
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// FormulaSummary is the effective configuration after defaults.
type FormulaSummary struct {
	Weights           map[string]string `json:"weights"`
	CashRate          string            `json:"cashRate"`
	MinimumCashRate   string            `json:"minimumCashRate"`
	Rounding          string            `json:"rounding"`
	Retry             retry.Policy      `json:"retry"`
	ReplayConcurrency int               `json:"replayConcurrency"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <formula.cue>...",
		Short: "Validate formula files against the schema",
		Long: `Validate CUE formula files without touching a ledger.

Each file is unified with the built-in #Formula schema: weights must be
non-negative, the cash rate may not fall below the minimum cash rate, and
the minimum cash rate may not fall below 20%. Unset fields take their
defaults, and the effective formula is printed for valid files.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result := ValidationResult{Valid: true, Files: make([]FormulaCheck, 0, len(files))}
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		check, err := validateFormula(file)
		if err != nil {
			return fail(formatter, fmt.Sprintf("cannot validate %s", file), err)
		}
		if !check.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, check)
	}

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateFormula loads one file and converts any schema failure into
// positioned findings. Errors other than schema failures are returned.
func validateFormula(file string) (FormulaCheck, error) {
	f, err := config.Load(file)
	if err == nil {
		return FormulaCheck{File: file, Valid: true, Formula: summarize(f)}, nil
	}

	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		return FormulaCheck{}, err
	}
	check := FormulaCheck{File: file}
	for _, e := range cueerrors.Errors(cfgErr.Err) {
		fe := FormulaError{Message: cueMessage(e)}
		if pos := e.Position(); pos.IsValid() {
			fe.Line, fe.Column = pos.Line(), pos.Column()
		}
		check.Errors = append(check.Errors, fe)
	}
	if len(check.Errors) == 0 {
		check.Errors = []FormulaError{{Message: cfgErr.Err.Error()}}
	}
	return check, nil
}

func cueMessage(e cueerrors.Error) string {
	format, args := e.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := e.Path(); len(path) > 0 {
		return fmt.Sprintf("%s: %s", strings.Join(path, "."), msg)
	}
	return msg
}

func summarize(f config.Formula) *FormulaSummary {
	return &FormulaSummary{
		Weights: map[string]string{
			"labor":        f.Weights.Labor.String(),
			"expertise":    f.Weights.Expertise.String(),
			"capital":      f.Weights.Capital.String(),
			"property":     f.Weights.Property.String(),
			"relationship": f.Weights.Relationship.String(),
		},
		CashRate:          f.CashRate.String(),
		MinimumCashRate:   f.MinimumCashRate.String(),
		Rounding:          f.Rounding,
		Retry:             f.Retry,
		ReplayConcurrency: f.ReplayConcurrency,
	}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	for _, c := range result.Files {
		fmt.Fprintf(formatter.Writer, "✓ %s\n", c.File)
		if formatter.Verbose && c.Formula != nil {
			s := c.Formula
			fmt.Fprintf(formatter.Writer, "  weights: labor=%s expertise=%s capital=%s property=%s relationship=%s\n",
				s.Weights["labor"], s.Weights["expertise"], s.Weights["capital"], s.Weights["property"], s.Weights["relationship"])
			fmt.Fprintf(formatter.Writer, "  cash rate: %s (minimum %s)\n", s.CashRate, s.MinimumCashRate)
		}
	}
	fmt.Fprintln(formatter.Writer, "✓ All formulas valid")
	return nil
}

// outputValidationErrors outputs every failing file and its findings.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	n := 0
	var first FormulaError
	for _, c := range result.Files {
		if len(c.Errors) > 0 && n == 0 {
			first = c.Errors[0]
		}
		n += len(c.Errors)
	}

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeFormula,
				Message: first.Message,
			},
		}
		if err := formatter.encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", n))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, c := range result.Files {
		if c.Valid {
			fmt.Fprintf(formatter.Writer, "✓ %s\n", c.File)
			continue
		}
		fmt.Fprintf(formatter.Writer, "✗ %s\n", c.File)
		for _, e := range c.Errors {
			if e.Line > 0 {
				fmt.Fprintf(formatter.Writer, "  line %d: %s\n", e.Line, e.Message)
				continue
			}
			fmt.Fprintf(formatter.Writer, "  %s\n", e.Message)
		}
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", n))
}
