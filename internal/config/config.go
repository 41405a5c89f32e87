// Package config loads the patronage formula from CUE and process settings
// from the environment.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/patronage"
	"github.com/roach88/patronage/internal/retry"
)

//go:embed schema.cue
var schemaCUE []byte

// Formula is the validated allocation configuration.
type Formula struct {
	Weights           patronage.Weights
	CashRate          decimal.Decimal
	MinimumCashRate   decimal.Decimal
	Rounding          string
	Retry             retry.Policy
	ReplayConcurrency int
}

// Calculator returns a patronage calculator for f.
func (f Formula) Calculator() *patronage.Calculator {
	return &patronage.Calculator{Weights: f.Weights, MinimumCashRate: f.MinimumCashRate}
}

// raw mirrors #Formula for decoding.
type raw struct {
	Weights struct {
		Labor        float64 `json:"labor"`
		Expertise    float64 `json:"expertise"`
		Capital      float64 `json:"capital"`
		Property     float64 `json:"property"`
		Relationship float64 `json:"relationship"`
	} `json:"weights"`
	MinimumCashRate   float64      `json:"minimum_cash_rate"`
	CashRate          float64      `json:"cash_rate"`
	Rounding          string       `json:"rounding"`
	Retry             retry.Policy `json:"retry"`
	ReplayConcurrency int          `json:"replay_concurrency"`
}

// Default returns the formula with every schema default applied.
func Default() Formula {
	f, err := Parse("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema defaults are invalid: %v", err))
	}
	return f
}

// Load reads and validates a formula file.
func Load(path string) (Formula, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Formula{}, fmt.Errorf("read formula: %w", err)
	}
	return Parse(path, data)
}

// Parse validates src against the schema. filename is used in error
// positions only.
func Parse(filename string, src []byte) (Formula, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Formula{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Formula"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Formula{}, &Error{File: filename, Err: err}
	}

	value := def.Unify(user)
	if err := value.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return Formula{}, &Error{File: filename, Err: err}
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return Formula{}, &Error{File: filename, Err: err}
	}
	if err := r.Retry.Validate(); err != nil {
		return Formula{}, &Error{File: filename, Err: err}
	}

	f := Formula{
		Weights: patronage.Weights{
			Labor:        decimal.NewFromFloat(r.Weights.Labor),
			Expertise:    decimal.NewFromFloat(r.Weights.Expertise),
			Capital:      decimal.NewFromFloat(r.Weights.Capital),
			Property:     decimal.NewFromFloat(r.Weights.Property),
			Relationship: decimal.NewFromFloat(r.Weights.Relationship),
		},
		CashRate:          decimal.NewFromFloat(r.CashRate),
		MinimumCashRate:   decimal.NewFromFloat(r.MinimumCashRate),
		Rounding:          r.Rounding,
		Retry:             r.Retry,
		ReplayConcurrency: r.ReplayConcurrency,
	}
	return f, nil
}

// Error is a formula that failed to load or validate.
type Error struct {
	File string
	Err  error
}

func (e *Error) Error() string {
	details := cueerrors.Details(e.Err, nil)
	if details == "" {
		details = e.Err.Error()
	}
	return fmt.Sprintf("formula %s: %s", e.File, details)
}

func (e *Error) Unwrap() error { return e.Err }
