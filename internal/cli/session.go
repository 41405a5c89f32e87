package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/roach88/patronage/internal/config"
	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/period"
	"github.com/roach88/patronage/internal/store"
	"github.com/roach88/patronage/internal/store/postgres"
)

// session is an open ledger: the SQLite store, the guard in front of it and
// the period runner, all configured from one formula.
type session struct {
	store   *store.Store
	engine  *engine.Engine
	runner  *period.Runner
	formula config.Formula
}

// openSession loads the formula and opens the ledger database, creating it
// if it does not exist. The engine clock resumes after the stored log.
func (o *RootOptions) openSession(ctx context.Context, extra ...engine.Option) (*session, error) {
	if err := o.resolve(); err != nil {
		return nil, err
	}
	formula, err := o.loadFormula()
	if err != nil {
		return nil, err
	}

	log := o.Logger()
	log.Debug("opening database", "path", o.Database)
	st, err := store.Open(o.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	opts := append([]engine.Option{
		engine.WithRetryPolicy(formula.Retry),
		engine.WithLogger(log),
	}, extra...)
	eng, err := engine.NewFromStore(ctx, st, opts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to resume event log", err)
	}

	return &session{
		store:  st,
		engine: eng,
		runner: period.NewRunner(st, eng,
			period.WithCalculator(formula.Calculator()),
			period.WithLogger(log),
			period.WithNow(o.Now),
		),
		formula: formula,
	}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// loadFormula reads the --formula file, or returns the defaults.
func (o *RootOptions) loadFormula() (config.Formula, error) {
	e := o.env
	e.Formula = o.Formula
	f, err := e.FormulaOrDefault()
	if err != nil {
		return config.Formula{}, WrapExitError(ExitCommandError, "failed to load formula", err)
	}
	return f, nil
}

// eventLog is the append side of the ledger used by ingest and consume.
type eventLog struct {
	engine *engine.Engine
	closer io.Closer
	name   string
}

func (l *eventLog) Close() error { return l.closer.Close() }

// openEventLog returns a guard over PostgreSQL when a DSN is given, else over
// the SQLite ledger.
func (o *RootOptions) openEventLog(ctx context.Context, dsn string, extra ...engine.Option) (*eventLog, error) {
	if err := o.resolve(); err != nil {
		return nil, err
	}
	if dsn == "" {
		dsn = o.env.PostgresDSN
	}
	if dsn == "" {
		s, err := o.openSession(ctx, extra...)
		if err != nil {
			return nil, err
		}
		return &eventLog{engine: s.engine, closer: s, name: "sqlite"}, nil
	}

	formula, err := o.loadFormula()
	if err != nil {
		return nil, err
	}
	pg, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open postgres", err)
	}
	opts := append([]engine.Option{
		engine.WithRetryPolicy(formula.Retry),
		engine.WithLogger(o.Logger()),
	}, extra...)
	eng, err := engine.NewFromStore(ctx, pg, opts...)
	if err != nil {
		pg.Close()
		return nil, WrapExitError(ExitCommandError, "failed to resume event log", err)
	}
	return &eventLog{engine: eng, closer: pg, name: "postgres"}, nil
}

// classify maps ledger and period errors to an exit error with a JSON code.
func classify(message string, err error) (string, *ExitError) {
	var verr *ledger.VerificationError
	var valErr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return ErrCodeViolations, WrapExitError(ExitFailure, message, err)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ErrCodeNotFound, WrapExitError(ExitCommandError, message, err)
	case errors.Is(err, period.ErrInvalidTransition), errors.Is(err, store.ErrStaleState):
		return ErrCodeTransition, WrapExitError(ExitCommandError, message, err)
	case errors.As(err, &valErr):
		return ErrCodeInvalidInput, WrapExitError(ExitCommandError, message, err)
	}
	return ErrCodeGeneric, WrapExitError(ExitCommandError, message, err)
}

// fail reports err through the formatter and returns the matching exit
// error. Verification failures list their violations.
func fail(f *OutputFormatter, message string, err error) error {
	code, exit := classify(message, err)
	var verr *ledger.VerificationError
	if errors.As(err, &verr) {
		if oerr := f.Violations(code, fmt.Sprintf("%s: %d violation(s)", message, len(verr.Violations)), verr.Violations); oerr != nil {
			return oerr
		}
		return exit
	}
	if oerr := f.Error(code, exit.Error(), nil); oerr != nil {
		return oerr
	}
	return exit
}
