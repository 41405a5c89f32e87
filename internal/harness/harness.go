package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/compliance"
	"github.com/roach88/patronage/internal/config"
	"github.com/roach88/patronage/internal/doubleentry"
	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/period"
	"github.com/roach88/patronage/internal/store"
	"github.com/roach88/patronage/internal/testutil"
)

// ApprovalTime is the wall time the harness approves and reverses periods at.
var ApprovalTime = time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)

// ActionSubmit is the trace action for a submitted payload.
const ActionSubmit = "submit"

// ActionOpen is the trace action for opening the scenario's period.
const ActionOpen = "open"

// ActionJournal is the trace action for a verified journal transaction.
const ActionJournal = "journal"

// Harness runs one scenario against a private store.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	runner  *period.Runner
	formula config.Formula
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Store timestamps come
// from a stepping wall clock starting at testutil.Epoch and approvals happen
// at ApprovalTime, so two runs of the same scenario produce the same result.
// Retries do not sleep.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	formula := config.Default()
	if scenario.Formula != "" {
		var err error
		if formula, err = config.Load(scenario.Formula); err != nil {
			return nil, fmt.Errorf("failed to load formula: %w", err)
		}
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	wall := testutil.NewWallClock(testutil.Epoch, time.Second)
	st.SetNow(wall.Now)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st,
		engine.WithRetryPolicy(formula.Retry),
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }),
		engine.WithLogger(logger),
		engine.WithNow(wall.Now),
	)
	h := &Harness{
		store:  st,
		engine: eng,
		runner: period.NewRunner(st, eng,
			period.WithCalculator(formula.Calculator()),
			period.WithLogger(logger),
			period.WithNow(func() time.Time { return ApprovalTime }),
		),
		formula: formula,
		logger:  logger,
	}

	result := NewResult()
	findings := ledger.NewResult()

	if err := h.submitEvents(ctx, scenario.Events, result); err != nil {
		return nil, fmt.Errorf("failed to submit events: %w", err)
	}

	var dryRun *period.Proposal
	if scenario.Period != nil {
		if dryRun, err = h.runPeriod(ctx, scenario.Period, result, &findings); err != nil {
			return nil, fmt.Errorf("failed to run period: %w", err)
		}
	}

	if err := h.verifyJournal(scenario.Journal, result, &findings); err != nil {
		return nil, fmt.Errorf("failed to verify journal: %w", err)
	}

	if err := h.collect(ctx, scenario, dryRun, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.Violations = append(result.Violations, findings.Sorted().Violations...)

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// submitEvents pushes each payload through the guard. Rejections are part of
// the outcome; only infrastructure errors stop the run.
func (h *Harness) submitEvents(ctx context.Context, events []EventStep, result *Result) error {
	for i, step := range events {
		payload, err := step.Payload()
		if err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}

		res, err := h.engine.Submit(ctx, payload)
		var rt *engine.RuntimeError
		switch {
		case errors.As(err, &rt):
			result.addTrace(TraceEvent{Action: ActionSubmit, Subject: rt.EventID, Outcome: OutcomeRejected, Code: string(rt.Code), Error: rt.Error()})
			continue
		case err != nil:
			return fmt.Errorf("events[%d]: %w", i, err)
		}

		ev := TraceEvent{Action: ActionSubmit, Subject: res.EventID}
		switch {
		case res.Applied():
			ev.Outcome = OutcomeApplied
			ev.Seq = res.Seq
		case res.Conflict:
			ev.Outcome = OutcomeConflict
		default:
			ev.Outcome = OutcomeDuplicate
		}
		result.addTrace(ev)
		h.logger.Info("event submitted", "step", i, "event_id", res.EventID, "outcome", ev.Outcome)
	}
	return nil
}

// runPeriod opens the period and runs its actions. A failing action is
// traced and the run continues, so assertions can check the failure. The
// period is not opened when every action is a dry run; the dry run's
// proposal is returned in that case.
func (h *Harness) runPeriod(ctx context.Context, p *PeriodStep, result *Result, findings *ledger.Result) (*period.Proposal, error) {
	in, err := h.input(p)
	if err != nil {
		return nil, err
	}

	actions := p.Actions
	if len(actions) == 0 {
		actions = []string{ActionClose}
	}

	onlyDryRun := true
	for _, a := range actions {
		if a != ActionDryRun {
			onlyDryRun = false
		}
	}
	if !onlyDryRun {
		if _, err := h.runner.Open(ctx, in); err != nil {
			h.trace(result, ActionOpen, p.ID, err)
			return nil, nil
		}
		h.trace(result, ActionOpen, p.ID, nil)
	}

	var dryRun *period.Proposal
	for _, action := range actions {
		var err error
		switch action {
		case ActionClose:
			var prop period.Proposal
			if prop, err = h.runner.Close(ctx, p.ID); err == nil {
				findings.Merge(prop.Verification)
			}
		case ActionDryRun:
			var prop period.Proposal
			if prop, err = h.runner.DryRun(ctx, in); err == nil {
				findings.Merge(prop.Verification)
				dryRun = &prop
			}
		case ActionApprove:
			_, err = h.runner.Approve(ctx, p.ID)
		case ActionDistribute:
			err = h.runner.Distribute(ctx, p.ID)
		case ActionCancel:
			err = h.runner.Cancel(ctx, p.ID)
		case ActionReverse:
			err = h.runner.Reverse(ctx, p.ID, ApprovalTime)
		}

		var verr *ledger.VerificationError
		if errors.As(err, &verr) {
			for _, v := range verr.Violations {
				findings.Add(v)
			}
		}
		h.trace(result, action, p.ID, err)
	}

	if onlyDryRun {
		return dryRun, nil
	}
	return nil, nil
}

func (h *Harness) input(p *PeriodStep) (period.Input, error) {
	surplus, err := money.Parse(p.Surplus)
	if err != nil {
		return period.Input{}, fmt.Errorf("period surplus: %w", err)
	}
	rate := h.formula.CashRate
	if p.CashRate != "" {
		if rate, err = decimal.NewFromString(p.CashRate); err != nil {
			return period.Input{}, fmt.Errorf("period cash_rate: %w", err)
		}
	}
	return period.Input{
		PeriodID:      p.ID,
		Surplus:       surplus,
		CashRate:      rate,
		Contributions: p.Contributions,
	}, nil
}

func (h *Harness) trace(result *Result, action, subject string, err error) {
	ev := TraceEvent{Action: action, Subject: subject, Outcome: OutcomeOK}
	if err != nil {
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		h.logger.Info("period action failed", "action", action, "period_id", subject, "error", err)
	}
	result.addTrace(ev)
}

// verifyJournal checks each transaction on its own so the trace shows which
// ones balance.
func (h *Harness) verifyJournal(steps []TransactionStep, result *Result, findings *ledger.Result) error {
	for i, step := range steps {
		tx := doubleentry.Transaction{ID: step.ID}
		var err error
		if tx.Debits, err = entries(step.Debits); err != nil {
			return fmt.Errorf("journal[%d] debits: %w", i, err)
		}
		if tx.Credits, err = entries(step.Credits); err != nil {
			return fmt.Errorf("journal[%d] credits: %w", i, err)
		}

		r := doubleentry.VerifyDoubleEntry([]doubleentry.Transaction{tx})
		findings.Merge(r)
		ev := TraceEvent{Action: ActionJournal, Subject: tx.ID, Outcome: OutcomeOK}
		if !r.Valid {
			ev.Outcome = OutcomeFailed
			ev.Error = r.Err().Error()
		}
		result.addTrace(ev)
	}
	return nil
}

func entries(steps []EntryStep) ([]doubleentry.Entry, error) {
	out := make([]doubleentry.Entry, 0, len(steps))
	for i, s := range steps {
		amt, err := money.Parse(s.Amount)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		out = append(out, doubleentry.Entry{Account: s.Account, MemberID: s.Member, Amount: amt})
	}
	return out, nil
}

// collect reads balances, allocations, period status and K-1 summaries.
func (h *Harness) collect(ctx context.Context, scenario *Scenario, dryRun *period.Proposal, result *Result) error {
	accounts, err := h.store.Accounts(ctx)
	if err != nil {
		return err
	}
	result.Balances = append(result.Balances, accounts...)

	if p := scenario.Period; p != nil {
		if dryRun != nil {
			result.Allocations = append(result.Allocations, dryRun.Allocations...)
		} else {
			allocs, err := h.store.Allocations(ctx, p.ID)
			if err != nil {
				return err
			}
			result.Allocations = append(result.Allocations, allocs...)

			stored, err := h.store.Period(ctx, p.ID)
			switch {
			case err == nil:
				result.PeriodStatus = stored.Status
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}
	}

	if len(scenario.K1) == 0 {
		return nil
	}
	events, err := h.store.ReadEvents(ctx)
	if err != nil {
		return err
	}
	for _, k := range scenario.K1 {
		accounts, err := compliance.AccountsForYear(events, k.Member, k.Year)
		if err != nil {
			return err
		}
		contributions, err := h.store.MemberContributions(ctx, k.Member)
		if err != nil {
			return err
		}
		allocs, err := h.store.MemberAllocations(ctx, k.Member)
		if err != nil {
			return err
		}
		data, err := compliance.AssembleK1Data(k.Member, accounts, contributions, allocs, k.Year)
		if err != nil {
			return err
		}
		result.K1 = append(result.K1, data)
	}
	return nil
}
