// Package period runs the allocation period workflow:
//
//	open -> closing (aggregate -> weight -> allocate -> propose) -> proposed -> approved -> distributed
//
// Each closing step checkpoints its output. A close that fails moves the
// period to failed and deletes its draft allocations; calling Close again
// resumes from the last checkpoint instead of re-aggregating. Once a period
// is approved nothing is rolled back automatically: Reverse posts an explicit
// compensating event instead.
package period

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/doubleentry"
	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/patronage"
)

// Step names a closing sub-step. Steps run in the order of Steps.
type Step string

const (
	StepAggregate Step = "aggregate"
	StepWeight    Step = "weight"
	StepAllocate  Step = "allocate"
	StepPropose   Step = "propose"
)

// Steps lists the closing sub-steps in execution order.
var Steps = []Step{StepAggregate, StepWeight, StepAllocate, StepPropose}

// ErrInvalidTransition is returned when an operation is not allowed from the
// period's current status.
var ErrInvalidTransition = errors.New("invalid period transition")

// Repository persists periods. Implemented by store.Store.
type Repository interface {
	CreatePeriod(ctx context.Context, p ledger.Period) (bool, error)
	Period(ctx context.Context, id string) (ledger.Period, error)
	TransitionPeriod(ctx context.Context, id string, from, to ledger.PeriodStatus, errMsg string) error

	SaveCheckpoint(ctx context.Context, periodID, step string, data []byte) error
	Checkpoints(ctx context.Context, periodID string) (map[string][]byte, error)
	ClearCheckpoints(ctx context.Context, periodID string) error

	SavePeriodContributions(ctx context.Context, periodID string, contributions []ledger.Contribution) error
	PeriodContributions(ctx context.Context, periodID string) ([]ledger.Contribution, error)

	SaveAllocations(ctx context.Context, periodID string, allocs []ledger.Allocation) error
	Allocations(ctx context.Context, periodID string) ([]ledger.Allocation, error)
	DeleteDraftAllocations(ctx context.Context, periodID string) (int64, error)
	ApproveAllocations(ctx context.Context, periodID string, at time.Time) error
	DistributeAllocations(ctx context.Context, periodID string) error
}

// EventApplier appends balance events. Implemented by engine.Engine.
type EventApplier interface {
	Apply(ctx context.Context, ev ledger.Event) (ledger.AppendResult, error)
}

// Input opens a period.
type Input struct {
	PeriodID      string
	Surplus       money.Amount
	CashRate      decimal.Decimal
	Contributions []ledger.Contribution
}

// Validate checks the period parameters.
func (in Input) Validate() error {
	switch {
	case in.PeriodID == "":
		return &ledger.ValidationError{Field: "periodId", Message: "is required"}
	case in.Surplus.IsNegative():
		return &ledger.ValidationError{Field: "surplus", Message: fmt.Sprintf("must not be negative, got %s", in.Surplus)}
	case in.CashRate.IsNegative() || in.CashRate.GreaterThan(decimal.NewFromInt(1)):
		return &ledger.ValidationError{Field: "cashRate", Message: fmt.Sprintf("must be within [0, 1], got %s", in.CashRate)}
	}
	for _, c := range in.Contributions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Proposal is the output of a close or dry run.
type Proposal struct {
	PeriodID     string                      `json:"periodId"`
	Surplus      money.Amount                `json:"surplus"`
	CashRate     decimal.Decimal             `json:"cashRate"`
	Patronage    map[string]patronage.Totals `json:"patronage"`
	Allocations  []ledger.Allocation         `json:"allocations"`
	Journal      []doubleentry.Transaction   `json:"journal"`
	Verification ledger.Result               `json:"verification"`
}

// Runner drives periods through their lifecycle.
type Runner struct {
	repo   Repository
	events EventApplier
	calc   *patronage.Calculator
	logger *slog.Logger
	now    func() time.Time

	// beforeStep runs before a closing step executes. A non-nil error fails
	// the step.
	beforeStep func(Step) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithCalculator sets the formula configuration.
func WithCalculator(c *patronage.Calculator) Option {
	return func(r *Runner) { r.calc = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithNow sets the wall clock used for approval timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithBeforeStep installs a hook run before each closing step executes.
func WithBeforeStep(fn func(Step) error) Option {
	return func(r *Runner) { r.beforeStep = fn }
}

// NewRunner returns a Runner. events may be nil, in which case approval
// records allocations without posting balance events.
func NewRunner(repo Repository, events EventApplier, opts ...Option) *Runner {
	r := &Runner{
		repo:   repo,
		events: events,
		calc:   patronage.NewCalculator(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates the period with its contributions. Opening an existing period
// is a no-op that returns the stored period.
func (r *Runner) Open(ctx context.Context, in Input) (ledger.Period, error) {
	if err := in.Validate(); err != nil {
		return ledger.Period{}, err
	}
	created, err := r.repo.CreatePeriod(ctx, ledger.Period{
		ID:       in.PeriodID,
		Status:   ledger.PeriodOpen,
		Surplus:  in.Surplus,
		CashRate: in.CashRate,
	})
	if err != nil {
		return ledger.Period{}, err
	}
	if created {
		if err := r.repo.SavePeriodContributions(ctx, in.PeriodID, in.Contributions); err != nil {
			return ledger.Period{}, err
		}
		r.logger.Info("period opened", "period_id", in.PeriodID, "surplus", in.Surplus.String(),
			"contributions", len(in.Contributions))
	}
	return r.repo.Period(ctx, in.PeriodID)
}

// Close runs the closing steps and leaves the period proposed.
//
// A closing or failed period resumes from its checkpoints. A proposed period
// returns its stored proposal. Cancelling ctx stops between steps and leaves
// the period closing.
func (r *Runner) Close(ctx context.Context, periodID string) (Proposal, error) {
	p, err := r.repo.Period(ctx, periodID)
	if err != nil {
		return Proposal{}, err
	}

	switch p.Status {
	case ledger.PeriodProposed:
		return r.storedProposal(ctx, p)
	case ledger.PeriodOpen, ledger.PeriodFailed:
		if err := r.repo.TransitionPeriod(ctx, periodID, p.Status, ledger.PeriodClosing, ""); err != nil {
			return Proposal{}, err
		}
	case ledger.PeriodClosing:
		r.logger.Info("resuming close", "period_id", periodID, "last_step", p.LastStep)
	default:
		return Proposal{}, fmt.Errorf("close period %s from %s: %w", periodID, p.Status, ErrInvalidTransition)
	}

	checkpoints, err := r.repo.Checkpoints(ctx, periodID)
	if err != nil {
		return Proposal{}, err
	}
	c := &closing{runner: r, period: p, checkpoints: checkpoints}

	prop, err := c.run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, err
		}
		r.fail(periodID, err)
		return Proposal{}, err
	}

	if err := r.repo.TransitionPeriod(ctx, periodID, ledger.PeriodClosing, ledger.PeriodProposed, ""); err != nil {
		return Proposal{}, err
	}
	r.logger.Info("period proposed", "period_id", periodID, "allocations", len(prop.Allocations))
	return prop, nil
}

// DryRun computes a proposal in memory. Nothing is written.
func (r *Runner) DryRun(ctx context.Context, in Input) (Proposal, error) {
	if err := in.Validate(); err != nil {
		return Proposal{}, err
	}
	c := &closing{
		runner:      r,
		period:      ledger.Period{ID: in.PeriodID, Surplus: in.Surplus, CashRate: in.CashRate},
		checkpoints: map[string][]byte{},
		dryRun:      true,
		input:       in.Contributions,
	}
	return c.run(ctx)
}

// Approve re-checks a proposed period's allocations, marks them
// authoritative and posts an allocation_approved event for each retained
// portion. Approving an approved period re-posts any missing events.
func (r *Runner) Approve(ctx context.Context, periodID string) ([]ledger.Allocation, error) {
	p, err := r.repo.Period(ctx, periodID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case ledger.PeriodProposed:
		allocs, err := r.repo.Allocations(ctx, periodID)
		if err != nil {
			return nil, err
		}
		if _, result := Gate(r.calc, periodID, allocs, p.Surplus, p.CashRate); !result.Valid {
			r.logger.Warn("approval refused", "period_id", periodID, "violations", len(result.Errors()))
			return nil, fmt.Errorf("approve period %s: %w", periodID, result.Err())
		}
		if err := r.repo.ApproveAllocations(ctx, periodID, r.now()); err != nil {
			return nil, err
		}
		r.logger.Info("period approved", "period_id", periodID)
	case ledger.PeriodApproved:
		r.logger.Info("period already approved; re-posting events", "period_id", periodID)
	default:
		return nil, fmt.Errorf("approve period %s from %s: %w", periodID, p.Status, ErrInvalidTransition)
	}

	allocs, err := r.repo.Allocations(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if err := r.post(ctx, allocs, func(a ledger.Allocation) ledger.Event {
		return ledger.Event{
			ID:        ApprovalEventID(periodID, a.MemberID),
			MemberID:  a.MemberID,
			Amount:    a.RetainedAllocation,
			Timestamp: a.ApprovedAt,
			Kind:      ledger.AllocationApproved{PeriodID: periodID},
		}
	}); err != nil {
		return nil, err
	}
	return allocs, nil
}

// Distribute marks an approved period's allocations paid. The cash portion
// never entered the capital account, so no balance events are posted.
func (r *Runner) Distribute(ctx context.Context, periodID string) error {
	if err := r.repo.DistributeAllocations(ctx, periodID); err != nil {
		return fmt.Errorf("distribute period %s: %w", periodID, err)
	}
	r.logger.Info("period distributed", "period_id", periodID)
	return nil
}

// Cancel abandons a period that has not been approved. Draft and proposed
// allocations and checkpoints are removed and the period is marked failed,
// so a later Close starts from aggregation.
func (r *Runner) Cancel(ctx context.Context, periodID string) error {
	p, err := r.repo.Period(ctx, periodID)
	if err != nil {
		return err
	}
	switch p.Status {
	case ledger.PeriodApproved, ledger.PeriodDistributed:
		return fmt.Errorf("cancel period %s from %s: %w; post a reversal instead", periodID, p.Status, ErrInvalidTransition)
	}

	n, err := r.repo.DeleteDraftAllocations(ctx, periodID)
	if err != nil {
		return err
	}
	if err := r.repo.ClearCheckpoints(ctx, periodID); err != nil {
		return err
	}
	if p.Status != ledger.PeriodFailed {
		if err := r.repo.TransitionPeriod(ctx, periodID, p.Status, ledger.PeriodFailed, "cancelled"); err != nil {
			return err
		}
	}
	r.logger.Info("period cancelled", "period_id", periodID, "allocations_removed", n)
	return nil
}

// Reverse posts allocation_reversed events undoing the retained portion of
// an approved period's allocations for the given members, or for every
// member when none are named.
func (r *Runner) Reverse(ctx context.Context, periodID string, at time.Time, members ...string) error {
	p, err := r.repo.Period(ctx, periodID)
	if err != nil {
		return err
	}
	if p.Status != ledger.PeriodApproved && p.Status != ledger.PeriodDistributed {
		return fmt.Errorf("reverse period %s from %s: %w", periodID, p.Status, ErrInvalidTransition)
	}

	allocs, err := r.repo.Allocations(ctx, periodID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		want := make(map[string]bool, len(members))
		for _, m := range members {
			want[m] = true
		}
		kept := allocs[:0]
		for _, a := range allocs {
			if want[a.MemberID] {
				kept = append(kept, a)
			}
		}
		allocs = kept
	}

	return r.post(ctx, allocs, func(a ledger.Allocation) ledger.Event {
		return ledger.Event{
			ID:        ReversalEventID(periodID, a.MemberID),
			MemberID:  a.MemberID,
			Amount:    a.RetainedAllocation,
			Timestamp: at.UTC(),
			Kind:      ledger.AllocationReversed{PeriodID: periodID},
		}
	})
}

// ApprovalEventID is the deterministic id of a member's allocation_approved
// event for a period.
func ApprovalEventID(periodID, memberID string) string {
	return engine.DerivedID("allocation_approved/"+periodID, memberID)
}

// ReversalEventID is the deterministic id of a member's allocation_reversed
// event for a period.
func ReversalEventID(periodID, memberID string) string {
	return engine.DerivedID("allocation_reversed/"+periodID, memberID)
}

func (r *Runner) post(ctx context.Context, allocs []ledger.Allocation, build func(ledger.Allocation) ledger.Event) error {
	if r.events == nil {
		return nil
	}
	for _, a := range allocs {
		if a.RetainedAllocation.IsZero() {
			continue
		}
		ev := build(a)
		if _, err := r.events.Apply(ctx, ev); err != nil {
			return fmt.Errorf("post %s for %s: %w", ev.Type(), a.MemberID, err)
		}
	}
	return nil
}

// fail marks the period failed and removes its drafts. It uses a fresh
// context so a failure is recorded even while the caller is shutting down.
func (r *Runner) fail(periodID string, cause error) {
	ctx := context.Background()
	if n, err := r.repo.DeleteDraftAllocations(ctx, periodID); err != nil {
		r.logger.Error("compensation failed", "period_id", periodID, "error", err)
	} else if n > 0 {
		r.logger.Info("draft allocations removed", "period_id", periodID, "count", n)
	}
	if err := r.repo.TransitionPeriod(ctx, periodID, ledger.PeriodClosing, ledger.PeriodFailed, cause.Error()); err != nil {
		r.logger.Error("mark period failed", "period_id", periodID, "error", err)
	}
	r.logger.Error("period close failed", "period_id", periodID, "error", cause)
}

func (r *Runner) storedProposal(ctx context.Context, p ledger.Period) (Proposal, error) {
	allocs, err := r.repo.Allocations(ctx, p.ID)
	if err != nil {
		return Proposal{}, err
	}
	prop := Proposal{PeriodID: p.ID, Surplus: p.Surplus, CashRate: p.CashRate, Allocations: allocs}

	checkpoints, err := r.repo.Checkpoints(ctx, p.ID)
	if err != nil {
		return Proposal{}, err
	}
	if data, ok := checkpoints[string(StepWeight)]; ok {
		if err := json.Unmarshal(data, &prop.Patronage); err != nil {
			return Proposal{}, fmt.Errorf("decode %s checkpoint: %w", StepWeight, err)
		}
	}
	prop.Journal, prop.Verification = Gate(r.calc, p.ID, allocs, p.Surplus, p.CashRate)
	return prop, nil
}

// closing is one execution of the closing steps.
type closing struct {
	runner      *Runner
	period      ledger.Period
	checkpoints map[string][]byte
	dryRun      bool
	input       []ledger.Contribution

	contributions []ledger.Contribution
	patronage     map[string]patronage.Totals
	allocations   []ledger.Allocation
	proposal      Proposal
}

func (c *closing) run(ctx context.Context) (Proposal, error) {
	steps := map[Step]func(context.Context) error{
		StepAggregate: c.aggregate,
		StepWeight:    c.weight,
		StepAllocate:  c.allocate,
		StepPropose:   c.propose,
	}
	for _, step := range Steps {
		if err := ctx.Err(); err != nil {
			return Proposal{}, err
		}
		if c.dryRun && step == StepPropose {
			c.preview()
			break
		}
		if err := c.restore(step); err != nil {
			return Proposal{}, err
		}
		if c.done(step) {
			c.runner.logger.Debug("step restored from checkpoint", "period_id", c.period.ID, "step", step)
			continue
		}
		if hook := c.runner.beforeStep; hook != nil {
			if err := hook(step); err != nil {
				return Proposal{}, fmt.Errorf("%s: %w", step, err)
			}
		}
		if err := steps[step](ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Proposal{}, ctxErr
			}
			return Proposal{}, fmt.Errorf("%s: %w", step, err)
		}
		c.runner.logger.Debug("step completed", "period_id", c.period.ID, "step", step, "dry_run", c.dryRun)
	}
	return c.proposal, nil
}

func (c *closing) done(step Step) bool {
	_, ok := c.checkpoints[string(step)]
	return ok && step != StepPropose
}

// restore loads a completed step's output from its checkpoint.
func (c *closing) restore(step Step) error {
	data, ok := c.checkpoints[string(step)]
	if !ok {
		return nil
	}
	var target any
	switch step {
	case StepAggregate:
		target = &c.contributions
	case StepWeight:
		target = &c.patronage
	case StepAllocate:
		target = &c.allocations
	default:
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s checkpoint: %w", step, err)
	}
	return nil
}

func (c *closing) checkpoint(ctx context.Context, step Step, v any) error {
	if c.dryRun {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s checkpoint: %w", step, err)
	}
	if err := c.runner.repo.SaveCheckpoint(ctx, c.period.ID, string(step), data); err != nil {
		return err
	}
	c.checkpoints[string(step)] = data
	return nil
}

// aggregate selects the approved contributions in a stable order.
func (c *closing) aggregate(ctx context.Context) error {
	all := c.input
	if !c.dryRun {
		var err error
		if all, err = c.runner.repo.PeriodContributions(ctx, c.period.ID); err != nil {
			return err
		}
	}
	approved := make([]ledger.Contribution, 0, len(all))
	for _, contrib := range all {
		if contrib.Status == ledger.ContributionApproved {
			approved = append(approved, contrib)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool { return approved[i].ID < approved[j].ID })
	c.contributions = approved
	return c.checkpoint(ctx, StepAggregate, approved)
}

func (c *closing) weight(ctx context.Context) error {
	totals, err := c.runner.calc.CalculatePatronage(c.contributions)
	if err != nil {
		return err
	}
	c.patronage = totals
	return c.checkpoint(ctx, StepWeight, totals)
}

func (c *closing) allocate(ctx context.Context) error {
	allocs, err := c.runner.calc.CalculateAllocations(c.patronage, c.period.Surplus, c.period.CashRate)
	if err != nil {
		return err
	}
	for i := range allocs {
		allocs[i].PeriodID = c.period.ID
		allocs[i].Status = ledger.AllocationDraft
	}
	c.allocations = allocs
	if !c.dryRun {
		if err := c.runner.repo.SaveAllocations(ctx, c.period.ID, allocs); err != nil {
			return err
		}
	}
	return c.checkpoint(ctx, StepAllocate, allocs)
}

// propose gates the drafts and promotes them to proposed.
func (c *closing) propose(ctx context.Context) error {
	journal, result := Gate(c.runner.calc, c.period.ID, c.allocations, c.period.Surplus, c.period.CashRate)
	if !result.Valid {
		return result.Err()
	}

	proposed := make([]ledger.Allocation, len(c.allocations))
	for i, a := range c.allocations {
		a.Status = ledger.AllocationProposed
		proposed[i] = a
	}
	if err := c.runner.repo.SaveAllocations(ctx, c.period.ID, proposed); err != nil {
		return err
	}
	if err := c.checkpoint(ctx, StepPropose, journal); err != nil {
		return err
	}

	c.proposal = Proposal{
		PeriodID:     c.period.ID,
		Surplus:      c.period.Surplus,
		CashRate:     c.period.CashRate,
		Patronage:    c.patronage,
		Allocations:  proposed,
		Journal:      journal,
		Verification: result,
	}
	return nil
}

// preview fills the proposal for a dry run without enforcing the gate.
func (c *closing) preview() {
	journal, result := Gate(c.runner.calc, c.period.ID, c.allocations, c.period.Surplus, c.period.CashRate)
	c.proposal = Proposal{
		PeriodID:     c.period.ID,
		Surplus:      c.period.Surplus,
		CashRate:     c.period.CashRate,
		Patronage:    c.patronage,
		Allocations:  c.allocations,
		Journal:      journal,
		Verification: result,
	}
}
