package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
	"github.com/roach88/patronage/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s -> %s", i+1, ev.Action, ev.Subject, ev.Outcome)
		if ev.Error != "" {
			fmt.Fprintf(&buf, " (%s)", ev.Error)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions checks every assertion and returns one message per
// failure. An empty slice means all assertions held.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertBalance:
		return assertBalance(result, a, actx)
	case AssertAllocation:
		return assertAllocation(result, a)
	case AssertAllocationCount:
		return assertCount(result, a, len(result.Allocations))
	case AssertViolation:
		return assertViolation(result, a)
	case AssertViolationCount:
		return assertCount(result, a, len(result.Violations))
	case AssertProcessedCount:
		if actx == nil || actx.Store == nil {
			return fmt.Errorf("processed_count needs a store")
		}
		processed, err := actx.Store.ProcessedEvents(actx.Ctx, ledger.ProcessingSuccess)
		if err != nil {
			return err
		}
		return assertCount(result, a, len(processed))
	case AssertDeadLetterCount:
		if actx == nil || actx.Store == nil {
			return fmt.Errorf("dead_letter_count needs a store")
		}
		dls, err := actx.Store.DeadLetters(actx.Ctx)
		if err != nil {
			return err
		}
		return assertCount(result, a, len(dls))
	case AssertPeriodStatus:
		if string(result.PeriodStatus) != a.Status {
			return &AssertionError{
				Type:     a.Type,
				Expected: a.Status,
				Actual:   string(result.PeriodStatus),
				Trace:    result.Trace,
			}
		}
		return nil
	case AssertTraceCount:
		return assertCount(result, a, result.Count(a.Action, a.Outcome))
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertCount(result *Result, a Assertion, actual int) error {
	if actual == *a.Count {
		return nil
	}
	what := a.Type
	if a.Type == AssertTraceCount {
		what = fmt.Sprintf("%s %s", a.Action, a.Outcome)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d × %s", *a.Count, what),
		Actual:   fmt.Sprintf("%d", actual),
		Trace:    result.Trace,
	}
}

// assertBalance reads the member's projected account. A member with no
// events has a zero account.
func assertBalance(result *Result, a Assertion, actx *AssertionContext) error {
	var st ledger.CapitalAccountState
	if actx != nil && actx.Store != nil {
		var err error
		if st, err = actx.Store.Account(actx.Ctx, a.Member); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	} else {
		for _, b := range result.Balances {
			if b.MemberID == a.Member {
				st = b
			}
		}
	}

	checks := []struct {
		field    string
		expected string
		actual   money.Amount
	}{
		{"book", a.Book, st.BookBalance},
		{"tax", a.Tax, st.TaxBalance},
		{"contributed", a.Contributed, st.ContributedCapital},
		{"retained", a.Retained, st.RetainedPatronage},
		{"distributed", a.Distributed, st.DistributedPatronage},
	}
	for _, c := range checks {
		if err := amountEquals(result, a, c.field, c.expected, c.actual); err != nil {
			return err
		}
	}
	return nil
}

func assertAllocation(result *Result, a Assertion) error {
	var alloc *ledger.Allocation
	for i := range result.Allocations {
		if result.Allocations[i].MemberID == a.Member {
			alloc = &result.Allocations[i]
			break
		}
	}
	if alloc == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("allocation for %s", a.Member),
			Actual:   "no allocation",
			Trace:    result.Trace,
		}
	}

	checks := []struct {
		field    string
		expected string
		actual   money.Amount
	}{
		{"total", a.Total, alloc.TotalPatronage},
		{"cash", a.Cash, alloc.CashDistribution},
		{"retained", a.Retained, alloc.RetainedAllocation},
	}
	for _, c := range checks {
		if err := amountEquals(result, a, c.field, c.expected, c.actual); err != nil {
			return err
		}
	}

	if a.Score != "" {
		want, err := decimal.NewFromString(a.Score)
		if err != nil {
			return fmt.Errorf("score: %w", err)
		}
		if got := decimal.NewFromFloat(alloc.PatronageScore); !got.Equal(want) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s score %s", a.Member, want),
				Actual:   got.String(),
				Trace:    result.Trace,
			}
		}
	}
	if a.Status != "" && string(alloc.Status) != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s status %s", a.Member, a.Status),
			Actual:   string(alloc.Status),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertViolation(result *Result, a Assertion) error {
	var want *money.Amount
	if a.Delta != "" {
		d, err := money.Parse(a.Delta)
		if err != nil {
			return fmt.Errorf("delta: %w", err)
		}
		want = &d
	}

	for _, v := range result.Violations {
		if string(v.Code) != a.Code {
			continue
		}
		if a.Subject != "" && v.Subject != a.Subject {
			continue
		}
		if want != nil && (v.Delta == nil || !v.Delta.Equal(*want)) {
			continue
		}
		return nil
	}

	found := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		found = append(found, v.String())
	}
	expected := a.Code
	if a.Subject != "" {
		expected += "[" + a.Subject + "]"
	}
	if want != nil {
		expected += " delta " + want.String()
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: expected,
		Actual:   fmt.Sprintf("%v", found),
		Trace:    result.Trace,
	}
}

func amountEquals(result *Result, a Assertion, field, expected string, actual money.Amount) error {
	if expected == "" {
		return nil
	}
	want, err := money.Parse(expected)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if want.Equal(actual) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s %s %s", a.Member, field, want),
		Actual:   actual.String(),
		Trace:    result.Trace,
	}
}
