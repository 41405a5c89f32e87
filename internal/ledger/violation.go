package ledger

import (
	"fmt"
	"sort"

	"github.com/roach88/patronage/internal/money"
)

// Code identifies a class of violation.
type Code string

const (
	CodeUnbalancedEntry         Code = "UNBALANCED_ENTRY"
	CodeEmptyTransaction        Code = "EMPTY_TRANSACTION"
	CodeNegativeAmount          Code = "NEGATIVE_AMOUNT"
	CodeBalanceMismatch         Code = "BALANCE_MISMATCH"
	CodeBookBalanceMismatch     Code = "BOOK_BALANCE_MISMATCH"
	CodeNegativeComponent       Code = "NEGATIVE_COMPONENT"
	CodeNegativeCapital         Code = "NEGATIVE_CAPITAL"
	CodeAllocationSumMismatch   Code = "ALLOCATION_SUM_MISMATCH"
	CodeAllocationSplitMismatch Code = "ALLOCATION_SPLIT_MISMATCH"
	CodeNegativeAllocation      Code = "NEGATIVE_ALLOCATION"
	CodeCashRateMismatch        Code = "CASH_RATE_MISMATCH"
	CodeScoreSumMismatch        Code = "SCORE_SUM_MISMATCH"
	CodeScoreOutOfRange         Code = "SCORE_OUT_OF_RANGE"
	CodeMinimumCash             Code = "MINIMUM_CASH_VIOLATION"
	CodeDuplicateMember         Code = "DUPLICATE_MEMBER"
	CodeProjectionMismatch      Code = "PROJECTION_MISMATCH"
	CodeNondeterministicReplay  Code = "NONDETERMINISTIC_REPLAY"
)

func (c Code) sentinel() error {
	switch c {
	case CodeUnbalancedEntry, CodeEmptyTransaction, CodeNegativeAmount:
		return ErrUnbalancedEntry
	case CodeBalanceMismatch, CodeBookBalanceMismatch, CodeNegativeComponent,
		CodeProjectionMismatch, CodeNondeterministicReplay:
		return ErrBalanceMismatch
	case CodeNegativeCapital:
		return ErrNegativeCapital
	case CodeAllocationSumMismatch, CodeAllocationSplitMismatch, CodeScoreSumMismatch,
		CodeScoreOutOfRange, CodeDuplicateMember, CodeNegativeAllocation, CodeCashRateMismatch:
		return ErrAllocationSumMismatch
	case CodeMinimumCash:
		return ErrMinimumCash
	}
	return nil
}

// Severity grades a violation. Only SeverityError makes a Result invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is a single finding from a verifier.
type Violation struct {
	Code     Code     `json:"code"`
	Severity Severity `json:"severity"`

	// Subject is the transaction, member or allocation the finding is about.
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`

	// Delta is the signed discrepancy, when one applies.
	Delta   *money.Amount     `json:"delta,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (v Violation) String() string {
	s := string(v.Code)
	if v.Subject != "" {
		s += "[" + v.Subject + "]"
	}
	return s + ": " + v.Message
}

// Result accumulates the findings of one verification run.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// NewResult returns an empty, valid result.
func NewResult() Result {
	return Result{Valid: true, Violations: []Violation{}}
}

// Add records a violation. Error-severity violations invalidate the result.
func (r *Result) Add(v Violation) {
	if v.Severity == "" {
		v.Severity = SeverityError
	}
	if v.Severity == SeverityError {
		r.Valid = false
	}
	r.Violations = append(r.Violations, v)
}

// Addf records an error-severity violation with a formatted message.
func (r *Result) Addf(code Code, subject, format string, args ...any) {
	r.Add(Violation{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// Merge appends all findings from other.
func (r *Result) Merge(other Result) {
	for _, v := range other.Violations {
		r.Add(v)
	}
}

// Errors returns only the error-severity violations.
func (r Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether any violation carries code.
func (r Result) Has(code Code) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Sorted returns a copy with violations in (Subject, Code) order.
func (r Result) Sorted() Result {
	out := Result{Valid: r.Valid, Violations: make([]Violation, len(r.Violations))}
	copy(out.Violations, r.Violations)
	sort.SliceStable(out.Violations, func(i, j int) bool {
		a, b := out.Violations[i], out.Violations[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.Code < b.Code
	})
	return out
}

// Err returns nil for a valid result, otherwise a *VerificationError.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &VerificationError{Violations: r.Errors()}
}

// DeltaOf is a convenience for building Violation.Delta.
func DeltaOf(a money.Amount) *money.Amount {
	return &a
}
