package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Taxonomy sentinels. Verification failures wrap these so that callers can
// branch with errors.Is without inspecting violation codes.
var (
	ErrUnbalancedEntry       = errors.New("unbalanced entry")
	ErrBalanceMismatch       = errors.New("balance mismatch")
	ErrNegativeCapital       = errors.New("negative capital")
	ErrAllocationSumMismatch = errors.New("allocation sum mismatch")
	ErrMinimumCash           = errors.New("minimum cash distribution not met")
	ErrDuplicateEvent        = errors.New("duplicate event")
	ErrManualIntervention    = errors.New("manual intervention required")
)

// ValidationError is a structural or precondition failure. It is never
// retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ManualInterventionError is raised once an event has exhausted its retries.
type ManualInterventionError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("event %s: manual intervention required after %d attempts: %v", e.EventID, e.Attempts, e.Err)
}

func (e *ManualInterventionError) Unwrap() []error {
	return []error{ErrManualIntervention, e.Err}
}

// VerificationError carries the error-severity violations of a failed Result.
type VerificationError struct {
	Violations []Violation
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "verification failed: " + strings.Join(parts, "; ")
}

// Is matches any taxonomy sentinel that corresponds to one of the carried
// violation codes.
func (e *VerificationError) Is(target error) bool {
	for _, v := range e.Violations {
		if v.Code.sentinel() == target {
			return true
		}
	}
	return false
}
