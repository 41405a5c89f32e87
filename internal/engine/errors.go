package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an event the engine could not apply.
//
// It wraps the underlying cause, so errors.As still finds a
// *ledger.ValidationError or *ledger.ManualInterventionError beneath it.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	EventID   string
	EventType string
	MemberID  string

	// Attempts is the number of append attempts made, zero when the event
	// never reached the store.
	Attempts int

	// Details contains additional context.
	Details map[string]string

	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMalformedEvent indicates a payload or event failed validation.
	ErrCodeMalformedEvent RuntimeErrorCode = "MALFORMED_EVENT"

	// ErrCodeApplyFailed indicates a permanent failure while applying, such as
	// an amount overflow.
	ErrCodeApplyFailed RuntimeErrorCode = "APPLY_FAILED"

	// ErrCodeManualIntervention indicates retries were exhausted and the event
	// was dead-lettered.
	ErrCodeManualIntervention RuntimeErrorCode = "MANUAL_INTERVENTION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (event=%s)", e.EventID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsMalformedError reports whether err is a MALFORMED_EVENT runtime error.
func IsMalformedError(err error) bool {
	return hasCode(err, ErrCodeMalformedEvent)
}

// IsManualInterventionError reports whether err is a MANUAL_INTERVENTION
// runtime error.
func IsManualInterventionError(err error) bool {
	return hasCode(err, ErrCodeManualIntervention)
}
