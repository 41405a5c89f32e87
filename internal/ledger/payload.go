package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/patronage/internal/money"
)

// Payload is the JSON shape of a balance event on the message bus.
type Payload struct {
	EventID          string  `json:"eventId"`
	EventType        string  `json:"eventType"`
	Timestamp        string  `json:"timestamp"`
	MemberID         string  `json:"memberId"`
	Amount           string  `json:"amount"`
	ContributionKind string  `json:"contributionKind,omitempty"`
	AdjustedBasis    *string `json:"adjustedBasis,omitempty"`
	PeriodID         string  `json:"periodId,omitempty"`
}

// DecodePayload parses and validates a single JSON payload. Any failure is a
// *ValidationError, except amount overflow which wraps money.ErrOverflow.
func DecodePayload(data []byte) (Event, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return Event{}, &ValidationError{Message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return p.Event()
}

// Event converts the wire payload into a validated Event.
func (p Payload) Event() (Event, error) {
	if p.EventID == "" {
		return Event{}, &ValidationError{Field: "eventId", Message: "is required"}
	}
	if p.Timestamp == "" {
		return Event{}, &ValidationError{Field: "timestamp", Message: "is required"}
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return Event{}, &ValidationError{Field: "timestamp", Message: fmt.Sprintf("must be ISO-8601: %v", err)}
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:        p.EventID,
		MemberID:  p.MemberID,
		Amount:    amount,
		Timestamp: ts.UTC(),
	}

	switch EventType(p.EventType) {
	case EventCapitalContribution:
		k := CapitalContribution{Contribution: ContributionCash}
		if p.ContributionKind != "" {
			k.Contribution = ContributionKind(p.ContributionKind)
		}
		if k.IsProperty() {
			if p.AdjustedBasis == nil {
				return Event{}, &ValidationError{Field: "adjustedBasis", Message: "is required for property contributions"}
			}
			if k.AdjustedBasis, err = parseAmount("adjustedBasis", *p.AdjustedBasis); err != nil {
				return Event{}, err
			}
		}
		ev.Kind = k
	case EventAllocationApproved:
		ev.Kind = AllocationApproved{PeriodID: p.PeriodID}
	case EventDistributionCompleted:
		ev.Kind = DistributionCompleted{PeriodID: p.PeriodID}
	case EventAllocationReversed:
		ev.Kind = AllocationReversed{PeriodID: p.PeriodID}
	case "":
		return Event{}, &ValidationError{Field: "eventType", Message: "is required"}
	default:
		return Event{}, &ValidationError{Field: "eventType", Message: fmt.Sprintf("unknown type %q", p.EventType)}
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func parseAmount(field, s string) (money.Amount, error) {
	if s == "" {
		return money.Zero, &ValidationError{Field: field, Message: "is required"}
	}
	a, err := money.Parse(s)
	if err != nil {
		if errors.Is(err, money.ErrOverflow) {
			return money.Zero, fmt.Errorf("%s: %w", field, err)
		}
		return money.Zero, &ValidationError{Field: field, Message: fmt.Sprintf("must be a decimal string: %v", err)}
	}
	return a, nil
}

// PayloadOf renders an event in wire form.
func PayloadOf(e Event) Payload {
	p := Payload{
		EventID:   e.ID,
		EventType: string(e.Type()),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		MemberID:  e.MemberID,
		Amount:    e.Amount.String(),
	}
	switch k := e.Kind.(type) {
	case CapitalContribution:
		p.ContributionKind = string(k.Contribution)
		if k.IsProperty() {
			basis := k.AdjustedBasis.String()
			p.AdjustedBasis = &basis
		}
	case AllocationApproved:
		p.PeriodID = k.PeriodID
	case DistributionCompleted:
		p.PeriodID = k.PeriodID
	case AllocationReversed:
		p.PeriodID = k.PeriodID
	}
	return p
}

// EncodePayload renders an event as JSON.
func EncodePayload(e Event) ([]byte, error) {
	return json.Marshal(PayloadOf(e))
}
