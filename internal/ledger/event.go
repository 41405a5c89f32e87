package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/patronage/internal/money"
)

// EventType is the wire name of a balance event kind.
type EventType string

const (
	EventCapitalContribution   EventType = "capital_contribution"
	EventAllocationApproved    EventType = "allocation_approved"
	EventDistributionCompleted EventType = "distribution_completed"
	EventAllocationReversed    EventType = "allocation_reversed"
)

// EventTypes lists every known kind in declaration order.
var EventTypes = []EventType{
	EventCapitalContribution,
	EventAllocationApproved,
	EventDistributionCompleted,
	EventAllocationReversed,
}

// Event is a single immutable balance event.
type Event struct {
	// ID is the globally unique idempotency key.
	ID        string
	MemberID  string
	Amount    money.Amount
	Timestamp time.Time

	// Seq is the logical sequence number assigned by the store on first
	// application. Zero for events that have not been stored.
	Seq int64

	Kind Kind
}

// Type returns the event's wire type.
func (e Event) Type() EventType {
	if e.Kind == nil {
		return ""
	}
	return e.Kind.Type()
}

// Kind is the sealed sum type over event kinds.
type Kind interface {
	Type() EventType
	Accept(v KindVisitor) error
	isKind()
}

// KindVisitor is implemented by every fold over events. Each method receives
// the kind-specific data; the enclosing Event is available to the visitor by
// construction.
type KindVisitor interface {
	VisitCapitalContribution(CapitalContribution) error
	VisitAllocationApproved(AllocationApproved) error
	VisitDistributionCompleted(DistributionCompleted) error
	VisitAllocationReversed(AllocationReversed) error
}

// ContributionKind distinguishes cash from property capital contributions.
type ContributionKind string

const (
	ContributionCash     ContributionKind = "cash"
	ContributionProperty ContributionKind = "property"
)

// CapitalContribution records capital paid in by a member. Property
// contributions carry an adjusted tax basis that may differ from the
// fair-market Amount of the event.
type CapitalContribution struct {
	Contribution  ContributionKind
	AdjustedBasis money.Amount
}

func (CapitalContribution) Type() EventType { return EventCapitalContribution }
func (k CapitalContribution) Accept(v KindVisitor) error {
	return v.VisitCapitalContribution(k)
}
func (CapitalContribution) isKind() {}

// IsProperty reports whether the contribution was made in property.
func (k CapitalContribution) IsProperty() bool { return k.Contribution == ContributionProperty }

// AllocationApproved records retained patronage credited to a member.
type AllocationApproved struct {
	PeriodID string
}

func (AllocationApproved) Type() EventType { return EventAllocationApproved }
func (k AllocationApproved) Accept(v KindVisitor) error {
	return v.VisitAllocationApproved(k)
}
func (AllocationApproved) isKind() {}

// DistributionCompleted records retained patronage paid out to a member.
type DistributionCompleted struct {
	PeriodID string
}

func (DistributionCompleted) Type() EventType { return EventDistributionCompleted }
func (k DistributionCompleted) Accept(v KindVisitor) error {
	return v.VisitDistributionCompleted(k)
}
func (DistributionCompleted) isKind() {}

// AllocationReversed is the compensating event for a previously approved
// allocation. It removes retained patronage.
type AllocationReversed struct {
	PeriodID string
}

func (AllocationReversed) Type() EventType { return EventAllocationReversed }
func (k AllocationReversed) Accept(v KindVisitor) error {
	return v.VisitAllocationReversed(k)
}
func (AllocationReversed) isKind() {}

// Validate checks the shape of an event. It is the hard-failure gate applied
// before an event is allowed anywhere near balance state.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "eventId", Message: "is required"}
	}
	if e.MemberID == "" {
		return &ValidationError{Field: "memberId", Message: "is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "is required"}
	}
	if e.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("must not be negative, got %s", e.Amount)}
	}
	switch k := e.Kind.(type) {
	case nil:
		return &ValidationError{Field: "eventType", Message: "is required"}
	case CapitalContribution:
		switch k.Contribution {
		case ContributionCash:
		case ContributionProperty:
			if k.AdjustedBasis.IsNegative() {
				return &ValidationError{Field: "adjustedBasis", Message: "must not be negative"}
			}
		default:
			return &ValidationError{Field: "contributionKind", Message: fmt.Sprintf("unknown kind %q", k.Contribution)}
		}
	}
	return nil
}

// Less orders events by (Timestamp, ID).
func Less(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// SortEvents returns a copy of events in (Timestamp, ID) order.
// The input slice is not modified.
func SortEvents(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
