package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/money"
)

// ContributionType is the category a contribution is weighted under.
type ContributionType string

const (
	Labor        ContributionType = "labor"
	Expertise    ContributionType = "expertise"
	Capital      ContributionType = "capital"
	Property     ContributionType = "property"
	Relationship ContributionType = "relationship"
)

// ContributionTypes lists every type in a fixed order.
var ContributionTypes = []ContributionType{Labor, Expertise, Capital, Property, Relationship}

// Valid reports whether t is a known type.
func (t ContributionType) Valid() bool {
	for _, known := range ContributionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ContributionStatus is the intake workflow state of a contribution.
type ContributionStatus string

const (
	ContributionPending  ContributionStatus = "pending"
	ContributionApproved ContributionStatus = "approved"
	ContributionRejected ContributionStatus = "rejected"
)

// Contribution is a member's recorded contribution for a period.
type Contribution struct {
	ID            string             `json:"id" yaml:"id"`
	MemberID      string             `json:"memberId" yaml:"member"`
	Type          ContributionType   `json:"type" yaml:"type"`
	MonetaryValue money.Amount       `json:"monetaryValue" yaml:"value"`
	Status        ContributionStatus `json:"status" yaml:"status"`
	ApprovedAt    time.Time          `json:"approvedAt,omitempty" yaml:"approved_at,omitempty"`
}

// Validate checks a contribution before it is recorded. An approved
// contribution must carry its approval time; K-1 assembly places it in a
// tax year by that time.
func (c Contribution) Validate() error {
	switch {
	case c.ID == "":
		return &ValidationError{Field: "id", Message: "is required"}
	case c.MemberID == "":
		return &ValidationError{Field: "memberId", Message: fmt.Sprintf("is required for contribution %s", c.ID)}
	case !c.Type.Valid():
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown type %q for contribution %s", c.Type, c.ID)}
	case c.MonetaryValue.IsNegative():
		return &ValidationError{Field: "monetaryValue", Message: fmt.Sprintf("must not be negative for contribution %s, got %s", c.ID, c.MonetaryValue)}
	}
	switch c.Status {
	case ContributionPending, ContributionRejected:
	case ContributionApproved:
		if c.ApprovedAt.IsZero() {
			return &ValidationError{Field: "approvedAt", Message: fmt.Sprintf("is required for approved contribution %s", c.ID)}
		}
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q for contribution %s", c.Status, c.ID)}
	}
	return nil
}

// CapitalAccountState is the projection of a member's events as of a cutoff.
//
// Invariant: BookBalance == ContributedCapital + RetainedPatronage - DistributedPatronage.
type CapitalAccountState struct {
	MemberID             string       `json:"memberId"`
	BookBalance          money.Amount `json:"bookBalance"`
	TaxBalance           money.Amount `json:"taxBalance"`
	ContributedCapital   money.Amount `json:"contributedCapital"`
	RetainedPatronage    money.Amount `json:"retainedPatronage"`
	DistributedPatronage money.Amount `json:"distributedPatronage"`
	AsOf                 time.Time    `json:"asOf"`

	// EventCount is the number of events folded into this state.
	EventCount int `json:"eventCount"`
}

// AllocationStatus tracks an allocation through the period workflow.
type AllocationStatus string

const (
	AllocationDraft       AllocationStatus = "draft"
	AllocationProposed    AllocationStatus = "proposed"
	AllocationApprovedSt  AllocationStatus = "approved"
	AllocationDistributed AllocationStatus = "distributed"
)

// Allocation is one member's share of a period's surplus.
//
// Invariant: CashDistribution + RetainedAllocation == TotalPatronage.
type Allocation struct {
	MemberID           string           `json:"memberId" yaml:"member"`
	PeriodID           string           `json:"periodId" yaml:"period"`
	TotalPatronage     money.Amount     `json:"totalPatronage" yaml:"total"`
	CashDistribution   money.Amount     `json:"cashDistribution" yaml:"cash"`
	RetainedAllocation money.Amount     `json:"retainedAllocation" yaml:"retained"`
	PatronageScore     float64          `json:"patronageScore" yaml:"score"`
	Status             AllocationStatus `json:"status" yaml:"status"`
	ApprovedAt         time.Time        `json:"approvedAt,omitempty" yaml:"approved_at,omitempty"`
}

// Authoritative reports whether the allocation has passed approval.
func (a Allocation) Authoritative() bool {
	return a.Status == AllocationApprovedSt || a.Status == AllocationDistributed
}

// ProcessingStatus is the state of a ProcessedEvent row.
type ProcessingStatus string

const (
	ProcessingPending ProcessingStatus = "pending"
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingError   ProcessingStatus = "error"
)

// ProcessedEvent is the idempotency record kept for every event id.
type ProcessedEvent struct {
	EventID      string           `json:"eventId"`
	Status       ProcessingStatus `json:"status"`
	RetryCount   int              `json:"retryCount"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Fingerprint  string           `json:"fingerprint,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// DeadLetter is an event routed to manual intervention after its retries
// were exhausted.
type DeadLetter struct {
	EventID   string    `json:"eventId"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendStatus is the outcome of appending an event to the log.
type AppendStatus string

const (
	AppendApplied          AppendStatus = "applied"
	AppendAlreadyProcessed AppendStatus = "already_processed"
)

// AppendResult reports what an append did. State is the member's projected
// capital account after the append.
type AppendResult struct {
	Status  AppendStatus
	EventID string
	Seq     int64

	// Conflict is set when an already-processed id arrived with a different
	// fingerprint. The first write wins.
	Conflict bool

	State CapitalAccountState
}

// Applied reports whether the append mutated balance state.
func (r AppendResult) Applied() bool { return r.Status == AppendApplied }

// PeriodStatus is the state of an allocation period.
type PeriodStatus string

const (
	PeriodOpen        PeriodStatus = "open"
	PeriodClosing     PeriodStatus = "closing"
	PeriodProposed    PeriodStatus = "proposed"
	PeriodApproved    PeriodStatus = "approved"
	PeriodDistributed PeriodStatus = "distributed"
	PeriodFailed      PeriodStatus = "failed"
)

// Period is an allocation period and its closing parameters.
type Period struct {
	ID       string          `json:"id"`
	Status   PeriodStatus    `json:"status"`
	Surplus  money.Amount    `json:"surplus"`
	CashRate decimal.Decimal `json:"cashRate"`

	// LastStep is the most recent checkpointed closing step.
	LastStep string `json:"lastStep,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
