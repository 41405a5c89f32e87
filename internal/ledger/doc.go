// Package ledger defines the data model shared by every part of the patronage
// engine: balance events, contributions, capital-account state, allocations,
// idempotency records, and the violation taxonomy returned by the verifiers.
//
// # Events
//
// A balance Event is immutable once created. Its per-type data lives in a
// sealed Kind, one of CapitalContribution, AllocationApproved,
// DistributionCompleted or AllocationReversed. Code that folds events
// implements KindVisitor, so adding a new kind breaks every fold at compile
// time instead of being silently ignored.
//
// # Ordering
//
// Events are folded in (Timestamp, ID) order; see SortEvents. Wall-clock
// timestamps from producers are only a tie-breaker for the store's logical
// sequence, never a source of truth for uniqueness.
//
// # Payload contract
//
// DecodePayload and EncodePayload implement the JSON contract consumed from
// the message bus. All monetary fields are decimal strings.
//
// # Verification results
//
// Verifiers never return an error for a violation they find. They accumulate
// every Violation in a Result and leave it to the caller to act. Result.Err
// converts a failed result into a *VerificationError that matches the
// taxonomy sentinels (ErrUnbalancedEntry, ErrBalanceMismatch, ...) via
// errors.Is.
package ledger
