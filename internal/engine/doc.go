// Package engine is the idempotency guard in front of the balance event log.
//
// Every event, whether it arrives from the message bus, the CLI or a period
// approval, passes through Engine.Apply:
//
//  1. The event is validated. Malformed events are recorded and rejected.
//  2. The store appends it, assigns the next seq and folds it into the
//     member's capital account in one transaction, keyed by event id. A
//     redelivery returns already_processed with the current state and
//     changes nothing. Other processes may append to the same store.
//  3. Transient store failures are retried under a retry.Policy. Once the
//     attempts are exhausted the event is written to the dead-letter table
//     and a MANUAL_INTERVENTION error is returned.
//
// The Run loop is a single goroutine draining a FIFO of deliveries. Failures
// are logged and the loop continues; the failed event has already been
// recorded or dead-lettered.
//
// Seq records arrival order only. Balances are always a fold in
// (timestamp, event id) order, so Replay can recompute every account from
// the log and check it against the stored projection.
package engine
