// Package store provides SQLite-backed durable storage for the patronage
// ledger.
//
// Tables:
//   - events: the append-only balance event log
//   - processed_events: one row per event id, the idempotency record
//   - capital_accounts: incremental projection of events per member
//   - dead_letters: events routed to manual intervention
//   - periods, period_checkpoints, period_contributions, allocations:
//     the allocation period workflow
//
// # Atomic apply
//
// Append claims the event id with INSERT ... ON CONFLICT DO NOTHING on
// processed_events, writes the event, folds it into capital_accounts and
// marks the row success, all in one transaction. A failure anywhere rolls
// back every write; RecordFailure then records the error in its own
// transaction so the event can be retried.
//
// # Ordering
//
//   - seq is MAX(seq)+1, assigned inside the append transaction, never a
//     timestamp
//   - event reads are ORDER BY ts_nanos ASC, event_id COLLATE BINARY ASC,
//     the fold order used by the balance package
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
