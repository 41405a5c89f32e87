// Package postgres is a PostgreSQL implementation of the event log and
// idempotency guard. It has the same Append semantics as the SQLite store:
// the unique claim on event_id, the event row, the capital_accounts update
// and the success mark commit together or not at all.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store implements the event log on PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to dsn with the lib/pq driver and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNow replaces the wall clock used for bookkeeping timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// MaxSeq returns the highest assigned sequence number, or 0 for an empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// Append applies ev at most once. See the SQLite store for the contract.
func (s *Store) Append(ctx context.Context, ev ledger.Event) (ledger.AppendResult, error) {
	if err := ev.Validate(); err != nil {
		return ledger.AppendResult{}, err
	}
	fingerprint, err := ledger.Fingerprint(ev)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: begin tx: %w", ev.ID, err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, status, retry_count, fingerprint, updated_at)
		VALUES ($1, 'pending', 0, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.ID, fingerprint, now)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: claim: %w", ev.ID, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: rows affected: %w", ev.ID, err)
	}

	if claimed == 0 {
		var status, stored string
		err := tx.QueryRowContext(ctx, `
			SELECT status, fingerprint FROM processed_events WHERE event_id = $1 FOR UPDATE
		`, ev.ID).Scan(&status, &stored)
		if err != nil {
			return ledger.AppendResult{}, fmt.Errorf("append %s: read processed: %w", ev.ID, err)
		}
		if ledger.ProcessingStatus(status) == ledger.ProcessingSuccess {
			state, err := s.lockAccount(ctx, tx, ev.MemberID, false)
			if err != nil {
				return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
			}
			var seq int64
			if err := tx.QueryRowContext(ctx, `SELECT seq FROM events WHERE event_id = $1`, ev.ID).Scan(&seq); err != nil {
				return ledger.AppendResult{}, fmt.Errorf("append %s: read seq: %w", ev.ID, err)
			}
			return ledger.AppendResult{
				Status:   ledger.AppendAlreadyProcessed,
				EventID:  ev.ID,
				Seq:      seq,
				Conflict: stored != fingerprint,
				State:    state,
			}, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE processed_events SET status = 'pending', fingerprint = $1, updated_at = $2
			WHERE event_id = $3 AND status <> 'success'
		`, fingerprint, now, ev.ID); err != nil {
			return ledger.AppendResult{}, fmt.Errorf("append %s: reclaim: %w", ev.ID, err)
		}
	}

	var kind, basis, period sql.NullString
	switch k := ev.Kind.(type) {
	case ledger.CapitalContribution:
		kind = sql.NullString{String: string(k.Contribution), Valid: true}
		if k.IsProperty() {
			basis = sql.NullString{String: k.AdjustedBasis.String(), Valid: true}
		}
	case ledger.AllocationApproved:
		period = sql.NullString{String: k.PeriodID, Valid: k.PeriodID != ""}
	case ledger.DistributionCompleted:
		period = sql.NullString{String: k.PeriodID, Valid: k.PeriodID != ""}
	case ledger.AllocationReversed:
		period = sql.NullString{String: k.PeriodID, Valid: k.PeriodID != ""}
	}
	// seq comes from the column's sequence, so concurrent writers never
	// collide; ev.Seq is ignored.
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO events
		(event_id, event_type, member_id, amount, ts_nanos, contribution_kind, adjusted_basis, period_id, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, ev.ID, string(ev.Type()), ev.MemberID, ev.Amount, ev.Timestamp.UTC().UnixNano(),
		kind, basis, period, fingerprint).Scan(&seq); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: insert event: %w", ev.ID, err)
	}
	ev.Seq = seq

	state, err := s.lockAccount(ctx, tx, ev.MemberID, true)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}
	if state, err = balance.Apply(state, ev); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}
	if ev.Timestamp.After(state.AsOf) {
		state.AsOf = ev.Timestamp
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE capital_accounts SET
			book_balance = $2, tax_balance = $3, contributed_capital = $4,
			retained_patronage = $5, distributed_patronage = $6, event_count = $7,
			last_seq = GREATEST(last_seq, $8), as_of_nanos = $9
		WHERE member_id = $1
	`, state.MemberID, state.BookBalance, state.TaxBalance, state.ContributedCapital,
		state.RetainedPatronage, state.DistributedPatronage, state.EventCount,
		ev.Seq, state.AsOf.UTC().UnixNano()); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: write account: %w", ev.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE processed_events SET status = 'success', error_message = NULL, updated_at = $1
		WHERE event_id = $2
	`, now, ev.ID); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: mark success: %w", ev.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: commit: %w", ev.ID, err)
	}
	return ledger.AppendResult{Status: ledger.AppendApplied, EventID: ev.ID, Seq: ev.Seq, State: state}, nil
}

// lockAccount reads a member's projected state. With forUpdate it first
// ensures the row exists so concurrent appends for a new member serialize
// on the row lock.
func (s *Store) lockAccount(ctx context.Context, tx *sql.Tx, memberID string, forUpdate bool) (ledger.CapitalAccountState, error) {
	query := `
		SELECT book_balance, tax_balance, contributed_capital, retained_patronage,
			distributed_patronage, event_count, as_of_nanos
		FROM capital_accounts WHERE member_id = $1`
	if forUpdate {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO capital_accounts (member_id) VALUES ($1)
			ON CONFLICT (member_id) DO NOTHING
		`, memberID); err != nil {
			return ledger.CapitalAccountState{}, fmt.Errorf("ensure account %s: %w", memberID, err)
		}
		query += ` FOR UPDATE`
	}

	st := ledger.CapitalAccountState{MemberID: memberID}
	var count, asOf int64
	err := tx.QueryRowContext(ctx, query, memberID).Scan(&st.BookBalance, &st.TaxBalance,
		&st.ContributedCapital, &st.RetainedPatronage, &st.DistributedPatronage, &count, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return ledger.CapitalAccountState{}, fmt.Errorf("read account %s: %w", memberID, err)
	}
	st.EventCount = int(count)
	if asOf != 0 {
		st.AsOf = time.Unix(0, asOf).UTC()
	}
	return st, nil
}

// RecordFailure marks eventID as errored and increments its retry count.
func (s *Store) RecordFailure(ctx context.Context, eventID, fingerprint string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, status, retry_count, error_message, fingerprint, updated_at)
		VALUES ($1, 'error', 1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE SET
			status = 'error',
			retry_count = processed_events.retry_count + 1,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		WHERE processed_events.status <> 'success'
	`, eventID, msg, fingerprint, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record failure %s: %w", eventID, err)
	}
	return nil
}

// WriteDeadLetter records an event that needs manual intervention.
func (s *Store) WriteDeadLetter(ctx context.Context, dl ledger.DeadLetter) error {
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, payload, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error
	`, dl.EventID, dl.Payload, dl.Attempts, dl.LastError, createdAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.EventID, err)
	}
	return nil
}

// ReadEvents returns every stored event in fold order.
func (s *Store) ReadEvents(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, seq, event_type, member_id, amount, ts_nanos, contribution_kind, adjusted_basis, period_id
		FROM events
		ORDER BY ts_nanos ASC, event_id COLLATE "C" ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ledger.Event{}
	for rows.Next() {
		var (
			ev                    ledger.Event
			eventType             string
			ts                    int64
			kind, basis, periodID sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &eventType, &ev.MemberID, &ev.Amount, &ts, &kind, &basis, &periodID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		switch ledger.EventType(eventType) {
		case ledger.EventCapitalContribution:
			k := ledger.CapitalContribution{Contribution: ledger.ContributionCash}
			if kind.Valid {
				k.Contribution = ledger.ContributionKind(kind.String)
			}
			if basis.Valid {
				var b money.Amount
				if err := b.Scan(basis.String); err != nil {
					return nil, fmt.Errorf("scan event %s: adjusted basis: %w", ev.ID, err)
				}
				k.AdjustedBasis = b
			}
			ev.Kind = k
		case ledger.EventAllocationApproved:
			ev.Kind = ledger.AllocationApproved{PeriodID: periodID.String}
		case ledger.EventDistributionCompleted:
			ev.Kind = ledger.DistributionCompleted{PeriodID: periodID.String}
		case ledger.EventAllocationReversed:
			ev.Kind = ledger.AllocationReversed{PeriodID: periodID.String}
		default:
			return nil, fmt.Errorf("scan event %s: unknown type %q", ev.ID, eventType)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ProcessedEvent returns the idempotency record for eventID.
func (s *Store) ProcessedEvent(ctx context.Context, eventID string) (ledger.ProcessedEvent, error) {
	var (
		pe        ledger.ProcessedEvent
		status    string
		errMsg    sql.NullString
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, status, retry_count, error_message, fingerprint, updated_at
		FROM processed_events WHERE event_id = $1
	`, eventID).Scan(&pe.EventID, &status, &pe.RetryCount, &errMsg, &pe.Fingerprint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return ledger.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, err)
	}
	pe.Status = ledger.ProcessingStatus(status)
	pe.ErrorMessage = errMsg.String
	pe.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return pe, nil
}
