package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

const eventColumns = `event_id, seq, event_type, member_id, amount, ts_nanos, contribution_kind, adjusted_basis, period_id`

// ReadEvents returns every stored event in fold order.
// Ordering: ORDER BY ts_nanos ASC, event_id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) for an empty log.
func (s *Store) ReadEvents(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		ORDER BY ts_nanos ASC, event_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

// ReadMemberEvents returns one member's events in fold order.
func (s *Store) ReadMemberEvents(ctx context.Context, memberID string) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE member_id = ?
		ORDER BY ts_nanos ASC, event_id COLLATE BINARY ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query member events: %w", err)
	}
	return collectEvents(rows)
}

// ReadEvent returns a single stored event by id.
func (s *Store) ReadEvent(ctx context.Context, eventID string) (ledger.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev, err
}

func collectEvents(rows *sql.Rows) ([]ledger.Event, error) {
	defer rows.Close()

	events := []ledger.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ledger.Event, error) {
	var (
		ev                    ledger.Event
		eventType             string
		tsNanos               int64
		kind, basis, periodID sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.Seq, &eventType, &ev.MemberID, &ev.Amount, &tsNanos, &kind, &basis, &periodID); err != nil {
		return ledger.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Timestamp = fromNanos(tsNanos)

	switch ledger.EventType(eventType) {
	case ledger.EventCapitalContribution:
		k := ledger.CapitalContribution{Contribution: ledger.ContributionCash}
		if kind.Valid {
			k.Contribution = ledger.ContributionKind(kind.String)
		}
		if basis.Valid {
			b, err := money.Parse(basis.String)
			if err != nil {
				return ledger.Event{}, fmt.Errorf("scan event %s: adjusted basis: %w", ev.ID, err)
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
		return ledger.Event{}, fmt.Errorf("scan event %s: unknown type %q", ev.ID, eventType)
	}
	return ev, nil
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
		FROM processed_events
		WHERE event_id = ?
	`, eventID).Scan(&pe.EventID, &status, &pe.RetryCount, &errMsg, &pe.Fingerprint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return ledger.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, err)
	}
	pe.Status = ledger.ProcessingStatus(status)
	pe.ErrorMessage = errMsg.String
	pe.UpdatedAt = fromNanos(updatedAt)
	return pe, nil
}

// ProcessedEvents returns every idempotency record with the given status,
// ordered by event id. An empty status returns all records.
func (s *Store) ProcessedEvents(ctx context.Context, status ledger.ProcessingStatus) ([]ledger.ProcessedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, status, retry_count, error_message, fingerprint, updated_at
		FROM processed_events
		WHERE ? = '' OR status = ?
		ORDER BY event_id COLLATE BINARY ASC
	`, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("query processed events: %w", err)
	}
	defer rows.Close()

	out := []ledger.ProcessedEvent{}
	for rows.Next() {
		var (
			pe        ledger.ProcessedEvent
			st        string
			errMsg    sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&pe.EventID, &st, &pe.RetryCount, &errMsg, &pe.Fingerprint, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan processed event: %w", err)
		}
		pe.Status = ledger.ProcessingStatus(st)
		pe.ErrorMessage = errMsg.String
		pe.UpdatedAt = fromNanos(updatedAt)
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed events: %w", err)
	}
	return out, nil
}
