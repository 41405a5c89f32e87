package store

import (
	"context"
	"fmt"

	"github.com/roach88/patronage/internal/ledger"
)

// WriteDeadLetter records an event that needs manual intervention. A second
// write for the same event id refreshes attempts and last_error; the
// original payload and created_at are kept.
func (s *Store) WriteDeadLetter(ctx context.Context, dl ledger.DeadLetter) error {
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`, dl.EventID, dl.Payload, dl.Attempts, dl.LastError, toNanos(createdAt))
	if err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.EventID, err)
	}
	return nil
}

// DeadLetters returns the manual-intervention queue, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]ledger.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, payload, attempts, last_error, created_at
		FROM dead_letters
		ORDER BY created_at ASC, event_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	out := []ledger.DeadLetter{}
	for rows.Next() {
		var (
			dl        ledger.DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&dl.EventID, &dl.Payload, &dl.Attempts, &dl.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.CreatedAt = fromNanos(createdAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// ResolveDeadLetter removes eventID from the queue once an operator has
// dealt with it. Missing ids return ErrNotFound.
func (s *Store) ResolveDeadLetter(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s: %w", eventID, ErrNotFound)
	}
	return nil
}
