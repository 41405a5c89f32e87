package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
)

// Append applies ev to the event log and the capital_accounts projection at
// most once.
//
// The claim on ev.ID, the event row, the projection update and the success
// mark share one transaction. Any failure rolls all of them back, so a failed
// apply never leaves a partial balance mutation behind.
//
// An id already marked success returns AppendAlreadyProcessed with the
// current projected state. If the stored fingerprint differs from ev's the
// result carries Conflict; the stored event is kept.
//
// The store assigns seq inside the transaction; ev.Seq is ignored. Write
// transactions take the database lock at BEGIN, so separate handles on one
// file never hand out the same seq.
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
	defer tx.Rollback() // No-op if committed

	now := s.now().UnixNano()

	// Atomic claim: the primary key on event_id is the dedup check.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, status, retry_count, fingerprint, updated_at)
		VALUES (?, 'pending', 0, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, ev.ID, fingerprint, now)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: claim: %w", ev.ID, err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: rows affected: %w", ev.ID, err)
	}

	if claimed == 0 {
		var status, stored string
		err := tx.QueryRowContext(ctx, `
			SELECT status, fingerprint FROM processed_events WHERE event_id = ?
		`, ev.ID).Scan(&status, &stored)
		if err != nil {
			return ledger.AppendResult{}, fmt.Errorf("append %s: read processed: %w", ev.ID, err)
		}

		if ledger.ProcessingStatus(status) == ledger.ProcessingSuccess {
			state, _, err := readAccount(ctx, tx, ev.MemberID)
			if err != nil {
				return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
			}
			var seq int64
			if err := tx.QueryRowContext(ctx, `SELECT seq FROM events WHERE event_id = ?`, ev.ID).Scan(&seq); err != nil {
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

		// Retry of a pending or errored event. retry_count is kept.
		if _, err := tx.ExecContext(ctx, `
			UPDATE processed_events
			SET status = 'pending', fingerprint = ?, updated_at = ?
			WHERE event_id = ? AND status <> 'success'
		`, fingerprint, now, ev.ID); err != nil {
			return ledger.AppendResult{}, fmt.Errorf("append %s: reclaim: %w", ev.ID, err)
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events`).Scan(&ev.Seq); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: next seq: %w", ev.ID, err)
	}

	if err := insertEvent(ctx, tx, ev, fingerprint); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}

	state, _, err := readAccount(ctx, tx, ev.MemberID)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}
	state, err = balance.Apply(state, ev)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}
	if ev.Timestamp.After(state.AsOf) {
		state.AsOf = ev.Timestamp
	}
	if err := writeAccount(ctx, tx, state, ev.Seq); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: %w", ev.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE processed_events
		SET status = 'success', error_message = NULL, updated_at = ?
		WHERE event_id = ?
	`, now, ev.ID); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: mark success: %w", ev.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.AppendResult{}, fmt.Errorf("append %s: commit: %w", ev.ID, err)
	}

	return ledger.AppendResult{
		Status:  ledger.AppendApplied,
		EventID: ev.ID,
		Seq:     ev.Seq,
		State:   state,
	}, nil
}

// RecordFailure marks eventID as errored and increments its retry count.
// It runs in its own transaction, after the failed Append rolled back.
// Events already in success are left untouched.
func (s *Store) RecordFailure(ctx context.Context, eventID, fingerprint string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, status, retry_count, error_message, fingerprint, updated_at)
		VALUES (?, 'error', 1, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			status = 'error',
			retry_count = processed_events.retry_count + 1,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
		WHERE processed_events.status <> 'success'
	`, eventID, msg, fingerprint, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record failure %s: %w", eventID, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev ledger.Event, fingerprint string) error {
	var kind, basis, period sql.NullString
	switch k := ev.Kind.(type) {
	case ledger.CapitalContribution:
		kind = sql.NullString{String: string(k.Contribution), Valid: true}
		if k.IsProperty() {
			basis = sql.NullString{String: k.AdjustedBasis.String(), Valid: true}
		}
	case ledger.AllocationApproved:
		period = nullString(k.PeriodID)
	case ledger.DistributionCompleted:
		period = nullString(k.PeriodID)
	case ledger.AllocationReversed:
		period = nullString(k.PeriodID)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, seq, event_type, member_id, amount, ts_nanos, contribution_kind, adjusted_basis, period_id, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.Seq,
		string(ev.Type()),
		ev.MemberID,
		ev.Amount,
		ev.Timestamp.UTC().UnixNano(),
		kind,
		basis,
		period,
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func writeAccount(ctx context.Context, tx *sql.Tx, st ledger.CapitalAccountState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capital_accounts
		(member_id, book_balance, tax_balance, contributed_capital, retained_patronage,
		 distributed_patronage, event_count, last_seq, as_of_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
			book_balance = excluded.book_balance,
			tax_balance = excluded.tax_balance,
			contributed_capital = excluded.contributed_capital,
			retained_patronage = excluded.retained_patronage,
			distributed_patronage = excluded.distributed_patronage,
			event_count = excluded.event_count,
			last_seq = MAX(capital_accounts.last_seq, excluded.last_seq),
			as_of_nanos = excluded.as_of_nanos
	`,
		st.MemberID,
		st.BookBalance,
		st.TaxBalance,
		st.ContributedCapital,
		st.RetainedPatronage,
		st.DistributedPatronage,
		st.EventCount,
		seq,
		toNanos(st.AsOf),
	)
	if err != nil {
		return fmt.Errorf("write account %s: %w", st.MemberID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
