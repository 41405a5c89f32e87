package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const accountColumns = `member_id, book_balance, tax_balance, contributed_capital, retained_patronage,
	distributed_patronage, event_count, as_of_nanos`

func scanAccount(row rowScanner) (ledger.CapitalAccountState, error) {
	var (
		st    ledger.CapitalAccountState
		asOf  int64
		count int64
	)
	err := row.Scan(&st.MemberID, &st.BookBalance, &st.TaxBalance, &st.ContributedCapital,
		&st.RetainedPatronage, &st.DistributedPatronage, &count, &asOf)
	if err != nil {
		return ledger.CapitalAccountState{}, err
	}
	st.EventCount = int(count)
	st.AsOf = fromNanos(asOf)
	return st, nil
}

// readAccount returns the projected state for memberID. A member with no
// row yet gets a zero state carrying its id.
func readAccount(ctx context.Context, q querier, memberID string) (ledger.CapitalAccountState, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM capital_accounts WHERE member_id = ?`, memberID)
	st, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CapitalAccountState{MemberID: memberID}, false, nil
	}
	if err != nil {
		return ledger.CapitalAccountState{}, false, fmt.Errorf("read account %s: %w", memberID, err)
	}
	return st, true, nil
}

// Account returns the projected capital account for memberID.
func (s *Store) Account(ctx context.Context, memberID string) (ledger.CapitalAccountState, error) {
	st, ok, err := readAccount(ctx, s.db, memberID)
	if err != nil {
		return ledger.CapitalAccountState{}, err
	}
	if !ok {
		return ledger.CapitalAccountState{}, fmt.Errorf("account %s: %w", memberID, ErrNotFound)
	}
	return st, nil
}

// Accounts returns every projected capital account ordered by member id.
func (s *Store) Accounts(ctx context.Context) ([]ledger.CapitalAccountState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM capital_accounts
		ORDER BY member_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	out := []ledger.CapitalAccountState{}
	for rows.Next() {
		st, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// RebuildProjection discards capital_accounts and refolds it from the event
// log in one transaction. The result matches a pure replay of ReadEvents
// with no cutoff.
func (s *Store) RebuildProjection(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild projection: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		ORDER BY ts_nanos ASC, event_id COLLATE BINARY ASC
	`)
	if err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM capital_accounts`); err != nil {
		return fmt.Errorf("rebuild projection: clear: %w", err)
	}

	states := make(map[string]ledger.CapitalAccountState)
	lastSeq := make(map[string]int64)
	for _, ev := range events {
		st, ok := states[ev.MemberID]
		if !ok {
			st = ledger.CapitalAccountState{MemberID: ev.MemberID}
		}
		if st, err = balance.Apply(st, ev); err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
		if ev.Timestamp.After(st.AsOf) {
			st.AsOf = ev.Timestamp
		}
		states[ev.MemberID] = st
		lastSeq[ev.MemberID] = max(lastSeq[ev.MemberID], ev.Seq)
	}

	for _, id := range balance.MemberIDs(states) {
		if err := writeAccount(ctx, tx, states[id], lastSeq[id]); err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rebuild projection: commit: %w", err)
	}
	return nil
}
