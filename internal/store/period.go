package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/patronage/internal/ledger"
)

// CreatePeriod inserts p in its initial state. Returns created=false if a
// period with the same id already exists; the existing row is not modified.
func (s *Store) CreatePeriod(ctx context.Context, p ledger.Period) (created bool, err error) {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO periods (id, status, surplus, cash_rate, last_step, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, string(p.Status), p.Surplus, p.CashRate.String(), toNanos(p.CreatedAt), toNanos(now))
	if err != nil {
		return false, fmt.Errorf("create period %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create period %s: %w", p.ID, err)
	}
	return n == 1, nil
}

// Period returns the period with the given id.
func (s *Store) Period(ctx context.Context, id string) (ledger.Period, error) {
	var (
		p                    ledger.Period
		status, rate         string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, surplus, cash_rate, last_step, error, created_at, updated_at
		FROM periods WHERE id = ?
	`, id).Scan(&p.ID, &status, &p.Surplus, &rate, &p.LastStep, &p.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Period{}, fmt.Errorf("period %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Period{}, fmt.Errorf("period %s: %w", id, err)
	}
	if p.CashRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.Period{}, fmt.Errorf("period %s: cash rate: %w", id, err)
	}
	p.Status = ledger.PeriodStatus(status)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return p, nil
}

// TransitionPeriod moves a period from one status to another. If the period
// is not currently in from, ErrStaleState is returned and nothing changes.
func (s *Store) TransitionPeriod(ctx context.Context, id string, from, to ledger.PeriodStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE periods SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), errMsg, toNanos(s.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transition period %s: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("transition period %s %s->%s", id, from, to))
}

// SaveCheckpoint records the output of a completed closing step and marks it
// as the period's last step.
func (s *Store) SaveCheckpoint(ctx context.Context, periodID, step string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: begin tx: %w", periodID, step, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO period_checkpoints (period_id, step, data) VALUES (?, ?, ?)
		ON CONFLICT(period_id, step) DO UPDATE SET data = excluded.data
	`, periodID, step, string(data)); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", periodID, step, err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE periods SET last_step = ?, updated_at = ? WHERE id = ?
	`, step, toNanos(s.now()), periodID)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", periodID, step, err)
	}
	if err := expectOne(res, "save checkpoint "+periodID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: commit: %w", periodID, step, err)
	}
	return nil
}

// Checkpoints returns the saved step outputs for a period keyed by step.
func (s *Store) Checkpoints(ctx context.Context, periodID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, data FROM period_checkpoints WHERE period_id = ?
		ORDER BY step COLLATE BINARY ASC
	`, periodID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var step, data string
		if err := rows.Scan(&step, &data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[step] = []byte(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// ClearCheckpoints removes every checkpoint for a period.
func (s *Store) ClearCheckpoints(ctx context.Context, periodID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM period_checkpoints WHERE period_id = ?`, periodID); err != nil {
		return fmt.Errorf("clear checkpoints %s: %w", periodID, err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE periods SET last_step = '' WHERE id = ?`, periodID); err != nil {
		return fmt.Errorf("clear checkpoints %s: %w", periodID, err)
	}
	return nil
}

// SavePeriodContributions records the contributions a period is closed
// over. Contributions already recorded for the period are kept as-is.
func (s *Store) SavePeriodContributions(ctx context.Context, periodID string, contributions []ledger.Contribution) error {
	for _, c := range contributions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("save contributions %s: %w", periodID, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save contributions %s: begin tx: %w", periodID, err)
	}
	defer tx.Rollback()

	for _, c := range contributions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO period_contributions
			(period_id, contribution_id, member_id, type, monetary_value, status, approved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(period_id, contribution_id) DO NOTHING
		`, periodID, c.ID, c.MemberID, string(c.Type), c.MonetaryValue, string(c.Status), toNanos(c.ApprovedAt)); err != nil {
			return fmt.Errorf("save contribution %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save contributions %s: commit: %w", periodID, err)
	}
	return nil
}

// PeriodContributions returns a period's contributions ordered by id.
func (s *Store) PeriodContributions(ctx context.Context, periodID string) ([]ledger.Contribution, error) {
	return s.queryContributions(ctx, `
		SELECT contribution_id, member_id, type, monetary_value, status, approved_at
		FROM period_contributions WHERE period_id = ?
		ORDER BY contribution_id COLLATE BINARY ASC
	`, periodID)
}

// MemberContributions returns every recorded contribution for a member
// across periods, ordered by approval time then id.
func (s *Store) MemberContributions(ctx context.Context, memberID string) ([]ledger.Contribution, error) {
	return s.queryContributions(ctx, `
		SELECT DISTINCT contribution_id, member_id, type, monetary_value, status, approved_at
		FROM period_contributions WHERE member_id = ?
		ORDER BY approved_at ASC, contribution_id COLLATE BINARY ASC
	`, memberID)
}

func (s *Store) queryContributions(ctx context.Context, query string, arg string) ([]ledger.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	out := []ledger.Contribution{}
	for rows.Next() {
		var (
			c            ledger.Contribution
			typ, status  string
			approvedAtNs int64
		)
		if err := rows.Scan(&c.ID, &c.MemberID, &typ, &c.MonetaryValue, &status, &approvedAtNs); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		c.Type = ledger.ContributionType(typ)
		c.Status = ledger.ContributionStatus(status)
		c.ApprovedAt = fromNanos(approvedAtNs)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return out, nil
}

// SaveAllocations writes draft or proposed allocations for a period.
// Existing rows are replaced only while they are still draft or proposed;
// approved and distributed rows are never overwritten.
func (s *Store) SaveAllocations(ctx context.Context, periodID string, allocs []ledger.Allocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save allocations %s: begin tx: %w", periodID, err)
	}
	defer tx.Rollback()

	for _, a := range allocs {
		if a.Authoritative() {
			return fmt.Errorf("save allocations %s: %s is %s, use the approval path", periodID, a.MemberID, a.Status)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO allocations
			(period_id, member_id, total_patronage, cash_distribution, retained_allocation,
			 patronage_score, status, approved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(period_id, member_id) DO UPDATE SET
				total_patronage = excluded.total_patronage,
				cash_distribution = excluded.cash_distribution,
				retained_allocation = excluded.retained_allocation,
				patronage_score = excluded.patronage_score,
				status = excluded.status
			WHERE allocations.status IN ('draft', 'proposed')
		`, periodID, a.MemberID, a.TotalPatronage, a.CashDistribution, a.RetainedAllocation,
			a.PatronageScore, string(a.Status)); err != nil {
			return fmt.Errorf("save allocation %s/%s: %w", periodID, a.MemberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save allocations %s: commit: %w", periodID, err)
	}
	return nil
}

const allocationColumns = `period_id, member_id, total_patronage, cash_distribution, retained_allocation,
	patronage_score, status, approved_at`

// Allocations returns a period's allocations ordered by member id.
func (s *Store) Allocations(ctx context.Context, periodID string) ([]ledger.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM allocations WHERE period_id = ?
		ORDER BY member_id COLLATE BINARY ASC
	`, periodID)
}

// MemberAllocations returns a member's allocations across all periods,
// ordered by approval time then period id.
func (s *Store) MemberAllocations(ctx context.Context, memberID string) ([]ledger.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+`
		FROM allocations WHERE member_id = ?
		ORDER BY approved_at ASC, period_id COLLATE BINARY ASC
	`, memberID)
}

func (s *Store) queryAllocations(ctx context.Context, query, arg string) ([]ledger.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	out := []ledger.Allocation{}
	for rows.Next() {
		var (
			a            ledger.Allocation
			status       string
			approvedAtNs int64
		)
		if err := rows.Scan(&a.PeriodID, &a.MemberID, &a.TotalPatronage, &a.CashDistribution,
			&a.RetainedAllocation, &a.PatronageScore, &status, &approvedAtNs); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.Status = ledger.AllocationStatus(status)
		a.ApprovedAt = fromNanos(approvedAtNs)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

// DeleteDraftAllocations is the compensation for a failed or cancelled
// close: it removes a period's draft and proposed allocations and leaves
// approved ones alone. Returns the number of rows removed.
func (s *Store) DeleteDraftAllocations(ctx context.Context, periodID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM allocations
		WHERE period_id = ? AND status IN ('draft', 'proposed')
	`, periodID)
	if err != nil {
		return 0, fmt.Errorf("delete draft allocations %s: %w", periodID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete draft allocations %s: %w", periodID, err)
	}
	return n, nil
}

// ApproveAllocations marks a proposed period and all of its proposed
// allocations approved in one transaction.
func (s *Store) ApproveAllocations(ctx context.Context, periodID string, at time.Time) error {
	return s.advanceAllocations(ctx, periodID,
		ledger.PeriodProposed, ledger.PeriodApproved,
		ledger.AllocationProposed, ledger.AllocationApprovedSt, at)
}

// DistributeAllocations marks an approved period and its allocations
// distributed in one transaction. approved_at is left unchanged.
func (s *Store) DistributeAllocations(ctx context.Context, periodID string) error {
	return s.advanceAllocations(ctx, periodID,
		ledger.PeriodApproved, ledger.PeriodDistributed,
		ledger.AllocationApprovedSt, ledger.AllocationDistributed, time.Time{})
}

func (s *Store) advanceAllocations(ctx context.Context, periodID string,
	fromPeriod, toPeriod ledger.PeriodStatus,
	fromAlloc, toAlloc ledger.AllocationStatus,
	approvedAt time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance period %s: begin tx: %w", periodID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE periods SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(toPeriod), toNanos(s.now()), periodID, string(fromPeriod))
	if err != nil {
		return fmt.Errorf("advance period %s: %w", periodID, err)
	}
	if err := expectOne(res, fmt.Sprintf("advance period %s %s->%s", periodID, fromPeriod, toPeriod)); err != nil {
		return err
	}

	if approvedAt.IsZero() {
		_, err = tx.ExecContext(ctx, `
			UPDATE allocations SET status = ? WHERE period_id = ? AND status = ?
		`, string(toAlloc), periodID, string(fromAlloc))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE allocations SET status = ?, approved_at = ? WHERE period_id = ? AND status = ?
		`, string(toAlloc), toNanos(approvedAt), periodID, string(fromAlloc))
	}
	if err != nil {
		return fmt.Errorf("advance allocations %s: %w", periodID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("advance period %s: commit: %w", periodID, err)
	}
	return nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, ErrStaleState)
	}
	return nil
}
