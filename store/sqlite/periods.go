package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// PERIOD STORE
// =============================================================================

func (s *Store) InsertPeriod(ctx context.Context, p ledger.FinancialPeriod) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO financial_period (id, name, start_date, end_date, fiscal_year, status,
			locked_by, locked_at, closed_by, closed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.StartDate.String(), p.EndDate.String(), p.FiscalYear, p.Status,
		nullString(p.LockedBy), formatTimePtr(p.LockedAt), nullString(p.ClosedBy), formatTimePtr(p.ClosedAt),
		formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

const periodColumns = `id, name, start_date, end_date, fiscal_year, status,
	locked_by, locked_at, closed_by, closed_at, created_at`

func scanPeriod(sc interface{ Scan(...any) error }) (ledger.FinancialPeriod, error) {
	var (
		p                                      ledger.FinancialPeriod
		start, end, createdAt                  string
		lockedBy, lockedAt, closedBy, closedAt sql.NullString
	)
	err := sc.Scan(&p.ID, &p.Name, &start, &end, &p.FiscalYear, &p.Status,
		&lockedBy, &lockedAt, &closedBy, &closedAt, &createdAt)
	if err != nil {
		return p, err
	}
	switch p.Status {
	case ledger.PeriodOpen, ledger.PeriodLocked, ledger.PeriodClosed:
	default:
		return p, fmt.Errorf("period %s has unknown status %q", p.ID, p.Status)
	}
	if p.StartDate, err = parseDate(start); err != nil {
		return p, err
	}
	if p.EndDate, err = parseDate(end); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.LockedAt, err = parseTimePtr(lockedAt); err != nil {
		return p, err
	}
	if p.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return p, err
	}
	p.LockedBy = stringPtr(lockedBy)
	p.ClosedBy = stringPtr(closedBy)
	return p, nil
}

func (s *Store) GetPeriod(ctx context.Context, id ledger.PeriodID) (*ledger.FinancialPeriod, error) {
	p, err := scanPeriod(s.q.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM financial_period WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ledger.NotFound(ledger.ErrPeriodNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return &p, nil
}

// FindPeriodForDate relies on non-overlap: at most one row matches.
func (s *Store) FindPeriodForDate(ctx context.Context, d ledger.Date) (*ledger.FinancialPeriod, error) {
	p, err := scanPeriod(s.q.QueryRowContext(ctx, `
		SELECT `+periodColumns+` FROM financial_period
		WHERE start_date <= ? AND end_date >= ?
		ORDER BY start_date
		LIMIT 1
	`, d.String(), d.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find period: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPeriods(ctx context.Context) ([]ledger.FinancialPeriod, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+periodColumns+` FROM financial_period ORDER BY start_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()
	var out []ledger.FinancialPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePeriodStatus(ctx context.Context, p ledger.FinancialPeriod) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE financial_period
		SET status = ?, locked_by = ?, locked_at = ?, closed_by = ?, closed_at = ?
		WHERE id = ? AND status <> 'CLOSED'
	`, p.Status, nullString(p.LockedBy), formatTimePtr(p.LockedAt), nullString(p.ClosedBy), formatTimePtr(p.ClosedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update period: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrPeriodNotFound, p.ID))
}

func (s *Store) InsertPeriodAudit(ctx context.Context, a ledger.PeriodAudit) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO period_audit (id, seq, period_id, previous_status, new_status, actor, reason, at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM period_audit WHERE period_id = ?), ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PeriodID, a.PeriodID, a.PreviousStatus, a.NewStatus, a.Actor, nullString(a.Reason), formatTime(a.At))
	if err != nil {
		return fmt.Errorf("failed to insert period audit: %w", err)
	}
	return nil
}

func (s *Store) ListPeriodAudit(ctx context.Context, id ledger.PeriodID) ([]ledger.PeriodAudit, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, period_id, previous_status, new_status, actor, reason, at
		FROM period_audit WHERE period_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list period audit: %w", err)
	}
	defer rows.Close()
	var out []ledger.PeriodAudit
	for rows.Next() {
		var (
			a      ledger.PeriodAudit
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&a.ID, &a.PeriodID, &a.PreviousStatus, &a.NewStatus, &a.Actor, &reason, &at); err != nil {
			return nil, err
		}
		if a.At, err = parseTime(at); err != nil {
			return nil, err
		}
		a.Reason = stringPtr(reason)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FiscalYearRange spans the periods tagged with year, or nil when none.
func (s *Store) FiscalYearRange(ctx context.Context, year int) (*ledger.DateRange, error) {
	var start, end sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT MIN(start_date), MAX(end_date) FROM financial_period WHERE fiscal_year = ?
	`, year).Scan(&start, &end)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fiscal year %d: %w", year, err)
	}
	if !start.Valid || !end.Valid {
		return nil, nil
	}
	r := ledger.DateRange{}
	if r.Start, err = parseDate(start.String); err != nil {
		return nil, err
	}
	if r.End, err = parseDate(end.String); err != nil {
		return nil, err
	}
	return &r, nil
}
