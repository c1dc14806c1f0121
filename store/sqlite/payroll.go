package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
)

// =============================================================================
// PAYROLL RUNS
// =============================================================================

// InsertPayrollRun stores r. A repeated period label is a duplicate.
func (s *Store) InsertPayrollRun(ctx context.Context, r postings.PayrollRun) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payroll_run (id, period_label, gross_amount, deductions_amount, net_amount, entry_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PeriodLabel, r.Gross, r.Deductions, r.Net, r.EntryID, r.CreatedBy, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: payroll for %s already run", ledger.ErrDuplicate, r.PeriodLabel)
		}
		return fmt.Errorf("failed to insert payroll run: %w", err)
	}
	return nil
}

var _ postings.PayrollStore = (*Store)(nil)

// GetPayrollRunByLabel returns the run for a period label, or nil.
func (s *Store) GetPayrollRunByLabel(ctx context.Context, label string) (*postings.PayrollRun, error) {
	var (
		r         postings.PayrollRun
		createdAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, period_label, gross_amount, deductions_amount, net_amount, entry_id, created_by, created_at
		FROM payroll_run WHERE period_label = ?
	`, label).Scan(&r.ID, &r.PeriodLabel, &r.Gross, &r.Deductions, &r.Net, &r.EntryID, &r.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll run: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeletePayrollRun frees a period label whose entry was rejected. The entry
// itself stays in the journal.
func (s *Store) DeletePayrollRun(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM payroll_run WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payroll run: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: payroll run %s", ledger.ErrNotFound, id))
}
