package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// BUDGET STORE
// =============================================================================

func (s *Store) InsertBudgetAllocation(ctx context.Context, b ledger.BudgetAllocation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_allocation (id, account_code, fiscal_year, department, allocated_amount,
			is_active, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.AccountCode, b.FiscalYear, nullString(b.Department), b.Allocated,
		boolInt(b.IsActive), b.CreatedBy, formatTime(b.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: active allocation already exists for %s/%d", ledger.ErrDuplicate, b.AccountCode, b.FiscalYear)
		}
		return fmt.Errorf("failed to insert budget allocation: %w", err)
	}
	return nil
}

const budgetColumns = `id, account_code, fiscal_year, department, allocated_amount, is_active, created_by, created_at`

func scanBudget(sc interface{ Scan(...any) error }) (ledger.BudgetAllocation, error) {
	var (
		b         ledger.BudgetAllocation
		dept      sql.NullString
		active    int
		createdAt string
	)
	err := sc.Scan(&b.ID, &b.AccountCode, &b.FiscalYear, &dept, &b.Allocated, &active, &b.CreatedBy, &createdAt)
	if err != nil {
		return b, err
	}
	b.Department = stringPtr(dept)
	b.IsActive = active == 1
	b.CreatedAt, err = parseTime(createdAt)
	return b, err
}

// FindBudgetAllocation matches department with IS, so a nil department
// only finds the organization-wide allocation.
func (s *Store) FindBudgetAllocation(ctx context.Context, code ledger.AccountCode, year int, department *string) (*ledger.BudgetAllocation, error) {
	b, err := scanBudget(s.q.QueryRowContext(ctx, `
		SELECT `+budgetColumns+` FROM budget_allocation
		WHERE account_code = ? AND fiscal_year = ? AND department IS ? AND is_active = 1
	`, code, year, nullString(department)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find budget allocation: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBudgetAllocations(ctx context.Context, year int) ([]ledger.BudgetAllocation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+budgetColumns+` FROM budget_allocation
		WHERE is_active = 1 AND (? = 0 OR fiscal_year = ?)
		ORDER BY fiscal_year, account_code, department
	`, year, year)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget allocations: %w", err)
	}
	defer rows.Close()
	var out []ledger.BudgetAllocation
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateBudgetAllocation(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE budget_allocation SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate budget allocation: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrBudgetNotFound, id))
}
