package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// postedScope selects every posted line, voided originals and their
// reversals included. A void is dated when it happens, so ranges before it
// keep their figures.
const postedScope = `e.is_posted = 1`

// liveScope drops voided originals and their reversals as pairs.
const liveScope = postedScope + ` AND e.is_voided = 0 AND e.entry_type <> 'void_reversal'`

func (s *Store) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO account (code, name, type, normal_balance, is_system, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Code, a.Name, a.Type, a.NormalBalance, boolInt(a.IsSystem), boolInt(a.IsActive), formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: account %s already exists", ledger.ErrValidation, a.Code)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

const accountColumns = `code, name, type, normal_balance, is_system, is_active, created_at`

func scanAccount(sc interface{ Scan(...any) error }) (ledger.Account, error) {
	var (
		a                  ledger.Account
		isSystem, isActive int
		createdAt          string
	)
	if err := sc.Scan(&a.Code, &a.Name, &a.Type, &a.NormalBalance, &isSystem, &isActive, &createdAt); err != nil {
		return a, err
	}
	if !a.Type.Valid() {
		return a, fmt.Errorf("account %s has unknown type %q", a.Code, a.Type)
	}
	if a.NormalBalance != ledger.NormalDebit && a.NormalBalance != ledger.NormalCredit {
		return a, fmt.Errorf("account %s has unknown normal balance %q", a.Code, a.NormalBalance)
	}
	a.IsSystem = isSystem == 1
	a.IsActive = isActive == 1
	t, err := parseTime(createdAt)
	if err != nil {
		return a, err
	}
	a.CreatedAt = t
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, code ledger.AccountCode) (*ledger.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM account WHERE code = ?`, code)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ledger.NotFound(ledger.ErrAccountNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAccounts(ctx context.Context, codes []ledger.AccountCode) (map[ledger.AccountCode]ledger.Account, error) {
	out := make(map[ledger.AccountCode]ledger.Account, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM account WHERE code IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.Code] = a
	}
	return out, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM account ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccount writes only the allow-listed columns present in upd.
func (s *Store) UpdateAccount(ctx context.Context, code ledger.AccountCode, upd ledger.AccountUpdate) error {
	var name sql.NullString
	var active sql.NullInt64
	if upd.Name != nil {
		name = sql.NullString{String: *upd.Name, Valid: true}
	}
	if upd.IsActive != nil {
		active = sql.NullInt64{Int64: int64(boolInt(*upd.IsActive)), Valid: true}
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE account
		SET name = COALESCE(?, name),
		    is_active = COALESCE(?, is_active)
		WHERE code = ?
	`, name, active, code)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrAccountNotFound, code))
}

func (s *Store) AccountActivity(ctx context.Context, f ledger.ActivityFilter) (ledger.Money, ledger.Money, error) {
	scope := postedScope
	if f.ExcludeVoided {
		scope = liveScope
	}
	query := `
		SELECT COALESCE(SUM(l.debit_amount), 0), COALESCE(SUM(l.credit_amount), 0)
		FROM journal_entry_line l
		JOIN journal_entry e ON e.id = l.entry_id
		WHERE l.account_code = ? AND ` + scope + `
		  AND (? IS NULL OR e.entry_date >= ?)
		  AND (? IS NULL OR e.entry_date <= ?)`
	from, to := nullDate(f.From), nullDate(f.To)
	args := []any{f.AccountCode, from, from, to, to}
	if f.ScopeDepartment {
		query += ` AND e.department IS ?`
		args = append(args, nullString(f.Department))
	}

	var debit, credit int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&debit, &credit); err != nil {
		return 0, 0, fmt.Errorf("failed to sum activity: %w", err)
	}
	return ledger.Money(debit), ledger.Money(credit), nil
}

func (s *Store) ActivityByAccount(ctx context.Context, from, to *ledger.Date) (map[ledger.AccountCode][2]ledger.Money, error) {
	f, t := nullDate(from), nullDate(to)
	rows, err := s.q.QueryContext(ctx, `
		SELECT l.account_code, COALESCE(SUM(l.debit_amount), 0), COALESCE(SUM(l.credit_amount), 0)
		FROM journal_entry_line l
		JOIN journal_entry e ON e.id = l.entry_id
		WHERE `+postedScope+`
		  AND (? IS NULL OR e.entry_date >= ?)
		  AND (? IS NULL OR e.entry_date <= ?)
		GROUP BY l.account_code
	`, f, f, t, t)
	if err != nil {
		return nil, fmt.Errorf("failed to sum activity: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.AccountCode][2]ledger.Money)
	for rows.Next() {
		var code ledger.AccountCode
		var debit, credit int64
		if err := rows.Scan(&code, &debit, &credit); err != nil {
			return nil, err
		}
		out[code] = [2]ledger.Money{ledger.Money(debit), ledger.Money(credit)}
	}
	return out, rows.Err()
}
