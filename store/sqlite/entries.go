package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

// InsertEntry writes the header and every line. A failure on any line
// aborts the surrounding transaction, so callers always run it in one.
func (s *Store) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	return s.withTx(ctx, func(ts *Store) error {
		var approval sql.NullString
		if e.ApprovalStatus != ledger.ApprovalNone {
			approval = sql.NullString{String: string(e.ApprovalStatus), Valid: true}
		}
		var reversalOf sql.NullString
		if e.ReversalOf != nil {
			reversalOf = sql.NullString{String: string(*e.ReversalOf), Valid: true}
		}

		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO journal_entry (
				id, ref, entry_date, fiscal_year, entry_type, description,
				student_id, staff_id, term_id, department, source_ref, idempotency_key, reversal_of,
				is_posted, posted_at, is_voided, voided_reason, voided_by, voided_at,
				requires_approval, approval_status, enforce_budget, created_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.Ref, e.Date.String(), e.FiscalYear, e.Type, e.Description,
			nullString(e.StudentID), nullString(e.StaffID), nullString(e.TermID),
			nullString(e.Department), nullString(e.SourceRef), nullString(e.IdempotencyKey), reversalOf,
			boolInt(e.IsPosted), formatTimePtr(e.PostedAt), boolInt(e.IsVoided),
			nullString(e.VoidedReason), nullString(e.VoidedBy), formatTimePtr(e.VoidedAt),
			boolInt(e.RequiresApproval), approval, boolInt(e.EnforceBudget), e.CreatedBy, formatTime(e.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ts.duplicateEntry(ctx, e, err)
			}
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}

		for _, l := range e.Lines {
			_, err := ts.q.ExecContext(ctx, `
				INSERT INTO journal_entry_line (entry_id, line_no, account_code, debit_amount, credit_amount, memo)
				VALUES (?, ?, ?, ?, ?, ?)
			`, e.ID, l.LineNo, l.AccountCode, l.Debit, l.Credit, l.Memo)
			if err != nil {
				return fmt.Errorf("failed to insert line %d of %s: %w", l.LineNo, e.Ref, err)
			}
		}
		return nil
	})
}

// duplicateEntry maps a unique violation to *DuplicateEntryError naming the
// entry that already holds the key.
func (s *Store) duplicateEntry(ctx context.Context, e ledger.JournalEntry, cause error) error {
	col := uniqueColumn(cause)
	if strings.HasSuffix(col, "idempotency_key") && e.IdempotencyKey != nil {
		dup := &ledger.DuplicateEntryError{Key: *e.IdempotencyKey}
		if existing, err := s.FindEntryByIdempotencyKey(ctx, *e.IdempotencyKey); err == nil && existing != nil {
			dup.ExistingID = existing.ID
		}
		return dup
	}
	dup := &ledger.DuplicateEntryError{Key: e.Ref}
	if existing, err := s.FindEntryByRef(ctx, e.Ref); err == nil && existing != nil {
		dup.ExistingID = existing.ID
	}
	return dup
}

const entryColumns = `
	id, ref, entry_date, fiscal_year, entry_type, description,
	student_id, staff_id, term_id, department, source_ref, idempotency_key, reversal_of,
	is_posted, posted_at, is_voided, voided_reason, voided_by, voided_at,
	requires_approval, approval_status, enforce_budget, created_by, created_at`

func scanEntry(sc interface{ Scan(...any) error }) (ledger.JournalEntry, error) {
	var (
		e                                               ledger.JournalEntry
		date, createdAt                                 string
		studentID, staffID, termID, dept, srcRef, idKey sql.NullString
		reversalOf, postedAt, voidedReason, voidedBy    sql.NullString
		voidedAt, approval                              sql.NullString
		isPosted, isVoided, requiresApproval, enforce   int
	)
	err := sc.Scan(
		&e.ID, &e.Ref, &date, &e.FiscalYear, &e.Type, &e.Description,
		&studentID, &staffID, &termID, &dept, &srcRef, &idKey, &reversalOf,
		&isPosted, &postedAt, &isVoided, &voidedReason, &voidedBy, &voidedAt,
		&requiresApproval, &approval, &enforce, &e.CreatedBy, &createdAt,
	)
	if err != nil {
		return e, err
	}
	if !e.Type.Valid() {
		return e, fmt.Errorf("entry %s has unknown type %q", e.ID, e.Type)
	}
	if e.Date, err = parseDate(date); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.PostedAt, err = parseTimePtr(postedAt); err != nil {
		return e, err
	}
	if e.VoidedAt, err = parseTimePtr(voidedAt); err != nil {
		return e, err
	}
	e.StudentID = stringPtr(studentID)
	e.StaffID = stringPtr(staffID)
	e.TermID = stringPtr(termID)
	e.Department = stringPtr(dept)
	e.SourceRef = stringPtr(srcRef)
	e.IdempotencyKey = stringPtr(idKey)
	if reversalOf.Valid {
		id := ledger.EntryID(reversalOf.String)
		e.ReversalOf = &id
	}
	e.IsPosted = isPosted == 1
	e.IsVoided = isVoided == 1
	e.RequiresApproval = requiresApproval == 1
	e.EnforceBudget = enforce == 1
	e.VoidedReason = stringPtr(voidedReason)
	e.VoidedBy = stringPtr(voidedBy)
	e.ApprovalStatus = ledger.ApprovalStatus(approval.String)
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.JournalEntry, error) {
	return s.getEntryWhere(ctx, "id = ?", id, ledger.NotFound(ledger.ErrEntryNotFound, id))
}

func (s *Store) FindEntryByIdempotencyKey(ctx context.Context, key string) (*ledger.JournalEntry, error) {
	e, err := s.getEntryWhere(ctx, "idempotency_key = ?", key, nil)
	if err != nil || e == nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) FindEntryByRef(ctx context.Context, ref string) (*ledger.JournalEntry, error) {
	e, err := s.getEntryWhere(ctx, "ref = ?", ref, nil)
	if err != nil || e == nil {
		return nil, err
	}
	return e, nil
}

// getEntryWhere loads one entry with its lines. When missing it returns
// notFound, which may be nil for "find" semantics.
func (s *Store) getEntryWhere(ctx context.Context, where string, arg any, notFound error) (*ledger.JournalEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM journal_entry WHERE `+where, arg)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry: %w", err)
	}
	lines, err := s.loadLines(ctx, []ledger.EntryID{e.ID})
	if err != nil {
		return nil, err
	}
	e.Lines = lines[e.ID]
	return &e, nil
}

// loadLines fetches lines for ids in chunks that stay under SQLite's bound
// parameter limit.
func (s *Store) loadLines(ctx context.Context, ids []ledger.EntryID) (map[ledger.EntryID][]ledger.JournalLine, error) {
	const chunk = 500
	out := make(map[ledger.EntryID][]ledger.JournalLine, len(ids))
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		if err := s.loadLineChunk(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadLineChunk(ctx context.Context, ids []ledger.EntryID, out map[ledger.EntryID][]ledger.JournalLine) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, entry_id, line_no, account_code, debit_amount, credit_amount, COALESCE(memo, '')
		FROM journal_entry_line
		WHERE entry_id IN (`+placeholders+`)
		ORDER BY entry_id, line_no
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l ledger.JournalLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.LineNo, &l.AccountCode, &l.Debit, &l.Credit, &l.Memo); err != nil {
			return err
		}
		out[l.EntryID] = append(out[l.EntryID], l)
	}
	return rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.From != nil {
		where = append(where, "entry_date >= ?")
		args = append(args, f.From.String())
	}
	if f.To != nil {
		where = append(where, "entry_date <= ?")
		args = append(args, f.To.String())
	}
	if f.Type != "" {
		where = append(where, "entry_type = ?")
		args = append(args, f.Type)
	}
	if f.Account != "" {
		where = append(where, "id IN (SELECT entry_id FROM journal_entry_line WHERE account_code = ?)")
		args = append(args, f.Account)
	}
	if f.PostedOnly {
		where = append(where, "is_posted = 1")
	}

	query := `SELECT ` + entryColumns + ` FROM journal_entry`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY entry_date, created_at, ref`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	var entries []ledger.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids := make([]ledger.EntryID, len(entries))
	for i := range entries {
		ids[i] = entries[i].ID
	}
	lines, err := s.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Lines = lines[entries[i].ID]
	}
	return entries, nil
}

// MarkEntryVoided flags a posted, non-voided entry. The guard in the WHERE
// clause makes a concurrent second void a no-op that reports ErrAlreadyVoided.
func (s *Store) MarkEntryVoided(ctx context.Context, id ledger.EntryID, reason, actor string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE journal_entry
		SET is_voided = 1, voided_reason = ?, voided_by = ?, voided_at = ?
		WHERE id = ? AND is_voided = 0 AND is_posted = 1
	`, reason, actor, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to void entry: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: %w: %s", ledger.ErrAlreadyVoided, ledger.ErrPolicy, id))
}

// SetEntryApproval records the approval outcome of a held entry. A
// rejected entry gives up its idempotency key and ref so the same request
// can be submitted again; the ref keeps a "/REJECTED-" suffix for tracing.
func (s *Store) SetEntryApproval(ctx context.Context, id ledger.EntryID, status ledger.ApprovalStatus, posted bool, at time.Time) error {
	var postedAt sql.NullString
	if posted {
		postedAt = sql.NullString{String: formatTime(at), Valid: true}
	}
	rejected := boolInt(status == ledger.ApprovalRejected)
	res, err := s.q.ExecContext(ctx, `
		UPDATE journal_entry
		SET approval_status = ?, is_posted = ?, posted_at = ?,
			idempotency_key = CASE WHEN ? = 1 THEN NULL ELSE idempotency_key END,
			ref = CASE WHEN ? = 1 THEN ref || '/REJECTED-' || upper(substr(id, 1, 8)) ELSE ref END
		WHERE id = ? AND is_posted = 0
	`, status, boolInt(posted), postedAt, rejected, rejected, id)
	if err != nil {
		return fmt.Errorf("failed to set entry approval: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrEntryNotFound, id))
}

// =============================================================================
// VOID AUDIT
// =============================================================================

func (s *Store) InsertVoidAudit(ctx context.Context, v ledger.VoidAudit) error {
	var reqID sql.NullString
	if v.ApprovalRequestID != nil {
		reqID = sql.NullString{String: string(*v.ApprovalRequestID), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO void_audit (id, entry_id, reversal_entry_id, original_amount, reason, actor, at, approval_request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.EntryID, v.ReversalEntryID, v.OriginalAmount, v.Reason, v.Actor, formatTime(v.At), reqID)
	if err != nil {
		return fmt.Errorf("failed to insert void audit: %w", err)
	}
	return nil
}

const voidColumns = `id, entry_id, reversal_entry_id, original_amount, reason, actor, at, approval_request_id,
	recovered_amount, recovered_at, recovered_by, recovery_notes`

func scanVoid(sc interface{ Scan(...any) error }) (ledger.VoidAudit, error) {
	var (
		v                             ledger.VoidAudit
		at                            string
		reqID, recAt, recBy, recNotes sql.NullString
		recovered                     sql.NullInt64
	)
	err := sc.Scan(&v.ID, &v.EntryID, &v.ReversalEntryID, &v.OriginalAmount, &v.Reason, &v.Actor, &at, &reqID,
		&recovered, &recAt, &recBy, &recNotes)
	if err != nil {
		return v, err
	}
	if v.At, err = parseTime(at); err != nil {
		return v, err
	}
	if reqID.Valid {
		id := ledger.RequestID(reqID.String)
		v.ApprovalRequestID = &id
	}
	if recovered.Valid {
		m := ledger.Money(recovered.Int64)
		v.RecoveredAmount = &m
	}
	if v.RecoveredAt, err = parseTimePtr(recAt); err != nil {
		return v, err
	}
	v.RecoveredBy = stringPtr(recBy)
	v.RecoveryNotes = stringPtr(recNotes)
	return v, nil
}

func (s *Store) GetVoidAudit(ctx context.Context, id string) (*ledger.VoidAudit, error) {
	v, err := scanVoid(s.q.QueryRowContext(ctx, `SELECT `+voidColumns+` FROM void_audit WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ledger.NotFound(ledger.ErrVoidNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get void audit: %w", err)
	}
	return &v, nil
}

func (s *Store) ListVoidAudits(ctx context.Context, entryID ledger.EntryID) ([]ledger.VoidAudit, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+voidColumns+` FROM void_audit WHERE entry_id = ? ORDER BY at`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list void audits: %w", err)
	}
	defer rows.Close()
	var out []ledger.VoidAudit
	for rows.Next() {
		v, err := scanVoid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordVoidRecovery fills the recovery columns once.
func (s *Store) RecordVoidRecovery(ctx context.Context, id string, amount ledger.Money, actor, notes string, at time.Time) error {
	var n sql.NullString
	if notes != "" {
		n = sql.NullString{String: notes, Valid: true}
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE void_audit
		SET recovered_amount = ?, recovered_at = ?, recovered_by = ?, recovery_notes = ?
		WHERE id = ? AND recovered_amount IS NULL
	`, amount, formatTime(at), actor, n, id)
	if err != nil {
		return fmt.Errorf("failed to record recovery: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrVoidNotFound, id))
}
