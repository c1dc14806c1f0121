package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// APPROVAL STORE
// =============================================================================

// SaveWorkflow upserts the workflow of a transaction type.
func (s *Store) SaveWorkflow(ctx context.Context, w ledger.ApprovalWorkflow) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO approval_workflow (transaction_type, level_1_threshold, level_1_role,
			level_2_threshold, level_2_role, requires_dual_approval, auto_approve_below_level_1)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_type) DO UPDATE SET
			level_1_threshold = excluded.level_1_threshold,
			level_1_role = excluded.level_1_role,
			level_2_threshold = excluded.level_2_threshold,
			level_2_role = excluded.level_2_role,
			requires_dual_approval = excluded.requires_dual_approval,
			auto_approve_below_level_1 = excluded.auto_approve_below_level_1
	`, w.TransactionType, w.Level1Threshold, w.Level1Role, w.Level2Threshold, w.Level2Role,
		boolInt(w.RequiresDualApproval), boolInt(w.AutoApproveBelowLevel1))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `transaction_type, level_1_threshold, level_1_role, level_2_threshold, level_2_role,
	requires_dual_approval, auto_approve_below_level_1`

func scanWorkflow(sc interface{ Scan(...any) error }) (ledger.ApprovalWorkflow, error) {
	var (
		w          ledger.ApprovalWorkflow
		dual, auto int
	)
	err := sc.Scan(&w.TransactionType, &w.Level1Threshold, &w.Level1Role, &w.Level2Threshold, &w.Level2Role, &dual, &auto)
	w.RequiresDualApproval = dual == 1
	w.AutoApproveBelowLevel1 = auto == 1
	return w, err
}

func (s *Store) GetWorkflow(ctx context.Context, txType string) (*ledger.ApprovalWorkflow, error) {
	w, err := scanWorkflow(s.q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflow WHERE transaction_type = ?`, txType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]ledger.ApprovalWorkflow, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflow ORDER BY transaction_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()
	var out []ledger.ApprovalWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUESTS
// =============================================================================

func (s *Store) InsertApprovalRequest(ctx context.Context, r ledger.ApprovalRequest) error {
	levels, err := json.Marshal(r.RequiredLevels)
	if err != nil {
		return fmt.Errorf("failed to encode levels: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO approval_request (id, transaction_type, reference_id, amount, status, required_levels,
			approval_level, requested_by, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TransactionType, r.ReferenceID, r.Amount, r.Status, string(levels),
		r.ApprovalLevel, r.RequestedBy, r.Reason, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %w: %s %s already has an open request",
				ledger.ErrApprovalPending, ledger.ErrPolicy, r.TransactionType, r.ReferenceID)
		}
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

const requestColumns = `id, transaction_type, reference_id, amount, status, required_levels, approval_level,
	requested_by, COALESCE(reason, ''), level_1_approver, level_1_at, level_2_approver, level_2_at,
	rejected_by, rejection_reason, created_at, completed_at`

func scanRequest(sc interface{ Scan(...any) error }) (ledger.ApprovalRequest, error) {
	var (
		r                                     ledger.ApprovalRequest
		levels, createdAt                     string
		l1By, l1At, l2By, l2At, rejBy, rejWhy sql.NullString
		completedAt                           sql.NullString
	)
	err := sc.Scan(&r.ID, &r.TransactionType, &r.ReferenceID, &r.Amount, &r.Status, &levels, &r.ApprovalLevel,
		&r.RequestedBy, &r.Reason, &l1By, &l1At, &l2By, &l2At, &rejBy, &rejWhy, &createdAt, &completedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(levels), &r.RequiredLevels); err != nil {
		return r, fmt.Errorf("request %s has bad levels %q: %w", r.ID, levels, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.Level1At, err = parseTimePtr(l1At); err != nil {
		return r, err
	}
	if r.Level2At, err = parseTimePtr(l2At); err != nil {
		return r, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return r, err
	}
	r.Level1Approver = stringPtr(l1By)
	r.Level2Approver = stringPtr(l2By)
	r.RejectedBy = stringPtr(rejBy)
	r.RejectionReason = stringPtr(rejWhy)
	return r, nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id ledger.RequestID) (*ledger.ApprovalRequest, error) {
	r, err := scanRequest(s.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_request WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ledger.NotFound(ledger.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return &r, nil
}

func (s *Store) FindOpenRequest(ctx context.Context, txType, referenceID string) (*ledger.ApprovalRequest, error) {
	r, err := scanRequest(s.q.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM approval_request
		WHERE transaction_type = ? AND reference_id = ?
		  AND status IN ('PENDING', 'APPROVED_LEVEL_1', 'APPROVED_LEVEL_2')
	`, txType, referenceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open request: %w", err)
	}
	return &r, nil
}

func (s *Store) ListApprovalRequests(ctx context.Context, status ledger.RequestStatus) ([]ledger.ApprovalRequest, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM approval_request
		WHERE (? = '' OR status = ?)
		ORDER BY created_at
	`, status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()
	var out []ledger.ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateApprovalRequest persists the mutable decision columns. Identity,
// amount and levels never change after insert.
func (s *Store) UpdateApprovalRequest(ctx context.Context, r ledger.ApprovalRequest) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE approval_request
		SET status = ?, level_1_approver = ?, level_1_at = ?, level_2_approver = ?, level_2_at = ?,
		    rejected_by = ?, rejection_reason = ?, completed_at = ?
		WHERE id = ?
	`, r.Status, nullString(r.Level1Approver), formatTimePtr(r.Level1At), nullString(r.Level2Approver),
		formatTimePtr(r.Level2At), nullString(r.RejectedBy), nullString(r.RejectionReason),
		formatTimePtr(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}
	return expectOne(res, ledger.NotFound(ledger.ErrRequestNotFound, r.ID))
}

// =============================================================================
// HISTORY (append-only)
// =============================================================================

func (s *Store) InsertApprovalHistory(ctx context.Context, h ledger.ApprovalHistory) error {
	var prev sql.NullString
	if h.PreviousStatus != "" {
		prev = sql.NullString{String: string(h.PreviousStatus), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO approval_history (id, seq, request_id, action, actor, previous_status, new_status, notes, at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM approval_history WHERE request_id = ?), ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.RequestID, h.RequestID, h.Action, h.Actor, prev, h.NewStatus, nullString(h.Notes), formatTime(h.At))
	if err != nil {
		return fmt.Errorf("failed to insert approval history: %w", err)
	}
	return nil
}

func (s *Store) ListApprovalHistory(ctx context.Context, id ledger.RequestID) ([]ledger.ApprovalHistory, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, request_id, action, actor, COALESCE(previous_status, ''), new_status, notes, at
		FROM approval_history WHERE request_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval history: %w", err)
	}
	defer rows.Close()
	var out []ledger.ApprovalHistory
	for rows.Next() {
		var (
			h     ledger.ApprovalHistory
			notes sql.NullString
			at    string
		)
		if err := rows.Scan(&h.ID, &h.RequestID, &h.Action, &h.Actor, &h.PreviousStatus, &h.NewStatus, &notes, &at); err != nil {
			return nil, err
		}
		if h.At, err = parseTime(at); err != nil {
			return nil, err
		}
		h.Notes = stringPtr(notes)
		out = append(out, h)
	}
	return out, rows.Err()
}
