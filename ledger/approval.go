/*
approval.go - Amount-based approval gate

PURPOSE:
  Intercepts sensitive operations (voids, large postings) and defers their
  effect until the configured approvers sign off.

REQUIRED LEVELS (per workflow, amount in cents):
  amount <  L1        none when auto_approve_below_level_1, else [1]
  L1 <= amount < L2   [1], or [1 2] under dual approval
  amount >= L2        [2], or [1 2] under dual approval

STATES:
  PENDING ─approve(L1)─▶ APPROVED_LEVEL_1 ─approve(L2)─▶ APPROVED_LEVEL_2
     │                        │                               │
     │  (last required level reached) ──finalize──▶ APPROVED ◀┘
     ├──reject──▶ REJECTED
     └──cancel──▶ CANCELLED

  Each approval records its level status; once the last required level is
  recorded the request is finalized to APPROVED in the same unit of work.
  Every transition appends an ApprovalHistory row. History is never edited.

APPROVER RULES:
  - actor role must equal the role of the level being recorded
  - the requester never approves their own request
  - under dual approval level 2 must be a different person than level 1

FINALIZERS:
  The effect of an outcome (apply the void, post the entry) is dispatched
  to the Finalizer registered for the request's transaction type, inside
  the approval's unit of work. A finalizer error rolls the approval back.

SEE ALSO:
  - posting.go: registers the "void" and entry-type finalizers
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RequestID string

type RequestStatus string

const (
	RequestPending        RequestStatus = "PENDING"
	RequestApprovedLevel1 RequestStatus = "APPROVED_LEVEL_1"
	RequestApprovedLevel2 RequestStatus = "APPROVED_LEVEL_2"
	RequestApproved       RequestStatus = "APPROVED"
	RequestRejected       RequestStatus = "REJECTED"
	RequestCancelled      RequestStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// TransactionTypeVoid is the workflow key for voids.
const TransactionTypeVoid = "void"

// VoidTransactionType is the workflow key for voids of entries of type t.
// Without such a workflow, TransactionTypeVoid applies.
func VoidTransactionType(t EntryType) string { return TransactionTypeVoid + ":" + string(t) }

// ApprovalWorkflow configures the gate for one transaction type.
type ApprovalWorkflow struct {
	TransactionType        string `json:"transaction_type"`
	Level1Threshold        Money  `json:"level_1_threshold"`
	Level1Role             string `json:"level_1_role"`
	Level2Threshold        Money  `json:"level_2_threshold"`
	Level2Role             string `json:"level_2_role"`
	RequiresDualApproval   bool   `json:"requires_dual_approval"`
	AutoApproveBelowLevel1 bool   `json:"auto_approve_below_level_1"`
}

// Validate checks thresholds and roles.
func (w ApprovalWorkflow) Validate() error {
	if strings.TrimSpace(w.TransactionType) == "" {
		return validationf(ErrInvalidEntry, "transaction type is required")
	}
	if w.Level1Threshold < 0 || w.Level2Threshold < 0 {
		return validationf(ErrInvalidEntry, "thresholds must be non-negative")
	}
	if w.Level1Threshold >= w.Level2Threshold {
		return validationf(ErrInvalidEntry, "level 1 threshold %d must be below level 2 threshold %d",
			w.Level1Threshold, w.Level2Threshold)
	}
	if strings.TrimSpace(w.Level1Role) == "" || strings.TrimSpace(w.Level2Role) == "" {
		return validationf(ErrInvalidEntry, "both approver roles are required")
	}
	return nil
}

// RequiredLevels returns the approval levels an amount needs, in the order
// they must be recorded. An empty result means no approval.
func (w ApprovalWorkflow) RequiredLevels(amount Money) []int {
	amount = amount.Abs()
	switch {
	case amount < w.Level1Threshold:
		if w.AutoApproveBelowLevel1 {
			return nil
		}
		return []int{1}
	case amount < w.Level2Threshold:
		if w.RequiresDualApproval {
			return []int{1, 2}
		}
		return []int{1}
	default:
		if w.RequiresDualApproval {
			return []int{1, 2}
		}
		return []int{2}
	}
}

// RoleFor returns the approver role of a level.
func (w ApprovalWorkflow) RoleFor(level int) string {
	if level == 2 {
		return w.Level2Role
	}
	return w.Level1Role
}

// ApprovalRequest is one pending or decided approval.
type ApprovalRequest struct {
	ID              RequestID     `json:"id"`
	TransactionType string        `json:"transaction_type"`
	ReferenceID     string        `json:"reference_id"`
	Amount          Money         `json:"amount"`
	Status          RequestStatus `json:"status"`
	RequiredLevels  []int         `json:"required_levels"`
	ApprovalLevel   int           `json:"approval_level"`
	RequestedBy     string        `json:"requested_by"`
	Reason          string        `json:"reason,omitempty"`
	Level1Approver  *string       `json:"level_1_approver,omitempty"`
	Level1At        *time.Time    `json:"level_1_at,omitempty"`
	Level2Approver  *string       `json:"level_2_approver,omitempty"`
	Level2At        *time.Time    `json:"level_2_at,omitempty"`
	RejectedBy      *string       `json:"rejected_by,omitempty"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// nextLevel returns the first required level not yet recorded, or 0.
func (r *ApprovalRequest) nextLevel() int {
	for _, l := range r.RequiredLevels {
		if l == 1 && r.Level1Approver == nil {
			return 1
		}
		if l == 2 && r.Level2Approver == nil {
			return 2
		}
	}
	return 0
}

// ApprovalHistory is one append-only audit row of a request.
type ApprovalHistory struct {
	ID             string        `json:"id"`
	RequestID      RequestID     `json:"request_id"`
	Action         string        `json:"action"`
	Actor          string        `json:"actor"`
	PreviousStatus RequestStatus `json:"previous_status,omitempty"`
	NewStatus      RequestStatus `json:"new_status"`
	Notes          *string       `json:"notes,omitempty"`
	At             time.Time     `json:"at"`
}

// Finalizer applies the effect of a decided request. It runs inside the
// approval's unit of work and must only use s.
type Finalizer interface {
	OnApproved(ctx context.Context, s Store, req ApprovalRequest) error
	// OnRejected runs for both rejection and cancellation.
	OnRejected(ctx context.Context, s Store, req ApprovalRequest) error
}

// =============================================================================
// APPROVAL SERVICE
// =============================================================================

type ApprovalService struct {
	store  Store
	audit  auditor
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	finalizers map[string]Finalizer
}

func NewApprovalService(store Store, sink AuditSink, logger *slog.Logger) *ApprovalService {
	if logger == nil {
		logger = slog.Default()
	}
	as := &ApprovalService{
		store:      store,
		logger:     logger,
		now:        time.Now,
		finalizers: make(map[string]Finalizer),
	}
	as.audit = auditor{sink: sink, logger: logger, now: as.clock}
	return as
}

func (as *ApprovalService) WithClock(now func() time.Time) *ApprovalService {
	as.now = now
	return as
}

func (as *ApprovalService) clock() time.Time { return as.now() }

// Register binds a finalizer to a transaction type, replacing any previous.
func (as *ApprovalService) Register(txType string, f Finalizer) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.finalizers[txType] = f
}

func (as *ApprovalService) finalizer(txType string) Finalizer {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.finalizers[txType]
}

// SaveWorkflow creates or replaces the workflow of a transaction type.
func (as *ApprovalService) SaveWorkflow(ctx context.Context, w ApprovalWorkflow, actor Actor) (*ApprovalWorkflow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	err := as.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetWorkflow(ctx, w.TransactionType)
		if err != nil {
			return err
		}
		if err := s.SaveWorkflow(ctx, w); err != nil {
			return err
		}
		as.audit.record(ctx, s, actor.ID, "save", "approval_workflow", w.TransactionType, before, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (as *ApprovalService) GetWorkflow(ctx context.Context, txType string) (*ApprovalWorkflow, error) {
	w, err := as.store.GetWorkflow(ctx, txType)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, NotFound(ErrWorkflowNotFound, txType)
	}
	return w, nil
}

func (as *ApprovalService) ListWorkflows(ctx context.Context) ([]ApprovalWorkflow, error) {
	return as.store.ListWorkflows(ctx)
}

// Requirement returns the levels needed for amount under txType's workflow.
// No workflow means no approval.
func (as *ApprovalService) Requirement(ctx context.Context, s Store, txType string, amount Money) ([]int, error) {
	w, err := s.GetWorkflow(ctx, txType)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", txType, err)
	}
	if w == nil {
		return nil, nil
	}
	return w.RequiredLevels(amount), nil
}

// OpenRequestTx creates a PENDING request inside s. Callers check
// Requirement first and pass its levels.
func (as *ApprovalService) OpenRequestTx(ctx context.Context, s Store, txType, referenceID string, amount Money, levels []int, actor Actor, reason string) (*ApprovalRequest, error) {
	if len(levels) == 0 {
		return nil, validationf(ErrInvalidEntry, "approval request without required levels")
	}
	open, err := s.FindOpenRequest(ctx, txType, referenceID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, policyf(ErrApprovalPending, "%s %s already awaits request %s", txType, referenceID, open.ID)
	}

	req := ApprovalRequest{
		ID:              RequestID(uuid.NewString()),
		TransactionType: txType,
		ReferenceID:     referenceID,
		Amount:          amount,
		Status:          RequestPending,
		RequiredLevels:  levels,
		ApprovalLevel:   levels[len(levels)-1],
		RequestedBy:     actor.ID,
		Reason:          reason,
		CreatedAt:       as.now().UTC(),
	}
	if err := s.InsertApprovalRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := as.appendHistory(ctx, s, req.ID, "submit", actor.ID, "", RequestPending, optional(reason)); err != nil {
		return nil, err
	}
	as.audit.record(ctx, s, actor.ID, "submit", "approval_request", string(req.ID), nil, req)
	as.logger.Info("approval requested",
		slog.String("request_id", string(req.ID)),
		slog.String("transaction_type", txType),
		slog.String("reference_id", referenceID),
		slog.Int64("amount", int64(amount)))
	return &req, nil
}

// Approve records the next required level for actor. When the last level
// is recorded the request is finalized and the finalizer applied.
func (as *ApprovalService) Approve(ctx context.Context, id RequestID, actor Actor, notes string) (*ApprovalRequest, error) {
	var out ApprovalRequest
	err := as.store.WithTx(ctx, func(s Store) error {
		req, w, err := as.loadOpen(ctx, s, id)
		if err != nil {
			return err
		}
		level := req.nextLevel()
		if level == 0 {
			return &TransitionError{Machine: "approval_request", ID: string(id), From: string(req.Status), To: string(RequestApproved)}
		}
		if actor.ID == req.RequestedBy {
			return policyf(ErrApprovalDenied, "%s cannot approve their own request", actor.ID)
		}
		if role := w.RoleFor(level); actor.Role != role {
			return policyf(ErrApprovalDenied, "level %d requires role %q, actor has %q", level, role, actor.Role)
		}
		if level == 2 && w.RequiresDualApproval && req.Level1Approver != nil && *req.Level1Approver == actor.ID {
			return policyf(ErrApprovalDenied, "level 2 approver must differ from level 1 approver")
		}

		before := *req
		at := as.now().UTC()
		var next RequestStatus
		if level == 1 {
			req.Level1Approver, req.Level1At = &actor.ID, &at
			next = RequestApprovedLevel1
		} else {
			req.Level2Approver, req.Level2At = &actor.ID, &at
			next = RequestApprovedLevel2
		}
		prev := req.Status
		req.Status = next
		if err := s.UpdateApprovalRequest(ctx, *req); err != nil {
			return err
		}
		if err := as.appendHistory(ctx, s, id, fmt.Sprintf("approve_level_%d", level), actor.ID, prev, next, optional(notes)); err != nil {
			return err
		}

		if req.nextLevel() == 0 {
			req.Status = RequestApproved
			req.CompletedAt = &at
			if err := s.UpdateApprovalRequest(ctx, *req); err != nil {
				return err
			}
			if err := as.appendHistory(ctx, s, id, "finalize", actor.ID, next, RequestApproved, nil); err != nil {
				return err
			}
			if f := as.finalizer(req.TransactionType); f != nil {
				if err := f.OnApproved(ctx, s, *req); err != nil {
					return err
				}
			}
		}
		as.audit.record(ctx, s, actor.ID, "approve", "approval_request", string(id), before, *req)
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	as.logger.Info("approval recorded",
		slog.String("request_id", string(id)),
		slog.String("status", string(out.Status)),
		slog.String("actor", actor.ID))
	return &out, nil
}

// Reject closes the request as REJECTED. The actor must hold the role of
// the level currently awaited.
func (as *ApprovalService) Reject(ctx context.Context, id RequestID, actor Actor, reason string) (*ApprovalRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationf(ErrInvalidEntry, "rejection reason is required")
	}
	return as.decline(ctx, id, actor, reason, RequestRejected, func(req *ApprovalRequest, w *ApprovalWorkflow) error {
		if role := w.RoleFor(req.nextLevel()); actor.Role != role {
			return policyf(ErrApprovalDenied, "rejecting requires role %q, actor has %q", role, actor.Role)
		}
		req.RejectedBy = &actor.ID
		req.RejectionReason = &reason
		return nil
	})
}

// Cancel withdraws the request. Only the requester may cancel.
func (as *ApprovalService) Cancel(ctx context.Context, id RequestID, actor Actor, reason string) (*ApprovalRequest, error) {
	return as.decline(ctx, id, actor, reason, RequestCancelled, func(req *ApprovalRequest, _ *ApprovalWorkflow) error {
		if actor.ID != req.RequestedBy && actor.ID != SystemActor.ID {
			return policyf(ErrApprovalDenied, "only the requester can cancel request %s", req.ID)
		}
		return nil
	})
}

func (as *ApprovalService) decline(ctx context.Context, id RequestID, actor Actor, notes string, to RequestStatus, check func(*ApprovalRequest, *ApprovalWorkflow) error) (*ApprovalRequest, error) {
	var out ApprovalRequest
	err := as.store.WithTx(ctx, func(s Store) error {
		req, w, err := as.loadOpen(ctx, s, id)
		if err != nil {
			return err
		}
		if err := check(req, w); err != nil {
			return err
		}
		before := *req
		at := as.now().UTC()
		prev := req.Status
		req.Status = to
		req.CompletedAt = &at
		if err := s.UpdateApprovalRequest(ctx, *req); err != nil {
			return err
		}
		action := "reject"
		if to == RequestCancelled {
			action = "cancel"
		}
		if err := as.appendHistory(ctx, s, id, action, actor.ID, prev, to, optional(notes)); err != nil {
			return err
		}
		if f := as.finalizer(req.TransactionType); f != nil {
			if err := f.OnRejected(ctx, s, *req); err != nil {
				return err
			}
		}
		as.audit.record(ctx, s, actor.ID, action, "approval_request", string(id), before, *req)
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	as.logger.Info("approval declined",
		slog.String("request_id", string(id)),
		slog.String("status", string(to)),
		slog.String("actor", actor.ID))
	return &out, nil
}

func (as *ApprovalService) loadOpen(ctx context.Context, s Store, id RequestID) (*ApprovalRequest, *ApprovalWorkflow, error) {
	req, err := s.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.IsTerminal() {
		return nil, nil, &TransitionError{Machine: "approval_request", ID: string(id), From: string(req.Status), To: "decided"}
	}
	w, err := s.GetWorkflow(ctx, req.TransactionType)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, nil, NotFound(ErrWorkflowNotFound, req.TransactionType)
	}
	return req, w, nil
}

func (as *ApprovalService) appendHistory(ctx context.Context, s Store, id RequestID, action, actor string, prev, next RequestStatus, notes *string) error {
	return s.InsertApprovalHistory(ctx, ApprovalHistory{
		ID:             uuid.NewString(),
		RequestID:      id,
		Action:         action,
		Actor:          actor,
		PreviousStatus: prev,
		NewStatus:      next,
		Notes:          notes,
		At:             as.now().UTC(),
	})
}

func (as *ApprovalService) GetRequest(ctx context.Context, id RequestID) (*ApprovalRequest, error) {
	return as.store.GetApprovalRequest(ctx, id)
}

// ListRequests filters by status; an empty status lists everything.
func (as *ApprovalService) ListRequests(ctx context.Context, status RequestStatus) ([]ApprovalRequest, error) {
	return as.store.ListApprovalRequests(ctx, status)
}

func (as *ApprovalService) History(ctx context.Context, id RequestID) ([]ApprovalHistory, error) {
	if _, err := as.store.GetApprovalRequest(ctx, id); err != nil {
		return nil, err
	}
	return as.store.ListApprovalHistory(ctx, id)
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
