/*
posting.go - Journal posting engine

PURPOSE:
  Validates and persists balanced multi-line journal entries. This is the
  only write path into the journal.

PIPELINE (CreateEntryTx):
  1. shape      lines present, exactly one positive side, bounded amounts
  2. balance    Σ debit == Σ credit, exact integer arithmetic
  3. idempotent a known idempotency key returns *DuplicateEntryError
  4. accounts   every code exists and is active
  5. period     entry date must fall in an OPEN period
  6. budget     optional, per increased account with an allocation
  7. approval   large postings are stored unposted, PENDING
  8. persist    header + lines in the caller's unit of work

  Steps 1-2 run before any read; nothing is written unless all pass.

VOID:
  A void never deletes. It flags the original, writes a VoidAudit and
  posts a mirror entry of type void_reversal dated today (never backdated
  into a locked period). Ranged balances count both halves, so a range
  that ends before the void keeps its figures. Budget spend drops the pair.

  The workflow "void:<entry_type>" gates voids of that type when it
  exists; otherwise the generic "void" workflow applies.

SEE ALSO:
  - approval.go: finalizers registered here apply deferred voids/postings
  - postings/:   school-domain request builders
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostingEngine is the journal write path.
type PostingEngine struct {
	store     Store
	approvals *ApprovalService
	budgets   *BudgetService
	audit     auditor
	logger    *slog.Logger
	now       func() time.Time
}

// NewPostingEngine wires the engine and registers its finalizers with
// approvals. budgets may be nil when budget enforcement is never requested.
func NewPostingEngine(store Store, approvals *ApprovalService, budgets *BudgetService, sink AuditSink, logger *slog.Logger) *PostingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &PostingEngine{
		store:     store,
		approvals: approvals,
		budgets:   budgets,
		logger:    logger,
		now:       time.Now,
	}
	e.audit = auditor{sink: sink, logger: logger, now: e.clock}

	if approvals != nil {
		approvals.Register(TransactionTypeVoid, voidFinalizer{e})
		for t := range entryTypes {
			if t != EntryVoidReversal {
				approvals.Register(string(t), entryFinalizer{e})
				approvals.Register(VoidTransactionType(t), voidFinalizer{e})
			}
		}
	}
	return e
}

// WithClock overrides the time source used for reversal dates and stamps.
func (e *PostingEngine) WithClock(now func() time.Time) *PostingEngine {
	e.now = now
	return e
}

func (e *PostingEngine) clock() time.Time { return e.now() }

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateLines checks line shape and the double-entry invariant. It reads
// nothing and is safe to call before opening a unit of work.
func ValidateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return validationf(ErrTooFewLines, "entry has no lines")
	}
	var debit, credit Money
	for i, l := range lines {
		if strings.TrimSpace(string(l.AccountCode)) == "" {
			return &LineError{Index: i, Code: l.AccountCode, Reason: ErrMalformedLine, Detail: "account code is required"}
		}
		if l.Debit < 0 || l.Credit < 0 {
			return &LineError{Index: i, Code: l.AccountCode, Reason: ErrMalformedLine, Detail: "amounts must be non-negative"}
		}
		if (l.Debit > 0) == (l.Credit > 0) {
			return &LineError{Index: i, Code: l.AccountCode, Reason: ErrMalformedLine, Detail: "exactly one of debit or credit must be positive"}
		}
		if l.Debit > MaxLineAmount || l.Credit > MaxLineAmount {
			return &LineError{Index: i, Code: l.AccountCode, Reason: ErrMalformedLine, Detail: fmt.Sprintf("amount exceeds %d", MaxLineAmount)}
		}
		debit += l.Debit
		credit += l.Credit
	}
	if len(lines) < 2 {
		return validationf(ErrTooFewLines, "got %d line", len(lines))
	}
	if debit != credit {
		return &UnbalancedError{Debits: debit, Credits: credit}
	}
	return nil
}

const reversalRefPrefix = "REV-"

func validateRequest(req EntryRequest) error {
	if !req.Type.Valid() {
		return validationf(ErrInvalidEntry, "unknown entry type %q", req.Type)
	}
	if req.Type == EntryVoidReversal {
		return validationf(ErrInvalidEntry, "void reversals are created by voiding an entry")
	}
	if req.Date.IsZero() {
		return validationf(ErrInvalidEntry, "entry date is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return validationf(ErrInvalidEntry, "description is required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return validationf(ErrInvalidEntry, "created_by is required")
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(req.Ref)), reversalRefPrefix) {
		return validationf(ErrInvalidEntry, "ref prefix %q is reserved for void reversals", reversalRefPrefix)
	}
	return ValidateLines(req.Lines)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateEntry validates and persists req in its own unit of work.
func (e *PostingEngine) CreateEntry(ctx context.Context, req EntryRequest) (*PostResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var res *PostResult
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		res, err = e.CreateEntryTx(ctx, s, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateEntryTx posts req inside s. When s is already transactional the
// entry joins the caller's unit of work and commits or rolls back with it.
func (e *PostingEngine) CreateEntryTx(ctx context.Context, s Store, req EntryRequest) (*PostResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var res *PostResult
	err := s.WithTx(ctx, func(s Store) error {
		if req.IdempotencyKey != "" {
			existing, err := s.FindEntryByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				return &DuplicateEntryError{Key: req.IdempotencyKey, ExistingID: existing.ID}
			}
		}

		accounts, err := e.loadAccounts(ctx, s, req.Lines)
		if err != nil {
			return err
		}

		period, err := requireOpenPeriod(ctx, s, req.Date)
		if err != nil {
			return err
		}

		var flags []BudgetResult
		if req.EnforceBudget {
			if flags, err = e.checkBudgets(ctx, s, req, accounts, period.FiscalYear); err != nil {
				return err
			}
		}

		entry := e.buildEntry(req, period.FiscalYear)

		var levels []int
		if e.approvals != nil {
			if levels, err = e.approvals.Requirement(ctx, s, string(req.Type), entry.Amount()); err != nil {
				return err
			}
		}
		if len(levels) > 0 {
			entry.IsPosted = false
			entry.PostedAt = nil
			entry.RequiresApproval = true
			entry.ApprovalStatus = ApprovalPending
		}

		if err := s.InsertEntry(ctx, entry); err != nil {
			return err
		}

		res = &PostResult{
			EntryID:          entry.ID,
			Ref:              entry.Ref,
			Posted:           entry.IsPosted,
			RequiresApproval: entry.RequiresApproval,
			BudgetFlags:      flags,
		}
		if len(levels) > 0 {
			ar, err := e.approvals.OpenRequestTx(ctx, s, string(req.Type), string(entry.ID), entry.Amount(), levels,
				Actor{ID: req.CreatedBy}, entry.Description)
			if err != nil {
				return err
			}
			res.ApprovalRequestID = &ar.ID
		}
		e.audit.record(ctx, s, req.CreatedBy, "create", "journal_entry", string(entry.ID), nil, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("journal entry created",
		slog.String("entry_id", string(res.EntryID)),
		slog.String("ref", res.Ref),
		slog.String("type", string(req.Type)),
		slog.Bool("posted", res.Posted))
	return res, nil
}

func (e *PostingEngine) loadAccounts(ctx context.Context, s Store, lines []LineInput) (map[AccountCode]Account, error) {
	accounts, err := s.GetAccounts(ctx, accountCodes(lines))
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	for i, l := range lines {
		a, ok := accounts[l.AccountCode]
		if !ok {
			return nil, &LineError{Index: i, Code: l.AccountCode, Reason: ErrUnknownAccount, Detail: "no such account"}
		}
		if !a.IsActive {
			return nil, &LineError{Index: i, Code: l.AccountCode, Reason: ErrInactiveAccount, Detail: a.Name}
		}
	}
	return accounts, nil
}

func accountCodes(lines []LineInput) []AccountCode {
	codes := make([]AccountCode, 0, len(lines))
	for _, l := range lines {
		codes = append(codes, l.AccountCode)
	}
	return codes
}

// checkBudgets runs the budget check once per account whose balance the
// entry increases. A block aborts the entry.
func (e *PostingEngine) checkBudgets(ctx context.Context, s Store, req EntryRequest, accounts map[AccountCode]Account, fiscalYear int) ([]BudgetResult, error) {
	if e.budgets == nil {
		return nil, nil
	}
	net := make(map[AccountCode]Money)
	var order []AccountCode
	for _, l := range req.Lines {
		if _, seen := net[l.AccountCode]; !seen {
			order = append(order, l.AccountCode)
		}
		net[l.AccountCode] += NetEffect(accounts[l.AccountCode].NormalBalance, l)
	}

	var flags []BudgetResult
	for _, code := range order {
		if net[code] <= 0 {
			continue
		}
		r := e.budgets.ValidateTransactionTx(ctx, s, BudgetQuery{
			AccountCode: code,
			Amount:      net[code],
			FiscalYear:  fiscalYear,
			Department:  req.Department,
		})
		if !r.Allowed {
			return nil, &BudgetExceededError{Result: r}
		}
		if r.Flagged() {
			flags = append(flags, r)
		}
	}
	return flags, nil
}

func (e *PostingEngine) buildEntry(req EntryRequest, fiscalYear int) JournalEntry {
	now := e.now().UTC()
	id := EntryID(uuid.NewString())
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		ref = fmt.Sprintf("JE-%s-%s", req.Date.Time().Format("20060102"), strings.ToUpper(string(id)[:8]))
	}

	entry := JournalEntry{
		ID:          id,
		Ref:         ref,
		Date:        req.Date,
		FiscalYear:  fiscalYear,
		Type:        req.Type,
		Description: req.Description,
		StudentID:   req.StudentID,
		StaffID:     req.StaffID,
		TermID:      req.TermID,
		Department:  req.Department,
		SourceRef:   req.SourceRef,
		IsPosted:      true,
		PostedAt:      &now,
		EnforceBudget: req.EnforceBudget,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
	}
	if req.IdempotencyKey != "" {
		entry.IdempotencyKey = strPtr(req.IdempotencyKey)
	}
	for i, l := range req.Lines {
		entry.Lines = append(entry.Lines, JournalLine{
			EntryID:     id,
			LineNo:      i + 1,
			AccountCode: l.AccountCode,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Memo:        l.Memo,
		})
	}
	return entry
}

// =============================================================================
// READ
// =============================================================================

func (e *PostingEngine) GetEntry(ctx context.Context, id EntryID) (*JournalEntry, error) {
	return e.store.GetEntry(ctx, id)
}

func (e *PostingEngine) ListEntries(ctx context.Context, f EntryFilter) ([]JournalEntry, error) {
	return e.store.ListEntries(ctx, f)
}

func (e *PostingEngine) ListVoidAudits(ctx context.Context, id EntryID) ([]VoidAudit, error) {
	return e.store.ListVoidAudits(ctx, id)
}

// =============================================================================
// VOID
// =============================================================================

// VoidEntry voids a posted entry, or opens an approval request when the
// void workflow of the entry's type (or the generic one) requires it.
func (e *PostingEngine) VoidEntry(ctx context.Context, id EntryID, reason string, actor Actor) (*VoidResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationf(ErrInvalidEntry, "void reason is required")
	}
	if strings.TrimSpace(actor.ID) == "" {
		return nil, validationf(ErrInvalidEntry, "actor is required")
	}

	var res *VoidResult
	err := e.store.WithTx(ctx, func(s Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if err := voidable(entry); err != nil {
			return err
		}
		for _, key := range []string{VoidTransactionType(entry.Type), TransactionTypeVoid} {
			open, err := s.FindOpenRequest(ctx, key, string(id))
			if err != nil {
				return err
			}
			if open != nil {
				return policyf(ErrApprovalPending, "void of %s awaits request %s", id, open.ID)
			}
		}

		txType, err := voidWorkflowKey(ctx, s, entry.Type)
		if err != nil {
			return err
		}
		var levels []int
		if e.approvals != nil {
			if levels, err = e.approvals.Requirement(ctx, s, txType, entry.Amount()); err != nil {
				return err
			}
		}
		if len(levels) > 0 {
			ar, err := e.approvals.OpenRequestTx(ctx, s, txType, string(id), entry.Amount(), levels, actor, reason)
			if err != nil {
				return err
			}
			res = &VoidResult{EntryID: id, RequiresApproval: true, ApprovalRequestID: &ar.ID}
			return nil
		}

		res, err = e.applyVoid(ctx, s, entry, reason, actor.ID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("void processed",
		slog.String("entry_id", string(id)),
		slog.Bool("voided", res.Voided),
		slog.Bool("requires_approval", res.RequiresApproval),
		slog.String("actor", actor.ID))
	return res, nil
}

// voidWorkflowKey picks the type-specific void workflow when one is
// configured.
func voidWorkflowKey(ctx context.Context, s Store, t EntryType) (string, error) {
	key := VoidTransactionType(t)
	w, err := s.GetWorkflow(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to load workflow %s: %w", key, err)
	}
	if w == nil {
		return TransactionTypeVoid, nil
	}
	return key, nil
}

func voidable(entry *JournalEntry) error {
	if entry.Type == EntryVoidReversal {
		return validationf(ErrInvalidEntry, "entry %s is a void reversal and cannot be voided", entry.ID)
	}
	if entry.IsVoided {
		return policyf(ErrAlreadyVoided, "%s", entry.ID)
	}
	if !entry.IsPosted {
		return policyf(ErrNotPosted, "%s", entry.ID)
	}
	return nil
}

// applyVoid flags entry, posts its mirror dated today and writes the
// VoidAudit, all inside s.
func (e *PostingEngine) applyVoid(ctx context.Context, s Store, entry *JournalEntry, reason, actor string, requestID *RequestID) (*VoidResult, error) {
	now := e.now().UTC()
	today := DateOf(now)
	period, err := requireOpenPeriod(ctx, s, today)
	if err != nil {
		return nil, err
	}

	revID := EntryID(uuid.NewString())
	reversal := JournalEntry{
		ID:          revID,
		Ref:         reversalRefPrefix + entry.Ref,
		Date:        today,
		FiscalYear:  period.FiscalYear,
		Type:        EntryVoidReversal,
		Description: fmt.Sprintf("Reversal of %s: %s", entry.Ref, reason),
		StudentID:   entry.StudentID,
		StaffID:     entry.StaffID,
		TermID:      entry.TermID,
		Department:  entry.Department,
		SourceRef:   strPtr(entry.Ref),
		ReversalOf:  &entry.ID,
		IsPosted:    true,
		PostedAt:    &now,
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	for i, l := range entry.Lines {
		reversal.Lines = append(reversal.Lines, JournalLine{
			EntryID:     revID,
			LineNo:      i + 1,
			AccountCode: l.AccountCode,
			Debit:       l.Credit,
			Credit:      l.Debit,
			Memo:        l.Memo,
		})
	}

	if err := s.InsertEntry(ctx, reversal); err != nil {
		return nil, err
	}
	if err := s.MarkEntryVoided(ctx, entry.ID, reason, actor, now); err != nil {
		return nil, err
	}
	va := VoidAudit{
		ID:                uuid.NewString(),
		EntryID:           entry.ID,
		ReversalEntryID:   revID,
		OriginalAmount:    entry.Amount(),
		Reason:            reason,
		Actor:             actor,
		At:                now,
		ApprovalRequestID: requestID,
	}
	if err := s.InsertVoidAudit(ctx, va); err != nil {
		return nil, err
	}

	before := *entry
	after := *entry
	after.IsVoided = true
	after.VoidedReason, after.VoidedBy, after.VoidedAt = &reason, &actor, &now
	e.audit.record(ctx, s, actor, "void", "journal_entry", string(entry.ID), before, after)

	return &VoidResult{
		EntryID:           entry.ID,
		Voided:            true,
		ApprovalRequestID: requestID,
		ReversalEntryID:   &revID,
		VoidAuditID:       &va.ID,
	}, nil
}

// RecordVoidRecovery notes funds recovered after a void. It can be recorded
// once per void.
func (e *PostingEngine) RecordVoidRecovery(ctx context.Context, voidID string, amount Money, actor Actor, notes string) (*VoidAudit, error) {
	var out *VoidAudit
	err := e.store.WithTx(ctx, func(s Store) error {
		v, err := s.GetVoidAudit(ctx, voidID)
		if err != nil {
			return err
		}
		if v.RecoveredAmount != nil {
			return policyf(ErrInvalidTransition, "recovery already recorded for void %s", voidID)
		}
		if amount <= 0 || amount > v.OriginalAmount {
			return validationf(ErrInvalidEntry, "recovered amount %d must be in (0, %d]", amount, v.OriginalAmount)
		}
		if err := s.RecordVoidRecovery(ctx, voidID, amount, actor.ID, notes, e.now().UTC()); err != nil {
			return err
		}
		if out, err = s.GetVoidAudit(ctx, voidID); err != nil {
			return err
		}
		e.audit.record(ctx, s, actor.ID, "recover", "void_audit", voidID, v, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// FINALIZERS
// =============================================================================

type voidFinalizer struct{ e *PostingEngine }

func (f voidFinalizer) OnApproved(ctx context.Context, s Store, req ApprovalRequest) error {
	entry, err := s.GetEntry(ctx, EntryID(req.ReferenceID))
	if err != nil {
		return err
	}
	if err := voidable(entry); err != nil {
		return err
	}
	reason := req.Reason
	if reason == "" {
		reason = "approved void"
	}
	_, err = f.e.applyVoid(ctx, s, entry, reason, req.RequestedBy, &req.ID)
	return err
}

func (f voidFinalizer) OnRejected(_ context.Context, _ Store, req ApprovalRequest) error {
	f.e.logger.Info("void not applied",
		slog.String("entry_id", req.ReferenceID),
		slog.String("request_status", string(req.Status)))
	return nil
}

// entryFinalizer posts or rejects an entry held for approval.
type entryFinalizer struct{ e *PostingEngine }

func (f entryFinalizer) OnApproved(ctx context.Context, s Store, req ApprovalRequest) error {
	entry, err := s.GetEntry(ctx, EntryID(req.ReferenceID))
	if err != nil {
		return err
	}
	if entry.ApprovalStatus != ApprovalPending {
		return policyf(ErrInvalidTransition, "entry %s is %s, not pending", entry.ID, entry.ApprovalStatus)
	}
	if _, err := requireOpenPeriod(ctx, s, entry.Date); err != nil {
		return err
	}
	// Held entries do not count as spent until they post.
	if entry.EnforceBudget {
		if err := f.recheckBudget(ctx, s, entry); err != nil {
			return err
		}
	}
	if err := s.SetEntryApproval(ctx, entry.ID, ApprovalApproved, true, f.e.now().UTC()); err != nil {
		return err
	}
	f.e.audit.record(ctx, s, req.RequestedBy, "post", "journal_entry", string(entry.ID), nil, nil)
	return nil
}

func (f entryFinalizer) recheckBudget(ctx context.Context, s Store, entry *JournalEntry) error {
	req := EntryRequest{Department: entry.Department}
	for _, l := range entry.Lines {
		req.Lines = append(req.Lines, LineInput{AccountCode: l.AccountCode, Debit: l.Debit, Credit: l.Credit})
	}
	accounts, err := s.GetAccounts(ctx, accountCodes(req.Lines))
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	_, err = f.e.checkBudgets(ctx, s, req, accounts, entry.FiscalYear)
	return err
}

func (f entryFinalizer) OnRejected(ctx context.Context, s Store, req ApprovalRequest) error {
	entry, err := s.GetEntry(ctx, EntryID(req.ReferenceID))
	if err != nil {
		return err
	}
	if entry.ApprovalStatus != ApprovalPending {
		return nil
	}
	return s.SetEntryApproval(ctx, entry.ID, ApprovalRejected, false, f.e.now().UTC())
}
