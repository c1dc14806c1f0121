/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication and decouples the
  ledger's domain types from the external contract.

MONEY:
  Amounts travel as integer minor units in *_cents fields. Responses also
  carry a display string (two decimals) next to each amount, computed with
  shopspring/decimal so no float ever touches a stored value.

NAMING CONVENTION:
  - *Request: Request body types from clients (validated with validator tags)
  - *DTO: Response types returned to clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
)

// Display renders minor units as a fixed two-decimal string.
func Display(m ledger.Money) string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateAccountRequest struct {
	Code          string `json:"code" validate:"required,max=20"`
	Name          string `json:"name" validate:"required,max=200"`
	Type          string `json:"type" validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	NormalBalance string `json:"normal_balance" validate:"omitempty,oneof=DEBIT CREDIT"`
	IsSystem      bool   `json:"is_system"`
}

type UpdateAccountRequest struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=200"`
	IsActive *bool   `json:"is_active"`
}

type LineRequest struct {
	AccountCode string `json:"account_code" validate:"required"`
	DebitCents  int64  `json:"debit_cents" validate:"gte=0"`
	CreditCents int64  `json:"credit_cents" validate:"gte=0"`
	Memo        string `json:"memo"`
}

// CreateEntryRequest posts a manual journal entry. The Idempotency-Key
// header, when present, overrides IdempotencyKey.
type CreateEntryRequest struct {
	Ref            string        `json:"ref"`
	Date           ledger.Date   `json:"date"`
	EntryType      string        `json:"entry_type" validate:"required"`
	Description    string        `json:"description" validate:"required"`
	StudentID      *string       `json:"student_id"`
	StaffID        *string       `json:"staff_id"`
	TermID         *string       `json:"term_id"`
	Department     *string       `json:"department"`
	SourceRef      *string       `json:"source_ref"`
	IdempotencyKey string        `json:"idempotency_key"`
	EnforceBudget  bool          `json:"enforce_budget"`
	Lines          []LineRequest `json:"lines" validate:"required,dive"`
}

func (r CreateEntryRequest) toLedger(actor ledger.Actor) ledger.EntryRequest {
	lines := make([]ledger.LineInput, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = ledger.LineInput{
			AccountCode: ledger.AccountCode(l.AccountCode),
			Debit:       ledger.Money(l.DebitCents),
			Credit:      ledger.Money(l.CreditCents),
			Memo:        l.Memo,
		}
	}
	return ledger.EntryRequest{
		Ref:            r.Ref,
		Date:           r.Date,
		Type:           ledger.EntryType(r.EntryType),
		Description:    r.Description,
		StudentID:      r.StudentID,
		StaffID:        r.StaffID,
		TermID:         r.TermID,
		Department:     r.Department,
		SourceRef:      r.SourceRef,
		IdempotencyKey: r.IdempotencyKey,
		CreatedBy:      actor.ID,
		Lines:          lines,
		EnforceBudget:  r.EnforceBudget,
	}
}

type VoidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type RecoveryRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Notes       string `json:"notes"`
}

type CreatePeriodRequest struct {
	Name       string      `json:"name" validate:"required"`
	StartDate  ledger.Date `json:"start_date"`
	EndDate    ledger.Date `json:"end_date"`
	FiscalYear int         `json:"fiscal_year" validate:"gte=1900,lte=9999"`
}

type UnlockRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type WorkflowRequest struct {
	Level1ThresholdCents   int64  `json:"level_1_threshold_cents" validate:"gte=0"`
	Level1Role             string `json:"level_1_role" validate:"required"`
	Level2ThresholdCents   int64  `json:"level_2_threshold_cents" validate:"gtfield=Level1ThresholdCents"`
	Level2Role             string `json:"level_2_role" validate:"required"`
	RequiresDualApproval   bool   `json:"requires_dual_approval"`
	AutoApproveBelowLevel1 bool   `json:"auto_approve_below_level_1"`
}

type DecisionRequest struct {
	Notes string `json:"notes"`
}

type BudgetRequest struct {
	AccountCode    string  `json:"account_code" validate:"required"`
	FiscalYear     int     `json:"fiscal_year" validate:"gte=1900,lte=9999"`
	Department     *string `json:"department"`
	AllocatedCents int64   `json:"allocated_cents" validate:"gte=0"`
}

type BudgetCheckRequest struct {
	AccountCode string  `json:"account_code" validate:"required"`
	AmountCents int64   `json:"amount_cents"`
	FiscalYear  int     `json:"fiscal_year" validate:"required"`
	Department  *string `json:"department"`
}

type DepreciationRequest struct {
	Asset postings.Asset `json:"asset"`
	Date  ledger.Date    `json:"date"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type LineDTO struct {
	LineNo      int    `json:"line_no"`
	AccountCode string `json:"account_code"`
	DebitCents  int64  `json:"debit_cents"`
	CreditCents int64  `json:"credit_cents"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Memo        string `json:"memo,omitempty"`
}

type EntryDTO struct {
	ID               string          `json:"id"`
	Ref              string          `json:"ref"`
	Date             string          `json:"date"`
	FiscalYear       int             `json:"fiscal_year"`
	EntryType        string          `json:"entry_type"`
	Description      string          `json:"description"`
	StudentID        *string         `json:"student_id,omitempty"`
	StaffID          *string         `json:"staff_id,omitempty"`
	TermID           *string         `json:"term_id,omitempty"`
	Department       *string         `json:"department,omitempty"`
	SourceRef        *string         `json:"source_ref,omitempty"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	ReversalOf       *ledger.EntryID `json:"reversal_of,omitempty"`
	AmountCents      int64           `json:"amount_cents"`
	Amount           string          `json:"amount"`
	IsPosted         bool            `json:"is_posted"`
	PostedAt         *time.Time      `json:"posted_at,omitempty"`
	IsVoided         bool            `json:"is_voided"`
	VoidedReason     *string         `json:"voided_reason,omitempty"`
	VoidedBy         *string         `json:"voided_by,omitempty"`
	VoidedAt         *time.Time      `json:"voided_at,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovalStatus   string          `json:"approval_status,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	Lines            []LineDTO       `json:"lines"`
	Voids            []VoidAuditDTO  `json:"voids,omitempty"`
}

func toEntryDTO(e ledger.JournalEntry) EntryDTO {
	lines := make([]LineDTO, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = LineDTO{
			LineNo:      l.LineNo,
			AccountCode: string(l.AccountCode),
			DebitCents:  int64(l.Debit),
			CreditCents: int64(l.Credit),
			Debit:       Display(l.Debit),
			Credit:      Display(l.Credit),
			Memo:        l.Memo,
		}
	}
	amount := e.Amount()
	return EntryDTO{
		ID:               string(e.ID),
		Ref:              e.Ref,
		Date:             e.Date.String(),
		FiscalYear:       e.FiscalYear,
		EntryType:        string(e.Type),
		Description:      e.Description,
		StudentID:        e.StudentID,
		StaffID:          e.StaffID,
		TermID:           e.TermID,
		Department:       e.Department,
		SourceRef:        e.SourceRef,
		IdempotencyKey:   e.IdempotencyKey,
		ReversalOf:       e.ReversalOf,
		AmountCents:      int64(amount),
		Amount:           Display(amount),
		IsPosted:         e.IsPosted,
		PostedAt:         e.PostedAt,
		IsVoided:         e.IsVoided,
		VoidedReason:     e.VoidedReason,
		VoidedBy:         e.VoidedBy,
		VoidedAt:         e.VoidedAt,
		RequiresApproval: e.RequiresApproval,
		ApprovalStatus:   string(e.ApprovalStatus),
		CreatedBy:        e.CreatedBy,
		CreatedAt:        e.CreatedAt,
		Lines:            lines,
	}
}

type VoidAuditDTO struct {
	ID                   string     `json:"id"`
	EntryID              string     `json:"entry_id"`
	ReversalEntryID      string     `json:"reversal_entry_id"`
	OriginalAmountCents  int64      `json:"original_amount_cents"`
	OriginalAmount       string     `json:"original_amount"`
	Reason               string     `json:"reason"`
	Actor                string     `json:"actor"`
	At                   time.Time  `json:"at"`
	ApprovalRequestID    *string    `json:"approval_request_id,omitempty"`
	RecoveredAmountCents *int64     `json:"recovered_amount_cents,omitempty"`
	RecoveredAmount      *string    `json:"recovered_amount,omitempty"`
	RecoveredAt          *time.Time `json:"recovered_at,omitempty"`
	RecoveredBy          *string    `json:"recovered_by,omitempty"`
	RecoveryNotes        *string    `json:"recovery_notes,omitempty"`
}

func toVoidAuditDTO(v ledger.VoidAudit) VoidAuditDTO {
	dto := VoidAuditDTO{
		ID:                  v.ID,
		EntryID:             string(v.EntryID),
		ReversalEntryID:     string(v.ReversalEntryID),
		OriginalAmountCents: int64(v.OriginalAmount),
		OriginalAmount:      Display(v.OriginalAmount),
		Reason:              v.Reason,
		Actor:               v.Actor,
		At:                  v.At,
		RecoveredAt:         v.RecoveredAt,
		RecoveredBy:         v.RecoveredBy,
		RecoveryNotes:       v.RecoveryNotes,
	}
	if v.ApprovalRequestID != nil {
		id := string(*v.ApprovalRequestID)
		dto.ApprovalRequestID = &id
	}
	if v.RecoveredAmount != nil {
		c, s := int64(*v.RecoveredAmount), Display(*v.RecoveredAmount)
		dto.RecoveredAmountCents, dto.RecoveredAmount = &c, &s
	}
	return dto
}

type BalanceDTO struct {
	Account      ledger.Account `json:"account"`
	DebitCents   int64          `json:"debit_cents"`
	CreditCents  int64          `json:"credit_cents"`
	BalanceCents int64          `json:"balance_cents"`
	Balance      string         `json:"balance"`
}

func toBalanceDTO(b ledger.AccountBalance) BalanceDTO {
	return BalanceDTO{
		Account:      b.Account,
		DebitCents:   int64(b.Debit),
		CreditCents:  int64(b.Credit),
		BalanceCents: int64(b.Balance),
		Balance:      Display(b.Balance),
	}
}

type TrialBalanceDTO struct {
	Rows             []BalanceDTO `json:"rows"`
	TotalDebitCents  int64        `json:"total_debit_cents"`
	TotalCreditCents int64        `json:"total_credit_cents"`
	TotalDebit       string       `json:"total_debit"`
	TotalCredit      string       `json:"total_credit"`
	Balanced         bool         `json:"balanced"`
}

func toTrialBalanceDTO(tb ledger.TrialBalance) TrialBalanceDTO {
	rows := make([]BalanceDTO, len(tb.Rows))
	for i, r := range tb.Rows {
		rows[i] = toBalanceDTO(r)
	}
	return TrialBalanceDTO{
		Rows:             rows,
		TotalDebitCents:  int64(tb.TotalDebit),
		TotalCreditCents: int64(tb.TotalCredit),
		TotalDebit:       Display(tb.TotalDebit),
		TotalCredit:      Display(tb.TotalCredit),
		Balanced:         tb.TotalDebit == tb.TotalCredit,
	}
}

type BudgetResultDTO struct {
	Allowed           bool    `json:"allowed"`
	Level             string  `json:"level"`
	AccountCode       string  `json:"account_code"`
	FiscalYear        int     `json:"fiscal_year"`
	Department        *string `json:"department,omitempty"`
	AllocatedCents    int64   `json:"allocated_cents"`
	SpentCents        int64   `json:"spent_cents"`
	ProposedCents     int64   `json:"proposed_cents"`
	RemainingCents    int64   `json:"remaining_cents"`
	OverrunCents      int64   `json:"overrun_cents"`
	Remaining         string  `json:"remaining"`
	Overrun           string  `json:"overrun"`
	UtilizationBefore string  `json:"utilization_before_pct"`
	UtilizationAfter  string  `json:"utilization_after_pct"`
	Message           string  `json:"message"`
}

func toBudgetResultDTO(r ledger.BudgetResult) BudgetResultDTO {
	return BudgetResultDTO{
		Allowed:           r.Allowed,
		Level:             string(r.Level),
		AccountCode:       string(r.AccountCode),
		FiscalYear:        r.FiscalYear,
		Department:        r.Department,
		AllocatedCents:    int64(r.Allocated),
		SpentCents:        int64(r.Spent),
		ProposedCents:     int64(r.Proposed),
		RemainingCents:    int64(r.Remaining),
		OverrunCents:      int64(r.Overrun),
		Remaining:         Display(r.Remaining),
		Overrun:           Display(r.Overrun),
		UtilizationBefore: decimal.New(r.UtilizationBefore, -2).StringFixed(2),
		UtilizationAfter:  decimal.New(r.UtilizationAfter, -2).StringFixed(2),
		Message:           r.Message,
	}
}

type BudgetAllocationDTO struct {
	ID             string    `json:"id"`
	AccountCode    string    `json:"account_code"`
	FiscalYear     int       `json:"fiscal_year"`
	Department     *string   `json:"department,omitempty"`
	AllocatedCents int64     `json:"allocated_cents"`
	Allocated      string    `json:"allocated"`
	IsActive       bool      `json:"is_active"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

func toBudgetAllocationDTO(b ledger.BudgetAllocation) BudgetAllocationDTO {
	return BudgetAllocationDTO{
		ID:             b.ID,
		AccountCode:    string(b.AccountCode),
		FiscalYear:     b.FiscalYear,
		Department:     b.Department,
		AllocatedCents: int64(b.Allocated),
		Allocated:      Display(b.Allocated),
		IsActive:       b.IsActive,
		CreatedBy:      b.CreatedBy,
		CreatedAt:      b.CreatedAt,
	}
}

type PostResultDTO struct {
	EntryID           string            `json:"entry_id"`
	Ref               string            `json:"ref"`
	Posted            bool              `json:"posted"`
	RequiresApproval  bool              `json:"requires_approval"`
	ApprovalRequestID *string           `json:"approval_request_id,omitempty"`
	BudgetFlags       []BudgetResultDTO `json:"budget_flags,omitempty"`
}

func toPostResultDTO(r ledger.PostResult) PostResultDTO {
	dto := PostResultDTO{
		EntryID:          string(r.EntryID),
		Ref:              r.Ref,
		Posted:           r.Posted,
		RequiresApproval: r.RequiresApproval,
	}
	if r.ApprovalRequestID != nil {
		id := string(*r.ApprovalRequestID)
		dto.ApprovalRequestID = &id
	}
	for _, f := range r.BudgetFlags {
		dto.BudgetFlags = append(dto.BudgetFlags, toBudgetResultDTO(f))
	}
	return dto
}

type WorkflowDTO struct {
	TransactionType        string `json:"transaction_type"`
	Level1ThresholdCents   int64  `json:"level_1_threshold_cents"`
	Level1Role             string `json:"level_1_role"`
	Level2ThresholdCents   int64  `json:"level_2_threshold_cents"`
	Level2Role             string `json:"level_2_role"`
	RequiresDualApproval   bool   `json:"requires_dual_approval"`
	AutoApproveBelowLevel1 bool   `json:"auto_approve_below_level_1"`
}

func toWorkflowDTO(w ledger.ApprovalWorkflow) WorkflowDTO {
	return WorkflowDTO{
		TransactionType:        w.TransactionType,
		Level1ThresholdCents:   int64(w.Level1Threshold),
		Level1Role:             w.Level1Role,
		Level2ThresholdCents:   int64(w.Level2Threshold),
		Level2Role:             w.Level2Role,
		RequiresDualApproval:   w.RequiresDualApproval,
		AutoApproveBelowLevel1: w.AutoApproveBelowLevel1,
	}
}

type ApprovalDTO struct {
	ID              string                   `json:"id"`
	TransactionType string                   `json:"transaction_type"`
	ReferenceID     string                   `json:"reference_id"`
	AmountCents     int64                    `json:"amount_cents"`
	Amount          string                   `json:"amount"`
	Status          string                   `json:"status"`
	RequiredLevels  []int                    `json:"required_levels"`
	ApprovalLevel   int                      `json:"approval_level"`
	RequestedBy     string                   `json:"requested_by"`
	Reason          string                   `json:"reason,omitempty"`
	Level1Approver  *string                  `json:"level_1_approver,omitempty"`
	Level1At        *time.Time               `json:"level_1_at,omitempty"`
	Level2Approver  *string                  `json:"level_2_approver,omitempty"`
	Level2At        *time.Time               `json:"level_2_at,omitempty"`
	RejectedBy      *string                  `json:"rejected_by,omitempty"`
	RejectionReason *string                  `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	History         []ledger.ApprovalHistory `json:"history,omitempty"`
}

func toApprovalDTO(r ledger.ApprovalRequest) ApprovalDTO {
	return ApprovalDTO{
		ID:              string(r.ID),
		TransactionType: r.TransactionType,
		ReferenceID:     r.ReferenceID,
		AmountCents:     int64(r.Amount),
		Amount:          Display(r.Amount),
		Status:          string(r.Status),
		RequiredLevels:  r.RequiredLevels,
		ApprovalLevel:   r.ApprovalLevel,
		RequestedBy:     r.RequestedBy,
		Reason:          r.Reason,
		Level1Approver:  r.Level1Approver,
		Level1At:        r.Level1At,
		Level2Approver:  r.Level2Approver,
		Level2At:        r.Level2At,
		RejectedBy:      r.RejectedBy,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

type PayrollRunDTO struct {
	ID              string    `json:"id"`
	PeriodLabel     string    `json:"period_label"`
	GrossCents      int64     `json:"gross_cents"`
	DeductionsCents int64     `json:"deductions_cents"`
	NetCents        int64     `json:"net_cents"`
	Net             string    `json:"net"`
	EntryID         string    `json:"entry_id"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

func toPayrollRunDTO(r postings.PayrollRun) PayrollRunDTO {
	return PayrollRunDTO{
		ID:              r.ID,
		PeriodLabel:     r.PeriodLabel,
		GrossCents:      int64(r.Gross),
		DeductionsCents: int64(r.Deductions),
		NetCents:        int64(r.Net),
		Net:             Display(r.Net),
		EntryID:         string(r.EntryID),
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
	}
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
