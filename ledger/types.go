/*
Package ledger is the double-entry core of the school administration system.

PURPOSE:
  Posts financial events (fee payments, invoices, payroll, depreciation,
  voids) as balanced journal entries against a chart of accounts, gated by
  the accounting period lock, an amount-based approval workflow and budget
  allocations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer minor units (cents). Never floating point.
  - Account: chart-of-accounts row with a fixed normal balance
  - JournalEntry / JournalLine: a balanced multi-line posting
  - EntryRequest: what callers hand to the posting engine

INVARIANTS:
  1. Every accepted entry has Σ debit == Σ credit
  2. Posted entries are immutable; corrections are void + reversal
  3. Nothing is written into a LOCKED or CLOSED period

SEE ALSO:
  - posting.go: Journal posting engine
  - period.go:  Period lock state machine
  - approval.go: Approval / threshold gate
  - budget.go:  Budget enforcement check
  - store.go:   Persistence contract and unit of work
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// MONEY - Minor currency units
// =============================================================================

// Money is an amount in minor currency units (cents).
type Money int64

// MaxLineAmount bounds a single line so that sums over any realistic entry
// cannot overflow int64.
const MaxLineAmount Money = 1_000_000_000_000_000

// String renders cents as a plain integer. Display formatting happens at the
// presentation boundary.
func (m Money) String() string { return fmt.Sprintf("%d", int64(m)) }

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountCode is the unique chart-of-accounts code, e.g. "1010".
type AccountCode string

type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is one of the five account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountRevenue, AccountExpense:
		return true
	}
	return false
}

type NormalBalance string

const (
	NormalDebit  NormalBalance = "DEBIT"
	NormalCredit NormalBalance = "CREDIT"
)

// Account is a row of the chart of accounts. NormalBalance is fixed at
// creation and decides the sign convention of the balance.
type Account struct {
	Code          AccountCode   `json:"code"`
	Name          string        `json:"name"`
	Type          AccountType   `json:"type"`
	NormalBalance NormalBalance `json:"normal_balance"`
	IsSystem      bool          `json:"is_system"`
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
}

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

type EntryID string

// EntryType is the closed enumeration of financial events.
type EntryType string

const (
	EntryFeePayment       EntryType = "fee_payment"
	EntryInvoice          EntryType = "invoice"
	EntryExpense          EntryType = "expense"
	EntryIncome           EntryType = "income"
	EntrySalary           EntryType = "salary"
	EntryRefund           EntryType = "refund"
	EntryOpeningBalance   EntryType = "opening_balance"
	EntryAdjustment       EntryType = "adjustment"
	EntryAssetAcquisition EntryType = "asset_acquisition"
	EntryAssetDisposal    EntryType = "asset_disposal"
	EntryDepreciation     EntryType = "depreciation"
	EntryLoanDisbursement EntryType = "loan_disbursement"
	EntryLoanRepayment    EntryType = "loan_repayment"
	EntryDonation         EntryType = "donation"
	EntryGrant            EntryType = "grant"
	EntryVoidReversal     EntryType = "void_reversal"
)

var entryTypes = map[EntryType]bool{
	EntryFeePayment: true, EntryInvoice: true, EntryExpense: true, EntryIncome: true,
	EntrySalary: true, EntryRefund: true, EntryOpeningBalance: true, EntryAdjustment: true,
	EntryAssetAcquisition: true, EntryAssetDisposal: true, EntryDepreciation: true,
	EntryLoanDisbursement: true, EntryLoanRepayment: true, EntryDonation: true,
	EntryGrant: true, EntryVoidReversal: true,
}

// Valid reports whether t belongs to the enumeration.
func (t EntryType) Valid() bool { return entryTypes[t] }

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// JournalEntry is the header of a posting. Lines are loaded with it.
type JournalEntry struct {
	ID               EntryID        `json:"id"`
	Ref              string         `json:"ref"`
	Date             Date           `json:"date"`
	FiscalYear       int            `json:"fiscal_year"`
	Type             EntryType      `json:"entry_type"`
	Description      string         `json:"description"`
	StudentID        *string        `json:"student_id,omitempty"`
	StaffID          *string        `json:"staff_id,omitempty"`
	TermID           *string        `json:"term_id,omitempty"`
	Department       *string        `json:"department,omitempty"`
	SourceRef        *string        `json:"source_ref,omitempty"`
	IdempotencyKey   *string        `json:"idempotency_key,omitempty"`
	ReversalOf       *EntryID       `json:"reversal_of,omitempty"`
	IsPosted         bool           `json:"is_posted"`
	PostedAt         *time.Time     `json:"posted_at,omitempty"`
	IsVoided         bool           `json:"is_voided"`
	VoidedReason     *string        `json:"voided_reason,omitempty"`
	VoidedBy         *string        `json:"voided_by,omitempty"`
	VoidedAt         *time.Time     `json:"voided_at,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status,omitempty"`
	EnforceBudget    bool           `json:"enforce_budget"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	Lines            []JournalLine  `json:"lines"`
}

// JournalLine debits or credits one account. Exactly one side is nonzero.
type JournalLine struct {
	ID          int64       `json:"id"`
	EntryID     EntryID     `json:"entry_id"`
	LineNo      int         `json:"line_no"`
	AccountCode AccountCode `json:"account_code"`
	Debit       Money       `json:"debit_amount"`
	Credit      Money       `json:"credit_amount"`
	Memo        string      `json:"memo,omitempty"`
}

// Totals returns the debit and credit sums of the entry's lines.
func (e *JournalEntry) Totals() (debit, credit Money) {
	for _, l := range e.Lines {
		debit += l.Debit
		credit += l.Credit
	}
	return debit, credit
}

// Amount is the economic value of the entry: its debit total.
func (e *JournalEntry) Amount() Money {
	d, _ := e.Totals()
	return d
}

// =============================================================================
// ENTRY REQUEST - Input to the posting engine
// =============================================================================

// LineInput is one requested line.
type LineInput struct {
	AccountCode AccountCode `json:"account_code"`
	Debit       Money       `json:"debit_amount"`
	Credit      Money       `json:"credit_amount"`
	Memo        string      `json:"memo,omitempty"`
}

// EntryRequest carries everything needed to post one journal entry.
// Ref is generated when empty. IdempotencyKey, when set, makes repeated
// submissions resolve to a single entry.
type EntryRequest struct {
	Ref            string
	Date           Date
	Type           EntryType
	Description    string
	StudentID      *string
	StaffID        *string
	TermID         *string
	Department     *string
	SourceRef      *string
	IdempotencyKey string
	CreatedBy      string
	Lines          []LineInput

	// EnforceBudget runs the budget check for every line that increases an
	// account carrying an allocation.
	EnforceBudget bool
}

// PostResult is what the engine returns for an accepted request.
type PostResult struct {
	EntryID           EntryID        `json:"entry_id"`
	Ref               string         `json:"ref"`
	Posted            bool           `json:"posted"`
	RequiresApproval  bool           `json:"requires_approval"`
	ApprovalRequestID *RequestID     `json:"approval_request_id,omitempty"`
	BudgetFlags       []BudgetResult `json:"budget_flags,omitempty"`
}

// VoidResult is what VoidEntry returns. Either the void happened
// (ReversalEntryID set) or it waits on an approval request.
type VoidResult struct {
	EntryID           EntryID    `json:"entry_id"`
	Voided            bool       `json:"voided"`
	RequiresApproval  bool       `json:"requires_approval"`
	ApprovalRequestID *RequestID `json:"approval_request_id,omitempty"`
	ReversalEntryID   *EntryID   `json:"reversal_entry_id,omitempty"`
	VoidAuditID       *string    `json:"void_audit_id,omitempty"`
}

// VoidAudit is the immutable record of a void. Recovery fields are filled
// once, later, if funds are recovered.
type VoidAudit struct {
	ID                string     `json:"id"`
	EntryID           EntryID    `json:"entry_id"`
	ReversalEntryID   EntryID    `json:"reversal_entry_id"`
	OriginalAmount    Money      `json:"original_amount"`
	Reason            string     `json:"reason"`
	Actor             string     `json:"actor"`
	At                time.Time  `json:"at"`
	ApprovalRequestID *RequestID `json:"approval_request_id,omitempty"`
	RecoveredAmount   *Money     `json:"recovered_amount,omitempty"`
	RecoveredAt       *time.Time `json:"recovered_at,omitempty"`
	RecoveredBy       *string    `json:"recovered_by,omitempty"`
	RecoveryNotes     *string    `json:"recovery_notes,omitempty"`
}

// Actor is the authenticated caller as resolved by an outer layer. The core
// trusts it and only compares roles against workflow configuration.
type Actor struct {
	ID   string
	Role string
}

// SystemActor is used for scheduled actions.
var SystemActor = Actor{ID: "system", Role: "system"}

func strPtr(s string) *string { return &s }
