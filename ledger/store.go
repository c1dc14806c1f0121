/*
store.go - Persistence contract and unit of work

PURPOSE:
  Defines the boundary between the ledger core and the embedded database.
  Every row crossing it is an explicit typed record; implementations reject
  unknown shapes at the boundary.

UNIT OF WORK:
  Store.WithTx(ctx, fn) runs fn against a transactional Store and commits if
  fn returns nil, rolls back otherwise. Calling WithTx on a Store that is
  already transactional does NOT open a new transaction: fn joins the outer
  one. This is what lets a payroll run insert its own rows and post a GL
  entry in a single all-or-nothing unit.

  AfterCommit(fn) defers side effects (audit records) until the outermost
  transaction commits. Outside a transaction fn runs immediately.

UPDATES:
  Mutations are expressed as typed methods over a fixed set of columns.
  There is no generic "update these fields" entry point.

SEE ALSO:
  - store/sqlite: the implementation
*/
package ledger

import (
	"context"
	"time"
)

// Store is the full persistence surface used by the core.
type Store interface {
	AccountStore
	EntryStore
	PeriodStore
	ApprovalStore
	BudgetStore

	// WithTx executes fn in one atomic unit of work. Nested calls join the
	// outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// AfterCommit schedules fn to run once the outermost transaction has
	// committed. It is dropped on rollback.
	AfterCommit(fn func())
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	InsertAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, code AccountCode) (*Account, error)
	GetAccounts(ctx context.Context, codes []AccountCode) (map[AccountCode]Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccount(ctx context.Context, code AccountCode, upd AccountUpdate) error
	// AccountActivity sums debit and credit over posted lines matching the
	// filter.
	AccountActivity(ctx context.Context, f ActivityFilter) (debit, credit Money, err error)
	// ActivityByAccount returns the same sums grouped by account, voided
	// entries and reversals included.
	ActivityByAccount(ctx context.Context, from, to *Date) (map[AccountCode][2]Money, error)
}

// AccountUpdate lists the only mutable account columns.
type AccountUpdate struct {
	Name     *string
	IsActive *bool
}

// ActivityFilter scopes an activity sum. A nil range bound is open.
// When ScopeDepartment is set, Department is matched exactly with NULL as
// its own bucket. ExcludeVoided drops voided originals together with their
// reversals, whatever their dates.
type ActivityFilter struct {
	AccountCode     AccountCode
	From            *Date
	To              *Date
	ScopeDepartment bool
	Department      *string
	ExcludeVoided   bool
}

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

type EntryStore interface {
	// InsertEntry writes the header and all lines. A unique violation on
	// ref or idempotency key returns *DuplicateEntryError.
	InsertEntry(ctx context.Context, e JournalEntry) error
	GetEntry(ctx context.Context, id EntryID) (*JournalEntry, error)
	FindEntryByIdempotencyKey(ctx context.Context, key string) (*JournalEntry, error)
	FindEntryByRef(ctx context.Context, ref string) (*JournalEntry, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]JournalEntry, error)
	MarkEntryVoided(ctx context.Context, id EntryID, reason, actor string, at time.Time) error
	SetEntryApproval(ctx context.Context, id EntryID, status ApprovalStatus, posted bool, at time.Time) error

	InsertVoidAudit(ctx context.Context, v VoidAudit) error
	GetVoidAudit(ctx context.Context, id string) (*VoidAudit, error)
	ListVoidAudits(ctx context.Context, entryID EntryID) ([]VoidAudit, error)
	RecordVoidRecovery(ctx context.Context, id string, amount Money, actor, notes string, at time.Time) error
}

// EntryFilter narrows ListEntries. Zero values mean "any".
type EntryFilter struct {
	From       *Date
	To         *Date
	Type       EntryType
	Account    AccountCode
	PostedOnly bool
	Limit      int
}

// =============================================================================
// PERIODS
// =============================================================================

type PeriodStore interface {
	InsertPeriod(ctx context.Context, p FinancialPeriod) error
	GetPeriod(ctx context.Context, id PeriodID) (*FinancialPeriod, error)
	// FindPeriodForDate returns nil, nil when no period covers d.
	FindPeriodForDate(ctx context.Context, d Date) (*FinancialPeriod, error)
	ListPeriods(ctx context.Context) ([]FinancialPeriod, error)
	// UpdatePeriodStatus persists status and the lock/close stamps.
	UpdatePeriodStatus(ctx context.Context, p FinancialPeriod) error
	InsertPeriodAudit(ctx context.Context, a PeriodAudit) error
	ListPeriodAudit(ctx context.Context, id PeriodID) ([]PeriodAudit, error)
	// FiscalYearRange returns the span of periods tagged with year.
	FiscalYearRange(ctx context.Context, year int) (*DateRange, error)
}

// =============================================================================
// APPROVALS
// =============================================================================

type ApprovalStore interface {
	SaveWorkflow(ctx context.Context, w ApprovalWorkflow) error
	// GetWorkflow returns nil, nil when none is configured.
	GetWorkflow(ctx context.Context, txType string) (*ApprovalWorkflow, error)
	ListWorkflows(ctx context.Context) ([]ApprovalWorkflow, error)

	InsertApprovalRequest(ctx context.Context, r ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id RequestID) (*ApprovalRequest, error)
	// FindOpenRequest returns the non-terminal request for a reference, or nil.
	FindOpenRequest(ctx context.Context, txType, referenceID string) (*ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, status RequestStatus) ([]ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, r ApprovalRequest) error

	InsertApprovalHistory(ctx context.Context, h ApprovalHistory) error
	ListApprovalHistory(ctx context.Context, id RequestID) ([]ApprovalHistory, error)
}

// =============================================================================
// BUDGETS
// =============================================================================

type BudgetStore interface {
	InsertBudgetAllocation(ctx context.Context, b BudgetAllocation) error
	// FindBudgetAllocation returns the active allocation for the exact
	// scope, or nil.
	FindBudgetAllocation(ctx context.Context, code AccountCode, year int, department *string) (*BudgetAllocation, error)
	ListBudgetAllocations(ctx context.Context, year int) ([]BudgetAllocation, error)
	DeactivateBudgetAllocation(ctx context.Context, id string) error
}
