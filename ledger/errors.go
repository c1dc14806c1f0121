/*
errors.go - Error taxonomy for the ledger core

ERROR CATEGORIES:
  1. Validation  - bad input, rejected before any write (ErrValidation)
  2. Policy      - rejected by design: period locked, budget exceeded,
                   approval pending/rejected (ErrPolicy)
  3. Duplicate   - idempotency conflict, "already processed" (ErrDuplicate)
  4. Not found   - referenced record missing (ErrNotFound)
  5. Everything else is infrastructure and fatal to the operation.

Structured errors unwrap to BOTH their specific sentinel and their
category, so callers can ask either question:

    if errors.Is(err, ledger.ErrPeriodClosed) { ... }
    if ledger.IsPolicy(err) { ... }

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// CATEGORY SENTINELS
// =============================================================================

var (
	ErrValidation = errors.New("validation error")
	ErrPolicy     = errors.New("policy violation")
	ErrDuplicate  = errors.New("already processed")
	ErrNotFound   = errors.New("not found")
)

// =============================================================================
// SPECIFIC SENTINELS
// =============================================================================

var (
	ErrUnbalancedEntry = errors.New("entry debits and credits do not balance")
	ErrMalformedLine   = errors.New("malformed journal line")
	ErrUnknownAccount  = errors.New("unknown account")
	ErrInactiveAccount = errors.New("account is inactive")
	ErrTooFewLines     = errors.New("entry needs at least two lines")
	ErrInvalidEntry    = errors.New("invalid entry")

	ErrPeriodClosed      = errors.New("accounting period is not open")
	ErrPeriodOverlap     = errors.New("period overlaps an existing period")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrBudgetCheckFailed = errors.New("budget check failed")
	ErrApprovalPending   = errors.New("approval pending")
	ErrApprovalDenied    = errors.New("approver not permitted")

	ErrEntryNotFound    = errors.New("journal entry not found")
	ErrPeriodNotFound   = errors.New("financial period not found")
	ErrRequestNotFound  = errors.New("approval request not found")
	ErrWorkflowNotFound = errors.New("approval workflow not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrBudgetNotFound   = errors.New("budget allocation not found")
	ErrVoidNotFound     = errors.New("void audit not found")

	ErrAlreadyVoided = errors.New("entry already voided")
	ErrNotPosted     = errors.New("entry is not posted")
)

// categorized pairs a specific sentinel with its category so errors.Is
// matches both.
type categorized struct {
	category error
	specific error
	msg      string
}

func (e *categorized) Error() string   { return e.msg }
func (e *categorized) Unwrap() []error { return []error{e.specific, e.category} }

func validationf(specific error, format string, args ...any) error {
	return &categorized{category: ErrValidation, specific: specific, msg: specific.Error() + ": " + fmt.Sprintf(format, args...)}
}

func policyf(specific error, format string, args ...any) error {
	return &categorized{category: ErrPolicy, specific: specific, msg: specific.Error() + ": " + fmt.Sprintf(format, args...)}
}

func notFoundf(specific error, format string, args ...any) error {
	return &categorized{category: ErrNotFound, specific: specific, msg: specific.Error() + ": " + fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error for store implementations.
func NotFound(specific error, id any) error {
	return notFoundf(specific, "%v", id)
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// UnbalancedError reports the two totals of a rejected entry.
type UnbalancedError struct {
	Debits  Money
	Credits Money
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("entry debits %d and credits %d do not balance (difference %d)",
		e.Debits, e.Credits, e.Debits-e.Credits)
}

func (e *UnbalancedError) Unwrap() []error { return []error{ErrUnbalancedEntry, ErrValidation} }

// LineError points at the offending line of a request.
type LineError struct {
	Index  int
	Code   AccountCode
	Reason error
	Detail string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (%s): %v: %s", e.Index+1, e.Code, e.Reason, e.Detail)
}

func (e *LineError) Unwrap() []error { return []error{e.Reason, ErrValidation} }

// PeriodClosedError is returned when a date is not postable.
type PeriodClosedError struct {
	Date   Date
	Period *FinancialPeriod // nil when no period covers the date
	Reason string
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("posting on %s not allowed: %s", e.Date, e.Reason)
}

func (e *PeriodClosedError) Unwrap() []error { return []error{ErrPeriodClosed, ErrPolicy} }

// BudgetExceededError carries the budget result that blocked a posting.
type BudgetExceededError struct {
	Result BudgetResult
}

func (e *BudgetExceededError) Error() string {
	return e.Result.Message
}

func (e *BudgetExceededError) Unwrap() []error {
	if e.Result.Level == BudgetLevelError {
		return []error{ErrBudgetCheckFailed, ErrPolicy}
	}
	return []error{ErrBudgetExceeded, ErrPolicy}
}

// DuplicateEntryError is returned for a repeated idempotency key or ref.
// ExistingID lets callers treat a retry as success.
type DuplicateEntryError struct {
	Key        string
	ExistingID EntryID
}

func (e *DuplicateEntryError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("already processed: key %q is entry %s", e.Key, e.ExistingID)
	}
	return fmt.Sprintf("already processed: key %q", e.Key)
}

func (e *DuplicateEntryError) Unwrap() error { return ErrDuplicate }

// TransitionError reports a rejected state-machine move.
type TransitionError struct {
	Machine string
	ID      string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Machine, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() []error { return []error{ErrInvalidTransition, ErrPolicy} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsPolicy(err error) bool     { return errors.Is(err, ErrPolicy) }
func IsDuplicate(err error) bool  { return errors.Is(err, ErrDuplicate) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }

// IsBusiness reports whether err is an expected business outcome rather
// than an infrastructure failure.
func IsBusiness(err error) bool {
	return IsValidation(err) || IsPolicy(err) || IsDuplicate(err) || IsNotFound(err)
}
