/*
budget.go - Budget enforcement check

PURPOSE:
  Compares a proposed amount against the active allocation for an
  (account, fiscal year, department) scope and decides: allow, allow with a
  notice (crossing 80%), allow with a warning (crossing 90%), or block
  (spent + amount > allocated).

SCOPE MATCHING:
  Department is matched exactly. A NULL department is its own bucket: an
  organization-wide allocation does not absorb department spend, and a
  department allocation ignores unscoped lines.

FISCAL YEAR:
  Boundaries come from the configured financial periods tagged with the
  fiscal year (min start .. max end), never from a Jan..Dec assumption.

FAIL CLOSED:
  Any internal failure while computing the check yields Allowed=false with
  Level=error. The check never lets unchecked spend through.

CONCURRENCY:
  Spent is a point-in-time aggregate, not a reservation. Two concurrent
  postings can both pass before either commits.
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BudgetAllocation caps spend on one account for a fiscal year.
type BudgetAllocation struct {
	ID          string      `json:"id"`
	AccountCode AccountCode `json:"account_code"`
	FiscalYear  int         `json:"fiscal_year"`
	Department  *string     `json:"department,omitempty"`
	Allocated   Money       `json:"allocated_amount"`
	IsActive    bool        `json:"is_active"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

type BudgetLevel string

const (
	BudgetLevelOK       BudgetLevel = "ok"
	BudgetLevelNotice   BudgetLevel = "notice"
	BudgetLevelWarning  BudgetLevel = "warning"
	BudgetLevelExceeded BudgetLevel = "exceeded"
	BudgetLevelNone     BudgetLevel = "no_budget"
	BudgetLevelError    BudgetLevel = "error"
)

// BudgetQuery is the input of a check.
type BudgetQuery struct {
	AccountCode AccountCode `json:"account_code"`
	Amount      Money       `json:"amount"`
	FiscalYear  int         `json:"fiscal_year"`
	Department  *string     `json:"department,omitempty"`
}

// BudgetResult is the outcome of a check. Utilization is in basis points
// (10000 = 100%).
type BudgetResult struct {
	Allowed           bool        `json:"allowed"`
	Level             BudgetLevel `json:"level"`
	AccountCode       AccountCode `json:"account_code"`
	FiscalYear        int         `json:"fiscal_year"`
	Department        *string     `json:"department,omitempty"`
	Allocated         Money       `json:"allocated"`
	Spent             Money       `json:"spent"`
	Proposed          Money       `json:"proposed"`
	Remaining         Money       `json:"remaining"`
	Overrun           Money       `json:"overrun"`
	UtilizationBefore int64       `json:"utilization_before_bp"`
	UtilizationAfter  int64       `json:"utilization_after_bp"`
	Message           string      `json:"message"`
}

// Flagged reports whether the result should be surfaced to the caller even
// though it allowed the transaction.
func (r BudgetResult) Flagged() bool {
	return r.Level == BudgetLevelNotice || r.Level == BudgetLevelWarning
}

// =============================================================================
// BUDGET SERVICE
// =============================================================================

type BudgetService struct {
	store  Store
	audit  auditor
	logger *slog.Logger
}

func NewBudgetService(store Store, sink AuditSink, logger *slog.Logger) *BudgetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetService{
		store:  store,
		audit:  auditor{sink: sink, logger: logger, now: time.Now},
		logger: logger,
	}
}

// SaveAllocation makes b the active allocation of its scope. A previous
// active allocation for the same scope is deactivated in the same unit of
// work, so at most one stays active.
func (bs *BudgetService) SaveAllocation(ctx context.Context, b BudgetAllocation, actor Actor) (*BudgetAllocation, error) {
	if b.AccountCode == "" {
		return nil, validationf(ErrInvalidEntry, "account code is required")
	}
	if b.FiscalYear <= 0 {
		return nil, validationf(ErrInvalidEntry, "fiscal year is required")
	}
	if b.Allocated < 0 || b.Allocated > MaxLineAmount {
		return nil, validationf(ErrInvalidEntry, "allocated amount %d out of range", b.Allocated)
	}
	if b.Department != nil && strings.TrimSpace(*b.Department) == "" {
		b.Department = nil
	}
	b.ID = uuid.NewString()
	b.IsActive = true
	b.CreatedBy = actor.ID
	b.CreatedAt = time.Now().UTC()

	err := bs.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetAccount(ctx, b.AccountCode); err != nil {
			return err
		}
		prev, err := s.FindBudgetAllocation(ctx, b.AccountCode, b.FiscalYear, b.Department)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := s.DeactivateBudgetAllocation(ctx, prev.ID); err != nil {
				return err
			}
		}
		if err := s.InsertBudgetAllocation(ctx, b); err != nil {
			return err
		}
		bs.audit.record(ctx, s, actor.ID, "create", "budget_allocation", b.ID, prev, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeactivateAllocation retires an allocation; its scope becomes unbudgeted.
func (bs *BudgetService) DeactivateAllocation(ctx context.Context, id string, actor Actor) error {
	return bs.store.WithTx(ctx, func(s Store) error {
		if err := s.DeactivateBudgetAllocation(ctx, id); err != nil {
			return err
		}
		bs.audit.record(ctx, s, actor.ID, "deactivate", "budget_allocation", id, nil, nil)
		return nil
	})
}

// ListAllocations returns active allocations for a fiscal year (all years
// when year is 0).
func (bs *BudgetService) ListAllocations(ctx context.Context, year int) ([]BudgetAllocation, error) {
	return bs.store.ListBudgetAllocations(ctx, year)
}

// ValidateTransaction runs the check against the committed ledger.
func (bs *BudgetService) ValidateTransaction(ctx context.Context, q BudgetQuery) BudgetResult {
	return bs.ValidateTransactionTx(ctx, bs.store, q)
}

// ValidateTransactionTx runs the check against s, which may be bound to an
// open unit of work. It never returns an error: failures are folded into a
// blocking result.
func (bs *BudgetService) ValidateTransactionTx(ctx context.Context, s Store, q BudgetQuery) BudgetResult {
	res, err := bs.evaluate(ctx, s, q)
	if err != nil {
		bs.logger.Error("budget check failed, blocking transaction",
			slog.String("account", string(q.AccountCode)),
			slog.Int("fiscal_year", q.FiscalYear),
			slog.String("error", err.Error()))
		return BudgetResult{
			Allowed:     false,
			Level:       BudgetLevelError,
			AccountCode: q.AccountCode,
			FiscalYear:  q.FiscalYear,
			Department:  q.Department,
			Proposed:    q.Amount,
			Message:     fmt.Sprintf("budget check could not be completed: %v", err),
		}
	}
	return res
}

func (bs *BudgetService) evaluate(ctx context.Context, s Store, q BudgetQuery) (BudgetResult, error) {
	res := BudgetResult{
		AccountCode: q.AccountCode,
		FiscalYear:  q.FiscalYear,
		Department:  q.Department,
		Proposed:    q.Amount,
	}
	if q.Amount < 0 {
		return res, fmt.Errorf("negative amount %d", q.Amount)
	}

	alloc, err := s.FindBudgetAllocation(ctx, q.AccountCode, q.FiscalYear, q.Department)
	if err != nil {
		return res, fmt.Errorf("failed to load allocation: %w", err)
	}
	if alloc == nil {
		res.Allowed = true
		res.Level = BudgetLevelNone
		res.Message = fmt.Sprintf("no budget allocated for %s in fiscal year %d", q.AccountCode, q.FiscalYear)
		return res, nil
	}

	acc, err := s.GetAccount(ctx, q.AccountCode)
	if err != nil {
		return res, fmt.Errorf("failed to load account: %w", err)
	}
	span, err := s.FiscalYearRange(ctx, q.FiscalYear)
	if err != nil {
		return res, fmt.Errorf("failed to resolve fiscal year bounds: %w", err)
	}
	if span == nil {
		return res, fmt.Errorf("no financial periods configured for fiscal year %d", q.FiscalYear)
	}

	debit, credit, err := s.AccountActivity(ctx, ActivityFilter{
		AccountCode:     q.AccountCode,
		From:            &span.Start,
		To:              &span.End,
		ScopeDepartment: true,
		Department:      q.Department,
		ExcludeVoided:   true,
	})
	if err != nil {
		return res, fmt.Errorf("failed to sum spend: %w", err)
	}

	spent := SignedBalance(acc.NormalBalance, debit, credit)
	after := spent + q.Amount

	res.Allocated = alloc.Allocated
	res.Spent = spent
	res.Remaining = alloc.Allocated - after
	res.UtilizationBefore = utilizationBP(spent, alloc.Allocated)
	res.UtilizationAfter = utilizationBP(after, alloc.Allocated)

	switch {
	case after > alloc.Allocated:
		res.Level = BudgetLevelExceeded
		res.Overrun = after - alloc.Allocated
		res.Remaining = 0
		res.Message = fmt.Sprintf("budget exceeded for %s: allocated %d, spent %d, proposed %d, overrun %d",
			q.AccountCode, alloc.Allocated, spent, q.Amount, res.Overrun)
	case crosses(spent, after, alloc.Allocated, 9, 10):
		res.Allowed = true
		res.Level = BudgetLevelWarning
		res.Message = fmt.Sprintf("budget for %s is now above 90%% utilization", q.AccountCode)
	case crosses(spent, after, alloc.Allocated, 4, 5):
		res.Allowed = true
		res.Level = BudgetLevelNotice
		res.Message = fmt.Sprintf("budget for %s is now above 80%% utilization", q.AccountCode)
	default:
		res.Allowed = true
		res.Level = BudgetLevelOK
		res.Message = fmt.Sprintf("within budget for %s", q.AccountCode)
	}
	return res, nil
}

// crosses reports whether utilization moved from below num/den of alloc to
// at or above it.
func crosses(before, after, alloc Money, num, den int64) bool {
	b := int64(before) * den
	a := int64(after) * den
	t := int64(alloc) * num
	return b < t && a >= t
}

func utilizationBP(spent, alloc Money) int64 {
	if alloc <= 0 {
		if spent > 0 {
			return 10000
		}
		return 0
	}
	abs := uint64(spent)
	if spent < 0 {
		abs = uint64(-spent)
	}
	// spent*10000 can exceed 64 bits for large allocations.
	hi, lo := bits.Mul64(abs, 10000)
	if hi >= uint64(alloc) {
		return saturate(spent < 0)
	}
	q, _ := bits.Div64(hi, lo, uint64(alloc))
	if q > math.MaxInt64 {
		return saturate(spent < 0)
	}
	if spent < 0 {
		return -int64(q)
	}
	return int64(q)
}

func saturate(negative bool) int64 {
	if negative {
		return math.MinInt64
	}
	return math.MaxInt64
}
