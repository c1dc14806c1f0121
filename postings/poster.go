package postings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// POSTER - Business events to journal requests
// =============================================================================

// Poster builds and posts journal entries for school events.
type Poster struct {
	store    ledger.Store
	engine   *ledger.PostingEngine
	accounts Accounts
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoster wires a poster. store must be the same Store the engine uses.
func NewPoster(store ledger.Store, engine *ledger.PostingEngine, accounts Accounts, logger *slog.Logger) *Poster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{
		store:    store,
		engine:   engine,
		accounts: accounts,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source used for default dates.
func (p *Poster) WithClock(now func() time.Time) *Poster {
	p.now = now
	return p
}

func (p *Poster) check(v any) error {
	if err := p.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return nil
}

func (p *Poster) dateOrToday(d ledger.Date) ledger.Date {
	if d.IsZero() {
		return ledger.DateOf(p.now())
	}
	return d
}

func (p *Poster) cashAccount(m PaymentMethod) (ledger.AccountCode, error) {
	switch m {
	case MethodCash:
		return p.accounts.Cash, nil
	case MethodBank:
		return p.accounts.Bank, nil
	case MethodMobile:
		return p.accounts.MobileMoney, nil
	}
	return "", fmt.Errorf("%w: unknown payment method %q", ledger.ErrValidation, m)
}

// RecordFeePayment posts Dr cash-like account, Cr fees receivable.
func (p *Poster) RecordFeePayment(ctx context.Context, in FeePayment) (*ledger.PostResult, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}
	cash, err := p.cashAccount(in.Method)
	if err != nil {
		return nil, err
	}
	memo := fmt.Sprintf("Fee payment %s", in.Reference)
	return p.engine.CreateEntry(ctx, ledger.EntryRequest{
		Date:           p.dateOrToday(in.Date),
		Type:           ledger.EntryFeePayment,
		Description:    fmt.Sprintf("Fee payment from student %s (%s)", in.StudentID, in.Method),
		StudentID:      &in.StudentID,
		TermID:         in.TermID,
		SourceRef:      &in.Reference,
		IdempotencyKey: "fee-payment:" + in.Reference,
		CreatedBy:      in.CreatedBy,
		Lines: []ledger.LineInput{
			{AccountCode: cash, Debit: in.Amount, Memo: memo},
			{AccountCode: p.accounts.FeesReceivable, Credit: in.Amount, Memo: memo},
		},
	})
}

// RecordInvoice posts Dr fees receivable for the total, Cr revenue per
// item. Items without an account bill tuition revenue.
func (p *Poster) RecordInvoice(ctx context.Context, in Invoice) (*ledger.PostResult, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}
	var total ledger.Money
	lines := []ledger.LineInput{{AccountCode: p.accounts.FeesReceivable}}
	for _, it := range in.Items {
		acc := it.RevenueAccount
		if acc == "" {
			acc = p.accounts.TuitionRevenue
		}
		total += it.Amount
		lines = append(lines, ledger.LineInput{AccountCode: acc, Credit: it.Amount, Memo: it.Memo})
	}
	lines[0].Debit = total
	lines[0].Memo = "Invoice " + in.Number

	return p.engine.CreateEntry(ctx, ledger.EntryRequest{
		Date:           p.dateOrToday(in.Date),
		Type:           ledger.EntryInvoice,
		Description:    fmt.Sprintf("Invoice %s for student %s", in.Number, in.StudentID),
		StudentID:      &in.StudentID,
		TermID:         in.TermID,
		SourceRef:      &in.Number,
		IdempotencyKey: "invoice:" + in.Number,
		CreatedBy:      in.CreatedBy,
		Lines:          lines,
	})
}

// RecordExpense posts Dr expense, Cr cash-like account with the budget
// check enforced for the expense account and department.
func (p *Poster) RecordExpense(ctx context.Context, in Expense) (*ledger.PostResult, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}
	paidFrom, err := p.cashAccount(in.PaidFrom)
	if err != nil {
		return nil, err
	}
	return p.engine.CreateEntry(ctx, ledger.EntryRequest{
		Date:           p.dateOrToday(in.Date),
		Type:           ledger.EntryExpense,
		Description:    in.Description,
		Department:     in.Department,
		SourceRef:      &in.Reference,
		IdempotencyKey: "expense:" + in.Reference,
		CreatedBy:      in.CreatedBy,
		EnforceBudget:  true,
		Lines: []ledger.LineInput{
			{AccountCode: in.ExpenseAccount, Debit: in.Amount, Memo: in.Description},
			{AccountCode: paidFrom, Credit: in.Amount, Memo: in.Description},
		},
	})
}

// =============================================================================
// PAYROLL - Composed unit of work
// =============================================================================

// RunPayroll records a payroll run and its GL entry atomically: either both
// the payroll_run row and the salary entry commit, or neither does.
func (p *Poster) RunPayroll(ctx context.Context, in PayrollInput) (*PayrollRun, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}

	var gross, deductions ledger.Money
	for i, ps := range in.Payslips {
		if ps.Deductions > ps.Gross {
			return nil, fmt.Errorf("%w: payslip %d for %s has deductions above gross", ledger.ErrValidation, i+1, ps.StaffID)
		}
		gross += ps.Gross
		deductions += ps.Deductions
	}
	net := gross - deductions

	lines := []ledger.LineInput{
		{AccountCode: p.accounts.SalariesExpense, Debit: gross, Memo: "Gross pay " + in.PeriodLabel},
	}
	if net > 0 {
		lines = append(lines, ledger.LineInput{
			AccountCode: p.accounts.Bank, Credit: net, Memo: "Net pay " + in.PeriodLabel,
		})
	}
	if deductions > 0 {
		lines = append(lines, ledger.LineInput{
			AccountCode: p.accounts.PayrollDeductions, Credit: deductions, Memo: "Statutory deductions " + in.PeriodLabel,
		})
	}

	var run PayrollRun
	err := p.store.WithTx(ctx, func(s ledger.Store) error {
		ps, ok := s.(PayrollStore)
		if !ok {
			return fmt.Errorf("store %T cannot record payroll runs", s)
		}
		if err := p.releaseRejectedRun(ctx, s, ps, in.PeriodLabel); err != nil {
			return err
		}
		res, err := p.engine.CreateEntryTx(ctx, s, ledger.EntryRequest{
			Date:           p.dateOrToday(in.Date),
			Type:           ledger.EntrySalary,
			Description:    fmt.Sprintf("Payroll %s (%d staff)", in.PeriodLabel, len(in.Payslips)),
			SourceRef:      &in.PeriodLabel,
			IdempotencyKey: "payroll:" + in.PeriodLabel,
			CreatedBy:      in.CreatedBy,
			EnforceBudget:  true,
			Lines:          lines,
		})
		if err != nil {
			return err
		}
		run = PayrollRun{
			ID:          uuid.NewString(),
			PeriodLabel: in.PeriodLabel,
			Gross:       gross,
			Deductions:  deductions,
			Net:         net,
			EntryID:     res.EntryID,
			CreatedBy:   in.CreatedBy,
			CreatedAt:   p.now().UTC(),
		}
		return ps.InsertPayrollRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("payroll run posted",
		slog.String("period", in.PeriodLabel),
		slog.Int64("gross", int64(gross)),
		slog.Int64("net", int64(net)),
		slog.String("entry_id", string(run.EntryID)))
	return &run, nil
}

// releaseRejectedRun drops the run row of label when its entry was rejected
// at approval, so the period can be run again.
func (p *Poster) releaseRejectedRun(ctx context.Context, s ledger.Store, ps PayrollStore, label string) error {
	prev, err := ps.GetPayrollRunByLabel(ctx, label)
	if err != nil || prev == nil {
		return err
	}
	entry, err := s.GetEntry(ctx, prev.EntryID)
	if err != nil {
		return err
	}
	if entry.ApprovalStatus != ledger.ApprovalRejected {
		return nil
	}
	p.logger.Info("releasing rejected payroll run",
		slog.String("period", label),
		slog.String("entry_id", string(prev.EntryID)))
	return ps.DeletePayrollRun(ctx, prev.ID)
}

// =============================================================================
// DEPRECIATION - Straight line, monthly
// =============================================================================

// MonthlyDepreciation returns the charge for the n-th month of service
// (1-based). The last month absorbs the rounding remainder so the total
// equals cost - salvage exactly.
func MonthlyDepreciation(a Asset, n int) (ledger.Money, error) {
	if n < 1 || n > a.UsefulLifeMonths {
		return 0, fmt.Errorf("%w: month %d outside useful life of %d months", ledger.ErrValidation, n, a.UsefulLifeMonths)
	}
	base := a.Cost - a.Salvage
	if base <= 0 {
		return 0, fmt.Errorf("%w: nothing to depreciate for asset %s", ledger.ErrValidation, a.ID)
	}
	monthly := base / ledger.Money(a.UsefulLifeMonths)
	if n == a.UsefulLifeMonths {
		return base - monthly*ledger.Money(a.UsefulLifeMonths-1), nil
	}
	return monthly, nil
}

// monthIndex is the 1-based service month containing d.
func monthIndex(inService, d ledger.Date) int {
	s, t := inService.Time(), d.Time()
	return (t.Year()-s.Year())*12 + int(t.Month()) - int(s.Month()) + 1
}

// PostDepreciation posts the charge for the month containing date.
func (p *Poster) PostDepreciation(ctx context.Context, a Asset, date ledger.Date, createdBy string) (*ledger.PostResult, error) {
	if err := p.check(a); err != nil {
		return nil, err
	}
	if a.InService.IsZero() {
		return nil, fmt.Errorf("%w: asset %s has no in-service date", ledger.ErrValidation, a.ID)
	}
	date = p.dateOrToday(date)
	amount, err := MonthlyDepreciation(a, monthIndex(a.InService, date))
	if err != nil {
		return nil, err
	}
	month := date.Time().Format("2006-01")
	memo := fmt.Sprintf("Depreciation %s %s", a.ID, month)
	return p.engine.CreateEntry(ctx, ledger.EntryRequest{
		Date:           date,
		Type:           ledger.EntryDepreciation,
		Description:    memo,
		Department:     a.Department,
		SourceRef:      &a.ID,
		IdempotencyKey: fmt.Sprintf("depreciation:%s:%s", a.ID, month),
		CreatedBy:      createdBy,
		Lines: []ledger.LineInput{
			{AccountCode: p.accounts.DepreciationExpense, Debit: amount, Memo: memo},
			{AccountCode: p.accounts.AccumulatedDepreciation, Credit: amount, Memo: memo},
		},
	})
}
