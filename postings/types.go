/*
Package postings turns school business events into journal entries.

PURPOSE:
  The ledger core only knows balanced lines. This package knows that a fee
  payment debits cash and credits the student receivable, that a payroll
  run splits gross pay into net pay and statutory deductions, and that an
  asset depreciates straight-line every month.

EVENTS:
  FeePayment    Dr cash/bank/mobile      Cr fees receivable
  Invoice       Dr fees receivable       Cr revenue per item
  Expense       Dr expense account       Cr cash/bank (budget enforced)
  PayrollRun    Dr salaries expense      Cr net pay (bank) + Cr deductions
  Depreciation  Dr depreciation expense  Cr accumulated depreciation

IDEMPOTENCY:
  Every builder derives a stable idempotency key from the event
  (payment reference, invoice number, asset + month, payroll period), so a
  repeated submission reports a duplicate instead of posting twice.

COMPOSITION:
  RunPayroll writes its payroll_run row and posts the GL entry in one unit
  of work through ledger.PostingEngine.CreateEntryTx.

SEE ALSO:
  - ledger/posting.go: the engine every builder calls
*/
package postings

import (
	"context"
	"time"

	"github.com/warp/school-ledger/ledger"
)

// Accounts maps posting roles to chart-of-accounts codes.
type Accounts struct {
	Cash                    ledger.AccountCode `yaml:"cash" mapstructure:"cash"`
	Bank                    ledger.AccountCode `yaml:"bank" mapstructure:"bank"`
	MobileMoney             ledger.AccountCode `yaml:"mobile_money" mapstructure:"mobile_money"`
	FeesReceivable          ledger.AccountCode `yaml:"fees_receivable" mapstructure:"fees_receivable"`
	AccumulatedDepreciation ledger.AccountCode `yaml:"accumulated_depreciation" mapstructure:"accumulated_depreciation"`
	PayrollDeductions       ledger.AccountCode `yaml:"payroll_deductions" mapstructure:"payroll_deductions"`
	TuitionRevenue          ledger.AccountCode `yaml:"tuition_revenue" mapstructure:"tuition_revenue"`
	SalariesExpense         ledger.AccountCode `yaml:"salaries_expense" mapstructure:"salaries_expense"`
	DepreciationExpense     ledger.AccountCode `yaml:"depreciation_expense" mapstructure:"depreciation_expense"`
}

// DefaultAccounts is the standard school chart.
func DefaultAccounts() Accounts {
	return Accounts{
		Cash:                    "1010",
		Bank:                    "1020",
		MobileMoney:             "1030",
		FeesReceivable:          "1100",
		AccumulatedDepreciation: "1590",
		PayrollDeductions:       "2100",
		TuitionRevenue:          "4010",
		SalariesExpense:         "5010",
		DepreciationExpense:     "5600",
	}
}

// PaymentMethod selects the asset account receiving or paying money.
type PaymentMethod string

const (
	MethodCash   PaymentMethod = "cash"
	MethodBank   PaymentMethod = "bank"
	MethodMobile PaymentMethod = "mobile"
)

// FeePayment is a student paying against their fee balance.
type FeePayment struct {
	StudentID string        `json:"student_id" validate:"required"`
	TermID    *string       `json:"term_id,omitempty"`
	Amount    ledger.Money  `json:"amount_cents" validate:"gt=0"`
	Method    PaymentMethod `json:"method" validate:"required,oneof=cash bank mobile"`
	Reference string        `json:"reference" validate:"required"`
	Date      ledger.Date   `json:"date"`
	CreatedBy string        `json:"-"`
}

// InvoiceItem is one billed fee line.
type InvoiceItem struct {
	RevenueAccount ledger.AccountCode `json:"revenue_account"`
	Amount         ledger.Money       `json:"amount_cents" validate:"gt=0"`
	Memo           string             `json:"memo"`
}

// Invoice bills a student for one or more fee items.
type Invoice struct {
	Number    string        `json:"number" validate:"required"`
	StudentID string        `json:"student_id" validate:"required"`
	TermID    *string       `json:"term_id,omitempty"`
	Items     []InvoiceItem `json:"items" validate:"required,min=1,dive"`
	Date      ledger.Date   `json:"date"`
	CreatedBy string        `json:"-"`
}

// Expense is an operating spend paid out of cash or bank.
type Expense struct {
	ExpenseAccount ledger.AccountCode `json:"expense_account" validate:"required"`
	Amount         ledger.Money       `json:"amount_cents" validate:"gt=0"`
	PaidFrom       PaymentMethod      `json:"paid_from" validate:"required,oneof=cash bank mobile"`
	Department     *string            `json:"department,omitempty"`
	Description    string             `json:"description" validate:"required"`
	Reference      string             `json:"reference" validate:"required"`
	Date           ledger.Date        `json:"date"`
	CreatedBy      string             `json:"-"`
}

// Payslip is one employee's pay for a run. Gross-to-net tax tables are
// computed upstream; only the totals arrive here.
type Payslip struct {
	StaffID    string       `json:"staff_id" validate:"required"`
	Gross      ledger.Money `json:"gross_cents" validate:"gt=0"`
	Deductions ledger.Money `json:"deductions_cents" validate:"gte=0"`
}

// Net is the pay transferred to the employee.
func (p Payslip) Net() ledger.Money { return p.Gross - p.Deductions }

// PayrollInput is a whole payroll period.
type PayrollInput struct {
	PeriodLabel string      `json:"period_label" validate:"required"`
	Date        ledger.Date `json:"date"`
	Payslips    []Payslip   `json:"payslips" validate:"required,min=1,dive"`
	CreatedBy   string      `json:"-"`
}

// PayrollRun is the stored header of a payroll run.
type PayrollRun struct {
	ID          string         `json:"id"`
	PeriodLabel string         `json:"period_label"`
	Gross       ledger.Money   `json:"gross_amount"`
	Deductions  ledger.Money   `json:"deductions_amount"`
	Net         ledger.Money   `json:"net_amount"`
	EntryID     ledger.EntryID `json:"entry_id"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PayrollStore persists payroll runs. The transaction-bound ledger.Store
// handed out by WithTx must also implement it.
type PayrollStore interface {
	InsertPayrollRun(ctx context.Context, r PayrollRun) error
	// GetPayrollRunByLabel returns nil when the label was never run.
	GetPayrollRunByLabel(ctx context.Context, label string) (*PayrollRun, error)
	DeletePayrollRun(ctx context.Context, id string) error
}

// Asset is a depreciable fixed asset.
type Asset struct {
	ID               string       `json:"asset_id" validate:"required"`
	Cost             ledger.Money `json:"cost_cents" validate:"gt=0"`
	Salvage          ledger.Money `json:"salvage_cents" validate:"gte=0"`
	UsefulLifeMonths int          `json:"useful_life_months" validate:"gt=0"`
	InService        ledger.Date  `json:"in_service"`
	Department       *string      `json:"department,omitempty"`
}
