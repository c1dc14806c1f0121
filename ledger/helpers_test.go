package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/ledger"
	memstore "github.com/warp/school-ledger/ledger/store"
	"github.com/warp/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	cash       ledger.AccountCode = "1010"
	receivable ledger.AccountCode = "1100"
	payable    ledger.AccountCode = "2010"
	tuition    ledger.AccountCode = "4010"
	supplies   ledger.AccountCode = "5100"
	utilities  ledger.AccountCode = "5300"
)

var (
	bursar    = ledger.Actor{ID: "bursar-1", Role: "bursar"}
	bursar2   = ledger.Actor{ID: "bursar-2", Role: "bursar"}
	principal = ledger.Actor{ID: "principal-1", Role: "principal"}
	clerk     = ledger.Actor{ID: "clerk-1", Role: "clerk"}
)

// fixture is a fully wired core over an in-memory SQLite database with a
// clock pinned to 2025-03-15.
type fixture struct {
	store     *sqlite.Store
	sink      *memstore.Memory
	chart     *ledger.ChartService
	periods   *ledger.PeriodService
	approvals *ledger.ApprovalService
	budgets   *ledger.BudgetService
	engine    *ledger.PostingEngine
	now       time.Time

	q1, q2 *ledger.FinancialPeriod
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		sink:  memstore.NewMemory(),
		now:   time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.chart = ledger.NewChartService(store, f.sink, nil)
	f.periods = ledger.NewPeriodService(store, f.sink, nil).WithClock(clock)
	f.approvals = ledger.NewApprovalService(store, f.sink, nil).WithClock(clock)
	f.budgets = ledger.NewBudgetService(store, f.sink, nil)
	f.engine = ledger.NewPostingEngine(store, f.approvals, f.budgets, f.sink, nil).WithClock(clock)

	ctx := context.Background()
	for _, a := range []ledger.Account{
		{Code: cash, Name: "Cash", Type: ledger.AccountAsset, IsSystem: true},
		{Code: receivable, Name: "Fees Receivable", Type: ledger.AccountAsset},
		{Code: payable, Name: "Accounts Payable", Type: ledger.AccountLiability},
		{Code: tuition, Name: "Tuition", Type: ledger.AccountRevenue},
		{Code: supplies, Name: "Supplies", Type: ledger.AccountExpense},
		{Code: utilities, Name: "Utilities", Type: ledger.AccountExpense},
	} {
		_, err := f.chart.CreateAccount(ctx, a, bursar)
		require.NoError(t, err)
	}

	f.q1, err = f.periods.CreatePeriod(ctx, "Q1 2025", day("2025-01-01"), day("2025-03-31"), 2025, bursar)
	require.NoError(t, err)
	f.q2, err = f.periods.CreatePeriod(ctx, "Q2 2025", day("2025-04-01"), day("2025-06-30"), 2025, bursar)
	require.NoError(t, err)
	return f
}

func day(s string) ledger.Date { return ledger.MustParseDate(s) }

// entry builds a two-line request debiting dr and crediting cr.
func entry(date string, typ ledger.EntryType, dr, cr ledger.AccountCode, amount ledger.Money) ledger.EntryRequest {
	return ledger.EntryRequest{
		Date:        day(date),
		Type:        typ,
		Description: "test entry",
		CreatedBy:   bursar.ID,
		Lines: []ledger.LineInput{
			{AccountCode: dr, Debit: amount},
			{AccountCode: cr, Credit: amount},
		},
	}
}

func (f *fixture) post(t *testing.T, req ledger.EntryRequest) *ledger.PostResult {
	t.Helper()
	res, err := f.engine.CreateEntry(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, code ledger.AccountCode) ledger.Money {
	t.Helper()
	b, err := f.chart.Balance(context.Background(), code, nil, nil)
	require.NoError(t, err)
	return b.Balance
}

func (f *fixture) workflow(t *testing.T, w ledger.ApprovalWorkflow) {
	t.Helper()
	_, err := f.approvals.SaveWorkflow(context.Background(), w, bursar)
	require.NoError(t, err)
}
