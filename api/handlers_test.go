/*
handlers_test.go - HTTP tests for the API layer

Tests for:
- Authentication, role gates and rate limiting
- Error category -> status mapping
- Posting, voiding through approval, period transitions, budget checks
- School postings and the admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/factory"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
	"github.com/warp/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	bursar    = ledger.Actor{ID: "u-bursar", Role: "bursar"}
	principal = ledger.Actor{ID: "u-principal", Role: "principal"}
	clerk     = ledger.Actor{ID: "u-clerk", Role: "clerk"}
)

const testSecret = "test-secret-0123456789"

type harness struct {
	t       *testing.T
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
	tokens  *TokenIssuer
	now     time.Time
}

// newHarness serves the default seed with the clock pinned to 2026-03-10.
func newHarness(t *testing.T, opts ...func(*RouterOptions)) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{t: t, store: store, now: time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chart := ledger.NewChartService(store, store, logger)
	periods := ledger.NewPeriodService(store, store, logger).WithClock(clock)
	approvals := ledger.NewApprovalService(store, store, logger).WithClock(clock)
	budgets := ledger.NewBudgetService(store, store, logger)
	engine := ledger.NewPostingEngine(store, approvals, budgets, store, logger).WithClock(clock)
	poster := postings.NewPoster(store, engine, postings.DefaultAccounts(), logger).WithClock(clock)
	seeder := factory.NewSeeder(chart, periods, approvals, budgets, logger)

	seed := factory.DefaultSeed()
	_, err = seeder.Apply(context.Background(), seed, ledger.SystemActor)
	require.NoError(t, err)

	h.handler = NewHandler(store, Services{
		Chart: chart, Periods: periods, Approvals: approvals, Budgets: budgets,
		Engine: engine, Poster: poster, Seeder: seeder,
	}, seed)
	h.handler.AllowReset = true
	h.handler.GraceDays = 15

	h.tokens = NewTokenIssuer(testSecret, "school-ledger")
	ro := RouterOptions{Logger: logger, Tokens: h.tokens, AllowedOrigins: []string{"http://localhost:3000"}}
	for _, o := range opts {
		o(&ro)
	}
	h.router, err = NewRouter(h.handler, ro)
	require.NoError(t, err)
	return h
}

func (h *harness) token(a ledger.Actor) string {
	h.t.Helper()
	tok, err := h.tokens.Issue(a, time.Hour)
	require.NoError(h.t, err)
	return tok
}

// do sends body as JSON on behalf of actor (no token when actor is empty).
func (h *harness) do(method, path string, actor ledger.Actor, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func entryBody(date string, dr, cr string, cents int64) CreateEntryRequest {
	return CreateEntryRequest{
		Date:        ledger.MustParseDate(date),
		EntryType:   string(ledger.EntryIncome),
		Description: "test entry",
		Lines: []LineRequest{
			{AccountCode: dr, DebitCents: cents},
			{AccountCode: cr, CreditCents: cents},
		},
	}
}

func (h *harness) periodID(name string) string {
	h.t.Helper()
	rec := h.do(http.MethodGet, "/api/periods", bursar, nil)
	require.Equal(h.t, http.StatusOK, rec.Code)
	for _, p := range decodeBody[[]ledger.FinancialPeriod](h.t, rec) {
		if p.Name == name {
			return string(p.ID)
		}
	}
	h.t.Fatalf("period %q not found", name)
	return ""
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", ledger.Actor{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health check is public")

	rec = h.do(http.MethodGet, "/api/accounts", ledger.Actor{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := NewTokenIssuer("another-secret-0123456789", "school-ledger").Issue(bursar, time.Hour)
	require.NoError(t, err)
	rec = h.do(http.MethodGet, "/api/accounts", ledger.Actor{}, nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := h.tokens.Issue(bursar, -time.Minute)
	require.NoError(t, err)
	rec = h.do(http.MethodGet, "/api/accounts", ledger.Actor{}, nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/accounts", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ledger.Account](t, rec), len(factory.DefaultSeed().Accounts))
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer(testSecret, "school-ledger")
	tok, err := ti.Issue(principal, time.Hour)
	require.NoError(t, err)

	got, err := ti.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, principal, got)

	_, err = NewTokenIssuer(testSecret, "other-issuer").Parse(tok)
	assert.Error(t, err, "issuer must match")

	roleless, err := ti.Issue(ledger.Actor{ID: "u-1"}, time.Hour)
	require.NoError(t, err)
	_, err = ti.Parse(roleless)
	assert.Error(t, err, "a role is required")
}

func TestRequireRole_GatesConfiguration(t *testing.T) {
	h := newHarness(t)
	body := CreateAccountRequest{Code: "5700", Name: "Transport", Type: "EXPENSE"}

	rec := h.do(http.MethodPost, "/api/accounts", clerk, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/accounts", bursar, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acc := decodeBody[ledger.Account](t, rec)
	assert.Equal(t, ledger.NormalDebit, acc.NormalBalance)

	rec = h.do(http.MethodPost, "/api/accounts", bursar, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate code is a validation error")
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(o *RouterOptions) { o.RateLimit = "2-M" })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", ledger.Actor{}, nil).Code)
	}
	rec := h.do(http.MethodGet, "/healthz", ledger.Actor{}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody[ErrorResponse](t, rec).Code)

	_, err := RateLimit("lots")
	assert.Error(t, err)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestCreateEntry_PostsAndUpdatesBalance(t *testing.T) {
	// GIVEN: The seeded chart and an open Term 1
	// WHEN: 1250.75 of income is posted to cash
	// THEN: The entry is created and the cash balance reports it in cents and display units

	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/entries", bursar, entryBody("2026-03-05", "1010", "4100", 125075))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[PostResultDTO](t, rec)
	assert.True(t, res.Posted)
	assert.NotEmpty(t, res.Ref)

	rec = h.do(http.MethodGet, "/api/accounts/1010/balance", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(125075), bal.BalanceCents)
	assert.Equal(t, "1250.75", bal.Balance)

	rec = h.do(http.MethodGet, "/api/accounts/1010/balance?from=2026-03-06", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decodeBody[BalanceDTO](t, rec).BalanceCents)

	rec = h.do(http.MethodGet, "/api/entries/"+res.EntryID, clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, "1250.75", e.Amount)
	require.Len(t, e.Lines, 2)
	assert.Equal(t, "u-bursar", e.CreatedBy)

	rec = h.do(http.MethodGet, "/api/reports/trial-balance", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tb := decodeBody[TrialBalanceDTO](t, rec)
	assert.True(t, tb.Balanced)
	assert.Equal(t, int64(125075), tb.TotalDebitCents)
}

func TestCreateEntry_ErrorMapping(t *testing.T) {
	h := newHarness(t)

	unbalanced := entryBody("2026-03-05", "1010", "4100", 100)
	unbalanced.Lines[1].CreditCents = 90

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unbalanced", unbalanced, http.StatusBadRequest, "validation"},
		{"unknown account", entryBody("2026-03-05", "1010", "9999", 100), http.StatusBadRequest, "validation"},
		{"no period covers the date", entryBody("2025-12-31", "1010", "4100", 100), http.StatusUnprocessableEntity, "policy"},
		{"unknown field", map[string]any{"entry_type": "income", "colour": "red"}, http.StatusBadRequest, "validation"},
		{"missing description", CreateEntryRequest{EntryType: "income", Lines: []LineRequest{}}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/entries", bursar, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	rec := h.do(http.MethodPost, "/api/entries", bursar, unbalanced)
	details, ok := decodeBody[ErrorResponse](t, rec).Details.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 100, details["debits_cents"])
	assert.EqualValues(t, 90, details["credits_cents"])

	rec = h.do(http.MethodGet, "/api/entries/does-not-exist", bursar, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEntry_IdempotencyKeyHeader(t *testing.T) {
	// GIVEN: A client retrying the same request with one Idempotency-Key
	// THEN: The retry is a 409 naming the entry the first call created

	h := newHarness(t)
	body := entryBody("2026-03-05", "1010", "4100", 5000)

	rec := h.do(http.MethodPost, "/api/entries", bursar, body, "Idempotency-Key", "till-42")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeBody[PostResultDTO](t, rec)

	rec = h.do(http.MethodPost, "/api/entries", bursar, body, "Idempotency-Key", "till-42")
	require.Equal(t, http.StatusConflict, rec.Code)
	details, ok := decodeBody[ErrorResponse](t, rec).Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, first.EntryID, details["existing_id"])

	rec = h.do(http.MethodGet, "/api/entries?account=1010&posted=true", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EntryDTO](t, rec), 1)

	rec = h.do(http.MethodGet, "/api/entries?limit=-1", clerk, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoidEntry_ThroughDualApproval(t *testing.T) {
	// GIVEN: A 20000.00 income entry; voids from 10000.00 need bursar then principal
	// WHEN: The clerk asks for a void and both approvers sign
	// THEN: The void waits with 202, then lands and zeroes the cash balance

	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/entries", bursar, entryBody("2026-02-10", "1010", "4100", 2000000))
	require.Equal(t, http.StatusCreated, rec.Code)
	entryID := decodeBody[PostResultDTO](t, rec).EntryID

	rec = h.do(http.MethodPost, "/api/entries/"+entryID+"/void", clerk, VoidRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = h.do(http.MethodPost, "/api/entries/"+entryID+"/void", clerk, VoidRequest{Reason: "posted twice"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	vr := decodeBody[ledger.VoidResult](t, rec)
	require.NotNil(t, vr.ApprovalRequestID)
	reqID := string(*vr.ApprovalRequestID)

	rec = h.do(http.MethodPost, "/api/approvals/"+reqID+"/approve", principal, DecisionRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "level 1 comes first and needs the bursar")

	rec = h.do(http.MethodPost, "/api/approvals/"+reqID+"/approve", bursar, DecisionRequest{Notes: "checked"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(ledger.RequestApprovedLevel1), decodeBody[ApprovalDTO](t, rec).Status)

	rec = h.do(http.MethodPost, "/api/approvals/"+reqID+"/approve", principal, DecisionRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(ledger.RequestApproved), decodeBody[ApprovalDTO](t, rec).Status)

	rec = h.do(http.MethodGet, "/api/approvals/"+reqID, clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[ApprovalDTO](t, rec).History)

	rec = h.do(http.MethodGet, "/api/entries/"+entryID, clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e := decodeBody[EntryDTO](t, rec)
	assert.True(t, e.IsVoided)
	require.Len(t, e.Voids, 1)

	rec = h.do(http.MethodGet, "/api/accounts/1010/balance", clerk, nil)
	assert.Equal(t, int64(0), decodeBody[BalanceDTO](t, rec).BalanceCents)

	rec = h.do(http.MethodPost, "/api/voids/"+e.Voids[0].ID+"/recovery", bursar, RecoveryRequest{AmountCents: 500000, Notes: "refund from bank"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decodeBody[VoidAuditDTO](t, rec)
	require.NotNil(t, v.RecoveredAmount)
	assert.Equal(t, "5000.00", *v.RecoveredAmount)
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriods_LockUnlockClose(t *testing.T) {
	h := newHarness(t)
	term1 := h.periodID("Term 1 2026")

	rec := h.do(http.MethodPost, "/api/periods/"+term1+"/lock", bursar, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.PeriodLocked, decodeBody[ledger.FinancialPeriod](t, rec).Status)

	rec = h.do(http.MethodGet, "/api/periods/check?date=2026-03-05", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[ledger.Allowance](t, rec).Allowed)

	rec = h.do(http.MethodPost, "/api/entries", bursar, entryBody("2026-03-05", "1010", "4100", 100))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details, ok := decodeBody[ErrorResponse](t, rec).Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(ledger.PeriodLocked), details["period_status"])

	rec = h.do(http.MethodPost, "/api/periods/"+term1+"/unlock", bursar, UnlockRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unlock needs a reason")

	rec = h.do(http.MethodPost, "/api/periods/"+term1+"/unlock", bursar, UnlockRequest{Reason: "late invoice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/periods/"+term1+"/close", bursar, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "only a locked period closes")

	rec = h.do(http.MethodGet, "/api/periods/"+term1+"/history", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ledger.PeriodAudit](t, rec), 2)

	rec = h.do(http.MethodGet, "/api/periods/check", clerk, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/periods/"+term1+"/lock", clerk, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLockExpired_SchedulerAndEndpoint(t *testing.T) {
	// GIVEN: Term 1 ends 2026-04-30 and the grace window is 15 days
	// WHEN: The scheduler runs on 2026-05-10 and again on 2026-05-20
	// THEN: Nothing locks the first time; Term 1 locks the second time only once

	h := newHarness(t)
	sched := NewPeriodLockScheduler(h.handler.Periods, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h.now = time.Date(2026, time.May, 10, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, sched.RunNow(context.Background()))

	h.now = time.Date(2026, time.May, 20, 0, 0, 0, 0, time.UTC)
	locked := sched.RunNow(context.Background())
	require.Len(t, locked, 1)
	assert.Equal(t, "Term 1 2026", locked[0].Name)

	rec := h.do(http.MethodPost, "/api/admin/lock-expired", bursar, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ledger.FinancialPeriod](t, rec))

	rec = h.do(http.MethodGet, "/api/admin/audit?table=financial_period&record_id="+string(locked[0].ID), bursar, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeBody[[]sqlite.AuditEntry](t, rec)
	require.NotEmpty(t, trail)
	assert.Equal(t, "system", trail[len(trail)-1].Actor)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	sched := NewPeriodLockScheduler(h.handler.Periods, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sched.CheckInterval = time.Hour
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}

// =============================================================================
// WORKFLOWS & BUDGETS
// =============================================================================

func TestWorkflows_SaveAndRead(t *testing.T) {
	h := newHarness(t)
	body := WorkflowRequest{
		Level1ThresholdCents: 100000, Level1Role: "bursar",
		Level2ThresholdCents: 1000000, Level2Role: "principal",
	}

	rec := h.do(http.MethodPut, "/api/workflows/refund", principal, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/workflows/refund", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100000), decodeBody[WorkflowDTO](t, rec).Level1ThresholdCents)

	body.Level2ThresholdCents = 100
	rec = h.do(http.MethodPut, "/api/workflows/refund", principal, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "level 2 must exceed level 1")

	rec = h.do(http.MethodGet, "/api/workflows/salary", clerk, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/workflows", clerk, nil)
	assert.Len(t, decodeBody[[]WorkflowDTO](t, rec), 3)
}

func TestBudgets_CheckAndSupersede(t *testing.T) {
	// GIVEN: Science has 500000.00 for lab supplies in 2026
	// WHEN: 600000.00 is checked
	// THEN: The check refuses it with an overrun of 100000.00

	h := newHarness(t)
	science := "science"
	rec := h.do(http.MethodPost, "/api/budgets/check", clerk, BudgetCheckRequest{
		AccountCode: "5200", AmountCents: 60000000, FiscalYear: 2026, Department: &science,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[BudgetResultDTO](t, rec)
	assert.False(t, res.Allowed)
	assert.Equal(t, string(ledger.BudgetLevelExceeded), res.Level)
	assert.Equal(t, int64(10000000), res.OverrunCents)
	assert.Equal(t, "100000.00", res.Overrun)
	assert.Equal(t, "120.00", res.UtilizationAfter)

	rec = h.do(http.MethodPost, "/api/budgets", bursar, BudgetRequest{
		AccountCode: "5200", FiscalYear: 2026, Department: &science, AllocatedCents: 70000000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decodeBody[BudgetAllocationDTO](t, rec)

	rec = h.do(http.MethodGet, "/api/budgets?year=2026", clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BudgetAllocationDTO](t, rec), 2)

	rec = h.do(http.MethodDelete, "/api/budgets/"+saved.ID, bursar, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/api/budgets", clerk, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "year is required")
}

// =============================================================================
// SCHOOL POSTINGS
// =============================================================================

func TestPostings_FeePaymentInvoiceExpensePayroll(t *testing.T) {
	h := newHarness(t)

	fee := map[string]any{
		"student_id": "stu-1", "amount_cents": 150000, "method": "bank",
		"reference": "BANK-77", "date": "2026-03-01",
	}
	rec := h.do(http.MethodPost, "/api/postings/fee-payments", bursar, fee)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/api/postings/fee-payments", bursar, fee)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/api/postings/invoices", bursar, map[string]any{
		"number": "INV-1", "student_id": "stu-1",
		"items": []map[string]any{{"amount_cents": 300000, "memo": "tuition"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/postings/expenses", clerk, map[string]any{
		"expense_account": "5400", "amount_cents": 7500000, "paid_from": "bank",
		"description": "roof repair", "reference": "PO-9",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[PostResultDTO](t, rec).RequiresApproval)

	rec = h.do(http.MethodPost, "/api/postings/payroll-runs", bursar, map[string]any{
		"period_label": "2026-02", "date": "2026-02-28",
		"payslips": []map[string]any{
			{"staff_id": "t-1", "gross_cents": 1000000, "deductions_cents": 150000},
			{"staff_id": "t-2", "gross_cents": 600000, "deductions_cents": 100000},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[PayrollRunDTO](t, rec)
	assert.Equal(t, int64(1350000), run.NetCents)
	assert.Equal(t, "13500.00", run.Net)

	rec = h.do(http.MethodPost, "/api/postings/depreciation", bursar, map[string]any{
		"asset": map[string]any{
			"asset_id": "bus-1", "cost_cents": 3600000, "salvage_cents": 600000,
			"useful_life_months": 60, "in_service": "2026-01-01",
		},
		"date": "2026-03-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/accounts/1100/balance", clerk, nil)
	assert.Equal(t, int64(150000), decodeBody[BalanceDTO](t, rec).BalanceCents)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestResetDatabase(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/entries", bursar, entryBody("2026-03-05", "1010", "4100", 100))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/reset", bursar, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/entries", clerk, nil)
	assert.Empty(t, decodeBody[[]EntryDTO](t, rec))
	rec = h.do(http.MethodGet, "/api/accounts", clerk, nil)
	assert.NotEmpty(t, decodeBody[[]ledger.Account](t, rec), "seed re-applied")

	h.handler.AllowReset = false
	rec = h.do(http.MethodPost, "/api/admin/reset", bursar, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "1234.56", Display(123456))
	assert.Equal(t, "0.00", Display(0))
	assert.Equal(t, "-0.05", Display(-5))
}
