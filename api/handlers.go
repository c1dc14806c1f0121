/*
handlers.go - HTTP API handlers for the school ledger

PURPOSE:
  Exposes the ledger core via REST API. Handles HTTP request/response,
  JSON decoding and validation, and delegates to the ledger services.

ENDPOINTS:
  Chart of accounts:
    GET    /api/accounts                    List accounts
    POST   /api/accounts                    Create account
    PATCH  /api/accounts/{code}             Rename / (de)activate
    GET    /api/accounts/{code}/balance     Balance over ?from=&to=
    GET    /api/reports/trial-balance       Trial balance over ?from=&to=

  Journal:
    POST   /api/entries                     Post an entry (Idempotency-Key header honoured)
    GET    /api/entries                     List (?from=&to=&type=&account=&posted=&limit=)
    GET    /api/entries/{id}                Entry with its lines and void records
    POST   /api/entries/{id}/void           Void (may wait on approval)
    POST   /api/voids/{id}/recovery         Record recovered funds

  Periods:
    GET    /api/periods                     List
    POST   /api/periods                     Create
    GET    /api/periods/check?date=         Is posting allowed on date
    POST   /api/periods/{id}/lock|unlock|close
    GET    /api/periods/{id}/history        Lock history

  Approvals:
    GET    /api/workflows, /api/workflows/{type}
    PUT    /api/workflows/{type}
    GET    /api/approvals?status=, /api/approvals/{id}
    POST   /api/approvals/{id}/approve|reject|cancel

  Budgets:
    GET    /api/budgets?year=               Active allocations
    POST   /api/budgets                     Save (supersedes the active one)
    DELETE /api/budgets/{id}                Deactivate
    POST   /api/budgets/check               Validate a proposed amount

  School postings:
    POST   /api/postings/fee-payments|invoices|expenses|payroll-runs|depreciation

  Admin:
    POST   /api/admin/lock-expired          Lock periods past the grace window now
    GET    /api/admin/audit?table=&record_id=
    POST   /api/admin/reset                 Clear and reseed (non-production only)

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the ledger
  error category:
  - 400: Validation
  - 404: Not found
  - 409: Duplicate (details carry the existing entry id)
  - 422: Policy (locked period, budget exceeded, approval rules)
  - 500: Infrastructure

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/errors.go: Error categories
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/school-ledger/factory"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
	"github.com/warp/school-ledger/store/sqlite"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services groups the ledger services the handlers delegate to.
type Services struct {
	Chart     *ledger.ChartService
	Periods   *ledger.PeriodService
	Approvals *ledger.ApprovalService
	Budgets   *ledger.BudgetService
	Engine    *ledger.PostingEngine
	Poster    *postings.Poster
	Seeder    *factory.Seeder
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store *sqlite.Store
	Services

	// Seed is re-applied by the reset endpoint.
	Seed       *factory.Seed
	AllowReset bool
	GraceDays  int

	validate *validator.Validate
}

// NewHandler creates a new handler over store and svc.
func NewHandler(store *sqlite.Store, svc Services, seed *factory.Seed) *Handler {
	return &Handler{
		Store:    store,
		Services: svc,
		Seed:     seed,
		validate: validator.New(),
	}
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	// an empty body decodes as an empty object
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", ledger.ErrValidation, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return nil
}

func actorOf(r *http.Request) ledger.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// ListAccounts returns the chart of accounts.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Chart.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accounts))
}

// CreateAccount adds an account to the chart.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	acc, err := h.Chart.CreateAccount(r.Context(), ledger.Account{
		Code:          ledger.AccountCode(req.Code),
		Name:          req.Name,
		Type:          ledger.AccountType(req.Type),
		NormalBalance: ledger.NormalBalance(req.NormalBalance),
		IsSystem:      req.IsSystem,
	}, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// UpdateAccount renames or (de)activates an account.
// PATCH /api/accounts/{code}
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req UpdateAccountRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code := ledger.AccountCode(chi.URLParam(r, "code"))
	acc, err := h.Chart.UpdateAccount(r.Context(), code, ledger.AccountUpdate{Name: req.Name, IsActive: req.IsActive}, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetBalance returns one account's balance.
// GET /api/accounts/{code}/balance?from=&to=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bal, err := h.Chart.Balance(r.Context(), ledger.AccountCode(chi.URLParam(r, "code")), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*bal))
}

// GetTrialBalance returns totals for every account.
// GET /api/reports/trial-balance?from=&to=
func (h *Handler) GetTrialBalance(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tb, err := h.Chart.TrialBalance(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrialBalanceDTO(*tb))
}

// =============================================================================
// ENTRIES
// =============================================================================

// CreateEntry posts a manual journal entry.
// POST /api/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	res, err := h.Engine.CreateEntry(r.Context(), req.toLedger(actorOf(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePostResult(w, *res)
}

// ListEntries returns entries matching the query.
// GET /api/entries?from=&to=&type=&account=&posted=&limit=
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := ledger.EntryFilter{
		From:    from,
		To:      to,
		Type:    ledger.EntryType(q.Get("type")),
		Account: ledger.AccountCode(q.Get("account")),
	}
	if v := q.Get("posted"); v != "" {
		if f.PostedOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, fmt.Errorf("%w: posted must be a boolean", ledger.ErrValidation))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", ledger.ErrValidation))
			return
		}
	}

	entries, err := h.Engine.ListEntries(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEntry returns one entry with its void records.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := ledger.EntryID(chi.URLParam(r, "id"))
	e, err := h.Engine.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	voids, err := h.Engine.ListVoidAudits(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := toEntryDTO(*e)
	for _, v := range voids {
		dto.Voids = append(dto.Voids, toVoidAuditDTO(v))
	}
	writeJSON(w, http.StatusOK, dto)
}

// VoidEntry reverses a posted entry, or opens an approval request for it.
// POST /api/entries/{id}/void
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Engine.VoidEntry(r.Context(), ledger.EntryID(chi.URLParam(r, "id")), req.Reason, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// RecordRecovery records funds recovered after a void.
// POST /api/voids/{id}/recovery
func (h *Handler) RecordRecovery(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.Engine.RecordVoidRecovery(r.Context(), chi.URLParam(r, "id"), ledger.Money(req.AmountCents), actorOf(r), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoidAuditDTO(*v))
}

// =============================================================================
// PERIODS
// =============================================================================

// ListPeriods returns all financial periods.
// GET /api/periods
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Periods.ListPeriods(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(periods))
}

// CreatePeriod adds an OPEN period.
// POST /api/periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Periods.CreatePeriod(r.Context(), req.Name, req.StartDate, req.EndDate, req.FiscalYear, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// CheckPeriod reports whether postings dated ?date= are allowed.
// GET /api/periods/check?date=
func (h *Handler) CheckPeriod(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r, "date")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d == nil {
		writeError(w, r, fmt.Errorf("%w: date is required", ledger.ErrValidation))
		return
	}
	allowance, err := h.Periods.IsTransactionAllowed(r.Context(), *d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allowance)
}

// LockPeriod moves a period OPEN -> LOCKED.
// POST /api/periods/{id}/lock
func (h *Handler) LockPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Periods.Lock(r.Context(), ledger.PeriodID(chi.URLParam(r, "id")), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UnlockPeriod moves a period LOCKED -> OPEN. A reason is mandatory.
// POST /api/periods/{id}/unlock
func (h *Handler) UnlockPeriod(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Periods.Unlock(r.Context(), ledger.PeriodID(chi.URLParam(r, "id")), actorOf(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePeriod moves a period LOCKED -> CLOSED for good.
// POST /api/periods/{id}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Periods.Close(r.Context(), ledger.PeriodID(chi.URLParam(r, "id")), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PeriodHistory returns the lock history of a period.
// GET /api/periods/{id}/history
func (h *Handler) PeriodHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Periods.History(r.Context(), ledger.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

// =============================================================================
// WORKFLOWS & APPROVALS
// =============================================================================

// ListWorkflows returns every configured workflow.
// GET /api/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.Approvals.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]WorkflowDTO, len(wfs))
	for i, wf := range wfs {
		dtos[i] = toWorkflowDTO(wf)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWorkflow returns one workflow.
// GET /api/workflows/{type}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.Approvals.GetWorkflow(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(*wf))
}

// SaveWorkflow creates or replaces the workflow of a transaction type.
// PUT /api/workflows/{type}
func (h *Handler) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wf, err := h.Approvals.SaveWorkflow(r.Context(), ledger.ApprovalWorkflow{
		TransactionType:        chi.URLParam(r, "type"),
		Level1Threshold:        ledger.Money(req.Level1ThresholdCents),
		Level1Role:             req.Level1Role,
		Level2Threshold:        ledger.Money(req.Level2ThresholdCents),
		Level2Role:             req.Level2Role,
		RequiresDualApproval:   req.RequiresDualApproval,
		AutoApproveBelowLevel1: req.AutoApproveBelowLevel1,
	}, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(*wf))
}

// ListApprovals returns approval requests, optionally by ?status=.
// GET /api/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Approvals.ListRequests(r.Context(), ledger.RequestStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]ApprovalDTO, len(reqs))
	for i, ar := range reqs {
		dtos[i] = toApprovalDTO(ar)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetApproval returns one request with its history.
// GET /api/approvals/{id}
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := ledger.RequestID(chi.URLParam(r, "id"))
	ar, err := h.Approvals.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hist, err := h.Approvals.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := toApprovalDTO(*ar)
	dto.History = hist
	writeJSON(w, http.StatusOK, dto)
}

// decide runs one approval transition.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request,
	fn func(*ledger.ApprovalService, ledger.RequestID, ledger.Actor, string) (*ledger.ApprovalRequest, error)) {
	var req DecisionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ar, err := fn(h.Approvals, ledger.RequestID(chi.URLParam(r, "id")), actorOf(r), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(*ar))
}

// ApproveRequest records the next approval level.
// POST /api/approvals/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(as *ledger.ApprovalService, id ledger.RequestID, a ledger.Actor, notes string) (*ledger.ApprovalRequest, error) {
		return as.Approve(r.Context(), id, a, notes)
	})
}

// RejectRequest rejects a request. notes is the mandatory reason.
// POST /api/approvals/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(as *ledger.ApprovalService, id ledger.RequestID, a ledger.Actor, notes string) (*ledger.ApprovalRequest, error) {
		return as.Reject(r.Context(), id, a, notes)
	})
}

// CancelRequest withdraws a request. Only its requester may cancel.
// POST /api/approvals/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(as *ledger.ApprovalService, id ledger.RequestID, a ledger.Actor, notes string) (*ledger.ApprovalRequest, error) {
		return as.Cancel(r.Context(), id, a, notes)
	})
}

// =============================================================================
// BUDGETS
// =============================================================================

// ListBudgets returns the active allocations of ?year=.
// GET /api/budgets?year=
func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: year is required", ledger.ErrValidation))
		return
	}
	allocs, err := h.Budgets.ListAllocations(r.Context(), year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]BudgetAllocationDTO, len(allocs))
	for i, b := range allocs {
		dtos[i] = toBudgetAllocationDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveBudget saves an allocation, superseding the active one.
// POST /api/budgets
func (h *Handler) SaveBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.Budgets.SaveAllocation(r.Context(), ledger.BudgetAllocation{
		AccountCode: ledger.AccountCode(req.AccountCode),
		FiscalYear:  req.FiscalYear,
		Department:  req.Department,
		Allocated:   ledger.Money(req.AllocatedCents),
	}, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetAllocationDTO(*b))
}

// DeactivateBudget switches an allocation off.
// DELETE /api/budgets/{id}
func (h *Handler) DeactivateBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.Budgets.DeactivateAllocation(r.Context(), chi.URLParam(r, "id"), actorOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckBudget validates a proposed amount without posting anything.
// POST /api/budgets/check
func (h *Handler) CheckBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetCheckRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res := h.Budgets.ValidateTransaction(r.Context(), ledger.BudgetQuery{
		AccountCode: ledger.AccountCode(req.AccountCode),
		Amount:      ledger.Money(req.AmountCents),
		FiscalYear:  req.FiscalYear,
		Department:  req.Department,
	})
	writeJSON(w, http.StatusOK, toBudgetResultDTO(res))
}

// =============================================================================
// SCHOOL POSTINGS
// =============================================================================

// PostFeePayment records a student fee payment.
// POST /api/postings/fee-payments
func (h *Handler) PostFeePayment(w http.ResponseWriter, r *http.Request) {
	var in postings.FeePayment
	if err := h.decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.CreatedBy = actorOf(r).ID
	res, err := h.Poster.RecordFeePayment(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePostResult(w, *res)
}

// PostInvoice bills a student.
// POST /api/postings/invoices
func (h *Handler) PostInvoice(w http.ResponseWriter, r *http.Request) {
	var in postings.Invoice
	if err := h.decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.CreatedBy = actorOf(r).ID
	res, err := h.Poster.RecordInvoice(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePostResult(w, *res)
}

// PostExpense records a budget-checked expense.
// POST /api/postings/expenses
func (h *Handler) PostExpense(w http.ResponseWriter, r *http.Request) {
	var in postings.Expense
	if err := h.decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.CreatedBy = actorOf(r).ID
	res, err := h.Poster.RecordExpense(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePostResult(w, *res)
}

// RunPayroll records a payroll run and its salary entry together.
// POST /api/postings/payroll-runs
func (h *Handler) RunPayroll(w http.ResponseWriter, r *http.Request) {
	var in postings.PayrollInput
	if err := h.decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.CreatedBy = actorOf(r).ID
	run, err := h.Poster.RunPayroll(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayrollRunDTO(*run))
}

// PostDepreciation posts one month of straight-line depreciation.
// POST /api/postings/depreciation
func (h *Handler) PostDepreciation(w http.ResponseWriter, r *http.Request) {
	var req DepreciationRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Poster.PostDepreciation(r.Context(), req.Asset, req.Date, actorOf(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePostResult(w, *res)
}

// =============================================================================
// ADMIN
// =============================================================================

// LockExpired locks every open period past the grace window.
// POST /api/admin/lock-expired
func (h *Handler) LockExpired(w http.ResponseWriter, r *http.Request) {
	locked, err := h.Periods.LockExpired(r.Context(), h.GraceDays, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locked))
}

// ListAudit returns the audit trail of one record.
// GET /api/admin/audit?table=&record_id=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table, id := q.Get("table"), q.Get("record_id")
	if table == "" || id == "" {
		writeError(w, r, fmt.Errorf("%w: table and record_id are required", ledger.ErrValidation))
		return
	}
	trail, err := h.Store.ListAudit(r.Context(), table, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trail))
}

// ResetDatabase clears every table and re-applies the seed.
// POST /api/admin/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.AllowReset {
		writeProblem(w, http.StatusForbidden, "forbidden", "reset is disabled", nil)
		return
	}
	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Seeder.Apply(ctx, h.Seed, ledger.SystemActor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	LoggerFromContext(ctx).Warn("database reset", slog.Any("seeded", rep))
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeProblem(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writePostResult answers 201 for a posted entry and 202 for one waiting
// on approval.
func writePostResult(w http.ResponseWriter, res ledger.PostResult) {
	status := http.StatusCreated
	if res.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toPostResultDTO(res))
}

// statusFor maps a ledger error category to an HTTP status.
func statusFor(err error) (int, string) {
	switch {
	case ledger.IsDuplicate(err):
		return http.StatusConflict, "duplicate"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case ledger.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case ledger.IsPolicy(err):
		return http.StatusUnprocessableEntity, "policy"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Error("request failed", slog.Any("error", err))
		writeProblem(w, status, code, "internal error", nil)
		return
	}
	writeProblem(w, status, code, err.Error(), errorDetails(err))
}

// errorDetails exposes the structured part of a ledger error.
func errorDetails(err error) any {
	var (
		ub *ledger.UnbalancedError
		le *ledger.LineError
		be *ledger.BudgetExceededError
		de *ledger.DuplicateEntryError
		pe *ledger.PeriodClosedError
		te *ledger.TransitionError
	)
	switch {
	case errors.As(err, &ub):
		return map[string]any{"debits_cents": ub.Debits, "credits_cents": ub.Credits}
	case errors.As(err, &le):
		return map[string]any{"line": le.Index, "account_code": le.Code}
	case errors.As(err, &be):
		return toBudgetResultDTO(be.Result)
	case errors.As(err, &de):
		return map[string]any{"key": de.Key, "existing_id": de.ExistingID}
	case errors.As(err, &pe):
		details := map[string]any{"date": pe.Date.String(), "reason": pe.Reason}
		if pe.Period != nil {
			details["period_id"] = pe.Period.ID
			details["period_status"] = pe.Period.Status
		}
		return details
	case errors.As(err, &te):
		return map[string]any{"from": te.From, "to": te.To}
	}
	return nil
}

func dateParam(r *http.Request, name string) (*ledger.Date, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	d, err := ledger.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ledger.ErrValidation, name)
	}
	return &d, nil
}

func dateRangeParams(r *http.Request) (from, to *ledger.Date, err error) {
	if from, err = dateParam(r, "from"); err != nil {
		return nil, nil, err
	}
	if to, err = dateParam(r, "to"); err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, fmt.Errorf("%w: to is before from", ledger.ErrValidation)
	}
	return from, to, nil
}

// nonNil turns a nil slice into an empty one so it encodes as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
