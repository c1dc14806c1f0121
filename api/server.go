/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client IP for the rate limiter
  3. RequestLogger: Request-scoped slog logger, completion log line
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the admin frontend
  6. RateLimit:     Per-IP limit (ulule/limiter, in-memory store)
  7. Authenticate:  JWT bearer token -> ledger.Actor (everything under /api)

ROUTE GROUPS:
  /healthz              Liveness (public)
  /api/accounts/*       Chart of accounts
  /api/reports/*        Trial balance
  /api/entries/*        Journal posting and voids
  /api/voids/*          Void recovery
  /api/periods/*        Period lock state machine
  /api/workflows/*      Approval configuration
  /api/approvals/*      Approval decisions
  /api/budgets/*        Allocations and checks
  /api/postings/*       School business events
  /api/admin/*          Scheduled-job triggers, audit trail, reset

Configuration routes (chart changes, periods, workflows, budgets, admin)
require one of RouterOptions.AdminRoles.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, auth, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger         *slog.Logger
	Tokens         *TokenIssuer
	RateLimit      string
	AllowedOrigins []string
	AdminRoles     []string
}

// DefaultAdminRoles may change configuration.
var DefaultAdminRoles = []string{"admin", "bursar", "principal"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) (*chi.Mux, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AdminRoles) == 0 {
		opts.AdminRoles = DefaultAdminRoles
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	}))
	if opts.RateLimit != "" {
		limit, err := RateLimit(opts.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(limit)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	admin := RequireRole(opts.AdminRoles...)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.Tokens))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.With(admin).Post("/", h.CreateAccount)
			r.With(admin).Patch("/{code}", h.UpdateAccount)
			r.Get("/{code}/balance", h.GetBalance)
		})

		r.Get("/reports/trial-balance", h.GetTrialBalance)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Post("/", h.CreateEntry)
			r.Get("/{id}", h.GetEntry)
			r.Post("/{id}/void", h.VoidEntry)
		})

		r.Post("/voids/{id}/recovery", h.RecordRecovery)

		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Get("/check", h.CheckPeriod)
			r.Get("/{id}/history", h.PeriodHistory)
			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/", h.CreatePeriod)
				r.Post("/{id}/lock", h.LockPeriod)
				r.Post("/{id}/unlock", h.UnlockPeriod)
				r.Post("/{id}/close", h.ClosePeriod)
			})
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Get("/{type}", h.GetWorkflow)
			r.With(admin).Put("/{type}", h.SaveWorkflow)
		})

		// Role rules for decisions live in the approval service
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", h.ListBudgets)
			r.Post("/check", h.CheckBudget)
			r.With(admin).Post("/", h.SaveBudget)
			r.With(admin).Delete("/{id}", h.DeactivateBudget)
		})

		r.Route("/postings", func(r chi.Router) {
			r.Post("/fee-payments", h.PostFeePayment)
			r.Post("/invoices", h.PostInvoice)
			r.Post("/expenses", h.PostExpense)
			r.Post("/payroll-runs", h.RunPayroll)
			r.Post("/depreciation", h.PostDepreciation)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(admin)
			r.Post("/lock-expired", h.LockExpired)
			r.Get("/audit", h.ListAudit)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r, nil
}
