/*
period.go - Accounting period lock state machine

STATES:
  OPEN ──lock──▶ LOCKED ──close──▶ CLOSED (terminal)
    ▲              │
    └───unlock─────┘

  - lock:   OPEN -> LOCKED only
  - unlock: LOCKED -> OPEN only
  - close:  LOCKED -> CLOSED only (no direct OPEN -> CLOSED)
  - nothing leaves CLOSED

  Every transition appends a PeriodAudit row (previous/new status, actor,
  timestamp, optional reason) in the same unit of work as the status
  change. The trail is append-only and reconstructs full lock history.

GATE:
  IsTransactionAllowed(date) is the single gate every financial write
  passes: no covering period, LOCKED or CLOSED -> not allowed.

SEE ALSO:
  - posting.go: calls the gate before inserting entries
  - api/scheduler.go: auto-locks periods after their grace window
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PeriodID string

type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "OPEN"
	PeriodLocked PeriodStatus = "LOCKED"
	PeriodClosed PeriodStatus = "CLOSED"
)

// FinancialPeriod is a dated accounting window. Periods never overlap, so a
// date maps to at most one period.
type FinancialPeriod struct {
	ID         PeriodID     `json:"id"`
	Name       string       `json:"name"`
	StartDate  Date         `json:"start_date"`
	EndDate    Date         `json:"end_date"`
	FiscalYear int          `json:"fiscal_year"`
	Status     PeriodStatus `json:"status"`
	LockedBy   *string      `json:"locked_by,omitempty"`
	LockedAt   *time.Time   `json:"locked_at,omitempty"`
	ClosedBy   *string      `json:"closed_by,omitempty"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Range returns the inclusive date span of the period.
func (p FinancialPeriod) Range() DateRange { return DateRange{Start: p.StartDate, End: p.EndDate} }

// PeriodAudit is one append-only row of lock history.
type PeriodAudit struct {
	ID             string       `json:"id"`
	PeriodID       PeriodID     `json:"period_id"`
	PreviousStatus PeriodStatus `json:"previous_status"`
	NewStatus      PeriodStatus `json:"new_status"`
	Actor          string       `json:"actor"`
	Reason         *string      `json:"reason,omitempty"`
	At             time.Time    `json:"at"`
}

// PeriodAction names a transition.
type PeriodAction string

const (
	ActionLock   PeriodAction = "lock"
	ActionUnlock PeriodAction = "unlock"
	ActionClose  PeriodAction = "close"
)

// periodTransitions is the complete transition table: action -> required
// source state -> target state.
var periodTransitions = map[PeriodAction]struct{ from, to PeriodStatus }{
	ActionLock:   {PeriodOpen, PeriodLocked},
	ActionUnlock: {PeriodLocked, PeriodOpen},
	ActionClose:  {PeriodLocked, PeriodClosed},
}

// NextPeriodStatus returns the state reached by applying action to from, or
// a *TransitionError.
func NextPeriodStatus(from PeriodStatus, action PeriodAction) (PeriodStatus, error) {
	t, ok := periodTransitions[action]
	if !ok {
		return from, fmt.Errorf("%w: unknown period action %q", ErrValidation, action)
	}
	if from != t.from {
		return from, &TransitionError{Machine: "period", From: string(from), To: string(t.to)}
	}
	return t.to, nil
}

// Allowance is the answer of the period gate.
type Allowance struct {
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason,omitempty"`
	Period  *FinancialPeriod `json:"period,omitempty"`
}

// =============================================================================
// PERIOD SERVICE
// =============================================================================

// PeriodService owns period creation, transitions and the posting gate.
type PeriodService struct {
	store  Store
	audit  auditor
	logger *slog.Logger
	now    func() time.Time
}

// NewPeriodService builds the service. sink and logger may be nil.
func NewPeriodService(store Store, sink AuditSink, logger *slog.Logger) *PeriodService {
	if logger == nil {
		logger = slog.Default()
	}
	ps := &PeriodService{store: store, logger: logger, now: time.Now}
	ps.audit = auditor{sink: sink, logger: logger, now: ps.clock}
	return ps
}

// WithClock overrides the time source (tests).
func (ps *PeriodService) WithClock(now func() time.Time) *PeriodService {
	ps.now = now
	return ps
}

func (ps *PeriodService) clock() time.Time { return ps.now() }

// CreatePeriod adds an OPEN period after checking it overlaps no other.
func (ps *PeriodService) CreatePeriod(ctx context.Context, name string, start, end Date, fiscalYear int, actor Actor) (*FinancialPeriod, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationf(ErrInvalidEntry, "period name is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, validationf(ErrInvalidEntry, "period start and end dates are required")
	}
	if end.Before(start) {
		return nil, validationf(ErrInvalidEntry, "period end %s is before start %s", end, start)
	}
	if fiscalYear == 0 {
		fiscalYear = start.Year()
	}

	p := FinancialPeriod{
		ID:         PeriodID(uuid.NewString()),
		Name:       name,
		StartDate:  start,
		EndDate:    end,
		FiscalYear: fiscalYear,
		Status:     PeriodOpen,
		CreatedAt:  ps.now().UTC(),
	}

	err := ps.store.WithTx(ctx, func(s Store) error {
		existing, err := s.ListPeriods(ctx)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Range().Overlaps(p.Range()) {
				return validationf(ErrPeriodOverlap, "%s %s overlaps %s %s", p.Name, p.Range(), e.Name, e.Range())
			}
		}
		if err := s.InsertPeriod(ctx, p); err != nil {
			return err
		}
		ps.audit.record(ctx, s, actor.ID, "create", "financial_period", string(p.ID), nil, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ps.logger.Info("period created", slog.String("period_id", string(p.ID)), slog.String("range", p.Range().String()))
	return &p, nil
}

// Lock moves an OPEN period to LOCKED.
func (ps *PeriodService) Lock(ctx context.Context, id PeriodID, actor Actor) (*FinancialPeriod, error) {
	return ps.transition(ctx, id, ActionLock, actor, nil)
}

// Unlock moves a LOCKED period back to OPEN. A reason is recorded.
func (ps *PeriodService) Unlock(ctx context.Context, id PeriodID, actor Actor, reason string) (*FinancialPeriod, error) {
	var r *string
	if strings.TrimSpace(reason) != "" {
		r = &reason
	}
	return ps.transition(ctx, id, ActionUnlock, actor, r)
}

// Close moves a LOCKED period to CLOSED, permanently.
func (ps *PeriodService) Close(ctx context.Context, id PeriodID, actor Actor) (*FinancialPeriod, error) {
	return ps.transition(ctx, id, ActionClose, actor, nil)
}

func (ps *PeriodService) transition(ctx context.Context, id PeriodID, action PeriodAction, actor Actor, reason *string) (*FinancialPeriod, error) {
	var updated FinancialPeriod
	err := ps.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		before := *p

		next, err := NextPeriodStatus(p.Status, action)
		if err != nil {
			if te, ok := err.(*TransitionError); ok {
				te.ID = string(id)
			}
			return err
		}

		at := ps.now().UTC()
		p.Status = next
		switch action {
		case ActionLock:
			p.LockedBy, p.LockedAt = &actor.ID, &at
		case ActionUnlock:
			p.LockedBy, p.LockedAt = nil, nil
		case ActionClose:
			p.ClosedBy, p.ClosedAt = &actor.ID, &at
		}

		if err := s.UpdatePeriodStatus(ctx, *p); err != nil {
			return err
		}
		if err := s.InsertPeriodAudit(ctx, PeriodAudit{
			ID:             uuid.NewString(),
			PeriodID:       id,
			PreviousStatus: before.Status,
			NewStatus:      next,
			Actor:          actor.ID,
			Reason:         reason,
			At:             at,
		}); err != nil {
			return err
		}
		ps.audit.record(ctx, s, actor.ID, string(action), "financial_period", string(id), before, *p)
		updated = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	ps.logger.Info("period transition",
		slog.String("period_id", string(id)),
		slog.String("action", string(action)),
		slog.String("status", string(updated.Status)),
		slog.String("actor", actor.ID))
	return &updated, nil
}

// IsTransactionAllowed resolves the owning period of d and reports whether
// financial writes dated d may proceed.
func (ps *PeriodService) IsTransactionAllowed(ctx context.Context, d Date) (Allowance, error) {
	return CheckPeriod(ctx, ps.store, d)
}

// CheckPeriod is the gate itself, usable against any Store (including one
// bound to an open transaction).
func CheckPeriod(ctx context.Context, s Store, d Date) (Allowance, error) {
	p, err := s.FindPeriodForDate(ctx, d)
	if err != nil {
		return Allowance{}, fmt.Errorf("failed to resolve period for %s: %w", d, err)
	}
	if p == nil {
		return Allowance{Allowed: false, Reason: fmt.Sprintf("no financial period covers %s", d)}, nil
	}
	switch p.Status {
	case PeriodOpen:
		return Allowance{Allowed: true, Period: p}, nil
	case PeriodLocked:
		return Allowance{Allowed: false, Period: p, Reason: fmt.Sprintf("period %q is locked", p.Name)}, nil
	default:
		return Allowance{Allowed: false, Period: p, Reason: fmt.Sprintf("period %q is closed", p.Name)}, nil
	}
}

// requireOpenPeriod turns a negative allowance into *PeriodClosedError.
func requireOpenPeriod(ctx context.Context, s Store, d Date) (*FinancialPeriod, error) {
	a, err := CheckPeriod(ctx, s, d)
	if err != nil {
		return nil, err
	}
	if !a.Allowed {
		return nil, &PeriodClosedError{Date: d, Period: a.Period, Reason: a.Reason}
	}
	return a.Period, nil
}

// GetPeriod returns one period.
func (ps *PeriodService) GetPeriod(ctx context.Context, id PeriodID) (*FinancialPeriod, error) {
	return ps.store.GetPeriod(ctx, id)
}

// ListPeriods returns all periods ordered by start date.
func (ps *PeriodService) ListPeriods(ctx context.Context) ([]FinancialPeriod, error) {
	return ps.store.ListPeriods(ctx)
}

// History returns the lock trail of a period, oldest first.
func (ps *PeriodService) History(ctx context.Context, id PeriodID) ([]PeriodAudit, error) {
	if _, err := ps.store.GetPeriod(ctx, id); err != nil {
		return nil, err
	}
	return ps.store.ListPeriodAudit(ctx, id)
}

// LockExpired locks every OPEN period whose end date is more than
// graceDays before today. It returns the periods it locked.
func (ps *PeriodService) LockExpired(ctx context.Context, graceDays int, actor Actor) ([]FinancialPeriod, error) {
	periods, err := ps.store.ListPeriods(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := DateOf(ps.now()).AddDays(-graceDays)

	var locked []FinancialPeriod
	for _, p := range periods {
		if p.Status != PeriodOpen || !p.EndDate.Before(cutoff) {
			continue
		}
		lp, err := ps.Lock(ctx, p.ID, actor)
		if err != nil {
			if IsPolicy(err) {
				continue // moved by someone else meanwhile
			}
			return locked, err
		}
		locked = append(locked, *lp)
	}
	return locked, nil
}
