/*
scheduler.go - Automated period lock scheduler

PURPOSE:
  Periodically locks financial periods that ended more than the grace
  window ago, so late postings stop landing in finished terms without
  anyone having to remember to lock them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Delegates to ledger.PeriodService.LockExpired as the system actor;
    every lock it makes is audited like a manual one
  - Periods already LOCKED or CLOSED are left alone

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - GraceDays: Days after period end before locking (default: 15)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewPeriodLockScheduler(periods, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: LockExpired endpoint (manual trigger)
  - ledger/period.go: PeriodService.LockExpired
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/school-ledger/ledger"
)

// PeriodLockScheduler handles automated period locking.
type PeriodLockScheduler struct {
	Periods       *ledger.PeriodService
	CheckInterval time.Duration
	GraceDays     int
	Enabled       bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPeriodLockScheduler creates a new scheduler.
func NewPeriodLockScheduler(periods *ledger.PeriodService, logger *slog.Logger) *PeriodLockScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodLockScheduler{
		Periods:       periods,
		CheckInterval: 1 * time.Hour,
		GraceDays:     15,
		Enabled:       true,
		logger:        logger.With(slog.String("component", "period_lock_scheduler")),
	}
}

// Start begins the scheduler.
func (ps *PeriodLockScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.logger.Info("disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run()

	ps.logger.Info("started",
		slog.Duration("interval", ps.CheckInterval),
		slog.Int("grace_days", ps.GraceDays),
	)
}

// Stop stops the scheduler and waits for a running check to finish.
func (ps *PeriodLockScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.ticker = nil
		ps.logger.Info("stopped")
	}
}

func (ps *PeriodLockScheduler) run() {
	defer ps.wg.Done()

	// Run immediately on start
	ps.RunNow(context.Background())

	for {
		select {
		case <-ps.ticker.C:
			ps.RunNow(context.Background())
		case <-ps.stop:
			return
		}
	}
}

// RunNow performs one check and returns the periods it locked.
func (ps *PeriodLockScheduler) RunNow(ctx context.Context) []ledger.FinancialPeriod {
	locked, err := ps.Periods.LockExpired(ctx, ps.GraceDays, ledger.SystemActor)
	for _, p := range locked {
		ps.logger.Info("period locked",
			slog.String("period_id", string(p.ID)),
			slog.String("name", p.Name),
			slog.String("end_date", p.EndDate.String()),
		)
	}
	if err != nil {
		ps.logger.Error("lock check failed", slog.Any("error", err), slog.Int("locked", len(locked)))
	}
	return locked
}
