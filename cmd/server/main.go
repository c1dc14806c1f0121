/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the school ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, LEDGER_CONFIG file, .env, environment)
  2. Initialize SQLite store (migrations run on open)
  3. Build the ledger services and apply the seed document
  4. Configure HTTP router and start the period lock scheduler
  5. Start server with graceful shutdown

ENVIRONMENT:
  See config/config.go for every key. The common ones:
  PORT, DB_PATH, JWT_SECRET, IS_PRODUCTION, SEED_FILE, AUTO_LOCK_ENABLED

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  DB_PATH=./data/ledger.db ./server

  # Run with in-memory database on another port
  DB_PATH=":memory:" PORT=3000 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/school-ledger/api"
	"github.com/warp/school-ledger/config"
	"github.com/warp/school-ledger/factory"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
	"github.com/warp/school-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelDebug
	if cfg.IsProduction {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Services share the store as their audit sink
	chart := ledger.NewChartService(store, store, logger)
	periods := ledger.NewPeriodService(store, store, logger)
	approvals := ledger.NewApprovalService(store, store, logger)
	budgets := ledger.NewBudgetService(store, store, logger)
	engine := ledger.NewPostingEngine(store, approvals, budgets, store, logger)
	poster := postings.NewPoster(store, engine, postings.DefaultAccounts(), logger)
	seeder := factory.NewSeeder(chart, periods, approvals, budgets, logger)

	seed := factory.DefaultSeed()
	if cfg.SeedFile != "" {
		if seed, err = factory.LoadSeedFile(cfg.SeedFile); err != nil {
			return err
		}
	}
	report, err := seeder.Apply(context.Background(), seed, ledger.SystemActor)
	if err != nil {
		return err
	}
	logger.Info("seed applied", slog.Any("report", report))

	handler := api.NewHandler(store, api.Services{
		Chart:     chart,
		Periods:   periods,
		Approvals: approvals,
		Budgets:   budgets,
		Engine:    engine,
		Poster:    poster,
		Seeder:    seeder,
	}, seed)
	handler.AllowReset = !cfg.IsProduction
	handler.GraceDays = cfg.AutoLockGraceDays

	tokens := api.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer)
	router, err := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger,
		Tokens:         tokens,
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		return err
	}

	if !cfg.IsProduction {
		if tok, err := tokens.Issue(ledger.Actor{ID: "dev-bursar", Role: "bursar"}, 24*time.Hour); err == nil {
			logger.Debug("development token issued", slog.String("actor", "dev-bursar"), slog.String("token", tok))
		}
	}

	scheduler := api.NewPeriodLockScheduler(periods, logger)
	scheduler.Enabled = cfg.AutoLockEnabled
	scheduler.CheckInterval = cfg.AutoLockInterval
	scheduler.GraceDays = cfg.AutoLockGraceDays
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr), slog.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
