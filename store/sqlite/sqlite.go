/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  The single embedded database behind the ledger core. One *sql.DB is
  opened at startup, passed to every service through ledger.Store, and
  closed at shutdown. There is no package-level handle.

INTERFACES IMPLEMENTED:
  ledger.Store:     accounts, journal, periods, approvals, budgets, UoW
  ledger.AuditSink: the audit_log table (see audit.go)

UNIT OF WORK:
  WithTx begins a transaction and hands fn a Store bound to it. Calling
  WithTx on that bound Store joins the same transaction, so composed
  operations (a payroll run posting its GL entry) commit together.
  AfterCommit hooks run only after the outermost commit.

CONNECTIONS:
  The pool is capped at one connection. SQLite serializes writers anyway,
  and ":memory:" databases exist per connection. Inside fn only the bound
  Store may be used: touching the root Store would wait on the connection
  the transaction holds.

WAL MODE:
  Files are opened with WAL and a busy timeout:
  - readers don't block the writer
  - single writer at a time
  - better crash recovery

MIGRATION:
  Versioned SQL files under migrations/ are embedded and applied with
  golang-migrate on New().

UPDATES:
  Every UPDATE is a fixed, parameter-bound statement over an explicit
  column list. No column name is ever built from caller input.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/school-ledger/ledger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store. The root Store owns the *sql.DB; a Store
// handed to a WithTx callback is bound to the open transaction.
type Store struct {
	db    *sql.DB
	q     queryer
	tx    *sql.Tx
	hooks *[]func()
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

// runMigrations applies every pending up migration. The migrate instance
// is not closed: its sqlite3 driver would close db along with it.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.tx != nil {
		return errors.New("sqlite: Close called on a transaction-bound store")
	}
	return s.db.Close()
}

// DB exposes the handle for maintenance tools.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx runs fn in one transaction, or joins the current one.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.withTx(ctx, func(ts *Store) error { return fn(ts) })
}

// withTx is WithTx for callers that need the concrete bound *Store.
func (s *Store) withTx(ctx context.Context, fn func(*Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	hooks := make([]func(), 0, 4)
	ts := &Store{db: s.db, q: sqlTx, tx: sqlTx, hooks: &hooks}
	if err := fn(ts); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

// AfterCommit queues fn until the outermost commit, or runs it now when s
// is not inside a transaction.
func (s *Store) AfterCommit(fn func()) {
	if s.tx == nil {
		fn()
		return
	}
	*s.hooks = append(*s.hooks, fn)
}

// InTx reports whether s is bound to a transaction.
func (s *Store) InTx() bool { return s.tx != nil }

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDate(s string) (ledger.Date, error) {
	d, err := ledger.ParseDate(s)
	if err != nil {
		return ledger.Date{}, fmt.Errorf("bad stored date %q: %w", s, err)
	}
	return d, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullDate(d *ledger.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// uniqueColumn extracts "table.column" from a unique violation message.
func uniqueColumn(err error) string {
	msg := err.Error()
	i := strings.Index(msg, "UNIQUE constraint failed: ")
	if i < 0 {
		return ""
	}
	return msg[i+len("UNIQUE constraint failed: "):]
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Reset clears every table (tests and demo reseeding).
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(ts *Store) error {
		for _, t := range []string{
			"payroll_run", "audit_log", "void_audit", "approval_history", "approval_request",
			"approval_workflow", "budget_allocation", "period_audit", "financial_period",
			"journal_entry_line", "journal_entry", "account",
		} {
			if _, err := ts.q.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("failed to clear %s: %w", t, err)
			}
		}
		return nil
	})
}
