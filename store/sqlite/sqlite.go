/*
Package sqlite provides a SQLite-backed implementation of the storage ports.

PURPOSE:
  Implements every persistence interface of the ledger, payroll and
  alerting packages on one SQLite database. The same schema maps directly
  onto PostgreSQL or MySQL; only placeholders and date functions differ.

INTERFACES IMPLEMENTED:
  ledger.TxStore:        balance row + transaction log
  ledger.RecordStore:    order, delivery and expense intake
  ledger.HistorySource:  completed orders, deliveries, expenses
  payroll.Store:         employees, salary payments
  payroll.ExpenseBook:   payroll expense rows
  alerting.Store:        alerts

KEY TABLES:
  balance:          singleton running total (id = 1)
  transactions:     append-mostly log; only snapshots are ever rewritten
  salary_payments:  one row per (employee, payment_date)
  alerts:           ACTIVE / RESOLVED alerts
  employees, expenses, orders, deliveries: business records owned by other
                    parts of the back office, read here

STORAGE FORMATS:
  Money     TEXT, exact decimal string
  Instants  TEXT, UTC with nanoseconds, fixed width so they sort as text
  Dates     TEXT, YYYY-MM-DD

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) plus a sync.RWMutex. WithTx holds the
  write lock for the whole unit of work, which is what makes the ledger's
  read-modify-write of the balance row exclusive.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, ledger.WithHistory(store))

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/restaurant-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a store at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balance (
		id INTEGER PRIMARY KEY,
		current_balance TEXT NOT NULL,
		low_balance_threshold TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- Transaction log
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT,
		reference_type TEXT,
		reference_id INTEGER,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	-- Replay order (hot path for recomputation)
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at, id);
	-- Migration and deletion by source entity
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_type, reference_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(transaction_type);

	CREATE TABLE IF NOT EXISTS employees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		last_name TEXT,
		email TEXT,
		salary TEXT,
		payment_frequency TEXT,
		payment_day INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS salary_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id INTEGER NOT NULL REFERENCES employees(id),
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		period_start_date TEXT NOT NULL,
		period_end_date TEXT NOT NULL,
		payment_frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		failure_reason TEXT
	);

	-- At most one payment per employee per day
	CREATE UNIQUE INDEX IF NOT EXISTS idx_salary_payments_employee_day
		ON salary_payments(employee_id, payment_date);
	CREATE INDEX IF NOT EXISTS idx_salary_payments_status
		ON salary_payments(status, payment_date);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_type TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_type_status
		ON alerts(alert_type, status);

	CREATE TABLE IF NOT EXISTS expenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		expense_date TEXT NOT NULL,
		payment_method TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_number TEXT,
		total_price TEXT NOT NULL,
		order_date TEXT NOT NULL,
		order_time TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		delivery_address TEXT,
		total_price TEXT NOT NULL,
		delivery_date TEXT NOT NULL,
		delivery_time TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&ledgerRepo{q: sqlTx, now: s.now}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func (s *Store) repo() *ledgerRepo { return &ledgerRepo{q: s.db, now: s.now} }

func (s *Store) GetBalance(ctx context.Context) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo().GetBalance(ctx)
}

func (s *Store) SaveBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo().SaveBalance(ctx, b)
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo().InsertTransaction(ctx, tx)
}

func (s *Store) UpdateSnapshots(ctx context.Context, id ledger.TransactionID, before, after ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo().UpdateSnapshots(ctx, id, before, after)
}

func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo().DeleteTransaction(ctx, id)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo().GetTransaction(ctx, id)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo().ListTransactions(ctx, f)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "balance", "salary_payments", "alerts", "expenses", "orders", "deliveries", "employees"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

const (
	instantLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout    = "2006-01-02"
	clockLayout   = "15:04:05"
)

func formatInstant(t time.Time) string { return t.UTC().Format(instantLayout) }

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(instantLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q: %w", s, err)
	}
	return t, nil
}

// parseClock turns "HH:MM:SS" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("bad time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
}

func formatClock(d time.Duration) string {
	return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(d).Format(clockLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// where joins non-empty conditions into a WHERE clause.
func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
