/*
store.go - Persistence ports for the ledger

KEY INTERFACES:
  Store:         balance row + transaction log reads/writes
  TxStore:       Store with an exclusive unit of work (WithTx)
  HistorySource: read-only view of completed orders, deliveries, expenses
                 used by the historical migration

UNIT OF WORK:
  Every balance-changing operation runs inside WithTx. Implementations must
  make the unit exclusive with respect to other WithTx calls so a writer
  never reads the balance while another writer is between its read and its
  update. Recomputation rewrites many rows and relies on the same guarantee.

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3
  - store/memory: in-memory, snapshot/rollback
*/
package ledger

import (
	"context"
	"time"
)

type Store interface {
	// GetBalance returns the balance row or ErrNotFound.
	GetBalance(ctx context.Context) (Balance, error)

	// SaveBalance inserts the row when ID is zero, updates it otherwise.
	// LastUpdated is set by the store.
	SaveBalance(ctx context.Context, b Balance) (Balance, error)

	// InsertTransaction assigns an ID and persists tx.
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// UpdateSnapshots rewrites balance_before / balance_after of one row.
	UpdateSnapshots(ctx context.Context, id TransactionID, before, after Money) error

	// DeleteTransaction removes a row. ErrNotFound if absent.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// GetTransaction loads one row. ErrNotFound if absent.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// ListTransactions returns matching rows, newest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// TxStore wraps Store with an exclusive unit of work.
// If fn returns an error every write made through the passed Store is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// HISTORY SOURCE - pre-ledger business records
// =============================================================================

// SaleRecord is a completed order or delivery.
type SaleRecord struct {
	ID     int64
	Amount Money
	// Date is the calendar day; Time is the optional time of day.
	Date  time.Time
	Time  *time.Duration
	Label string // table number or delivery address
}

// OccurredAt returns the original timestamp, noon when the time is unknown.
func (r SaleRecord) OccurredAt() time.Time {
	day := time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), 0, 0, 0, 0, r.Date.Location())
	if r.Time != nil {
		return day.Add(*r.Time)
	}
	return day.Add(12 * time.Hour)
}

// ExpenseRecord is one business expense row.
type ExpenseRecord struct {
	ID            int64
	Category      string
	Description   string
	Amount        Money
	Date          time.Time
	PaymentMethod string
}

// PayrollCategory is the expense category owned by the payroll engine.
const PayrollCategory = "Payroll"

// IsPayroll reports whether the expense belongs to the payroll engine.
func (e ExpenseRecord) IsPayroll() bool { return e.Category == PayrollCategory }

type HistorySource interface {
	CompletedOrders(ctx context.Context) ([]SaleRecord, error)
	CompletedDeliveries(ctx context.Context) ([]SaleRecord, error)
	Expenses(ctx context.Context) ([]ExpenseRecord, error)
}
