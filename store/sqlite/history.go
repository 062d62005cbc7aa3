package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-ledger/ledger"
)

// =============================================================================
// BUSINESS RECORDS (ledger.RecordStore, ledger.HistorySource)
// =============================================================================

// CreateExpense inserts a business expense and returns it with its ID.
func (s *Store) CreateExpense(ctx context.Context, e ledger.ExpenseRecord) (ledger.ExpenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (description, category, amount, expense_date, payment_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Description, e.Category, e.Amount.String(), formatDate(e.Date), nullString(e.PaymentMethod), formatInstant(s.now()))
	if err != nil {
		return ledger.ExpenseRecord{}, fmt.Errorf("failed to insert expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.ExpenseRecord{}, err
	}
	e.ID = id
	return e, nil
}

// DeleteExpense removes one expense row. ErrNotFound if absent.
func (s *Store) DeleteExpense(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM expenses WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete expense %d: %w", id, err)
	}
	return expectOneRow(res)
}

// SaveOrder inserts a dine-in order. Only completed orders are migrated.
func (s *Store) SaveOrder(ctx context.Context, o ledger.SaleRecord, completed bool) (ledger.SaleRecord, error) {
	return s.saveSale(ctx, "orders", "table_number", "order_date", "order_time", o, completed)
}

// SaveDelivery inserts a delivery. Only completed deliveries are migrated.
func (s *Store) SaveDelivery(ctx context.Context, d ledger.SaleRecord, completed bool) (ledger.SaleRecord, error) {
	return s.saveSale(ctx, "deliveries", "delivery_address", "delivery_date", "delivery_time", d, completed)
}

func (s *Store) saveSale(ctx context.Context, table, labelCol, dateCol, timeCol string, r ledger.SaleRecord, completed bool) (ledger.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clock sql.NullString
	if r.Time != nil {
		clock = sql.NullString{String: formatClock(*r.Time), Valid: true}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s, total_price, %s, %s, completed) VALUES (?, ?, ?, ?, ?)",
		table, labelCol, dateCol, timeCol)
	res, err := s.db.ExecContext(ctx, query, nullString(r.Label), r.Amount.String(), formatDate(r.Date), clock, completed)
	if err != nil {
		return ledger.SaleRecord{}, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.SaleRecord{}, err
	}
	r.ID = id
	return r, nil
}

func (s *Store) CompletedOrders(ctx context.Context) ([]ledger.SaleRecord, error) {
	return s.completedSales(ctx, "orders", "table_number", "order_date", "order_time")
}

func (s *Store) CompletedDeliveries(ctx context.Context) ([]ledger.SaleRecord, error) {
	return s.completedSales(ctx, "deliveries", "delivery_address", "delivery_date", "delivery_time")
}

func (s *Store) completedSales(ctx context.Context, table, labelCol, dateCol, timeCol string) ([]ledger.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT id, %s, total_price, %s, %s FROM %s WHERE completed = TRUE ORDER BY id",
		labelCol, dateCol, timeCol, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var records []ledger.SaleRecord
	for rows.Next() {
		var (
			r      ledger.SaleRecord
			label  sql.NullString
			amount string
			date   string
			clock  sql.NullString
		)
		if err := rows.Scan(&r.ID, &label, &amount, &date, &clock); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", strings.TrimSuffix(table, "s"), err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%s %d total_price: %w", table, r.ID, err)
		}
		if r.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		if clock.Valid {
			d, err := parseClock(clock.String)
			if err != nil {
				return nil, err
			}
			r.Time = &d
		}
		r.Label = label.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) Expenses(ctx context.Context) ([]ledger.ExpenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, description, amount, expense_date, payment_method
		FROM expenses ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []ledger.ExpenseRecord
	for rows.Next() {
		var (
			e      ledger.ExpenseRecord
			amount string
			date   string
			method sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Description, &amount, &date, &method); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("expense %d amount: %w", e.ID, err)
		}
		if e.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		e.PaymentMethod = method.String
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}
