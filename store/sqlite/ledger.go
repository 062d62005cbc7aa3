package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-ledger/ledger"
)

// ledgerRepo runs ledger queries on a *sql.DB or inside a *sql.Tx. It does
// no locking; the Store methods and WithTx do.
type ledgerRepo struct {
	q   querier
	now func() time.Time
}

func (r *ledgerRepo) GetBalance(ctx context.Context) (ledger.Balance, error) {
	var (
		b           ledger.Balance
		lastUpdated string
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT id, current_balance, low_balance_threshold, last_updated FROM balance WHERE id = 1",
	).Scan(&b.ID, &b.CurrentBalance, &b.LowBalanceThreshold, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	if b.LastUpdated, err = parseInstant(lastUpdated); err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

func (r *ledgerRepo) SaveBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	b.LastUpdated = r.now()
	b.Transient = false

	query := `
		INSERT INTO balance (id, current_balance, low_balance_threshold, last_updated)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_balance = excluded.current_balance,
			low_balance_threshold = excluded.low_balance_threshold,
			last_updated = excluded.last_updated
	`
	if b.ID == 0 {
		query = `
		INSERT INTO balance (id, current_balance, low_balance_threshold, last_updated)
		VALUES (1, ?, ?, ?)
	`
	}
	_, err := r.q.ExecContext(ctx, query,
		b.CurrentBalance.String(), b.LowBalanceThreshold.String(), formatInstant(b.LastUpdated))
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to save balance: %w", err)
	}
	b.ID = 1
	return b, nil
}

func (r *ledgerRepo) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.Direction == "" {
		tx.Direction = ledger.DirectionFor(tx.Type)
	}

	var refID sql.NullInt64
	if tx.Reference.ID != nil {
		refID = sql.NullInt64{Int64: *tx.Reference.ID, Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_type, direction, amount, balance_before, balance_after,
		 description, reference_type, reference_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.Type,
		tx.Direction,
		tx.Amount.String(),
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		tx.Description,
		nullString(string(tx.Reference.Kind)),
		refID,
		nullString(tx.Notes),
		formatInstant(tx.CreatedAt),
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

func (r *ledgerRepo) UpdateSnapshots(ctx context.Context, id ledger.TransactionID, before, after ledger.Money) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE transactions SET balance_before = ?, balance_after = ? WHERE id = ?",
		before.String(), after.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update snapshots of transaction %d: %w", id, err)
	}
	return expectOneRow(res)
}

func (r *ledgerRepo) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	return expectOneRow(res)
}

const transactionColumns = `
	id, transaction_type, direction, amount, balance_before, balance_after,
	description, reference_type, reference_id, notes, created_at`

func (r *ledgerRepo) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := r.queryTransactions(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txs[0], nil
}

func (r *ledgerRepo) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "transaction_type = ?")
		args = append(args, f.Type)
	}
	if f.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatInstant(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatInstant(*f.To))
	}
	if f.Reference != nil {
		conds = append(conds, "reference_type = ?")
		args = append(args, f.Reference.Kind)
		if f.Reference.ID != nil {
			conds = append(conds, "reference_id = ?")
			args = append(args, *f.Reference.ID)
		}
	}

	query := "SELECT " + transactionColumns + " FROM transactions" + where(conds) +
		" ORDER BY created_at DESC, id DESC"
	return r.queryTransactions(ctx, query, args...)
}

func (r *ledgerRepo) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		amount      string
		before      string
		after       string
		description sql.NullString
		refType     sql.NullString
		refID       sql.NullInt64
		notes       sql.NullString
		createdAt   string
	)

	err := rows.Scan(
		&tx.ID, &tx.Type, &tx.Direction, &amount, &before, &after,
		&description, &refType, &refID, &notes, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %d amount: %w", tx.ID, err)
	}
	if tx.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return tx, fmt.Errorf("transaction %d balance_before: %w", tx.ID, err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return tx, fmt.Errorf("transaction %d balance_after: %w", tx.ID, err)
	}
	if tx.CreatedAt, err = parseInstant(createdAt); err != nil {
		return tx, err
	}
	tx.Description = description.String
	tx.Notes = notes.String
	tx.Reference.Kind = ledger.ReferenceKind(refType.String)
	if refID.Valid {
		id := refID.Int64
		tx.Reference.ID = &id
	}
	return tx, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
