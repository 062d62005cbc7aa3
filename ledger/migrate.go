package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MigratedNote tags every transaction created by the historical backfill.
const MigratedNote = "(migrated)"

// MigrationResult summarizes one backfill run.
type MigrationResult struct {
	OrdersMigrated         int
	DeliveriesMigrated     int
	ExpensesMigrated       int
	TotalOrdersRevenue     Money
	TotalDeliveriesRevenue Money
	TotalExpenses          Money
}

func (r MigrationResult) TotalRevenue() Money {
	return r.TotalOrdersRevenue.Add(r.TotalDeliveriesRevenue)
}

func (r MigrationResult) NetBalance() Money {
	return r.TotalRevenue().Sub(r.TotalExpenses)
}

// ErrNoHistory is returned when the service was built without a HistorySource.
var ErrNoHistory = errors.New("no history source configured")

// MigrateHistorical backfills transactions for completed orders, deliveries
// and non-payroll expenses that have none yet. Each backfilled row carries the
// source's original timestamp, so the log is replayed afterwards to fix every
// snapshot. An entity counts as migrated when any transaction references it;
// running this twice is a no-op the second time.
func (s *Service) MigrateHistorical(ctx context.Context) (MigrationResult, error) {
	if s.history == nil {
		return MigrationResult{}, ErrNoHistory
	}

	orders, err := s.history.CompletedOrders(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("load completed orders: %w", err)
	}
	deliveries, err := s.history.CompletedDeliveries(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("load completed deliveries: %w", err)
	}
	expenses, err := s.history.Expenses(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("load expenses: %w", err)
	}

	log := s.log.WithField("operation", "migrate_historical")
	log.WithFields(logrus.Fields{
		"orders":     len(orders),
		"deliveries": len(deliveries),
		"expenses":   len(expenses),
	}).Info("starting historical migration")

	var result MigrationResult
	err = s.store.WithTx(ctx, func(st Store) error {
		result = MigrationResult{
			TotalOrdersRevenue:     decimal.Zero,
			TotalDeliveriesRevenue: decimal.Zero,
			TotalExpenses:          decimal.Zero,
		}

		existing, err := st.ListTransactions(ctx, TransactionFilter{})
		if err != nil {
			return err
		}
		seen := referenceIndex(existing)

		for _, o := range orders {
			if seen.has(RefOrder, o.ID) {
				continue
			}
			if _, err := st.InsertTransaction(ctx, Transaction{
				Type:        TxIncome,
				Direction:   Credit,
				Amount:      o.Amount,
				Description: fmt.Sprintf("Dine-in order #%d - %s %s", o.ID, o.Label, MigratedNote),
				Reference:   Ref(RefOrder, o.ID),
				Notes:       fmt.Sprintf("Order completed on %s %s", o.Date.Format("2006-01-02"), MigratedNote),
				CreatedAt:   o.OccurredAt(),
			}); err != nil {
				return fmt.Errorf("migrate order %d: %w", o.ID, err)
			}
			seen.add(RefOrder, o.ID)
			result.OrdersMigrated++
			result.TotalOrdersRevenue = result.TotalOrdersRevenue.Add(o.Amount)
		}

		for _, d := range deliveries {
			if seen.has(RefDelivery, d.ID) {
				continue
			}
			if _, err := st.InsertTransaction(ctx, Transaction{
				Type:        TxIncome,
				Direction:   Credit,
				Amount:      d.Amount,
				Description: fmt.Sprintf("Delivery #%d %s", d.ID, MigratedNote),
				Reference:   Ref(RefDelivery, d.ID),
				Notes:       fmt.Sprintf("Delivered on %s - %s %s", d.Date.Format("2006-01-02"), d.Label, MigratedNote),
				CreatedAt:   d.OccurredAt(),
			}); err != nil {
				return fmt.Errorf("migrate delivery %d: %w", d.ID, err)
			}
			seen.add(RefDelivery, d.ID)
			result.DeliveriesMigrated++
			result.TotalDeliveriesRevenue = result.TotalDeliveriesRevenue.Add(d.Amount)
		}

		for _, e := range expenses {
			if e.IsPayroll() || seen.has(RefExpense, e.ID) {
				continue
			}
			method := e.PaymentMethod
			if method == "" {
				method = "unspecified"
			}
			day := e.Date
			if _, err := st.InsertTransaction(ctx, Transaction{
				Type:        TxExpense,
				Direction:   Debit,
				Amount:      e.Amount,
				Description: fmt.Sprintf("Expense: %s - %s %s", e.Category, e.Description, MigratedNote),
				Reference:   Ref(RefExpense, e.ID),
				Notes:       fmt.Sprintf("Expense of %s, paid by %s %s", day.Format("2006-01-02"), method, MigratedNote),
				CreatedAt:   SaleRecord{Date: day}.OccurredAt(),
			}); err != nil {
				return fmt.Errorf("migrate expense %d: %w", e.ID, err)
			}
			seen.add(RefExpense, e.ID)
			result.ExpensesMigrated++
			result.TotalExpenses = result.TotalExpenses.Add(e.Amount)
		}

		return s.recalculate(ctx, st)
	})
	if err != nil {
		log.WithError(err).Error("historical migration failed")
		return MigrationResult{}, fmt.Errorf("migrate historical data: %w", err)
	}

	log.WithFields(logrus.Fields{
		"orders":     result.OrdersMigrated,
		"deliveries": result.DeliveriesMigrated,
		"expenses":   result.ExpensesMigrated,
		"revenue":    result.TotalRevenue().StringFixed(2),
		"expense":    result.TotalExpenses.StringFixed(2),
		"net":        result.NetBalance().StringFixed(2),
	}).Info("historical migration completed")
	return result, nil
}

type refIndex map[ReferenceKind]map[int64]struct{}

func referenceIndex(txs []Transaction) refIndex {
	idx := refIndex{}
	for _, tx := range txs {
		if tx.Reference.ID != nil {
			idx.add(tx.Reference.Kind, *tx.Reference.ID)
		}
	}
	return idx
}

func (idx refIndex) has(kind ReferenceKind, id int64) bool {
	_, ok := idx[kind][id]
	return ok
}

func (idx refIndex) add(kind ReferenceKind, id int64) {
	if idx[kind] == nil {
		idx[kind] = map[int64]struct{}{}
	}
	idx[kind][id] = struct{}{}
}
