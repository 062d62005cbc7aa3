package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// INTAKE - business records that move the balance
// =============================================================================

// RecordStore persists the business records whose completion changes the
// balance: dine-in orders, deliveries and expenses.
type RecordStore interface {
	SaveOrder(ctx context.Context, o SaleRecord, completed bool) (SaleRecord, error)
	SaveDelivery(ctx context.Context, d SaleRecord, completed bool) (SaleRecord, error)
	CreateExpense(ctx context.Context, e ExpenseRecord) (ExpenseRecord, error)
	// DeleteExpense returns ErrNotFound when absent.
	DeleteExpense(ctx context.Context, id int64) error
}

// ErrNoRecords is returned by the intake operations when the service was
// built without a RecordStore.
var ErrNoRecords = errors.New("no record store configured")

// WithRecords enables CompleteOrder, CompleteDelivery, EnterExpense and
// RemoveExpense.
func WithRecords(r RecordStore) Option {
	return func(s *Service) { s.records = r }
}

// CompleteOrder stores a completed dine-in order and records its income.
// The order is kept when the ledger write degrades; MigrateHistorical
// backfills it later because no transaction references it.
func (s *Service) CompleteOrder(ctx context.Context, o SaleRecord) (SaleRecord, Recorded, error) {
	return s.completeSale(ctx, RefOrder, o)
}

// CompleteDelivery is CompleteOrder for deliveries.
func (s *Service) CompleteDelivery(ctx context.Context, d SaleRecord) (SaleRecord, Recorded, error) {
	return s.completeSale(ctx, RefDelivery, d)
}

func (s *Service) completeSale(ctx context.Context, kind ReferenceKind, r SaleRecord) (SaleRecord, Recorded, error) {
	if s.records == nil {
		return SaleRecord{}, Recorded{}, ErrNoRecords
	}
	if err := validateAmount(r.Amount); err != nil {
		return SaleRecord{}, Recorded{}, err
	}
	if r.Date.IsZero() {
		r.Date = s.now()
	}

	save, description := s.records.SaveOrder, "Dine-in order #%d"
	if kind == RefDelivery {
		save, description = s.records.SaveDelivery, "Delivery #%d"
	}
	saved, err := save(ctx, r, true)
	if err != nil {
		return SaleRecord{}, Recorded{}, fmt.Errorf("save %s: %w", kind, err)
	}

	desc := fmt.Sprintf(description, saved.ID)
	if saved.Label != "" {
		desc += " - " + saved.Label
	}
	rec, err := s.RecordIncome(ctx, Entry{
		Amount:      saved.Amount,
		Description: desc,
		Reference:   Ref(kind, saved.ID),
	})
	return saved, rec, err
}

// EnterExpense stores a business expense and records it through
// RecordBusinessExpense. Payroll-category expenses get no transaction and
// a nil Recorded.
func (s *Service) EnterExpense(ctx context.Context, e ExpenseRecord) (ExpenseRecord, *Recorded, error) {
	if s.records == nil {
		return ExpenseRecord{}, nil, ErrNoRecords
	}
	if err := validateAmount(e.Amount); err != nil {
		return ExpenseRecord{}, nil, err
	}
	if e.Date.IsZero() {
		e.Date = s.now()
	}

	saved, err := s.records.CreateExpense(ctx, e)
	if err != nil {
		return ExpenseRecord{}, nil, fmt.Errorf("save expense: %w", err)
	}
	rec, err := s.RecordBusinessExpense(ctx, saved)
	return saved, rec, err
}

// RemoveExpense deletes an expense and every transaction referencing it,
// then replays the log. It returns the number of transactions removed.
func (s *Service) RemoveExpense(ctx context.Context, id int64) (int, error) {
	if s.records == nil {
		return 0, ErrNoRecords
	}
	if err := s.records.DeleteExpense(ctx, id); err != nil {
		return 0, fmt.Errorf("delete expense %d: %w", id, err)
	}
	n, err := s.DeleteTransactionsByReference(ctx, Ref(RefExpense, id))
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"expense_id": id, "transactions": n}).Info("expense removed")
	return n, nil
}
