/*
service.go - Ledger Service

PURPOSE:
  Records every balance-affecting event, keeps the singleton balance row in
  step with the transaction log and answers balance questions for the
  payroll engine, alerting and the admin surface.

AVAILABILITY OVER DURABILITY:
  Order taking and expense entry must never fail because the ledger could
  not be written. RecordIncome / RecordExpense therefore never return a
  storage error. They return Recorded{Persisted: false} instead and log a
  warning. GetCurrentBalance likewise falls back to a transient zero
  balance. Callers that need durability check Recorded.Persisted.

  AdjustBalance, InitializeBalance, DeleteTransaction and the migration are
  admin operations and DO surface storage errors.

RETRIES:
  RecordIncome / RecordExpense are not idempotent. Retrying blindly double
  counts. The migration is idempotent through reference lookups.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Entry is the caller-supplied part of a new transaction.
type Entry struct {
	Amount      Money
	Description string
	Reference   Reference
	Notes       string
}

// Service is the ledger: every balance change goes through it.
type Service struct {
	store            TxStore
	history          HistorySource
	records          RecordStore
	log              logrus.FieldLogger
	now              func() time.Time
	defaultThreshold Money
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now, used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithHistory enables MigrateHistorical.
func WithHistory(h HistorySource) Option {
	return func(s *Service) { s.history = h }
}

// WithDefaultThreshold sets the threshold of a lazily created balance row.
func WithDefaultThreshold(threshold Money) Option {
	return func(s *Service) { s.defaultThreshold = threshold }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:            store,
		log:              logrus.StandardLogger(),
		now:              time.Now,
		defaultThreshold: DefaultLowBalanceThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("module", "ledger")
	return s
}

// =============================================================================
// BALANCE
// =============================================================================

// GetCurrentBalance returns the balance row, creating it with a zero balance
// on first access. It never fails: on storage errors it returns a transient
// zero balance.
func (s *Service) GetCurrentBalance(ctx context.Context) Balance {
	b, err := s.store.GetBalance(ctx)
	if err == nil {
		return b
	}
	if !IsNotFound(err) {
		s.log.WithError(err).Warn("reading balance failed, using transient balance")
		return s.transientBalance()
	}

	err = s.store.WithTx(ctx, func(st Store) error {
		var err error
		b, err = s.loadOrCreate(ctx, st)
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("creating initial balance failed, using transient balance")
		return s.transientBalance()
	}
	return b
}

func (s *Service) transientBalance() Balance {
	return Balance{
		CurrentBalance:      decimal.Zero,
		LowBalanceThreshold: s.defaultThreshold,
		LastUpdated:         s.now(),
		Transient:           true,
	}
}

// loadOrCreate re-checks inside the unit of work so two first accesses
// cannot both insert a row.
func (s *Service) loadOrCreate(ctx context.Context, st Store) (Balance, error) {
	b, err := st.GetBalance(ctx)
	if err == nil {
		return b, nil
	}
	if !IsNotFound(err) {
		return Balance{}, err
	}
	s.log.Warn("no balance row, creating one with zero balance")
	return st.SaveBalance(ctx, Balance{
		CurrentBalance:      decimal.Zero,
		LowBalanceThreshold: s.defaultThreshold,
	})
}

// InitializeBalance creates the balance row with an opening amount and
// records that amount as an ADJUSTMENT from zero, so a later replay of the
// log keeps the opening capital.
func (s *Service) InitializeBalance(ctx context.Context, initial, threshold Money) (Balance, error) {
	if initial.IsNegative() {
		return Balance{}, &ValidationError{Field: "initialBalance", Message: "must not be negative"}
	}
	if threshold.IsNegative() {
		return Balance{}, &ValidationError{Field: "lowBalanceThreshold", Message: "must not be negative"}
	}

	var saved Balance
	err := s.store.WithTx(ctx, func(st Store) error {
		_, err := st.GetBalance(ctx)
		if err == nil {
			return ErrAlreadyInitialized
		}
		if !IsNotFound(err) {
			return err
		}

		saved, err = st.SaveBalance(ctx, Balance{
			CurrentBalance:      initial,
			LowBalanceThreshold: threshold,
		})
		if err != nil {
			return err
		}

		_, err = st.InsertTransaction(ctx, Transaction{
			Type:          TxAdjustment,
			Direction:     Credit,
			Amount:        initial,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  initial,
			Description:   "Balance initialization",
			Reference:     Reference{Kind: RefBalance},
			Notes:         "Opening balance configured",
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return Balance{}, err
	}

	s.log.WithField("initial", initial.StringFixed(2)).Info("balance initialized")
	return saved, nil
}

// UpdateLowBalanceThreshold changes the alert threshold.
func (s *Service) UpdateLowBalanceThreshold(ctx context.Context, threshold Money) (Balance, error) {
	if threshold.IsNegative() {
		return Balance{}, &ValidationError{Field: "lowBalanceThreshold", Message: "must not be negative"}
	}
	var saved Balance
	err := s.store.WithTx(ctx, func(st Store) error {
		b, err := s.loadOrCreate(ctx, st)
		if err != nil {
			return err
		}
		b.LowBalanceThreshold = threshold
		saved, err = st.SaveBalance(ctx, b)
		return err
	})
	return saved, err
}

// HasSufficientFunds reports whether the current balance covers amount.
func (s *Service) HasSufficientFunds(ctx context.Context, amount Money) bool {
	return s.GetCurrentBalance(ctx).CurrentBalance.GreaterThanOrEqual(amount)
}

// IsLowBalance reports whether the balance is below its threshold.
func (s *Service) IsLowBalance(ctx context.Context) bool {
	return s.GetCurrentBalance(ctx).IsLow()
}

// BalanceDifference is current balance minus threshold. Negative means
// below the threshold.
func (s *Service) BalanceDifference(ctx context.Context) Money {
	b := s.GetCurrentBalance(ctx)
	return b.CurrentBalance.Sub(b.LowBalanceThreshold)
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordIncome adds e.Amount to the balance. Storage failures degrade to an
// unpersisted transaction; only invalid input is returned as an error.
func (s *Service) RecordIncome(ctx context.Context, e Entry) (Recorded, error) {
	if err := validateAmount(e.Amount); err != nil {
		return Recorded{}, err
	}
	return s.record(ctx, TxIncome, Credit, e), nil
}

// RecordExpense subtracts e.Amount from the balance. It never blocks the
// caller on storage errors.
func (s *Service) RecordExpense(ctx context.Context, e Entry) (Recorded, error) {
	if err := validateAmount(e.Amount); err != nil {
		return Recorded{}, err
	}
	return s.record(ctx, TxExpense, Debit, e), nil
}

// RecordSalaryPayment records a disbursement as an expense pointing at the
// salary payment row.
func (s *Service) RecordSalaryPayment(ctx context.Context, amount Money, paymentID int64, employeeName, notes string) (Recorded, error) {
	return s.RecordExpense(ctx, Entry{
		Amount:      amount,
		Description: fmt.Sprintf("Salary payment - %s", employeeName),
		Reference:   Ref(RefSalaryPayment, paymentID),
		Notes:       notes,
	})
}

// RecordBusinessExpense is the hook for expense entry. Payroll expenses are
// skipped because the payroll engine records its own transactions; it
// returns nil for them.
func (s *Service) RecordBusinessExpense(ctx context.Context, e ExpenseRecord) (*Recorded, error) {
	if e.IsPayroll() {
		return nil, nil
	}
	rec, err := s.RecordExpense(ctx, Entry{
		Amount:      e.Amount,
		Description: fmt.Sprintf("Expense: %s - %s", e.Category, e.Description),
		Reference:   Ref(RefExpense, e.ID),
		Notes:       e.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AdjustBalance applies a signed correction. The transaction stores the
// magnitude in Amount and the sign in Direction.
func (s *Service) AdjustBalance(ctx context.Context, amount Money, reason, notes string) (Transaction, error) {
	if amount.IsZero() {
		return Transaction{}, &ValidationError{Field: "amount", Message: "must not be zero"}
	}
	if reason == "" {
		reason = "Manual balance adjustment"
	}
	dir := Credit
	if amount.IsNegative() {
		dir = Debit
	}

	var saved Transaction
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		saved, err = s.apply(ctx, st, TxAdjustment, dir, Entry{
			Amount:      amount.Abs(),
			Description: reason,
			Reference:   Reference{Kind: RefBalance},
			Notes:       notes,
		})
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	s.log.WithFields(logrus.Fields{
		"amount": amount.StringFixed(2),
		"before": saved.BalanceBefore.StringFixed(2),
		"after":  saved.BalanceAfter.StringFixed(2),
		"reason": reason,
	}).Info("balance adjusted")
	return saved, nil
}

func (s *Service) record(ctx context.Context, typ TransactionType, dir Direction, e Entry) Recorded {
	draft := Transaction{
		Type:        typ,
		Direction:   dir,
		Amount:      e.Amount,
		Description: e.Description,
		Reference:   e.Reference,
		Notes:       e.Notes,
		CreatedAt:   s.now(),
	}

	var saved Transaction
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		saved, err = s.apply(ctx, st, typ, dir, e)
		return err
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"type":      typ,
			"amount":    e.Amount.StringFixed(2),
			"reference": e.Reference.String(),
		}).WithError(err).Warn("ledger write failed, returning unpersisted transaction")
		return Recorded{Transaction: draft, Persisted: false, Cause: err}
	}

	s.log.WithFields(logrus.Fields{
		"type":   typ,
		"amount": e.Amount.StringFixed(2),
		"before": saved.BalanceBefore.StringFixed(2),
		"after":  saved.BalanceAfter.StringFixed(2),
	}).Info("transaction recorded")
	return Recorded{Transaction: saved, Persisted: true}
}

// apply reads the balance, moves it and appends the transaction inside the
// caller's unit of work.
func (s *Service) apply(ctx context.Context, st Store, typ TransactionType, dir Direction, e Entry) (Transaction, error) {
	b, err := s.loadOrCreate(ctx, st)
	if err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		Type:          typ,
		Direction:     dir,
		Amount:        e.Amount,
		BalanceBefore: b.CurrentBalance,
		Description:   e.Description,
		Reference:     e.Reference,
		Notes:         e.Notes,
		CreatedAt:     s.now(),
	}
	tx.BalanceAfter = tx.Apply(b.CurrentBalance)

	b.CurrentBalance = tx.BalanceAfter
	if _, err := st.SaveBalance(ctx, b); err != nil {
		return Transaction{}, err
	}
	return st.InsertTransaction(ctx, tx)
}

func validateAmount(amount Money) error {
	if amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteTransaction removes one row and replays the log so every later
// snapshot and the balance reflect its absence.
func (s *Service) DeleteTransaction(ctx context.Context, id TransactionID) error {
	err := s.store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := st.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"id":     id,
			"type":   tx.Type,
			"amount": tx.Amount.StringFixed(2),
		}).Info("transaction deleted")
		return s.recalculate(ctx, st)
	})
	if err != nil {
		return fmt.Errorf("delete transaction %d: %w", id, err)
	}
	return nil
}

// DeleteTransactionsByReference removes every row pointing at ref, then
// replays the log once. Used when the source entity is deleted. ref must name
// one entity; a kind-only reference is rejected.
func (s *Service) DeleteTransactionsByReference(ctx context.Context, ref Reference) (int, error) {
	if ref.Kind == "" || ref.ID == nil {
		return 0, &ValidationError{Field: "reference", Message: "must name a kind and an id"}
	}
	var deleted int
	err := s.store.WithTx(ctx, func(st Store) error {
		txs, err := st.ListTransactions(ctx, TransactionFilter{Reference: &ref})
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			return nil
		}
		for _, tx := range txs {
			if err := st.DeleteTransaction(ctx, tx.ID); err != nil {
				return err
			}
			deleted++
		}
		return s.recalculate(ctx, st)
	})
	if err != nil {
		return 0, fmt.Errorf("delete transactions for %s: %w", ref, err)
	}
	return deleted, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// AllTransactions returns the whole log, newest first.
func (s *Service) AllTransactions(ctx context.Context) ([]Transaction, error) {
	return s.store.ListTransactions(ctx, TransactionFilter{})
}

func (s *Service) TransactionsByType(ctx context.Context, typ TransactionType) ([]Transaction, error) {
	if !typ.Valid() {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", typ)}
	}
	return s.store.ListTransactions(ctx, TransactionFilter{Type: typ})
}

// TransactionsBetween returns rows with from <= CreatedAt <= to.
func (s *Service) TransactionsBetween(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Message: "must not be before from"}
	}
	return s.store.ListTransactions(ctx, TransactionFilter{From: &from, To: &to})
}

func (s *Service) TransactionsByReference(ctx context.Context, ref Reference) ([]Transaction, error) {
	return s.store.ListTransactions(ctx, TransactionFilter{Reference: &ref})
}
