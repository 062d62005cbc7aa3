// Package memory provides an in-memory implementation of every storage port.
// Used by tests and for running the server without a database file.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu sync.Mutex
	st *state

	// ledgerErr, when set, fails every balance and transaction access.
	ledgerErr error
	// expenseErr, when set, fails CreateSalaryExpense.
	expenseErr error
}

type state struct {
	balance *ledger.Balance
	txs     map[ledger.TransactionID]ledger.Transaction
	nextTx  int64

	employees map[int64]payroll.Employee
	payments  map[int64]payroll.SalaryPayment
	nextPay   int64

	alerts    map[int64]alerting.Alert
	nextAlert int64

	expenses    map[int64]ledger.ExpenseRecord
	nextExpense int64
	orders      sales
	deliveries  sales
}

// sales is one of the orders or deliveries tables.
type sales struct {
	rows []sale
	next int64
}

type sale struct {
	rec       ledger.SaleRecord
	completed bool
}

func (t *sales) save(r ledger.SaleRecord, completed bool) ledger.SaleRecord {
	if r.ID == 0 {
		t.next++
		r.ID = t.next
	} else if r.ID > t.next {
		t.next = r.ID
	}
	t.rows = append(t.rows, sale{rec: r, completed: completed})
	return r
}

func (t sales) completed() []ledger.SaleRecord {
	var result []ledger.SaleRecord
	for _, row := range t.rows {
		if row.completed {
			result = append(result, row.rec)
		}
	}
	return result
}

func (t sales) clone() sales {
	return sales{rows: append([]sale(nil), t.rows...), next: t.next}
}

func New() *Store {
	return &Store{st: &state{
		txs:       map[ledger.TransactionID]ledger.Transaction{},
		employees: map[int64]payroll.Employee{},
		payments:  map[int64]payroll.SalaryPayment{},
		alerts:    map[int64]alerting.Alert{},
		expenses:  map[int64]ledger.ExpenseRecord{},
	}}
}

// FailLedger makes every balance and transaction access return err until
// called again with nil.
func (s *Store) FailLedger(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerErr = err
}

// FailExpenses makes CreateSalaryExpense return err until called with nil.
func (s *Store) FailExpenses(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenseErr = err
}

// =============================================================================
// LEDGER STORE (ledger.TxStore)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetBalance(ctx)
}

func (s *Store) SaveBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SaveBalance(ctx, b)
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertTransaction(ctx, tx)
}

func (s *Store) UpdateSnapshots(ctx context.Context, id ledger.TransactionID, before, after ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateSnapshots(ctx, id, before, after)
}

func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteTransaction(ctx, id)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetTransaction(ctx, id)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListTransactions(ctx, f)
}

// WithTx runs fn with exclusive access. Simulated with a snapshot that is
// restored when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(s.view()); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) view() *txView { return &txView{parent: s} }

// txView operates on the state without locking; the caller holds s.mu.
type txView struct {
	parent *Store
}

func (v *txView) GetBalance(_ context.Context) (ledger.Balance, error) {
	if err := v.parent.ledgerErr; err != nil {
		return ledger.Balance{}, err
	}
	if v.parent.st.balance == nil {
		return ledger.Balance{}, ledger.ErrNotFound
	}
	return *v.parent.st.balance, nil
}

func (v *txView) SaveBalance(_ context.Context, b ledger.Balance) (ledger.Balance, error) {
	if err := v.parent.ledgerErr; err != nil {
		return ledger.Balance{}, err
	}
	if b.ID == 0 {
		b.ID = 1
	}
	b.LastUpdated = time.Now()
	b.Transient = false
	v.parent.st.balance = &b
	return b, nil
}

func (v *txView) InsertTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := v.parent.ledgerErr; err != nil {
		return ledger.Transaction{}, err
	}
	v.parent.st.nextTx++
	tx.ID = ledger.TransactionID(v.parent.st.nextTx)
	v.parent.st.txs[tx.ID] = tx
	return tx, nil
}

func (v *txView) UpdateSnapshots(_ context.Context, id ledger.TransactionID, before, after ledger.Money) error {
	if err := v.parent.ledgerErr; err != nil {
		return err
	}
	tx, ok := v.parent.st.txs[id]
	if !ok {
		return ledger.ErrNotFound
	}
	tx.BalanceBefore = before
	tx.BalanceAfter = after
	v.parent.st.txs[id] = tx
	return nil
}

func (v *txView) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	if err := v.parent.ledgerErr; err != nil {
		return err
	}
	if _, ok := v.parent.st.txs[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(v.parent.st.txs, id)
	return nil
}

func (v *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	if err := v.parent.ledgerErr; err != nil {
		return ledger.Transaction{}, err
	}
	tx, ok := v.parent.st.txs[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx, nil
}

func (v *txView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	if err := v.parent.ledgerErr; err != nil {
		return nil, err
	}
	var result []ledger.Transaction
	for _, tx := range v.parent.st.txs {
		if matchTransaction(tx, f) {
			result = append(result, tx)
		}
	}
	// newest first
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func matchTransaction(tx ledger.Transaction, f ledger.TransactionFilter) bool {
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	if f.Reference != nil {
		if tx.Reference.Kind != f.Reference.Kind {
			return false
		}
		if f.Reference.ID != nil && !tx.Reference.Matches(f.Reference.Kind, *f.Reference.ID) {
			return false
		}
	}
	return true
}

func (st *state) clone() *state {
	c := &state{
		txs:         make(map[ledger.TransactionID]ledger.Transaction, len(st.txs)),
		nextTx:      st.nextTx,
		employees:   make(map[int64]payroll.Employee, len(st.employees)),
		payments:    make(map[int64]payroll.SalaryPayment, len(st.payments)),
		nextPay:     st.nextPay,
		alerts:      make(map[int64]alerting.Alert, len(st.alerts)),
		nextAlert:   st.nextAlert,
		expenses:    make(map[int64]ledger.ExpenseRecord, len(st.expenses)),
		nextExpense: st.nextExpense,
		orders:      st.orders.clone(),
		deliveries:  st.deliveries.clone(),
	}
	if st.balance != nil {
		b := *st.balance
		c.balance = &b
	}
	for k, v := range st.txs {
		c.txs[k] = v
	}
	for k, v := range st.employees {
		c.employees[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.alerts {
		c.alerts[k] = v
	}
	for k, v := range st.expenses {
		c.expenses[k] = v
	}
	return c
}

// =============================================================================
// BUSINESS RECORDS (ledger.RecordStore, ledger.HistorySource)
// =============================================================================

// SaveOrder stores a dine-in order. A zero ID gets the next one.
func (s *Store) SaveOrder(_ context.Context, o ledger.SaleRecord, completed bool) (ledger.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.orders.save(o, completed), nil
}

// SaveDelivery stores a delivery. A zero ID gets the next one.
func (s *Store) SaveDelivery(_ context.Context, d ledger.SaleRecord, completed bool) (ledger.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deliveries.save(d, completed), nil
}

// CreateExpense stores a business expense and assigns its ID.
func (s *Store) CreateExpense(_ context.Context, e ledger.ExpenseRecord) (ledger.ExpenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextExpense++
	e.ID = s.st.nextExpense
	s.st.expenses[e.ID] = e
	return e, nil
}

func (s *Store) DeleteExpense(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.expenses[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(s.st.expenses, id)
	return nil
}

func (s *Store) CompletedOrders(_ context.Context) ([]ledger.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.orders.completed(), nil
}

func (s *Store) CompletedDeliveries(_ context.Context) ([]ledger.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deliveries.completed(), nil
}

func (s *Store) Expenses(_ context.Context) ([]ledger.ExpenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ledger.ExpenseRecord, 0, len(s.st.expenses))
	for _, e := range s.st.expenses {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CreateSalaryExpense implements payroll.ExpenseBook.
func (s *Store) CreateSalaryExpense(_ context.Context, e payroll.Employee, amount ledger.Money, date time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expenseErr != nil {
		return 0, s.expenseErr
	}
	s.st.nextExpense++
	id := s.st.nextExpense
	s.st.expenses[id] = ledger.ExpenseRecord{
		ID:            id,
		Category:      ledger.PayrollCategory,
		Description:   "Salary payment - " + e.FullName(),
		Amount:        amount,
		Date:          date,
		PaymentMethod: "Bank transfer",
	}
	return id, nil
}

// =============================================================================
// PAYROLL STORE (payroll.Store)
// =============================================================================

// SaveEmployee inserts or replaces an employee. A zero ID gets the next one.
func (s *Store) SaveEmployee(_ context.Context, e payroll.Employee) (payroll.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		e.ID = int64(len(s.st.employees) + 1)
		for {
			if _, taken := s.st.employees[e.ID]; !taken {
				break
			}
			e.ID++
		}
	}
	s.st.employees[e.ID] = e
	return e, nil
}

func (s *Store) ListEmployees(_ context.Context) ([]payroll.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]payroll.Employee, 0, len(s.st.employees))
	for _, e := range s.st.employees {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) GetEmployee(_ context.Context, id int64) (payroll.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.employees[id]
	if !ok {
		return payroll.Employee{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *Store) FindPayment(_ context.Context, employeeID int64, date time.Time) (payroll.SalaryPayment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := payroll.DateOf(date)
	for _, p := range s.st.payments {
		if p.EmployeeID == employeeID && p.PaymentDate.Equal(day) {
			return p, true, nil
		}
	}
	return payroll.SalaryPayment{}, false, nil
}

func (s *Store) CreatePayment(_ context.Context, p payroll.SalaryPayment) (payroll.SalaryPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.PaymentDate = payroll.DateOf(p.PaymentDate)
	for _, existing := range s.st.payments {
		if existing.EmployeeID == p.EmployeeID && existing.PaymentDate.Equal(p.PaymentDate) {
			return payroll.SalaryPayment{}, payroll.ErrDuplicatePayment
		}
	}
	s.st.nextPay++
	p.ID = s.st.nextPay
	s.st.payments[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePayment(_ context.Context, p payroll.SalaryPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.payments[p.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.st.payments[p.ID] = p
	return nil
}

func (s *Store) ListPayments(_ context.Context, f payroll.PaymentFilter) ([]payroll.SalaryPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []payroll.SalaryPayment
	for _, p := range s.st.payments {
		if f.EmployeeID != nil && p.EmployeeID != *f.EmployeeID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.From != nil && p.PaymentDate.Before(payroll.DateOf(*f.From)) {
			continue
		}
		if f.To != nil && p.PaymentDate.After(payroll.DateOf(*f.To)) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PaymentDate.Equal(result[j].PaymentDate) {
			return result[i].PaymentDate.Before(result[j].PaymentDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// ALERT STORE (alerting.Store)
// =============================================================================

func (s *Store) CreateAlert(_ context.Context, a alerting.Alert) (alerting.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextAlert++
	a.ID = s.st.nextAlert
	s.st.alerts[a.ID] = a
	return a, nil
}

func (s *Store) GetAlert(_ context.Context, id int64) (alerting.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.alerts[id]
	if !ok {
		return alerting.Alert{}, ledger.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpdateAlert(_ context.Context, a alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.alerts[a.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.st.alerts[a.ID] = a
	return nil
}

func (s *Store) ListAlerts(_ context.Context, f alerting.Filter) ([]alerting.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []alerting.Alert
	for _, a := range s.st.alerts {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}
