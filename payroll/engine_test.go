package payroll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/notify"
	"github.com/warp/restaurant-ledger/payroll"
	"github.com/warp/restaurant-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) ledger.Money { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type captured struct {
	sent []notify.Notification
}

func (c *captured) Send(_ context.Context, n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Service
	alerts   *alerting.Service
	engine   *payroll.Engine
	clock    *clock
	notifier *captured
}

func newFixture(t *testing.T, now time.Time, opts ...func(*fixture) payroll.Ledger) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{store: memory.New(), clock: &clock{t: now}, notifier: &captured{}}
	f.ledger = ledger.NewService(f.store, ledger.WithLogger(logger), ledger.WithClock(f.clock.Now))
	f.alerts = alerting.NewService(f.store, f.ledger, alerting.WithLogger(logger), alerting.WithClock(f.clock.Now))

	var l payroll.Ledger = f.ledger
	for _, opt := range opts {
		l = opt(f)
	}
	f.engine = payroll.NewEngine(f.store, f.store, l, f.alerts,
		payroll.WithLogger(logger),
		payroll.WithClock(f.clock.Now),
		payroll.WithNotifier(f.notifier),
	)
	return f
}

func (f *fixture) employee(t *testing.T, name, salary string, freq payroll.Frequency, payDay int) payroll.Employee {
	t.Helper()
	s := money(salary)
	emp, err := f.store.SaveEmployee(context.Background(), payroll.Employee{
		Name:       name,
		LastName:   "Test",
		Email:      name + "@example.com",
		Salary:     &s,
		Frequency:  &freq,
		PaymentDay: &payDay,
	})
	require.NoError(t, err)
	return emp
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := f.ledger.AdjustBalance(context.Background(), money(amount), "funding", "")
	require.NoError(t, err)
}

func (f *fixture) payments(t *testing.T) []payroll.SalaryPayment {
	t.Helper()
	ps, err := f.store.ListPayments(context.Background(), payroll.PaymentFilter{})
	require.NoError(t, err)
	return ps
}

func march(d int) time.Time { return time.Date(2025, time.March, d, 10, 0, 0, 0, time.UTC) }

// =============================================================================
// PROCESS SALARY PAYMENTS
// =============================================================================

// Scenario: a biweekly employee earning 2,000,000 is due on the 15th while
// the balance is empty. The payment waits as PENDING with a LOW_BALANCE
// alert, then is paid once funds arrive.
func TestScenario_PendingThenPaid(t *testing.T) {
	f := newFixture(t, march(15))
	ctx := context.Background()
	emp := f.employee(t, "ana", "2000000", payroll.Biweekly, 15)

	sum, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pending)

	ps := f.payments(t)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, emp.ID, p.EmployeeID)
	assert.Equal(t, payroll.StatusPending, p.Status)
	assert.Equal(t, "1000000.00", p.Amount.StringFixed(2))
	assert.Contains(t, p.FailureReason, "insufficient funds")
	assert.Equal(t, time.Date(2025, time.February, 16, 0, 0, 0, 0, time.UTC), p.PeriodStart)
	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), p.PeriodEnd)
	assert.Nil(t, p.ProcessedAt)

	lowAlerts, err := f.store.ListAlerts(ctx, alerting.Filter{Type: alerting.TypeLowBalance})
	require.NoError(t, err)
	require.Len(t, lowAlerts, 1)
	assert.Equal(t, alerting.SeverityHigh, lowAlerts[0].Severity)

	// WHEN: funds arrive
	f.fund(t, "2000000")
	f.clock.t = march(15).Add(30 * time.Minute)

	sum, err = f.engine.ProcessPendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)

	p = f.payments(t)[0]
	assert.Equal(t, payroll.StatusPaid, p.Status)
	assert.Empty(t, p.FailureReason)
	require.NotNil(t, p.ProcessedAt)
	assert.Equal(t, march(15).Add(30*time.Minute), *p.ProcessedAt)
	assert.Equal(t, "1000000.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))

	txs, err := f.ledger.TransactionsByReference(ctx, ledger.Ref(ledger.RefSalaryPayment, p.ID))
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	expenses, err := f.store.Expenses(ctx)
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	assert.True(t, expenses[0].IsPayroll())

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "ana@example.com", f.notifier.sent[0].Recipient)
	assert.Equal(t, notify.TemplateSalaryPaid, f.notifier.sent[0].Template)
}

func TestProcessSalaryPayments_PaidImmediately(t *testing.T) {
	f := newFixture(t, march(5))
	ctx := context.Background()
	f.fund(t, "3000")
	f.employee(t, "luis", "1200", payroll.Monthly, 5)

	sum, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)

	p := f.payments(t)[0]
	assert.Equal(t, payroll.StatusPaid, p.Status)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), p.PeriodStart)
	assert.Equal(t, "1800.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))

	alerts, err := f.alerts.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestProcessSalaryPayments_Idempotent(t *testing.T) {
	f := newFixture(t, march(5))
	ctx := context.Background()
	f.fund(t, "3000")
	f.employee(t, "luis", "1200", payroll.Monthly, 5)

	_, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	f.clock.t = march(5).Add(time.Hour)
	sum, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Len(t, f.payments(t), 1)
	assert.Equal(t, "1800.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))
}

func TestProcessSalaryPayments_NotDue(t *testing.T) {
	f := newFixture(t, march(14))
	f.fund(t, "3000")
	f.employee(t, "luis", "1200", payroll.Monthly, 15)

	sum, err := f.engine.ProcessSalaryPayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Considered)
	assert.Empty(t, f.payments(t))
}

func TestProcessSalaryPayments_SkipsInactiveEmployees(t *testing.T) {
	f := newFixture(t, march(15))
	f.fund(t, "3000")
	_, err := f.store.SaveEmployee(context.Background(), payroll.Employee{Name: "no-payroll"})
	require.NoError(t, err)

	sum, err := f.engine.ProcessSalaryPayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Considered)
}

func TestProcessSalaryPayments_Day31InFebruary(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC))
	f.fund(t, "5000")
	f.employee(t, "eva", "1000", payroll.Monthly, 31)

	sum, err := f.engine.ProcessSalaryPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)

	p := f.payments(t)[0]
	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), p.PaymentDate)
	assert.Equal(t, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), p.PeriodEnd)
}

type selectiveExpenses struct {
	*memory.Store
	failFor int64
}

func (s selectiveExpenses) CreateSalaryExpense(ctx context.Context, e payroll.Employee, amount ledger.Money, date time.Time) (int64, error) {
	if e.ID == s.failFor {
		return 0, errors.New("expense table locked")
	}
	return s.Store.CreateSalaryExpense(ctx, e, amount, date)
}

func TestProcessSalaryPayments_IsolatesEmployeeFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	st := memory.New()
	clk := &clock{t: march(10)}
	l := ledger.NewService(st, ledger.WithLogger(logger), ledger.WithClock(clk.Now))
	a := alerting.NewService(st, l, alerting.WithLogger(logger))
	_, err := l.AdjustBalance(context.Background(), money("10000"), "funding", "")
	require.NoError(t, err)

	f := &fixture{store: st}
	broken := f.employee(t, "broken", "1000", payroll.Monthly, 10)
	f.employee(t, "fine", "1000", payroll.Monthly, 10)

	engine := payroll.NewEngine(st, selectiveExpenses{Store: st, failFor: broken.ID}, l, a,
		payroll.WithLogger(logger), payroll.WithClock(clk.Now))

	sum, err := engine.ProcessSalaryPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)
	assert.Equal(t, 1, sum.Failed)

	for _, p := range f.payments(t) {
		if p.EmployeeID == broken.ID {
			assert.Equal(t, payroll.StatusFailed, p.Status)
			assert.Contains(t, p.FailureReason, "expense table locked")
			// the debit was reverted with the failed expense
			txs, err := l.TransactionsByReference(context.Background(), ledger.Ref(ledger.RefSalaryPayment, p.ID))
			require.NoError(t, err)
			assert.Empty(t, txs)
		} else {
			assert.Equal(t, payroll.StatusPaid, p.Status)
		}
	}
	assert.Equal(t, "9000.00", l.GetCurrentBalance(context.Background()).CurrentBalance.StringFixed(2))
	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Message == "salary payment failed" && e.Data["employee_id"] == broken.ID {
			logged = true
		}
	}
	assert.True(t, logged)
}

// unpersistedLedger simulates a ledger running in degraded mode.
type unpersistedLedger struct {
	*ledger.Service
}

func (u unpersistedLedger) RecordSalaryPayment(_ context.Context, amount ledger.Money, _ int64, _, _ string) (ledger.Recorded, error) {
	return ledger.Recorded{Transaction: ledger.Transaction{Amount: amount}, Persisted: false, Cause: errors.New("db offline")}, nil
}

func TestProcessSalaryPayments_UnpersistedLedgerWriteFails(t *testing.T) {
	f := newFixture(t, march(5), func(f *fixture) payroll.Ledger { return unpersistedLedger{f.ledger} })
	f.fund(t, "3000")
	f.employee(t, "luis", "1200", payroll.Monthly, 5)

	sum, err := f.engine.ProcessSalaryPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	p := f.payments(t)[0]
	assert.Equal(t, payroll.StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "db offline")
	assert.Empty(t, f.notifier.sent)
}

// failingUpdates makes the next n UpdatePayment calls fail.
type failingUpdates struct {
	*memory.Store
	n int
}

func (s *failingUpdates) UpdatePayment(ctx context.Context, p payroll.SalaryPayment) error {
	if s.n > 0 {
		s.n--
		return errors.New("payments table locked")
	}
	return s.Store.UpdatePayment(ctx, p)
}

type lostUpdateFixture struct {
	store  *failingUpdates
	ledger *ledger.Service
	engine *payroll.Engine
	emp    payroll.Employee
}

// newLostUpdateFixture funds 5000 and adds a monthly employee earning 1000,
// due on March 15.
func newLostUpdateFixture(t *testing.T, failures int) *lostUpdateFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st := memory.New()
	clk := &clock{t: march(15)}
	l := ledger.NewService(st, ledger.WithLogger(logger), ledger.WithClock(clk.Now))
	a := alerting.NewService(st, l, alerting.WithLogger(logger))
	_, err := l.AdjustBalance(context.Background(), money("5000"), "funding", "")
	require.NoError(t, err)

	f := &fixture{store: st}
	emp := f.employee(t, "ana", "1000", payroll.Monthly, 15)

	flaky := &failingUpdates{Store: st, n: failures}
	engine := payroll.NewEngine(flaky, st, l, a, payroll.WithLogger(logger), payroll.WithClock(clk.Now))
	return &lostUpdateFixture{store: flaky, ledger: l, engine: engine, emp: emp}
}

func (f *lostUpdateFixture) payment(t *testing.T) payroll.SalaryPayment {
	t.Helper()
	ps, err := f.store.ListPayments(context.Background(), payroll.PaymentFilter{EmployeeID: &f.emp.ID})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	return ps[0]
}

func (f *lostUpdateFixture) salaryDebits(t *testing.T, paymentID int64) int {
	t.Helper()
	txs, err := f.ledger.TransactionsByReference(context.Background(), ledger.Ref(ledger.RefSalaryPayment, paymentID))
	require.NoError(t, err)
	return len(txs)
}

func TestProcessSalaryPayments_PaidUpdateFailureMarksFailed(t *testing.T) {
	f := newLostUpdateFixture(t, 1)
	ctx := context.Background()

	sum, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	p := f.payment(t)
	assert.Equal(t, payroll.StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "payments table locked")

	// THEN: nothing is retried and the salary was debited once
	again, err := f.engine.ProcessPendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Considered)
	assert.Equal(t, 1, f.salaryDebits(t, p.ID))
	assert.Equal(t, "4000.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))
}

func TestProcessPendingPayments_AlreadyDebitedIsNotDebitedAgain(t *testing.T) {
	// GIVEN: both the PAID and the FAILED update are lost, the row stays PENDING
	f := newLostUpdateFixture(t, 2)
	ctx := context.Background()

	_, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	p := f.payment(t)
	require.Equal(t, payroll.StatusPending, p.Status)
	require.Equal(t, 1, f.salaryDebits(t, p.ID))

	// WHEN: the store recovers
	sum, err := f.engine.ProcessPendingPayments(ctx)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, sum.Paid)
	assert.Equal(t, payroll.StatusPaid, f.payment(t).Status)
	assert.Equal(t, 1, f.salaryDebits(t, p.ID))
	assert.Equal(t, "4000.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))
}

// =============================================================================
// PROCESS PENDING PAYMENTS
// =============================================================================

func TestProcessPendingPayments_OldestFirst(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.January, 20, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	emp := f.employee(t, "ana", "100", payroll.Monthly, 1)

	later, err := f.store.CreatePayment(ctx, payroll.SalaryPayment{
		EmployeeID: emp.ID, Amount: money("100"), Status: payroll.StatusPending,
		PaymentDate: time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), Frequency: payroll.Monthly,
	})
	require.NoError(t, err)
	earlier, err := f.store.CreatePayment(ctx, payroll.SalaryPayment{
		EmployeeID: emp.ID, Amount: money("100"), Status: payroll.StatusPending,
		PaymentDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), Frequency: payroll.Monthly,
	})
	require.NoError(t, err)

	f.fund(t, "150")

	sum, err := f.engine.ProcessPendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)
	assert.Equal(t, 1, sum.Pending)

	pending, err := f.engine.PendingPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)

	byEmployee, err := f.engine.PaymentsByEmployee(ctx, emp.ID)
	require.NoError(t, err)
	for _, p := range byEmployee {
		if p.ID == earlier.ID {
			assert.Equal(t, payroll.StatusPaid, p.Status)
		}
	}
	assert.Equal(t, "50.00", f.ledger.GetCurrentBalance(ctx).CurrentBalance.StringFixed(2))
}

func TestProcessPendingPayments_StillShortLeavesUntouched(t *testing.T) {
	f := newFixture(t, march(15))
	ctx := context.Background()
	f.employee(t, "ana", "2000000", payroll.Biweekly, 15)
	_, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)
	before := f.payments(t)[0]

	sum, err := f.engine.ProcessPendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, before, f.payments(t)[0])

	count, err := f.engine.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPayments_Range(t *testing.T) {
	f := newFixture(t, march(5))
	ctx := context.Background()
	f.fund(t, "3000")
	f.employee(t, "luis", "1200", payroll.Monthly, 5)
	_, err := f.engine.ProcessSalaryPayments(ctx)
	require.NoError(t, err)

	in, err := f.engine.Payments(ctx, march(1), march(31))
	require.NoError(t, err)
	assert.Len(t, in, 1)

	out, err := f.engine.Payments(ctx, march(6), march(31))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = f.engine.Payments(ctx, march(31), march(1))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
