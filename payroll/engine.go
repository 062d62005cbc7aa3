package payroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/notify"
)

// Ledger is the part of the ledger service the engine drives.
type Ledger interface {
	GetCurrentBalance(ctx context.Context) ledger.Balance
	HasSufficientFunds(ctx context.Context, amount ledger.Money) bool
	RecordSalaryPayment(ctx context.Context, amount ledger.Money, paymentID int64, employeeName, notes string) (ledger.Recorded, error)
	TransactionsByReference(ctx context.Context, ref ledger.Reference) ([]ledger.Transaction, error)
	DeleteTransaction(ctx context.Context, id ledger.TransactionID) error
}

// Alerter raises the alert for a salary the balance cannot cover.
type Alerter interface {
	SendLowBalanceAlert(ctx context.Context, required, current ledger.Money) (alerting.Alert, error)
}

// Engine runs the payroll state machine. Passes are serialized within the
// process; across processes the payment-per-day lookup keeps them
// idempotent.
type Engine struct {
	store    Store
	expenses ExpenseBook
	ledger   Ledger
	alerts   Alerter
	notifier notify.Notifier
	log      logrus.FieldLogger
	now      func() time.Time

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(log logrus.FieldLogger) Option { return func(e *Engine) { e.log = log } }

// WithNotifier enables the salary-paid message to employees.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func NewEngine(store Store, expenses ExpenseBook, l Ledger, alerts Alerter, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		expenses: expenses,
		ledger:   l,
		alerts:   alerts,
		notifier: notify.Discard,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("module", "payroll")
	return e
}

// =============================================================================
// SCHEDULED PASSES
// =============================================================================

// ProcessSalaryPayments creates today's payment for every employee whose pay
// day it is. An error is returned only when the employee list cannot be
// read; per-employee failures are logged and counted.
func (e *Engine) ProcessSalaryPayments(ctx context.Context) (RunSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum RunSummary
	employees, err := e.store.ListEmployees(ctx)
	if err != nil {
		return sum, fmt.Errorf("list employees: %w", err)
	}

	today := DateOf(e.now())
	log := e.log.WithFields(logrus.Fields{"operation": "process_salary_payments", "date": today.Format("2006-01-02")})

	for _, emp := range employees {
		if !emp.Active() || !IsPayDay(emp, today) {
			continue
		}
		sum.Considered++

		status, err := e.processEmployee(ctx, emp, today)
		if err != nil {
			log.WithFields(logrus.Fields{"employee_id": emp.ID, "employee": emp.FullName()}).
				WithError(err).Error("salary payment failed")
		}
		switch status {
		case StatusPaid:
			sum.Paid++
		case StatusPending:
			sum.Pending++
		case StatusFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}

	log.WithFields(logrus.Fields{
		"due":     sum.Considered,
		"paid":    sum.Paid,
		"pending": sum.Pending,
		"failed":  sum.Failed,
		"skipped": sum.Skipped,
	}).Info("salary payments processed")
	return sum, nil
}

// processEmployee returns the resulting status, or "" when a payment for
// today already exists.
func (e *Engine) processEmployee(ctx context.Context, emp Employee, today time.Time) (Status, error) {
	if _, found, err := e.store.FindPayment(ctx, emp.ID, today); err != nil {
		return StatusFailed, fmt.Errorf("look up payment: %w", err)
	} else if found {
		return "", nil
	}

	freq := *emp.Frequency
	period := PayPeriod(freq, today)
	amount := PaymentAmount(*emp.Salary, freq)

	payment := SalaryPayment{
		EmployeeID:  emp.ID,
		Amount:      amount,
		PaymentDate: today,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Frequency:   freq,
		Status:      StatusPending,
		CreatedAt:   e.now(),
	}

	if !e.ledger.HasSufficientFunds(ctx, amount) {
		current := e.ledger.GetCurrentBalance(ctx).CurrentBalance
		shortfall := &ledger.InsufficientFundsError{Required: amount, Available: current}
		payment.FailureReason = shortfall.Error()
		saved, err := e.store.CreatePayment(ctx, payment)
		if errors.Is(err, ErrDuplicatePayment) {
			return "", nil
		}
		if err != nil {
			return StatusFailed, fmt.Errorf("create pending payment: %w", err)
		}
		e.log.WithFields(logrus.Fields{
			"payment_id": saved.ID,
			"employee":   emp.FullName(),
			"required":   amount.StringFixed(2),
			"available":  current.StringFixed(2),
		}).Warn("insufficient funds, salary payment left pending")

		if _, err := e.alerts.SendLowBalanceAlert(ctx, amount, current); err != nil {
			e.log.WithError(err).Error("raising low balance alert failed")
		}
		return StatusPending, nil
	}

	saved, err := e.store.CreatePayment(ctx, payment)
	if errors.Is(err, ErrDuplicatePayment) {
		return "", nil
	}
	if err != nil {
		return StatusFailed, fmt.Errorf("create payment: %w", err)
	}
	notes := fmt.Sprintf("Automatic payment - period %s", period)
	if err := e.complete(ctx, &saved, emp, notes); err != nil {
		return StatusFailed, err
	}
	return StatusPaid, nil
}

// ProcessPendingPayments retries PENDING payments oldest first. Payments the
// balance still cannot cover are left untouched.
func (e *Engine) ProcessPendingPayments(ctx context.Context) (RunSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum RunSummary
	pending, err := e.store.ListPayments(ctx, PaymentFilter{Status: StatusPending})
	if err != nil {
		return sum, fmt.Errorf("list pending payments: %w", err)
	}
	log := e.log.WithField("operation", "process_pending_payments")

	for _, p := range pending {
		sum.Considered++
		if !e.ledger.HasSufficientFunds(ctx, p.Amount) && !e.salaryRecorded(ctx, p.ID) {
			sum.Pending++
			continue
		}

		emp, err := e.store.GetEmployee(ctx, p.EmployeeID)
		if err != nil {
			err = e.fail(ctx, &p, fmt.Errorf("load employee %d: %w", p.EmployeeID, err))
			log.WithField("payment_id", p.ID).WithError(err).Error("pending payment failed")
			sum.Failed++
			continue
		}

		notes := fmt.Sprintf("Automatic payment processed - period %s", p.Period())
		if err := e.complete(ctx, &p, emp, notes); err != nil {
			log.WithField("payment_id", p.ID).WithError(err).Error("pending payment failed")
			sum.Failed++
			continue
		}
		sum.Paid++
	}

	if sum.Considered > 0 {
		log.WithFields(logrus.Fields{
			"pending": sum.Considered,
			"paid":    sum.Paid,
			"waiting": sum.Pending,
			"failed":  sum.Failed,
		}).Info("pending payments processed")
	}
	return sum, nil
}

// complete records the ledger transaction and the expense for p and marks
// it PAID. Any failure marks it FAILED and is returned. A payment that
// already has a salary transaction is only marked PAID, so a retry after a
// lost status update never debits twice.
func (e *Engine) complete(ctx context.Context, p *SalaryPayment, emp Employee, notes string) error {
	recorded, err := e.ledger.TransactionsByReference(ctx, ledger.Ref(ledger.RefSalaryPayment, p.ID))
	if err != nil {
		return e.fail(ctx, p, fmt.Errorf("look up salary transaction: %w", err))
	}
	if len(recorded) > 0 {
		e.log.WithFields(logrus.Fields{
			"payment_id":     p.ID,
			"transaction_id": recorded[0].ID,
		}).Warn("salary already recorded, marking payment paid")
		return e.markPaid(ctx, p, emp)
	}

	rec, err := e.ledger.RecordSalaryPayment(ctx, p.Amount, p.ID, emp.FullName(), notes)
	if err != nil {
		return e.fail(ctx, p, fmt.Errorf("record salary payment: %w", err))
	}
	if !rec.Persisted {
		cause := rec.Cause
		if cause == nil {
			cause = errors.New("ledger write not persisted")
		}
		return e.fail(ctx, p, fmt.Errorf("record salary payment: %w", cause))
	}

	if _, err := e.expenses.CreateSalaryExpense(ctx, emp, p.Amount, p.PaymentDate); err != nil {
		cause := fmt.Errorf("create salary expense: %w", err)
		if derr := e.ledger.DeleteTransaction(ctx, rec.Transaction.ID); derr != nil {
			cause = errors.Join(cause, fmt.Errorf("revert salary transaction %d: %w", rec.Transaction.ID, derr))
		}
		return e.fail(ctx, p, cause)
	}

	return e.markPaid(ctx, p, emp)
}

// salaryRecorded reports whether the ledger already holds the disbursement
// of payment id. Lookup errors count as not recorded.
func (e *Engine) salaryRecorded(ctx context.Context, id int64) bool {
	txs, err := e.ledger.TransactionsByReference(ctx, ledger.Ref(ledger.RefSalaryPayment, id))
	return err == nil && len(txs) > 0
}

func (e *Engine) markPaid(ctx context.Context, p *SalaryPayment, emp Employee) error {
	processed := e.now()
	p.Status = StatusPaid
	p.ProcessedAt = &processed
	p.FailureReason = ""
	if err := e.store.UpdatePayment(ctx, *p); err != nil {
		p.ProcessedAt = nil
		return e.fail(ctx, p, fmt.Errorf("mark payment %d paid: %w", p.ID, err))
	}

	e.log.WithFields(logrus.Fields{
		"payment_id": p.ID,
		"employee":   emp.FullName(),
		"amount":     p.Amount.StringFixed(2),
	}).Info("salary paid")

	if emp.Email != "" {
		notify.Deliver(ctx, e.notifier, e.log, notify.Notification{
			Recipient: emp.Email,
			Subject:   "Salary paid",
			Template:  notify.TemplateSalaryPaid,
			Variables: map[string]any{
				"employeeName": emp.FullName(),
				"amount":       p.Amount.StringFixed(2),
				"periodStart":  p.PeriodStart.Format("2006-01-02"),
				"periodEnd":    p.PeriodEnd.Format("2006-01-02"),
				"paymentDate":  p.PaymentDate.Format("2006-01-02"),
			},
		})
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, p *SalaryPayment, cause error) error {
	p.Status = StatusFailed
	p.FailureReason = "payment processing error: " + cause.Error()
	if err := e.store.UpdatePayment(ctx, *p); err != nil {
		return errors.Join(cause, fmt.Errorf("mark payment %d failed: %w", p.ID, err))
	}
	return cause
}

// =============================================================================
// QUERIES
// =============================================================================

// PendingPayments returns PENDING payments, oldest first.
func (e *Engine) PendingPayments(ctx context.Context) ([]SalaryPayment, error) {
	return e.store.ListPayments(ctx, PaymentFilter{Status: StatusPending})
}

// CountPending implements alerting.PendingCounter.
func (e *Engine) CountPending(ctx context.Context) (int, error) {
	pending, err := e.PendingPayments(ctx)
	return len(pending), err
}

func (e *Engine) PaymentsByEmployee(ctx context.Context, employeeID int64) ([]SalaryPayment, error) {
	return e.store.ListPayments(ctx, PaymentFilter{EmployeeID: &employeeID})
}

// Payments returns payments whose PaymentDate falls within [from, to].
func (e *Engine) Payments(ctx context.Context, from, to time.Time) ([]SalaryPayment, error) {
	if to.Before(from) {
		return nil, &ledger.ValidationError{Field: "to", Message: "must not be before from"}
	}
	return e.store.ListPayments(ctx, PaymentFilter{From: &from, To: &to})
}
