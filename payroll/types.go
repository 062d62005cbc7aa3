/*
Package payroll disburses employee salaries out of the business balance.

PURPOSE:
  Once per pay day each payroll-active employee gets one SalaryPayment row.
  When the balance covers it the payment is recorded in the ledger and
  marked PAID; otherwise it stays PENDING and is retried on every scheduler
  pass until funds arrive.

STATE MACHINE (per employee, per pay day):

  not due --(today == adjusted pay day, no row for today)--> attempt
  attempt --funds ok--> PAID
  attempt --short-----> PENDING --(later pass, funds ok)--> PAID
  PENDING/attempt --unexpected error while recording--> FAILED

  Insufficient funds is not a failure. FAILED is reserved for errors.

SEE ALSO:
  - period.go: pay day and pay period calculation
  - engine.go: ProcessSalaryPayments / ProcessPendingPayments
*/
package payroll

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/warp/restaurant-ledger/ledger"
)

// ErrDuplicatePayment is returned by CreatePayment when the employee already
// has a payment for that day.
var ErrDuplicatePayment = errors.New("salary payment already exists for this day")

// Frequency is how often an employee is paid.
type Frequency string

const (
	Monthly  Frequency = "MONTHLY"
	Biweekly Frequency = "BIWEEKLY"
)

func (f Frequency) Valid() bool { return f == Monthly || f == Biweekly }

// Status is the state of a salary payment.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// Employee holds the payroll-relevant part of an employee record.
// A nil Salary, Frequency or PaymentDay means payroll is not configured.
type Employee struct {
	ID         int64
	Name       string
	LastName   string
	Email      string
	Salary     *ledger.Money
	Frequency  *Frequency
	PaymentDay *int
}

func (e Employee) FullName() string {
	return strings.TrimSpace(e.Name + " " + e.LastName)
}

// Active reports whether the employee takes part in payroll.
func (e Employee) Active() bool {
	if e.Salary == nil || e.Frequency == nil || e.PaymentDay == nil {
		return false
	}
	return e.Frequency.Valid() && *e.PaymentDay >= 1 && *e.PaymentDay <= 31
}

// SalaryPayment is one disbursement attempt. PaymentDate is a calendar date.
type SalaryPayment struct {
	ID            int64
	EmployeeID    int64
	Amount        ledger.Money
	PaymentDate   time.Time
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Frequency     Frequency
	Status        Status
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	FailureReason string
}

func (p SalaryPayment) Period() Period {
	return Period{Start: p.PeriodStart, End: p.PeriodEnd}
}

// PaymentFilter narrows ListPayments. Zero fields are ignored.
type PaymentFilter struct {
	EmployeeID *int64
	Status     Status
	From       *time.Time
	To         *time.Time
}

// Store persists employees and salary payments.
type Store interface {
	ListEmployees(ctx context.Context) ([]Employee, error)

	// GetEmployee returns ledger.ErrNotFound when absent.
	GetEmployee(ctx context.Context, id int64) (Employee, error)

	// FindPayment looks up the payment of an employee for one calendar day.
	FindPayment(ctx context.Context, employeeID int64, date time.Time) (SalaryPayment, bool, error)

	// CreatePayment returns ErrDuplicatePayment when (EmployeeID, PaymentDate)
	// is taken.
	CreatePayment(ctx context.Context, p SalaryPayment) (SalaryPayment, error)
	UpdatePayment(ctx context.Context, p SalaryPayment) error

	// ListPayments returns payments ordered by PaymentDate then ID, oldest first.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]SalaryPayment, error)
}

// ExpenseBook creates the business expense row that mirrors a disbursement.
type ExpenseBook interface {
	CreateSalaryExpense(ctx context.Context, e Employee, amount ledger.Money, date time.Time) (int64, error)
}

// RunSummary counts what one processing pass did.
type RunSummary struct {
	Considered int
	Paid       int
	Pending    int
	Failed     int
	Skipped    int
}
