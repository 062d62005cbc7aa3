package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/payroll"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

// SaveEmployee inserts an employee when ID is zero, updates it otherwise.
func (s *Store) SaveEmployee(ctx context.Context, e payroll.Employee) (payroll.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var salary, freq sql.NullString
	var day sql.NullInt64
	if e.Salary != nil {
		salary = sql.NullString{String: e.Salary.String(), Valid: true}
	}
	if e.Frequency != nil {
		freq = sql.NullString{String: string(*e.Frequency), Valid: true}
	}
	if e.PaymentDay != nil {
		day = sql.NullInt64{Int64: int64(*e.PaymentDay), Valid: true}
	}

	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO employees (name, last_name, email, salary, payment_frequency, payment_day, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.Name, nullString(e.LastName), nullString(e.Email), salary, freq, day, formatInstant(s.now()))
		if err != nil {
			return payroll.Employee{}, fmt.Errorf("failed to insert employee: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return payroll.Employee{}, err
		}
		e.ID = id
		return e, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE employees
		SET name = ?, last_name = ?, email = ?, salary = ?, payment_frequency = ?, payment_day = ?
		WHERE id = ?
	`, e.Name, nullString(e.LastName), nullString(e.Email), salary, freq, day, e.ID)
	if err != nil {
		return payroll.Employee{}, fmt.Errorf("failed to update employee %d: %w", e.ID, err)
	}
	return e, expectOneRow(res)
}

const employeeColumns = "id, name, last_name, email, salary, payment_frequency, payment_day"

func (s *Store) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+employeeColumns+" FROM employees ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []payroll.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

func (s *Store) GetEmployee(ctx context.Context, id int64) (payroll.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE id = ?", id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Employee{}, ledger.ErrNotFound
	}
	return e, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row scanner) (payroll.Employee, error) {
	var (
		e        payroll.Employee
		lastName sql.NullString
		email    sql.NullString
		salary   sql.NullString
		freq     sql.NullString
		day      sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Name, &lastName, &email, &salary, &freq, &day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan employee: %w", err)
	}
	e.LastName = lastName.String
	e.Email = email.String
	if salary.Valid {
		amount, err := decimal.NewFromString(salary.String)
		if err != nil {
			return e, fmt.Errorf("employee %d salary: %w", e.ID, err)
		}
		e.Salary = &amount
	}
	if freq.Valid {
		f := payroll.Frequency(freq.String)
		e.Frequency = &f
	}
	if day.Valid {
		d := int(day.Int64)
		e.PaymentDay = &d
	}
	return e, nil
}

// =============================================================================
// SALARY PAYMENTS (payroll.Store)
// =============================================================================

const paymentColumns = `
	id, employee_id, amount, payment_date, period_start_date, period_end_date,
	payment_frequency, status, created_at, processed_at, failure_reason`

func (s *Store) FindPayment(ctx context.Context, employeeID int64, date time.Time) (payroll.SalaryPayment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments, err := s.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM salary_payments WHERE employee_id = ? AND payment_date = ?",
		employeeID, formatDate(payroll.DateOf(date)))
	if err != nil || len(payments) == 0 {
		return payroll.SalaryPayment{}, false, err
	}
	return payments[0], true, nil
}

func (s *Store) CreatePayment(ctx context.Context, p payroll.SalaryPayment) (payroll.SalaryPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.PaymentDate = payroll.DateOf(p.PaymentDate)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO salary_payments
		(employee_id, amount, payment_date, period_start_date, period_end_date,
		 payment_frequency, status, created_at, processed_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.EmployeeID,
		p.Amount.String(),
		formatDate(p.PaymentDate),
		formatDate(p.PeriodStart),
		formatDate(p.PeriodEnd),
		p.Frequency,
		p.Status,
		formatInstant(p.CreatedAt),
		nullInstant(p.ProcessedAt),
		nullString(p.FailureReason),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return payroll.SalaryPayment{}, payroll.ErrDuplicatePayment
		}
		return payroll.SalaryPayment{}, fmt.Errorf("failed to insert salary payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return payroll.SalaryPayment{}, err
	}
	p.ID = id
	return p, nil
}

// UpdatePayment rewrites the mutable part of a payment: status, processed
// time and failure reason.
func (s *Store) UpdatePayment(ctx context.Context, p payroll.SalaryPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE salary_payments
		SET status = ?, processed_at = ?, failure_reason = ?
		WHERE id = ?
	`, p.Status, nullInstant(p.ProcessedAt), nullString(p.FailureReason), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update salary payment %d: %w", p.ID, err)
	}
	return expectOneRow(res)
}

func (s *Store) ListPayments(ctx context.Context, f payroll.PaymentFilter) ([]payroll.SalaryPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	if f.EmployeeID != nil {
		conds = append(conds, "employee_id = ?")
		args = append(args, *f.EmployeeID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		conds = append(conds, "payment_date >= ?")
		args = append(args, formatDate(payroll.DateOf(*f.From)))
	}
	if f.To != nil {
		conds = append(conds, "payment_date <= ?")
		args = append(args, formatDate(payroll.DateOf(*f.To)))
	}

	return s.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM salary_payments"+where(conds)+" ORDER BY payment_date, id",
		args...)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]payroll.SalaryPayment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query salary payments: %w", err)
	}
	defer rows.Close()

	var payments []payroll.SalaryPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (payroll.SalaryPayment, error) {
	var (
		p           payroll.SalaryPayment
		amount      string
		paymentDate string
		periodStart string
		periodEnd   string
		createdAt   string
		processedAt sql.NullString
		reason      sql.NullString
	)
	err := rows.Scan(&p.ID, &p.EmployeeID, &amount, &paymentDate, &periodStart, &periodEnd,
		&p.Frequency, &p.Status, &createdAt, &processedAt, &reason)
	if err != nil {
		return p, fmt.Errorf("failed to scan salary payment: %w", err)
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("salary payment %d amount: %w", p.ID, err)
	}
	if p.PaymentDate, err = parseDate(paymentDate); err != nil {
		return p, err
	}
	if p.PeriodStart, err = parseDate(periodStart); err != nil {
		return p, err
	}
	if p.PeriodEnd, err = parseDate(periodEnd); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseInstant(createdAt); err != nil {
		return p, err
	}
	if processedAt.Valid {
		t, err := parseInstant(processedAt.String)
		if err != nil {
			return p, err
		}
		p.ProcessedAt = &t
	}
	p.FailureReason = reason.String
	return p, nil
}

func nullInstant(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatInstant(*t), Valid: true}
}

// =============================================================================
// PAYROLL EXPENSES (payroll.ExpenseBook)
// =============================================================================

// CreateSalaryExpense records the business expense mirroring a disbursement.
func (s *Store) CreateSalaryExpense(ctx context.Context, e payroll.Employee, amount ledger.Money, date time.Time) (int64, error) {
	rec, err := s.CreateExpense(ctx, ledger.ExpenseRecord{
		Category:      ledger.PayrollCategory,
		Description:   "Salary payment - " + e.FullName(),
		Amount:        amount,
		Date:          date,
		PaymentMethod: "Bank transfer",
	})
	return rec.ID, err
}
