/*
dto.go - Data Transfer Objects for the admin API

PURPOSE:
  JSON shapes of the admin surface. Domain types stay free of JSON tags;
  money travels as decimal strings so no precision is lost in clients.

NAMING CONVENTION:
  - *DTO:      response types returned to clients
  - *Request:  request bodies, validated with go-playground/validator tags

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/payroll"
	"github.com/warp/restaurant-ledger/scheduler"
)

const (
	dateFormat    = "2006-01-02"
	instantFormat = time.RFC3339
)

// =============================================================================
// REQUESTS
// =============================================================================

type InitializeBalanceRequest struct {
	InitialBalance      *decimal.Decimal `json:"initialBalance" validate:"required"`
	LowBalanceThreshold *decimal.Decimal `json:"lowBalanceThreshold"`
}

type UpdateThresholdRequest struct {
	Threshold *decimal.Decimal `json:"threshold" validate:"required"`
}

type AdjustBalanceRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
	Reason string           `json:"reason" validate:"max=255"`
	Notes  string           `json:"notes" validate:"max=1000"`
}

// SaleRequest completes a dine-in order or a delivery. Date defaults to
// today; Time is a wall clock "15:04".
type SaleRequest struct {
	Amount *decimal.Decimal `json:"totalPrice" validate:"required"`
	Date   string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time   string           `json:"time" validate:"omitempty,datetime=15:04"`
	Label  string           `json:"label" validate:"max=255"`
}

type ExpenseRequest struct {
	Description   string           `json:"description" validate:"required,max=255"`
	Category      string           `json:"category" validate:"required,max=100"`
	Amount        *decimal.Decimal `json:"amount" validate:"required"`
	Date          string           `json:"expenseDate" validate:"omitempty,datetime=2006-01-02"`
	PaymentMethod string           `json:"paymentMethod" validate:"max=100"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	ID                  int64           `json:"id"`
	CurrentBalance      decimal.Decimal `json:"currentBalance"`
	LowBalanceThreshold decimal.Decimal `json:"lowBalanceThreshold"`
	Difference          decimal.Decimal `json:"difference"`
	IsLow               bool            `json:"isLow"`
	LastUpdated         string          `json:"lastUpdated"`
	Transient           bool            `json:"transient,omitempty"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		ID:                  b.ID,
		CurrentBalance:      b.CurrentBalance,
		LowBalanceThreshold: b.LowBalanceThreshold,
		Difference:          b.CurrentBalance.Sub(b.LowBalanceThreshold),
		IsLow:               b.IsLow(),
		LastUpdated:         b.LastUpdated.Format(instantFormat),
		Transient:           b.Transient,
	}
}

type TransactionDTO struct {
	ID            int64           `json:"id"`
	Type          string          `json:"transactionType"`
	Direction     string          `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Description   string          `json:"description"`
	ReferenceType string          `json:"referenceType,omitempty"`
	ReferenceID   *int64          `json:"referenceId,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            int64(tx.ID),
		Type:          string(tx.Type),
		Direction:     string(tx.Direction),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		ReferenceType: string(tx.Reference.Kind),
		ReferenceID:   tx.Reference.ID,
		Notes:         tx.Notes,
		CreatedAt:     tx.CreatedAt.Format(instantFormat),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// RecordedDTO pairs a stored business record with the transaction it
// produced. Transaction is absent for payroll-category expenses; Warning is
// set when the transaction could not be persisted.
type RecordedDTO struct {
	RecordID    int64           `json:"recordId"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Persisted   bool            `json:"persisted"`
	Warning     string          `json:"warning,omitempty"`
}

func toRecordedDTO(id int64, rec *ledger.Recorded) RecordedDTO {
	dto := RecordedDTO{RecordID: id}
	if rec == nil {
		return dto
	}
	tx := toTransactionDTO(rec.Transaction)
	dto.Transaction = &tx
	dto.Persisted = rec.Persisted
	if rec.Cause != nil {
		dto.Warning = rec.Cause.Error()
	}
	return dto
}

type SalaryPaymentDTO struct {
	ID            int64           `json:"id"`
	EmployeeID    int64           `json:"employeeId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   string          `json:"paymentDate"`
	PeriodStart   string          `json:"periodStartDate"`
	PeriodEnd     string          `json:"periodEndDate"`
	Frequency     string          `json:"paymentFrequency"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"createdAt"`
	ProcessedAt   string          `json:"processedAt,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func toSalaryPaymentDTOs(payments []payroll.SalaryPayment) []SalaryPaymentDTO {
	dtos := make([]SalaryPaymentDTO, len(payments))
	for i, p := range payments {
		dto := SalaryPaymentDTO{
			ID:            p.ID,
			EmployeeID:    p.EmployeeID,
			Amount:        p.Amount,
			PaymentDate:   p.PaymentDate.Format(dateFormat),
			PeriodStart:   p.PeriodStart.Format(dateFormat),
			PeriodEnd:     p.PeriodEnd.Format(dateFormat),
			Frequency:     string(p.Frequency),
			Status:        string(p.Status),
			CreatedAt:     p.CreatedAt.Format(instantFormat),
			FailureReason: p.FailureReason,
		}
		if p.ProcessedAt != nil {
			dto.ProcessedAt = p.ProcessedAt.Format(instantFormat)
		}
		dtos[i] = dto
	}
	return dtos
}

type AlertDTO struct {
	ID         int64  `json:"id"`
	Type       string `json:"alertType"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	CreatedAt  string `json:"createdAt"`
	ResolvedAt string `json:"resolvedAt,omitempty"`
}

func toAlertDTO(a alerting.Alert) AlertDTO {
	dto := AlertDTO{
		ID:        a.ID,
		Type:      string(a.Type),
		Status:    string(a.Status),
		Message:   a.Message,
		Severity:  string(a.Severity),
		CreatedAt: a.CreatedAt.Format(instantFormat),
	}
	if a.ResolvedAt != nil {
		dto.ResolvedAt = a.ResolvedAt.Format(instantFormat)
	}
	return dto
}

func toAlertDTOs(alerts []alerting.Alert) []AlertDTO {
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = toAlertDTO(a)
	}
	return dtos
}

// RunSummaryDTO reports one payroll pass.
type RunSummaryDTO struct {
	Considered int `json:"considered"`
	Paid       int `json:"paid"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func toRunSummaryDTO(s payroll.RunSummary) RunSummaryDTO {
	return RunSummaryDTO(s)
}

type MigrationDTO struct {
	OrdersMigrated         int             `json:"ordersMigrated"`
	DeliveriesMigrated     int             `json:"deliveriesMigrated"`
	ExpensesMigrated       int             `json:"expensesMigrated"`
	TotalOrdersRevenue     decimal.Decimal `json:"totalOrdersRevenue"`
	TotalDeliveriesRevenue decimal.Decimal `json:"totalDeliveriesRevenue"`
	TotalRevenue           decimal.Decimal `json:"totalRevenue"`
	TotalExpenses          decimal.Decimal `json:"totalExpenses"`
	NetBalance             decimal.Decimal `json:"netBalance"`
	CurrentBalance         decimal.Decimal `json:"currentBalance"`
}

type SchedulerRunDTO struct {
	ID       string        `json:"id"`
	Slot     string        `json:"slot"`
	Started  string        `json:"started"`
	Finished string        `json:"finished"`
	Salary   RunSummaryDTO `json:"salary"`
	Pending  RunSummaryDTO `json:"pending"`
	Alerts   int           `json:"alertsCreated"`
	Errors   []string      `json:"errors,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

func toSchedulerRunDTO(r scheduler.RunReport) SchedulerRunDTO {
	dto := SchedulerRunDTO{
		ID:       r.ID,
		Slot:     string(r.Slot),
		Started:  r.Started.Format(instantFormat),
		Finished: r.Finished.Format(instantFormat),
		Salary:   toRunSummaryDTO(r.Salary),
		Pending:  toRunSummaryDTO(r.Pending),
		Alerts:   r.Alerts,
		Skipped:  r.Skipped,
	}
	for _, err := range r.Errors {
		dto.Errors = append(dto.Errors, err.Error())
	}
	return dto
}

type SchedulerStatusDTO struct {
	Enabled  bool   `json:"enabled"`
	NextRun  string `json:"nextRun"`
	NextSlot string `json:"nextSlot"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
