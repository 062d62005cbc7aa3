/*
handlers_test.go - Tests for the admin API

Tests for:
- Balance initialization, threshold, adjustment and validation errors
- Transaction listing filters and deletion
- Payroll triggers and salary payment queries
- Alert listing and resolution
- Order, delivery and expense intake
- Error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/payroll"
	"github.com/warp/restaurant-ledger/scheduler"
	"github.com/warp/restaurant-ledger/store/memory"
)

type fixture struct {
	router *chi.Mux
	store  *memory.Store
	ledger *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st := memory.New()
	base := time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	l := ledger.NewService(st, ledger.WithLogger(logger), ledger.WithClock(clock), ledger.WithHistory(st), ledger.WithRecords(st))
	var engine *payroll.Engine
	alerts := alerting.NewService(st, l,
		alerting.WithLogger(logger),
		alerting.WithClock(clock),
		alerting.WithPendingCounter(alerting.PendingCounterFunc(func(ctx context.Context) (int, error) {
			return engine.CountPending(ctx)
		})),
	)
	engine = payroll.NewEngine(st, st, l, alerts, payroll.WithLogger(logger), payroll.WithClock(clock))
	sched := scheduler.New(engine, alerts, scheduler.WithLogger(logger), scheduler.WithClock(clock))

	h := NewHandler(l, engine, alerts, sched, logger)
	return &fixture{router: NewRouter(h, []string{"http://localhost:5173"}, nil), store: st, ledger: l}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// BALANCE
// =============================================================================

func TestInitializeBalance(t *testing.T) {
	f := newFixture(t)

	// WHEN: the balance is initialized with opening capital
	rec := f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{
		"initialBalance":      "5000",
		"lowBalanceThreshold": 1000,
	})

	// THEN: it is created and reported
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "5000.00", b.CurrentBalance.StringFixed(2))
	assert.Equal(t, "4000.00", b.Difference.StringFixed(2))
	assert.False(t, b.IsLow)

	// AND: a second initialization conflicts
	rec = f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInitializeBalance_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Equal(t, map[string]any{"InitialBalance": "required"}, resp.Details)

	rec = f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "-10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "negative opening balance")

	req := httptest.NewRequest(http.MethodPost, "/api/admin/balance/initialize", bytes.NewBufferString("{"))
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code, "malformed json")
}

func TestGetBalance_CreatedLazily(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/admin/balance", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBody[BalanceDTO](t, rec)
	assert.True(t, b.CurrentBalance.IsZero())
	assert.True(t, b.IsLow, "zero is below the default threshold")
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestUpdateThreshold(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/admin/balance/threshold", map[string]any{"threshold": "250.75"})

	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "250.75", b.LowBalanceThreshold.StringFixed(2))
}

func TestAdjustBalance_Negative(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "1000", "lowBalanceThreshold": "0"})

	rec := f.do(t, http.MethodPost, "/api/admin/balance/adjust", map[string]any{"amount": "-150", "reason": "cash count"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "ADJUSTMENT", tx.Type)
	assert.Equal(t, string(ledger.Debit), tx.Direction)
	assert.Equal(t, "150.00", tx.Amount.StringFixed(2))
	assert.Equal(t, "850.00", tx.BalanceAfter.StringFixed(2))

	// recalculation keeps the negative adjustment
	rec = f.do(t, http.MethodPost, "/api/admin/balance/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "850.00", decodeBody[BalanceDTO](t, rec).CurrentBalance.StringFixed(2))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTransactions_FiltersAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "100", "lowBalanceThreshold": "0"})
	in, err := f.ledger.RecordIncome(ctx, ledger.Entry{Amount: decimal.NewFromInt(40), Reference: ledger.Ref(ledger.RefOrder, 12)})
	require.NoError(t, err)
	_, err = f.ledger.RecordExpense(ctx, ledger.Entry{Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)

	all := decodeBody[[]TransactionDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/transactions", nil))
	require.Len(t, all, 3)
	assert.Equal(t, "EXPENSE", all[0].Type, "newest first")

	incomes := decodeBody[[]TransactionDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/transactions?type=INCOME", nil))
	require.Len(t, incomes, 1)

	byRef := decodeBody[[]TransactionDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/transactions?referenceType=ORDER&referenceId=12", nil))
	require.Len(t, byRef, 1)
	assert.Equal(t, int64(12), *byRef[0].ReferenceID)

	inRange := decodeBody[[]TransactionDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/transactions?from=2025-03-15&to=2025-03-15", nil))
	assert.Len(t, inRange, 3)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/admin/balance/transactions?type=GIFT", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/admin/balance/transactions?from=2025-03-15", nil).Code)

	// WHEN: the income is deleted
	rec := f.do(t, http.MethodDelete, "/api/admin/balance/transactions/"+jsonID(int64(in.Transaction.ID)), nil)

	// THEN: the balance is replayed without it
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "70.00", decodeBody[BalanceDTO](t, rec).CurrentBalance.StringFixed(2))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/admin/balance/transactions/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/admin/balance/transactions/abc", nil).Code)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// =============================================================================
// PAYROLL
// =============================================================================

func TestPayrollEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	freq := payroll.Monthly
	salary := decimal.NewFromInt(3000)
	day := 15
	emp, err := f.store.SaveEmployee(ctx, payroll.Employee{Name: "Ana", Salary: &salary, Frequency: &freq, PaymentDay: &day})
	require.NoError(t, err)
	f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "1000", "lowBalanceThreshold": "0"})

	// GIVEN: today is the pay day but funds are short
	rec := f.do(t, http.MethodPost, "/api/admin/balance/process-salary-payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[RunSummaryDTO](t, rec).Pending)

	pending := decodeBody[[]SalaryPaymentDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/pending-payments", nil))
	require.Len(t, pending, 1)
	assert.Equal(t, "PENDING", pending[0].Status)
	assert.Equal(t, "2025-02-01", pending[0].PeriodStart)
	assert.Contains(t, pending[0].FailureReason, "shortfall 2000.00")

	// WHEN: income arrives and the pending pass runs
	_, err = f.ledger.RecordIncome(ctx, ledger.Entry{Amount: decimal.NewFromInt(2500)})
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/admin/balance/process-pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[RunSummaryDTO](t, rec).Paid)

	// THEN: the payment is PAID
	byEmployee := decodeBody[[]SalaryPaymentDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/salary-payments?employeeId="+jsonID(emp.ID), nil))
	require.Len(t, byEmployee, 1)
	assert.Equal(t, "PAID", byEmployee[0].Status)
	assert.NotEmpty(t, byEmployee[0].ProcessedAt)

	inRange := decodeBody[[]SalaryPaymentDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/salary-payments?from=2025-03-01&to=2025-03-31", nil))
	assert.Len(t, inRange, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/admin/balance/salary-payments?from=2025-03-31&to=2025-03-01", nil).Code)
}

// =============================================================================
// ALERTS
// =============================================================================

func TestAlertEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/admin/balance/initialize", map[string]any{"initialBalance": "50", "lowBalanceThreshold": "100"})

	rec := f.do(t, http.MethodPost, "/api/admin/balance/alerts/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody[[]AlertDTO](t, rec)
	require.Len(t, created, 1)
	assert.Equal(t, "BALANCE_THRESHOLD", created[0].Type)

	active := decodeBody[[]AlertDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/alerts?active=true", nil))
	require.Len(t, active, 1)

	rec = f.do(t, http.MethodPut, "/api/admin/balance/alerts/"+jsonID(active[0].ID)+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RESOLVED", decodeBody[AlertDTO](t, rec).Status)

	assert.Empty(t, decodeBody[[]AlertDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/alerts?active=true", nil)))
	assert.Len(t, decodeBody[[]AlertDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/alerts", nil)), 1)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/admin/balance/alerts/999/resolve", nil).Code)
}

// =============================================================================
// BUSINESS RECORDS
// =============================================================================

func TestCompleteOrderAndDelivery(t *testing.T) {
	f := newFixture(t)

	// WHEN: an order and a delivery are completed
	rec := f.do(t, http.MethodPost, "/api/records/orders", map[string]any{
		"totalPrice": "42.50",
		"date":       "2025-03-14",
		"time":       "19:30",
		"label":      "table 7",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[RecordedDTO](t, rec)

	rec = f.do(t, http.MethodPost, "/api/records/deliveries", map[string]any{"totalPrice": "17.50"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	delivery := decodeBody[RecordedDTO](t, rec)

	// THEN: each produced a persisted income transaction pointing at it
	require.NotNil(t, order.Transaction)
	assert.True(t, order.Persisted)
	assert.Equal(t, "ORDER", order.Transaction.ReferenceType)
	assert.Equal(t, order.RecordID, *order.Transaction.ReferenceID)
	assert.Contains(t, order.Transaction.Description, "table 7")
	require.NotNil(t, delivery.Transaction)
	assert.Equal(t, "DELIVERY", delivery.Transaction.ReferenceType)

	b := f.ledger.GetCurrentBalance(context.Background())
	assert.Equal(t, "60.00", b.CurrentBalance.StringFixed(2))

	// AND: the stored order keeps its date and time
	orders, err := f.store.CompletedOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, time.Date(2025, 3, 14, 19, 30, 0, 0, time.UTC), orders[0].OccurredAt())
}

func TestCompleteOrder_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/records/orders", map[string]any{"totalPrice": "10", "time": "7pm"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/records/orders", map[string]any{"totalPrice": "-10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpenseEndpoints(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.InitializeBalance(context.Background(), decimal.NewFromInt(1000), decimal.NewFromInt(100))
	require.NoError(t, err)

	// WHEN: a supplier expense is entered
	rec := f.do(t, http.MethodPost, "/api/records/expenses", map[string]any{
		"description":   "flour",
		"category":      "Supplies",
		"amount":        "300",
		"expenseDate":   "2025-03-15",
		"paymentMethod": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	exp := decodeBody[RecordedDTO](t, rec)
	require.NotNil(t, exp.Transaction)
	assert.Equal(t, "EXPENSE", exp.Transaction.Type)
	assert.Equal(t, "700.00", f.ledger.GetCurrentBalance(context.Background()).CurrentBalance.StringFixed(2))

	// AND: a payroll expense is entered
	rec = f.do(t, http.MethodPost, "/api/records/expenses", map[string]any{
		"description": "bonus",
		"category":    ledger.PayrollCategory,
		"amount":      "50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Nil(t, decodeBody[RecordedDTO](t, rec).Transaction, "payroll expenses move the balance through payroll only")

	// THEN: deleting the supplier expense restores the balance
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/records/expenses/%d", exp.RecordID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, "1000.00", f.ledger.GetCurrentBalance(context.Background()).CurrentBalance.StringFixed(2))

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/records/expenses/%d", exp.RecordID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/records/expenses", map[string]any{"amount": "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestMigrateHistoricalData(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	_, err := f.store.SaveOrder(ctx, ledger.SaleRecord{Amount: decimal.NewFromInt(80), Date: day, Label: "T1"}, true)
	require.NoError(t, err)
	_, err = f.store.CreateExpense(ctx, ledger.ExpenseRecord{Category: "Rent", Description: "February", Amount: decimal.NewFromInt(30), Date: day})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/admin/balance/migrate-historical-data", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[MigrationDTO](t, rec)
	assert.Equal(t, 1, res.OrdersMigrated)
	assert.Equal(t, 1, res.ExpensesMigrated)
	assert.Equal(t, "50.00", res.NetBalance.StringFixed(2))
	assert.Equal(t, "50.00", res.CurrentBalance.StringFixed(2))
}

func TestSchedulerEndpoints(t *testing.T) {
	f := newFixture(t)

	status := decodeBody[SchedulerStatusDTO](t, f.do(t, http.MethodGet, "/api/admin/balance/scheduler", nil))
	assert.True(t, status.Enabled)
	assert.Equal(t, "safety-net", status.NextSlot)

	rec := f.do(t, http.MethodPost, "/api/admin/balance/scheduler/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[SchedulerRunDTO](t, rec)
	assert.Equal(t, "hourly", run.Slot)
	assert.NotEmpty(t, run.ID)
	assert.Empty(t, run.Errors)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", nil).Code)
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(middleware.RequestIDHeader))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrNotFound, http.StatusNotFound},
		{ledger.ErrAlreadyInitialized, http.StatusConflict},
		{ledger.ErrNoHistory, http.StatusConflict},
		{ledger.ErrNoRecords, http.StatusConflict},
		{&ledger.ValidationError{Field: "amount", Message: "bad"}, http.StatusBadRequest},
		{&ledger.RecomputationError{Stage: "save balance", Err: assert.AnError}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
