/*
handlers.go - HTTP handlers for the balance administration API

PURPOSE:
  Thin REST layer over the ledger, payroll and alerting services. Handlers
  parse and validate input, call one service operation and serialize the
  result. No business rule lives here.

ENDPOINTS (all under /api/admin/balance):
  Balance:
    GET    /                          Current balance (created lazily)
    POST   /initialize                Create the balance row with opening capital
    PUT    /threshold                 Change the low-balance threshold
    POST   /adjust                    Signed manual adjustment
    POST   /recalculate               Replay the log and fix every snapshot

  Transactions:
    GET    /transactions              ?type= | ?from=&to= | ?referenceType=&referenceId=
    DELETE /transactions/{id}         Delete and replay

  Payroll:
    GET    /pending-payments          PENDING salary payments, oldest first
    POST   /process-pending           Retry PENDING payments now
    POST   /process-salary-payments   Run today's salary pass now
    GET    /salary-payments           ?employeeId= | ?from=&to=

  Alerts:
    GET    /alerts                    ?active=true for ACTIVE only
    POST   /alerts/check              Evaluate standing conditions now
    PUT    /alerts/{id}/resolve       Resolve one alert

  Maintenance:
    POST   /migrate-historical-data   Backfill completed orders, deliveries, expenses
    GET    /scheduler                 Next scheduled slot
    POST   /scheduler/run             Run the hourly slot now

ENDPOINTS (under /api/records):
    POST   /orders                    Store a completed dine-in order, record income
    POST   /deliveries                Store a completed delivery, record income
    POST   /expenses                  Store an expense, record it unless payroll
    DELETE /expenses/{id}             Delete an expense and its transactions

ERROR HANDLING:
  - 400: validation errors, malformed JSON or query parameters
  - 404: unknown transaction / alert
  - 409: balance already initialized, no history or record store configured
  - 500: everything else

SECURITY NOTE:
  No authentication middleware. Deploy behind the back-office gateway.

SEE ALSO:
  - dto.go: request/response data structures
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/payroll"
	"github.com/warp/restaurant-ledger/scheduler"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services behind the HTTP surface.
type Handler struct {
	Ledger    *ledger.Service
	Payroll   *payroll.Engine
	Alerts    *alerting.Service
	Scheduler *scheduler.Scheduler // optional

	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewHandler(l *ledger.Service, p *payroll.Engine, a *alerting.Service, s *scheduler.Scheduler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:    l,
		Payroll:   p,
		Alerts:    a,
		Scheduler: s,
		validate:  validator.New(),
		log:       log.WithField("module", "api"),
	}
}

// =============================================================================
// BALANCE
// =============================================================================

// GetBalance returns the current balance.
// GET /api/admin/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBalanceDTO(h.Ledger.GetCurrentBalance(r.Context())))
}

// InitializeBalance creates the balance row.
// POST /api/admin/balance/initialize
func (h *Handler) InitializeBalance(w http.ResponseWriter, r *http.Request) {
	var req InitializeBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	threshold := ledger.DefaultLowBalanceThreshold
	if req.LowBalanceThreshold != nil {
		threshold = *req.LowBalanceThreshold
	}

	b, err := h.Ledger.InitializeBalance(r.Context(), *req.InitialBalance, threshold)
	if err != nil {
		h.fail(w, r, "Failed to initialize balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(b))
}

// UpdateThreshold changes the low-balance threshold.
// PUT /api/admin/balance/threshold
func (h *Handler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req UpdateThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Ledger.UpdateLowBalanceThreshold(r.Context(), *req.Threshold)
	if err != nil {
		h.fail(w, r, "Failed to update threshold", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// AdjustBalance applies a signed manual correction.
// POST /api/admin/balance/adjust
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Ledger.AdjustBalance(r.Context(), *req.Amount, req.Reason, req.Notes)
	if err != nil {
		h.fail(w, r, "Failed to adjust balance", err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"amount":     req.Amount.StringFixed(2),
	}).Info("manual balance adjustment")
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Recalculate replays the transaction log.
// POST /api/admin/balance/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Recalculate(r.Context()); err != nil {
		h.fail(w, r, "Failed to recalculate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(h.Ledger.GetCurrentBalance(r.Context())))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ListTransactions returns transactions newest first.
// GET /api/admin/balance/transactions?type=INCOME
// GET /api/admin/balance/transactions?from=2025-03-01&to=2025-03-31
// GET /api/admin/balance/transactions?referenceType=ORDER&referenceId=12
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		txs []ledger.Transaction
		err error
	)
	switch {
	case q.Get("referenceType") != "":
		ref := ledger.Reference{Kind: ledger.ReferenceKind(q.Get("referenceType"))}
		if raw := q.Get("referenceId"); raw != "" {
			id, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "Invalid referenceId", perr)
				return
			}
			ref.ID = &id
		}
		txs, err = h.Ledger.TransactionsByReference(ctx, ref)
	case q.Get("from") != "" || q.Get("to") != "":
		from, to, perr := parseRange(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", perr)
			return
		}
		txs, err = h.Ledger.TransactionsBetween(ctx, from, to)
	case q.Get("type") != "":
		typ := ledger.TransactionType(q.Get("type"))
		if !typ.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid transaction type", fmt.Errorf("unknown type %q", typ))
			return
		}
		txs, err = h.Ledger.TransactionsByType(ctx, typ)
	default:
		txs, err = h.Ledger.AllTransactions(ctx)
	}
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// DeleteTransaction removes one transaction and replays the log.
// DELETE /api/admin/balance/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteTransaction(r.Context(), ledger.TransactionID(id)); err != nil {
		h.fail(w, r, "Failed to delete transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(h.Ledger.GetCurrentBalance(r.Context())))
}

// =============================================================================
// PAYROLL
// =============================================================================

// ListPendingPayments returns PENDING salary payments.
// GET /api/admin/balance/pending-payments
func (h *Handler) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Payroll.PendingPayments(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list pending payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toSalaryPaymentDTOs(payments))
}

// ProcessPending retries PENDING payments.
// POST /api/admin/balance/process-pending
func (h *Handler) ProcessPending(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Payroll.ProcessPendingPayments(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to process pending payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(sum))
}

// ProcessSalaryPayments runs today's salary pass.
// POST /api/admin/balance/process-salary-payments
func (h *Handler) ProcessSalaryPayments(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Payroll.ProcessSalaryPayments(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to process salary payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(sum))
}

// ListSalaryPayments returns payments of one employee or of a date range.
// GET /api/admin/balance/salary-payments?employeeId=3
// GET /api/admin/balance/salary-payments?from=2025-03-01&to=2025-03-31
func (h *Handler) ListSalaryPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		payments []payroll.SalaryPayment
		err      error
	)
	if raw := q.Get("employeeId"); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid employeeId", perr)
			return
		}
		payments, err = h.Payroll.PaymentsByEmployee(ctx, id)
	} else {
		from, to, perr := parseRange(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", perr)
			return
		}
		payments, err = h.Payroll.Payments(ctx, from, to)
	}
	if err != nil {
		h.fail(w, r, "Failed to list salary payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toSalaryPaymentDTOs(payments))
}

// =============================================================================
// ALERTS
// =============================================================================

// ListAlerts returns alerts newest first.
// GET /api/admin/balance/alerts?active=true
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var (
		alerts []alerting.Alert
		err    error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		alerts, err = h.Alerts.ActiveAlerts(r.Context())
	} else {
		alerts, err = h.Alerts.AllAlerts(r.Context())
	}
	if err != nil {
		h.fail(w, r, "Failed to list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTOs(alerts))
}

// CheckAlerts evaluates the standing alert conditions.
// POST /api/admin/balance/alerts/check
func (h *Handler) CheckAlerts(w http.ResponseWriter, r *http.Request) {
	created, err := h.Alerts.CheckAndCreateAlerts(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to check alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTOs(created))
}

// ResolveAlert marks one alert RESOLVED.
// PUT /api/admin/balance/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.Alerts.ResolveAlert(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to resolve alert", err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(a))
}

// =============================================================================
// BUSINESS RECORDS
// =============================================================================

// CompleteOrder stores a completed dine-in order and credits its total.
// POST /api/records/orders
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.completeSale(w, r, h.Ledger.CompleteOrder, "order")
}

// CompleteDelivery stores a completed delivery and credits its total.
// POST /api/records/deliveries
func (h *Handler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	h.completeSale(w, r, h.Ledger.CompleteDelivery, "delivery")
}

type completeFunc func(ctx context.Context, rec ledger.SaleRecord) (ledger.SaleRecord, ledger.Recorded, error)

func (h *Handler) completeSale(w http.ResponseWriter, r *http.Request, complete completeFunc, what string) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale := ledger.SaleRecord{Amount: *req.Amount, Label: req.Label}
	if req.Date != "" {
		sale.Date, _ = time.Parse(dateFormat, req.Date)
	}
	if req.Time != "" {
		clock, _ := time.Parse("15:04", req.Time)
		d := time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute
		sale.Time = &d
	}

	saved, rec, err := complete(r.Context(), sale)
	if err != nil {
		h.fail(w, r, "Failed to complete "+what, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordedDTO(saved.ID, &rec))
}

// EnterExpense stores a business expense and debits it.
// POST /api/records/expenses
func (h *Handler) EnterExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	e := ledger.ExpenseRecord{
		Category:      req.Category,
		Description:   req.Description,
		Amount:        *req.Amount,
		PaymentMethod: req.PaymentMethod,
	}
	if req.Date != "" {
		e.Date, _ = time.Parse(dateFormat, req.Date)
	}

	saved, rec, err := h.Ledger.EnterExpense(r.Context(), e)
	if err != nil {
		h.fail(w, r, "Failed to create expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordedDTO(saved.ID, rec))
}

// RemoveExpense deletes an expense and the transactions referencing it.
// DELETE /api/records/expenses/{id}
func (h *Handler) RemoveExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Ledger.RemoveExpense(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to delete expense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// MigrateHistoricalData backfills transactions from pre-ledger records.
// POST /api/admin/balance/migrate-historical-data
func (h *Handler) MigrateHistoricalData(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.MigrateHistorical(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to migrate historical data", err)
		return
	}
	writeJSON(w, http.StatusOK, MigrationDTO{
		OrdersMigrated:         res.OrdersMigrated,
		DeliveriesMigrated:     res.DeliveriesMigrated,
		ExpensesMigrated:       res.ExpensesMigrated,
		TotalOrdersRevenue:     res.TotalOrdersRevenue,
		TotalDeliveriesRevenue: res.TotalDeliveriesRevenue,
		TotalRevenue:           res.TotalRevenue(),
		TotalExpenses:          res.TotalExpenses,
		NetBalance:             res.NetBalance(),
		CurrentBalance:         h.Ledger.GetCurrentBalance(r.Context()).CurrentBalance,
	})
}

// SchedulerStatus reports the next scheduled slot.
// GET /api/admin/balance/scheduler
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusDTO{})
		return
	}
	next, slot := h.Scheduler.NextRunTime()
	writeJSON(w, http.StatusOK, SchedulerStatusDTO{
		Enabled:  h.Scheduler.Enabled,
		NextRun:  next.Format(instantFormat),
		NextSlot: string(slot),
	})
}

// RunScheduler executes the hourly slot immediately.
// POST /api/admin/balance/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusConflict, "Scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulerRunDTO(h.Scheduler.RunNow(r.Context())))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: validationDetails(verrs)})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func validationDetails(verrs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		details[ve.Field()] = ve.Tag()
	}
	return details
}

// fail maps a service error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyInitialized), errors.Is(err, ledger.ErrNoHistory),
		errors.Is(err, ledger.ErrNoRecords):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// parseRange accepts YYYY-MM-DD or RFC3339. A date-only "to" covers the
// whole day.
func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	if fromRaw == "" || toRaw == "" {
		return time.Time{}, time.Time{}, errors.New("both from and to are required")
	}
	from, _, err := parseTime(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, dateOnly, err := parseTime(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not be before from")
	}
	return from, to, nil
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dateFormat, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(instantFormat, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, false, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
