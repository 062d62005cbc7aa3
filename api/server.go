/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  X-Request-ID from the client, or a fresh UUID
  2. Logger:     access log line per request
  3. Recoverer:  panic recovery (500 instead of crash)
  4. CORS:       cross-origin requests from the back-office frontend

ROUTE GROUPS:
  /api/health          liveness + storage ping
  /api/admin/balance/* balance, transactions, payroll, alerts, maintenance
  /api/records/*       order, delivery and expense intake

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates a router with all routes configured. db may be nil.
func NewRouter(h *Handler, allowedOrigins []string, db Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/admin/balance", func(r chi.Router) {
		r.Get("/", h.GetBalance)
		r.Post("/initialize", h.InitializeBalance)
		r.Put("/threshold", h.UpdateThreshold)
		r.Post("/adjust", h.AdjustBalance)
		r.Post("/recalculate", h.Recalculate)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Get("/pending-payments", h.ListPendingPayments)
		r.Post("/process-pending", h.ProcessPending)
		r.Post("/process-salary-payments", h.ProcessSalaryPayments)
		r.Get("/salary-payments", h.ListSalaryPayments)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/check", h.CheckAlerts)
			r.Put("/{id}/resolve", h.ResolveAlert)
		})

		r.Post("/migrate-historical-data", h.MigrateHistoricalData)
		r.Get("/scheduler", h.SchedulerStatus)
		r.Post("/scheduler/run", h.RunScheduler)
	})

	r.Route("/api/records", func(r chi.Router) {
		r.Post("/orders", h.CompleteOrder)
		r.Post("/deliveries", h.CompleteDelivery)
		r.Post("/expenses", h.EnterExpense)
		r.Delete("/expenses/{id}", h.RemoveExpense)
	})

	return r
}

// RequestID propagates the caller's X-Request-ID or assigns a UUID. The id
// is stored where middleware.GetReqID finds it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
