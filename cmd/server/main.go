/*
main.go - Application entry point

PURPOSE:
  Starts the restaurant ledger server: storage, ledger, payroll engine,
  alerting, scheduler and the admin HTTP API.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), parse flags
  2. Build the logger
  3. Open the SQLite store (or the in-memory store when -db is empty)
  4. Build ledger, alerting, payroll engine
  5. Pick the notifier (Redis pub/sub when REDIS_ADDR is set, else log)
  6. Start the scheduler (Redis run lock when REDIS_ADDR is set)
  7. Serve HTTP with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (default: $PORT or 8080)
  -db      SQLite database path (default: $DATABASE_PATH or ledger.db)
           ":memory:" for an in-memory SQLite, "" for the pure Go memory store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels a run in progress)
  2. Stop accepting new connections, drain requests (30s timeout)
  3. Close the database and Redis connections

EXAMPLES:
  ./server -db="./data/ledger.db"
  LOG_FORMAT=text REDIS_ADDR=localhost:6379 ./server -port=3000

SEE ALSO:
  - config/config.go: environment keys
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/api"
	"github.com/warp/restaurant-ledger/config"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/notify"
	"github.com/warp/restaurant-ledger/payroll"
	"github.com/warp/restaurant-ledger/scheduler"
	"github.com/warp/restaurant-ledger/store/memory"
	"github.com/warp/restaurant-ledger/store/sqlite"
)

// backend is what both store implementations provide.
type backend interface {
	ledger.TxStore
	ledger.HistorySource
	ledger.RecordStore
	payroll.Store
	payroll.ExpenseBook
	alerting.Store
}

func main() {
	cfg := config.Load()

	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path (empty for in-memory store)")
	flag.Parse()
	cfg.Port = *port
	cfg.DatabasePath = *dbPath

	logg := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// Storage
	var (
		store  backend
		pinger api.Pinger
	)
	if cfg.DatabasePath == "" {
		logg.Warn("no database path, using in-memory store; data is lost on exit")
		store = memory.New()
	} else {
		db, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			logg.WithError(err).Fatal("failed to initialize database")
		}
		defer db.Close()
		store, pinger = db, db
	}

	// Notifications
	renderer := notify.MustRenderer()
	var notifier notify.Notifier = notify.NewLogNotifier(renderer, logg)
	var locker scheduler.Locker = scheduler.NoopLocker{}
	if rdb := cfg.NewRedisClient(); rdb != nil {
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logg.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis unreachable, falling back to log notifications and local scheduling")
		} else {
			notifier = notify.NewRedisNotifier(rdb, cfg.NotifyChannel, renderer)
			locker = scheduler.NewRedisLocker(rdb)
			logg.WithFields(logrus.Fields{"addr": cfg.RedisAddr, "channel": cfg.NotifyChannel}).Info("redis connected")
		}
	}

	// Services
	ledgerSvc := ledger.NewService(store,
		ledger.WithLogger(logg),
		ledger.WithHistory(store),
		ledger.WithRecords(store),
		ledger.WithDefaultThreshold(cfg.DefaultLowBalanceThreshold),
	)

	var engine *payroll.Engine
	alerts := alerting.NewService(store, ledgerSvc,
		alerting.WithLogger(logg),
		alerting.WithNotifier(notifier),
		alerting.WithAdminEmail(cfg.AdminEmail),
		alerting.WithPendingCounter(alerting.PendingCounterFunc(func(ctx context.Context) (int, error) {
			return engine.CountPending(ctx)
		})),
	)
	engine = payroll.NewEngine(store, store, ledgerSvc, alerts,
		payroll.WithLogger(logg),
		payroll.WithNotifier(notifier),
	)

	sched := scheduler.New(engine, alerts,
		scheduler.WithLogger(logg),
		scheduler.WithLocker(locker),
	)
	sched.Enabled = cfg.SchedulerEnabled
	sched.LockTTL = cfg.SchedulerLockTTL
	sched.Start()

	// HTTP
	handler := api.NewHandler(ledgerSvc, engine, alerts, sched, logg)
	router := api.NewRouter(handler, cfg.AllowedOrigins, pinger)

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logg.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down server")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logg.WithError(err).Error("server forced to shutdown")
	}

	logg.Info("server stopped")
}
