/*
Package scheduler drives payroll and alerting on a wall-clock cadence.

PURPOSE:
  Fires two kinds of runs:

    :00  full run    - salary payments, pending payments, alert check
    :30  safety net  - pending payments, alert check

DESIGN:
  - One background goroutine sleeps until the next slot, runs it, repeats
  - Steps of a run are independent: an error or panic in one is logged and
    the next step still runs
  - A run never propagates an error; the next slot always fires
  - Optional Locker (Redis) so only one replica runs a given slot

USAGE:
  s := scheduler.New(engine, alerts, scheduler.WithLocker(locker))
  s.Start()
  defer s.Stop()

SEE ALSO:
  - payroll/engine.go: the idempotency the overlapping runs rely on
  - lock.go: Locker implementations
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/payroll"
)

type Payroll interface {
	ProcessSalaryPayments(ctx context.Context) (payroll.RunSummary, error)
	ProcessPendingPayments(ctx context.Context) (payroll.RunSummary, error)
}

type Alerts interface {
	CheckAndCreateAlerts(ctx context.Context) ([]alerting.Alert, error)
}

// Slot identifies which run fires.
type Slot string

const (
	SlotHourly    Slot = "hourly"
	SlotSafetyNet Slot = "safety-net"
)

const safetyNetAfter = 30 * time.Minute

// NextSlot returns the first :00 or :30 boundary strictly after now.
func NextSlot(now time.Time) (time.Time, Slot) {
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	if half := hour.Add(safetyNetAfter); now.Before(half) {
		return half, SlotSafetyNet
	}
	return hour.Add(time.Hour), SlotHourly
}

// RunReport describes one scheduled run.
type RunReport struct {
	ID       string
	Slot     Slot
	Started  time.Time
	Finished time.Time
	Salary   payroll.RunSummary
	Pending  payroll.RunSummary
	Alerts   int
	Errors   []error
	// Skipped is set when another instance held the run lock.
	Skipped bool
}

type Scheduler struct {
	Payroll Payroll
	Alerts  Alerts
	Enabled bool
	LockTTL time.Duration

	locker Locker
	log    logrus.FieldLogger
	now    func() time.Time

	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type Option func(*Scheduler)

func WithLocker(l Locker) Option { return func(s *Scheduler) { s.locker = l } }

func WithLogger(log logrus.FieldLogger) Option { return func(s *Scheduler) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(p Payroll, a Alerts, opts ...Option) *Scheduler {
	s := &Scheduler{
		Payroll: p,
		Alerts:  a,
		Enabled: true,
		LockTTL: 10 * time.Minute,
		locker:  NoopLocker{},
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("module", "scheduler")
	return s
}

// Start begins the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx, s.stop)

	next, slot := NextSlot(s.now())
	s.log.WithFields(logrus.Fields{"next": next.Format(time.RFC3339), "slot": slot}).Info("scheduler started")
}

// Stop cancels a run in progress and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		return
	}
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.stop = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		now := s.now()
		next, slot := NextSlot(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			s.RunSlot(ctx, slot)
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// RunNow runs a full hourly run immediately (admin trigger).
func (s *Scheduler) RunNow(ctx context.Context) RunReport {
	return s.RunSlot(ctx, SlotHourly)
}

// NextRunTime returns when the next slot fires.
func (s *Scheduler) NextRunTime() (time.Time, Slot) {
	return NextSlot(s.now())
}

// RunSlot executes the steps of slot. It never panics and never returns an
// error; problems are collected in the report and logged.
func (s *Scheduler) RunSlot(ctx context.Context, slot Slot) RunReport {
	report := RunReport{ID: uuid.NewString(), Slot: slot, Started: s.now()}
	log := s.log.WithFields(logrus.Fields{"run_id": report.ID, "slot": slot})

	release, err := s.locker.Obtain(ctx, "scheduler:"+string(slot), s.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		report.Skipped = true
		report.Finished = s.now()
		log.Info("run skipped, lock held by another instance")
		return report
	}
	if err != nil {
		// run anyway; the payroll engine is idempotent per day
		log.WithError(err).Warn("could not obtain run lock")
	} else {
		defer func() {
			if err := release(context.Background()); err != nil {
				log.WithError(err).Warn("releasing run lock failed")
			}
		}()
	}

	if slot == SlotHourly {
		s.step(log, &report, "salary payments", func() error {
			sum, err := s.Payroll.ProcessSalaryPayments(ctx)
			report.Salary = sum
			return err
		})
	}
	s.step(log, &report, "pending payments", func() error {
		sum, err := s.Payroll.ProcessPendingPayments(ctx)
		report.Pending = sum
		return err
	})
	s.step(log, &report, "alerts", func() error {
		created, err := s.Alerts.CheckAndCreateAlerts(ctx)
		report.Alerts = len(created)
		return err
	})

	report.Finished = s.now()
	log.WithFields(logrus.Fields{
		"paid":     report.Salary.Paid + report.Pending.Paid,
		"pending":  report.Salary.Pending,
		"alerts":   report.Alerts,
		"errors":   len(report.Errors),
		"duration": report.Finished.Sub(report.Started).String(),
	}).Info("scheduled run completed")
	return report
}

func (s *Scheduler) step(log logrus.FieldLogger, report *RunReport, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s: panic: %v", name, r)
			report.Errors = append(report.Errors, err)
			log.WithField("step", name).Error(err)
		}
	}()
	if err := fn(); err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("%s: %w", name, err))
		log.WithField("step", name).WithError(err).Error("scheduled step failed")
	}
}
