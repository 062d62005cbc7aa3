/*
Package alerting raises and resolves balance alerts.

PURPOSE:
  Turns ledger and payroll conditions into persisted Alert rows and admin
  notifications.

ALERT KINDS:
  LOW_BALANCE        HIGH    one per failed salary attempt, never deduplicated
  BALANCE_THRESHOLD  MEDIUM  at most one ACTIVE at a time
  PENDING_PAYMENTS   HIGH    at most one ACTIVE at a time

  A LOW_BALANCE alert records a concrete shortfall event, so every event
  gets its own row. The other two describe a standing condition.
*/
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/notify"
)

type Type string

const (
	TypeLowBalance       Type = "LOW_BALANCE"
	TypeBalanceThreshold Type = "BALANCE_THRESHOLD"
	TypePendingPayments  Type = "PENDING_PAYMENTS"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Alert struct {
	ID         int64
	Type       Type
	Status     Status
	Message    string
	Severity   Severity
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Filter narrows ListAlerts. Zero fields are ignored.
type Filter struct {
	Type   Type
	Status Status
}

// Store persists alerts.
type Store interface {
	CreateAlert(ctx context.Context, a Alert) (Alert, error)
	// GetAlert returns ledger.ErrNotFound when absent.
	GetAlert(ctx context.Context, id int64) (Alert, error)
	UpdateAlert(ctx context.Context, a Alert) error
	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, filter Filter) ([]Alert, error)
}

// BalanceReader is the ledger view alerting needs.
type BalanceReader interface {
	GetCurrentBalance(ctx context.Context) ledger.Balance
}

// PendingCounter reports how many salary payments wait for funds.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// PendingCounterFunc adapts a function to PendingCounter, so a payroll
// engine built after the alerting service can still be the counter.
type PendingCounterFunc func(ctx context.Context) (int, error)

func (f PendingCounterFunc) CountPending(ctx context.Context) (int, error) { return f(ctx) }

// DefaultAdminEmail receives alert notifications when none is configured.
const DefaultAdminEmail = "admin@restaurant.local"

type Service struct {
	store      Store
	balances   BalanceReader
	pending    PendingCounter
	notifier   notify.Notifier
	adminEmail string
	log        logrus.FieldLogger
	now        func() time.Time

	// serializes check-then-create of deduplicated alerts
	mu sync.Mutex
}

type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithAdminEmail(email string) Option { return func(s *Service) { s.adminEmail = email } }

func WithLogger(log logrus.FieldLogger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPendingCounter enables the PENDING_PAYMENTS check.
func WithPendingCounter(p PendingCounter) Option { return func(s *Service) { s.pending = p } }

func NewService(store Store, balances BalanceReader, opts ...Option) *Service {
	s := &Service{
		store:      store,
		balances:   balances,
		notifier:   notify.Discard,
		adminEmail: DefaultAdminEmail,
		log:        logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("module", "alerting")
	return s
}

// CheckAndCreateAlerts raises the standing-condition alerts that are not
// already ACTIVE and returns the ones it created.
func (s *Service) CheckAndCreateAlerts(ctx context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []Alert

	b := s.balances.GetCurrentBalance(ctx)
	if b.IsLow() {
		active, err := s.hasActive(ctx, TypeBalanceThreshold)
		if err != nil {
			return created, err
		}
		if !active {
			a, err := s.SendBalanceThresholdAlert(ctx, b.CurrentBalance, b.LowBalanceThreshold)
			if err != nil {
				return created, err
			}
			created = append(created, a)
		}
	}

	if s.pending != nil {
		count, err := s.pending.CountPending(ctx)
		if err != nil {
			return created, fmt.Errorf("count pending payments: %w", err)
		}
		if count > 0 {
			active, err := s.hasActive(ctx, TypePendingPayments)
			if err != nil {
				return created, err
			}
			if !active {
				a, err := s.SendPendingPaymentsAlert(ctx, count)
				if err != nil {
					return created, err
				}
				created = append(created, a)
			}
		}
	}

	return created, nil
}

func (s *Service) hasActive(ctx context.Context, typ Type) (bool, error) {
	alerts, err := s.store.ListAlerts(ctx, Filter{Type: typ, Status: StatusActive})
	if err != nil {
		return false, fmt.Errorf("list active %s alerts: %w", typ, err)
	}
	return len(alerts) > 0, nil
}

// SendLowBalanceAlert records a failed attempt to cover required and tells
// the admin. A new alert is created on every call.
func (s *Service) SendLowBalanceAlert(ctx context.Context, required, current ledger.Money) (Alert, error) {
	shortfall := required.Sub(current)
	a, err := s.create(ctx, Alert{
		Type:     TypeLowBalance,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Insufficient balance for a salary payment. Required: %s, current: %s, shortfall: %s",
			required.StringFixed(2), current.StringFixed(2), shortfall.StringFixed(2)),
	})
	if err != nil {
		return Alert{}, err
	}

	notify.Deliver(ctx, s.notifier, s.log, notify.Notification{
		Recipient: s.adminEmail,
		Subject:   "Low balance alert",
		Template:  notify.TemplateLowBalance,
		Variables: map[string]any{
			"required":       required.StringFixed(2),
			"currentBalance": current.StringFixed(2),
			"difference":     shortfall.StringFixed(2),
		},
	})
	return a, nil
}

// SendBalanceThresholdAlert records that the balance is under its threshold.
func (s *Service) SendBalanceThresholdAlert(ctx context.Context, current, threshold ledger.Money) (Alert, error) {
	a, err := s.create(ctx, Alert{
		Type:     TypeBalanceThreshold,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("Balance %s is below the threshold of %s",
			current.StringFixed(2), threshold.StringFixed(2)),
	})
	if err != nil {
		return Alert{}, err
	}

	notify.Deliver(ctx, s.notifier, s.log, notify.Notification{
		Recipient: s.adminEmail,
		Subject:   "Balance below threshold",
		Template:  notify.TemplateBalanceThreshold,
		Variables: map[string]any{
			"currentBalance": current.StringFixed(2),
			"threshold":      threshold.StringFixed(2),
		},
	})
	return a, nil
}

// SendPendingPaymentsAlert records that count salary payments wait for funds.
func (s *Service) SendPendingPaymentsAlert(ctx context.Context, count int) (Alert, error) {
	a, err := s.create(ctx, Alert{
		Type:     TypePendingPayments,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%d salary payment(s) pending for lack of funds", count),
	})
	if err != nil {
		return Alert{}, err
	}

	notify.Deliver(ctx, s.notifier, s.log, notify.Notification{
		Recipient: s.adminEmail,
		Subject:   "Pending salary payments",
		Template:  notify.TemplatePendingPayments,
		Variables: map[string]any{"count": count},
	})
	return a, nil
}

func (s *Service) create(ctx context.Context, a Alert) (Alert, error) {
	a.Status = StatusActive
	a.CreatedAt = s.now()
	saved, err := s.store.CreateAlert(ctx, a)
	if err != nil {
		return Alert{}, fmt.Errorf("create %s alert: %w", a.Type, err)
	}
	s.log.WithFields(logrus.Fields{
		"alert_id": saved.ID,
		"type":     saved.Type,
		"severity": saved.Severity,
	}).Warn(saved.Message)
	return saved, nil
}

// ResolveAlert marks an alert RESOLVED. Resolving a resolved alert returns it
// unchanged.
func (s *Service) ResolveAlert(ctx context.Context, id int64) (Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if a.Status == StatusResolved {
		return a, nil
	}
	now := s.now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	if err := s.store.UpdateAlert(ctx, a); err != nil {
		return Alert{}, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	s.log.WithField("alert_id", id).Info("alert resolved")
	return a, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (s *Service) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	return s.store.ListAlerts(ctx, Filter{Status: StatusActive})
}

// AllAlerts returns every alert, newest first.
func (s *Service) AllAlerts(ctx context.Context) ([]Alert, error) {
	return s.store.ListAlerts(ctx, Filter{})
}
