package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
)

// =============================================================================
// ALERTS (alerting.Store)
// =============================================================================

func (s *Store) CreateAlert(ctx context.Context, a alerting.Alert) (alerting.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_type, status, message, severity, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Type, a.Status, a.Message, a.Severity, formatInstant(a.CreatedAt), nullInstant(a.ResolvedAt))
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return alerting.Alert{}, err
	}
	a.ID = id
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id int64) (alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts, err := s.queryAlerts(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	if err != nil {
		return alerting.Alert{}, err
	}
	if len(alerts) == 0 {
		return alerting.Alert{}, ledger.ErrNotFound
	}
	return alerts[0], nil
}

func (s *Store) UpdateAlert(ctx context.Context, a alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, message = ?, severity = ?, resolved_at = ?
		WHERE id = ?
	`, a.Status, a.Message, a.Severity, nullInstant(a.ResolvedAt), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", a.ID, err)
	}
	return expectOneRow(res)
}

func (s *Store) ListAlerts(ctx context.Context, f alerting.Filter) ([]alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "alert_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	return s.queryAlerts(ctx,
		"SELECT "+alertColumns+" FROM alerts"+where(conds)+" ORDER BY created_at DESC, id DESC",
		args...)
}

const alertColumns = "id, alert_type, status, message, severity, created_at, resolved_at"

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]alerting.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alerting.Alert
	for rows.Next() {
		var (
			a          alerting.Alert
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Status, &a.Message, &a.Severity, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if a.CreatedAt, err = parseInstant(createdAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t, err := parseInstant(resolvedAt.String)
			if err != nil {
				return nil, err
			}
			a.ResolvedAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
