package vantagedb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/pkg/model"
)

const alertColumns = `id, service_name, metric_name, severity, status, message, value,
	threshold_low, threshold_high, first_triggered, last_triggered, resolved_at, trigger_count`

// ActiveAlert returns the firing alert for a series, or nil.
func (s *Store) ActiveAlert(ctx context.Context, key SeriesKey) (*model.Alert, error) {
	defer observe("active_alert", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE service_name = $1 AND metric_name = $2 AND status = 'firing'
		ORDER BY last_triggered DESC
		LIMIT 1`, key.ServiceName, key.MetricName)
	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying active alert")
	}
	return a, nil
}

// FireAlert opens a new firing alert.
func (s *Store) FireAlert(ctx context.Context, a *model.Alert) error {
	defer observe("fire_alert", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (service_name, metric_name, severity, status, message, value, threshold_low, threshold_high)
		VALUES ($1, $2, $3, 'firing', $4, $5, $6, $7)
		RETURNING id, first_triggered, last_triggered`,
		a.ServiceName, a.MetricName, a.Severity, a.Message, a.Value, a.ThresholdLow, a.ThresholdHigh).
		Scan(&a.ID, &a.FirstTriggered, &a.LastTriggered)
	return errors.Wrap(err, "inserting alert")
}

// RetriggerAlert refreshes a firing alert with the latest observation.
// Severity is passed through pre-resolved by the caller, which never lowers
// it.
func (s *Store) RetriggerAlert(ctx context.Context, id int64, value float64, severity, message string) error {
	defer observe("retrigger_alert", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET
			value          = $2,
			severity       = $3,
			message        = $4,
			last_triggered = now(),
			trigger_count  = trigger_count + 1
		WHERE id = $1`, id, value, severity, message)
	return errors.Wrap(err, "updating alert")
}

// ResolveAlert marks a firing alert resolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64) error {
	defer observe("resolve_alert", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status = 'firing'`, id)
	return errors.Wrap(err, "resolving alert")
}

// AlertFilter narrows alert listing.
type AlertFilter struct {
	ServiceName string
	Status      string
	Severity    string
	Limit       int
}

// ListAlerts returns alerts matching the filter, most recently triggered
// first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	defer observe("list_alerts", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	sql := `SELECT ` + alertColumns + ` FROM alerts WHERE TRUE`
	args := []any{}
	if f.ServiceName != "" {
		args = append(args, f.ServiceName)
		sql += " AND service_name = $" + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		sql += " AND status = $" + itoa(len(args))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		sql += " AND severity = $" + itoa(len(args))
	}
	args = append(args, f.Limit)
	sql += " ORDER BY last_triggered DESC LIMIT $" + itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing alerts")
	}
	defer rows.Close()

	alerts := []model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning alert")
		}
		alerts = append(alerts, *a)
	}
	return alerts, errors.Wrap(rows.Err(), "iterating alerts")
}

// AlertSummary counts firing alerts by severity.
func (s *Store) AlertSummary(ctx context.Context) (map[string]int64, error) {
	defer observe("alert_summary", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT severity, COUNT(*)
		FROM alerts
		WHERE status = 'firing'
		GROUP BY severity`)
	if err != nil {
		return nil, errors.Wrap(err, "querying alert summary")
	}
	defer rows.Close()

	summary := map[string]int64{
		model.SeverityInfo:     0,
		model.SeverityWarning:  0,
		model.SeverityCritical: 0,
	}
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, errors.Wrap(err, "scanning alert summary")
		}
		summary[severity] = count
	}
	return summary, errors.Wrap(rows.Err(), "iterating alert summary")
}

func scanAlert(row pgx.Row) (*model.Alert, error) {
	var a model.Alert
	err := row.Scan(&a.ID, &a.ServiceName, &a.MetricName, &a.Severity, &a.Status, &a.Message,
		&a.Value, &a.ThresholdLow, &a.ThresholdHigh, &a.FirstTriggered, &a.LastTriggered,
		&a.ResolvedAt, &a.TriggerCount)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
