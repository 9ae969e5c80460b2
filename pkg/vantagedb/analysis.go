package vantagedb

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// MetricValues returns a series' values in [sinceMs, untilMs], time-ordered.
// Aggregated buckets are included so comparisons still work on downsampled
// history.
func (s *Store) MetricValues(ctx context.Context, service, metric string, sinceMs, untilMs int64) ([]float64, error) {
	defer observe("metric_values", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT value
		FROM metrics
		WHERE service_name = $1 AND metric_name = $2
		  AND timestamp >= $3 AND timestamp <= $4
		ORDER BY timestamp`, service, metric, sinceMs, untilMs)
	if err != nil {
		return nil, errors.Wrap(err, "querying metric values")
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scanning metric value")
		}
		values = append(values, v)
	}
	return values, errors.Wrap(rows.Err(), "iterating metric values")
}

// RequestCounts counts a service's request-shaped samples in a window and how
// many of them failed. Anything 4xx and up counts as failed.
func (s *Store) RequestCounts(ctx context.Context, service string, sinceMs, untilMs int64) (total, failed int64, err error) {
	defer observe("request_counts", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status_code >= 400)
		FROM metrics
		WHERE service_name = $1 AND metric_name LIKE '%request%'
		  AND timestamp >= $2 AND timestamp <= $3`,
		service, sinceMs, untilMs).Scan(&total, &failed)
	return total, failed, errors.Wrap(err, "querying request counts")
}

// DurationsInWindow returns a service's recorded durations, sorted ascending.
func (s *Store) DurationsInWindow(ctx context.Context, service string, sinceMs, untilMs int64) ([]float64, error) {
	defer observe("durations", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT duration_ms
		FROM metrics
		WHERE service_name = $1 AND duration_ms IS NOT NULL
		  AND timestamp >= $2 AND timestamp <= $3
		ORDER BY duration_ms`, service, sinceMs, untilMs)
	if err != nil {
		return nil, errors.Wrap(err, "querying durations")
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "scanning duration")
		}
		durations = append(durations, d)
	}
	return durations, errors.Wrap(rows.Err(), "iterating durations")
}

// SampleCount counts all of a service's samples in a window.
func (s *Store) SampleCount(ctx context.Context, service string, sinceMs, untilMs int64) (int64, error) {
	defer observe("sample_count", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM metrics
		WHERE service_name = $1 AND timestamp >= $2 AND timestamp <= $3`,
		service, sinceMs, untilMs).Scan(&count)
	return count, errors.Wrap(err, "querying sample count")
}
