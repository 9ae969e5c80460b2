package vantagedb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/pkg/model"
)

const insertMetricSQL = `
INSERT INTO metrics (
	timestamp, service_name, metric_name, metric_type, value, tags,
	endpoint, method, status_code, duration_ms, error, trace_id, span_id,
	aggregated, resolution_minutes, min_value, max_value, p50, p95, p99,
	sample_count, error_count
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

func queueMetricInsert(b *pgx.Batch, m *model.Metric) {
	b.Queue(insertMetricSQL,
		m.Timestamp, m.ServiceName, m.MetricName, m.MetricType, m.Value, nilIfEmptyTags(m.Tags),
		nilIfEmpty(m.Endpoint), nilIfEmpty(m.Method), m.StatusCode, m.DurationMs, nilIfEmpty(m.Error),
		nilIfEmpty(m.TraceID), nilIfEmpty(m.SpanID),
		m.Aggregated, zeroToNil(m.ResolutionMinutes), m.MinValue, m.MaxValue, m.P50, m.P95, m.P99,
		zeroToNil(m.SampleCount), m.ErrorCount)
}

// WriteBatch persists one worker flush atomically: metric rows plus the
// trace and span records diverted from span-typed payloads. Either the
// whole batch lands or none of it does.
func (s *Store) WriteBatch(ctx context.Context, metrics []*model.Metric, spans []*model.Span) error {
	defer observe("write_batch", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning write transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range metrics {
		queueMetricInsert(batch, m)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "inserting metrics")
		}
	}
	for _, sp := range spans {
		if err := upsertSpanTx(ctx, tx, sp); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(ctx), "committing write transaction")
}

// RawPoint is one raw sample as seen by the downsampler and alerter.
type RawPoint struct {
	TimestampMs int64
	Value       float64
	IsError     bool
}

// SeriesKey identifies one (service, metric) series.
type SeriesKey struct {
	ServiceName string
	MetricName  string
}

// RawSeriesInWindow lists series that have raw samples inside the window.
func (s *Store) RawSeriesInWindow(ctx context.Context, sinceMs, untilMs int64, limit int) ([]SeriesKey, error) {
	defer observe("raw_series", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT service_name, metric_name
		FROM metrics
		WHERE aggregated = FALSE AND timestamp >= $1 AND timestamp < $2
		ORDER BY service_name, metric_name
		LIMIT $3`, sinceMs, untilMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing raw series")
	}
	defer rows.Close()

	var keys []SeriesKey
	for rows.Next() {
		var k SeriesKey
		if err := rows.Scan(&k.ServiceName, &k.MetricName); err != nil {
			return nil, errors.Wrap(err, "scanning series key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterating series keys")
}

// RawPoints returns a series' raw samples in [sinceMs, untilMs), time-ordered.
func (s *Store) RawPoints(ctx context.Context, key SeriesKey, sinceMs, untilMs int64) ([]RawPoint, error) {
	defer observe("raw_points", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, value, COALESCE(status_code >= 500, FALSE)
		FROM metrics
		WHERE aggregated = FALSE AND service_name = $1 AND metric_name = $2
		  AND timestamp >= $3 AND timestamp < $4
		ORDER BY timestamp`, key.ServiceName, key.MetricName, sinceMs, untilMs)
	if err != nil {
		return nil, errors.Wrap(err, "querying raw points")
	}
	defer rows.Close()

	var points []RawPoint
	for rows.Next() {
		var p RawPoint
		if err := rows.Scan(&p.TimestampMs, &p.Value, &p.IsError); err != nil {
			return nil, errors.Wrap(err, "scanning raw point")
		}
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "iterating raw points")
}

// ReplaceWithAggregates swaps a series' raw samples in [sinceMs, untilMs)
// for their aggregated buckets in a single transaction, so readers never see
// the window partially downsampled.
func (s *Store) ReplaceWithAggregates(ctx context.Context, key SeriesKey, sinceMs, untilMs int64, aggregates []model.Metric) (int64, error) {
	defer observe("replace_aggregates", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "beginning downsample transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM metrics
		WHERE aggregated = FALSE AND service_name = $1 AND metric_name = $2
		  AND timestamp >= $3 AND timestamp < $4`,
		key.ServiceName, key.MetricName, sinceMs, untilMs)
	if err != nil {
		return 0, errors.Wrap(err, "deleting raw samples")
	}

	batch := &pgx.Batch{}
	for i := range aggregates {
		queueMetricInsert(batch, &aggregates[i])
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, errors.Wrap(err, "inserting aggregates")
		}
	}
	return tag.RowsAffected(), errors.Wrap(tx.Commit(ctx), "committing downsample transaction")
}

// Timeseries returns raw samples in [sinceMs, untilMs), optionally filtered
// to one service.
func (s *Store) Timeseries(ctx context.Context, service string, sinceMs, untilMs int64) ([]model.TimeseriesPoint, error) {
	defer observe("timeseries", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, value, metric_name
		FROM metrics
		WHERE aggregated = FALSE AND ($1 = '' OR service_name = $1)
		  AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp`, service, sinceMs, untilMs)
	if err != nil {
		return nil, errors.Wrap(err, "querying timeseries")
	}
	defer rows.Close()

	points := []model.TimeseriesPoint{}
	for rows.Next() {
		var p model.TimeseriesPoint
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.MetricName); err != nil {
			return nil, errors.Wrap(err, "scanning timeseries point")
		}
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "iterating timeseries")
}

// AggregatedSeries returns downsampled buckets, optionally filtered to one
// service.
func (s *Store) AggregatedSeries(ctx context.Context, service string, sinceMs, untilMs int64) ([]model.AggregatedPoint, error) {
	defer observe("aggregated_series", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, metric_name, COALESCE(resolution_minutes, 0), value,
		       min_value, max_value, p50, p95, p99,
		       COALESCE(sample_count, 0), COALESCE(error_count, 0)
		FROM metrics
		WHERE aggregated = TRUE AND ($1 = '' OR service_name = $1)
		  AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp`, service, sinceMs, untilMs)
	if err != nil {
		return nil, errors.Wrap(err, "querying aggregated series")
	}
	defer rows.Close()

	points := []model.AggregatedPoint{}
	for rows.Next() {
		var p model.AggregatedPoint
		if err := rows.Scan(&p.Timestamp, &p.MetricName, &p.ResolutionMinutes, &p.Avg,
			&p.Min, &p.Max, &p.P50, &p.P95, &p.P99, &p.SampleCount, &p.ErrorCount); err != nil {
			return nil, errors.Wrap(err, "scanning aggregated point")
		}
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "iterating aggregated series")
}

// ServiceInfo summarizes one known service.
type ServiceInfo struct {
	ServiceName string `json:"service_name"`
	MetricCount int64  `json:"metric_count"`
	LastSeenMs  int64  `json:"last_seen"`
}

// Services lists known services with sample counts and recency.
func (s *Store) Services(ctx context.Context) ([]ServiceInfo, error) {
	defer observe("services", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT service_name, COUNT(*), MAX(timestamp)
		FROM metrics
		GROUP BY service_name
		ORDER BY service_name`)
	if err != nil {
		return nil, errors.Wrap(err, "querying services")
	}
	defer rows.Close()

	infos := []ServiceInfo{}
	for rows.Next() {
		var info ServiceInfo
		if err := rows.Scan(&info.ServiceName, &info.MetricCount, &info.LastSeenMs); err != nil {
			return nil, errors.Wrap(err, "scanning service info")
		}
		infos = append(infos, info)
	}
	return infos, errors.Wrap(rows.Err(), "iterating services")
}

// WindowStats holds the per-window aggregates the analytics packages feed on.
type WindowStats struct {
	Count      int64
	Mean       float64
	StdDev     float64
	ErrorCount int64
	AvgLatency *float64
	P95        *float64
}

// SeriesWindowStats computes count/mean/stddev and error share for one
// series over a window, plus latency aggregates when durations are present.
func (s *Store) SeriesWindowStats(ctx context.Context, key SeriesKey, sinceMs, untilMs int64) (WindowStats, error) {
	defer observe("window_stats", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var st WindowStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(value), 0),
		       COALESCE(STDDEV_SAMP(value), 0),
		       COUNT(*) FILTER (WHERE status_code >= 500),
		       AVG(duration_ms),
		       PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY value)
		FROM metrics
		WHERE aggregated = FALSE AND service_name = $1 AND metric_name = $2
		  AND timestamp >= $3 AND timestamp < $4`,
		key.ServiceName, key.MetricName, sinceMs, untilMs).
		Scan(&st.Count, &st.Mean, &st.StdDev, &st.ErrorCount, &st.AvgLatency, &st.P95)
	return st, errors.Wrap(err, "querying window stats")
}

// ServiceWindowStats aggregates request count, error share and latency for a
// whole service over a window. Used by the health scorer.
func (s *Store) ServiceWindowStats(ctx context.Context, service string, sinceMs, untilMs int64) (WindowStats, error) {
	defer observe("service_window_stats", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var st WindowStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(value), 0),
		       COALESCE(STDDEV_SAMP(value), 0),
		       COUNT(*) FILTER (WHERE status_code >= 500),
		       AVG(duration_ms),
		       PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms)
		FROM metrics
		WHERE aggregated = FALSE AND service_name = $1
		  AND timestamp >= $2 AND timestamp < $3`,
		service, sinceMs, untilMs).
		Scan(&st.Count, &st.Mean, &st.StdDev, &st.ErrorCount, &st.AvgLatency, &st.P95)
	return st, errors.Wrap(err, "querying service window stats")
}

// RecentSamples returns all raw samples newer than sinceMs, for the live
// websocket feed.
func (s *Store) RecentSamples(ctx context.Context, sinceMs int64, limit int) ([]model.Metric, error) {
	defer observe("recent_samples", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, service_name, metric_name, metric_type, value
		FROM metrics
		WHERE aggregated = FALSE AND timestamp >= $1
		ORDER BY timestamp DESC
		LIMIT $2`, sinceMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying recent samples")
	}
	defer rows.Close()

	samples := []model.Metric{}
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.Timestamp, &m.ServiceName, &m.MetricName, &m.MetricType, &m.Value); err != nil {
			return nil, errors.Wrap(err, "scanning sample")
		}
		samples = append(samples, m)
	}
	return samples, errors.Wrap(rows.Err(), "iterating recent samples")
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfEmptyTags(tags map[string]string) any {
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func zeroToNil(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
