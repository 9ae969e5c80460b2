package vantagedb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "store_query_duration_seconds",
		Help:      "Store query latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "store_retention_rows_deleted_total",
		Help:      "Rows removed by the retention sweep.",
	}, []string{"table"})
)

// Store is the Postgres-backed time-series store shared by the worker and
// the query API.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger log.Logger
}

func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres url")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating postgres pool")
	}

	s := &Store{pool: pool, cfg: cfg, logger: logger}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()
	return errors.Wrap(s.pool.Ping(ctx), "pinging postgres")
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "creating schema")
	}
	return errors.Wrap(s.EnsurePartitions(ctx, time.Now()), "ensuring partitions")
}

// EnsurePartitions creates monthly partitions for the partitioned tables
// covering [now - raw retention, now + 1 month]. Safe to call repeatedly.
func (s *Store) EnsurePartitions(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	start := monthStart(now.Add(-s.cfg.RetentionRaw).UTC())
	end := monthStart(now.UTC()).AddDate(0, 2, 0)

	for month := start; month.Before(end); month = month.AddDate(0, 1, 0) {
		next := month.AddDate(0, 1, 0)
		for _, table := range []string{"metrics", "traces", "spans"} {
			name := fmt.Sprintf("%s_y%04dm%02d", table, month.Year(), month.Month())
			stmt := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
				name, table, month.UnixMilli(), next.UnixMilli(),
			)
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "creating partition %s", name)
			}
		}
	}
	return nil
}

// EnforceRetention deletes raw metrics older than the raw retention,
// aggregated metrics older than the aggregated retention, and traces, spans
// and query log entries older than the raw retention.
func (s *Store) EnforceRetention(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	rawCutoff := now.Add(-s.cfg.RetentionRaw).UnixMilli()
	aggCutoff := now.Add(-s.cfg.RetentionAgg).UnixMilli()

	sweeps := []struct {
		table string
		stmt  string
		args  []any
	}{
		{"metrics", "DELETE FROM metrics WHERE aggregated = FALSE AND timestamp < $1", []any{rawCutoff}},
		{"metrics", "DELETE FROM metrics WHERE aggregated = TRUE AND timestamp < $1", []any{aggCutoff}},
		{"traces", "DELETE FROM traces WHERE start_time < $1", []any{rawCutoff}},
		{"spans", "DELETE FROM spans WHERE start_time < $1", []any{rawCutoff}},
		{"query_log", "DELETE FROM query_log WHERE timestamp < $1", []any{now.Add(-s.cfg.RetentionRaw)}},
	}
	for _, sw := range sweeps {
		tag, err := s.pool.Exec(ctx, sw.stmt, sw.args...)
		if err != nil {
			return errors.Wrapf(err, "retention sweep on %s", sw.table)
		}
		if tag.RowsAffected() > 0 {
			retentionDeleted.WithLabelValues(sw.table).Add(float64(tag.RowsAffected()))
			level.Info(s.logger).Log("msg", "retention sweep", "table", sw.table, "deleted", tag.RowsAffected())
		}
	}
	return nil
}

func (s *Store) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.WriteTimeout)
}

func (s *Store) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ReadTimeout)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func observe(op string, start time.Time) {
	queryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
