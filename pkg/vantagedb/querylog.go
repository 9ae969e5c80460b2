package vantagedb

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// LogQuery records a read access against a series. Access counts feed the
// downsampler's importance score, so every query surface appends here.
// Failures are swallowed by callers; losing an access record must never
// fail a read.
func (s *Store) LogQuery(ctx context.Context, service, metric, source string) error {
	defer observe("log_query", time.Now())
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO query_log (service_name, metric_name, source)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3)`, service, metric, source)
	return errors.Wrap(err, "appending query log")
}

// QueryCount returns how many times a series was read since the cutoff.
// Rows logged without a metric name count toward every metric of the
// service.
func (s *Store) QueryCount(ctx context.Context, key SeriesKey, since time.Time) (int64, error) {
	defer observe("query_count", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM query_log
		WHERE service_name = $1 AND (metric_name = $2 OR metric_name IS NULL) AND timestamp >= $3`,
		key.ServiceName, key.MetricName, since).Scan(&count)
	return count, errors.Wrap(err, "counting query log entries")
}

// RunSelect executes a planned read-only statement with positional
// parameters and returns column names plus row values. It exists for the
// query language executor; nothing else should pass SQL text here.
func (s *Store) RunSelect(ctx context.Context, sql string, args []any) ([]string, [][]any, error) {
	defer observe("run_select", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "executing query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading row values")
		}
		out = append(out, vals)
	}
	return cols, out, errors.Wrap(rows.Err(), "iterating query rows")
}
