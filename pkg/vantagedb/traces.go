package vantagedb

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/pkg/model"
)

// upsertSpanTx records one span and folds it into its trace inside the
// caller's transaction. The trace's end time only advances, and its error
// flag is sticky.
func upsertSpanTx(ctx context.Context, tx pgx.Tx, sp *model.Span) error {
	endTime := sp.StartTime + int64(sp.DurationMs)
	hasError := sp.Error != "" || (sp.StatusCode != nil && *sp.StatusCode >= 500)

	tag, err := tx.Exec(ctx, `
		UPDATE traces SET
			end_time    = GREATEST(COALESCE(end_time, 0), $2),
			duration_ms = GREATEST(COALESCE(end_time, 0), $2) - start_time,
			span_count  = span_count + 1,
			has_error   = has_error OR $3
		WHERE trace_id = $1`, sp.TraceID, endTime, hasError)
	if err != nil {
		return errors.Wrap(err, "updating trace")
	}
	if tag.RowsAffected() == 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO traces (trace_id, service_name, start_time, end_time, duration_ms, span_count, has_error)
			VALUES ($1, $2, $3, $4, $5, 1, $6)`,
			sp.TraceID, sp.ServiceName, sp.StartTime, endTime, float64(endTime-sp.StartTime), hasError)
		if err != nil {
			return errors.Wrap(err, "inserting trace")
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO spans (span_id, trace_id, parent_span_id, service_name, operation, start_time, duration_ms, status_code, error, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sp.SpanID, sp.TraceID, sp.ParentSpanID, sp.ServiceName, sp.Operation,
		sp.StartTime, sp.DurationMs, sp.StatusCode, nilIfEmpty(sp.Error), nilIfEmptyTags(sp.Tags))
	return errors.Wrap(err, "inserting span")
}

// ListTraces returns the most recent traces.
func (s *Store) ListTraces(ctx context.Context, limit int) ([]model.Trace, error) {
	defer observe("list_traces", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT trace_id, service_name, start_time, end_time, duration_ms, span_count, has_error
		FROM traces
		ORDER BY start_time DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing traces")
	}
	defer rows.Close()
	return scanTraces(rows)
}

// GetTrace fetches one trace and its spans ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*model.Trace, []model.Span, error) {
	defer observe("get_trace", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var t model.Trace
	err := s.pool.QueryRow(ctx, `
		SELECT trace_id, service_name, start_time, end_time, duration_ms, span_count, has_error
		FROM traces WHERE trace_id = $1`, traceID).
		Scan(&t.TraceID, &t.ServiceName, &t.StartTime, &t.EndTime, &t.DurationMs, &t.SpanCount, &t.HasError)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying trace")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT span_id, trace_id, parent_span_id, service_name, operation, start_time, duration_ms, status_code, error, tags
		FROM spans WHERE trace_id = $1
		ORDER BY start_time`, traceID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying spans")
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var sp model.Span
		var errText *string
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.ServiceName, &sp.Operation,
			&sp.StartTime, &sp.DurationMs, &sp.StatusCode, &errText, &sp.Tags); err != nil {
			return nil, nil, errors.Wrap(err, "scanning span")
		}
		if errText != nil {
			sp.Error = *errText
		}
		spans = append(spans, sp)
	}
	return &t, spans, errors.Wrap(rows.Err(), "iterating spans")
}

// TraceSearch filters trace listing.
type TraceSearch struct {
	ServiceName   string
	MinDurationMs *float64
	MaxDurationMs *float64
	HasError      *bool
	Limit         int
}

// SearchTraces lists traces matching the filter, most recent first.
func (s *Store) SearchTraces(ctx context.Context, q TraceSearch) ([]model.Trace, error) {
	defer observe("search_traces", time.Now())
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	sql := `
		SELECT trace_id, service_name, start_time, end_time, duration_ms, span_count, has_error
		FROM traces WHERE TRUE`
	args := []any{}
	if q.ServiceName != "" {
		args = append(args, q.ServiceName)
		sql += " AND service_name = $" + itoa(len(args))
	}
	if q.MinDurationMs != nil {
		args = append(args, *q.MinDurationMs)
		sql += " AND duration_ms >= $" + itoa(len(args))
	}
	if q.MaxDurationMs != nil {
		args = append(args, *q.MaxDurationMs)
		sql += " AND duration_ms <= $" + itoa(len(args))
	}
	if q.HasError != nil {
		args = append(args, *q.HasError)
		sql += " AND has_error = $" + itoa(len(args))
	}
	args = append(args, q.Limit)
	sql += " ORDER BY start_time DESC LIMIT $" + itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "searching traces")
	}
	defer rows.Close()
	return scanTraces(rows)
}

func scanTraces(rows pgx.Rows) ([]model.Trace, error) {
	traces := []model.Trace{}
	for rows.Next() {
		var t model.Trace
		if err := rows.Scan(&t.TraceID, &t.ServiceName, &t.StartTime, &t.EndTime, &t.DurationMs, &t.SpanCount, &t.HasError); err != nil {
			return nil, errors.Wrap(err, "scanning trace")
		}
		traces = append(traces, t)
	}
	return traces, errors.Wrap(rows.Err(), "iterating traces")
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
