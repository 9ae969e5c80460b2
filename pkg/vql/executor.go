package vql

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "vql_queries_total",
		Help:      "Executed queries by outcome.",
	}, []string{"outcome"})
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "vql_query_duration_seconds",
		Help:      "End-to-end query latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// queryRunner is the slice of the store the executor needs.
type queryRunner interface {
	RunSelect(ctx context.Context, sql string, args []any) ([]string, [][]any, error)
	LogQuery(ctx context.Context, service, metric, source string) error
}

// Result carries an executed query's rows plus bookkeeping.
type Result struct {
	Columns   []string         `json:"columns"`
	Results   []map[string]any `json:"results"`
	RowCount  int              `json:"row_count"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Query     string           `json:"query"`
}

// RejectedError marks a statement refused by validation before reaching the
// store. Callers map it to a client error.
type RejectedError struct {
	Reason error
}

func (e *RejectedError) Error() string { return e.Reason.Error() }

func (e *RejectedError) Unwrap() error { return e.Reason }

// Executor compiles and runs statements against the store.
type Executor struct {
	store  queryRunner
	logger log.Logger
}

func NewExecutor(store queryRunner, logger log.Logger) *Executor {
	return &Executor{store: store, logger: logger}
}

// Execute validates, compiles and runs one statement. Rejected statements
// never touch the store.
func (e *Executor) Execute(ctx context.Context, raw string) (*Result, error) {
	start := time.Now()

	if err := PreValidate(raw); err != nil {
		queriesExecuted.WithLabelValues("rejected").Inc()
		return nil, &RejectedError{Reason: err}
	}
	q, err := Parse(raw)
	if err != nil {
		queriesExecuted.WithLabelValues("rejected").Inc()
		return nil, &RejectedError{Reason: err}
	}
	sql, args, err := Plan(q)
	if err != nil {
		queriesExecuted.WithLabelValues("rejected").Inc()
		return nil, &RejectedError{Reason: err}
	}

	cols, rows, err := e.store.RunSelect(ctx, sql, args)
	if err != nil {
		queriesExecuted.WithLabelValues("error").Inc()
		return nil, err
	}
	queriesExecuted.WithLabelValues("ok").Inc()
	queryDuration.Observe(time.Since(start).Seconds())

	e.logAccess(ctx, q)

	out := &Result{
		Columns:   cols,
		Results:   make([]map[string]any, 0, len(rows)),
		RowCount:  len(rows),
		ElapsedMs: time.Since(start).Milliseconds(),
		Query:     raw,
	}
	for _, row := range rows {
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			m[col] = row[i]
		}
		out.Results = append(out.Results, m)
	}
	return out, nil
}

// logAccess feeds the downsampler's access counts. Best effort: a failed
// append never fails the read.
func (e *Executor) logAccess(ctx context.Context, q *Query) {
	var service, metric string
	for _, c := range q.Where {
		switch c.Field {
		case "service_name":
			service = c.Value
		case "metric_name":
			metric = c.Value
		}
	}
	if service == "" && metric == "" {
		return
	}
	if err := e.store.LogQuery(ctx, service, metric, "vql"); err != nil {
		level.Debug(e.logger).Log("msg", "query log append failed", "err", err)
	}
}

// Examples returns ready-to-run statements for the examples endpoint.
func Examples() []string {
	return []string{
		"SELECT service_name, AVG(value) AS avg_latency FROM metrics WHERE metric_name = 'http.request.duration' AND timestamp > 1234567890 GROUP BY service_name",
		"SELECT * FROM metrics WHERE service_name = 'api-gateway' ORDER BY timestamp DESC LIMIT 100",
		"SELECT service_name, COUNT(*) AS request_count FROM metrics WHERE metric_type = 'counter' GROUP BY service_name ORDER BY COUNT(*) DESC",
		"SELECT metric_name, MIN(value), MAX(value), AVG(value) FROM metrics WHERE service_name = 'payment-service' GROUP BY metric_name",
		"SELECT service_name, metric_name, PERCENTILE(value, 95) FROM metrics WHERE aggregated = true LIMIT 50",
	}
}
