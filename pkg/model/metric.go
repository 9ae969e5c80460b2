package model

import (
	"fmt"
	"math"
	"time"
)

// Metric kinds accepted on the wire. Aggregated rows are produced internally
// by the downsampler and never accepted from agents.
const (
	KindCounter    = "counter"
	KindGauge      = "gauge"
	KindHistogram  = "histogram"
	KindAggregated = "aggregated"

	// KindSpan marks records carrying span payloads that the worker routes
	// to the trace side-channel instead of the metrics table.
	KindSpan = "trace.span"
)

const (
	MaxNameLen     = 255
	MaxEndpointLen = 500
	MaxMethodLen   = 10
	MaxErrorLen    = 1000
	MaxEnvLen      = 50
	MaxBatchSize   = 1000

	// Accepted timestamp skew around ingest time.
	MaxTimestampAge    = 7 * 24 * time.Hour
	MaxTimestampFuture = time.Hour
)

// ParentSpanRoot is the sentinel agents send for spans without a parent.
// It is stored as NULL.
const ParentSpanRoot = "root"

// Metric is a single immutable sample as emitted by an agent. The
// aggregation facet is only populated on rows written by the downsampler.
type Metric struct {
	Timestamp   int64             `json:"timestamp"`
	ServiceName string            `json:"service_name"`
	MetricName  string            `json:"metric_name"`
	MetricType  string            `json:"metric_type"`
	Value       float64           `json:"value"`
	Tags        map[string]string `json:"tags,omitempty"`

	// HTTP facet.
	Endpoint   string   `json:"endpoint,omitempty"`
	Method     string   `json:"method,omitempty"`
	StatusCode *int     `json:"status_code,omitempty"`
	DurationMs *float64 `json:"duration_ms,omitempty"`
	Error      string   `json:"error,omitempty"`

	// Trace correlation.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Aggregation facet, populated only when Aggregated is true.
	Aggregated        bool     `json:"aggregated,omitempty"`
	ResolutionMinutes int      `json:"resolution_minutes,omitempty"`
	MinValue          *float64 `json:"min_value,omitempty"`
	MaxValue          *float64 `json:"max_value,omitempty"`
	P50               *float64 `json:"p50,omitempty"`
	P95               *float64 `json:"p95,omitempty"`
	P99               *float64 `json:"p99,omitempty"`
	SampleCount       int      `json:"sample_count,omitempty"`
	ErrorCount        int      `json:"error_count,omitempty"`
}

// Validate checks the schema invariants on a raw metric relative to now.
func (m *Metric) Validate(now time.Time) error {
	nowMs := now.UnixMilli()
	if m.Timestamp > nowMs+MaxTimestampFuture.Milliseconds() {
		return fmt.Errorf("timestamp %d is too far in the future", m.Timestamp)
	}
	if m.Timestamp < nowMs-MaxTimestampAge.Milliseconds() {
		return fmt.Errorf("timestamp %d is too old (>7 days)", m.Timestamp)
	}
	if err := validateName("service_name", m.ServiceName); err != nil {
		return err
	}
	if err := validateName("metric_name", m.MetricName); err != nil {
		return err
	}
	switch m.MetricType {
	case KindCounter, KindGauge, KindHistogram, KindSpan:
	default:
		return fmt.Errorf("metric_type %q is not one of counter, gauge, histogram", m.MetricType)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("value must be finite, got %v", m.Value)
	}
	if len(m.Endpoint) > MaxEndpointLen {
		return fmt.Errorf("endpoint exceeds %d characters", MaxEndpointLen)
	}
	if len(m.Method) > MaxMethodLen {
		return fmt.Errorf("method exceeds %d characters", MaxMethodLen)
	}
	if m.StatusCode != nil && (*m.StatusCode < 0 || *m.StatusCode > 999) {
		return fmt.Errorf("status_code %d out of range 0-999", *m.StatusCode)
	}
	if m.DurationMs != nil && (*m.DurationMs < 0 || math.IsNaN(*m.DurationMs) || math.IsInf(*m.DurationMs, 0)) {
		return fmt.Errorf("duration_ms must be a non-negative finite number")
	}
	if len(m.Error) > MaxErrorLen {
		return fmt.Errorf("error exceeds %d characters", MaxErrorLen)
	}
	if m.Aggregated {
		return fmt.Errorf("aggregated metrics are not accepted at ingest")
	}
	return nil
}

// IsError reports whether the sample represents a server-side failure.
func (m *Metric) IsError() bool {
	return m.StatusCode != nil && *m.StatusCode >= 500
}

// Batch is the envelope agents post to the collector. ServiceName doubles as
// the log-bus partition key.
type Batch struct {
	Metrics      []Metric `json:"metrics"`
	ServiceName  string   `json:"service_name"`
	Environment  string   `json:"environment,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
}

// Validate checks envelope invariants. Per-metric failures are reported with
// the offending index so callers can surface actionable 422s.
func (b *Batch) Validate(now time.Time) error {
	if len(b.Metrics) == 0 {
		return fmt.Errorf("batch contains no metrics")
	}
	if len(b.Metrics) > MaxBatchSize {
		return fmt.Errorf("batch exceeds %d metrics", MaxBatchSize)
	}
	if err := validateName("service_name", b.ServiceName); err != nil {
		return err
	}
	if len(b.Environment) > MaxEnvLen {
		return fmt.Errorf("environment exceeds %d characters", MaxEnvLen)
	}
	for i := range b.Metrics {
		if err := b.Metrics[i].Validate(now); err != nil {
			return fmt.Errorf("metric %d: %w", i, err)
		}
	}
	return nil
}

func validateName(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if len(v) > MaxNameLen {
		return fmt.Errorf("%s exceeds %d characters", field, MaxNameLen)
	}
	return nil
}
