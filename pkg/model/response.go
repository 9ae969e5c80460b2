package model

// Ingest response statuses.
const (
	IngestAccepted = "accepted"
	IngestPartial  = "partial"
	IngestRejected = "rejected"
)

// IngestResponse is the collector's answer to a metrics POST.
type IngestResponse struct {
	Status          string   `json:"status"`
	MetricsReceived int      `json:"metrics_received"`
	MetricsAccepted int      `json:"metrics_accepted"`
	MetricsRejected int      `json:"metrics_rejected"`
	Message         string   `json:"message,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// HealthResponse reports per-dependency health on /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// TimeseriesPoint is one sample on the query API's timeseries surface.
type TimeseriesPoint struct {
	Timestamp  int64   `json:"timestamp"`
	Value      float64 `json:"value"`
	MetricName string  `json:"metric_name"`
}

// AggregatedPoint is one downsampled bucket on the query API.
type AggregatedPoint struct {
	Timestamp         int64    `json:"timestamp"`
	MetricName        string   `json:"metric_name"`
	ResolutionMinutes int      `json:"resolution_minutes"`
	Avg               float64  `json:"avg"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	P50               *float64 `json:"p50,omitempty"`
	P95               *float64 `json:"p95,omitempty"`
	P99               *float64 `json:"p99,omitempty"`
	SampleCount       int      `json:"sample_count"`
	ErrorCount        int      `json:"error_count"`
}
