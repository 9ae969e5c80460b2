package model

// Trace is the persisted root record for a distributed trace. StartTime and
// EndTime are unix milliseconds.
type Trace struct {
	TraceID     string   `json:"trace_id"`
	ServiceName string   `json:"service_name"`
	StartTime   int64    `json:"start_time"`
	EndTime     *int64   `json:"end_time,omitempty"`
	DurationMs  *float64 `json:"duration_ms,omitempty"`
	SpanCount   int      `json:"span_count"`
	HasError    bool     `json:"has_error"`
}

// Span is one operation inside a trace. ParentSpanID is nil for root spans;
// the wire sentinel "root" is translated before storage.
type Span struct {
	SpanID       string            `json:"span_id"`
	TraceID      string            `json:"trace_id"`
	ParentSpanID *string           `json:"parent_span_id,omitempty"`
	ServiceName  string            `json:"service_name"`
	Operation    string            `json:"operation"`
	StartTime    int64             `json:"start_time"`
	DurationMs   float64           `json:"duration_ms"`
	StatusCode   *int              `json:"status_code,omitempty"`
	Error        string            `json:"error,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	// Depth is derived when assembling a span tree; it is not stored.
	Depth int `json:"depth"`
}
