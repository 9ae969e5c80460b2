package collector

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantage-obs/vantage/pkg/circuitbreaker"
	"github.com/vantage-obs/vantage/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "collector_metrics_received_total",
		Help:      "Metrics received on the ingest endpoint.",
	})
	metricsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "collector_metrics_accepted_total",
		Help:      "Metrics accepted and pushed to the log-bus.",
	})
	metricsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "collector_metrics_rejected_total",
		Help:      "Metrics rejected, by reason.",
	}, []string{"reason"})
	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "collector_ingest_duration_seconds",
		Help:      "Ingest request latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

const (
	traceIDHeader = "X-Vantage-Trace-Id"
	spanIDHeader  = "X-Vantage-Span-Id"
)

// IngestHandler accepts a metric batch, validates it, and pushes the valid
// metrics onto the log-bus. A batch where only some metrics validate is
// accepted partially; a batch with no valid metrics is a 422.
func (c *Collector) IngestHandler(w http.ResponseWriter, r *http.Request) {
	defer func(start time.Time) { ingestDuration.Observe(time.Since(start).Seconds()) }(time.Now())

	var batch model.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	now := time.Now()
	metricsReceived.Add(float64(len(batch.Metrics)))

	if err := validateEnvelope(&batch); err != nil {
		metricsRejected.WithLabelValues("envelope").Add(float64(len(batch.Metrics)))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	valid := batch.Metrics[:0:0]
	var errs []string
	for i := range batch.Metrics {
		if err := batch.Metrics[i].Validate(now); err != nil {
			metricsRejected.WithLabelValues("validation").Inc()
			errs = append(errs, fmt.Sprintf("metric %d: %s", i, err))
			continue
		}
		valid = append(valid, batch.Metrics[i])
	}

	resp := model.IngestResponse{
		MetricsReceived: len(batch.Metrics),
		MetricsAccepted: len(valid),
		MetricsRejected: len(batch.Metrics) - len(valid),
		Errors:          errs,
	}

	if len(valid) == 0 {
		resp.Status = model.IngestRejected
		resp.Message = "no valid metrics in batch"
		writeJSON(w, http.StatusUnprocessableEntity, &resp)
		return
	}

	applyTraceHeaders(r, valid)

	toSend := batch
	toSend.Metrics = valid
	if err := c.producer.Push(r.Context(), &toSend); err != nil {
		metricsRejected.WithLabelValues("produce").Add(float64(len(valid)))
		if openErr, ok := err.(*circuitbreaker.OpenError); ok {
			secs := int(openErr.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusServiceUnavailable, "ingest temporarily unavailable")
			return
		}
		level.Error(c.logger).Log("msg", "failed to push batch", "service", batch.ServiceName, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to persist metrics")
		return
	}
	metricsAccepted.Add(float64(len(valid)))

	if len(errs) > 0 {
		resp.Status = model.IngestPartial
		resp.Message = fmt.Sprintf("%d of %d metrics accepted", len(valid), len(batch.Metrics))
	} else {
		resp.Status = model.IngestAccepted
	}
	writeJSON(w, http.StatusAccepted, &resp)
}

// validateEnvelope checks batch-level invariants only; per-metric failures
// are handled individually so one bad sample does not sink its batch.
func validateEnvelope(b *model.Batch) error {
	if len(b.Metrics) == 0 {
		return fmt.Errorf("batch contains no metrics")
	}
	if len(b.Metrics) > model.MaxBatchSize {
		return fmt.Errorf("batch exceeds %d metrics", model.MaxBatchSize)
	}
	if b.ServiceName == "" || len(b.ServiceName) > model.MaxNameLen {
		return fmt.Errorf("service_name must be 1-%d characters", model.MaxNameLen)
	}
	if len(b.Environment) > model.MaxEnvLen {
		return fmt.Errorf("environment exceeds %d characters", model.MaxEnvLen)
	}
	return nil
}

// applyTraceHeaders stamps request-level trace context onto metrics that do
// not carry their own.
func applyTraceHeaders(r *http.Request, metrics []model.Metric) {
	traceID := r.Header.Get(traceIDHeader)
	spanID := r.Header.Get(spanIDHeader)
	if traceID == "" && spanID == "" {
		return
	}
	for i := range metrics {
		if traceID != "" && metrics[i].TraceID == "" {
			metrics[i].TraceID = traceID
		}
		if spanID != "" && metrics[i].SpanID == "" {
			metrics[i].SpanID = spanID
		}
	}
}

// HealthHandler reports per-dependency health.
func (c *Collector) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{Status: "healthy", Checks: map[string]string{}}
	code := http.StatusOK
	if err := c.producer.Healthy(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Checks["log_bus"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["log_bus"] = "ok"
	}
	writeJSON(w, code, &resp)
}

// ReadyHandler is the readiness probe: the producer must be reachable and
// the breaker must not be open.
func (c *Collector) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := c.producer.Healthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &model.HealthResponse{Status: "ready"})
}

// LiveHandler is the liveness probe.
func (c *Collector) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &model.HealthResponse{Status: "alive"})
}

// StatsHandler exposes ingest counters and producer state.
func (c *Collector) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(c.startTime).Seconds()),
		"producer":       c.producer.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
