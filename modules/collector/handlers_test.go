package collector

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/circuitbreaker"
	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/ratelimit"
)

type fakeProducer struct {
	pushed  []*model.Batch
	pushErr error
}

func (f *fakeProducer) Push(_ context.Context, b *model.Batch) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, b)
	return nil
}

func (f *fakeProducer) Healthy(context.Context) error { return f.pushErr }
func (f *fakeProducer) Stats() ProducerStats          { return ProducerStats{BreakerState: "closed"} }
func (f *fakeProducer) Close()                        {}

func testCollector(t *testing.T, producer Producer) *Collector {
	t.Helper()
	cfg := Config{
		RateLimit: ratelimit.Config{Enabled: true, MaxRequests: 1000, Window: time.Minute},
	}
	return newForTesting(cfg, log.NewNopLogger(), producer)
}

func postBatch(t *testing.T, c *Collector, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.IngestHandler(rec, req)
	return rec
}

func batchJSON(t *testing.T, b *model.Batch) []byte {
	t.Helper()
	buf, err := json.Marshal(b)
	require.NoError(t, err)
	return buf
}

func validBatch() *model.Batch {
	return &model.Batch{
		ServiceName: "checkout",
		Metrics: []model.Metric{{
			Timestamp:   time.Now().UnixMilli(),
			ServiceName: "checkout",
			MetricName:  "orders.total",
			MetricType:  model.KindCounter,
			Value:       1,
		}},
	}
}

func TestIngestAccepted(t *testing.T) {
	producer := &fakeProducer{}
	c := testCollector(t, producer)

	rec := postBatch(t, c, batchJSON(t, validBatch()), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.IngestAccepted, resp.Status)
	require.Equal(t, 1, resp.MetricsAccepted)
	require.Zero(t, resp.MetricsRejected)
	require.Len(t, producer.pushed, 1)
}

func TestIngestFutureTimestampRejected(t *testing.T) {
	producer := &fakeProducer{}
	c := testCollector(t, producer)

	b := validBatch()
	b.Metrics[0].Timestamp = time.Now().Add(2 * time.Hour).UnixMilli()
	rec := postBatch(t, c, batchJSON(t, b), nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.IngestRejected, resp.Status)
	require.Len(t, resp.Errors, 1)
	require.Contains(t, resp.Errors[0], "future")
	require.Empty(t, producer.pushed)
}

func TestIngestPartial(t *testing.T) {
	producer := &fakeProducer{}
	c := testCollector(t, producer)

	b := validBatch()
	bad := b.Metrics[0]
	bad.MetricType = "bogus"
	b.Metrics = append(b.Metrics, bad)
	rec := postBatch(t, c, batchJSON(t, b), nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.IngestPartial, resp.Status)
	require.Equal(t, 1, resp.MetricsAccepted)
	require.Equal(t, 1, resp.MetricsRejected)
	require.Len(t, producer.pushed, 1)
	require.Len(t, producer.pushed[0].Metrics, 1)
}

func TestIngestEmptyBatch(t *testing.T) {
	c := testCollector(t, &fakeProducer{})
	rec := postBatch(t, c, []byte(`{"service_name":"checkout","metrics":[]}`), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestMalformedJSON(t *testing.T) {
	c := testCollector(t, &fakeProducer{})
	rec := postBatch(t, c, []byte(`{"metrics": [`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBreakerOpen(t *testing.T) {
	producer := &fakeProducer{pushErr: &circuitbreaker.OpenError{RetryAfter: 42 * time.Second}}
	c := testCollector(t, producer)

	rec := postBatch(t, c, batchJSON(t, validBatch()), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestIngestTraceHeaders(t *testing.T) {
	producer := &fakeProducer{}
	c := testCollector(t, producer)

	rec := postBatch(t, c, batchJSON(t, validBatch()), map[string]string{
		"X-Vantage-Trace-Id": "trace-1",
		"X-Vantage-Span-Id":  "span-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "trace-1", producer.pushed[0].Metrics[0].TraceID)
	require.Equal(t, "span-1", producer.pushed[0].Metrics[0].SpanID)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := Config{
		AuthEnabled: true,
		APIKey:      "sekrit",
		RateLimit:   ratelimit.Config{Enabled: false},
	}
	c := newForTesting(cfg, log.NewNopLogger(), &fakeProducer{})
	h := c.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/metrics", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthEnabledWithoutKeyFailsStartup(t *testing.T) {
	cfg := Config{AuthEnabled: true}
	_, err := New(cfg, log.NewNopLogger(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "api key")
}
