package querier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

type fakeStore struct {
	pingErr error

	timeseries []model.TimeseriesPoint
	aggregated []model.AggregatedPoint
	services   []vantagedb.ServiceInfo
	samples    []model.Metric

	alerts     []model.Alert
	alertQuery vantagedb.AlertFilter
	summary    map[string]int64

	traces      []model.Trace
	trace       *model.Trace
	spans       []model.Span
	traceSearch vantagedb.TraceSearch

	selectCols []string
	selectRows [][]any
	gotSelect  string

	values map[string][]float64
	logged []string
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Timeseries(_ context.Context, _ string, _, _ int64) ([]model.TimeseriesPoint, error) {
	if f.timeseries == nil {
		return []model.TimeseriesPoint{}, nil
	}
	return f.timeseries, nil
}

func (f *fakeStore) AggregatedSeries(_ context.Context, _ string, _, _ int64) ([]model.AggregatedPoint, error) {
	return f.aggregated, nil
}

func (f *fakeStore) Services(context.Context) ([]vantagedb.ServiceInfo, error) {
	return f.services, nil
}

func (f *fakeStore) RecentSamples(_ context.Context, _ int64, _ int) ([]model.Metric, error) {
	return f.samples, nil
}

func (f *fakeStore) ListAlerts(_ context.Context, q vantagedb.AlertFilter) ([]model.Alert, error) {
	f.alertQuery = q
	return f.alerts, nil
}

func (f *fakeStore) AlertSummary(context.Context) (map[string]int64, error) {
	return f.summary, nil
}

func (f *fakeStore) ListTraces(_ context.Context, _ int) ([]model.Trace, error) {
	return f.traces, nil
}

func (f *fakeStore) GetTrace(_ context.Context, _ string) (*model.Trace, []model.Span, error) {
	return f.trace, f.spans, nil
}

func (f *fakeStore) SearchTraces(_ context.Context, q vantagedb.TraceSearch) ([]model.Trace, error) {
	f.traceSearch = q
	return f.traces, nil
}

func (f *fakeStore) LogQuery(_ context.Context, service, _, _ string) error {
	f.logged = append(f.logged, service)
	return nil
}

func (f *fakeStore) RunSelect(_ context.Context, sql string, _ []any) ([]string, [][]any, error) {
	f.gotSelect = sql
	return f.selectCols, f.selectRows, nil
}

func (f *fakeStore) MetricValues(_ context.Context, service, _ string, _, _ int64) ([]float64, error) {
	return f.values[service], nil
}

func (f *fakeStore) RequestCounts(_ context.Context, _ string, _, _ int64) (int64, int64, error) {
	return 100, 0, nil
}

func (f *fakeStore) DurationsInWindow(_ context.Context, _ string, _, _ int64) ([]float64, error) {
	return []float64{10, 20, 30}, nil
}

func (f *fakeStore) SampleCount(_ context.Context, _ string, _, _ int64) (int64, error) {
	return 100, nil
}

func testConfig() Config {
	cfg := Config{}
	cfg.ListenAddress = ":0"
	cfg.CORSAllowedOrigins = "*"
	cfg.WSPushInterval = 5 * time.Second
	return cfg
}

func doRequest(q *Querier, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	q.routes().ServeHTTP(w, r)
	return w
}

func TestTimeseriesEmptyIsOK(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/api/metrics/timeseries?service=checkout", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]\n", w.Body.String())
}

func TestTimeseriesRangeValidation(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	for _, path := range []string{
		"/api/metrics/timeseries?range=59",
		"/api/metrics/timeseries?range=86401",
		"/api/metrics/timeseries?range=abc",
	} {
		w := doRequest(q, http.MethodGet, path, "")
		require.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := doRequest(q, http.MethodGet, "/api/metrics/timeseries?range=3600", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTimeseriesRecordsAccess(t *testing.T) {
	store := &fakeStore{}
	q := New(testConfig(), store, log.NewNopLogger())

	doRequest(q, http.MethodGet, "/api/metrics/timeseries?service=checkout", "")
	require.Equal(t, []string{"checkout"}, store.logged)

	// reads without a service filter are not logged
	doRequest(q, http.MethodGet, "/api/metrics/timeseries", "")
	require.Len(t, store.logged, 1)
}

func TestVQLExecute(t *testing.T) {
	store := &fakeStore{
		selectCols: []string{"service_name"},
		selectRows: [][]any{{"checkout"}},
	}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodPost, "/vql/execute", `{"query": "SELECT service_name FROM metrics LIMIT 10"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"row_count":1`)

	// rejected statements are client errors and never reach the store
	store.gotSelect = ""
	w = doRequest(q, http.MethodPost, "/vql/execute", `{"query": "DROP TABLE metrics"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, store.gotSelect)
}

func TestVQLExamples(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/vql/examples", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "SELECT")
}

func TestCompareServices(t *testing.T) {
	values := map[string][]float64{}
	for _, svc := range []string{"v1", "v2"} {
		for i := 0; i < 30; i++ {
			base := 100.0
			if svc == "v2" {
				base = 300.0
			}
			values[svc] = append(values[svc], base+float64(i))
		}
	}
	q := New(testConfig(), &fakeStore{values: values}, log.NewNopLogger())

	w := doRequest(q, http.MethodPost, "/compare/services",
		`{"baseline_service": "v1", "candidate_service": "v2", "metric_name": "http.request.latency", "time_start": 0, "time_end": 1000}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"verdict":"worse"`)
}

func TestCompareInsufficientDataIs400(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodPost, "/compare/services",
		`{"baseline_service": "v1", "candidate_service": "v2", "metric_name": "latency"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "insufficient data")
}

func TestCompareMissingFieldsIs400(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodPost, "/compare/services", `{"baseline_service": "v1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthScore(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/health/score/checkout", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"service_name":"checkout"`)
	require.Contains(t, w.Body.String(), `"overall_score":100`)
}

func TestHealthScoresSortedWorstFirst(t *testing.T) {
	store := &fakeStore{services: []vantagedb.ServiceInfo{
		{ServiceName: "a"}, {ServiceName: "b"},
	}}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/health/scores", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"service_name":"a"`)
	require.Contains(t, w.Body.String(), `"service_name":"b"`)
}

func TestAlertsFilters(t *testing.T) {
	store := &fakeStore{}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/alerts?service=checkout&status=resolved&severity=warning&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, vantagedb.AlertFilter{
		ServiceName: "checkout",
		Status:      "resolved",
		Severity:    "warning",
		Limit:       5,
	}, store.alertQuery)

	w = doRequest(q, http.MethodGet, "/alerts?limit=1001", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActiveAlertsForcesStatus(t *testing.T) {
	store := &fakeStore{}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/alerts/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.AlertStatusFiring, store.alertQuery.Status)
}

func TestAlertSummary(t *testing.T) {
	store := &fakeStore{summary: map[string]int64{"info": 1, "warning": 2, "critical": 0}}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/alerts/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total_active":3`)
}

func TestHealthEndpoint(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())
	w := doRequest(q, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	q = New(testConfig(), &fakeStore{pingErr: context.DeadlineExceeded}, log.NewNopLogger())
	w = doRequest(q, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.AuthEnabled = true
	cfg.APIKey = "secret"
	q := New(cfg, &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	r.Header.Set(apiKeyHeader, "secret")
	rec := httptest.NewRecorder()
	q.routes().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	// probes stay open
	w = doRequest(q, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	r := httptest.NewRequest(http.MethodOptions, "/api/services", nil)
	r.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	q.routes().ServeHTTP(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowedOrigins = "https://ok.example.com"
	q := New(cfg, &fakeStore{}, log.NewNopLogger())

	r := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	q.routes().ServeHTTP(w, r)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
