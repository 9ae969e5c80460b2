package querier

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantage-obs/vantage/pkg/analysis"
	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
	"github.com/vantage-obs/vantage/pkg/vql"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "querier_requests_total",
		Help:      "Query API requests by endpoint.",
	}, []string{"endpoint"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "querier_request_duration_seconds",
		Help:      "Query API request latency by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// Range bounds for the timeseries endpoints, in seconds.
const (
	minRangeSeconds     = 60
	maxRangeSeconds     = 86400
	defaultRangeSeconds = 3600
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// rangeSeconds reads the "range" query parameter, bounded and defaulted.
func rangeSeconds(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("range")
	if raw == "" {
		return defaultRangeSeconds, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("range must be an integer number of seconds")
	}
	if secs < minRangeSeconds || secs > maxRangeSeconds {
		return 0, errors.Errorf("range must be between %d and %d seconds", minRangeSeconds, maxRangeSeconds)
	}
	return secs, nil
}

// listLimit reads the "limit" query parameter, bounded and defaulted.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		return 0, errors.Errorf("limit must be at most %d", maxListLimit)
	}
	return limit, nil
}

// TimeseriesHandler returns raw samples over the requested trailing range.
func (q *Querier) TimeseriesHandler(w http.ResponseWriter, r *http.Request) {
	defer track("timeseries", time.Now())

	secs, err := rangeSeconds(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	service := r.URL.Query().Get("service")

	nowMs := time.Now().UnixMilli()
	points, err := q.store.Timeseries(r.Context(), service, nowMs-int64(secs)*1000, nowMs)
	if err != nil {
		q.storeError(w, "timeseries", err)
		return
	}
	q.recordAccess(r, service)
	writeJSON(w, http.StatusOK, points)
}

// AggregatedHandler returns downsampled buckets over the requested range.
func (q *Querier) AggregatedHandler(w http.ResponseWriter, r *http.Request) {
	defer track("aggregated", time.Now())

	secs, err := rangeSeconds(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	service := r.URL.Query().Get("service")

	nowMs := time.Now().UnixMilli()
	points, err := q.store.AggregatedSeries(r.Context(), service, nowMs-int64(secs)*1000, nowMs)
	if err != nil {
		q.storeError(w, "aggregated", err)
		return
	}
	q.recordAccess(r, service)
	writeJSON(w, http.StatusOK, points)
}

// ServicesHandler lists known services.
func (q *Querier) ServicesHandler(w http.ResponseWriter, r *http.Request) {
	defer track("services", time.Now())

	infos, err := q.store.Services(r.Context())
	if err != nil {
		q.storeError(w, "services", err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type vqlRequest struct {
	Query string `json:"query"`
}

// VQLExecuteHandler runs one VQL statement. Statements refused by validation
// are a 400; only store faults are a 500.
func (q *Querier) VQLExecuteHandler(w http.ResponseWriter, r *http.Request) {
	defer track("vql_execute", time.Now())

	var req vqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	res, err := q.executor.Execute(r.Context(), req.Query)
	if err != nil {
		var rejected *vql.RejectedError
		if errors.As(err, &rejected) {
			writeError(w, http.StatusBadRequest, rejected.Error())
			return
		}
		q.storeError(w, "vql_execute", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VQLExamplesHandler returns ready-to-run example statements.
func (q *Querier) VQLExamplesHandler(w http.ResponseWriter, _ *http.Request) {
	defer track("vql_examples", time.Now())
	writeJSON(w, http.StatusOK, map[string][]string{"examples": vql.Examples()})
}

type serviceComparisonRequest struct {
	BaselineService  string `json:"baseline_service"`
	CandidateService string `json:"candidate_service"`
	MetricName       string `json:"metric_name"`
	TimeStart        int64  `json:"time_start"`
	TimeEnd          int64  `json:"time_end"`
}

// CompareServicesHandler compares one metric between two services over the
// same window.
func (q *Querier) CompareServicesHandler(w http.ResponseWriter, r *http.Request) {
	defer track("compare_services", time.Now())

	var req serviceComparisonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.BaselineService == "" || req.CandidateService == "" || req.MetricName == "" {
		writeError(w, http.StatusBadRequest, "baseline_service, candidate_service and metric_name are required")
		return
	}

	res, err := q.comparer.CompareServices(r.Context(),
		req.BaselineService, req.CandidateService, req.MetricName, req.TimeStart, req.TimeEnd)
	if err != nil {
		if errors.Is(err, analysis.ErrInsufficientData) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.storeError(w, "compare_services", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type timeComparisonRequest struct {
	ServiceName    string `json:"service_name"`
	MetricName     string `json:"metric_name"`
	BaselineStart  int64  `json:"baseline_start"`
	BaselineEnd    int64  `json:"baseline_end"`
	CandidateStart int64  `json:"candidate_start"`
	CandidateEnd   int64  `json:"candidate_end"`
}

// CompareTimePeriodsHandler compares one service's metric across two windows.
func (q *Querier) CompareTimePeriodsHandler(w http.ResponseWriter, r *http.Request) {
	defer track("compare_time_periods", time.Now())

	var req timeComparisonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.ServiceName == "" || req.MetricName == "" {
		writeError(w, http.StatusBadRequest, "service_name and metric_name are required")
		return
	}

	res, err := q.comparer.CompareTimePeriods(r.Context(), req.ServiceName, req.MetricName,
		req.BaselineStart, req.BaselineEnd, req.CandidateStart, req.CandidateEnd)
	if err != nil {
		if errors.Is(err, analysis.ErrInsufficientData) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.storeError(w, "compare_time_periods", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// healthWindow reads the "time_window_seconds" parameter.
func healthWindow(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("time_window_seconds")
	if raw == "" {
		return time.Hour, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 1 {
		return 0, errors.New("time_window_seconds must be a positive integer")
	}
	return time.Duration(secs) * time.Second, nil
}

// HealthScoreHandler grades one service.
func (q *Querier) HealthScoreHandler(w http.ResponseWriter, r *http.Request) {
	defer track("health_score", time.Now())

	window, err := healthWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	score, err := q.scorer.Score(r.Context(), mux.Vars(r)["service"], window)
	if err != nil {
		q.storeError(w, "health_score", err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// HealthScoresHandler grades every known service, worst first.
func (q *Querier) HealthScoresHandler(w http.ResponseWriter, r *http.Request) {
	defer track("health_scores", time.Now())

	window, err := healthWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	infos, err := q.store.Services(r.Context())
	if err != nil {
		q.storeError(w, "health_scores", err)
		return
	}

	scores := make([]*analysis.HealthScore, 0, len(infos))
	for _, info := range infos {
		score, err := q.scorer.Score(r.Context(), info.ServiceName, window)
		if err != nil {
			q.storeError(w, "health_scores", err)
			return
		}
		scores = append(scores, score)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].OverallScore < scores[j].OverallScore })
	writeJSON(w, http.StatusOK, scores)
}

// AlertsHandler lists alerts with optional service/status/severity filters.
func (q *Querier) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	defer track("alerts", time.Now())

	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := r.URL.Query()
	alerts, err := q.store.ListAlerts(r.Context(), vantagedb.AlertFilter{
		ServiceName: params.Get("service"),
		Status:      params.Get("status"),
		Severity:    params.Get("severity"),
		Limit:       limit,
	})
	if err != nil {
		q.storeError(w, "alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// ActiveAlertsHandler lists currently firing alerts.
func (q *Querier) ActiveAlertsHandler(w http.ResponseWriter, r *http.Request) {
	defer track("alerts_active", time.Now())

	alerts, err := q.store.ListAlerts(r.Context(), vantagedb.AlertFilter{
		ServiceName: r.URL.Query().Get("service"),
		Status:      model.AlertStatusFiring,
		Limit:       maxListLimit,
	})
	if err != nil {
		q.storeError(w, "alerts_active", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// AlertSummaryHandler counts active alerts by severity.
func (q *Querier) AlertSummaryHandler(w http.ResponseWriter, r *http.Request) {
	defer track("alerts_summary", time.Now())

	summary, err := q.store.AlertSummary(r.Context())
	if err != nil {
		q.storeError(w, "alerts_summary", err)
		return
	}

	var total int64
	for _, count := range summary {
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"severity_counts": summary,
		"total_active":    total,
	})
}

// HealthHandler reports store health.
func (q *Querier) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{Status: "healthy", Checks: map[string]string{}}
	code := http.StatusOK
	if err := q.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Checks["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}
	writeJSON(w, code, &resp)
}

// recordAccess appends the read to the query log, feeding the downsampler's
// access scoring. Best effort.
func (q *Querier) recordAccess(r *http.Request, service string) {
	if service == "" {
		return
	}
	if err := q.store.LogQuery(r.Context(), service, "", "api"); err != nil {
		level.Debug(q.logger).Log("msg", "query log append failed", "err", err)
	}
}

func (q *Querier) storeError(w http.ResponseWriter, endpoint string, err error) {
	level.Error(q.logger).Log("msg", "store query failed", "endpoint", endpoint, "err", err)
	writeError(w, http.StatusInternalServerError, "query failed")
}

func track(endpoint string, start time.Time) {
	requestsTotal.WithLabelValues(endpoint).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
