package querier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vantage-obs/vantage/pkg/analysis"
	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
	"github.com/vantage-obs/vantage/pkg/vql"
)

// Store is the slice of the backing store the query API reads through.
type Store interface {
	Ping(ctx context.Context) error

	Timeseries(ctx context.Context, service string, sinceMs, untilMs int64) ([]model.TimeseriesPoint, error)
	AggregatedSeries(ctx context.Context, service string, sinceMs, untilMs int64) ([]model.AggregatedPoint, error)
	Services(ctx context.Context) ([]vantagedb.ServiceInfo, error)
	RecentSamples(ctx context.Context, sinceMs int64, limit int) ([]model.Metric, error)

	ListAlerts(ctx context.Context, f vantagedb.AlertFilter) ([]model.Alert, error)
	AlertSummary(ctx context.Context) (map[string]int64, error)

	ListTraces(ctx context.Context, limit int) ([]model.Trace, error)
	GetTrace(ctx context.Context, traceID string) (*model.Trace, []model.Span, error)
	SearchTraces(ctx context.Context, q vantagedb.TraceSearch) ([]model.Trace, error)

	LogQuery(ctx context.Context, service, metric, source string) error
	RunSelect(ctx context.Context, sql string, args []any) ([]string, [][]any, error)

	MetricValues(ctx context.Context, service, metric string, sinceMs, untilMs int64) ([]float64, error)
	RequestCounts(ctx context.Context, service string, sinceMs, untilMs int64) (total, failed int64, err error)
	DurationsInWindow(ctx context.Context, service string, sinceMs, untilMs int64) ([]float64, error)
	SampleCount(ctx context.Context, service string, sinceMs, untilMs int64) (int64, error)
}

// Querier serves the read side: timeseries, VQL, comparisons, health scores,
// alerts, traces and the live websocket feed.
type Querier struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  Store

	executor *vql.Executor
	comparer *analysis.Comparer
	scorer   *analysis.HealthScorer

	allowedOrigins map[string]struct{}
	server         *http.Server
	stopCh         chan struct{}
}

func New(cfg Config, store Store, logger log.Logger) *Querier {
	q := &Querier{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		executor: vql.NewExecutor(store, logger),
		comparer: analysis.NewComparer(store, logger),
		scorer:   analysis.NewHealthScorer(store, logger),
		stopCh:   make(chan struct{}),
	}
	q.allowedOrigins = map[string]struct{}{}
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			q.allowedOrigins[origin] = struct{}{}
		}
	}
	q.Service = services.NewBasicService(q.starting, q.running, q.stopping)
	return q
}

func (q *Querier) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/metrics/timeseries", q.TimeseriesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/metrics/aggregated", q.AggregatedHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/services", q.ServicesHandler).Methods(http.MethodGet)

	router.HandleFunc("/vql/execute", q.VQLExecuteHandler).Methods(http.MethodPost)
	router.HandleFunc("/vql/examples", q.VQLExamplesHandler).Methods(http.MethodGet)

	router.HandleFunc("/compare/services", q.CompareServicesHandler).Methods(http.MethodPost)
	router.HandleFunc("/compare/time-periods", q.CompareTimePeriodsHandler).Methods(http.MethodPost)

	router.HandleFunc("/health/score/{service}", q.HealthScoreHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/scores", q.HealthScoresHandler).Methods(http.MethodGet)

	router.HandleFunc("/alerts", q.AlertsHandler).Methods(http.MethodGet)
	router.HandleFunc("/alerts/active", q.ActiveAlertsHandler).Methods(http.MethodGet)
	router.HandleFunc("/alerts/summary", q.AlertSummaryHandler).Methods(http.MethodGet)

	router.HandleFunc("/traces", q.TracesHandler).Methods(http.MethodGet)
	router.HandleFunc("/traces/search", q.TraceSearchHandler).Methods(http.MethodGet)
	router.HandleFunc("/traces/{id}", q.TraceHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws/metrics", q.MetricsWebsocketHandler)

	router.HandleFunc("/health", q.HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return q.corsMiddleware(q.authMiddleware(router))
}

func (q *Querier) starting(_ context.Context) error {
	if q.cfg.AuthEnabled && q.cfg.APIKey == "" {
		return errors.New("auth enabled but no api key configured")
	}

	q.server = &http.Server{
		Addr:        q.cfg.ListenAddress,
		Handler:     q.routes(),
		ReadTimeout: 30 * time.Second,
	}
	return nil
}

func (q *Querier) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		level.Info(q.logger).Log("msg", "query api listening", "addr", q.cfg.ListenAddress)
		if err := q.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "query api http server")
	case <-ctx.Done():
		return nil
	}
}

func (q *Querier) stopping(_ error) error {
	close(q.stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if q.server != nil {
		_ = q.server.Shutdown(shutdownCtx)
	}
	level.Info(q.logger).Log("msg", "query api stopped")
	return nil
}
