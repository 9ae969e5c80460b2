package alerter

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

var (
	alertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "alerter_alerts_fired_total",
		Help:      "New alerts fired, by severity.",
	}, []string{"severity"})
	alertsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "alerter_alerts_resolved_total",
		Help:      "Alerts resolved after returning to band.",
	})
	seriesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "alerter_series_evaluated_total",
		Help:      "Series evaluated against their adaptive band.",
	})
)

// Config for the adaptive alerting cycle.
type Config struct {
	Interval    time.Duration `yaml:"interval"`
	Sensitivity string        `yaml:"sensitivity"`
	MaxSeries   int           `yaml:"max_series"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Interval = time.Minute
	cfg.Sensitivity = "medium"
	cfg.MaxSeries = 100

	f.StringVar(&cfg.Sensitivity, prefix+".sensitivity", cfg.Sensitivity, "Alert sensitivity: low, medium, high, very_high.")
}

// alertStore is the slice of the store the alerter needs.
type alertStore interface {
	RawSeriesInWindow(ctx context.Context, sinceMs, untilMs int64, limit int) ([]vantagedb.SeriesKey, error)
	RawPoints(ctx context.Context, key vantagedb.SeriesKey, sinceMs, untilMs int64) ([]vantagedb.RawPoint, error)
	ActiveAlert(ctx context.Context, key vantagedb.SeriesKey) (*model.Alert, error)
	FireAlert(ctx context.Context, a *model.Alert) error
	RetriggerAlert(ctx context.Context, id int64, value float64, severity, message string) error
	ResolveAlert(ctx context.Context, id int64) error
}

// Alerter evaluates active series against adaptive thresholds derived from
// each series' own history.
type Alerter struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  alertStore
	sigma  float64
	now    func() time.Time
}

func New(cfg Config, store alertStore, logger log.Logger) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		logger: logger,
		store:  store,
		sigma:  sigmaFor(cfg.Sensitivity),
		now:    time.Now,
	}
	a.Service = services.NewTimerService(cfg.Interval, nil, a.iteration, nil)
	return a
}

func (a *Alerter) iteration(ctx context.Context) error {
	now := a.now()
	hourAgo := now.Add(-time.Hour).UnixMilli()

	keys, err := a.store.RawSeriesInWindow(ctx, hourAgo, now.UnixMilli(), a.cfg.MaxSeries)
	if err != nil {
		level.Error(a.logger).Log("msg", "listing active series failed", "err", err)
		return nil
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return nil
		}
		a.evaluateSeries(ctx, key, now)
	}
	return nil
}

// evaluateSeries compares the series' latest sample against a band built
// from [now-8d, now-1d) history. Breaches fire or refresh an alert; values
// back inside the band resolve it.
func (a *Alerter) evaluateSeries(ctx context.Context, key vantagedb.SeriesKey, now time.Time) {
	seriesEvaluated.Inc()

	recent, err := a.store.RawPoints(ctx, key, now.Add(-time.Hour).UnixMilli(), now.UnixMilli())
	if err != nil || len(recent) == 0 {
		return
	}
	current := recent[len(recent)-1].Value

	baselineEnd := now.Add(-24 * time.Hour).UnixMilli()
	baselineStart := now.Add(-8 * 24 * time.Hour).UnixMilli()
	history, err := a.store.RawPoints(ctx, key, baselineStart, baselineEnd)
	if err != nil || len(history) == 0 {
		return
	}
	baseline := make([]float64, len(history))
	for i, p := range history {
		baseline[i] = p.Value
	}

	lower, upper, ok := threshold(baseline, a.sigma)
	if !ok {
		return
	}

	active, err := a.store.ActiveAlert(ctx, key)
	if err != nil {
		level.Error(a.logger).Log("msg", "fetching active alert failed", "err", err)
		return
	}

	if current >= lower && current <= upper {
		if active != nil {
			if err := a.store.ResolveAlert(ctx, active.ID); err != nil {
				level.Error(a.logger).Log("msg", "resolving alert failed", "err", err)
				return
			}
			alertsResolved.Inc()
			level.Info(a.logger).Log("msg", "alert resolved",
				"service", key.ServiceName, "metric", key.MetricName, "value", current)
		}
		return
	}

	severity := severityFor(current, lower, upper)
	message := alertMessage(key.MetricName, current, lower, upper)

	if active != nil {
		// refresh, never lowering the severity already reached
		if !model.SeverityAtLeast(severity, active.Severity) {
			severity = active.Severity
		}
		if err := a.store.RetriggerAlert(ctx, active.ID, current, severity, message); err != nil {
			level.Error(a.logger).Log("msg", "updating alert failed", "err", err)
		}
		return
	}

	alert := &model.Alert{
		ServiceName:   key.ServiceName,
		MetricName:    key.MetricName,
		Severity:      severity,
		Status:        model.AlertStatusFiring,
		Message:       message,
		Value:         current,
		ThresholdLow:  lower,
		ThresholdHigh: upper,
	}
	if err := a.store.FireAlert(ctx, alert); err != nil {
		level.Error(a.logger).Log("msg", "firing alert failed", "err", err)
		return
	}
	alertsFired.WithLabelValues(severity).Inc()
	level.Warn(a.logger).Log("msg", "alert fired",
		"service", key.ServiceName, "metric", key.MetricName,
		"value", current, "expected_min", lower, "expected_max", upper, "severity", severity)
}
