package downsampler

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
	samplesDownsampled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "downsampler_samples_replaced_total",
		Help:      "Raw samples replaced by aggregated buckets.",
	})
	bucketsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "downsampler_buckets_written_total",
		Help:      "Aggregated buckets written.",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "downsampler_cycle_duration_seconds",
		Help:      "Downsampling cycle latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	})
)

// rule selects a resolution for raw data of a given age when the series'
// importance falls below the threshold. Resolution 0 means keep raw.
type rule struct {
	ageDays           int
	minImportance     float64
	resolutionMinutes int
}

// Evaluated in order; later rules only see series earlier rules left raw.
var rules = []rule{
	{1, 0, 0},
	{7, 80, 1},
	{7, 50, 5},
	{7, 0, 15},
	{30, 80, 5},
	{30, 50, 60},
	{30, 0, 360},
	{90, 0, 1440},
}

const maxSeriesPerWindow = 1000

// Config for the downsampling cycle.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Interval = 6 * time.Hour
	f.DurationVar(&cfg.Interval, prefix+".interval", cfg.Interval, "How often to run the downsampling cycle.")
}

// seriesStore is the slice of the store the downsampler needs.
type seriesStore interface {
	RawSeriesInWindow(ctx context.Context, sinceMs, untilMs int64, limit int) ([]vantagedb.SeriesKey, error)
	RawPoints(ctx context.Context, key vantagedb.SeriesKey, sinceMs, untilMs int64) ([]vantagedb.RawPoint, error)
	QueryCount(ctx context.Context, key vantagedb.SeriesKey, since time.Time) (int64, error)
	ReplaceWithAggregates(ctx context.Context, key vantagedb.SeriesKey, sinceMs, untilMs int64, aggregates []model.Metric) (int64, error)
}

// Downsampler periodically replaces old raw samples with aggregated buckets
// sized by each series' importance.
type Downsampler struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  seriesStore
	now    func() time.Time
}

func New(cfg Config, store seriesStore, logger log.Logger) *Downsampler {
	d := &Downsampler{
		cfg:    cfg,
		logger: logger,
		store:  store,
		now:    time.Now,
	}
	d.Service = services.NewTimerService(cfg.Interval, nil, d.iteration, nil)
	return d
}

func (d *Downsampler) iteration(ctx context.Context) error {
	start := time.Now()
	replaced, written := d.runCycle(ctx)
	cycleDuration.Observe(time.Since(start).Seconds())
	level.Info(d.logger).Log("msg", "downsampling cycle complete",
		"samples_replaced", replaced, "buckets_written", written, "elapsed", time.Since(start))
	// cycle errors are logged per series; the timer must keep running
	return nil
}

func (d *Downsampler) runCycle(ctx context.Context) (int64, int64) {
	now := d.now().UnixMilli()
	var replaced, written int64

	for _, r := range rules {
		if r.resolutionMinutes == 0 {
			continue
		}
		sinceMs := now - int64(r.ageDays)*86400_000
		untilMs := now
		if r.ageDays > 1 {
			untilMs = now - int64(r.ageDays-1)*86400_000
		}

		keys, err := d.store.RawSeriesInWindow(ctx, sinceMs, untilMs, maxSeriesPerWindow)
		if err != nil {
			level.Error(d.logger).Log("msg", "listing series failed", "age_days", r.ageDays, "err", err)
			continue
		}

		for _, key := range keys {
			if ctx.Err() != nil {
				return replaced, written
			}
			rep, wr := d.downsampleSeries(ctx, key, r, sinceMs, untilMs)
			replaced += rep
			written += wr
		}
	}
	samplesDownsampled.Add(float64(replaced))
	bucketsWritten.Add(float64(written))
	return replaced, written
}

func (d *Downsampler) downsampleSeries(ctx context.Context, key vantagedb.SeriesKey, r rule, sinceMs, untilMs int64) (int64, int64) {
	points, err := d.store.RawPoints(ctx, key, sinceMs, untilMs)
	if err != nil {
		level.Error(d.logger).Log("msg", "fetching raw points failed", "service", key.ServiceName, "metric", key.MetricName, "err", err)
		return 0, 0
	}
	if len(points) == 0 {
		return 0, 0
	}

	accessCount, err := d.store.QueryCount(ctx, key, d.now().Add(-7*24*time.Hour))
	if err != nil {
		level.Warn(d.logger).Log("msg", "access count unavailable", "err", err)
		accessCount = -1
	}

	importance := importanceScore(points, accessCount)
	if importance >= r.minImportance {
		return 0, 0
	}

	aggregates := aggregate(key, points, r.resolutionMinutes)
	removed, err := d.store.ReplaceWithAggregates(ctx, key, sinceMs, untilMs, aggregates)
	if err != nil {
		level.Error(d.logger).Log("msg", "replacing raw samples failed", "service", key.ServiceName, "metric", key.MetricName, "err", err)
		return 0, 0
	}

	level.Info(d.logger).Log("msg", "series downsampled",
		"service", key.ServiceName, "metric", key.MetricName,
		"importance", importance, "resolution_minutes", r.resolutionMinutes,
		"removed", removed, "buckets", len(aggregates))
	return removed, int64(len(aggregates))
}
