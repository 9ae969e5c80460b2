package analysis

import (
	"context"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Scoring thresholds.
const (
	errorRateGood = 0.01
	errorRateBad  = 0.05

	latencyGoodMs = 100.0
	latencyBadMs  = 500.0

	trafficChangeGood = 0.1
	trafficChangeBad  = 0.5
)

// Component weights for the overall score.
const (
	errorWeight   = 0.5
	latencyWeight = 0.3
	trafficWeight = 0.2
)

// HealthScore grades one service 0-100 from its recent error rate, p95
// latency and traffic stability.
type HealthScore struct {
	ServiceName  string        `json:"service_name"`
	OverallScore int           `json:"overall_score"`
	ErrorScore   int           `json:"error_score"`
	LatencyScore int           `json:"latency_score"`
	TrafficScore int           `json:"traffic_score"`
	Status       string        `json:"status"`
	Details      HealthDetails `json:"details"`
}

// HealthDetails carries the raw inputs behind the score.
type HealthDetails struct {
	ErrorRate            float64  `json:"error_rate"`
	P95LatencyMs         *float64 `json:"p95_latency_ms"`
	TrafficChangePercent float64  `json:"traffic_change_percent"`
	TimeWindowSeconds    int      `json:"time_window_seconds"`
}

// healthStore is the slice of the store the scorer reads through.
type healthStore interface {
	RequestCounts(ctx context.Context, service string, sinceMs, untilMs int64) (total, failed int64, err error)
	DurationsInWindow(ctx context.Context, service string, sinceMs, untilMs int64) ([]float64, error)
	SampleCount(ctx context.Context, service string, sinceMs, untilMs int64) (int64, error)
}

// HealthScorer computes service health scores.
type HealthScorer struct {
	store  healthStore
	logger log.Logger
	now    func() time.Time
}

func NewHealthScorer(store healthStore, logger log.Logger) *HealthScorer {
	return &HealthScorer{store: store, logger: logger, now: time.Now}
}

// Score grades one service over the trailing window.
func (h *HealthScorer) Score(ctx context.Context, service string, window time.Duration) (*HealthScore, error) {
	nowMs := h.now().UnixMilli()
	sinceMs := nowMs - window.Milliseconds()

	total, failed, err := h.store.RequestCounts(ctx, service, sinceMs, nowMs)
	if err != nil {
		return nil, err
	}
	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	durations, err := h.store.DurationsInWindow(ctx, service, sinceMs, nowMs)
	if err != nil {
		return nil, err
	}
	var p95Latency *float64
	if len(durations) > 0 {
		p := percentile(durations, 95)
		p95Latency = &p
	}

	trafficChange, err := h.trafficChange(ctx, service, sinceMs, nowMs)
	if err != nil {
		return nil, err
	}

	errorScore := scoreErrorRate(errorRate)
	latencyScore := scoreLatency(p95Latency)
	trafficScore := scoreTraffic(trafficChange)

	overall := int(errorWeight*float64(errorScore) +
		latencyWeight*float64(latencyScore) +
		trafficWeight*float64(trafficScore))

	score := &HealthScore{
		ServiceName:  service,
		OverallScore: overall,
		ErrorScore:   errorScore,
		LatencyScore: latencyScore,
		TrafficScore: trafficScore,
		Status:       statusFor(overall),
		Details: HealthDetails{
			ErrorRate:            errorRate,
			P95LatencyMs:         p95Latency,
			TrafficChangePercent: trafficChange * 100,
			TimeWindowSeconds:    int(window.Seconds()),
		},
	}
	level.Debug(h.logger).Log("msg", "scored service health",
		"service", service, "score", overall, "status", score.Status)
	return score, nil
}

// trafficChange compares the window's sample count against the immediately
// preceding window of the same length, clamped to [-1, 1].
func (h *HealthScorer) trafficChange(ctx context.Context, service string, sinceMs, untilMs int64) (float64, error) {
	current, err := h.store.SampleCount(ctx, service, sinceMs, untilMs)
	if err != nil {
		return 0, err
	}
	period := untilMs - sinceMs
	previous, err := h.store.SampleCount(ctx, service, sinceMs-period, sinceMs)
	if err != nil {
		return 0, err
	}
	if previous == 0 {
		return 0, nil
	}
	change := float64(current-previous) / float64(previous)
	return math.Max(-1, math.Min(1, change)), nil
}

// scoreErrorRate maps an error rate onto 0-100, interpolating linearly
// between the good and bad thresholds.
func scoreErrorRate(rate float64) int {
	switch {
	case rate <= errorRateGood:
		return 100
	case rate >= errorRateBad:
		return 0
	default:
		ratio := (rate - errorRateGood) / (errorRateBad - errorRateGood)
		return int(100 * (1 - ratio))
	}
}

// scoreLatency maps p95 latency onto 0-100; no data scores neutral.
func scoreLatency(p95 *float64) int {
	if p95 == nil {
		return 50
	}
	switch {
	case *p95 <= latencyGoodMs:
		return 100
	case *p95 >= latencyBadMs:
		return 0
	default:
		ratio := (*p95 - latencyGoodMs) / (latencyBadMs - latencyGoodMs)
		return int(100 * (1 - ratio))
	}
}

// scoreTraffic rewards stable traffic. Large swings are concerning but not
// by themselves critical, so the score floors at 50.
func scoreTraffic(change float64) int {
	abs := math.Abs(change)
	switch {
	case abs <= trafficChangeGood:
		return 100
	case abs >= trafficChangeBad:
		return 50
	default:
		ratio := (abs - trafficChangeGood) / (trafficChangeBad - trafficChangeGood)
		return int(100 - 50*ratio)
	}
}

func statusFor(overall int) string {
	switch {
	case overall >= 80:
		return StatusHealthy
	case overall >= 50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}
