package analysis

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type fakeHealthStore struct {
	total, failed   int64
	durations       []float64
	currentSamples  int64
	previousSamples int64
}

func (f *fakeHealthStore) RequestCounts(_ context.Context, _ string, _, _ int64) (int64, int64, error) {
	return f.total, f.failed, nil
}

func (f *fakeHealthStore) DurationsInWindow(_ context.Context, _ string, _, _ int64) ([]float64, error) {
	return f.durations, nil
}

func (f *fakeHealthStore) SampleCount(_ context.Context, _ string, _, untilMs int64) (int64, error) {
	// The trailing window ends now; the one before it ends in the past.
	if untilMs >= time.Now().UnixMilli()-int64(time.Minute/time.Millisecond) {
		return f.currentSamples, nil
	}
	return f.previousSamples, nil
}

func TestScoreErrorRate(t *testing.T) {
	require.Equal(t, 100, scoreErrorRate(0))
	require.Equal(t, 100, scoreErrorRate(0.01))
	require.Equal(t, 0, scoreErrorRate(0.05))
	require.Equal(t, 0, scoreErrorRate(0.5))
	require.Equal(t, 50, scoreErrorRate(0.03))
}

func TestScoreLatency(t *testing.T) {
	require.Equal(t, 50, scoreLatency(nil))

	fast, slow, mid := 50.0, 800.0, 300.0
	require.Equal(t, 100, scoreLatency(&fast))
	require.Equal(t, 0, scoreLatency(&slow))
	require.Equal(t, 50, scoreLatency(&mid))
}

func TestScoreTraffic(t *testing.T) {
	require.Equal(t, 100, scoreTraffic(0))
	require.Equal(t, 100, scoreTraffic(-0.1))
	require.Equal(t, 50, scoreTraffic(0.5))
	require.Equal(t, 50, scoreTraffic(-1))
	require.Equal(t, 75, scoreTraffic(0.3))
}

func TestStatusThresholds(t *testing.T) {
	require.Equal(t, StatusHealthy, statusFor(100))
	require.Equal(t, StatusHealthy, statusFor(80))
	require.Equal(t, StatusDegraded, statusFor(79))
	require.Equal(t, StatusDegraded, statusFor(50))
	require.Equal(t, StatusCritical, statusFor(49))
	require.Equal(t, StatusCritical, statusFor(0))
}

func TestScoreHealthyService(t *testing.T) {
	store := &fakeHealthStore{
		total:           1000,
		failed:          2,
		durations:       []float64{10, 20, 30, 40, 50},
		currentSamples:  1000,
		previousSamples: 1000,
	}
	h := NewHealthScorer(store, log.NewNopLogger())

	score, err := h.Score(context.Background(), "checkout", time.Hour)
	require.NoError(t, err)

	require.Equal(t, 100, score.ErrorScore)
	require.Equal(t, 100, score.LatencyScore)
	require.Equal(t, 100, score.TrafficScore)
	require.Equal(t, 100, score.OverallScore)
	require.Equal(t, StatusHealthy, score.Status)
	require.Equal(t, 3600, score.Details.TimeWindowSeconds)
}

func TestScoreFailingService(t *testing.T) {
	store := &fakeHealthStore{
		total:           1000,
		failed:          100, // 10% error rate
		durations:       []float64{900, 950, 1000},
		currentSamples:  100,
		previousSamples: 1000,
	}
	h := NewHealthScorer(store, log.NewNopLogger())

	score, err := h.Score(context.Background(), "checkout", time.Hour)
	require.NoError(t, err)

	require.Equal(t, 0, score.ErrorScore)
	require.Equal(t, 0, score.LatencyScore)
	require.Equal(t, 50, score.TrafficScore)
	require.Equal(t, 10, score.OverallScore)
	require.Equal(t, StatusCritical, score.Status)
	require.Equal(t, -90.0, score.Details.TrafficChangePercent)
}

func TestScoreEmptyWindow(t *testing.T) {
	h := NewHealthScorer(&fakeHealthStore{}, log.NewNopLogger())

	score, err := h.Score(context.Background(), "silent", time.Hour)
	require.NoError(t, err)

	// No requests means no observed errors; no durations scores neutral.
	require.Equal(t, 100, score.ErrorScore)
	require.Equal(t, 50, score.LatencyScore)
	require.Equal(t, 100, score.TrafficScore)
	require.Nil(t, score.Details.P95LatencyMs)
	require.Equal(t, StatusHealthy, score.Status)
}

// Every component and the overall score stay inside 0-100 for any input.
func TestScoreBounds(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	for i := 0; i < 200; i++ {
		total := r.Int63n(10000)
		store := &fakeHealthStore{
			total:           total,
			currentSamples:  r.Int63n(10000),
			previousSamples: r.Int63n(10000),
		}
		if total > 0 {
			store.failed = r.Int63n(total + 1)
		}
		if n := r.Intn(50); n > 0 {
			store.durations = make([]float64, n)
			for j := range store.durations {
				store.durations[j] = r.Float64() * 2000
			}
		}

		h := NewHealthScorer(store, log.NewNopLogger())
		score, err := h.Score(context.Background(), "svc", time.Hour)
		require.NoError(t, err)

		for name, v := range map[string]int{
			"overall": score.OverallScore,
			"error":   score.ErrorScore,
			"latency": score.LatencyScore,
			"traffic": score.TrafficScore,
		} {
			require.GreaterOrEqual(t, v, 0, name)
			require.LessOrEqual(t, v, 100, name)
		}
	}
}
