package downsampler

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

func TestAggregateBuckets(t *testing.T) {
	key := vantagedb.SeriesKey{ServiceName: "checkout", MetricName: "latency"}

	// 100 samples, one per second, values 0..99
	base := int64(1_700_000_000_000)
	points := make([]vantagedb.RawPoint, 100)
	for i := range points {
		points[i] = vantagedb.RawPoint{TimestampMs: base + int64(i)*1000, Value: float64(i)}
	}

	aggs := aggregate(key, points, 5)
	require.Len(t, aggs, 1, "100 seconds fit one 5-minute bucket")

	a := aggs[0]
	require.Equal(t, model.KindAggregated, a.MetricType)
	require.True(t, a.Aggregated)
	require.Equal(t, 5, a.ResolutionMinutes)

	// conservation: every raw sample is accounted for
	require.Equal(t, 100, a.SampleCount)

	require.Equal(t, 0.0, *a.MinValue)
	require.Equal(t, 99.0, *a.MaxValue)
	require.InDelta(t, 49.5, a.Value, 0.001)
	require.GreaterOrEqual(t, *a.P50, 49.0)
	require.LessOrEqual(t, *a.P50, 51.0)
	require.Equal(t, 95.0, *a.P95)
	require.Equal(t, 99.0, *a.P99)

	// bucket timestamp is the window's lower edge
	window := int64(5 * 60_000)
	require.Equal(t, (base/window)*window, a.Timestamp)
}

func TestAggregateMultipleBuckets(t *testing.T) {
	key := vantagedb.SeriesKey{ServiceName: "checkout", MetricName: "latency"}
	window := int64(60_000)

	points := []vantagedb.RawPoint{
		{TimestampMs: 0, Value: 1},
		{TimestampMs: 30_000, Value: 3, IsError: true},
		{TimestampMs: 60_000, Value: 10},
		{TimestampMs: 119_999, Value: 20},
	}
	aggs := aggregate(key, points, 1)
	require.Len(t, aggs, 2)

	require.Equal(t, int64(0), aggs[0].Timestamp)
	require.Equal(t, 2, aggs[0].SampleCount)
	require.Equal(t, 1, aggs[0].ErrorCount)
	require.InDelta(t, 2.0, aggs[0].Value, 0.001)

	require.Equal(t, window, aggs[1].Timestamp)
	require.Equal(t, 2, aggs[1].SampleCount)
	require.Equal(t, 15.0, aggs[1].Value)

	total := 0
	for _, a := range aggs {
		total += a.SampleCount
	}
	require.Equal(t, len(points), total)
}

func TestAggregateSingleSample(t *testing.T) {
	key := vantagedb.SeriesKey{ServiceName: "s", MetricName: "m"}
	aggs := aggregate(key, []vantagedb.RawPoint{{TimestampMs: 61_000, Value: 7}}, 1)
	require.Len(t, aggs, 1)
	require.Equal(t, 7.0, *aggs[0].P50)
	require.Equal(t, 7.0, *aggs[0].P95)
	require.Equal(t, 7.0, *aggs[0].P99)
	require.Equal(t, int64(60_000), aggs[0].Timestamp)
}

func TestImportanceScore(t *testing.T) {
	flat := make([]vantagedb.RawPoint, 50)
	for i := range flat {
		flat[i] = vantagedb.RawPoint{Value: 100}
	}

	t.Run("bounds", func(t *testing.T) {
		s := importanceScore(flat, 0)
		require.GreaterOrEqual(t, s, 0.0)
		require.LessOrEqual(t, s, 100.0)
	})

	t.Run("empty defaults to medium", func(t *testing.T) {
		require.Equal(t, 50.0, importanceScore(nil, 0))
	})

	t.Run("errors raise importance", func(t *testing.T) {
		noisy := make([]vantagedb.RawPoint, 50)
		copy(noisy, flat)
		for i := 0; i < 25; i++ {
			noisy[i].IsError = true
		}
		require.Greater(t, importanceScore(noisy, 0), importanceScore(flat, 0))
	})

	t.Run("access raises importance", func(t *testing.T) {
		require.Greater(t, importanceScore(flat, 10), importanceScore(flat, 0))
	})

	t.Run("unknown access uses low default", func(t *testing.T) {
		require.Equal(t, accessScore(-1), 20.0)
	})
}

func TestVarianceScore(t *testing.T) {
	require.Equal(t, 50.0, varianceScore([]vantagedb.RawPoint{{Value: 1}}))
	require.Equal(t, 50.0, varianceScore([]vantagedb.RawPoint{{Value: 1}, {Value: -1}}), "zero mean falls back to midpoint")

	volatile := []vantagedb.RawPoint{{Value: 1}, {Value: 1000}, {Value: 2}, {Value: 900}}
	steady := []vantagedb.RawPoint{{Value: 500}, {Value: 501}, {Value: 499}, {Value: 500}}
	require.Greater(t, varianceScore(volatile), varianceScore(steady))
}

type fakeSeriesStore struct {
	keys     []vantagedb.SeriesKey
	points   map[vantagedb.SeriesKey][]vantagedb.RawPoint
	access   map[vantagedb.SeriesKey]int64
	replaced []struct {
		key  vantagedb.SeriesKey
		aggs []model.Metric
	}
}

func (f *fakeSeriesStore) RawSeriesInWindow(_ context.Context, _, _ int64, _ int) ([]vantagedb.SeriesKey, error) {
	return f.keys, nil
}

func (f *fakeSeriesStore) RawPoints(_ context.Context, key vantagedb.SeriesKey, sinceMs, untilMs int64) ([]vantagedb.RawPoint, error) {
	var out []vantagedb.RawPoint
	for _, p := range f.points[key] {
		if p.TimestampMs >= sinceMs && p.TimestampMs < untilMs {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSeriesStore) QueryCount(_ context.Context, key vantagedb.SeriesKey, _ time.Time) (int64, error) {
	return f.access[key], nil
}

func (f *fakeSeriesStore) ReplaceWithAggregates(_ context.Context, key vantagedb.SeriesKey, _, _ int64, aggs []model.Metric) (int64, error) {
	f.replaced = append(f.replaced, struct {
		key  vantagedb.SeriesKey
		aggs []model.Metric
	}{key, aggs})
	// pretend every raw point in the window was removed
	return int64(len(f.points[key])), nil
}

func TestRunCycleDownsamplesUnimportantSeries(t *testing.T) {
	key := vantagedb.SeriesKey{ServiceName: "checkout", MetricName: "steady"}
	now := time.Now()

	// steady series six and a half days old: low variance, no errors,
	// never queried, sitting inside the 7-day rule's one-day slice
	old := now.Add(-6*24*time.Hour - 12*time.Hour).UnixMilli()
	var points []vantagedb.RawPoint
	for i := 0; i < 60; i++ {
		points = append(points, vantagedb.RawPoint{TimestampMs: old + int64(i)*1000, Value: 100})
	}

	store := &fakeSeriesStore{
		keys:   []vantagedb.SeriesKey{key},
		points: map[vantagedb.SeriesKey][]vantagedb.RawPoint{key: points},
		access: map[vantagedb.SeriesKey]int64{},
	}

	d := New(Config{Interval: time.Hour}, store, log.NewNopLogger())
	d.now = func() time.Time { return now }

	replaced, written := d.runCycle(context.Background())
	require.NotEmpty(t, store.replaced)
	require.Greater(t, replaced, int64(0))
	require.Greater(t, written, int64(0))

	for _, r := range store.replaced {
		for _, a := range r.aggs {
			require.True(t, a.Aggregated)
			require.Equal(t, model.KindAggregated, a.MetricType)
		}
	}
}
