package downsampler

import (
	"math"
	"sort"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

// importanceScore rates a series 0-100 from variance, error rate and access
// frequency. High scores keep their raw samples longer. accessCount < 0
// means the access log was unavailable; it falls back to a low-access
// default.
func importanceScore(points []vantagedb.RawPoint, accessCount int64) float64 {
	if len(points) == 0 {
		return 50
	}
	score := varianceScore(points)*0.4 + errorScore(points)*0.4 + accessScore(accessCount)*0.2
	return math.Min(100, math.Max(0, score))
}

// varianceScore squashes relative variance through a sigmoid: volatile
// series score high, flat ones hover at the midpoint.
func varianceScore(points []vantagedb.RawPoint) float64 {
	if len(points) < 2 {
		return 50
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	mean := sum / float64(len(points))
	if mean == 0 {
		return 50
	}
	var variance float64
	for _, p := range points {
		variance += (p.Value - mean) * (p.Value - mean)
	}
	variance /= float64(len(points))
	return 100 / (1 + math.Exp(-variance/math.Abs(mean)))
}

// errorScore scales the 5xx share so that 50% errors already maxes out.
func errorScore(points []vantagedb.RawPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	errors := 0
	for _, p := range points {
		if p.IsError {
			errors++
		}
	}
	return math.Min(float64(errors)/float64(len(points))*200, 100)
}

// accessScore maps weekly query counts to 0-100; ten queries a week is
// already maximal.
func accessScore(count int64) float64 {
	if count < 0 {
		return 20
	}
	return math.Min(float64(count)*10, 100)
}

// aggregate folds raw points into fixed buckets at the given resolution.
// Bucket timestamps are the bucket's lower edge.
func aggregate(key vantagedb.SeriesKey, points []vantagedb.RawPoint, resolutionMinutes int) []model.Metric {
	windowMs := int64(resolutionMinutes) * 60_000
	buckets := map[int64][]vantagedb.RawPoint{}
	var order []int64
	for _, p := range points {
		b := (p.TimestampMs / windowMs) * windowMs
		if _, ok := buckets[b]; !ok {
			order = append(order, b)
		}
		buckets[b] = append(buckets[b], p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]model.Metric, 0, len(order))
	for _, ts := range order {
		bucket := buckets[ts]
		values := make([]float64, 0, len(bucket))
		errorCount := 0
		for _, p := range bucket {
			values = append(values, p.Value)
			if p.IsError {
				errorCount++
			}
		}
		sort.Float64s(values)

		n := len(values)
		var sum float64
		for _, v := range values {
			sum += v
		}

		minV, maxV := values[0], values[n-1]
		p50 := values[n/2]
		p95 := values[percentileIndex(n, 95)]
		p99 := values[percentileIndex(n, 99)]

		out = append(out, model.Metric{
			Timestamp:         ts,
			ServiceName:       key.ServiceName,
			MetricName:        key.MetricName,
			MetricType:        model.KindAggregated,
			Value:             sum / float64(n),
			Aggregated:        true,
			ResolutionMinutes: resolutionMinutes,
			MinValue:          &minV,
			MaxValue:          &maxV,
			P50:               &p50,
			P95:               &p95,
			P99:               &p99,
			SampleCount:       n,
			ErrorCount:        errorCount,
		})
	}
	return out
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}
