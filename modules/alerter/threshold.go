package alerter

import (
	"fmt"
	"math"
	"sort"

	"github.com/vantage-obs/vantage/pkg/model"
)

// sigmaFor maps sensitivity to the band width in standard deviations.
// Unknown values fall back to medium.
func sigmaFor(sensitivity string) float64 {
	switch sensitivity {
	case "low":
		return 3.0
	case "medium":
		return 2.5
	case "high":
		return 2.0
	case "very_high":
		return 1.5
	default:
		return 2.5
	}
}

// threshold derives the expected band from a historical baseline. It needs
// at least 10 samples, and at least 5 surviving outlier removal; otherwise
// it reports no band, and evaluation skips the series.
func threshold(baseline []float64, sigma float64) (lower, upper float64, ok bool) {
	if len(baseline) < 10 {
		return 0, 0, false
	}
	cleaned := removeOutliers(baseline)
	if len(cleaned) < 5 {
		return 0, 0, false
	}

	var sum float64
	for _, v := range cleaned {
		sum += v
	}
	mean := sum / float64(len(cleaned))
	var variance float64
	for _, v := range cleaned {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(cleaned)))

	lower = math.Max(0, mean-sigma*std)
	upper = mean + sigma*std
	return lower, upper, true
}

// removeOutliers drops values outside the 1.5 IQR fences.
func removeOutliers(data []float64) []float64 {
	n := len(data)
	if n < 4 {
		out := make([]float64, n)
		copy(out, data)
		sort.Float64s(out)
		return out
	}

	sorted := make([]float64, n)
	copy(sorted, data)
	sort.Float64s(sorted)

	q1 := sorted[n/4]
	q3 := sorted[3*n/4]
	iqr := q3 - q1
	lowerFence := q1 - 1.5*iqr
	upperFence := q3 + 1.5*iqr

	out := make([]float64, 0, n)
	for _, v := range data {
		if v >= lowerFence && v <= upperFence {
			out = append(out, v)
		}
	}
	return out
}

// severityFor grades a breach by its relative distance past the band.
func severityFor(value, lower, upper float64) string {
	var deviation float64
	if value > upper {
		if upper != 0 {
			deviation = (value - upper) / upper
		} else {
			deviation = 1.0
		}
	} else {
		if lower != 0 {
			deviation = (lower - value) / lower
		} else {
			deviation = 1.0
		}
	}

	switch {
	case deviation > 0.5:
		return model.SeverityCritical
	case deviation > 0.3:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

func alertMessage(metricName string, value, lower, upper float64) string {
	if value > upper {
		return fmt.Sprintf("%s is abnormally high: %.2f (expected max: %.2f)", metricName, value, upper)
	}
	return fmt.Sprintf("%s is abnormally low: %.2f (expected min: %.2f)", metricName, value, lower)
}
