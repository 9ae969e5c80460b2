package analysis

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Verdicts.
const (
	VerdictBetter  = "better"
	VerdictWorse   = "worse"
	VerdictNeutral = "neutral"
)

// ErrInsufficientData means one comparison side had no samples at all.
var ErrInsufficientData = errors.New("insufficient data for comparison")

// changeThreshold is the relative change (percent) below which a significant
// difference is still called neutral.
const changeThreshold = 5.0

// p95 is only reported for a side with more samples than this.
const minSamplesForP95 = 20

// minSamplesForTest is the per-side floor for the significance test.
const minSamplesForTest = 10

// ComparisonResult is the outcome of comparing two sets of samples of the
// same metric.
type ComparisonResult struct {
	MetricName    string   `json:"metric_name"`
	BaselineAvg   float64  `json:"baseline_avg"`
	CandidateAvg  float64  `json:"candidate_avg"`
	BaselineP95   *float64 `json:"baseline_p95"`
	CandidateP95  *float64 `json:"candidate_p95"`
	ChangePercent float64  `json:"change_percent"`
	IsSignificant bool     `json:"is_significant"`
	Verdict       string   `json:"verdict"`
	Confidence    float64  `json:"confidence"`
}

// comparisonStore is the slice of the store the comparer reads through.
type comparisonStore interface {
	MetricValues(ctx context.Context, service, metric string, sinceMs, untilMs int64) ([]float64, error)
}

// Comparer runs A/B comparisons between services or time periods.
type Comparer struct {
	store  comparisonStore
	logger log.Logger
}

func NewComparer(store comparisonStore, logger log.Logger) *Comparer {
	return &Comparer{store: store, logger: logger}
}

// CompareServices compares one metric between two services over the same
// window.
func (c *Comparer) CompareServices(ctx context.Context, baselineService, candidateService, metric string, sinceMs, untilMs int64) (*ComparisonResult, error) {
	baseline, err := c.store.MetricValues(ctx, baselineService, metric, sinceMs, untilMs)
	if err != nil {
		return nil, err
	}
	candidate, err := c.store.MetricValues(ctx, candidateService, metric, sinceMs, untilMs)
	if err != nil {
		return nil, err
	}

	res, err := compare(metric, baseline, candidate)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "compared services",
		"baseline", baselineService, "candidate", candidateService,
		"metric", metric, "verdict", res.Verdict)
	return res, nil
}

// CompareTimePeriods compares one service's metric across two windows.
func (c *Comparer) CompareTimePeriods(ctx context.Context, service, metric string, baselineSinceMs, baselineUntilMs, candidateSinceMs, candidateUntilMs int64) (*ComparisonResult, error) {
	baseline, err := c.store.MetricValues(ctx, service, metric, baselineSinceMs, baselineUntilMs)
	if err != nil {
		return nil, err
	}
	candidate, err := c.store.MetricValues(ctx, service, metric, candidateSinceMs, candidateUntilMs)
	if err != nil {
		return nil, err
	}

	res, err := compare(metric, baseline, candidate)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "compared time periods",
		"service", service, "metric", metric, "verdict", res.Verdict)
	return res, nil
}

// compare does the actual analysis of two sample sets.
func compare(metric string, baseline, candidate []float64) (*ComparisonResult, error) {
	if len(baseline) == 0 || len(candidate) == 0 {
		return nil, ErrInsufficientData
	}

	baselineAvg := mean(baseline)
	candidateAvg := mean(candidate)

	res := &ComparisonResult{
		MetricName:   metric,
		BaselineAvg:  baselineAvg,
		CandidateAvg: candidateAvg,
	}
	if len(baseline) > minSamplesForP95 {
		p := percentile(baseline, 95)
		res.BaselineP95 = &p
	}
	if len(candidate) > minSamplesForP95 {
		p := percentile(candidate, 95)
		res.CandidateP95 = &p
	}

	res.ChangePercent = (candidateAvg - baselineAvg) / baselineAvg * 100
	res.IsSignificant = isSignificant(baseline, candidate)
	res.Verdict, res.Confidence = verdict(metric, res.ChangePercent, res.IsSignificant)
	return res, nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev is the n-1 standard deviation; 0 for fewer than two samples.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile uses the nearest-rank index n*p/100, clamped to the last sample.
func percentile(values []float64, pct int) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := len(sorted) * pct / 100
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// isSignificant runs a two-sample t-test, calling t > 2.0 significant
// (roughly p < 0.05 for large samples). Sides under ten samples never pass.
func isSignificant(baseline, candidate []float64) bool {
	if len(baseline) < minSamplesForTest || len(candidate) < minSamplesForTest {
		return false
	}

	std1, std2 := sampleStdDev(baseline), sampleStdDev(candidate)
	n1, n2 := float64(len(baseline)), float64(len(candidate))

	se := math.Sqrt(std1*std1/n1 + std2*std2/n2)
	if se == 0 {
		return false
	}
	t := math.Abs(mean(baseline)-mean(candidate)) / se
	return t > 2.0
}

// verdict maps a change onto better/worse/neutral plus a confidence. For
// latency- and error-shaped metrics lower is better; otherwise higher is.
func verdict(metric string, changePercent float64, significant bool) (string, float64) {
	if !significant {
		return VerdictNeutral, 0.5
	}

	lowered := strings.ToLower(metric)
	lowerIsBetter := strings.Contains(lowered, "error")
	for _, hint := range []string{"latency", "duration", "time", "delay"} {
		if strings.Contains(lowered, hint) {
			lowerIsBetter = true
		}
	}

	improved := changePercent > changeThreshold
	regressed := changePercent < -changeThreshold
	if lowerIsBetter {
		improved, regressed = regressed, improved
	}

	switch {
	case improved:
		return VerdictBetter, 0.9
	case regressed:
		return VerdictWorse, 0.9
	default:
		return VerdictNeutral, 0.7
	}
}
