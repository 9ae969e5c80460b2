package model

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validMetric(now time.Time) Metric {
	return Metric{
		Timestamp:   now.UnixMilli(),
		ServiceName: "checkout",
		MetricName:  "http.request.duration",
		MetricType:  KindGauge,
		Value:       42.0,
	}
}

func TestMetricValidate(t *testing.T) {
	now := time.Now()
	intp := func(i int) *int { return &i }
	floatp := func(f float64) *float64 { return &f }

	tests := []struct {
		name    string
		mutate  func(*Metric)
		wantErr string
	}{
		{name: "valid", mutate: func(*Metric) {}},
		{
			name:    "timestamp too far in the future",
			mutate:  func(m *Metric) { m.Timestamp = now.Add(2 * time.Hour).UnixMilli() },
			wantErr: "future",
		},
		{
			name:   "timestamp just under the future bound",
			mutate: func(m *Metric) { m.Timestamp = now.Add(59 * time.Minute).UnixMilli() },
		},
		{
			name:    "timestamp older than seven days",
			mutate:  func(m *Metric) { m.Timestamp = now.Add(-8 * 24 * time.Hour).UnixMilli() },
			wantErr: "too old",
		},
		{
			name:    "empty service name",
			mutate:  func(m *Metric) { m.ServiceName = "" },
			wantErr: "service_name",
		},
		{
			name:    "metric name too long",
			mutate:  func(m *Metric) { m.MetricName = strings.Repeat("x", 256) },
			wantErr: "metric_name",
		},
		{
			name:    "unknown metric type",
			mutate:  func(m *Metric) { m.MetricType = "summary" },
			wantErr: "metric_type",
		},
		{
			name:    "nan value",
			mutate:  func(m *Metric) { m.Value = math.NaN() },
			wantErr: "finite",
		},
		{
			name:    "infinite value",
			mutate:  func(m *Metric) { m.Value = math.Inf(1) },
			wantErr: "finite",
		},
		{
			name:    "endpoint too long",
			mutate:  func(m *Metric) { m.Endpoint = strings.Repeat("/x", 251) },
			wantErr: "endpoint",
		},
		{
			name:    "method too long",
			mutate:  func(m *Metric) { m.Method = "PROPPATCHXX" },
			wantErr: "method",
		},
		{
			name:    "status code out of range",
			mutate:  func(m *Metric) { m.StatusCode = intp(1000) },
			wantErr: "status_code",
		},
		{
			name:   "status code upper bound",
			mutate: func(m *Metric) { m.StatusCode = intp(999) },
		},
		{
			name:    "negative duration",
			mutate:  func(m *Metric) { m.DurationMs = floatp(-1) },
			wantErr: "duration_ms",
		},
		{
			name:    "error text too long",
			mutate:  func(m *Metric) { m.Error = strings.Repeat("e", 1001) },
			wantErr: "error",
		},
		{
			name:    "aggregated rejected at ingest",
			mutate:  func(m *Metric) { m.Aggregated = true },
			wantErr: "aggregated",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := validMetric(now)
			tc.mutate(&m)
			err := m.Validate(now)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestBatchValidate(t *testing.T) {
	now := time.Now()

	t.Run("empty", func(t *testing.T) {
		b := Batch{ServiceName: "checkout"}
		require.Error(t, b.Validate(now))
	})

	t.Run("too large", func(t *testing.T) {
		b := Batch{ServiceName: "checkout", Metrics: make([]Metric, MaxBatchSize+1)}
		err := b.Validate(now)
		require.Error(t, err)
		require.Contains(t, err.Error(), "1000")
	})

	t.Run("at max size", func(t *testing.T) {
		b := Batch{ServiceName: "checkout", Metrics: make([]Metric, MaxBatchSize)}
		for i := range b.Metrics {
			b.Metrics[i] = validMetric(now)
		}
		require.NoError(t, b.Validate(now))
	})

	t.Run("bad metric reported with index", func(t *testing.T) {
		b := Batch{ServiceName: "checkout", Metrics: []Metric{validMetric(now), validMetric(now)}}
		b.Metrics[1].MetricType = "bogus"
		err := b.Validate(now)
		require.Error(t, err)
		require.Contains(t, err.Error(), "metric 1")
	})

	t.Run("environment too long", func(t *testing.T) {
		b := Batch{
			ServiceName: "checkout",
			Environment: strings.Repeat("p", MaxEnvLen+1),
			Metrics:     []Metric{validMetric(now)},
		}
		require.Error(t, b.Validate(now))
	})
}

func TestIsError(t *testing.T) {
	now := time.Now()
	m := validMetric(now)
	require.False(t, m.IsError())
	code := 500
	m.StatusCode = &code
	require.True(t, m.IsError())
	code = 404
	require.False(t, m.IsError())
}
