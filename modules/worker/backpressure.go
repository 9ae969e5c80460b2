package worker

import (
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backpressureBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "worker_target_batch_size",
		Help:      "Current backpressure-adjusted flush batch size.",
	})
	backpressureDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "worker_backpressure_delay_seconds",
		Help:      "Current backpressure poll delay.",
	})
)

const (
	pressureLow       = 0.3
	pressureHigh      = 0.7
	throttleThreshold = 0.8

	batchSizeLight  = 10
	batchSizeMedium = 55
	batchSizeHeavy  = 100

	maxDelay  = 2 * time.Second
	baseDelay = 100 * time.Millisecond
)

// backpressure converts buffer pressure into a flush batch size and a poll
// delay. Larger batches amortize insert cost when the buffer fills; the
// delay kicks in past the high-water mark to let the store catch up.
type backpressure struct {
	logger        log.Logger
	lastBatchSize int
}

func newBackpressure(logger log.Logger) *backpressure {
	return &backpressure{logger: logger, lastBatchSize: batchSizeLight}
}

// batchSize maps pressure in [0,1] to the flush target.
func (b *backpressure) batchSize(pressure float64) int {
	var size int
	switch {
	case pressure < pressureLow:
		size = batchSizeLight
	case pressure < pressureHigh:
		size = batchSizeMedium
	default:
		size = batchSizeHeavy
	}

	// shifts of ten or less are routine churn, not worth a log line
	if diff := size - b.lastBatchSize; diff > 10 || diff < -10 {
		level.Info(b.logger).Log("msg", "batch size adjusted", "pressure", pressure, "from", b.lastBatchSize, "to", size)
	}
	b.lastBatchSize = size
	backpressureBatchSize.Set(float64(size))
	return size
}

// delay is zero until pressure crosses the throttle threshold, then grows
// exponentially up to the cap.
func (b *backpressure) delay(pressure float64) time.Duration {
	if pressure < throttleThreshold {
		backpressureDelay.Set(0)
		return 0
	}
	d := time.Duration(float64(baseDelay) * math.Pow(2, (pressure-throttleThreshold)/throttleThreshold))
	if d > maxDelay {
		d = maxDelay
	}
	backpressureDelay.Set(d.Seconds())
	return d
}
