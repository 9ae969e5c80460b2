package worker

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestBatchSizeTiers(t *testing.T) {
	b := newBackpressure(log.NewNopLogger())

	require.Equal(t, batchSizeLight, b.batchSize(0))
	require.Equal(t, batchSizeLight, b.batchSize(0.29))
	require.Equal(t, batchSizeMedium, b.batchSize(0.3))
	require.Equal(t, batchSizeMedium, b.batchSize(0.69))
	require.Equal(t, batchSizeHeavy, b.batchSize(0.7))
	require.Equal(t, batchSizeHeavy, b.batchSize(1.0))
}

func TestBatchSizeMonotonic(t *testing.T) {
	b := newBackpressure(log.NewNopLogger())
	prev := 0
	for p := 0.0; p <= 1.0; p += 0.01 {
		size := b.batchSize(p)
		require.GreaterOrEqual(t, size, prev, "batch size decreased at pressure %.2f", p)
		prev = size
	}
}

func TestDelay(t *testing.T) {
	b := newBackpressure(log.NewNopLogger())

	// no delay below the throttle threshold, including a fully empty buffer
	require.Zero(t, b.delay(0))
	require.Zero(t, b.delay(0.5))
	require.Zero(t, b.delay(0.75))
	require.Zero(t, b.delay(0.79))

	d1 := b.delay(0.8)
	require.Equal(t, baseDelay, d1)

	d2 := b.delay(0.9)
	require.Greater(t, d2, d1)

	// capped
	require.LessOrEqual(t, b.delay(1.0), maxDelay)
	require.LessOrEqual(t, b.delay(5.0), maxDelay)
}

func TestDelayMonotonic(t *testing.T) {
	b := newBackpressure(log.NewNopLogger())
	var prev time.Duration
	for p := 0.0; p <= 1.0; p += 0.01 {
		d := b.delay(p)
		require.GreaterOrEqual(t, d, prev, "delay decreased at pressure %.2f", p)
		prev = d
	}
}
