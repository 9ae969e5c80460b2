package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vantage-obs/vantage/pkg/ingest"
	"github.com/vantage-obs/vantage/pkg/model"
)

type fakeStore struct {
	writes   [][]*model.Metric
	spans    [][]*model.Span
	failNext int
}

func (f *fakeStore) WriteBatch(_ context.Context, metrics []*model.Metric, spans []*model.Span) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("store down")
	}
	f.writes = append(f.writes, metrics)
	f.spans = append(f.spans, spans)
	return nil
}

type fakeCommitter struct {
	committed []*kgo.Record
}

func (f *fakeCommitter) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.committed = append(f.committed, rs...)
	return nil
}

func testWorker(store *fakeStore, committer offsetCommitter) *Worker {
	cfg := Config{
		BufferCapacity:   1000,
		MaxFailedBatches: 3,
		RetryMinBackoff:  time.Millisecond,
		RetryMaxBackoff:  2 * time.Millisecond,
		RetryAttempts:    3,
	}
	return &Worker{
		cfg:       cfg,
		logger:    log.NewNopLogger(),
		store:     store,
		committer: committer,
		bp:        newBackpressure(log.NewNopLogger()),
	}
}

func recordFor(t *testing.T, m *model.Metric) *kgo.Record {
	t.Helper()
	batch := &model.Batch{ServiceName: m.ServiceName, Metrics: []model.Metric{*m}}
	recs, err := ingest.Encode("metrics-raw", batch)
	require.NoError(t, err)
	return recs[0]
}

func sampleMetric() *model.Metric {
	return &model.Metric{
		Timestamp:   time.Now().UnixMilli(),
		ServiceName: "checkout",
		MetricName:  "orders.total",
		MetricType:  model.KindCounter,
		Value:       1,
	}
}

func TestFlushPersistsAndCommits(t *testing.T) {
	store := &fakeStore{}
	committer := &fakeCommitter{}
	w := testWorker(store, committer)

	w.pending = []*kgo.Record{recordFor(t, sampleMetric()), recordFor(t, sampleMetric())}
	w.flush(context.Background(), 2)

	require.Len(t, store.writes, 1)
	require.Len(t, store.writes[0], 2)
	require.Len(t, committer.committed, 2)
	require.Empty(t, w.pending)
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{failNext: 2}
	committer := &fakeCommitter{}
	w := testWorker(store, committer)

	w.pending = []*kgo.Record{recordFor(t, sampleMetric())}
	w.flush(context.Background(), 1)

	require.Len(t, store.writes, 1)
	require.Len(t, committer.committed, 1)
	require.Empty(t, w.failed)
}

func TestFlushParksAfterExhaustedRetries(t *testing.T) {
	store := &fakeStore{failNext: 10}
	committer := &fakeCommitter{}
	w := testWorker(store, committer)

	w.pending = []*kgo.Record{recordFor(t, sampleMetric())}
	w.flush(context.Background(), 1)

	require.Len(t, w.failed, 1)
	require.Empty(t, committer.committed, "offsets must stay uncommitted for parked batches")
}

func TestParkedBufferBounded(t *testing.T) {
	w := testWorker(&fakeStore{}, &fakeCommitter{})

	for i := 0; i < 5; i++ {
		w.park(failedBatch{metrics: []*model.Metric{sampleMetric()}})
	}
	require.Len(t, w.failed, w.cfg.MaxFailedBatches)
}

func TestRetryOldestFailed(t *testing.T) {
	store := &fakeStore{}
	committer := &fakeCommitter{}
	w := testWorker(store, committer)

	rec := recordFor(t, sampleMetric())
	w.failed = []failedBatch{{metrics: []*model.Metric{sampleMetric()}, records: []*kgo.Record{rec}}}
	w.retryOldestFailed(context.Background())

	require.Empty(t, w.failed)
	require.Len(t, store.writes, 1)
	require.Len(t, committer.committed, 1)
}

func TestSpanRecordsDiverted(t *testing.T) {
	store := &fakeStore{}
	committer := &fakeCommitter{}
	w := testWorker(store, committer)

	dur := 42.0
	span := &model.Metric{
		Timestamp:   time.Now().UnixMilli(),
		ServiceName: "checkout",
		MetricName:  "GET /api/cart",
		MetricType:  model.KindSpan,
		TraceID:     "trace-1",
		SpanID:      "span-1",
		DurationMs:  &dur,
		Tags:        map[string]string{"parent_span_id": "root"},
	}
	w.pending = []*kgo.Record{recordFor(t, span), recordFor(t, sampleMetric())}
	w.flush(context.Background(), 2)

	require.Len(t, store.writes, 1)
	require.Len(t, store.writes[0], 1, "span payload should not land in metrics")
	require.Len(t, store.spans[0], 1)
	sp := store.spans[0][0]
	require.Equal(t, "trace-1", sp.TraceID)
	require.Equal(t, 42.0, sp.DurationMs)
	require.Nil(t, sp.ParentSpanID, "root sentinel maps to null parent")
}

func TestSpanFromMetricParent(t *testing.T) {
	m := &model.Metric{
		ServiceName: "checkout",
		MetricName:  "op",
		TraceID:     "t",
		SpanID:      "s",
		Value:       7,
		Tags:        map[string]string{"parent_span_id": "parent-9", "operation": "db.query"},
	}
	sp := spanFromMetric(m)
	require.NotNil(t, sp.ParentSpanID)
	require.Equal(t, "parent-9", *sp.ParentSpanID)
	require.Equal(t, "db.query", sp.Operation)
	require.Equal(t, 7.0, sp.DurationMs, "value is the duration fallback")
}
