package worker

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vantage-obs/vantage/pkg/ingest"
	"github.com/vantage-obs/vantage/pkg/model"
)

var (
	recordsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "worker_records_consumed_total",
		Help:      "Records consumed from the log-bus.",
	})
	recordsDLQ = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "worker_records_dlq_total",
		Help:      "Records routed to the DLQ after decode failure.",
	})
	insertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "worker_insert_duration_seconds",
		Help:      "Store flush latency.",
		Buckets:   prometheus.DefBuckets,
	})
	flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "worker_flush_batch_size",
		Help:      "Records per store flush.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	failedBatchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "worker_failed_batches",
		Help:      "Batches parked after exhausting insert retries.",
	})
	batchesLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "worker_batches_lost_total",
		Help:      "Parked batches dropped because the buffer was full.",
	})
	consumerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "worker_consumer_lag",
		Help:      "Total consumer group lag across partitions.",
	})
)

// metricStore is the slice of the store the worker needs.
type metricStore interface {
	WriteBatch(ctx context.Context, metrics []*model.Metric, spans []*model.Span) error
}

// offsetCommitter is the slice of the kafka client used for commits.
type offsetCommitter interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

type failedBatch struct {
	metrics []*model.Metric
	spans   []*model.Span
	records []*kgo.Record
}

// Worker drains the log-bus into the store. Offsets are committed only
// after their records are persisted, so a crash replays rather than drops.
type Worker struct {
	services.Service

	cfg       Config
	logger    log.Logger
	store     metricStore
	client    *kgo.Client
	committer offsetCommitter

	bp      *backpressure
	pending []*kgo.Record
	failed  []failedBatch
}

func New(cfg Config, store metricStore, logger log.Logger, reg prometheus.Registerer) (*Worker, error) {
	client, err := ingest.NewReaderClient(cfg.Kafka, logger, reg)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		committer: client,
		bp:        newBackpressure(logger),
	}
	w.Service = services.NewBasicService(nil, w.running, w.stopping)
	return w, nil
}

func (w *Worker) running(ctx context.Context) error {
	lagTicker := time.NewTicker(w.cfg.LagPollInterval)
	defer lagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lagTicker.C:
			w.updateLag(ctx)
		default:
		}

		fetches := w.client.PollRecords(ctx, w.cfg.Kafka.PollMaxRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			level.Error(w.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
		})

		polled := 0
		fetches.EachRecord(func(rec *kgo.Record) {
			w.pending = append(w.pending, rec)
			polled++
		})
		recordsConsumed.Add(float64(polled))

		pressure := float64(len(w.pending)) / float64(w.cfg.BufferCapacity)
		target := w.bp.batchSize(pressure)

		if polled == 0 {
			// idle tick: flush whatever is queued and retry one parked batch
			if len(w.pending) > 0 {
				w.flush(ctx, len(w.pending))
			}
			w.retryOldestFailed(ctx)
			continue
		}

		for len(w.pending) >= target {
			w.flush(ctx, target)
		}

		if d := w.bp.delay(pressure); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// flush persists the first n pending records, then commits their offsets.
// On persistent store failure the batch is parked for later retry and the
// offsets stay uncommitted.
func (w *Worker) flush(ctx context.Context, n int) {
	if n > len(w.pending) {
		n = len(w.pending)
	}
	records := w.pending[:n]
	w.pending = w.pending[n:]

	metrics, spans := w.decode(ctx, records)
	if len(metrics) == 0 && len(spans) == 0 {
		w.commit(ctx, records)
		return
	}
	flushBatchSize.Observe(float64(len(records)))

	if err := w.writeWithRetries(ctx, metrics, spans); err != nil {
		w.park(failedBatch{metrics: metrics, spans: spans, records: records})
		return
	}
	w.commit(ctx, records)
}

func (w *Worker) decode(ctx context.Context, records []*kgo.Record) ([]*model.Metric, []*model.Span) {
	decoded := make([]*model.Metric, 0, len(records))
	for _, rec := range records {
		m, err := ingest.Decode(rec)
		if err != nil {
			w.sendToDLQ(ctx, rec, err)
			continue
		}
		decoded = append(decoded, m)
	}
	return splitRecords(decoded)
}

// sendToDLQ forwards an undecodable record, raw bytes intact, so it can be
// inspected without blocking the stream.
func (w *Worker) sendToDLQ(ctx context.Context, rec *kgo.Record, cause error) {
	recordsDLQ.Inc()
	level.Warn(w.logger).Log("msg", "record sent to dlq", "partition", rec.Partition, "offset", rec.Offset, "err", cause)
	dlqRec := &kgo.Record{
		Topic: w.cfg.DLQTopic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(cause.Error())},
		},
	}
	w.client.Produce(ctx, dlqRec, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Error(w.logger).Log("msg", "dlq produce failed", "err", err)
		}
	})
}

func (w *Worker) writeWithRetries(ctx context.Context, metrics []*model.Metric, spans []*model.Span) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: w.cfg.RetryMinBackoff,
		MaxBackoff: w.cfg.RetryMaxBackoff,
		MaxRetries: w.cfg.RetryAttempts,
	})
	var lastErr error
	for boff.Ongoing() {
		start := time.Now()
		lastErr = w.store.WriteBatch(ctx, metrics, spans)
		insertDuration.Observe(time.Since(start).Seconds())
		if lastErr == nil {
			return nil
		}
		level.Warn(w.logger).Log("msg", "store flush failed; will retry", "attempt", boff.NumRetries()+1, "err", lastErr)
		boff.Wait()
	}
	return lastErr
}

// park shelves a batch that exhausted its retries. The buffer is bounded;
// when full the oldest batch is dropped and counted as lost.
func (w *Worker) park(b failedBatch) {
	if len(w.failed) >= w.cfg.MaxFailedBatches {
		dropped := w.failed[0]
		w.failed = w.failed[1:]
		batchesLost.Inc()
		level.Error(w.logger).Log("msg", "failed batch buffer full, dropping oldest batch",
			"dropped_metrics", len(dropped.metrics), "dropped_spans", len(dropped.spans))
	}
	w.failed = append(w.failed, b)
	failedBatchesGauge.Set(float64(len(w.failed)))
	level.Error(w.logger).Log("msg", "batch parked after retries", "metrics", len(b.metrics), "spans", len(b.spans), "parked", len(w.failed))
}

func (w *Worker) retryOldestFailed(ctx context.Context) {
	if len(w.failed) == 0 {
		return
	}
	b := w.failed[0]
	start := time.Now()
	err := w.store.WriteBatch(ctx, b.metrics, b.spans)
	insertDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		level.Warn(w.logger).Log("msg", "parked batch retry failed", "err", err)
		return
	}
	w.failed = w.failed[1:]
	failedBatchesGauge.Set(float64(len(w.failed)))
	w.commit(ctx, b.records)
	level.Info(w.logger).Log("msg", "parked batch recovered", "metrics", len(b.metrics), "remaining", len(w.failed))
}

func (w *Worker) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 || w.committer == nil {
		return
	}
	if err := w.committer.CommitRecords(ctx, records...); err != nil {
		level.Error(w.logger).Log("msg", "offset commit failed", "err", err)
	}
}

func (w *Worker) updateLag(ctx context.Context) {
	lag, err := ingest.GroupLag(ctx, w.client)
	if err != nil {
		level.Debug(w.logger).Log("msg", "lag fetch failed", "err", err)
		return
	}
	consumerLag.Set(float64(lag))
}

// stopping drains what it can: pending records get one flush, parked
// batches one final attempt each. Whatever still fails is logged as lost;
// its offsets were never committed, so a restart replays it.
func (w *Worker) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(w.pending) > 0 {
		w.flush(ctx, len(w.pending))
	}
	for _, b := range w.failed {
		if err := w.store.WriteBatch(ctx, b.metrics, b.spans); err != nil {
			level.Error(w.logger).Log("msg", "batch lost at shutdown", "metrics", len(b.metrics), "err", err)
			continue
		}
		w.commit(ctx, b.records)
	}
	w.failed = nil
	failedBatchesGauge.Set(0)

	if w.client != nil {
		w.client.Close()
	}
	level.Info(w.logger).Log("msg", "worker stopped")
	return nil
}
