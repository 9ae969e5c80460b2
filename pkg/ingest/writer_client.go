package ingest

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewWriterClient returns a franz-go client configured for the collector's
// produce path.
func NewWriterClient(cfg KafkaConfig, logger log.Logger, reg prometheus.Registerer) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("vantage_ingest_writer",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"topic": cfg.Topic}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))

	acks := kgo.LeaderAck()
	if cfg.RequireAllAcks {
		acks = kgo.AllISRAcks()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(acks),
		kgo.DisableIdempotentWrite(),
		kgo.ProducerBatchMaxBytes(cfg.MaxBatchBytes),
		kgo.ProducerLinger(cfg.LingerDuration),
		kgo.RecordRetries(cfg.ProduceRetries),
		kgo.RecordDeliveryTimeout(cfg.ProduceTimeout),
		kgo.AllowAutoTopicCreation(),
		kgo.WithHooks(metrics),
		kgo.WithLogger(newLogger(logger)),
	}
	if cfg.Compression {
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()))
	} else {
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	}
	if cfg.SASLUsername != "" {
		opts = append(opts, saslOpt(cfg))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka writer client")
	}
	if err := pingCluster(context.Background(), client, logger); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// pingCluster verifies broker connectivity before the caller starts serving.
func pingCluster(ctx context.Context, client *kgo.Client, logger log.Logger) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		err := client.Ping(ctx)
		if err == nil {
			return nil
		}
		level.Warn(logger).Log("msg", "ping kafka; will retry", "err", err)
		boff.Wait()
	}
	return errors.Wrap(boff.Err(), "pinging kafka")
}
