package ingest

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClient returns a franz-go client configured for the worker's
// consume path. Autocommit is off: the worker commits offsets only after a
// batch has been persisted.
func NewReaderClient(cfg KafkaConfig, logger log.Logger, reg prometheus.Registerer) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("vantage_ingest_reader",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"topic": cfg.Topic}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(ConsumerGroup),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.WithHooks(metrics),
		kgo.WithLogger(newLogger(logger)),
	}
	if cfg.SASLUsername != "" {
		opts = append(opts, saslOpt(cfg))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	if err := pingCluster(context.Background(), client, logger); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// GroupLag reports the reader group's total lag across partitions, for the
// worker's lag gauge.
func GroupLag(ctx context.Context, client *kgo.Client) (int64, error) {
	adm := kadm.NewClient(client)
	lag, err := adm.Lag(ctx, ConsumerGroup)
	if err != nil {
		return 0, errors.Wrap(err, "fetching group lag")
	}
	l, ok := lag[ConsumerGroup]
	if !ok {
		return 0, nil
	}
	return l.Lag.Total(), nil
}

func saslOpt(cfg KafkaConfig) kgo.Opt {
	return kgo.SASL(plain.Auth{
		User: cfg.SASLUsername,
		Pass: cfg.SASLPassword,
	}.AsMechanism())
}
