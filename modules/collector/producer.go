package collector

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"

	"github.com/vantage-obs/vantage/pkg/circuitbreaker"
	"github.com/vantage-obs/vantage/pkg/ingest"
	"github.com/vantage-obs/vantage/pkg/model"
)

// Producer pushes validated batches onto the log-bus.
type Producer interface {
	Push(ctx context.Context, batch *model.Batch) error
	Healthy(ctx context.Context) error
	Stats() ProducerStats
	Close()
}

// ProducerStats is exposed on /v1/stats.
type ProducerStats struct {
	MetricsProduced uint64 `json:"metrics_produced"`
	ProduceFailures uint64 `json:"produce_failures"`
	BreakerState    string `json:"breaker_state"`
}

type kafkaProducer struct {
	client  *kgo.Client
	breaker *circuitbreaker.CircuitBreaker
	topic   string

	produced atomic.Uint64
	failures atomic.Uint64
}

func newKafkaProducer(cfg Config, logger log.Logger, client *kgo.Client) *kafkaProducer {
	return &kafkaProducer{
		client:  client,
		breaker: circuitbreaker.New("log-bus", cfg.Breaker, logger),
		topic:   cfg.Kafka.Topic,
	}
}

// Push produces one record per metric, keyed by the batch's service name,
// and waits for delivery so the breaker sees real broker outcomes.
func (p *kafkaProducer) Push(ctx context.Context, batch *model.Batch) error {
	records, err := ingest.Encode(p.topic, batch)
	if err != nil {
		return err
	}

	err = p.breaker.Execute(func() error {
		results := p.client.ProduceSync(ctx, records...)
		return results.FirstErr()
	})
	if err != nil {
		p.failures.Inc()
		return err
	}
	p.produced.Add(uint64(len(records)))
	return nil
}

func (p *kafkaProducer) Healthy(ctx context.Context) error {
	if p.breaker.IsOpen() {
		return errors.New("circuit breaker open")
	}
	return p.client.Ping(ctx)
}

func (p *kafkaProducer) Stats() ProducerStats {
	return ProducerStats{
		MetricsProduced: p.produced.Load(),
		ProduceFailures: p.failures.Load(),
		BreakerState:    p.breaker.State(),
	}
}

func (p *kafkaProducer) Close() {
	p.client.Close()
}
