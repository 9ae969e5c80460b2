package worker

import (
	"flag"
	"time"

	"github.com/vantage-obs/vantage/pkg/ingest"
)

// Config for the stream worker.
type Config struct {
	Kafka ingest.KafkaConfig `yaml:"kafka"`

	DLQTopic         string        `yaml:"dlq_topic"`
	BufferCapacity   int           `yaml:"buffer_capacity"`
	MaxFailedBatches int           `yaml:"max_failed_batches"`
	RetryMinBackoff  time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	LagPollInterval  time.Duration `yaml:"lag_poll_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.DLQTopic = "metrics-dlq"
	cfg.BufferCapacity = 10000
	cfg.MaxFailedBatches = 100
	cfg.RetryMinBackoff = time.Second
	cfg.RetryMaxBackoff = 4 * time.Second
	cfg.RetryAttempts = 3
	cfg.LagPollInterval = 15 * time.Second

	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)
	f.StringVar(&cfg.DLQTopic, prefix+".dlq-topic", cfg.DLQTopic, "Topic for records that fail decoding.")
}
