package ingest

import (
	"flag"
	"time"
)

const (
	// DefaultTopic is where raw metric records land before the worker
	// persists them.
	DefaultTopic = "metrics-raw"

	// ConsumerGroup is the worker's consumer group.
	ConsumerGroup = "vantage-worker"
)

// KafkaConfig holds the log-bus connection settings shared by the producer
// and consumer sides.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`

	// Producer tuning.
	LingerDuration  time.Duration `yaml:"linger_duration"`
	MaxBatchBytes   int32         `yaml:"max_batch_bytes"`
	ProduceTimeout  time.Duration `yaml:"produce_timeout"`
	ProduceRetries  int           `yaml:"produce_retries"`
	Compression     bool          `yaml:"compression"`
	RequireAllAcks  bool          `yaml:"require_all_acks"`

	// Consumer tuning.
	FetchMaxWait   time.Duration `yaml:"fetch_max_wait"`
	PollMaxRecords int           `yaml:"poll_max_records"`

	SASLUsername string `yaml:"sasl_username"`
	SASLPassword string `yaml:"sasl_password"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Brokers = []string{"localhost:9092"}
	cfg.Topic = DefaultTopic
	cfg.ClientID = "vantage"
	cfg.LingerDuration = 10 * time.Millisecond
	cfg.MaxBatchBytes = 1_000_000
	cfg.ProduceTimeout = 10 * time.Second
	cfg.ProduceRetries = 3
	cfg.Compression = true
	cfg.FetchMaxWait = time.Second
	cfg.PollMaxRecords = 500

	f.StringVar(&cfg.Topic, prefix+".topic", cfg.Topic, "Log-bus topic for raw metrics.")
}
