package collector

import (
	"flag"

	"github.com/vantage-obs/vantage/pkg/circuitbreaker"
	"github.com/vantage-obs/vantage/pkg/ingest"
	"github.com/vantage-obs/vantage/pkg/ratelimit"
)

// Config for the ingest API.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`

	Kafka     ingest.KafkaConfig    `yaml:"kafka"`
	RateLimit ratelimit.Config      `yaml:"rate_limit"`
	Breaker   circuitbreaker.Config `yaml:"circuit_breaker"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ListenAddress = ":8080"

	f.StringVar(&cfg.ListenAddress, prefix+".listen-address", cfg.ListenAddress, "Ingest API listen address.")
	f.StringVar(&cfg.APIKey, prefix+".api-key", cfg.APIKey, "API key required on ingest requests when auth is enabled.")

	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)
	cfg.RateLimit.RegisterFlagsAndApplyDefaults(prefix+".rate-limit", f)
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".breaker", f)
}
