package app

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.ContinueOnError))

	require.Equal(t, TargetAll, cfg.Target)
	require.Equal(t, "logfmt", cfg.LogFormat)
	require.Equal(t, ":8080", cfg.Collector.ListenAddress)
	require.Equal(t, ":8081", cfg.Querier.ListenAddress)
	require.Equal(t, "metrics-raw", cfg.Collector.Kafka.Topic)
	require.Equal(t, "metrics-dlq", cfg.Worker.DLQTopic)
	require.Equal(t, 10000, cfg.Worker.BufferCapacity)
}

func TestConfigOverlay(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.ContinueOnError))

	doc := `
target: worker
database:
  url: postgres://vantage:vantage@db:5432/vantage
worker:
  buffer_capacity: 5000
`
	require.NoError(t, yaml.UnmarshalStrict([]byte(doc), &cfg))

	require.Equal(t, TargetWorker, cfg.Target)
	require.Equal(t, "postgres://vantage:vantage@db:5432/vantage", cfg.Database.URL)
	require.Equal(t, 5000, cfg.Worker.BufferCapacity)

	// untouched defaults survive the overlay
	require.Equal(t, ":8080", cfg.Collector.ListenAddress)
}

func TestTargetValidation(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.ContinueOnError))

	for _, target := range []string{TargetCollector, TargetWorker, TargetDownsampler, TargetAlerter, TargetAPI, TargetAll} {
		cfg.Target = target
		require.NoError(t, cfg.validateTarget())
	}

	cfg.Target = "bogus"
	require.Error(t, cfg.validateTarget())

	cfg.Target = TargetCollector
	require.False(t, cfg.needsStore(), "the collector talks to kafka only")
}
