package app

import (
	"flag"

	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/modules/alerter"
	"github.com/vantage-obs/vantage/modules/collector"
	"github.com/vantage-obs/vantage/modules/downsampler"
	"github.com/vantage-obs/vantage/modules/querier"
	"github.com/vantage-obs/vantage/modules/worker"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

// Targets.
const (
	TargetCollector   = "collector"
	TargetWorker      = "worker"
	TargetDownsampler = "downsampler"
	TargetAlerter     = "alerter"
	TargetAPI         = "api"
	TargetAll         = "all"
)

// Config is the root configuration, composed of every module's config.
type Config struct {
	Target    string      `yaml:"target,omitempty"`
	LogLevel  dslog.Level `yaml:"log_level,omitempty"`
	LogFormat string      `yaml:"log_format,omitempty"`

	Database    vantagedb.Config   `yaml:"database,omitempty"`
	Collector   collector.Config   `yaml:"collector,omitempty"`
	Worker      worker.Config      `yaml:"worker,omitempty"`
	Downsampler downsampler.Config `yaml:"downsampler,omitempty"`
	Alerter     alerter.Config     `yaml:"alerter,omitempty"`
	Querier     querier.Config     `yaml:"querier,omitempty"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = TargetAll
	c.LogFormat = "logfmt"
	_ = c.LogLevel.Set("info")

	f.StringVar(&c.Target, "target", c.Target, "Module to run: collector, worker, downsampler, alerter, api, or all.")
	f.StringVar(&c.LogFormat, "log.format", c.LogFormat, "Log format: logfmt or json.")
	c.LogLevel.RegisterFlags(f)

	c.Database.RegisterFlagsAndApplyDefaults(prefix+"database", f)
	c.Collector.RegisterFlagsAndApplyDefaults(prefix+"collector", f)
	c.Worker.RegisterFlagsAndApplyDefaults(prefix+"worker", f)
	c.Downsampler.RegisterFlagsAndApplyDefaults(prefix+"downsampler", f)
	c.Alerter.RegisterFlagsAndApplyDefaults(prefix+"alerter", f)
	c.Querier.RegisterFlagsAndApplyDefaults(prefix+"querier", f)
}

func (c *Config) validateTarget() error {
	switch c.Target {
	case TargetCollector, TargetWorker, TargetDownsampler, TargetAlerter, TargetAPI, TargetAll:
		return nil
	}
	return errors.Errorf("unknown target: %s", c.Target)
}

// needsStore reports whether the target requires the metrics store.
func (c *Config) needsStore() bool {
	return c.Target != TargetCollector
}
