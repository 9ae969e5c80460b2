package app

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vantage-obs/vantage/modules/alerter"
	"github.com/vantage-obs/vantage/modules/collector"
	"github.com/vantage-obs/vantage/modules/downsampler"
	"github.com/vantage-obs/vantage/modules/querier"
	"github.com/vantage-obs/vantage/modules/worker"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

// App owns the selected modules and runs them to completion.
type App struct {
	cfg    Config
	logger log.Logger

	store *vantagedb.Store
	svcs  map[string]services.Service
}

func New(cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.validateTarget(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		svcs:   map[string]services.Service{},
	}

	if cfg.needsStore() {
		store, err := vantagedb.New(context.Background(), cfg.Database, logger)
		if err != nil {
			return nil, errors.Wrap(err, "initialising store")
		}
		a.store = store
		a.svcs["maintainer"] = vantagedb.NewMaintainer(store, logger)
	}

	wants := func(target string) bool {
		return cfg.Target == target || cfg.Target == TargetAll
	}

	if wants(TargetCollector) {
		c, err := collector.New(cfg.Collector, logger, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, errors.Wrap(err, "initialising collector")
		}
		a.svcs[TargetCollector] = c
	}
	if wants(TargetWorker) {
		w, err := worker.New(cfg.Worker, a.store, logger, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, errors.Wrap(err, "initialising worker")
		}
		a.svcs[TargetWorker] = w
	}
	if wants(TargetDownsampler) {
		a.svcs[TargetDownsampler] = downsampler.New(cfg.Downsampler, a.store, logger)
	}
	if wants(TargetAlerter) {
		a.svcs[TargetAlerter] = alerter.New(cfg.Alerter, a.store, logger)
	}
	if wants(TargetAPI) {
		a.svcs[TargetAPI] = querier.New(cfg.Querier, a.store, logger)
	}

	return a, nil
}

// Run starts every selected module and blocks until shutdown, either from a
// signal or a module failure.
func (a *App) Run() error {
	svcs := make([]services.Service, 0, len(a.svcs))
	names := map[services.Service]string{}
	for name, svc := range a.svcs {
		svcs = append(svcs, svc)
		names[svc] = name
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	watcher := services.NewFailureWatcher()
	watcher.WatchManager(manager)
	go func() {
		for err := range watcher.Chan() {
			level.Error(a.logger).Log("msg", "module failed", "err", err)
			manager.StopAsync()
		}
	}()

	handler := signals.NewHandler(a.logger)
	go func() {
		handler.Loop()
		level.Info(a.logger).Log("msg", "received shutdown signal")
		manager.StopAsync()
	}()

	ctx := context.Background()
	if err := services.StartManagerAndAwaitHealthy(ctx, manager); err != nil {
		return errors.Wrap(err, "starting modules")
	}
	for svc, name := range names {
		level.Info(a.logger).Log("msg", "module running", "module", name, "state", svc.State())
	}

	err = manager.AwaitStopped(ctx)
	if a.store != nil {
		a.store.Close()
	}
	return errors.Wrap(err, "awaiting module shutdown")
}
