package collector

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vantage-obs/vantage/pkg/ingest"
	"github.com/vantage-obs/vantage/pkg/ratelimit"
)

// Collector is the ingest API: it validates metric batches and pushes them
// onto the log-bus.
type Collector struct {
	services.Service

	cfg      Config
	logger   log.Logger
	producer Producer
	limiter  *ratelimit.Limiter
	server   *http.Server

	startTime time.Time
	stopCh    chan struct{}
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Collector, error) {
	if cfg.AuthEnabled && cfg.APIKey == "" {
		return nil, errors.New("auth enabled but no api key configured")
	}

	client, err := ingest.NewWriterClient(cfg.Kafka, logger, reg)
	if err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:      cfg,
		logger:   logger,
		producer: newKafkaProducer(cfg, logger, client),
		limiter:  ratelimit.New(cfg.RateLimit, logger),
		stopCh:   make(chan struct{}),
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// newForTesting wires a collector around a fake producer, skipping kafka.
func newForTesting(cfg Config, logger log.Logger, producer Producer) *Collector {
	c := &Collector{
		cfg:      cfg,
		logger:   logger,
		producer: producer,
		limiter:  ratelimit.New(cfg.RateLimit, logger),
		stopCh:   make(chan struct{}),
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

func (c *Collector) starting(_ context.Context) error {
	c.startTime = time.Now()

	router := mux.NewRouter()
	router.Handle("/v1/metrics", c.authMiddleware(http.HandlerFunc(c.IngestHandler))).Methods(http.MethodPost)
	router.HandleFunc("/health", c.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", c.ReadyHandler).Methods(http.MethodGet)
	router.HandleFunc("/live", c.LiveHandler).Methods(http.MethodGet)
	router.Handle("/v1/stats", c.authMiddleware(http.HandlerFunc(c.StatsHandler))).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c.server = &http.Server{
		Addr:         c.cfg.ListenAddress,
		Handler:      c.limiter.Middleware(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go c.limiter.RunEviction(c.stopCh)
	return nil
}

func (c *Collector) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		level.Info(c.logger).Log("msg", "collector listening", "addr", c.cfg.ListenAddress)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "collector http server")
	case <-ctx.Done():
		return nil
	}
}

func (c *Collector) stopping(_ error) error {
	close(c.stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if c.server != nil {
		_ = c.server.Shutdown(shutdownCtx)
	}
	c.producer.Close()
	level.Info(c.logger).Log("msg", "collector stopped")
	return nil
}
