package vantagedb

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Maintainer periodically creates upcoming partitions and enforces retention.
type Maintainer struct {
	services.Service

	store  *Store
	logger log.Logger
}

func NewMaintainer(store *Store, logger log.Logger) *Maintainer {
	m := &Maintainer{store: store, logger: logger}
	m.Service = services.NewTimerService(store.cfg.RetentionPeriod, nil, m.iteration, nil)
	return m
}

func (m *Maintainer) iteration(ctx context.Context) error {
	now := time.Now()
	if err := m.store.EnsurePartitions(ctx, now); err != nil {
		level.Error(m.logger).Log("msg", "partition upkeep failed", "err", err)
	}
	if err := m.store.EnforceRetention(ctx, now); err != nil {
		level.Error(m.logger).Log("msg", "retention sweep failed", "err", err)
	}
	// keep ticking; upkeep failures are retried next interval
	return nil
}
