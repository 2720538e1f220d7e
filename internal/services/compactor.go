package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/internal/tenant"
	"github.com/eventcrm/backend/repository"
	"github.com/eventcrm/backend/usecase/customer"
)

// CompactorConfig controls the periodic snapshot sweep.
type CompactorConfig struct {
	Interval     time.Duration
	SnapshotKeep int
}

// SnapshotCompactor walks every active tenant on a schedule and snapshots
// aggregates whose streams grew well past their latest snapshot. It backstops
// the command handler's inline cadence, which can miss snapshots when writes
// fail over or the process restarts mid-command. Everything here is an
// optimization: failures are logged and the sweep moves on.
type SnapshotCompactor struct {
	registry      repository.TenantRegistry
	router        *tenant.Router
	snapshots     repository.SnapshotStore
	reconstructor *customer.Reconstructor
	logger        *zap.Logger
	cron          *cron.Cron
	cfg           CompactorConfig
}

func NewSnapshotCompactor(
	registry repository.TenantRegistry,
	router *tenant.Router,
	snapshots repository.SnapshotStore,
	reconstructor *customer.Reconstructor,
	logger *zap.Logger,
	cfg CompactorConfig,
) *SnapshotCompactor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &SnapshotCompactor{
		registry:      registry,
		router:        router,
		snapshots:     snapshots,
		reconstructor: reconstructor,
		logger:        logger,
		cfg:           cfg,
		cron:          cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %ds", max(1, int(cfg.Interval.Seconds())))
	_, _ = c.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		c.Sweep(ctx)
	})

	return c
}

// Start launches the cron scheduler.
func (c *SnapshotCompactor) Start() {
	if c == nil || c.cron == nil {
		return
	}
	c.cron.Start()
	c.logger.Info("snapshot compactor started")
}

// Stop gracefully stops the scheduler.
func (c *SnapshotCompactor) Stop(ctx context.Context) {
	if c == nil || c.cron == nil {
		return
	}
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	c.logger.Info("snapshot compactor stopped")
}

// Sweep snapshots stale aggregates across all active tenants.
func (c *SnapshotCompactor) Sweep(ctx context.Context) {
	tenants, err := c.registry.List(ctx, true)
	if err != nil {
		c.logger.Error("compactor could not list tenants", zap.Error(err))
		return
	}

	for _, t := range tenants {
		scope, err := c.router.Resolve(ctx, t.ID)
		if err != nil {
			c.logger.Warn("compactor skipping tenant",
				zap.String("tenant_id", t.ID.String()), zap.Error(err))
			continue
		}
		c.sweepTenant(ctx, scope)
	}
}

func (c *SnapshotCompactor) sweepTenant(ctx context.Context, scope domain.StorageScope) {
	stale, err := c.snapshots.StaleAggregates(ctx, scope, int64(scope.SnapshotEvery))
	if err != nil {
		c.logger.Warn("stale aggregate scan failed",
			zap.String("tenant_id", scope.TenantID.String()), zap.Error(err))
		return
	}

	for _, aggregateID := range stale {
		cust, err := c.reconstructor.Reconstruct(ctx, scope, aggregateID)
		if err != nil {
			c.logger.Warn("compactor reconstruct failed",
				zap.String("aggregate_id", aggregateID.String()), zap.Error(err))
			continue
		}
		rec, err := domain.SnapshotFromCustomer(cust)
		if err != nil {
			c.logger.Warn("compactor snapshot capture failed",
				zap.String("aggregate_id", aggregateID.String()), zap.Error(err))
			continue
		}
		if err := c.snapshots.Save(ctx, scope, rec); err != nil {
			c.logger.Warn("compactor snapshot save failed",
				zap.String("aggregate_id", aggregateID.String()),
				zap.Int64("version", rec.Version), zap.Error(err))
			continue
		}
		if err := c.snapshots.Prune(ctx, scope, aggregateID, c.cfg.SnapshotKeep); err != nil {
			c.logger.Warn("compactor prune failed",
				zap.String("aggregate_id", aggregateID.String()), zap.Error(err))
		}
	}

	if len(stale) > 0 {
		c.logger.Debug("compaction sweep done",
			zap.String("tenant_id", scope.TenantID.String()),
			zap.Int("aggregates", len(stale)))
	}
}
