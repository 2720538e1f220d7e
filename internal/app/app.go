// Package app assembles the event store service: storage, tenant routing,
// encryption, background services and the customer command surface. The
// binary in cmd/server boots an App; API layers embed the same App to reach
// the command handle instead of rebuilding the wiring themselves.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eventcrm/backend/internal/config"
	"github.com/eventcrm/backend/internal/crypto"
	"github.com/eventcrm/backend/internal/infrastructure/monitor"
	"github.com/eventcrm/backend/internal/infrastructure/outbox"
	pgInfra "github.com/eventcrm/backend/internal/infrastructure/postgres"
	redisInfra "github.com/eventcrm/backend/internal/infrastructure/redis"
	"github.com/eventcrm/backend/internal/services"
	"github.com/eventcrm/backend/internal/services/lifecycle"
	"github.com/eventcrm/backend/internal/tenant"
	"github.com/eventcrm/backend/repository"
	pgRepo "github.com/eventcrm/backend/repository/postgres"
	customerUC "github.com/eventcrm/backend/usecase/customer"
)

// App holds the wired components that outlive boot. Everything here is live:
// the background services are started and registered for shutdown before New
// returns.
type App struct {
	Commands    *customerUC.UseCase
	Registry    repository.TenantRegistry
	Router      *tenant.Router
	Provisioner *tenant.Provisioner
	Monitor     *monitor.Monitor
	Dispatcher  *services.ProjectionDispatcher
	Compactor   *services.SnapshotCompactor
	Audit       *services.AuditEmitter
}

// New runs migrations, connects the stores and starts the background
// services, registering every shutdown hook on manager in boot order. On
// error the already-registered hooks still run via the caller's Shutdown.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, manager *lifecycle.Manager) (*App, error) {
	if err := pgInfra.RunMigrations(cfg, logger); err != nil {
		return nil, err
	}

	pool, err := pgInfra.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	manager.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	redisClient, err := redisInfra.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	manager.Register("redis", func(ctx context.Context) error {
		return redisClient.Close()
	})

	outboxStore, err := outbox.Open(cfg.Projection.OutboxPath, "outbox")
	if err != nil {
		return nil, err
	}
	manager.Register("outbox", func(ctx context.Context) error {
		return outboxStore.Close()
	})

	mon := monitor.New(pool, redisClient, outboxStore, 10*time.Second, logger)
	mon.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	keyring, err := crypto.NewKeyring(cfg.Encryption.MasterKey)
	if err != nil {
		return nil, err
	}
	codec := crypto.NewCodec()

	registry := pgRepo.NewTenantRegistry(pool)
	router := tenant.NewRouter(registry, redisClient, cfg.Tenant.CacheTTL, cfg.EventStore.SnapshotEvery, logger)
	provisioner := tenant.NewProvisioner(pool, registry, router, logger)
	// Half-provisioned tenants stay fail-closed until recovery completes, so
	// a failure here degrades those tenants without blocking the rest.
	if err := provisioner.EnsureAll(ctx); err != nil {
		logger.Error("tenant provisioning recovery failed", zap.Error(err))
	}

	eventStore := pgRepo.NewEventStore(pool, cfg.EventStore.LoadBatchSize)
	snapshotStore := pgRepo.NewSnapshotStore(pool)
	reconstructor := customerUC.NewReconstructor(eventStore, snapshotStore, codec, keyring, logger)

	dispatcher := services.NewProjectionDispatcher(
		outboxStore,
		mon,
		services.NewRedisPublisher(redisClient, cfg.Projection.Stream),
		logger,
		services.DispatcherConfig{
			Interval:  cfg.Projection.DrainInterval,
			BatchSize: cfg.Projection.BatchSize,
		},
	)
	dispatcher.Start()
	manager.Register("projection_dispatcher", func(ctx context.Context) error {
		dispatcher.Stop(ctx)
		return nil
	})

	compactor := services.NewSnapshotCompactor(
		registry,
		router,
		snapshotStore,
		reconstructor,
		logger,
		services.CompactorConfig{SnapshotKeep: cfg.EventStore.SnapshotKeep},
	)
	compactor.Start()
	manager.Register("snapshot_compactor", func(ctx context.Context) error {
		compactor.Stop(ctx)
		return nil
	})

	audit := services.NewAuditEmitter(redisClient, "eventcrm:audit", logger)

	commands := customerUC.New(
		router,
		eventStore,
		snapshotStore,
		reconstructor,
		codec,
		keyring,
		dispatcher,
		audit,
		customerUC.Config{
			AppendRetries: cfg.EventStore.AppendRetries,
			SnapshotKeep:  cfg.EventStore.SnapshotKeep,
		},
		logger,
	)

	return &App{
		Commands:    commands,
		Registry:    registry,
		Router:      router,
		Provisioner: provisioner,
		Monitor:     mon,
		Dispatcher:  dispatcher,
		Compactor:   compactor,
		Audit:       audit,
	}, nil
}
