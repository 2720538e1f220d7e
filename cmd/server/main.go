package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/eventcrm/backend/internal/app"
	"github.com/eventcrm/backend/internal/config"
	"github.com/eventcrm/backend/internal/services/lifecycle"
	"github.com/eventcrm/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	appCtx, stop := manager.SignalContext(context.Background())
	defer stop()

	application, err := app.New(appCtx, cfg, zapLogger, manager)
	if err != nil {
		zapLogger.Error("boot failed", zap.Error(err))
		if serr := manager.Shutdown(context.Background()); serr != nil {
			zapLogger.Error("shutdown finished with errors", zap.Error(serr))
		}
		zapLogger.Fatal("exiting", zap.Error(err))
	}

	status := application.Monitor.GetStatus()
	zapLogger.Info("event store service ready",
		zap.String("env", cfg.Environment),
		zap.Int("snapshot_every", cfg.EventStore.SnapshotEvery),
		zap.Int("outbox_backlog", status.OutboxBacklog))

	<-appCtx.Done()
	zapLogger.Info("shutdown signal received")

	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("shutdown finished with errors", zap.Error(err))
	}
}
