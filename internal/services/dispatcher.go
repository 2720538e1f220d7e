package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/internal/infrastructure/outbox"
	"github.com/eventcrm/backend/usecase"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
}

// DispatcherConfig controls how frequently the outbox is drained.
type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ProjectionDispatcher moves appended events from the durable outbox to the
// projection boundary. Every record is written to the outbox before any
// delivery attempt, so a crash between append and publish loses nothing.
// Entries are retried until delivered, never dropped.
type ProjectionDispatcher struct {
	store     *outbox.Store
	monitor   ConnectionHealth
	publisher EventPublisher
	logger    *zap.Logger
	cron      *cron.Cron
	cfg       DispatcherConfig
}

func NewProjectionDispatcher(
	store *outbox.Store,
	monitor ConnectionHealth,
	publisher EventPublisher,
	logger *zap.Logger,
	cfg DispatcherConfig,
) *ProjectionDispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &ProjectionDispatcher{
		store:     store,
		monitor:   monitor,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %ds", max(1, int(cfg.Interval.Seconds())))
	_, _ = d.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if err := d.Drain(ctx); err != nil {
			d.logger.Error("outbox drain failed", zap.Error(err))
		}
	})

	return d
}

// Start launches the cron scheduler.
func (d *ProjectionDispatcher) Start() {
	if d == nil || d.cron == nil {
		return
	}
	d.cron.Start()
	d.logger.Info("projection dispatcher started")
}

// Stop gracefully stops the scheduler.
func (d *ProjectionDispatcher) Stop(ctx context.Context) {
	if d == nil || d.cron == nil {
		return
	}
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	d.logger.Info("projection dispatcher stopped")
}

// NotifyAppended persists the records to the outbox and then tries to flush
// them right away. The durable write comes first; the inline drain is only an
// optimization for the common no-outage case.
func (d *ProjectionDispatcher) NotifyAppended(ctx context.Context, records []domain.EventRecord) error {
	if d == nil || d.store == nil {
		return fmt.Errorf("projection dispatcher not configured")
	}
	for _, rec := range records {
		entry, err := outbox.EntryFromRecord(rec)
		if err != nil {
			return err
		}
		if err := d.store.Enqueue(entry); err != nil {
			return err
		}
	}

	if err := d.Drain(ctx); err != nil {
		d.logger.Warn("inline drain after append failed", zap.Error(err))
	}
	return nil
}

// Drain publishes pending entries in key order. Keys sort by tenant,
// aggregate and sequence, so each stream's notifications leave in order. A
// failed entry is retained with a bumped retry counter.
func (d *ProjectionDispatcher) Drain(ctx context.Context) error {
	if d == nil || d.store == nil {
		return nil
	}
	if d.monitor != nil && !d.monitor.IsOnline() {
		d.logger.Debug("skipping outbox drain (offline)")
		return nil
	}

	entries, err := d.store.GetBatch(d.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry); err != nil {
			d.logger.Warn("projection publish failed, will retry",
				zap.String("aggregate_id", entry.AggregateID.String()),
				zap.Int64("sequence_number", entry.SequenceNumber),
				zap.Int("retries", entry.Retries),
				zap.Error(err))
			if err := d.store.Bump(entry); err != nil {
				d.logger.Error("failed to bump outbox entry", zap.Error(err))
			}
			continue
		}
		if err := d.store.Remove(entry); err != nil {
			d.logger.Warn("failed to purge delivered outbox entry", zap.Error(err))
		}
	}
	return nil
}

// Backlog returns the number of undelivered entries.
func (d *ProjectionDispatcher) Backlog() int {
	if d == nil || d.store == nil {
		return 0
	}
	size, err := d.store.Size()
	if err != nil {
		return 0
	}
	return size
}

var _ usecase.ProjectionNotifier = (*ProjectionDispatcher)(nil)
