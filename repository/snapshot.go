package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
)

// SnapshotStore keeps at most one snapshot per (aggregate, version). Snapshots
// are a replay-cost optimization; callers treat every operation here as
// best-effort and never let a snapshot failure fail a command.
type SnapshotStore interface {
	Save(ctx context.Context, scope domain.StorageScope, rec domain.SnapshotRecord) error

	// LoadLatest returns the highest-version snapshot for the aggregate, or
	// domain.ErrSnapshotNotFound when none exists.
	LoadLatest(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (*domain.SnapshotRecord, error)

	// Prune deletes all but the newest keep snapshots for the aggregate.
	Prune(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, keep int) error

	// StaleAggregates lists aggregates whose stream advanced at least
	// minBehind events past their latest snapshot (or have none at all).
	// Feeds the background compaction sweep.
	StaleAggregates(ctx context.Context, scope domain.StorageScope, minBehind int64) ([]uuid.UUID, error)
}
