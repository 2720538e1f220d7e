package customer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/internal/crypto"
	"github.com/eventcrm/backend/repository"
)

// Reconstructor rebuilds a customer aggregate from its snapshot and event
// tail. Replay is deterministic: folding the same events from any valid
// snapshot, or from scratch, yields identical state.
type Reconstructor struct {
	events    repository.EventStore
	snapshots repository.SnapshotStore
	codec     *crypto.Codec
	keyring   *crypto.Keyring
	logger    *zap.Logger
}

func NewReconstructor(events repository.EventStore, snapshots repository.SnapshotStore, codec *crypto.Codec, keyring *crypto.Keyring, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{
		events:    events,
		snapshots: snapshots,
		codec:     codec,
		keyring:   keyring,
		logger:    logger,
	}
}

// Reconstruct returns the current aggregate. A never-written aggregate comes
// back at version 0 rather than as an error, so creation flows can use the
// same path.
func (r *Reconstructor) Reconstruct(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (*domain.Customer, error) {
	return r.reconstruct(ctx, scope, aggregateID, true)
}

// ReplayFromScratch ignores snapshots and folds the full stream. Used by the
// determinism checks and by operators after deleting suspect snapshots.
func (r *Reconstructor) ReplayFromScratch(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (*domain.Customer, error) {
	return r.reconstruct(ctx, scope, aggregateID, false)
}

func (r *Reconstructor) reconstruct(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, useSnapshot bool) (*domain.Customer, error) {
	cust := domain.NewCustomer(scope.TenantID, aggregateID)

	if useSnapshot {
		snap, err := r.snapshots.LoadLatest(ctx, scope, aggregateID)
		switch {
		case err == nil:
			restored, err := domain.CustomerFromSnapshot(*snap)
			if err != nil {
				// A corrupt snapshot is recoverable by full replay; it is
				// only an optimization.
				r.logger.Warn("discarding unreadable snapshot",
					zap.String("aggregate_id", aggregateID.String()),
					zap.Int64("version", snap.Version),
					zap.Error(err))
			} else {
				cust = restored
			}
		case domain.IsDomainError(err, domain.ErrCodeNotFound):
			// full replay
		default:
			return nil, err
		}
	}

	key, err := r.keyring.KeyFor(scope.TenantID, scope.KeyID)
	if err != nil {
		return nil, err
	}

	it, err := r.events.Load(ctx, scope, aggregateID, cust.Version)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next(ctx) {
		rec := it.Record()

		plaintext, err := r.codec.DecryptFields(rec.EventData, domain.SensitiveFields(rec.EventType), key)
		if err != nil {
			return nil, err
		}
		payload, err := domain.DecodeEventData(rec.EventType, plaintext)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeIntegrity, "decode persisted event", err)
		}
		if err := cust.Apply(rec, payload); err != nil {
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	return cust, nil
}
