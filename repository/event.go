package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
)

// EventIterator walks one aggregate's stream in sequence order. Iteration is
// lazy (backends page in batches) and restartable: a caller that stops at
// version v can resume with a fresh Load(fromVersion = v).
type EventIterator interface {
	// Next advances to the following record, returning false at end of
	// stream or on error.
	Next(ctx context.Context) bool
	// Record returns the current record. Valid only after Next returned true.
	Record() domain.EventRecord
	// Err reports the error that terminated iteration, if any.
	Err() error
	// Close releases backend resources. Safe to call more than once.
	Close()
}

// EventStore is the append-only home of event records. Streams are totally
// ordered per aggregate by sequence number; the storage layer's uniqueness
// constraint on (aggregate_id, sequence_number) is the sole arbiter between
// concurrent writers.
type EventStore interface {
	// Append atomically inserts the records with sequence numbers
	// expectedVersion+1..expectedVersion+len(records) and returns the new
	// stream version. The store finalizes event ids, sequence numbers and
	// recorded_at in the caller's slice, so after a successful Append the
	// records match what was stored. A concurrent writer that already
	// advanced the stream causes a CONFLICT error and nothing is written.
	Append(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, expectedVersion int64, records []domain.EventRecord) (int64, error)

	// Load returns records with sequence numbers strictly greater than
	// fromVersion, forward-ordered. An unknown aggregate yields an empty
	// iterator, not an error.
	Load(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, fromVersion int64) (EventIterator, error)

	// CurrentVersion returns the highest stored sequence number, 0 for an
	// unknown aggregate.
	CurrentVersion(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (int64, error)
}
