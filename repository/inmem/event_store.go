// Package inmem provides in-memory store implementations with the same
// concurrency semantics as the Postgres backends. They back the test suite
// and local development runs.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

// EventStore is a correct (optimistic) in-memory event store. Streams are
// keyed by (tenant, aggregate), so isolation mirrors the schema-per-tenant
// layout of the Postgres store.
type EventStore struct {
	mu      sync.Mutex
	streams map[string][]domain.EventRecord
}

func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[string][]domain.EventRecord)}
}

func streamKey(tenantID, aggregateID uuid.UUID) string {
	return tenantID.String() + "/" + aggregateID.String()
}

func (s *EventStore) Append(_ context.Context, scope domain.StorageScope, aggregateID uuid.UUID, expectedVersion int64, records []domain.EventRecord) (int64, error) {
	if len(records) == 0 {
		return 0, domain.WrapError(domain.ErrCodeInvalid, "no events to append", nil)
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(scope.TenantID, aggregateID)
	stream := s.streams[key]

	var current int64
	if len(stream) > 0 {
		current = stream[len(stream)-1].SequenceNumber
	}
	if current != expectedVersion {
		return 0, domain.WrapError(domain.ErrCodeConflict,
			fmt.Sprintf("aggregate %s: expected version %d, stream at %d", aggregateID, expectedVersion, current), nil)
	}

	recordedAt := time.Now()
	if len(stream) > 0 && stream[len(stream)-1].RecordedAt.After(recordedAt) {
		recordedAt = stream[len(stream)-1].RecordedAt
	}

	// Finalize in the caller's slice, matching the Postgres store, so callers
	// forward the assigned sequence numbers downstream.
	for i := range records {
		if records[i].EventID == uuid.Nil {
			records[i].EventID = uuid.New()
		}
		records[i].SequenceNumber = expectedVersion + int64(i) + 1
		records[i].RecordedAt = recordedAt
	}

	appended := make([]domain.EventRecord, len(records))
	copy(appended, records)

	s.streams[key] = append(stream, appended...)
	return expectedVersion + int64(len(records)), nil
}

func (s *EventStore) Load(_ context.Context, scope domain.StorageScope, aggregateID uuid.UUID, fromVersion int64) (repository.EventIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamKey(scope.TenantID, aggregateID)]
	out := make([]domain.EventRecord, 0, len(stream))
	for _, rec := range stream {
		if rec.SequenceNumber > fromVersion {
			out = append(out, rec)
		}
	}
	return &sliceIterator{records: out, idx: -1}, nil
}

func (s *EventStore) CurrentVersion(_ context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamKey(scope.TenantID, aggregateID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].SequenceNumber, nil
}

// streamHeads returns the head sequence number of every stream belonging to
// the tenant.
func (s *EventStore) streamHeads(tenantID uuid.UUID) map[uuid.UUID]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	heads := make(map[uuid.UUID]int64)
	for _, stream := range s.streams {
		if len(stream) == 0 || stream[0].TenantID != tenantID {
			continue
		}
		heads[stream[0].AggregateID] = stream[len(stream)-1].SequenceNumber
	}
	return heads
}

type sliceIterator struct {
	records []domain.EventRecord
	idx     int
}

func (it *sliceIterator) Next(_ context.Context) bool {
	it.idx++
	return it.idx < len(it.records)
}

func (it *sliceIterator) Record() domain.EventRecord { return it.records[it.idx] }
func (it *sliceIterator) Err() error                 { return nil }
func (it *sliceIterator) Close()                     {}

var _ repository.EventStore = (*EventStore)(nil)
