package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

// SnapshotStore keeps snapshots in memory, newest-first per aggregate. The
// optional event store reference lets StaleAggregates compare stream heads
// against snapshot versions, matching the Postgres implementation.
type SnapshotStore struct {
	events *EventStore

	mu        sync.Mutex
	snapshots map[string][]domain.SnapshotRecord
}

func NewSnapshotStore(events *EventStore) *SnapshotStore {
	return &SnapshotStore{
		events:    events,
		snapshots: make(map[string][]domain.SnapshotRecord),
	}
}

func (s *SnapshotStore) Save(_ context.Context, scope domain.StorageScope, rec domain.SnapshotRecord) error {
	if rec.AggregateID == uuid.Nil || rec.Version <= 0 || len(rec.StateData) == 0 {
		return domain.ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(scope.TenantID, rec.AggregateID)
	for _, existing := range s.snapshots[key] {
		if existing.Version == rec.Version {
			return nil
		}
	}
	s.snapshots[key] = append(s.snapshots[key], rec)
	return nil
}

func (s *SnapshotStore) LoadLatest(_ context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (*domain.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.snapshots[streamKey(scope.TenantID, aggregateID)]
	if len(records) == 0 {
		return nil, domain.ErrSnapshotNotFound
	}
	latest := records[0]
	for _, rec := range records[1:] {
		if rec.Version > latest.Version {
			latest = rec
		}
	}
	out := latest
	out.StateData = append([]byte(nil), latest.StateData...)
	return &out, nil
}

func (s *SnapshotStore) Prune(_ context.Context, scope domain.StorageScope, aggregateID uuid.UUID, keep int) error {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(scope.TenantID, aggregateID)
	records := s.snapshots[key]
	for len(records) > keep {
		lowest := 0
		for i, rec := range records {
			if rec.Version < records[lowest].Version {
				lowest = i
			}
		}
		records = append(records[:lowest], records[lowest+1:]...)
	}
	s.snapshots[key] = records
	return nil
}

func (s *SnapshotStore) StaleAggregates(_ context.Context, scope domain.StorageScope, minBehind int64) ([]uuid.UUID, error) {
	if s.events == nil {
		return nil, nil
	}

	heads := s.events.streamHeads(scope.TenantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for aggregateID, head := range heads {
		var latest int64
		for _, rec := range s.snapshots[streamKey(scope.TenantID, aggregateID)] {
			if rec.Version > latest {
				latest = rec.Version
			}
		}
		if head-latest >= minBehind {
			ids = append(ids, aggregateID)
		}
	}
	return ids, nil
}

var _ repository.SnapshotStore = (*SnapshotStore)(nil)
