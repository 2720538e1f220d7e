package inmem

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventcrm/backend/domain"
)

func testScope(tenantID uuid.UUID) domain.StorageScope {
	return domain.StorageScope{
		TenantID:      tenantID,
		Schema:        "tenant_test",
		KeyID:         "k1",
		SnapshotEvery: 64,
	}
}

func newRecord(aggregateID, tenantID uuid.UUID, payload any) domain.EventRecord {
	eventType, data, err := domain.EncodeEventData(payload)
	if err != nil {
		panic(err)
	}
	return domain.EventRecord{
		AggregateID: aggregateID,
		TenantID:    tenantID,
		EventType:   eventType,
		EventData:   data,
	}
}

func collect(t *testing.T, it interface {
	Next(ctx context.Context) bool
	Record() domain.EventRecord
	Err() error
	Close()
}) []domain.EventRecord {
	t.Helper()
	defer it.Close()
	var out []domain.EventRecord
	for it.Next(context.Background()) {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	store := NewEventStore()
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	v, err := store.Append(ctx, scope, aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.CustomerCreated{Name: "n", Email: "e@x.com"}),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = store.Append(ctx, scope, aggregateID, 1, []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.LifecycleStageChanged{From: domain.StageLead, To: domain.StageProspect}),
		newRecord(aggregateID, tenantID, &domain.LifecycleStageChanged{From: domain.StageProspect, To: domain.StageActiveCustomer}),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	it, err := store.Load(ctx, scope, aggregateID, 0)
	require.NoError(t, err)
	records := collect(t, it)
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, int64(i+1), rec.SequenceNumber)
		require.NotEqual(t, uuid.Nil, rec.EventID)
		if i > 0 {
			require.False(t, rec.RecordedAt.Before(records[i-1].RecordedAt))
		}
	}

	current, err := store.CurrentVersion(ctx, scope, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(3), current)
}

func TestAppendFinalizesCallerRecords(t *testing.T) {
	store := NewEventStore()
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	recs := []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.CustomerCreated{Name: "n", Email: "e@x.com"}),
		newRecord(aggregateID, tenantID, &domain.LifecycleStageChanged{From: domain.StageLead, To: domain.StageProspect}),
	}
	_, err := store.Append(ctx, scope, aggregateID, 0, recs)
	require.NoError(t, err)

	for i, rec := range recs {
		require.Equal(t, int64(i+1), rec.SequenceNumber, "caller slice carries assigned sequence numbers")
		require.NotEqual(t, uuid.Nil, rec.EventID)
		require.False(t, rec.RecordedAt.IsZero())
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	store := NewEventStore()
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	_, err := store.Append(ctx, scope, aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.CustomerCreated{Name: "n", Email: "e@x.com"}),
	})
	require.NoError(t, err)

	// Writing at expected version 0 again must conflict, nothing written.
	_, err = store.Append(ctx, scope, aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.CustomerChurned{Reason: "stale writer"}),
	})
	require.True(t, domain.IsConflict(err))

	current, err := store.CurrentVersion(ctx, scope, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(1), current)
}

func TestConcurrentWritersExactlyOneWins(t *testing.T) {
	store := NewEventStore()
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	_, err := store.Append(ctx, scope, aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantID, &domain.CustomerCreated{Name: "n", Email: "e@x.com"}),
	})
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, scope, aggregateID, 1, []domain.EventRecord{
				newRecord(aggregateID, tenantID, &domain.CreditLimitUpdated{LimitCents: int64(i), Currency: "EUR"}),
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case domain.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, writers-1, conflicts)

	current, err := store.CurrentVersion(ctx, scope, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(2), current)
}

func TestTenantStreamsAreIsolated(t *testing.T) {
	store := NewEventStore()
	aggregateID := uuid.New()
	tenantA := uuid.New()
	tenantB := uuid.New()
	ctx := context.Background()

	_, err := store.Append(ctx, testScope(tenantA), aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantA, &domain.CustomerCreated{Name: "a", Email: "a@x.com"}),
	})
	require.NoError(t, err)

	// Same aggregate id under a different tenant starts its own stream.
	_, err = store.Append(ctx, testScope(tenantB), aggregateID, 0, []domain.EventRecord{
		newRecord(aggregateID, tenantB, &domain.CustomerCreated{Name: "b", Email: "b@x.com"}),
	})
	require.NoError(t, err)

	it, err := store.Load(ctx, testScope(tenantB), aggregateID, 0)
	require.NoError(t, err)
	records := collect(t, it)
	require.Len(t, records, 1)
	require.Equal(t, tenantB, records[0].TenantID)
}

func TestLoadResumesFromVersion(t *testing.T) {
	store := NewEventStore()
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	var expected int64
	payloads := []any{
		&domain.CustomerCreated{Name: "n", Email: "e@x.com"},
		&domain.LifecycleStageChanged{From: domain.StageLead, To: domain.StageProspect},
		&domain.LifecycleStageChanged{From: domain.StageProspect, To: domain.StageActiveCustomer},
		&domain.CreditLimitUpdated{LimitCents: 100, Currency: "EUR"},
	}
	for _, payload := range payloads {
		v, err := store.Append(ctx, scope, aggregateID, expected, []domain.EventRecord{
			newRecord(aggregateID, tenantID, payload),
		})
		require.NoError(t, err)
		expected = v
	}

	it, err := store.Load(ctx, scope, aggregateID, 2)
	require.NoError(t, err)
	records := collect(t, it)
	require.Len(t, records, 2)
	require.Equal(t, int64(3), records[0].SequenceNumber)
	require.Equal(t, int64(4), records[1].SequenceNumber)
}

func TestLoadUnknownAggregateIsEmpty(t *testing.T) {
	store := NewEventStore()
	scope := testScope(uuid.New())

	it, err := store.Load(context.Background(), scope, uuid.New(), 0)
	require.NoError(t, err)
	require.Empty(t, collect(t, it))

	current, err := store.CurrentVersion(context.Background(), scope, uuid.New())
	require.NoError(t, err)
	require.Zero(t, current)
}

func TestSnapshotStoreLatestAndPrune(t *testing.T) {
	events := NewEventStore()
	store := NewSnapshotStore(events)
	tenantID := uuid.New()
	aggregateID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	for _, version := range []int64{64, 128, 192, 256} {
		cust := domain.NewCustomer(tenantID, aggregateID)
		cust.Version = version
		rec, err := domain.SnapshotFromCustomer(cust)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, scope, rec))
	}

	latest, err := store.LoadLatest(ctx, scope, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(256), latest.Version)

	require.NoError(t, store.Prune(ctx, scope, aggregateID, 2))
	latest, err = store.LoadLatest(ctx, scope, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(256), latest.Version)

	_, err = store.LoadLatest(ctx, scope, uuid.New())
	require.ErrorIs(t, err, domain.ErrSnapshotNotFound)
}

func TestStaleAggregatesComparesHeads(t *testing.T) {
	events := NewEventStore()
	store := NewSnapshotStore(events)
	tenantID := uuid.New()
	scope := testScope(tenantID)
	ctx := context.Background()

	fresh := uuid.New()
	stale := uuid.New()

	for _, aggregateID := range []uuid.UUID{fresh, stale} {
		var expected int64
		v, err := events.Append(ctx, scope, aggregateID, expected, []domain.EventRecord{
			newRecord(aggregateID, tenantID, &domain.CustomerCreated{Name: "n", Email: "e@x.com"}),
		})
		require.NoError(t, err)
		expected = v
		for i := 0; i < 9; i++ {
			v, err = events.Append(ctx, scope, aggregateID, expected, []domain.EventRecord{
				newRecord(aggregateID, tenantID, &domain.CreditLimitUpdated{LimitCents: int64(i), Currency: "EUR"}),
			})
			require.NoError(t, err)
			expected = v
		}
	}

	cust := domain.NewCustomer(tenantID, fresh)
	cust.Version = 10
	rec, err := domain.SnapshotFromCustomer(cust)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, scope, rec))

	ids, err := store.StaleAggregates(ctx, scope, 5)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{stale}, ids)
}
