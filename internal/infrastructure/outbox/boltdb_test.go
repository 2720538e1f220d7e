package outbox

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/eventcrm/backend/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "outbox.db"), "outbox")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func enqueueRecord(t *testing.T, store *Store, tenantID, aggregateID uuid.UUID, seq int64) {
	t.Helper()
	entry, err := EntryFromRecord(domain.EventRecord{
		EventID:        uuid.New(),
		TenantID:       tenantID,
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      domain.EventCustomerChurned,
		EventData:      []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(entry))
}

func TestGetBatchPurgesUndecodableEntries(t *testing.T) {
	store := openTestStore(t)
	tenantID := uuid.New()
	aggregateID := uuid.New()

	enqueueRecord(t, store, tenantID, aggregateID, 1)
	enqueueRecord(t, store, tenantID, aggregateID, 2)

	// Corrupt values at both ends of the key range must not block the walk.
	require.NoError(t, store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(store.bucket)
		if err := b.Put([]byte("00000000_head"), []byte(`{"tenant_id":`)); err != nil {
			return err
		}
		return b.Put([]byte("zzzzzzzz_tail"), []byte("not json at all"))
	}))

	size, err := store.Size()
	require.NoError(t, err)
	require.Equal(t, 4, size)

	entries, err := store.GetBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].SequenceNumber)
	require.Equal(t, int64(2), entries[1].SequenceNumber)

	size, err = store.Size()
	require.NoError(t, err)
	require.Equal(t, 2, size, "poison entries are gone, deliverable ones remain")
}
