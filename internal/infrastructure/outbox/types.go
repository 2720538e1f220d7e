package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
)

// Entry is one appended event record awaiting projection delivery. The
// (aggregate, sequence) pair doubles as the consumer-side dedup key, so
// re-delivery is harmless.
type Entry struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Record         json.RawMessage `json:"record"`
	Retries        int             `json:"retries"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`

	bucketKey []byte
}

// EntryFromRecord wraps an event record for the outbox.
func EntryFromRecord(rec domain.EventRecord) (Entry, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		TenantID:       rec.TenantID,
		AggregateID:    rec.AggregateID,
		SequenceNumber: rec.SequenceNumber,
		EventType:      rec.EventType,
		Record:         payload,
	}, nil
}

func (e *Entry) normalize() {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
}
