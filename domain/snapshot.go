package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SnapshotRecord is folded aggregate state at a point in the stream. Snapshots
// bound replay cost and nothing else: deleting every snapshot loses no data,
// since the event stream remains the sole source of truth.
type SnapshotRecord struct {
	AggregateID uuid.UUID       `json:"aggregate_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Version     int64           `json:"version"`
	StateData   json.RawMessage `json:"state_data"`
	TakenAt     time.Time       `json:"taken_at"`
}

// SnapshotFromCustomer captures the aggregate's current state.
func SnapshotFromCustomer(c *Customer) (SnapshotRecord, error) {
	if c == nil || !c.Exists() {
		return SnapshotRecord{}, ErrInvalidPayload
	}
	state, err := json.Marshal(c)
	if err != nil {
		return SnapshotRecord{}, WrapError(ErrCodeInvalid, "marshal snapshot state", err)
	}
	return SnapshotRecord{
		AggregateID: c.ID,
		TenantID:    c.TenantID,
		Version:     c.Version,
		StateData:   state,
		TakenAt:     time.Now(),
	}, nil
}

// CustomerFromSnapshot restores an aggregate from captured state.
func CustomerFromSnapshot(rec SnapshotRecord) (*Customer, error) {
	var c Customer
	if err := json.Unmarshal(rec.StateData, &c); err != nil {
		return nil, WrapError(ErrCodeIntegrity, "unmarshal snapshot state", err)
	}
	if c.Version != rec.Version {
		return nil, WrapError(ErrCodeIntegrity, "snapshot state version disagrees with record version", nil)
	}
	return &c, nil
}
