package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
)

// ProjectionNotifier hands newly appended records to the projection boundary.
// Delivery is at-least-once and eventually consistent; a failed notification
// never rolls back the append, since the event stream is the source of truth.
type ProjectionNotifier interface {
	NotifyAppended(ctx context.Context, records []domain.EventRecord) error
}

// AuditOutcome classifies how an append attempt ended.
type AuditOutcome string

const (
	AuditAccepted AuditOutcome = "accepted"
	AuditConflict AuditOutcome = "conflict"
	AuditRejected AuditOutcome = "rejected"
)

// AuditRecord describes one append attempt for the compliance boundary.
type AuditRecord struct {
	ActorID          string       `json:"actor_id"`
	TenantID         uuid.UUID    `json:"tenant_id"`
	AggregateID      uuid.UUID    `json:"aggregate_id"`
	AttemptedVersion int64        `json:"attempted_version"`
	ResultingVersion int64        `json:"resulting_version,omitempty"`
	EventTypes       []string     `json:"event_types,omitempty"`
	Outcome          AuditOutcome `json:"outcome"`
	Detail           string       `json:"detail,omitempty"`
	At               time.Time    `json:"at"`
}

// AuditEmitter receives an audit record for every append attempt, successful
// or not. Emission is fire-and-forget from the command handler's viewpoint.
type AuditEmitter interface {
	Emit(ctx context.Context, rec AuditRecord)
}
