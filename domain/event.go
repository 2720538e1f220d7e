package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type tags. The set is closed: every tag has exactly one payload type
// and one branch in Customer.Apply, so replay is exhaustive by construction.
const (
	EventCustomerCreated       = "CustomerCreated"
	EventLifecycleStageChanged = "LifecycleStageChanged"
	EventCreditLimitUpdated    = "CreditLimitUpdated"
	EventCreditStatusChanged   = "CreditStatusChanged"
	EventContactDetailsChanged = "ContactDetailsChanged"
	EventCustomerChurned       = "CustomerChurned"
	EventCustomerWonBack       = "CustomerWonBack"
)

// Metadata carries audit context for an event. It is never encrypted.
type Metadata struct {
	ActorID       string `json:"actor_id"`
	CausationID   string `json:"causation_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ClientContext string `json:"client_context,omitempty"`
}

// EventRecord is one immutable fact in an aggregate's stream. Records are
// append-only; no update or delete path exists anywhere in the codebase.
type EventRecord struct {
	EventID        uuid.UUID       `json:"event_id"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Metadata       Metadata        `json:"metadata"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Validate checks structural requirements before append.
func (r *EventRecord) Validate() error {
	if r.AggregateID == uuid.Nil {
		return WrapError(ErrCodeInvalid, "event record missing aggregate id", nil)
	}
	if r.TenantID == uuid.Nil {
		return WrapError(ErrCodeInvalid, "event record missing tenant id", nil)
	}
	if r.EventType == "" {
		return WrapError(ErrCodeInvalid, "event record missing event type", nil)
	}
	if _, ok := eventPayloads[r.EventType]; !ok {
		return WrapError(ErrCodeInvalid, "unknown event type "+r.EventType, nil)
	}
	return nil
}

// Event payloads. Fields listed in SensitiveFields are replaced by the
// encryption codec with ciphertext envelopes before the record is persisted.

type CustomerCreated struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	TaxID       string `json:"tax_id,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

type LifecycleStageChanged struct {
	From   LifecycleStage `json:"from"`
	To     LifecycleStage `json:"to"`
	Reason string         `json:"reason,omitempty"`
}

type CreditLimitUpdated struct {
	LimitCents int64  `json:"limit_cents"`
	Currency   string `json:"currency"`
}

type CreditStatusChanged struct {
	Status CreditStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

type ContactDetailsChanged struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CustomerChurned struct {
	Reason string `json:"reason,omitempty"`
}

type CustomerWonBack struct {
	Campaign string `json:"campaign,omitempty"`
}

// eventPayloads maps each tag to a fresh payload value for decoding.
var eventPayloads = map[string]func() any{
	EventCustomerCreated:       func() any { return &CustomerCreated{} },
	EventLifecycleStageChanged: func() any { return &LifecycleStageChanged{} },
	EventCreditLimitUpdated:    func() any { return &CreditLimitUpdated{} },
	EventCreditStatusChanged:   func() any { return &CreditStatusChanged{} },
	EventContactDetailsChanged: func() any { return &ContactDetailsChanged{} },
	EventCustomerChurned:       func() any { return &CustomerChurned{} },
	EventCustomerWonBack:       func() any { return &CustomerWonBack{} },
}

// sensitiveFields declares which top-level payload fields carry personal or
// financial data and must be encrypted at rest. Event types absent from the
// map have no sensitive fields.
var sensitiveFields = map[string][]string{
	EventCustomerCreated:       {"email", "phone", "tax_id"},
	EventContactDetailsChanged: {"email", "phone"},
}

// SensitiveFields returns the declared encrypted field names for an event type.
func SensitiveFields(eventType string) []string {
	return sensitiveFields[eventType]
}

// DecodeEventData unmarshals plaintext event data into its typed payload.
// The payload must already be decrypted.
func DecodeEventData(eventType string, data json.RawMessage) (any, error) {
	ctor, ok := eventPayloads[eventType]
	if !ok {
		return nil, WrapError(ErrCodeInvalid, "unknown event type "+eventType, nil)
	}
	payload := ctor()
	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, WrapError(ErrCodeInvalid, "malformed event data for "+eventType, err)
		}
	}
	return payload, nil
}

// EncodeEventData marshals a typed payload and returns its tag. The tag is
// derived from the payload type, never supplied by the caller, so a record's
// event_type and event_data cannot disagree.
func EncodeEventData(payload any) (string, json.RawMessage, error) {
	var eventType string
	switch payload.(type) {
	case *CustomerCreated, CustomerCreated:
		eventType = EventCustomerCreated
	case *LifecycleStageChanged, LifecycleStageChanged:
		eventType = EventLifecycleStageChanged
	case *CreditLimitUpdated, CreditLimitUpdated:
		eventType = EventCreditLimitUpdated
	case *CreditStatusChanged, CreditStatusChanged:
		eventType = EventCreditStatusChanged
	case *ContactDetailsChanged, ContactDetailsChanged:
		eventType = EventContactDetailsChanged
	case *CustomerChurned, CustomerChurned:
		eventType = EventCustomerChurned
	case *CustomerWonBack, CustomerWonBack:
		eventType = EventCustomerWonBack
	default:
		return "", nil, WrapError(ErrCodeInvalid, "unsupported event payload", nil)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, WrapError(ErrCodeInvalid, "marshal event data", err)
	}
	return eventType, data, nil
}
