package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LifecycleStage is the commercial relationship stage of a customer.
type LifecycleStage string

const (
	StageLead           LifecycleStage = "Lead"
	StageProspect       LifecycleStage = "Prospect"
	StageActiveCustomer LifecycleStage = "ActiveCustomer"
	StageAtRisk         LifecycleStage = "AtRisk"
	StageChurned        LifecycleStage = "Churned"
	StageWonBack        LifecycleStage = "WonBack"
)

// CreditStatus classifies a customer's credit standing.
type CreditStatus string

const (
	CreditGood    CreditStatus = "Good"
	CreditOnHold  CreditStatus = "OnHold"
	CreditBlocked CreditStatus = "Blocked"
)

// stageTransitions enumerates the legal lifecycle moves. A command may only
// change stage along one of these edges; everything else is rejected before
// any event is produced.
var stageTransitions = map[LifecycleStage][]LifecycleStage{
	StageLead:           {StageProspect},
	StageProspect:       {StageActiveCustomer, StageChurned},
	StageActiveCustomer: {StageAtRisk, StageChurned},
	StageAtRisk:         {StageActiveCustomer, StageChurned},
	StageChurned:        {StageWonBack},
	StageWonBack:        {StageActiveCustomer, StageAtRisk, StageChurned},
}

// CanTransition reports whether a stage change from one stage to another is legal.
func CanTransition(from, to LifecycleStage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Customer is the in-memory aggregate reconstructed from its event stream.
// It is never persisted directly; only the events it emits are.
type Customer struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Phone       string         `json:"phone,omitempty"`
	TaxID       string         `json:"tax_id,omitempty"`
	CountryCode string         `json:"country_code,omitempty"`
	Stage       LifecycleStage `json:"stage"`
	CreditCents int64          `json:"credit_cents"`
	Currency    string         `json:"currency,omitempty"`
	Credit      CreditStatus   `json:"credit"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Version equals the sequence number of the last applied event.
	Version int64 `json:"version"`
}

// NewCustomer returns the empty aggregate at version 0 for the given stream.
func NewCustomer(tenantID, aggregateID uuid.UUID) *Customer {
	return &Customer{ID: aggregateID, TenantID: tenantID}
}

// Exists reports whether any event has been applied yet.
func (c *Customer) Exists() bool { return c.Version > 0 }

// Apply folds one decoded event into the aggregate. The record's payload must
// be the typed value produced by DecodeEventData on plaintext data. Sequence
// numbers must advance by exactly one; anything else is stream corruption and
// is surfaced as an integrity error, never skipped.
func (c *Customer) Apply(rec EventRecord, payload any) error {
	if rec.SequenceNumber != c.Version+1 {
		return WrapError(ErrCodeIntegrity,
			fmt.Sprintf("aggregate %s: expected sequence %d, got %d", c.ID, c.Version+1, rec.SequenceNumber), nil)
	}

	switch e := payload.(type) {
	case *CustomerCreated:
		c.Name = e.Name
		c.Email = e.Email
		c.Phone = e.Phone
		c.TaxID = e.TaxID
		c.CountryCode = e.CountryCode
		c.Stage = StageLead
		c.Credit = CreditGood
		c.CreatedAt = rec.RecordedAt
	case *LifecycleStageChanged:
		c.Stage = e.To
	case *CreditLimitUpdated:
		c.CreditCents = e.LimitCents
		c.Currency = e.Currency
	case *CreditStatusChanged:
		c.Credit = e.Status
	case *ContactDetailsChanged:
		if e.Email != "" {
			c.Email = e.Email
		}
		if e.Phone != "" {
			c.Phone = e.Phone
		}
	case *CustomerChurned:
		c.Stage = StageChurned
	case *CustomerWonBack:
		c.Stage = StageWonBack
	default:
		return WrapError(ErrCodeIntegrity,
			fmt.Sprintf("aggregate %s: unhandled event payload %T", c.ID, payload), nil)
	}

	c.Version = rec.SequenceNumber
	c.UpdatedAt = rec.RecordedAt
	return nil
}
