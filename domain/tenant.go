package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus tracks whether a tenant may be routed to.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is a registry row describing one isolated storage namespace.
// SchemaName is the physical Postgres schema holding the tenant's events and
// snapshots; KeyID selects the tenant's field-encryption key.
type Tenant struct {
	ID            uuid.UUID    `json:"id"`
	Slug          string       `json:"slug"`
	SchemaName    string       `json:"schema_name"`
	Status        TenantStatus `json:"status"`
	KeyID         string       `json:"key_id"`
	SnapshotEvery int          `json:"snapshot_every,omitempty"`
	Provisioned   bool         `json:"provisioned"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Routable reports whether commands may be served for this tenant. Routing
// fails closed: anything not active and provisioned is unavailable.
func (t *Tenant) Routable() bool {
	return t != nil && t.Status == TenantActive && t.Provisioned
}

// StorageScope is the resolved handle for one tenant's namespace. Every store
// call takes a scope, so a query without a tenant qualifier is structurally
// impossible.
type StorageScope struct {
	TenantID      uuid.UUID
	Schema        string
	KeyID         string
	SnapshotEvery int
}
