package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventcrm/backend/domain"
)

// TenantRegistry stores tenant namespace descriptors in the shared admin
// schema. Namespace creation itself is the provisioner's job; the registry
// only records intent and outcome.
type TenantRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	Create(ctx context.Context, tenant *domain.Tenant) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.TenantStatus) error
	MarkProvisioned(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, onlyActive bool) ([]domain.Tenant, error)
}
