package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

type tenantRegistry struct {
	pool *pgxpool.Pool
}

// NewTenantRegistry creates a Postgres-backed TenantRegistry. Rows live in the
// migrate-managed admin schema, never inside any tenant namespace.
func NewTenantRegistry(pool *pgxpool.Pool) repository.TenantRegistry {
	return &tenantRegistry{pool: pool}
}

func (r *tenantRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	const query = `
	SELECT tenant_id, slug, schema_name, status, key_id, snapshot_every, provisioned, created_at, updated_at
	FROM admin.tenants
	WHERE tenant_id = $1
	`
	row := r.pool.QueryRow(ctx, query, id)
	return scanTenant(row)
}

func (r *tenantRegistry) Create(ctx context.Context, tenant *domain.Tenant) error {
	if tenant == nil || tenant.ID == uuid.Nil || tenant.Slug == "" || tenant.SchemaName == "" || tenant.KeyID == "" {
		return domain.ErrInvalidPayload
	}
	if !schemaNamePattern.MatchString(tenant.SchemaName) {
		return domain.WrapError(domain.ErrCodeInvalid, "invalid tenant schema name", nil)
	}
	if tenant.Status == "" {
		tenant.Status = domain.TenantActive
	}

	const query = `
	INSERT INTO admin.tenants (tenant_id, slug, schema_name, status, key_id, snapshot_every, provisioned, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, FALSE, now(), now())
	RETURNING created_at, updated_at
	`
	if err := r.pool.QueryRow(ctx, query,
		tenant.ID,
		tenant.Slug,
		tenant.SchemaName,
		tenant.Status,
		tenant.KeyID,
		tenant.SnapshotEvery,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrCodeConflict, "tenant already registered", err)
		}
		return domain.WrapError(domain.ErrCodeInternal, "insert tenant", err)
	}
	return nil
}

func (r *tenantRegistry) SetStatus(ctx context.Context, id uuid.UUID, status domain.TenantStatus) error {
	const query = `UPDATE admin.tenants SET status = $2, updated_at = now() WHERE tenant_id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "update tenant status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (r *tenantRegistry) MarkProvisioned(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE admin.tenants SET provisioned = TRUE, updated_at = now() WHERE tenant_id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "mark tenant provisioned", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (r *tenantRegistry) List(ctx context.Context, onlyActive bool) ([]domain.Tenant, error) {
	const query = `
	SELECT tenant_id, slug, schema_name, status, key_id, snapshot_every, provisioned, created_at, updated_at
	FROM admin.tenants
	WHERE ($1 = FALSE OR (status = 'active' AND provisioned))
	ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, onlyActive)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeInternal, "list tenants", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *tenant)
	}
	return tenants, rows.Err()
}

func scanTenant(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Tenant, error) {
	var tenant domain.Tenant
	if err := row.Scan(
		&tenant.ID,
		&tenant.Slug,
		&tenant.SchemaName,
		&tenant.Status,
		&tenant.KeyID,
		&tenant.SnapshotEvery,
		&tenant.Provisioned,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, domain.WrapError(domain.ErrCodeInternal, "scan tenant", err)
	}
	return &tenant, nil
}
