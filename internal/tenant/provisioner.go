package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Provisioner creates tenant namespaces. Provisioning is an explicit
// onboarding step; the event store never creates a schema on first write.
type Provisioner struct {
	pool     *pgxpool.Pool
	registry repository.TenantRegistry
	router   *Router
	logger   *zap.Logger
}

func NewProvisioner(pool *pgxpool.Pool, registry repository.TenantRegistry, router *Router, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{pool: pool, registry: registry, router: router, logger: logger}
}

// Provision creates the tenant's schema with its events and snapshots tables
// and marks the registry row provisioned. Idempotent: rerunning against an
// existing namespace is safe.
func (p *Provisioner) Provision(ctx context.Context, tenant *domain.Tenant) error {
	if tenant == nil {
		return domain.ErrInvalidPayload
	}
	if !schemaNamePattern.MatchString(tenant.SchemaName) {
		return domain.WrapError(domain.ErrCodeInvalid, "invalid tenant schema name", nil)
	}

	schema := pgx.Identifier{tenant.SchemaName}.Sanitize()
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.events (
			event_id        UUID PRIMARY KEY,
			aggregate_id    UUID NOT NULL,
			tenant_id       UUID NOT NULL,
			sequence_number BIGINT NOT NULL CHECK (sequence_number > 0),
			event_type      TEXT NOT NULL,
			event_data      JSONB NOT NULL,
			metadata        JSONB NOT NULL DEFAULT '{}',
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, sequence_number)
		)`, schema),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.snapshots (
			aggregate_id UUID NOT NULL,
			tenant_id    UUID NOT NULL,
			version      BIGINT NOT NULL CHECK (version > 0),
			state_data   JSONB NOT NULL,
			taken_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, version)
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS events_recorded_at_idx ON %s.events (recorded_at)`, schema),
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return domain.WrapError(domain.ErrCodeInternal,
				"provision namespace for tenant "+tenant.ID.String(), err)
		}
	}

	if err := p.registry.MarkProvisioned(ctx, tenant.ID); err != nil {
		return err
	}
	if p.router != nil {
		p.router.Invalidate(ctx, tenant.ID)
	}

	p.logger.Info("tenant namespace provisioned",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("schema", tenant.SchemaName))
	return nil
}

// Onboard registers and provisions a tenant in one step.
func (p *Provisioner) Onboard(ctx context.Context, tenant *domain.Tenant) error {
	if err := p.registry.Create(ctx, tenant); err != nil {
		return err
	}
	return p.Provision(ctx, tenant)
}

// EnsureAll provisions every registered tenant that is still missing its
// namespace, a few at a time. Run at boot to recover from onboarding crashes.
func (p *Provisioner) EnsureAll(ctx context.Context) error {
	tenants, err := p.registry.List(ctx, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range tenants {
		t := tenants[i]
		if t.Provisioned || t.Status != domain.TenantActive {
			continue
		}
		g.Go(func() error {
			return p.Provision(ctx, &t)
		})
	}
	return g.Wait()
}
