// Package tenant maps tenant identifiers to their isolated storage
// namespaces. Resolution fails closed: a tenant that is unknown, suspended or
// not yet provisioned gets an explicit error, never a fallback namespace.
package tenant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

// Router resolves a tenant id to its storage scope. Registry rows are cached
// in Redis with a short TTL; the cache is dropped whenever a tenant's status
// changes so suspension takes effect within one resolve.
type Router struct {
	registry             repository.TenantRegistry
	cache                *redislib.Client
	cacheTTL             time.Duration
	defaultSnapshotEvery int
	logger               *zap.Logger
}

func NewRouter(registry repository.TenantRegistry, cache *redislib.Client, cacheTTL time.Duration, defaultSnapshotEvery int, logger *zap.Logger) *Router {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if defaultSnapshotEvery <= 0 {
		defaultSnapshotEvery = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:             registry,
		cache:                cache,
		cacheTTL:             cacheTTL,
		defaultSnapshotEvery: defaultSnapshotEvery,
		logger:               logger,
	}
}

// Resolve returns the storage scope for a tenant or a TENANT_UNAVAILABLE
// error.
func (r *Router) Resolve(ctx context.Context, tenantID uuid.UUID) (domain.StorageScope, error) {
	if tenantID == uuid.Nil {
		return domain.StorageScope{}, domain.WrapError(domain.ErrCodeTenantUnavailable, "missing tenant id", nil)
	}

	tenant, err := r.lookup(ctx, tenantID)
	if err != nil {
		if domain.IsDomainError(err, domain.ErrCodeNotFound) {
			return domain.StorageScope{}, domain.WrapError(domain.ErrCodeTenantUnavailable,
				"tenant "+tenantID.String()+" is not registered", err)
		}
		return domain.StorageScope{}, err
	}
	if !tenant.Routable() {
		return domain.StorageScope{}, domain.WrapError(domain.ErrCodeTenantUnavailable,
			"tenant "+tenantID.String()+" is not routable (status="+string(tenant.Status)+")", nil)
	}

	snapshotEvery := tenant.SnapshotEvery
	if snapshotEvery <= 0 {
		snapshotEvery = r.defaultSnapshotEvery
	}

	return domain.StorageScope{
		TenantID:      tenant.ID,
		Schema:        tenant.SchemaName,
		KeyID:         tenant.KeyID,
		SnapshotEvery: snapshotEvery,
	}, nil
}

// SetStatus updates the tenant's registry row and drops the cached route, so
// a suspension takes effect on the next resolve instead of after the cache
// TTL. Status changes must go through here, never straight to the registry.
func (r *Router) SetStatus(ctx context.Context, tenantID uuid.UUID, status domain.TenantStatus) error {
	if err := r.registry.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	r.Invalidate(ctx, tenantID)
	r.logger.Info("tenant status changed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("status", string(status)))
	return nil
}

// Invalidate drops a cached registry row. Called after status changes.
func (r *Router) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
		r.logger.Warn("failed to invalidate tenant cache", zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
}

func (r *Router) lookup(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey(tenantID)).Bytes(); err == nil {
			var tenant domain.Tenant
			if err := json.Unmarshal(cached, &tenant); err == nil {
				return &tenant, nil
			}
		}
	}

	tenant, err := r.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if payload, err := json.Marshal(tenant); err == nil {
			if err := r.cache.Set(ctx, cacheKey(tenantID), payload, r.cacheTTL).Err(); err != nil {
				r.logger.Debug("tenant cache write failed", zap.Error(err))
			}
		}
	}
	return tenant, nil
}

func cacheKey(tenantID uuid.UUID) string {
	return "tenant:" + tenantID.String()
}
