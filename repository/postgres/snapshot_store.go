package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

type snapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) repository.SnapshotStore {
	return &snapshotStore{pool: pool}
}

func (s *snapshotStore) Save(ctx context.Context, scope domain.StorageScope, rec domain.SnapshotRecord) error {
	if rec.AggregateID == uuid.Nil || rec.Version <= 0 || len(rec.StateData) == 0 {
		return domain.ErrInvalidPayload
	}
	table, err := qualifiedTable(scope.Schema, "snapshots")
	if err != nil {
		return err
	}

	// Snapshots are regenerable, so racing writers at the same version may
	// simply keep the first one.
	query := fmt.Sprintf(`
	INSERT INTO %s (aggregate_id, tenant_id, version, state_data, taken_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (aggregate_id, version) DO NOTHING
	`, table)

	if _, err := s.pool.Exec(ctx, query, rec.AggregateID, rec.TenantID, rec.Version, []byte(rec.StateData)); err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "insert snapshot", err)
	}
	return nil
}

func (s *snapshotStore) LoadLatest(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (*domain.SnapshotRecord, error) {
	table, err := qualifiedTable(scope.Schema, "snapshots")
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
	SELECT aggregate_id, tenant_id, version, state_data, taken_at
	FROM %s
	WHERE aggregate_id = $1
	ORDER BY version DESC
	LIMIT 1
	`, table)

	var (
		rec   domain.SnapshotRecord
		state []byte
	)
	row := s.pool.QueryRow(ctx, query, aggregateID)
	if err := row.Scan(&rec.AggregateID, &rec.TenantID, &rec.Version, &state, &rec.TakenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, domain.WrapError(domain.ErrCodeInternal, "load latest snapshot", err)
	}
	rec.StateData = make([]byte, len(state))
	copy(rec.StateData, state)
	return &rec, nil
}

func (s *snapshotStore) Prune(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, keep int) error {
	if keep < 1 {
		keep = 1
	}
	table, err := qualifiedTable(scope.Schema, "snapshots")
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
	DELETE FROM %s
	WHERE aggregate_id = $1
	  AND version NOT IN (
		SELECT version FROM %s WHERE aggregate_id = $1 ORDER BY version DESC LIMIT $2
	  )
	`, table, table)

	if _, err := s.pool.Exec(ctx, query, aggregateID, keep); err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "prune snapshots", err)
	}
	return nil
}

func (s *snapshotStore) StaleAggregates(ctx context.Context, scope domain.StorageScope, minBehind int64) ([]uuid.UUID, error) {
	events, err := qualifiedTable(scope.Schema, "events")
	if err != nil {
		return nil, err
	}
	snapshots, err := qualifiedTable(scope.Schema, "snapshots")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT e.aggregate_id
	FROM (SELECT aggregate_id, MAX(sequence_number) AS head FROM %s GROUP BY aggregate_id) e
	LEFT JOIN (SELECT aggregate_id, MAX(version) AS version FROM %s GROUP BY aggregate_id) s
	  ON s.aggregate_id = e.aggregate_id
	WHERE e.head - COALESCE(s.version, 0) >= $1
	`, events, snapshots)

	rows, err := s.pool.Query(ctx, query, minBehind)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeInternal, "query stale aggregates", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, domain.WrapError(domain.ErrCodeInternal, "scan stale aggregate id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
