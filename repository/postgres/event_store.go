package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/repository"
)

const defaultLoadBatchSize = 256

type eventStore struct {
	pool      *pgxpool.Pool
	batchSize int
}

// NewEventStore creates a Postgres-backed EventStore. batchSize bounds how
// many records a single Load round-trip fetches; zero means the default.
func NewEventStore(pool *pgxpool.Pool, batchSize int) repository.EventStore {
	if batchSize <= 0 {
		batchSize = defaultLoadBatchSize
	}
	return &eventStore{pool: pool, batchSize: batchSize}
}

func (s *eventStore) Append(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, expectedVersion int64, records []domain.EventRecord) (int64, error) {
	if len(records) == 0 {
		return 0, domain.WrapError(domain.ErrCodeInvalid, "no events to append", nil)
	}
	if expectedVersion < 0 {
		return 0, domain.WrapError(domain.ErrCodeInvalid, "negative expected version", nil)
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return 0, err
		}
		if records[i].AggregateID != aggregateID || records[i].TenantID != scope.TenantID {
			return 0, domain.WrapError(domain.ErrCodeInvalid, "event record scoped to a different stream", nil)
		}
	}

	table, err := qualifiedTable(scope.Schema, "events")
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, domain.WrapError(domain.ErrCodeInternal, "begin append transaction", err)
	}
	defer tx.Rollback(ctx)

	// recorded_at must never move backwards within a stream, even across
	// writers with skewed transaction clocks.
	var recordedAt time.Time
	tsQuery := fmt.Sprintf(
		`SELECT GREATEST(now(), COALESCE(MAX(recorded_at), now())) FROM %s WHERE aggregate_id = $1`, table)
	if err := tx.QueryRow(ctx, tsQuery, aggregateID).Scan(&recordedAt); err != nil {
		return 0, domain.WrapError(domain.ErrCodeInternal, "resolve recorded_at", err)
	}

	insert := fmt.Sprintf(`
	INSERT INTO %s (event_id, aggregate_id, tenant_id, sequence_number, event_type, event_data, metadata, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, table)

	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		if rec.EventID == uuid.Nil {
			rec.EventID = uuid.New()
		}
		rec.SequenceNumber = expectedVersion + int64(i) + 1
		rec.RecordedAt = recordedAt

		batch.Queue(insert,
			rec.EventID,
			rec.AggregateID,
			rec.TenantID,
			rec.SequenceNumber,
			rec.EventType,
			[]byte(rec.EventData),
			marshalMetadata(rec.Metadata),
			rec.RecordedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUniqueViolation(err) {
				return 0, domain.WrapError(domain.ErrCodeConflict,
					fmt.Sprintf("aggregate %s: expected version %d already advanced", aggregateID, expectedVersion), err)
			}
			return 0, domain.WrapError(domain.ErrCodeInternal, "insert event record", err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, domain.WrapError(domain.ErrCodeInternal, "flush append batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return 0, domain.WrapError(domain.ErrCodeConflict,
				fmt.Sprintf("aggregate %s: expected version %d already advanced", aggregateID, expectedVersion), err)
		}
		return 0, domain.WrapError(domain.ErrCodeInternal, "commit append transaction", err)
	}

	return expectedVersion + int64(len(records)), nil
}

func (s *eventStore) Load(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, fromVersion int64) (repository.EventIterator, error) {
	table, err := qualifiedTable(scope.Schema, "events")
	if err != nil {
		return nil, err
	}
	return &eventIterator{
		pool:        s.pool,
		table:       table,
		aggregateID: aggregateID,
		nextFrom:    fromVersion,
		batchSize:   s.batchSize,
	}, nil
}

func (s *eventStore) CurrentVersion(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID) (int64, error) {
	table, err := qualifiedTable(scope.Schema, "events")
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COALESCE(MAX(sequence_number), 0) FROM %s WHERE aggregate_id = $1`, table)

	var version int64
	if err := s.pool.QueryRow(ctx, query, aggregateID).Scan(&version); err != nil {
		return 0, domain.WrapError(domain.ErrCodeInternal, "query current version", err)
	}
	return version, nil
}

// eventIterator pages through a stream in sequence order. Each exhausted page
// triggers one more round-trip, so replaying a long stream never holds the
// whole history in memory.
type eventIterator struct {
	pool        *pgxpool.Pool
	table       string
	aggregateID uuid.UUID
	batchSize   int

	buf      []domain.EventRecord
	idx      int
	nextFrom int64
	done     bool
	err      error
	closed   bool
}

func (it *eventIterator) Next(ctx context.Context) bool {
	if it.closed || it.err != nil {
		return false
	}
	it.idx++
	if it.idx < len(it.buf) {
		return true
	}
	if it.done {
		return false
	}
	if err := it.fetch(ctx); err != nil {
		it.err = err
		return false
	}
	it.idx = 0
	return len(it.buf) > 0
}

func (it *eventIterator) Record() domain.EventRecord { return it.buf[it.idx] }

func (it *eventIterator) Err() error { return it.err }

func (it *eventIterator) Close() { it.closed = true }

func (it *eventIterator) fetch(ctx context.Context) error {
	query := fmt.Sprintf(`
	SELECT event_id, aggregate_id, tenant_id, sequence_number, event_type, event_data, metadata, recorded_at
	FROM %s
	WHERE aggregate_id = $1 AND sequence_number > $2
	ORDER BY sequence_number
	LIMIT $3
	`, it.table)

	rows, err := it.pool.Query(ctx, query, it.aggregateID, it.nextFrom, it.batchSize)
	if err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "load event batch", err)
	}
	defer rows.Close()

	it.buf = it.buf[:0]
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return err
		}
		it.buf = append(it.buf, *rec)
	}
	if err := rows.Err(); err != nil {
		return domain.WrapError(domain.ErrCodeInternal, "iterate event batch", err)
	}

	if n := len(it.buf); n > 0 {
		it.nextFrom = it.buf[n-1].SequenceNumber
	}
	if len(it.buf) < it.batchSize {
		it.done = true
	}
	return nil
}

func scanEventRecord(row interface {
	Scan(dest ...interface{}) error
}) (*domain.EventRecord, error) {
	var (
		rec      domain.EventRecord
		data     []byte
		metadata []byte
	)

	if err := row.Scan(
		&rec.EventID,
		&rec.AggregateID,
		&rec.TenantID,
		&rec.SequenceNumber,
		&rec.EventType,
		&data,
		&metadata,
		&rec.RecordedAt,
	); err != nil {
		return nil, domain.WrapError(domain.ErrCodeInternal, "scan event record", err)
	}

	rec.EventData = make([]byte, len(data))
	copy(rec.EventData, data)
	if len(metadata) > 0 {
		// Metadata is the audit context; losing it silently would leave
		// appends unattributable.
		if err := unmarshalMetadata(metadata, &rec.Metadata); err != nil {
			return nil, domain.WrapError(domain.ErrCodeIntegrity, "decode event metadata", err)
		}
	}
	return &rec, nil
}
