package customer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/internal/crypto"
	"github.com/eventcrm/backend/internal/tenant"
	"github.com/eventcrm/backend/repository"
	"github.com/eventcrm/backend/repository/inmem"
	"github.com/eventcrm/backend/usecase"
)

const testMasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type fakeRegistry struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]domain.Tenant
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tenants: make(map[uuid.UUID]domain.Tenant)}
}

func (r *fakeRegistry) Get(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	out := t
	return &out, nil
}

func (r *fakeRegistry) Create(_ context.Context, t *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = *t
	return nil
}

func (r *fakeRegistry) SetStatus(_ context.Context, id uuid.UUID, status domain.TenantStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenants[id]
	t.Status = status
	r.tenants[id] = t
	return nil
}

func (r *fakeRegistry) MarkProvisioned(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenants[id]
	t.Provisioned = true
	r.tenants[id] = t
	return nil
}

func (r *fakeRegistry) List(_ context.Context, onlyActive bool) ([]domain.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Tenant
	for _, t := range r.tenants {
		if onlyActive && t.Status != domain.TenantActive {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type captureNotifier struct {
	mu      sync.Mutex
	records []domain.EventRecord
}

func (n *captureNotifier) NotifyAppended(_ context.Context, records []domain.EventRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, records...)
	return nil
}

type captureAudit struct {
	mu      sync.Mutex
	records []usecase.AuditRecord
}

func (a *captureAudit) Emit(_ context.Context, rec usecase.AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *captureAudit) outcomes() []usecase.AuditOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]usecase.AuditOutcome, len(a.records))
	for i, rec := range a.records {
		out[i] = rec.Outcome
	}
	return out
}

// contendedStore lets a rival writer sneak in between a command's reconstruct
// and its append, making conflict timing deterministic.
type contendedStore struct {
	repository.EventStore
	once  sync.Once
	rival func()
}

func (s *contendedStore) Append(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, expectedVersion int64, records []domain.EventRecord) (int64, error) {
	if s.rival != nil {
		s.once.Do(s.rival)
	}
	return s.EventStore.Append(ctx, scope, aggregateID, expectedVersion, records)
}

type testEnv struct {
	tenantID  uuid.UUID
	registry  *fakeRegistry
	events    *inmem.EventStore
	snapshots *inmem.SnapshotStore
	router    *tenant.Router
	keyring   *crypto.Keyring
	codec     *crypto.Codec
	audit     *captureAudit
	notifier  *captureNotifier
	uc        *UseCase

	mu          sync.Mutex
	aggregateID uuid.UUID
}

// newTestEnv wires a full command stack on the in-memory stores. The store
// argument lets tests wrap the event store; nil means the plain one.
func newTestEnv(t *testing.T, cfg Config, snapshotEvery int, wrap func(repository.EventStore) repository.EventStore) *testEnv {
	t.Helper()

	registry := newFakeRegistry()
	tenantID := uuid.New()
	require.NoError(t, registry.Create(context.Background(), &domain.Tenant{
		ID:            tenantID,
		Slug:          "acme",
		SchemaName:    "tenant_acme",
		Status:        domain.TenantActive,
		KeyID:         "k1",
		SnapshotEvery: snapshotEvery,
		Provisioned:   true,
	}))

	keyring, err := crypto.NewKeyring(testMasterKey)
	require.NoError(t, err)
	codec := crypto.NewCodec()

	events := inmem.NewEventStore()
	snapshots := inmem.NewSnapshotStore(events)
	router := tenant.NewRouter(registry, nil, 0, 0, nil)

	var store repository.EventStore = events
	if wrap != nil {
		store = wrap(events)
	}

	reconstructor := NewReconstructor(store, snapshots, codec, keyring, nil)
	audit := &captureAudit{}
	notifier := &captureNotifier{}

	return &testEnv{
		tenantID:  tenantID,
		registry:  registry,
		events:    events,
		snapshots: snapshots,
		router:    router,
		keyring:   keyring,
		codec:     codec,
		audit:     audit,
		notifier:  notifier,
		uc:        New(router, store, snapshots, reconstructor, codec, keyring, notifier, audit, cfg, nil),
	}
}

func (e *testEnv) create(t *testing.T, email string) uuid.UUID {
	t.Helper()
	res, err := e.uc.CreateCustomer(context.Background(), CreateCustomer{
		TenantID: e.tenantID,
		Actor:    Actor{ID: "tester"},
		Name:     "Acme GmbH",
		Email:    email,
		Phone:    "+49301234567",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Version)
	return res.AggregateID
}

func (e *testEnv) rawRecords(t *testing.T, aggregateID uuid.UUID) []domain.EventRecord {
	t.Helper()
	scope, err := e.router.Resolve(context.Background(), e.tenantID)
	require.NoError(t, err)
	it, err := e.events.Load(context.Background(), scope, aggregateID, 0)
	require.NoError(t, err)
	defer it.Close()
	var out []domain.EventRecord
	for it.Next(context.Background()) {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestCreateCustomerEncryptsAtRest(t *testing.T) {
	env := newTestEnv(t, Config{}, 0, nil)
	aggregateID := env.create(t, "ap@acme.example")

	records := env.rawRecords(t, aggregateID)
	require.Len(t, records, 1)
	require.Equal(t, domain.EventCustomerCreated, records[0].EventType)

	stored := string(records[0].EventData)
	require.Contains(t, stored, `"$enc"`)
	require.NotContains(t, stored, "ap@acme.example")
	require.NotContains(t, stored, "+49301234567")
	require.Contains(t, stored, "Acme GmbH", "non-sensitive fields stay in the clear")

	cust, err := env.uc.GetCustomer(context.Background(), env.tenantID, aggregateID)
	require.NoError(t, err)
	require.Equal(t, "ap@acme.example", cust.Email)
	require.Equal(t, domain.StageLead, cust.Stage)
	require.Equal(t, int64(1), cust.Version)
}

func TestNotifiedRecordsCarryAssignedSequence(t *testing.T) {
	env := newTestEnv(t, Config{}, 0, nil)
	ctx := context.Background()
	aggregateID := env.create(t, "ap@acme.example")

	_, err := env.uc.ChangeLifecycleStage(ctx, ChangeLifecycleStage{
		TenantID:    env.tenantID,
		AggregateID: aggregateID,
		To:          domain.StageProspect,
	})
	require.NoError(t, err)

	// Projection consumers deduplicate on (aggregate_id, sequence_number),
	// so notified records must carry the stored sequence, never zero.
	require.Len(t, env.notifier.records, 2)
	for i, rec := range env.notifier.records {
		require.Equal(t, int64(i+1), rec.SequenceNumber)
		require.NotEqual(t, uuid.Nil, rec.EventID)
		require.Equal(t, aggregateID, rec.AggregateID)
	}
}

func TestLifecycleCommandsAdvanceVersion(t *testing.T) {
	env := newTestEnv(t, Config{}, 0, nil)
	ctx := context.Background()
	aggregateID := env.create(t, "ap@acme.example")

	res, err := env.uc.ChangeLifecycleStage(ctx, ChangeLifecycleStage{
		TenantID:    env.tenantID,
		AggregateID: aggregateID,
		To:          domain.StageProspect,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Version)

	// Prospect -> Lead is not a legal transition.
	_, err = env.uc.ChangeLifecycleStage(ctx, ChangeLifecycleStage{
		TenantID:    env.tenantID,
		AggregateID: aggregateID,
		To:          domain.StageLead,
	})
	require.True(t, domain.IsValidationFailed(err))

	cust, err := env.uc.GetCustomer(ctx, env.tenantID, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(2), cust.Version, "rejected command must not write events")
	require.Equal(t, domain.StageProspect, cust.Stage)
}

func TestCommandValidationRules(t *testing.T) {
	env := newTestEnv(t, Config{}, 0, nil)
	ctx := context.Background()
	aggregateID := env.create(t, "ap@acme.example")

	_, err := env.uc.UpdateCreditLimit(ctx, UpdateCreditLimit{
		TenantID: env.tenantID, AggregateID: aggregateID, LimitCents: -1, Currency: "EUR",
	})
	require.True(t, domain.IsValidationFailed(err))

	_, err = env.uc.ChangeCreditStatus(ctx, ChangeCreditStatus{
		TenantID: env.tenantID, AggregateID: aggregateID, Status: domain.CreditGood,
	})
	require.True(t, domain.IsValidationFailed(err), "no-op status change is rejected")

	_, err = env.uc.ChangeCreditStatus(ctx, ChangeCreditStatus{
		TenantID: env.tenantID, AggregateID: aggregateID, Status: domain.CreditBlocked, Reason: "fraud review",
	})
	require.NoError(t, err)

	_, err = env.uc.UpdateCreditLimit(ctx, UpdateCreditLimit{
		TenantID: env.tenantID, AggregateID: aggregateID, LimitCents: 100, Currency: "EUR",
	})
	require.True(t, domain.IsValidationFailed(err), "blocked credit forbids limit changes")

	_, err = env.uc.WinBack(ctx, WinBack{
		TenantID: env.tenantID, AggregateID: aggregateID, Campaign: "q3",
	})
	require.True(t, domain.IsValidationFailed(err), "only churned customers can be won back")

	_, err = env.uc.UpdateContactDetails(ctx, UpdateContactDetails{
		TenantID: env.tenantID, AggregateID: aggregateID,
	})
	require.True(t, domain.IsValidationFailed(err))

	_, err = env.uc.GetCustomer(ctx, env.tenantID, uuid.New())
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)
}

func TestConflictSurfacesWhenRetriesExhausted(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, Config{AppendRetries: 1}, 0, func(inner repository.EventStore) repository.EventStore {
		return &contendedStore{
			EventStore: inner,
			rival: func() {
				// A competing writer lands sequence 2 first.
				scope, err := env.router.Resolve(context.Background(), env.tenantID)
				require.NoError(t, err)
				aggregateID := env.firstAggregate(t)
				eventType, data, err := domain.EncodeEventData(&domain.CreditLimitUpdated{LimitCents: 999, Currency: "EUR"})
				require.NoError(t, err)
				_, err = inner.Append(context.Background(), scope, aggregateID, 1, []domain.EventRecord{{
					AggregateID: aggregateID,
					TenantID:    env.tenantID,
					EventType:   eventType,
					EventData:   data,
				}})
				require.NoError(t, err)
			},
		}
	})

	ctx := context.Background()

	// Seed the aggregate through the inner store so the rival stays armed for
	// the command under test.
	aggregateID := env.createUncontended(t)

	_, err := env.uc.UpdateCreditLimit(ctx, UpdateCreditLimit{
		TenantID: env.tenantID, AggregateID: aggregateID, LimitCents: 100, Currency: "EUR",
	})
	require.True(t, domain.IsConflict(err))

	cust, err := env.uc.GetCustomer(ctx, env.tenantID, aggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(2), cust.Version)
	require.Equal(t, int64(999), cust.CreditCents, "rival write is the one that stands")

	require.Contains(t, env.audit.outcomes(), usecase.AuditConflict)
}

func TestConflictRetryReValidatesAndSucceeds(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, Config{AppendRetries: 3}, 0, func(inner repository.EventStore) repository.EventStore {
		return &contendedStore{
			EventStore: inner,
			rival: func() {
				scope, err := env.router.Resolve(context.Background(), env.tenantID)
				require.NoError(t, err)
				aggregateID := env.firstAggregate(t)
				eventType, data, err := domain.EncodeEventData(&domain.LifecycleStageChanged{
					From: domain.StageLead, To: domain.StageProspect,
				})
				require.NoError(t, err)
				_, err = inner.Append(context.Background(), scope, aggregateID, 1, []domain.EventRecord{{
					AggregateID: aggregateID,
					TenantID:    env.tenantID,
					EventType:   eventType,
					EventData:   data,
				}})
				require.NoError(t, err)
			},
		}
	})

	ctx := context.Background()
	aggregateID := env.createUncontended(t)

	res, err := env.uc.UpdateCreditLimit(ctx, UpdateCreditLimit{
		TenantID: env.tenantID, AggregateID: aggregateID, LimitCents: 100, Currency: "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Version, "retry re-reconstructed on top of the rival write")

	outcomes := env.audit.outcomes()
	require.Contains(t, outcomes, usecase.AuditConflict)
	require.Equal(t, usecase.AuditAccepted, outcomes[len(outcomes)-1])
}

func TestSnapshotCadenceAndReplayDeterminism(t *testing.T) {
	// Tenant overrides the global cadence down to 4 events.
	env := newTestEnv(t, Config{}, 4, nil)
	ctx := context.Background()
	aggregateID := env.create(t, "ap@acme.example")

	commands := []func() error{
		func() error {
			_, err := env.uc.ChangeLifecycleStage(ctx, ChangeLifecycleStage{TenantID: env.tenantID, AggregateID: aggregateID, To: domain.StageProspect})
			return err
		},
		func() error {
			_, err := env.uc.ChangeLifecycleStage(ctx, ChangeLifecycleStage{TenantID: env.tenantID, AggregateID: aggregateID, To: domain.StageActiveCustomer})
			return err
		},
		func() error {
			_, err := env.uc.UpdateCreditLimit(ctx, UpdateCreditLimit{TenantID: env.tenantID, AggregateID: aggregateID, LimitCents: 500_000, Currency: "EUR"})
			return err
		},
		func() error {
			_, err := env.uc.UpdateContactDetails(ctx, UpdateContactDetails{TenantID: env.tenantID, AggregateID: aggregateID, Email: "billing@acme.example"})
			return err
		},
		func() error {
			_, err := env.uc.RecordChurn(ctx, RecordChurn{TenantID: env.tenantID, AggregateID: aggregateID, Reason: "competitor"})
			return err
		},
	}
	for _, cmd := range commands {
		require.NoError(t, cmd())
	}

	scope, err := env.router.Resolve(ctx, env.tenantID)
	require.NoError(t, err)
	require.Equal(t, 4, scope.SnapshotEvery)

	snap, err := env.snapshots.LoadLatest(ctx, scope, aggregateID)
	require.NoError(t, err, "crossing the cadence boundary must have produced a snapshot")
	require.GreaterOrEqual(t, snap.Version, int64(4))

	reconstructor := NewReconstructor(env.events, env.snapshots, env.codec, env.keyring, nil)
	viaSnapshot, err := reconstructor.Reconstruct(ctx, scope, aggregateID)
	require.NoError(t, err)
	fromScratch, err := reconstructor.ReplayFromScratch(ctx, scope, aggregateID)
	require.NoError(t, err)

	want, err := json.Marshal(fromScratch)
	require.NoError(t, err)
	got, err := json.Marshal(viaSnapshot)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
	require.Equal(t, int64(6), fromScratch.Version)
	require.Equal(t, domain.StageChurned, fromScratch.Stage)
}

func TestCommandsFailClosedOnTenant(t *testing.T) {
	env := newTestEnv(t, Config{}, 0, nil)
	ctx := context.Background()

	_, err := env.uc.CreateCustomer(ctx, CreateCustomer{
		TenantID: uuid.New(), Name: "n", Email: "e@x.com",
	})
	require.True(t, domain.IsTenantUnavailable(err), "unknown tenant")

	require.NoError(t, env.registry.SetStatus(ctx, env.tenantID, domain.TenantSuspended))
	_, err = env.uc.CreateCustomer(ctx, CreateCustomer{
		TenantID: env.tenantID, Name: "n", Email: "e@x.com",
	})
	require.True(t, domain.IsTenantUnavailable(err), "suspended tenant")
}

// createUncontended writes the first event directly so contendedStore's rival
// stays armed for the command under test.
func (e *testEnv) createUncontended(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	scope, err := e.router.Resolve(ctx, e.tenantID)
	require.NoError(t, err)

	aggregateID := uuid.New()
	key, err := e.keyring.KeyFor(scope.TenantID, scope.KeyID)
	require.NoError(t, err)
	eventType, data, err := domain.EncodeEventData(&domain.CustomerCreated{Name: "Acme GmbH", Email: "ap@acme.example"})
	require.NoError(t, err)
	encrypted, err := e.codec.EncryptFields(data, domain.SensitiveFields(eventType), key)
	require.NoError(t, err)

	_, err = e.events.Append(ctx, scope, aggregateID, 0, []domain.EventRecord{{
		AggregateID: aggregateID,
		TenantID:    e.tenantID,
		EventType:   eventType,
		EventData:   encrypted,
	}})
	require.NoError(t, err)

	e.mu.Lock()
	e.aggregateID = aggregateID
	e.mu.Unlock()
	return aggregateID
}

// firstAggregate returns the single aggregate id used by the contention tests.
func (e *testEnv) firstAggregate(t *testing.T) uuid.UUID {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEqual(t, uuid.Nil, e.aggregateID)
	return e.aggregateID
}
