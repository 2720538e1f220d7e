package customer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/domain"
	"github.com/eventcrm/backend/internal/crypto"
	"github.com/eventcrm/backend/internal/tenant"
	"github.com/eventcrm/backend/pkg/logger"
	"github.com/eventcrm/backend/repository"
	"github.com/eventcrm/backend/usecase"
)

// Actor identifies who issued a command, plus correlation context for audit.
type Actor struct {
	ID            string
	CorrelationID string
	ClientContext string
}

// CommandResult reports the outcome of an accepted command.
type CommandResult struct {
	AggregateID uuid.UUID
	Version     int64
	EventTypes  []string
}

// Config tunes the command handler.
type Config struct {
	// AppendRetries bounds the reconstruct-validate-append loop on conflict.
	AppendRetries int
	// SnapshotKeep is how many snapshots survive pruning per aggregate.
	SnapshotKeep int
}

// UseCase is the command handler for the customer aggregate. Concurrent
// commands against the same aggregate are safe without any lock: safety comes
// entirely from the expected-version check at append time, and conflicts are
// resolved by re-reconstructing and re-validating, never by merging.
type UseCase struct {
	router        *tenant.Router
	events        repository.EventStore
	snapshots     repository.SnapshotStore
	reconstructor *Reconstructor
	codec         *crypto.Codec
	keyring       *crypto.Keyring
	notifier      usecase.ProjectionNotifier
	audit         usecase.AuditEmitter
	cfg           Config
	logger        *zap.Logger
}

func New(
	router *tenant.Router,
	events repository.EventStore,
	snapshots repository.SnapshotStore,
	reconstructor *Reconstructor,
	codec *crypto.Codec,
	keyring *crypto.Keyring,
	notifier usecase.ProjectionNotifier,
	audit usecase.AuditEmitter,
	cfg Config,
	log *zap.Logger,
) *UseCase {
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &UseCase{
		router:        router,
		events:        events,
		snapshots:     snapshots,
		reconstructor: reconstructor,
		codec:         codec,
		keyring:       keyring,
		notifier:      notifier,
		audit:         audit,
		cfg:           cfg,
		logger:        log,
	}
}

// Commands.

type CreateCustomer struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID // optional; generated when zero
	Actor       Actor
	Name        string
	Email       string
	Phone       string
	TaxID       string
	CountryCode string
}

type ChangeLifecycleStage struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	To          domain.LifecycleStage
	Reason      string
}

type UpdateCreditLimit struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	LimitCents  int64
	Currency    string
}

type ChangeCreditStatus struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	Status      domain.CreditStatus
	Reason      string
}

type UpdateContactDetails struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	Email       string
	Phone       string
}

type RecordChurn struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	Reason      string
}

type WinBack struct {
	TenantID    uuid.UUID
	AggregateID uuid.UUID
	Actor       Actor
	Campaign    string
}

func (uc *UseCase) CreateCustomer(ctx context.Context, cmd CreateCustomer) (*CommandResult, error) {
	if cmd.Name == "" || cmd.Email == "" {
		return nil, domain.WrapError(domain.ErrCodeValidationFailed, "customer name and email are required", nil)
	}
	aggregateID := cmd.AggregateID
	if aggregateID == uuid.Nil {
		aggregateID = uuid.New()
	}
	return uc.execute(ctx, cmd.TenantID, aggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if cust.Exists() {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				"customer "+aggregateID.String()+" already exists", nil)
		}
		return []any{&domain.CustomerCreated{
			Name:        cmd.Name,
			Email:       cmd.Email,
			Phone:       cmd.Phone,
			TaxID:       cmd.TaxID,
			CountryCode: cmd.CountryCode,
		}}, nil
	})
}

func (uc *UseCase) ChangeLifecycleStage(ctx context.Context, cmd ChangeLifecycleStage) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if !domain.CanTransition(cust.Stage, cmd.To) {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				fmt.Sprintf("lifecycle transition %s -> %s is not allowed", cust.Stage, cmd.To), nil)
		}
		return []any{&domain.LifecycleStageChanged{From: cust.Stage, To: cmd.To, Reason: cmd.Reason}}, nil
	})
}

func (uc *UseCase) UpdateCreditLimit(ctx context.Context, cmd UpdateCreditLimit) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if cmd.LimitCents < 0 {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed, "credit limit cannot be negative", nil)
		}
		if cust.Credit == domain.CreditBlocked {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				"credit limit cannot change while credit is blocked", nil)
		}
		return []any{&domain.CreditLimitUpdated{LimitCents: cmd.LimitCents, Currency: cmd.Currency}}, nil
	})
}

func (uc *UseCase) ChangeCreditStatus(ctx context.Context, cmd ChangeCreditStatus) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if cust.Credit == cmd.Status {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				"credit status is already "+string(cmd.Status), nil)
		}
		return []any{&domain.CreditStatusChanged{Status: cmd.Status, Reason: cmd.Reason}}, nil
	})
}

func (uc *UseCase) UpdateContactDetails(ctx context.Context, cmd UpdateContactDetails) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if cmd.Email == "" && cmd.Phone == "" {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed, "nothing to update", nil)
		}
		return []any{&domain.ContactDetailsChanged{Email: cmd.Email, Phone: cmd.Phone}}, nil
	})
}

func (uc *UseCase) RecordChurn(ctx context.Context, cmd RecordChurn) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if !domain.CanTransition(cust.Stage, domain.StageChurned) {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				fmt.Sprintf("customer in stage %s cannot churn", cust.Stage), nil)
		}
		return []any{&domain.CustomerChurned{Reason: cmd.Reason}}, nil
	})
}

func (uc *UseCase) WinBack(ctx context.Context, cmd WinBack) (*CommandResult, error) {
	return uc.execute(ctx, cmd.TenantID, cmd.AggregateID, cmd.Actor, func(cust *domain.Customer) ([]any, error) {
		if err := requireExisting(cust); err != nil {
			return nil, err
		}
		if cust.Stage != domain.StageChurned {
			return nil, domain.WrapError(domain.ErrCodeValidationFailed,
				"only churned customers can be won back", nil)
		}
		return []any{&domain.CustomerWonBack{Campaign: cmd.Campaign}}, nil
	})
}

// GetCustomer reconstructs current state for read callers.
func (uc *UseCase) GetCustomer(ctx context.Context, tenantID, aggregateID uuid.UUID) (*domain.Customer, error) {
	scope, err := uc.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cust, err := uc.reconstructor.Reconstruct(ctx, scope, aggregateID)
	if err != nil {
		return nil, err
	}
	if !cust.Exists() {
		return nil, domain.ErrAggregateNotFound
	}
	return cust, nil
}

// execute runs the reconstruct -> validate -> append cycle with a bounded
// conflict-retry loop. There is deliberately no lock across the cycle and no
// shared version cache: the expected version always comes from a fresh
// reconstruct, and the store's uniqueness constraint arbitrates winners.
func (uc *UseCase) execute(
	ctx context.Context,
	tenantID, aggregateID uuid.UUID,
	actor Actor,
	decide func(*domain.Customer) ([]any, error),
) (*CommandResult, error) {
	scope, err := uc.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// Fail fast on an unusable tenant key before touching the stream.
	if _, err := uc.keyring.KeyFor(scope.TenantID, scope.KeyID); err != nil {
		return nil, err
	}

	log := logger.WithStream(uc.logger, tenantID, aggregateID)

	var lastConflict error
	for attempt := 1; attempt <= uc.cfg.AppendRetries; attempt++ {
		cust, err := uc.reconstructor.Reconstruct(ctx, scope, aggregateID)
		if err != nil {
			return nil, err
		}
		expected := cust.Version

		payloads, err := decide(cust)
		if err != nil {
			if domain.IsValidationFailed(err) {
				uc.emitAudit(ctx, actor, scope, aggregateID, expected, 0, nil, usecase.AuditRejected, err.Error())
			}
			return nil, err
		}
		if len(payloads) == 0 {
			return nil, domain.WrapError(domain.ErrCodeInternal, "command produced no events", nil)
		}

		records, eventTypes, err := uc.buildRecords(scope, aggregateID, actor, payloads)
		if err != nil {
			return nil, err
		}

		newVersion, err := uc.events.Append(ctx, scope, aggregateID, expected, records)
		if err != nil {
			if domain.IsConflict(err) {
				lastConflict = err
				uc.emitAudit(ctx, actor, scope, aggregateID, expected, 0, eventTypes, usecase.AuditConflict, "")
				log.Debug("append conflict, retrying",
					zap.Int("attempt", attempt),
					zap.Int64("expected_version", expected))
				continue
			}
			return nil, err
		}

		uc.emitAudit(ctx, actor, scope, aggregateID, expected, newVersion, eventTypes, usecase.AuditAccepted, "")

		if uc.notifier != nil {
			if err := uc.notifier.NotifyAppended(ctx, records); err != nil {
				// Projections are eventually consistent; the append stands.
				log.Warn("projection notification failed", zap.Error(err))
			}
		}

		uc.maybeSnapshot(ctx, scope, aggregateID, expected, newVersion, log)

		return &CommandResult{AggregateID: aggregateID, Version: newVersion, EventTypes: eventTypes}, nil
	}

	return nil, domain.WrapError(domain.ErrCodeConflict,
		fmt.Sprintf("aggregate %s: gave up after %d conflicting attempts", aggregateID, uc.cfg.AppendRetries), lastConflict)
}

func (uc *UseCase) buildRecords(scope domain.StorageScope, aggregateID uuid.UUID, actor Actor, payloads []any) ([]domain.EventRecord, []string, error) {
	key, err := uc.keyring.KeyFor(scope.TenantID, scope.KeyID)
	if err != nil {
		return nil, nil, err
	}

	records := make([]domain.EventRecord, 0, len(payloads))
	eventTypes := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		eventType, data, err := domain.EncodeEventData(payload)
		if err != nil {
			return nil, nil, err
		}
		encrypted, err := uc.codec.EncryptFields(data, domain.SensitiveFields(eventType), key)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, domain.EventRecord{
			EventID:     uuid.New(),
			AggregateID: aggregateID,
			TenantID:    scope.TenantID,
			EventType:   eventType,
			EventData:   encrypted,
			Metadata: domain.Metadata{
				ActorID:       actor.ID,
				CorrelationID: actor.CorrelationID,
				ClientContext: actor.ClientContext,
			},
		})
		eventTypes = append(eventTypes, eventType)
	}
	return records, eventTypes, nil
}

// maybeSnapshot captures folded state when the stream crossed a cadence
// boundary. Best-effort by contract: every failure is logged and swallowed.
func (uc *UseCase) maybeSnapshot(ctx context.Context, scope domain.StorageScope, aggregateID uuid.UUID, oldVersion, newVersion int64, log *zap.Logger) {
	cadence := int64(scope.SnapshotEvery)
	if cadence <= 0 || oldVersion/cadence == newVersion/cadence {
		return
	}

	// Re-reconstruct so the snapshot state matches what replay of the stored
	// records produces, including server-assigned timestamps.
	cust, err := uc.reconstructor.Reconstruct(ctx, scope, aggregateID)
	if err != nil {
		log.Warn("snapshot reconstruct failed", zap.Error(err))
		return
	}
	rec, err := domain.SnapshotFromCustomer(cust)
	if err != nil {
		log.Warn("snapshot capture failed", zap.Error(err))
		return
	}
	if err := uc.snapshots.Save(ctx, scope, rec); err != nil {
		log.Warn("snapshot save failed", zap.Int64("version", rec.Version), zap.Error(err))
		return
	}
	if err := uc.snapshots.Prune(ctx, scope, aggregateID, uc.cfg.SnapshotKeep); err != nil {
		log.Warn("snapshot prune failed", zap.Error(err))
	}
	log.Debug("snapshot taken", zap.Int64("version", rec.Version))
}

func (uc *UseCase) emitAudit(ctx context.Context, actor Actor, scope domain.StorageScope, aggregateID uuid.UUID, attempted, resulting int64, eventTypes []string, outcome usecase.AuditOutcome, detail string) {
	if uc.audit == nil {
		return
	}
	uc.audit.Emit(ctx, usecase.AuditRecord{
		ActorID:          actor.ID,
		TenantID:         scope.TenantID,
		AggregateID:      aggregateID,
		AttemptedVersion: attempted,
		ResultingVersion: resulting,
		EventTypes:       eventTypes,
		Outcome:          outcome,
		Detail:           detail,
		At:               time.Now(),
	})
}

func requireExisting(cust *domain.Customer) error {
	if !cust.Exists() {
		return domain.WrapError(domain.ErrCodeValidationFailed,
			"customer "+cust.ID.String()+" does not exist", nil)
	}
	return nil
}
