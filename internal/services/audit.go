package services

import (
	"context"
	"encoding/json"

	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eventcrm/backend/usecase"
)

// AuditEmitter forwards append-attempt audit records to the compliance
// boundary over a Redis stream, mirroring each record into the service log so
// audits remain greppable even when the stream consumer lags.
type AuditEmitter struct {
	client *redislib.Client
	stream string
	logger *zap.Logger
}

func NewAuditEmitter(client *redislib.Client, stream string, logger *zap.Logger) *AuditEmitter {
	if stream == "" {
		stream = "eventcrm:audit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{client: client, stream: stream, logger: logger}
}

func (a *AuditEmitter) Emit(ctx context.Context, rec usecase.AuditRecord) {
	fields := []zap.Field{
		zap.String("actor_id", rec.ActorID),
		zap.String("tenant_id", rec.TenantID.String()),
		zap.String("aggregate_id", rec.AggregateID.String()),
		zap.Int64("attempted_version", rec.AttemptedVersion),
		zap.Int64("resulting_version", rec.ResultingVersion),
		zap.Strings("event_types", rec.EventTypes),
		zap.String("outcome", string(rec.Outcome)),
	}
	a.logger.Info("append audited", fields...)

	if a.client == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error("failed to encode audit record", zap.Error(err))
		return
	}
	if err := a.client.XAdd(ctx, &redislib.XAddArgs{
		Stream: a.stream,
		Values: map[string]interface{}{"record": string(payload)},
	}).Err(); err != nil {
		// Audit delivery is best-effort here; the log line above survives.
		a.logger.Warn("audit stream publish failed", zap.Error(err))
	}
}

var _ usecase.AuditEmitter = (*AuditEmitter)(nil)
