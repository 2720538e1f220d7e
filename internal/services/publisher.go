package services

import (
	"context"
	"strconv"

	redislib "github.com/redis/go-redis/v9"

	"github.com/eventcrm/backend/internal/infrastructure/outbox"
)

// EventPublisher delivers one outbox entry to the projection boundary.
type EventPublisher interface {
	Publish(ctx context.Context, entry outbox.Entry) error
}

// RedisPublisher appends entries to a Redis stream. Delivery is at-least-once;
// consumers deduplicate on (aggregate_id, sequence_number), which travels as
// top-level fields for exactly that purpose.
type RedisPublisher struct {
	client *redislib.Client
	stream string
}

func NewRedisPublisher(client *redislib.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = "eventcrm:events"
	}
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, entry outbox.Entry) error {
	return p.client.XAdd(ctx, &redislib.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"tenant_id":       entry.TenantID.String(),
			"aggregate_id":    entry.AggregateID.String(),
			"sequence_number": strconv.FormatInt(entry.SequenceNumber, 10),
			"event_type":      entry.EventType,
			"record":          string(entry.Record),
		},
	}).Err()
}

var _ EventPublisher = (*RedisPublisher)(nil)
