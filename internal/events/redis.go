package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

const publishTimeout = 2 * time.Second

// RedisPublisher forwards every event as JSON to a redis pub/sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher on channel
func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.Named("redis-events"),
	}
}

// Publish implements orchestrator.EventSink. Failures are logged; a run
// never waits on the broker.
func (p *RedisPublisher) Publish(event models.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("run_id", event.RunID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("run_id", event.RunID),
			zap.String("channel", p.channel),
			zap.Error(err))
	}
}

// Listen decodes events from the channel and hands them to fn until ctx
// ends. It fails when the subscription cannot be confirmed.
func (p *RedisPublisher) Listen(ctx context.Context, fn func(models.Event)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warn("Skipping malformed event", zap.Error(err))
				continue
			}
			fn(event)
		}
	}
}
