package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/metrics"
	"github.com/satsafe/escrowd/internal/realtime"
)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes escrow events as JSON realtime.Event messages.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel if empty).
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// EscrowEvent implements escrow.EventSink. Failures are logged, never
// returned: the escrow state change has already been committed.
func (p *RedisPublisher) EscrowEvent(ctx context.Context, event string, e *escrow.Escrow) {
	if err := p.Publish(ctx, event, e); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("redis", "error").Inc()
		p.logger.Warn("failed to publish escrow event", "event", event, "escrowId", e.ID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("redis", "ok").Inc()
}

// Publish sends one event and returns the broker error, if any.
func (p *RedisPublisher) Publish(ctx context.Context, event string, e *escrow.Escrow) error {
	data, err := json.Marshal(realtime.Event{
		Type:      realtime.EventType(event),
		Timestamp: e.UpdatedAt,
		Data:      realtime.PayloadFor(e),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return p.client.Publish(ctx, p.channel, data).Err()
}

// RedisSubscriber relays events published by any replica into a handler.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSubscriber creates a subscriber on channel (DefaultChannel if empty).
func NewRedisSubscriber(client *redis.Client, channel string, logger *slog.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, channel: channel, logger: logger}
}

// Run delivers every decoded event to handler until ctx ends. It returns
// once the subscription is confirmed so callers know no event is missed.
func (s *RedisSubscriber) Run(ctx context.Context, handler func(*realtime.Event)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	ch := pubsub.Channel()

	go func() {
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event realtime.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.logger.Error("failed to unmarshal escrow event", "error", err)
					continue
				}
				handler(&event)
			}
		}
	}()
	return nil
}
