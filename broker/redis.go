package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements MessageBroker on Redis pub/sub. It shares the client
// used by the session and buffer stores, which keeps small deployments to a
// single backing service.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends an event to the channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe listens for events on the channel until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s failed: %w", channel, err)
	}

	events := make(chan Event, 100)
	go func() {
		defer close(events)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("Event decode error")
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

// Type identifies this broker implementation.
func (b *RedisBroker) Type() string { return "redis" }
