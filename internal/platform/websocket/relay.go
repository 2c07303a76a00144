package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by workers and
// servers.
const DefaultRelayChannel = "messaging:events"

// RedisPublisher publishes events to Redis so processes without connected
// clients (queue workers) can reach the hub of every server.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ EventPublisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("relay: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// RedisRelay subscribes to the relay channel and broadcasts every event on
// the local hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With().Str("component", "ws-relay").Str("channel", channel).Logger(),
	}
}

// Run blocks until ctx is cancelled. go-redis resubscribes on reconnect.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.logger.Info().Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(payload string) bool {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed relay event")
		return false
	}
	if ev.Topic == "" {
		r.logger.Warn().Str("type", ev.Type).Msg("dropping relay event without topic")
		return false
	}
	r.hub.Broadcast(ev.Topic, ev)
	return true
}
