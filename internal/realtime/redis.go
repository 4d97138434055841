package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Broadcaster delivers already-encoded messages to local clients. *Hub
// implements it.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// RedisNotifier publishes events to a Redis channel instead of straight to the
// local hub, so that every server instance (each running a Relay) pushes them
// to its own clients.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier wraps client. It does not take ownership of it.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, msg).Err(); err != nil {
		return fmt.Errorf("realtime: publishing %s to redis: %w", event, err)
	}
	return nil
}

// Relay forwards messages from a Redis channel to local clients.
type Relay struct {
	client  *redis.Client
	channel string
	out     Broadcaster
	logger  *slog.Logger
}

// NewRelay creates a relay from channel to out.
func NewRelay(client *redis.Client, channel string, out Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{client: client, channel: channel, out: out, logger: logger}
}

// Run subscribes and forwards until ctx is cancelled. go-redis reconnects the
// subscription by itself after network errors.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so startup errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("realtime relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.out.Broadcast([]byte(m.Payload))
		}
	}
}
