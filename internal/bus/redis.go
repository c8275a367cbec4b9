package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"md-gateway/internal/metrics"
)

// Redis is the gateway's bus client. One instance is shared by the
// publishers, the control listeners, and the collector.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the bus and verifies it with a ping.
func NewRedis(addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client}, nil
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Publish sends a payload on a channel. No buffering, no retry.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	timer := metrics.NewTimer()
	err := r.client.Publish(ctx, channel, payload).Err()
	timer.ObserveDuration(metrics.RedisPublishDuration, channel)
	if err != nil {
		metrics.RecordPublishError(channel)
		return fmt.Errorf("redis publish %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and pumps payloads into the
// returned channel. Channels containing glob metacharacters use PSUBSCRIBE.
// The subscription is confirmed before Subscribe returns.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = r.client.PSubscribe(ctx, channel)
	} else {
		pubsub = r.client.Subscribe(ctx, channel)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s failed: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern reports whether the channel uses glob-style wildcards.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var (
	_ Publisher  = (*Redis)(nil)
	_ Subscriber = (*Redis)(nil)
)
