package relay

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements PubSub on top of a Redis connection, using
// PSUBSCRIBE so a single subscription (e.g. "ws:room:*") fans out every
// room's channel without per-room subscribe/unsubscribe churn.
type RedisPubSub struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisPubSub wraps an existing *redis.Client. The caller owns the
// client's lifecycle (creation and Close).
func NewRedisPubSub(client *redis.Client, logger *slog.Logger) *RedisPubSub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func (r *RedisPubSub) Publish(channel string, payload []byte) error {
	return r.client.Publish(context.Background(), channel, payload).Err()
}

// Subscribe issues a PSUBSCRIBE for pattern and dispatches every matching
// publish to handler until ctx is canceled. The returned unsubscribe
// func closes the underlying subscription early.
func (r *RedisPubSub) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error) {
	sub := r.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		if err := sub.Close(); err != nil {
			r.logger.Warn("redis pubsub close failed", "pattern", pattern, "error", err)
		}
	}
	return unsubscribe, nil
}
