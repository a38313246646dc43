// Package broadcast relays gateway broadcasts between instances over Redis pub/sub.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

// ErrSubscriptionClosed is returned when Redis closes the subscription channel.
var ErrSubscriptionClosed = errors.New("broadcast subscription closed")

// RedisRelay publishes to and listens on a single Redis channel. Every
// subscribed instance, the publisher included, receives each message.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisRelay builds a relay from cfg. The connection is established lazily.
func NewRedisRelay(cfg config.RedisConfig, log *zap.Logger) *RedisRelay {
	channel := cfg.BroadcastChannel
	if channel == "" {
		channel = "chatstream:broadcast"
	}
	return &RedisRelay{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		logger:  logger.OrNop(log).Named("broadcast"),
	}
}

// Ping checks that Redis is reachable.
func (r *RedisRelay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe hands every message on the channel to deliver until ctx is done.
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	r.logger.Info("subscribed", zap.String("channel", r.channel))
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}
			deliver([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
