package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes report updates on a per-account Redis channel
// ("report.updates.<accountID>"). Frontends subscribe to their account's
// channel to stream progress without polling.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier connects to Redis at the given URL and verifies the
// connection with a ping.
func NewRedisNotifier(ctx context.Context, redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNotifier{client: client}, nil
}

// Publish sends the update as JSON on the account's channel.
func (n *RedisNotifier) Publish(ctx context.Context, update ReportUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode report update: %w", err)
	}
	channel := "report.updates." + update.AccountID
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
