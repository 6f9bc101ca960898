package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Transport = (*RedisTransport)(nil)

// RedisTransport delivers events over Redis pub/sub and keeps the last-event
// snapshot in a keyspace entry with expiry.
type RedisTransport struct {
	rdb *redis.Client
}

// NewRedisTransport creates a RedisTransport.
func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

// Broadcast publishes the ciphertext to the per-run channel.
func (t *RedisTransport) Broadcast(ctx context.Context, channel, payload string) error {
	return t.rdb.Publish(ctx, channel, payload).Err()
}

// StoreLast overwrites the last-event snapshot, refreshing its TTL.
func (t *RedisTransport) StoreLast(ctx context.Context, key, payload string, ttl time.Duration) error {
	return t.rdb.Set(ctx, key, payload, ttl).Err()
}
