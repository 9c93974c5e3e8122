package dedupe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDeduper shares delivery ids across service instances with SET NX.
type redisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	size   atomic.Int64
}

// NewRedisDeduper returns a Deduper backed by client. Keys expire after
// ttl (24h when ttl <= 0).
func NewRedisDeduper(client *redis.Client, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDeduper{
		client: client,
		prefix: "coinledger:delivery:",
		ttl:    ttl,
	}
}

// NewRedisClient parses url, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (d *redisDeduper) key(id string) string {
	return d.prefix + id
}

func (d *redisDeduper) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	recorded, err := d.client.SetNX(ctx, d.key(id), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: record %s: %w", id, err)
	}
	if recorded {
		d.size.Add(1)
	}
	return !recorded, nil
}

func (d *redisDeduper) Unrecord(ctx context.Context, id string) error {
	n, err := d.client.Del(ctx, d.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis: unrecord %s: %w", id, err)
	}
	if n > 0 {
		d.size.Add(-1)
	}
	return nil
}

// Size counts ids recorded by this instance that it has not unrecorded.
// Keys expiring in Redis are not subtracted.
func (d *redisDeduper) Size() int64 {
	return d.size.Load()
}
