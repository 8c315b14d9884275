package usagegate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by RedisCounters.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	TxPipeline() redis.Pipeliner
	Close() error
}

// RedisConfig holds connection settings for RedisCounters.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCounters keeps counters in Redis so every replica shares them.
type RedisCounters struct {
	client RedisClient
	prefix string
}

// NewRedisCounters connects to Redis and verifies the connection with PING.
func NewRedisCounters(ctx context.Context, cfg RedisConfig) (*RedisCounters, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis counters: ping failed: %w", err)
	}
	return NewRedisCountersWithClient(client, cfg.Prefix), nil
}

// NewRedisCountersWithClient wraps a pre-built client.
func NewRedisCountersWithClient(client RedisClient, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "receipt:quota:"
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) Incr(ctx context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, r.prefix+key)
	if window > 0 {
		pipe.Expire(ctx, r.prefix+key, window)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("redis incr %s: %w", key, err)
	}
	count := incr.Val()
	return count, count <= limit, nil
}

// Close closes the Redis connection.
func (r *RedisCounters) Close() error {
	return r.client.Close()
}
