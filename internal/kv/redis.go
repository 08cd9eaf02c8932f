package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// scanCount is the COUNT hint passed to SCAN while collecting Keys.
const scanCount = 100

// Redis is a [Store] backed by a Redis server.
type Redis struct {
	client *redis.Client
}

// RedisOption configures the client created by [NewRedis].
type RedisOption func(*redis.Options)

// WithPassword sets the AUTH password.
func WithPassword(pw string) RedisOption {
	return func(o *redis.Options) {
		o.Password = pw
	}
}

// WithDB selects the logical database.
func WithDB(db int) RedisOption {
	return func(o *redis.Options) {
		o.DB = db
	}
}

// WithPoolSize sets the client connection pool size.
func WithPoolSize(n int) RedisOption {
	return func(o *redis.Options) {
		if n > 0 {
			o.PoolSize = n
		}
	}
}

// NewRedis returns a store connected to the Redis server at addr
// ("host:port"). The connection is established lazily; call Ping to verify.
func NewRedis(addr string, opts ...RedisOption) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("kv: redis addr must not be empty")
	}
	o := &redis.Options{Addr: addr}
	for _, opt := range opts {
		opt(o)
	}
	return &Redis{client: redis.NewClient(o)}, nil
}

// Get implements [Store].
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: redis get: %w", err)
	}
	return v, true, nil
}

// Set implements [Store].
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis set: %w", err)
	}
	return nil
}

// Expire implements [Store].
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis expire: %w", err)
	}
	return nil
}

// Del implements [Store].
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: redis del: %w", err)
	}
	return nil
}

// Keys implements [Store] with an incremental SCAN so that large keyspaces do
// not block the server.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("kv: redis scan: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Ping implements [Store].
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
