package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waghostel/medregagent/pkg/config"
	"github.com/waghostel/medregagent/pkg/errors"
)

// Redis is a cache store on a shared Redis instance. Keys are namespaced
// under a prefix so multiple deployments can share one database.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping
func NewRedis(cfg *config.RedisConfig, prefix string) (*Redis, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewUnavailableError("redis").WithCause(err)
	}

	return &Redis{
		client: client,
		prefix: prefix,
	}, nil
}

// Get returns the value stored under key. A missing key is a miss, not an
// error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, errors.NewInternalError("failed to read cache key").WithCause(err)
	}
	return value, true, nil
}

// Set stores value under key with ttl. A non-positive ttl stores the entry
// without an expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to write cache key").WithCause(err)
	}
	return nil
}

// Delete removes the entry under key. Deleting an absent key is not an
// error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// Health checks the Redis connection
func (r *Redis) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewUnavailableError("redis").WithCause(err)
	}
	return nil
}

// PoolStats returns connection pool statistics
func (r *Redis) PoolStats() *redis.PoolStats {
	return r.client.PoolStats()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

var _ Cache = (*Redis)(nil)
