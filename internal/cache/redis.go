package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ErrCacheMiss is returned when a key is absent or the cache is disabled
var ErrCacheMiss = errors.New("cache miss")

// RedisClient is an interface for Redis operations
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// redisClient implements the RedisClient interface
type redisClient struct {
	client *redis.Client
}

// disabledClient is used when redis.enabled is false. Reads always miss.
type disabledClient struct{}

// NewRedisClient creates a new Redis client, or a disabled one when Redis is off
func NewRedisClient(cfg config.RedisConfig) (RedisClient, error) {
	if !cfg.Enabled {
		return disabledClient{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &redisClient{client: client}, nil
}

// Get retrieves a value from Redis
func (r *redisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

// Set stores a value in Redis with expiration
func (r *redisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Delete removes a key from Redis
func (r *redisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close closes the Redis connection
func (r *redisClient) Close() error {
	return r.client.Close()
}

// NewDisabledClient returns a client whose reads always miss
func NewDisabledClient() RedisClient {
	return disabledClient{}
}

func (disabledClient) Get(ctx context.Context, key string) (string, error) {
	return "", ErrCacheMiss
}

func (disabledClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return nil
}

func (disabledClient) Delete(ctx context.Context, key string) error {
	return nil
}

func (disabledClient) Close() error {
	return nil
}
