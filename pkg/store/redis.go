package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client for cfg and checks it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Redis is a key-value store with TTLs backed by Redis.
type Redis struct {
	redis *redis.Client
}

// NewRedis creates a key-value store on redisClient.
func NewRedis(redisClient *redis.Client) *Redis {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{redis: redisClient}
}

// Get returns the value of key and whether it exists.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			StoreOperations.WithLabelValues("kv_get", "miss").Inc()
			return "", false, nil
		}
		StoreOperations.WithLabelValues("kv_get", "error").Inc()
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	StoreOperations.WithLabelValues("kv_get", "ok").Inc()
	return value, true, nil
}

// Set stores value under key. A ttl of zero keeps the key until deleted.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		StoreOperations.WithLabelValues("kv_set", "error").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	StoreOperations.WithLabelValues("kv_set", "ok").Inc()
	return nil
}

// Expire changes the TTL of key. A ttl <= 0 deletes it right away.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		err = r.redis.Del(ctx, key).Err()
	} else {
		err = r.redis.Expire(ctx, key, ttl).Err()
	}
	if err != nil {
		StoreOperations.WithLabelValues("kv_expire", "error").Inc()
		return fmt.Errorf("redis expire: %w", err)
	}
	StoreOperations.WithLabelValues("kv_expire", "ok").Inc()
	return nil
}
