package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/studyaide/internal/model"
)

const redisTimeout = 5 * time.Second

// Redis keeps the catalog blob under a single Redis key, so several
// server instances can share one catalog.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultStateKey
	}
	return &Redis{client: client, key: key}
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Load returns the stored catalog, or an empty one if the key is missing.
func (r *Redis) Load() (model.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return model.Normalize(model.State{}), nil
	}
	if err != nil {
		return model.State{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return model.DecodeState([]byte(val))
}

// Save replaces the stored catalog. The key never expires.
func (r *Redis) Save(state model.State) error {
	data, err := model.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, string(data), 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
