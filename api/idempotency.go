package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kanban-engine/domain"
)

// pendingGesture marks a key whose commit has not finished yet.
const pendingGesture = "pending"

// RedisDeduper stores committed gesture keys in Redis so every instance
// refuses to commit the same gesture twice. A completed key holds the
// committed board.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return fmt.Sprintf("gesture:%s:%s", scope, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(scope, key), pendingGesture, r.ttl).Result()
}

// Complete replaces the pending marker with the committed board.
func (r *RedisDeduper) Complete(ctx context.Context, scope, key string, b domain.Board) error {
	data, err := sonic.Marshal(b)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(scope, key), data, r.ttl).Err()
}

// Result returns the board stored by Complete. A missing or pending key is
// reported as not done.
func (r *RedisDeduper) Result(ctx context.Context, scope, key string) (domain.Board, bool, error) {
	data, err := r.client.Get(ctx, r.key(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Board{}, false, nil
	}
	if err != nil {
		return domain.Board{}, false, err
	}
	if string(data) == pendingGesture {
		return domain.Board{}, false, nil
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		return domain.Board{}, false, fmt.Errorf("decode gesture result: %w", err)
	}
	return b, true, nil
}

// Remove deletes a previously recorded key so the gesture may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}
