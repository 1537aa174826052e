package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still holds the caller's token,
// so a holder whose lease expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// MoveLock is a per-board lease in Redis. It extends the single-commit rule
// to every process working on the same board.
type MoveLock struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewMoveLock returns a lock whose leases expire after ttl.
func NewMoveLock(client *redis.Client, ttl time.Duration) *MoveLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MoveLock{redis: client, ttl: ttl}
}

func (l *MoveLock) Acquire(ctx context.Context, boardID, token string) (bool, error) {
	return l.redis.SetNX(ctx, lockKey(boardID), token, l.ttl).Result()
}

func (l *MoveLock) Release(ctx context.Context, boardID, token string) error {
	return releaseScript.Run(ctx, l.redis, []string{lockKey(boardID)}, token).Err()
}

func lockKey(boardID string) string {
	return "board-lock:" + boardID
}
