package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kanban-engine/domain"
)

type backend interface {
	CreateBoard(ctx context.Context, title, background, ownerID string) (domain.Board, error)
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
	ArchiveBoard(ctx context.Context, boardID string) (domain.Board, error)
	SetMember(ctx context.Context, boardID, userID string, role domain.Role) (domain.Board, error)
	CommitCreateList(ctx context.Context, boardID string, d domain.ListDraft) (domain.List, error)
	CommitCreateCard(ctx context.Context, boardID string, d domain.CardDraft) (domain.Card, error)
	CommitUpdateList(ctx context.Context, boardID, listID string, p domain.ListPatch) (domain.List, error)
	CommitUpdateCard(ctx context.Context, boardID, cardID string, p domain.CardPatch) (domain.Card, error)
	CommitDeleteList(ctx context.Context, boardID, listID string) error
	CommitDeleteCard(ctx context.Context, boardID, cardID string) error
	CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error)
	CommitMoveList(ctx context.Context, boardID, listID string, destIndex int) (domain.Board, error)
}

// Cache wraps a board store with a Redis read-through cache for FetchBoard.
// Every commit evicts the board so readers never see a version older than
// the last acknowledged write.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if b, ok := c.load(ctx, boardID); ok {
		return b, nil
	}
	b, err := c.base.FetchBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	c.store(ctx, b)
	return b, nil
}

func (c *Cache) CreateBoard(ctx context.Context, title, background, ownerID string) (domain.Board, error) {
	return c.base.CreateBoard(ctx, title, background, ownerID)
}

func (c *Cache) ArchiveBoard(ctx context.Context, boardID string) (domain.Board, error) {
	defer c.evict(ctx, boardID)
	return c.base.ArchiveBoard(ctx, boardID)
}

func (c *Cache) SetMember(ctx context.Context, boardID, userID string, role domain.Role) (domain.Board, error) {
	defer c.evict(ctx, boardID)
	return c.base.SetMember(ctx, boardID, userID, role)
}

func (c *Cache) CommitCreateList(ctx context.Context, boardID string, d domain.ListDraft) (domain.List, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitCreateList(ctx, boardID, d)
}

func (c *Cache) CommitCreateCard(ctx context.Context, boardID string, d domain.CardDraft) (domain.Card, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitCreateCard(ctx, boardID, d)
}

func (c *Cache) CommitUpdateList(ctx context.Context, boardID, listID string, p domain.ListPatch) (domain.List, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitUpdateList(ctx, boardID, listID, p)
}

func (c *Cache) CommitUpdateCard(ctx context.Context, boardID, cardID string, p domain.CardPatch) (domain.Card, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitUpdateCard(ctx, boardID, cardID, p)
}

func (c *Cache) CommitDeleteList(ctx context.Context, boardID, listID string) error {
	defer c.evict(ctx, boardID)
	return c.base.CommitDeleteList(ctx, boardID, listID)
}

func (c *Cache) CommitDeleteCard(ctx context.Context, boardID, cardID string) error {
	defer c.evict(ctx, boardID)
	return c.base.CommitDeleteCard(ctx, boardID, cardID)
}

func (c *Cache) CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitMoveCard(ctx, boardID, cardID, destIndex, destListID)
}

func (c *Cache) CommitMoveList(ctx context.Context, boardID, listID string, destIndex int) (domain.Board, error) {
	defer c.evict(ctx, boardID)
	return c.base.CommitMoveList(ctx, boardID, listID, destIndex)
}

func (c *Cache) load(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return b, true
}

func (c *Cache) store(ctx context.Context, b domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(b.ID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(boardID)).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
