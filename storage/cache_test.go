package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanban-engine/domain"
)

type stubBackend struct {
	backend
	fetchBoardFn     func(ctx context.Context, boardID string) (domain.Board, error)
	commitMoveCardFn func(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error)
	commitDeleteFn   func(ctx context.Context, boardID, cardID string) error
}

func (s *stubBackend) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if s.fetchBoardFn == nil {
		return domain.Board{}, errors.New("unexpected FetchBoard call")
	}
	return s.fetchBoardFn(ctx, boardID)
}

func (s *stubBackend) CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error) {
	if s.commitMoveCardFn == nil {
		return domain.Board{}, errors.New("unexpected CommitMoveCard call")
	}
	return s.commitMoveCardFn(ctx, boardID, cardID, destIndex, destListID)
}

func (s *stubBackend) CommitDeleteCard(ctx context.Context, boardID, cardID string) error {
	if s.commitDeleteFn == nil {
		return errors.New("unexpected CommitDeleteCard call")
	}
	return s.commitDeleteFn(ctx, boardID, cardID)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func sampleBoard(version int64) domain.Board {
	b := domain.NewBoard("b1", "Sprint", "", "u1")
	b.Version = version
	b.Lists = []domain.List{{ID: "todo", BoardID: "b1", Title: "To Do", Position: 1000, Cards: []domain.Card{
		{ID: "A", ListID: "todo", BoardID: "b1", Title: "A", Position: 1000},
	}}}
	return b
}

func TestCacheFetchBoardMissThenHit(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	expected := sampleBoard(3)

	var calls int
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(ctx context.Context, boardID string) (domain.Board, error) {
			calls++
			if boardID != "b1" {
				t.Fatalf("unexpected board id: %s", boardID)
			}
			return expected, nil
		},
	}, client, time.Minute)

	b, err := cache.FetchBoard(ctx, "b1")
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	if !reflect.DeepEqual(b, expected) {
		t.Fatalf("unexpected board: %#v", b)
	}
	if ttl := mr.TTL(boardCacheKey("b1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchBoard(ctx, "b1")
	if err != nil {
		t.Fatalf("fetch cached board: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached board: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheEvictsOnCommit(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	version := int64(1)
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) (domain.Board, error) {
			return sampleBoard(version), nil
		},
		commitMoveCardFn: func(context.Context, string, string, int, string) (domain.Board, error) {
			version++
			return sampleBoard(version), nil
		},
		commitDeleteFn: func(context.Context, string, string) error {
			version++
			return nil
		},
	}, client, time.Minute)

	if _, err := cache.FetchBoard(ctx, "b1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !mr.Exists(boardCacheKey("b1")) {
		t.Fatal("expected board to be cached")
	}
	if _, err := cache.CommitMoveCard(ctx, "b1", "A", 0, "todo"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if mr.Exists(boardCacheKey("b1")) {
		t.Fatal("commit should evict the cached board")
	}
	b, err := cache.FetchBoard(ctx, "b1")
	if err != nil || b.Version != 2 {
		t.Fatalf("expected fresh version 2, got %d %v", b.Version, err)
	}

	if err := cache.CommitDeleteCard(ctx, "b1", "A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(boardCacheKey("b1")) {
		t.Fatal("delete should evict the cached board")
	}
}

func TestCacheDropsCorruptEntries(t *testing.T) {
	mr, client := newRedis(t)
	if err := mr.Set(boardCacheKey("b1"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) (domain.Board, error) { return sampleBoard(1), nil },
	}, client, time.Minute)

	b, err := cache.FetchBoard(context.Background(), "b1")
	if err != nil || b.Version != 1 {
		t.Fatalf("expected backend board, got %#v %v", b, err)
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	calls := 0
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) (domain.Board, error) {
			calls++
			return sampleBoard(1), nil
		},
	}, nil, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cache.FetchBoard(context.Background(), "b1"); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every fetch to hit the backend, calls=%d", calls)
	}
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	mr, client := newRedis(t)
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) (domain.Board, error) {
			return domain.Board{}, domain.ErrBoardNotFound
		},
	}, client, time.Minute)
	if _, err := cache.FetchBoard(context.Background(), "b1"); !errors.Is(err, domain.ErrBoardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if mr.Exists(boardCacheKey("b1")) {
		t.Fatal("errors must not be cached")
	}
}

func TestMoveLockIsExclusive(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	lock := NewMoveLock(client, time.Second)

	ok, err := lock.Acquire(ctx, "b1", "first")
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	ok, err = lock.Acquire(ctx, "b1", "second")
	if err != nil || ok {
		t.Fatalf("second acquire should fail: %v %v", ok, err)
	}
	if ok, _ := lock.Acquire(ctx, "b2", "second"); !ok {
		t.Fatal("locks must be per board")
	}

	if err := lock.Release(ctx, "b1", "second"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !mr.Exists(lockKey("b1")) {
		t.Fatal("a foreign token must not release the lock")
	}
	if err := lock.Release(ctx, "b1", "first"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(lockKey("b1")) {
		t.Fatal("expected lock to be released")
	}
}

func TestMoveLockExpires(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	lock := NewMoveLock(client, time.Second)

	if ok, _ := lock.Acquire(ctx, "b1", "stuck"); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(2 * time.Second)
	if ok, err := lock.Acquire(ctx, "b1", "next"); err != nil || !ok {
		t.Fatalf("expected expired lock to be reacquired: %v %v", ok, err)
	}
}

func TestPublisherDeliversUpdates(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := NewPublisher(client, "")
	updates, err := pub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "b1", 7); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case u := <-updates:
		if u.BoardID != "b1" || u.Version != 7 {
			t.Fatalf("unexpected update %#v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	cancel()
	for range updates {
	}
}
