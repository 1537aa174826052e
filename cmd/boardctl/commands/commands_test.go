package commands

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-engine/api"
	"kanban-engine/domain"
	"kanban-engine/storage"
)

type tokenAuth struct{}

func (tokenAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errors.New("missing bearer token")
	}
	return user, nil
}

type fixture struct {
	url   string
	redis string
	board domain.Board
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	store := storage.New(repo, storage.WithPublisher(storage.NewPublisher(rc, "")))
	ctx := context.Background()
	b, err := store.CreateBoard(ctx, "Sprint", "", "owner")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	for _, id := range []string{"todo", "done"} {
		if _, err := store.CommitCreateList(ctx, b.ID, domain.ListDraft{ID: id, Title: strings.ToUpper(id)}); err != nil {
			t.Fatalf("create list: %v", err)
		}
	}
	for _, id := range []string{"A", "B"} {
		if _, err := store.CommitCreateCard(ctx, b.ID, domain.CardDraft{ID: id, ListID: "todo", Title: "card " + id}); err != nil {
			t.Fatalf("create card: %v", err)
		}
	}

	logger, _ := test.NewNullLogger()
	e := echo.New()
	api.Register(e, store, tokenAuth{}, nil, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return fixture{url: srv.URL, redis: "redis://" + mr.Addr(), board: b}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestShow(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, "--api", f.url, "--token", "owner", "show", f.board.ID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	want := "Sprint (v5)\n  [todo] TODO\n    0. card A  A\n    1. card B  B\n  [done] DONE\n"
	if out != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out, want)
	}
}

func TestMoveCardTakesBoardLock(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, "--api", f.url, "--token", "owner", "--redis", f.redis, "--lock-ttl", "5s",
		"move-card", f.board.ID, "B", "done", "0")
	if err != nil {
		t.Fatalf("move-card: %v", err)
	}
	if !strings.Contains(out, "(v6)") || !strings.Contains(out, "[done] DONE\n    0. card B  B") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestMoveList(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, "--api", f.url, "--token", "owner", "move-list", f.board.ID, "done", "0")
	if err != nil {
		t.Fatalf("move-list: %v", err)
	}
	if strings.Index(out, "[done]") > strings.Index(out, "[todo]") {
		t.Fatalf("expected done first:\n%s", out)
	}
}

func TestMoveCardErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := run(t, "--api", f.url, "--token", "owner", "move-card", f.board.ID, "ghost", "done", "0"); !errors.Is(err, domain.ErrCardNotFound) {
		t.Fatalf("expected card not found, got %v", err)
	}
	if _, err := run(t, "--api", f.url, "move-card", f.board.ID, "A", "done", "x"); err == nil {
		t.Fatal("expected invalid index to fail")
	}
	if _, err := run(t, "show", f.board.ID); err == nil {
		t.Fatal("expected missing api URL to fail")
	}
}

func TestWatchRequiresRedis(t *testing.T) {
	f := newFixture(t)
	if _, err := run(t, "--api", f.url, "--token", "owner", "watch", f.board.ID); err == nil {
		t.Fatal("expected watch without redis to fail")
	}
}

func TestLocate(t *testing.T) {
	b := domain.NewBoard("b1", "Sprint", "", "u1")
	b.Lists = []domain.List{{ID: "todo", BoardID: "b1", Position: 1000, Cards: []domain.Card{
		{ID: "B", ListID: "todo", BoardID: "b1", Position: 2000},
		{ID: "A", ListID: "todo", BoardID: "b1", Position: 1000},
	}}}
	loc, ok := locate(b, "B")
	if !ok || loc != (domain.Location{ListID: "todo", Index: 1}) {
		t.Fatalf("unexpected location %#v %v", loc, ok)
	}
	if _, ok := locate(b, "ghost"); ok {
		t.Fatal("expected missing card")
	}
}
