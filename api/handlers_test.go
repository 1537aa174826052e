package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-engine/domain"
	"kanban-engine/storage"
)

type mockAuth struct{}

// UserIDFromAuthHeader treats the bearer token as the user id.
func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errMissingAuthorization
	}
	return user, nil
}

// conflictingStore fails every card move with a concurrency conflict.
type conflictingStore struct {
	Storage
}

func (conflictingStore) CommitMoveCard(context.Context, string, string, int, string) (domain.Board, error) {
	return domain.Board{}, domain.ErrConcurrencyConflict
}

// blockingStore holds card moves until release is closed.
type blockingStore struct {
	Storage
	started chan struct{}
	release chan struct{}
}

func (s blockingStore) CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error) {
	s.started <- struct{}{}
	<-s.release
	return s.Storage.CommitMoveCard(ctx, boardID, cardID, destIndex, destListID)
}

type testServer struct {
	e     *echo.Echo
	store *storage.Store
	board domain.Board
	hook  *test.Hook
}

func newTestServer(t *testing.T, deduper Deduper, wrap func(Storage) Storage) *testServer {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	store := storage.New(repo)

	ctx := context.Background()
	b, err := store.CreateBoard(ctx, "Sprint", "", "owner")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	for _, id := range []string{"todo", "done"} {
		if _, err := store.CommitCreateList(ctx, b.ID, domain.ListDraft{ID: id, Title: id}); err != nil {
			t.Fatalf("create list: %v", err)
		}
	}
	for _, id := range []string{"A", "B", "C"} {
		if _, err := store.CommitCreateCard(ctx, b.ID, domain.CardDraft{ID: id, ListID: "todo", Title: id}); err != nil {
			t.Fatalf("create card: %v", err)
		}
	}
	if _, err := store.SetMember(ctx, b.ID, "viewer", domain.RoleObserver); err != nil {
		t.Fatalf("set member: %v", err)
	}
	if b, err = store.SetMember(ctx, b.ID, "dev", domain.RoleMember); err != nil {
		t.Fatalf("set member: %v", err)
	}

	logger, hook := test.NewNullLogger()
	var s Storage = store
	if wrap != nil {
		s = wrap(store)
	}
	e := echo.New()
	Register(e, s, mockAuth{}, deduper, logger)
	return &testServer{e: e, store: store, board: b, hook: hook}
}

func (s *testServer) do(t *testing.T, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) path(suffix string) string {
	return "/api/boards/" + s.board.ID + suffix
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func order(t *testing.T, b domain.Board, listID string) []string {
	t.Helper()
	l, err := b.List(listID)
	if err != nil {
		t.Fatalf("list %s: %v", listID, err)
	}
	ids := []string{}
	for _, c := range domain.Cards(l) {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil, nil)
	if rec := s.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestCreateAndGetBoard(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/api/boards", "alice", `{"title":"Roadmap","background":"#123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.Board](t, rec)
	if created.Title != "Roadmap" || created.Members["alice"] != domain.RoleOwner {
		t.Fatalf("unexpected board %#v", created)
	}

	rec = s.do(t, http.MethodGet, "/api/boards/"+created.ID, "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := decodeBody[domain.Board](t, rec); got.ID != created.ID || got.Version != created.Version {
		t.Fatalf("unexpected fetched board %#v", got)
	}

	rec = s.do(t, http.MethodGet, "/api/boards/"+created.ID, "mallory", "")
	if rec.Code != http.StatusNotFound || decodeBody[ErrorResponse](t, rec).Code != CodeBoardNotFound {
		t.Fatalf("non-members must not see the board, got %d", rec.Code)
	}
}

func TestMoveCardCommits(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, s.path("/cards/A/move"), "dev", `{"listId":"done","index":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	b := decodeBody[domain.Board](t, rec)
	if got := order(t, b, "done"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("unexpected Done %v", got)
	}
	if got := order(t, b, "todo"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("unexpected To Do %v", got)
	}
	if b.Version != s.board.Version+1 {
		t.Fatalf("expected version %d, got %d", s.board.Version+1, b.Version)
	}
}

func TestMoveCardReplayedGestureCommitsOnce(t *testing.T) {
	_, client := newTestRedis(t)
	s := newTestServer(t, NewRedisDeduper(client, time.Minute), nil)

	first := s.do(t, http.MethodPost, s.path("/cards/C/move"), "dev", `{"listId":"todo","index":0}`, HeaderIdempotencyKey, "g1")
	if first.Code != http.StatusOK || first.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("unexpected first response %d %v", first.Code, first.Header())
	}
	second := s.do(t, http.MethodPost, s.path("/cards/C/move"), "dev", `{"listId":"todo","index":0}`, HeaderIdempotencyKey, "g1")
	if second.Code != http.StatusOK || second.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("expected replayed response, got %d %v", second.Code, second.Header())
	}

	a, b := decodeBody[domain.Board](t, first), decodeBody[domain.Board](t, second)
	if a.Version != b.Version {
		t.Fatalf("replay must not commit again: %d vs %d", a.Version, b.Version)
	}
	if got := order(t, b, "todo"); !reflect.DeepEqual(got, []string{"C", "A", "B"}) {
		t.Fatalf("unexpected To Do %v", got)
	}

	replayed := false
	for _, entry := range s.hook.AllEntries() {
		if entry.Message == requestLogSource && entry.Data["replayed"] == true {
			replayed = true
		}
	}
	if !replayed {
		t.Fatal("expected the replay to be logged")
	}
}

func TestReplayWhileCommittingIsPending(t *testing.T) {
	_, client := newTestRedis(t)
	blocking := blockingStore{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestServer(t, NewRedisDeduper(client, time.Minute), func(base Storage) Storage {
		blocking.Storage = base
		return blocking
	})
	body := `{"listId":"done","index":0}`

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- s.do(t, http.MethodPost, s.path("/cards/A/move"), "dev", body, HeaderIdempotencyKey, "g3")
	}()
	<-blocking.started

	rec := s.do(t, http.MethodPost, s.path("/cards/A/move"), "dev", body, HeaderIdempotencyKey, "g3")
	if rec.Code != http.StatusConflict || decodeBody[ErrorResponse](t, rec).Code != CodeGesturePending {
		t.Fatalf("expected pending gesture, got %d %s", rec.Code, rec.Body.String())
	}

	close(blocking.release)
	committed := <-first
	if committed.Code != http.StatusOK {
		t.Fatalf("first request: %d %s", committed.Code, committed.Body.String())
	}

	rec = s.do(t, http.MethodPost, s.path("/cards/A/move"), "dev", body, HeaderIdempotencyKey, "g3")
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("expected replay, got %d %v", rec.Code, rec.Header())
	}
	replayed := decodeBody[domain.Board](t, rec)
	if got := order(t, replayed, "done"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("replay must carry the committed move, got Done %v", got)
	}
	if replayed.Version != decodeBody[domain.Board](t, committed).Version {
		t.Fatalf("replay must answer with the committed board")
	}
}

func TestMoveCardFailureReleasesGestureKey(t *testing.T) {
	mr, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	s := newTestServer(t, deduper, nil)

	rec := s.do(t, http.MethodPost, s.path("/cards/ghost/move"), "dev", `{"listId":"done","index":0}`, HeaderIdempotencyKey, "g2")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if code := decodeBody[ErrorResponse](t, rec).Code; code != CodeCardNotFound {
		t.Fatalf("unexpected code %s", code)
	}
	if mr.Exists(deduper.key(s.board.ID, "g2")) {
		t.Fatal("a failed commit must release its gesture key")
	}
}

func TestMoveList(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(t, http.MethodPost, s.path("/lists/done/move"), "dev", `{"index":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	lists := domain.Lists(decodeBody[domain.Board](t, rec))
	if len(lists) != 2 || lists[0].ID != "done" {
		t.Fatalf("unexpected list order %#v", lists)
	}
}

func TestListAndCardLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, s.path("/lists"), "dev", `{"title":"Review"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rec.Code, rec.Body.String())
	}
	list := decodeBody[domain.List](t, rec)
	if list.ID == "" || list.BoardID != s.board.ID {
		t.Fatalf("unexpected list %#v", list)
	}

	rec = s.do(t, http.MethodPatch, s.path("/lists/"+list.ID), "dev", `{"color":"red"}`)
	if rec.Code != http.StatusOK || decodeBody[domain.List](t, rec).Color != "red" {
		t.Fatalf("update list: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, s.path("/cards"), "dev", `{"listId":"`+list.ID+`","title":"Ship"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create card: %d %s", rec.Code, rec.Body.String())
	}
	card := decodeBody[domain.Card](t, rec)

	rec = s.do(t, http.MethodPatch, s.path("/cards/"+card.ID), "dev", `{"title":"Ship it"}`)
	if rec.Code != http.StatusOK || decodeBody[domain.Card](t, rec).Title != "Ship it" {
		t.Fatalf("update card: %d %s", rec.Code, rec.Body.String())
	}

	if rec = s.do(t, http.MethodDelete, s.path("/cards/"+card.ID), "dev", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete card: %d", rec.Code)
	}
	if rec = s.do(t, http.MethodDelete, s.path("/lists/"+list.ID), "dev", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete list: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPatch, s.path("/lists/"+list.ID), "dev", `{"title":"gone"}`)
	if rec.Code != http.StatusNotFound || decodeBody[ErrorResponse](t, rec).Code != CodeListNotFound {
		t.Fatalf("expected archived list to be gone, got %d", rec.Code)
	}
}

func TestMembershipAndArchive(t *testing.T) {
	s := newTestServer(t, nil, nil)

	if rec := s.do(t, http.MethodDelete, s.path(""), "dev", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("members must not archive, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodPut, s.path("/members/dev"), "owner", `{"role":"admin"}`)
	if rec.Code != http.StatusOK || decodeBody[domain.Board](t, rec).Members["dev"] != domain.RoleAdmin {
		t.Fatalf("promote: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPut, s.path("/members/owner"), "dev", `{"role":"member"}`)
	if rec.Code != http.StatusBadRequest || decodeBody[ErrorResponse](t, rec).Code != CodeBadRequest {
		t.Fatalf("demoting the last owner must fail, got %d %s", rec.Code, rec.Body.String())
	}
	if rec = s.do(t, http.MethodDelete, s.path(""), "dev", ""); rec.Code != http.StatusOK {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body.String())
	}
	if rec = s.do(t, http.MethodGet, s.path(""), "owner", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("archived board must be gone, got %d", rec.Code)
	}
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", http.MethodGet, s.path(""), "", "", http.StatusUnauthorized, CodeUnauthorized},
		{"missing board", http.MethodGet, "/api/boards/nope", "dev", "", http.StatusNotFound, CodeBoardNotFound},
		{"observer edit", http.MethodPost, s.path("/cards/A/move"), "viewer", `{"listId":"done","index":0}`, http.StatusForbidden, CodeForbidden},
		{"unknown field", http.MethodPost, s.path("/cards/A/move"), "dev", `{"listId":"done","slot":1}`, http.StatusBadRequest, CodeBadRequest},
		{"missing list id", http.MethodPost, s.path("/cards/A/move"), "dev", `{"index":1}`, http.StatusBadRequest, CodeBadRequest},
		{"unknown list", http.MethodPost, s.path("/cards/A/move"), "dev", `{"listId":"ghost","index":0}`, http.StatusNotFound, CodeListNotFound},
		{"empty title", http.MethodPost, s.path("/lists"), "dev", `{"title":"  "}`, http.StatusBadRequest, CodeBadRequest},
		{"malformed", http.MethodPost, "/api/boards", "dev", `{`, http.StatusBadRequest, CodeBadRequest},
		{"duplicate card id", http.MethodPost, s.path("/cards"), "dev", `{"id":"A","listId":"done","title":"again"}`, http.StatusConflict, CodeDuplicateID},
		{"duplicate list id", http.MethodPost, s.path("/lists"), "dev", `{"id":"todo","title":"again"}`, http.StatusConflict, CodeDuplicateID},
		{"self parent", http.MethodPatch, s.path("/cards/A"), "dev", `{"parentId":"A"}`, http.StatusBadRequest, CodeBadRequest},
		{"missing parent", http.MethodPatch, s.path("/cards/A"), "dev", `{"parentId":"ghost"}`, http.StatusBadRequest, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if got := decodeBody[ErrorResponse](t, rec); got.Code != tt.code || got.Error == "" {
				t.Fatalf("unexpected error body %#v", got)
			}
		})
	}
}

func TestConflictMapsTo409(t *testing.T) {
	s := newTestServer(t, nil, func(base Storage) Storage { return conflictingStore{Storage: base} })

	rec := s.do(t, http.MethodPost, s.path("/cards/A/move"), "dev", `{"listId":"done","index":0}`)
	if rec.Code != http.StatusConflict || decodeBody[ErrorResponse](t, rec).Code != CodeConflict {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}

	entry := s.hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warn request entry, got %#v", entry)
	}
	if entry.Data["error_stage"] != "store" || entry.Data["route"] != "/api/boards/:boardID/cards/:cardID/move" {
		t.Fatalf("unexpected fields %#v", entry.Data)
	}
}
