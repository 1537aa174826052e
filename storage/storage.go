package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-engine/domain"
)

// DefaultCommitRetries bounds how many times a mutation is replayed after a
// concurrent write to the same board.
const DefaultCommitRetries = 5

// Repository persists whole board snapshots with optimistic concurrency.
// Replace must fail with domain.ErrConcurrencyConflict when etag is stale.
type Repository interface {
	Load(ctx context.Context, boardID string) (domain.Board, string, error)
	Insert(ctx context.Context, b domain.Board) error
	Replace(ctx context.Context, b domain.Board, etag string) error
}

type notifier interface {
	Publish(ctx context.Context, boardID string, version int64) error
}

// Store applies board mutations atomically on top of a Repository.
type Store struct {
	repo      Repository
	publisher notifier
	retries   int
	newID     func() string
	logger    *log.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithPublisher announces every committed version.
func WithPublisher(p notifier) Option {
	return func(s *Store) { s.publisher = p }
}

// WithRetries overrides DefaultCommitRetries.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Store over repo.
func New(repo Repository, opts ...Option) *Store {
	if repo == nil {
		panic("storage.New: repository is nil")
	}
	s := &Store{
		repo:    repo,
		retries: DefaultCommitRetries,
		newID:   uuid.NewString,
		logger:  log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBoard persists a new empty board owned by ownerID.
func (s *Store) CreateBoard(ctx context.Context, title, background, ownerID string) (domain.Board, error) {
	b := domain.NewBoard(s.newID(), title, background, ownerID)
	b.Version = 1
	if err := s.repo.Insert(ctx, b); err != nil {
		return domain.Board{}, err
	}
	s.publish(ctx, b)
	return b, nil
}

// FetchBoard loads the current board snapshot.
func (s *Store) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	b, _, err := s.repo.Load(ctx, boardID)
	return b, err
}

// ArchiveBoard marks the board archived.
func (s *Store) ArchiveBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return s.mutate(ctx, boardID, domain.ArchiveBoard)
}

// SetMember grants a user a role on the board.
func (s *Store) SetMember(ctx context.Context, boardID, userID string, role domain.Role) (domain.Board, error) {
	return s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.SetMember(b, userID, role)
	})
}

func (s *Store) CommitCreateList(ctx context.Context, boardID string, d domain.ListDraft) (domain.List, error) {
	if d.ID == "" {
		d.ID = s.newID()
	}
	b, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.CreateList(b, d.ID, d.Title, d.Color)
	})
	if err != nil {
		return domain.List{}, err
	}
	return b.List(d.ID)
}

func (s *Store) CommitCreateCard(ctx context.Context, boardID string, d domain.CardDraft) (domain.Card, error) {
	if d.ID == "" {
		d.ID = s.newID()
	}
	b, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.CreateCard(b, d)
	})
	if err != nil {
		return domain.Card{}, err
	}
	return b.Card(d.ID)
}

func (s *Store) CommitUpdateList(ctx context.Context, boardID, listID string, p domain.ListPatch) (domain.List, error) {
	b, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.UpdateList(b, listID, p)
	})
	if err != nil {
		return domain.List{}, err
	}
	return b.List(listID)
}

func (s *Store) CommitUpdateCard(ctx context.Context, boardID, cardID string, p domain.CardPatch) (domain.Card, error) {
	b, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.UpdateCard(b, cardID, p)
	})
	if err != nil {
		return domain.Card{}, err
	}
	return b.Card(cardID)
}

func (s *Store) CommitDeleteList(ctx context.Context, boardID, listID string) error {
	_, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.DeleteList(b, listID)
	})
	return err
}

func (s *Store) CommitDeleteCard(ctx context.Context, boardID, cardID string) error {
	_, err := s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.DeleteCard(b, cardID)
	})
	return err
}

// CommitMoveCard moves a card and returns the whole resulting board, since a
// move may respace its siblings.
func (s *Store) CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error) {
	return s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.MoveCard(b, cardID, destListID, destIndex)
	})
}

func (s *Store) CommitMoveList(ctx context.Context, boardID, listID string, destIndex int) (domain.Board, error) {
	return s.mutate(ctx, boardID, func(b domain.Board) (domain.Board, error) {
		return domain.MoveList(b, listID, destIndex)
	})
}

// mutate loads the board, applies fn and writes the result guarded by the
// loaded etag. On a concurrent write the same intent is replayed against the
// fresh board, so a stale snapshot never overwrites a newer one. When fn leaves
// the board unchanged the current board is returned as is.
func (s *Store) mutate(ctx context.Context, boardID string, fn func(domain.Board) (domain.Board, error)) (domain.Board, error) {
	for attempt := 0; ; attempt++ {
		cur, etag, err := s.repo.Load(ctx, boardID)
		if err != nil {
			return domain.Board{}, err
		}
		if cur.Archived {
			return domain.Board{}, fmt.Errorf("board %s is archived: %w", boardID, domain.ErrBoardNotFound)
		}
		next, err := fn(cur)
		if err != nil {
			return domain.Board{}, err
		}
		if reflect.DeepEqual(next, cur) {
			// no-op mutations are not written, versioned or announced
			return cur, nil
		}
		next.Version = cur.Version + 1
		err = s.repo.Replace(ctx, next, etag)
		if err == nil {
			s.publish(ctx, next)
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return domain.Board{}, err
		}
		if attempt >= s.retries {
			s.logger.WithFields(log.Fields{"board": boardID, "attempts": attempt + 1}).Error("giving up on contended board")
			return domain.Board{}, err
		}
		s.logger.WithFields(log.Fields{"board": boardID, "version": cur.Version}).Debug("concurrent board update, replaying")
	}
}

func (s *Store) publish(ctx context.Context, b domain.Board) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, b.ID, b.Version); err != nil {
		s.logger.WithError(err).WithField("board", b.ID).Warn("unable to publish board update")
	}
}
