package api

import (
	"context"

	"kanban-engine/domain"
)

// Storage abstracts board persistence for handlers.
type Storage interface {
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

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper makes sure a gesture is committed at most once.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Complete stores the board a gesture committed so replays can be answered with it.
	Complete(ctx context.Context, scope, key string, b domain.Board) error
	// Result returns the board stored by Complete. done is false while the
	// first request for the key is still committing.
	Result(ctx context.Context, scope, key string) (b domain.Board, done bool, err error)
	// Remove deletes a previously added key, used when the commit fails.
	Remove(ctx context.Context, scope, key string) error
}
