package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBoardNotFound = errors.New("board not found")
	ErrListNotFound  = errors.New("list not found")
	ErrCardNotFound  = errors.New("card not found")
)

// ErrForbidden is returned when a member lacks the role required for a change.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidMembership is returned for unknown roles or when a change would
// leave the board without an owner.
var ErrInvalidMembership = errors.New("invalid membership")

// ErrDuplicateID is returned when a new list or card reuses an id already on the board.
var ErrDuplicateID = errors.New("id already in use")

// ErrInvalidParent is returned when a card would reference itself, a missing
// card or one of its own descendants as parent.
var ErrInvalidParent = errors.New("invalid parent card")

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the board is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// InvariantError reports a mutation that would leave the board structurally
// inconsistent. It signals a logic bug; the mutation is aborted.
type InvariantError struct {
	BoardID string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("board %s invariant violated: %s", e.BoardID, e.Reason)
}

func invariantf(boardID, format string, args ...any) error {
	return &InvariantError{BoardID: boardID, Reason: fmt.Sprintf(format, args...)}
}

// IsStructural reports whether err means a referenced entity is missing from the
// snapshot. Such errors are not retried; the caller reloads the board.
func IsStructural(err error) bool {
	return errors.Is(err, ErrBoardNotFound) || errors.Is(err, ErrListNotFound) || errors.Is(err, ErrCardNotFound)
}
