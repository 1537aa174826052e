package api

import "kanban-engine/domain"

const (
	maxBodySize = 64 * 1024 // 64 KiB

	// HeaderIdempotencyKey identifies one drag gesture across retries.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses to a gesture that was already committed.
	HeaderReplayed = "Idempotent-Replayed"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeBoardNotFound = "board_not_found"
	CodeListNotFound  = "list_not_found"
	CodeCardNotFound  = "card_not_found"
	CodeForbidden     = "forbidden"
	CodeConflict      = "conflict"
	CodeDuplicateID   = "duplicate_id"
	CodeInvariant     = "invariant_violation"
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"

	// CodeGesturePending answers a replayed Idempotency-Key whose first
	// request has not finished committing. Clients retry with the same key.
	CodeGesturePending = "gesture_pending"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateBoardRequest is the body of POST /api/boards.
type CreateBoardRequest struct {
	Title      string `json:"title"`
	Background string `json:"background,omitempty"`
}

// SetMemberRequest is the body of PUT /api/boards/:boardID/members/:userID.
type SetMemberRequest struct {
	Role domain.Role `json:"role"`
}

// MoveListRequest is the body of POST /api/boards/:boardID/lists/:listID/move.
type MoveListRequest struct {
	Index int `json:"index"`
}

// MoveCardRequest is the body of POST /api/boards/:boardID/cards/:cardID/move.
type MoveCardRequest struct {
	ListID string `json:"listId"`
	Index  int    `json:"index"`
}
