// Package client talks to the board API over HTTP. A Client can back a
// coordinator running in a UI process.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"kanban-engine/api"
	"kanban-engine/domain"
)

// Client is a thin HTTP client for the board API. Move requests carry an
// Idempotency-Key and are retried with the same key on transport errors.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	newKey     func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetries sets how many times an idempotent move is resent after a
// transport failure.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
		c.backoff = backoff
	}
}

// NewClient creates a client for the API rooted at baseURL, authenticating
// with the given bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
		newKey:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to the matching domain error so
// callers can classify it with errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeBoardNotFound:
		return domain.ErrBoardNotFound
	case api.CodeListNotFound:
		return domain.ErrListNotFound
	case api.CodeCardNotFound:
		return domain.ErrCardNotFound
	case api.CodeForbidden:
		return domain.ErrForbidden
	case api.CodeConflict:
		return domain.ErrConcurrencyConflict
	case api.CodeDuplicateID:
		return domain.ErrDuplicateID
	}
	return nil
}

func (c *Client) CreateBoard(ctx context.Context, title, background string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodPost, "/api/boards", api.CreateBoardRequest{Title: title, Background: background}, &b, "")
	return b, err
}

func (c *Client) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodGet, boardPath(boardID), nil, &b, "")
	return b, err
}

func (c *Client) ArchiveBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodDelete, boardPath(boardID), nil, &b, "")
	return b, err
}

func (c *Client) SetMember(ctx context.Context, boardID, userID string, role domain.Role) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodPut, boardPath(boardID, "members", userID), api.SetMemberRequest{Role: role}, &b, "")
	return b, err
}

func (c *Client) CommitCreateList(ctx context.Context, boardID string, d domain.ListDraft) (domain.List, error) {
	var l domain.List
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "lists"), d, &l, "")
	return l, err
}

func (c *Client) CommitCreateCard(ctx context.Context, boardID string, d domain.CardDraft) (domain.Card, error) {
	var card domain.Card
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "cards"), d, &card, "")
	return card, err
}

func (c *Client) CommitUpdateList(ctx context.Context, boardID, listID string, p domain.ListPatch) (domain.List, error) {
	var l domain.List
	err := c.do(ctx, http.MethodPatch, boardPath(boardID, "lists", listID), p, &l, "")
	return l, err
}

func (c *Client) CommitUpdateCard(ctx context.Context, boardID, cardID string, p domain.CardPatch) (domain.Card, error) {
	var card domain.Card
	err := c.do(ctx, http.MethodPatch, boardPath(boardID, "cards", cardID), p, &card, "")
	return card, err
}

func (c *Client) CommitDeleteList(ctx context.Context, boardID, listID string) error {
	return c.do(ctx, http.MethodDelete, boardPath(boardID, "lists", listID), nil, nil, "")
}

func (c *Client) CommitDeleteCard(ctx context.Context, boardID, cardID string) error {
	return c.do(ctx, http.MethodDelete, boardPath(boardID, "cards", cardID), nil, nil, "")
}

func (c *Client) CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error) {
	var b domain.Board
	req := api.MoveCardRequest{ListID: destListID, Index: destIndex}
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "cards", cardID, "move"), req, &b, c.newKey())
	return b, err
}

func (c *Client) CommitMoveList(ctx context.Context, boardID, listID string, destIndex int) (domain.Board, error) {
	var b domain.Board
	req := api.MoveListRequest{Index: destIndex}
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "lists", listID, "move"), req, &b, c.newKey())
	return b, err
}

func boardPath(boardID string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString("/api/boards/")
	sb.WriteString(url.PathEscape(boardID))
	for _, p := range parts {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(p))
	}
	return sb.String()
}

// do sends one request and decodes the JSON response into result. A request
// with an idempotency key is resent on transport errors and while the server
// reports the gesture as pending; a resend of an already committed gesture is
// answered with the board it committed.
func (c *Client) do(ctx context.Context, method, path string, body, result any, idempotencyKey string) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = sonic.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempts := 1
	if idempotencyKey != "" {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idempotencyKey != "" {
			req.Header.Set(api.HeaderIdempotencyKey, idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			continue
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body: %w", readErr)
			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := decodeError(resp.StatusCode, payload)
			if idempotencyKey != "" && apiErr.Code == api.CodeGesturePending {
				// the first send is still committing; ask again for its result
				lastErr = apiErr
				continue
			}
			return apiErr
		}
		if result == nil || len(payload) == 0 {
			return nil
		}
		if err := sonic.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return lastErr
}

func decodeError(status int, payload []byte) *APIError {
	var body api.ErrorResponse
	if err := sonic.Unmarshal(payload, &body); err != nil || body.Code == "" {
		return &APIError{Status: status, Code: api.CodeInternal, Message: strings.TrimSpace(string(payload))}
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Error}
}

// IsAPIError reports whether err carries a response from the server.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
