package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-engine/domain"
)

const (
	ctxUserID  = "userID"
	ctxMetrics = "metrics"
	ctxError   = "error"
)

var errGesturePending = errors.New("gesture is still being committed")

type handlers struct {
	store   Storage
	deduper Deduper
	logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{store: store, deduper: deduper, logger: logger}

	e.GET("/healthz", healthz)

	g := e.Group("/api", observe(logger), authenticate(auth))
	g.POST("/boards", h.createBoard)
	g.GET("/boards/:boardID", h.getBoard)
	g.DELETE("/boards/:boardID", h.archiveBoard)
	g.PUT("/boards/:boardID/members/:userID", h.setMember)

	g.POST("/boards/:boardID/lists", h.createList)
	g.PATCH("/boards/:boardID/lists/:listID", h.updateList)
	g.DELETE("/boards/:boardID/lists/:listID", h.deleteList)
	g.POST("/boards/:boardID/lists/:listID/move", h.moveList)

	g.POST("/boards/:boardID/cards", h.createCard)
	g.PATCH("/boards/:boardID/cards/:cardID", h.updateCard)
	g.DELETE("/boards/:boardID/cards/:cardID", h.deleteCard)
	g.POST("/boards/:boardID/cards/:cardID/move", h.moveCard)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// observe records one metrics entry and one span per request. Handlers report
// failures through fail so the outcome is known here.
func observe(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m, ctx := newRequestMetrics(c.Request().Context(), logger, c.Request().Method, c.Path())
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(ctxMetrics, m)

			err := next(c)
			logged := err
			if recorded, ok := c.Get(ctxError).(error); ok && logged == nil {
				logged = recorded
			}
			status := c.Response().Status
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			}
			m.Log(status, logged)
			return err
		}
	}
}

func authenticate(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			metricsFrom(c).ObserveAuth(time.Since(start))
			if err != nil {
				return fail(c, http.StatusUnauthorized, CodeUnauthorized, "auth", err)
			}
			c.Set(ctxUserID, userID)
			return next(c)
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	if m, ok := c.Get(ctxMetrics).(*requestMetrics); ok {
		return m
	}
	return &requestMetrics{}
}

func userFrom(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func (h *handlers) createBoard(c echo.Context) error {
	var req CreateBoardRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return badRequest(c, errors.New("title is required"))
	}
	b, err := timed(c, func() (domain.Board, error) {
		return h.store.CreateBoard(c.Request().Context(), req.Title, req.Background, userFrom(c))
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	metricsFrom(c).SetBoard(b.ID)
	return c.JSON(http.StatusCreated, b)
}

func (h *handlers) getBoard(c echo.Context) error {
	b, err := h.board(c, domain.Authorize)
	if err != nil {
		return writeError(c, "load", err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *handlers) archiveBoard(c echo.Context) error {
	b, err := h.board(c, domain.AuthorizeManage)
	if err != nil {
		return writeError(c, "load", err)
	}
	archived, err := timed(c, func() (domain.Board, error) {
		return h.store.ArchiveBoard(c.Request().Context(), b.ID)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusOK, archived)
}

func (h *handlers) setMember(c echo.Context) error {
	var req SetMemberRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	b, err := h.board(c, domain.AuthorizeManage)
	if err != nil {
		return writeError(c, "load", err)
	}
	updated, err := timed(c, func() (domain.Board, error) {
		return h.store.SetMember(c.Request().Context(), b.ID, c.Param("userID"), req.Role)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *handlers) createList(c echo.Context) error {
	var d domain.ListDraft
	if err := decode(c, &d); err != nil {
		return badRequest(c, err)
	}
	if strings.TrimSpace(d.Title) == "" {
		return badRequest(c, errors.New("title is required"))
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	l, err := timed(c, func() (domain.List, error) {
		return h.store.CommitCreateList(c.Request().Context(), b.ID, d)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *handlers) updateList(c echo.Context) error {
	var p domain.ListPatch
	if err := decode(c, &p); err != nil {
		return badRequest(c, err)
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	l, err := timed(c, func() (domain.List, error) {
		return h.store.CommitUpdateList(c.Request().Context(), b.ID, c.Param("listID"), p)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *handlers) deleteList(c echo.Context) error {
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	_, err = timed(c, func() (struct{}, error) {
		return struct{}{}, h.store.CommitDeleteList(c.Request().Context(), b.ID, c.Param("listID"))
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveList(c echo.Context) error {
	var req MoveListRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	return h.once(c, b, func() (domain.Board, error) {
		return h.store.CommitMoveList(c.Request().Context(), b.ID, c.Param("listID"), req.Index)
	})
}

func (h *handlers) createCard(c echo.Context) error {
	var d domain.CardDraft
	if err := decode(c, &d); err != nil {
		return badRequest(c, err)
	}
	if strings.TrimSpace(d.Title) == "" || d.ListID == "" {
		return badRequest(c, errors.New("title and listId are required"))
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	card, err := timed(c, func() (domain.Card, error) {
		return h.store.CommitCreateCard(c.Request().Context(), b.ID, d)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusCreated, card)
}

func (h *handlers) updateCard(c echo.Context) error {
	var p domain.CardPatch
	if err := decode(c, &p); err != nil {
		return badRequest(c, err)
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	card, err := timed(c, func() (domain.Card, error) {
		return h.store.CommitUpdateCard(c.Request().Context(), b.ID, c.Param("cardID"), p)
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.JSON(http.StatusOK, card)
}

func (h *handlers) deleteCard(c echo.Context) error {
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	_, err = timed(c, func() (struct{}, error) {
		return struct{}{}, h.store.CommitDeleteCard(c.Request().Context(), b.ID, c.Param("cardID"))
	})
	if err != nil {
		return writeError(c, "store", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveCard(c echo.Context) error {
	var req MoveCardRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	if req.ListID == "" {
		return badRequest(c, errors.New("listId is required"))
	}
	b, err := h.board(c, domain.AuthorizeEdit)
	if err != nil {
		return writeError(c, "load", err)
	}
	return h.once(c, b, func() (domain.Board, error) {
		return h.store.CommitMoveCard(c.Request().Context(), b.ID, c.Param("cardID"), req.Index, req.ListID)
	})
}

// once commits a gesture at most once per Idempotency-Key. A replayed key is
// answered with the board its first request committed, or with 409
// gesture_pending while that request is still running.
func (h *handlers) once(c echo.Context, current domain.Board, commit func() (domain.Board, error)) error {
	ctx := c.Request().Context()
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if key == "" || h.deduper == nil {
		b, err := timed(c, commit)
		if err != nil {
			return writeError(c, "store", err)
		}
		return c.JSON(http.StatusOK, b)
	}

	added, err := h.deduper.Add(ctx, current.ID, key)
	if err != nil {
		return fail(c, http.StatusServiceUnavailable, CodeInternal, "idempotency", err)
	}
	if !added {
		metricsFrom(c).SetReplayed()
		prior, done, err := h.deduper.Result(ctx, current.ID, key)
		if err != nil {
			return fail(c, http.StatusServiceUnavailable, CodeInternal, "idempotency", err)
		}
		if !done {
			return fail(c, http.StatusConflict, CodeGesturePending, "idempotency", errGesturePending)
		}
		c.Response().Header().Set(HeaderReplayed, "true")
		return c.JSON(http.StatusOK, prior)
	}

	b, err := timed(c, commit)
	if err != nil {
		if rerr := h.deduper.Remove(ctx, current.ID, key); rerr != nil {
			h.logger.WithError(rerr).WithField("board", current.ID).Warn("failed to release idempotency key")
		}
		return writeError(c, "store", err)
	}
	if cerr := h.deduper.Complete(ctx, current.ID, key, b); cerr != nil {
		h.logger.WithError(cerr).WithField("board", current.ID).Warn("failed to record gesture result")
	}
	return c.JSON(http.StatusOK, b)
}

// board loads the board named in the path and runs the access check for the caller.
func (h *handlers) board(c echo.Context, check func(domain.Board, string) error) (domain.Board, error) {
	boardID := c.Param("boardID")
	metricsFrom(c).SetBoard(boardID)
	b, err := timed(c, func() (domain.Board, error) {
		return h.store.FetchBoard(c.Request().Context(), boardID)
	})
	if err != nil {
		return domain.Board{}, err
	}
	if b.Archived {
		return domain.Board{}, domain.ErrBoardNotFound
	}
	if err := check(b, userFrom(c)); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func timed[T any](c echo.Context, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metricsFrom(c).ObserveStore(time.Since(start))
	return v, err
}

func decode(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(c echo.Context, err error) error {
	return fail(c, http.StatusBadRequest, CodeBadRequest, "decode", err)
}

func writeError(c echo.Context, stage string, err error) error {
	var invariant *domain.InvariantError
	switch {
	case errors.Is(err, domain.ErrCardNotFound):
		return fail(c, http.StatusNotFound, CodeCardNotFound, stage, err)
	case errors.Is(err, domain.ErrListNotFound):
		return fail(c, http.StatusNotFound, CodeListNotFound, stage, err)
	case errors.Is(err, domain.ErrBoardNotFound):
		return fail(c, http.StatusNotFound, CodeBoardNotFound, stage, err)
	case errors.Is(err, domain.ErrForbidden):
		return fail(c, http.StatusForbidden, CodeForbidden, stage, err)
	case errors.Is(err, domain.ErrInvalidMembership), errors.Is(err, domain.ErrInvalidParent):
		return fail(c, http.StatusBadRequest, CodeBadRequest, stage, err)
	case errors.Is(err, domain.ErrDuplicateID):
		return fail(c, http.StatusConflict, CodeDuplicateID, stage, err)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return fail(c, http.StatusConflict, CodeConflict, stage, err)
	case errors.As(err, &invariant):
		return fail(c, http.StatusInternalServerError, CodeInvariant, stage, err)
	default:
		return fail(c, http.StatusInternalServerError, CodeInternal, stage, err)
	}
}

func fail(c echo.Context, status int, code, stage string, err error) error {
	metricsFrom(c).SetErrorStage(stage)
	c.Set(ctxError, err)
	msg := err.Error()
	if status == http.StatusInternalServerError && code == CodeInternal {
		msg = http.StatusText(status)
	}
	return c.JSON(status, ErrorResponse{Error: msg, Code: code})
}
