package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kanban-engine/domain"
)

const (
	tracerName     = "kanban-engine/coordinator"
	commitSpanName = "coordinator.commit"

	// DefaultCommitTimeout bounds a single durable commit.
	DefaultCommitTimeout = 10 * time.Second
)

// ErrBusy is returned when a structural mutation is attempted while another
// commit for the same board is still in flight.
var ErrBusy = errors.New("a commit is already in flight for this board")

// ErrStale is returned when the store accepted a commit but the resulting board
// could not be obtained. Nothing is rolled back; call Reload before mutating again.
var ErrStale = errors.New("board committed but the local copy is stale")

// CommitError wraps a failed durable commit. The coordinator has already
// rolled back to the last confirmed board when it is returned.
type CommitError struct {
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Store is the durable side of a board. Implementations must apply each call
// atomically and return the persisted result.
type Store interface {
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
	CommitCreateList(ctx context.Context, boardID string, d domain.ListDraft) (domain.List, error)
	CommitCreateCard(ctx context.Context, boardID string, d domain.CardDraft) (domain.Card, error)
	CommitUpdateList(ctx context.Context, boardID, listID string, p domain.ListPatch) (domain.List, error)
	CommitUpdateCard(ctx context.Context, boardID, cardID string, p domain.CardPatch) (domain.Card, error)
	CommitDeleteList(ctx context.Context, boardID, listID string) error
	CommitDeleteCard(ctx context.Context, boardID, cardID string) error
	CommitMoveCard(ctx context.Context, boardID, cardID string, destIndex int, destListID string) (domain.Board, error)
	CommitMoveList(ctx context.Context, boardID, listID string, destIndex int) (domain.Board, error)
}

// Lock serialises commits for a board across processes. Acquire reports false
// when another holder owns the board.
type Lock interface {
	Acquire(ctx context.Context, boardID, token string) (bool, error)
	Release(ctx context.Context, boardID, token string) error
}

// Phase is the drag lifecycle state of a board.
type Phase int

const (
	Idle Phase = iota
	Dragging
	Committing
)

func (p Phase) String() string {
	switch p {
	case Dragging:
		return "dragging"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// DragUpdate is the hover feedback emitted while a card is dragged. Over is nil
// when the pointer is outside every list.
type DragUpdate struct {
	CardID string
	Over   *domain.Location
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLock makes commits also take a cross-process board lock.
func WithLock(l Lock) Option {
	return func(c *Coordinator) { c.lock = l }
}

// WithLogger sets the logger used for commit outcomes.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCommitTimeout overrides DefaultCommitTimeout.
func WithCommitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIDGenerator overrides the id source for new lists and cards.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Coordinator owns the client-side view of one board. It turns drop gestures
// into committed moves and allows at most one structural commit at a time.
type Coordinator struct {
	boardID string
	store   Store
	lock    Lock
	logger  *log.Logger
	timeout time.Duration
	newID   func() string

	mu         sync.Mutex
	loaded     bool
	confirmed  domain.Board
	tentative  *domain.Board
	committing bool
	// gen counts commits started, so a fetch that overlapped one is discarded.
	gen      uint64
	inFlight string
	dragging   string
	hover      *domain.Location
}

// New returns a coordinator for boardID. Call Load before issuing mutations.
func New(boardID string, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		boardID: boardID,
		store:   store,
		logger:  log.StandardLogger(),
		timeout: DefaultCommitTimeout,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BoardID returns the id of the board this coordinator manages.
func (c *Coordinator) BoardID() string { return c.boardID }

// Load fetches the board from the store and makes it the confirmed snapshot.
// A fetch that raced a commit, or that is older than the confirmed board, is
// dropped and the confirmed board is returned instead.
func (c *Coordinator) Load(ctx context.Context) (domain.Board, error) {
	c.mu.Lock()
	if c.committing {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	gen := c.gen
	c.mu.Unlock()

	b, err := c.store.FetchBoard(ctx, c.boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if err := domain.Validate(b); err != nil {
		return domain.Board{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committing {
		// a commit started while fetching; its result wins
		return c.snapshotLocked(), ErrBusy
	}
	if c.loaded && (c.gen != gen || b.Version < c.confirmed.Version) {
		c.logger.WithFields(log.Fields{
			"board":     c.boardID,
			"fetched":   b.Version,
			"confirmed": c.confirmed.Version,
		}).Debug("discarding stale fetch")
		return c.confirmed.Clone(), nil
	}
	c.confirmed = b
	c.loaded = true
	return b.Clone(), nil
}

// Reload is Load under another name, for callers recovering from a structural error.
func (c *Coordinator) Reload(ctx context.Context) (domain.Board, error) {
	return c.Load(ctx)
}

// Confirmed returns the last board acknowledged by the store.
func (c *Coordinator) Confirmed() domain.Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed.Clone()
}

// Tentative returns the optimistic board while a commit is in flight.
func (c *Coordinator) Tentative() (domain.Board, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tentative == nil {
		return domain.Board{}, false
	}
	return c.tentative.Clone(), true
}

// Snapshot returns the board the UI should render right now.
func (c *Coordinator) Snapshot() domain.Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Phase reports the drag lifecycle state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.committing:
		return Committing
	case c.dragging != "":
		return Dragging
	default:
		return Idle
	}
}

// InFlight returns the id of the entity whose commit is pending.
func (c *Coordinator) InFlight() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight, c.committing
}

// Hover returns the last location reported by OnDragUpdate.
func (c *Coordinator) Hover() (domain.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hover == nil {
		return domain.Location{}, false
	}
	return *c.hover, true
}

// OnDragStart records the card being dragged. It never touches board state.
func (c *Coordinator) OnDragStart(cardID string) {
	c.mu.Lock()
	c.dragging = cardID
	c.hover = nil
	c.mu.Unlock()
	c.logger.WithFields(log.Fields{"board": c.boardID, "card": cardID}).Debug("drag started")
}

// OnDragUpdate records hover feedback. It is advisory only.
func (c *Coordinator) OnDragUpdate(u DragUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Over == nil {
		c.hover = nil
		return
	}
	loc := *u.Over
	c.hover = &loc
}

// OnDragEnd handles a drop. It returns the board the UI must render: the
// store's board after a successful commit, the confirmed board after a
// rollback, otherwise the current snapshot.
// A nil intent, a nil destination or a drop onto the source slot does nothing.
func (c *Coordinator) OnDragEnd(ctx context.Context, intent *domain.MoveIntent) (domain.Board, error) {
	c.mu.Lock()
	c.dragging = ""
	c.hover = nil
	if intent == nil || intent.Destination == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	dest := *intent.Destination
	if dest == intent.Source {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	if !c.committing && c.loaded && domain.IsNoopMove(c.confirmed, intent.CardID, dest.ListID, dest.Index) {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	return c.apply(ctx, "move_card", intent.CardID,
		func(b domain.Board) (domain.Board, error) {
			return domain.MoveCard(b, intent.CardID, dest.ListID, dest.Index)
		},
		func(ctx context.Context, _ domain.Board) (domain.Board, error) {
			return c.store.CommitMoveCard(ctx, c.boardID, intent.CardID, dest.Index, dest.ListID)
		})
}

// MoveList reorders a list.
func (c *Coordinator) MoveList(ctx context.Context, listID string, destIndex int) (domain.Board, error) {
	return c.apply(ctx, "move_list", listID,
		func(b domain.Board) (domain.Board, error) {
			return domain.MoveList(b, listID, destIndex)
		},
		func(ctx context.Context, _ domain.Board) (domain.Board, error) {
			return c.store.CommitMoveList(ctx, c.boardID, listID, destIndex)
		})
}

// CreateList appends a new list to the board.
func (c *Coordinator) CreateList(ctx context.Context, title, color string) (domain.Board, error) {
	d := domain.ListDraft{ID: c.newID(), Title: title, Color: color}
	return c.apply(ctx, "create_list", d.ID,
		func(b domain.Board) (domain.Board, error) {
			return domain.CreateList(b, d.ID, d.Title, d.Color)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			l, err := c.store.CommitCreateList(ctx, c.boardID, d)
			if err != nil {
				return domain.Board{}, err
			}
			return mergeList(tentative, l)
		})
}

// CreateCard appends a new card to d.ListID. An empty d.ID is filled in.
func (c *Coordinator) CreateCard(ctx context.Context, d domain.CardDraft) (domain.Board, error) {
	if d.ID == "" {
		d.ID = c.newID()
	}
	return c.apply(ctx, "create_card", d.ID,
		func(b domain.Board) (domain.Board, error) {
			return domain.CreateCard(b, d)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			card, err := c.store.CommitCreateCard(ctx, c.boardID, d)
			if err != nil {
				return domain.Board{}, err
			}
			return mergeCard(tentative, card)
		})
}

// UpdateList patches list fields.
func (c *Coordinator) UpdateList(ctx context.Context, listID string, p domain.ListPatch) (domain.Board, error) {
	return c.apply(ctx, "update_list", listID,
		func(b domain.Board) (domain.Board, error) {
			return domain.UpdateList(b, listID, p)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			l, err := c.store.CommitUpdateList(ctx, c.boardID, listID, p)
			if err != nil {
				return domain.Board{}, err
			}
			return mergeList(tentative, l)
		})
}

// UpdateCard patches card fields.
func (c *Coordinator) UpdateCard(ctx context.Context, cardID string, p domain.CardPatch) (domain.Board, error) {
	return c.apply(ctx, "update_card", cardID,
		func(b domain.Board) (domain.Board, error) {
			return domain.UpdateCard(b, cardID, p)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			card, err := c.store.CommitUpdateCard(ctx, c.boardID, cardID, p)
			if err != nil {
				return domain.Board{}, err
			}
			return mergeCard(tentative, card)
		})
}

// DeleteList archives a list and its cards.
func (c *Coordinator) DeleteList(ctx context.Context, listID string) (domain.Board, error) {
	return c.apply(ctx, "delete_list", listID,
		func(b domain.Board) (domain.Board, error) {
			return domain.DeleteList(b, listID)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			if err := c.store.CommitDeleteList(ctx, c.boardID, listID); err != nil {
				return domain.Board{}, err
			}
			return tentative, nil
		})
}

// DeleteCard archives a card.
func (c *Coordinator) DeleteCard(ctx context.Context, cardID string) (domain.Board, error) {
	return c.apply(ctx, "delete_card", cardID,
		func(b domain.Board) (domain.Board, error) {
			return domain.DeleteCard(b, cardID)
		},
		func(ctx context.Context, tentative domain.Board) (domain.Board, error) {
			if err := c.store.CommitDeleteCard(ctx, c.boardID, cardID); err != nil {
				return domain.Board{}, err
			}
			return tentative, nil
		})
}

// apply runs one structural mutation through the single-flight guard: compute
// the tentative board locally, commit it, then adopt the store's result or roll
// back to the confirmed board.
func (c *Coordinator) apply(
	ctx context.Context,
	op, subject string,
	local func(domain.Board) (domain.Board, error),
	remote func(context.Context, domain.Board) (domain.Board, error),
) (domain.Board, error) {
	c.mu.Lock()
	if c.committing {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	if !c.loaded {
		c.mu.Unlock()
		return domain.Board{}, fmt.Errorf("board %s not loaded: %w", c.boardID, domain.ErrBoardNotFound)
	}
	next, err := local(c.confirmed)
	if err != nil {
		prev := c.confirmed.Clone()
		c.mu.Unlock()
		return prev, err
	}
	c.committing = true
	c.gen++
	c.inFlight = subject
	c.tentative = &next
	c.mu.Unlock()

	fields := log.Fields{"board": c.boardID, "op": op, "subject": subject}

	release, err := c.acquire(ctx)
	if err != nil {
		return c.rollback(fields, err)
	}
	defer release()

	ctx, span := otel.Tracer(tracerName).Start(ctx, commitSpanName, trace.WithAttributes(
		attribute.String("board.id", c.boardID),
		attribute.String("commit.op", op),
		attribute.String("commit.subject", subject),
	))
	defer span.End()

	commitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()
	confirmed, err := remote(commitCtx, next)
	cancel()
	var drift *driftError
	if err != nil && !errors.As(err, &drift) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.rollback(fields, &CommitError{Op: op, Err: err})
	}
	if err == nil {
		err = c.checkConfirmed(confirmed)
	}
	if err != nil {
		// the store accepted the write, so reread it rather than roll back
		confirmed, err = c.resync(ctx, fields, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return c.stale(fields, err)
		}
	}
	span.SetStatus(codes.Ok, "")

	c.mu.Lock()
	c.confirmed = confirmed
	c.tentative = nil
	c.committing = false
	c.inFlight = ""
	c.mu.Unlock()

	fields["version"] = confirmed.Version
	fields["commit_ms"] = float64(time.Since(start)) / float64(time.Millisecond)
	c.logger.WithFields(fields).Debug("commit confirmed")
	return confirmed.Clone(), nil
}

func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if c.lock == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := c.lock.Acquire(ctx, c.boardID, token)
	if err != nil {
		return nil, &CommitError{Op: "lock", Err: err}
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.lock.Release(releaseCtx, c.boardID, token); err != nil {
			c.logger.WithError(err).WithField("board", c.boardID).Warn("failed to release board lock")
		}
	}, nil
}

func (c *Coordinator) rollback(fields log.Fields, err error) (domain.Board, error) {
	c.mu.Lock()
	c.tentative = nil
	c.committing = false
	c.inFlight = ""
	prev := c.confirmed.Clone()
	c.mu.Unlock()

	entry := c.logger.WithFields(fields).WithError(err)
	if errors.Is(err, ErrBusy) {
		entry.Info("board locked by another writer")
	} else {
		entry.Warn("commit failed, rolled back")
	}
	return prev, err
}

func (c *Coordinator) resync(ctx context.Context, fields log.Fields, cause error) (domain.Board, error) {
	c.logger.WithFields(fields).WithError(cause).Info("committed board diverged, refetching")
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	b, err := c.store.FetchBoard(fetchCtx, c.boardID)
	if err == nil {
		err = c.checkConfirmed(b)
	}
	if err != nil {
		return domain.Board{}, fmt.Errorf("%w: %w", ErrStale, errors.Join(cause, err))
	}
	return b, nil
}

// stale clears the commit without restoring anything and forces a Reload.
func (c *Coordinator) stale(fields log.Fields, err error) (domain.Board, error) {
	c.mu.Lock()
	c.tentative = nil
	c.committing = false
	c.inFlight = ""
	c.loaded = false
	prev := c.confirmed.Clone()
	c.mu.Unlock()

	c.logger.WithFields(fields).WithError(err).Error("commit accepted but board could not be refreshed")
	return prev, err
}

func (c *Coordinator) checkConfirmed(b domain.Board) error {
	if b.ID != c.boardID {
		return fmt.Errorf("store returned board %q for %q", b.ID, c.boardID)
	}
	return domain.Validate(b)
}

func (c *Coordinator) snapshotLocked() domain.Board {
	if c.tentative != nil {
		return c.tentative.Clone()
	}
	return c.confirmed.Clone()
}
