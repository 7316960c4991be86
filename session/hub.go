// Package session runs one serial actor per board. Every mutation of a board
// is planned, persisted and broadcast by that board's actor, so concurrent
// requests from many connections are applied in a single total order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"board-sync/domain"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Authorizer decides whether a user may read and mutate a board.
type Authorizer interface {
	CanMutate(ctx context.Context, userID, boardID string) (bool, error)
}

// Locator resolves the board that owns a list or card id.
type Locator interface {
	LocateBoard(ctx context.Context, entityID string) (string, error)
}

// Directory lists the boards a user can access.
type Directory interface {
	ListBoards(ctx context.Context, userID string) ([]domain.Board, error)
}

// Options tune a Hub. Zero values fall back to defaults.
type Options struct {
	QueueSize   int
	IdleTimeout time.Duration
	SaveTimeout time.Duration
	Authorizer  Authorizer
	Locator     Locator
	Directory   Directory
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

const (
	defaultQueueSize   = 256
	defaultIdleTimeout = 10 * time.Minute
	defaultSaveTimeout = 10 * time.Second

	staleRetryMin = 10 * time.Millisecond
	staleRetryMax = 500 * time.Millisecond
)

// ErrClosed is returned once the hub has been shut down.
var ErrClosed = fmt.Errorf("%w: board hub closed", domain.ErrUnavailable)

// Hub owns the live board sessions. Sessions are started on first use and
// stopped after being idle.
type Hub struct {
	store Store
	out   Broadcaster
	opts  Options
	log   *log.Logger

	loads singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	retired  map[string]uint64
	closed   bool
}

// NewHub builds a hub that persists through store and emits deltas to out.
func NewHub(store Store, out Broadcaster, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		store:    store,
		out:      out,
		opts:     opts,
		log:      logger,
		sessions: make(map[string]*session),
		retired:  make(map[string]uint64),
	}
}

// CreateBoard stores a new board owned by userID. No delta is emitted; the
// board's sequence starts at 0.
func (h *Hub) CreateBoard(ctx context.Context, userID, title string) (domain.Board, error) {
	if err := domain.ValidateBoardTitle(title); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{
		ID:        h.opts.NewID(),
		Title:     title,
		OwnerID:   userID,
		MemberIDs: []string{userID},
		CreatedAt: h.opts.Now().UTC(),
	}
	if err := h.store.CreateBoard(ctx, b); err != nil {
		return domain.Board{}, unavailable(err)
	}
	return b, nil
}

// ListBoards returns the boards userID owns or is a member of.
func (h *Hub) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	if h.opts.Directory == nil {
		return nil, fmt.Errorf("%w: board listing is not configured", domain.ErrUnavailable)
	}
	boards, err := h.opts.Directory.ListBoards(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return boards, nil
}

// Authorize checks that userID may access boardID.
func (h *Hub) Authorize(ctx context.Context, userID, boardID string) error {
	if boardID == "" {
		return fmt.Errorf("%w: board id is required", domain.ErrInvalid)
	}
	if h.opts.Authorizer == nil {
		return nil
	}
	ok, err := h.opts.Authorizer.CanMutate(ctx, userID, boardID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
		}
		return unavailable(err)
	}
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrForbidden)
	}
	return nil
}

// BoardOf returns the id of the board owning a list or card.
func (h *Hub) BoardOf(ctx context.Context, entityID string) (string, error) {
	if h.opts.Locator == nil {
		return "", fmt.Errorf("%w: board id is required", domain.ErrInvalid)
	}
	boardID, err := h.opts.Locator.LocateBoard(ctx, entityID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", unavailable(err)
	}
	return boardID, nil
}

// Snapshot returns the board with lists and cards in position order.
func (h *Hub) Snapshot(ctx context.Context, userID, boardID string) (domain.BoardView, error) {
	resp, err := h.do(ctx, userID, boardID, func(s *session) response { return s.snapshot() })
	if err != nil {
		return domain.BoardView{}, err
	}
	return resp.view, nil
}

// CreateList appends a list to the board.
func (h *Hub) CreateList(ctx context.Context, o domain.Origin, boardID, title string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.createList(o, title) })
}

// CreateCard appends a card to a list.
func (h *Hub) CreateCard(ctx context.Context, o domain.Origin, boardID, listID, title string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.createCard(o, listID, title) })
}

// MoveCard places a card between the given neighbors of the target list.
// Stale neighbor hints are resolved against the current order.
func (h *Hub) MoveCard(ctx context.Context, o domain.Origin, boardID, cardID, targetListID, predID, succID string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response {
		return s.moveCard(o, cardID, targetListID, predID, succID)
	})
}

// MoveList places a list between the given neighbors.
func (h *Hub) MoveList(ctx context.Context, o domain.Origin, boardID, listID, predID, succID string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.moveList(o, listID, predID, succID) })
}

// RenameList changes the title of a list.
func (h *Hub) RenameList(ctx context.Context, o domain.Origin, boardID, listID, title string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.renameList(o, listID, title) })
}

// DeleteList removes a list together with its cards.
func (h *Hub) DeleteList(ctx context.Context, o domain.Origin, boardID, listID string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.deleteList(o, listID) })
}

// UpdateCard changes card content without moving the card.
func (h *Hub) UpdateCard(ctx context.Context, o domain.Origin, boardID, cardID string, upd domain.CardUpdate) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.updateCard(o, cardID, upd) })
}

// AddComment appends a comment by the caller to a card. It is emitted as a
// card update.
func (h *Hub) AddComment(ctx context.Context, o domain.Origin, boardID, cardID, text string, mentions []string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.addComment(o, cardID, text, mentions) })
}

// DeleteCard removes a card from its list.
func (h *Hub) DeleteCard(ctx context.Context, o domain.Origin, boardID, cardID string) (domain.Delta, error) {
	return h.mutate(ctx, o, boardID, func(s *session) response { return s.deleteCard(o, cardID) })
}

func (h *Hub) mutate(ctx context.Context, o domain.Origin, boardID string, op func(*session) response) (domain.Delta, error) {
	resp, err := h.do(ctx, o.UserID, boardID, op)
	if err != nil {
		return domain.Delta{}, err
	}
	return resp.delta, nil
}

// do authorizes the caller and runs op on the board's session. ctx bounds
// the wait for a queue slot; once queued the op runs to completion.
func (h *Hub) do(ctx context.Context, userID, boardID string, op func(*session) response) (response, error) {
	if err := h.Authorize(ctx, userID, boardID); err != nil {
		return response{}, err
	}
	s, err := h.acquire(ctx, boardID)
	if err != nil {
		return response{}, err
	}

	req := request{op: op, reply: make(chan response, 1)}
	select {
	case s.reqs <- req:
	case <-s.done:
		s.pending.Add(-1)
		return response{}, ErrClosed
	case <-ctx.Done():
		s.pending.Add(-1)
		return response{}, ctx.Err()
	}

	resp := <-req.reply
	return resp, resp.err
}

// acquire returns the live session of boardID, loading it if needed, with
// its pending count already raised for the caller.
func (h *Hub) acquire(ctx context.Context, boardID string) (*session, error) {
	backoff := staleRetryMin
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if s, ok := h.sessions[boardID]; ok {
			s.pending.Add(1)
			h.mu.Unlock()
			return s, nil
		}
		h.mu.Unlock()

		v, err, _ := h.loads.Do(boardID, func() (any, error) {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.SaveTimeout)
			defer cancel()
			return h.store.Load(lctx, boardID)
		})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
			}
			return nil, unavailable(err)
		}
		snap := v.(domain.Snapshot)

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if s, ok := h.sessions[boardID]; ok {
			s.pending.Add(1)
			h.mu.Unlock()
			return s, nil
		}
		if want := h.retired[boardID]; snap.Board.LastSequence < want {
			// loaded before a retired session's last save
			h.mu.Unlock()
			h.log.WithFields(log.Fields{
				"board":    boardID,
				"loaded":   snap.Board.LastSequence,
				"expected": want,
			}).Warn("stale board snapshot, reloading")
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("%w: board %s: stale snapshot: %v", domain.ErrUnavailable, boardID, ctx.Err())
			case <-t.C:
			}
			backoff = min(backoff*2, staleRetryMax)
			continue
		}
		s := h.start(snap)
		s.pending.Add(1)
		h.mu.Unlock()
		return s, nil
	}
}

// start registers and runs a session. h.mu must be held.
func (h *Hub) start(snap domain.Snapshot) *session {
	boardID := snap.Board.ID
	logger := h.log.WithField("board", boardID)
	s := &session{
		boardID:     boardID,
		store:       h.store,
		view:        newView(snap),
		log:         newMutationLog(boardID, snap.Board.LastSequence, h.out, h.opts.Now),
		reqs:        make(chan request, h.opts.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		idleTimeout: h.opts.IdleTimeout,
		saveTimeout: h.opts.SaveTimeout,
		retire:      h.retire,
		newID:       h.opts.NewID,
		now:         h.opts.Now,
		logger:      logger,
	}
	h.sessions[boardID] = s
	go s.run()
	logger.WithField("sequence", snap.Board.LastSequence).Debug("board session started")
	return s
}

// retire removes an idle session unless a request is on its way.
func (h *Hub) retire(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.pending.Load() > 0 {
		return false
	}
	if h.sessions[s.boardID] == s {
		delete(h.sessions, s.boardID)
	}
	h.retired[s.boardID] = s.log.last
	return true
}

// Sessions reports how many boards have a live session.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops accepting requests and waits for every session to drain its
// queue, or for ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.sessions = map[string]*session{}
	h.mu.Unlock()

	for _, s := range live {
		close(s.stop)
	}
	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.log.Infof("board hub closed, sessions: %d", len(live))
	return nil
}
