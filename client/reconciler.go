// Package client keeps a board in sync on the client side. Local edits are
// shown at once and reconciled against the authoritative delta stream.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/position"
)

// PendingPrefix marks ids of entities created locally and not yet confirmed.
const PendingPrefix = "pending:"

var (
	// ErrGap is returned by Apply when deltas were missed. The caller must
	// fetch a fresh snapshot and Reset.
	ErrGap = errors.New("delta sequence gap")
	// ErrUnknown is returned when an edit names an entity the board lacks.
	ErrUnknown = errors.New("unknown entity")
)

// op is one local edit waiting for its delta. apply recomputes the edit
// against whatever state it is replayed on.
type op struct {
	key   string
	apply func(*state)
}

// Reconciler holds the last confirmed board and the pending local edits.
// View returns the confirmed board with the pending edits replayed on top.
type Reconciler struct {
	log    *log.Entry
	newKey func() string

	mu        sync.Mutex
	confirmed *state
	pending   []op
	current   *state
}

// NewReconciler starts from a snapshot of the board.
func NewReconciler(snapshot domain.BoardView, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Reconciler{
		log:    logger.WithField("board", snapshot.Board.ID),
		newKey: uuid.NewString,
	}
	r.Reset(snapshot)
	return r
}

// Reset replaces the confirmed board and drops every pending edit.
func (r *Reconciler) Reset(snapshot domain.BoardView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pending); n > 0 {
		r.log.WithField("pending", n).Info("discarding pending edits on reset")
	}
	r.confirmed = newState(snapshot)
	r.pending = nil
	r.current = r.confirmed.clone()
}

// BoardID returns the id of the reconciled board.
func (r *Reconciler) BoardID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.board.ID
}

// Sequence returns the sequence number of the last applied delta.
func (r *Reconciler) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.board.LastSequence
}

// Pending returns the number of edits not yet confirmed.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// View returns the board as the user should see it.
func (r *Reconciler) View() domain.BoardView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.view()
}

// Confirmed returns the board as last confirmed by the server.
func (r *Reconciler) Confirmed() domain.BoardView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.view()
}

// Apply folds an authoritative delta in. Deltas already applied are
// ignored. A delta that skips sequence numbers is not applied and ErrGap is
// returned.
func (r *Reconciler) Apply(d domain.Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.confirmed.board.LastSequence
	fields := log.Fields{"sequence": d.Sequence, "last": last, "kind": d.Kind}
	switch {
	case d.BoardID != r.confirmed.board.ID:
		r.log.WithFields(fields).WithField("deltaBoard", d.BoardID).Warn("delta for another board ignored")
		return nil
	case d.Sequence <= last:
		r.log.WithFields(fields).Debug("duplicate delta ignored")
		return nil
	case d.Sequence != last+1:
		r.log.WithFields(fields).Warn("delta gap detected, resync required")
		return fmt.Errorf("%w: expected %d, got %d", ErrGap, last+1, d.Sequence)
	}
	r.confirmed.apply(d)
	if ids := r.confirmed.collisions(); len(ids) > 0 {
		r.log.WithFields(fields).WithField("ids", ids).Error("sibling positions collide")
	}
	if d.CorrelationID != "" {
		r.drop(d.CorrelationID)
	}
	r.rebuild()
	return nil
}

// Reject drops a pending edit the server refused, reverting it in View.
func (r *Reconciler) Reject(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drop(key) {
		r.log.WithField("key", key).Info("pending edit rejected")
		r.rebuild()
	}
}

func (r *Reconciler) drop(key string) bool {
	for i, o := range r.pending {
		if o.key == key {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reconciler) rebuild() {
	r.current = r.confirmed.clone()
	for _, o := range r.pending {
		o.apply(r.current)
	}
}

// edit records a pending edit, shows it in View and returns the command
// to send for it. r.mu must be held.
func (r *Reconciler) edit(t domain.CommandType, data any, apply func(key string) func(*state)) (domain.Command, error) {
	key := r.newKey()
	cmd, err := domain.NewCommand(t, r.confirmed.board.ID, key, data)
	if err != nil {
		return domain.Command{}, err
	}
	o := op{key: key, apply: apply(key)}
	r.pending = append(r.pending, o)
	o.apply(r.current)
	return cmd, nil
}

// CreateList appends a list. It is shown under a pending id until confirmed.
func (r *Reconciler) CreateList(title string) (domain.Command, error) {
	if err := domain.ValidateListTitle(title); err != nil {
		return domain.Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.edit(domain.CommandCreateList, domain.CreateListData{Title: title}, func(key string) func(*state) {
		return func(s *state) {
			_, ps := s.listOrder("")
			pl, err := position.Allocate(ps, len(ps))
			if err != nil {
				return
			}
			id := PendingPrefix + key
			s.lists[id] = domain.List{ID: id, BoardID: s.board.ID, Title: title, Position: pl.Position}
		}
	})
}

// CreateCard appends a card to listID.
func (r *Reconciler) CreateCard(listID, title string) (domain.Command, error) {
	if err := domain.ValidateCardTitle(title); err != nil {
		return domain.Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.lists[listID]; !ok {
		return domain.Command{}, fmt.Errorf("list %s: %w", listID, ErrUnknown)
	}
	return r.edit(domain.CommandCreateCard, domain.CreateCardData{ListID: listID, Title: title}, func(key string) func(*state) {
		return func(s *state) {
			if _, ok := s.lists[listID]; !ok {
				return
			}
			ids, ps := s.cardOrder(listID, "")
			pl, err := position.Allocate(ps, len(ps))
			if err != nil {
				return
			}
			applyShifts(s.cards, ids, pl)
			id := PendingPrefix + key
			s.cards[id] = domain.Card{ID: id, BoardID: s.board.ID, ListID: listID, Title: title, Position: pl.Position}
		}
	})
}

// MoveCard moves a card into targetListID between the named neighbors.
func (r *Reconciler) MoveCard(cardID, targetListID, predID, succID string) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.cards[cardID]; !ok {
		return domain.Command{}, fmt.Errorf("card %s: %w", cardID, ErrUnknown)
	}
	if _, ok := r.current.lists[targetListID]; !ok {
		return domain.Command{}, fmt.Errorf("list %s: %w", targetListID, ErrUnknown)
	}
	data := domain.MoveCardData{CardID: cardID, TargetListID: targetListID, PredecessorID: predID, SuccessorID: succID}
	return r.edit(domain.CommandMoveCard, data, func(string) func(*state) {
		return func(s *state) {
			c, ok := s.cards[cardID]
			if _, listOK := s.lists[targetListID]; !ok || !listOK {
				return
			}
			ids, ps := s.cardOrder(targetListID, cardID)
			pl, err := position.Allocate(ps, place(ids, predID, succID, 0))
			if err != nil {
				return
			}
			applyShifts(s.cards, ids, pl)
			c.ListID = targetListID
			c.Position = pl.Position
			s.cards[cardID] = c
		}
	})
}

// MoveList moves a list between the named neighbors.
func (r *Reconciler) MoveList(listID, predID, succID string) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.lists[listID]; !ok {
		return domain.Command{}, fmt.Errorf("list %s: %w", listID, ErrUnknown)
	}
	data := domain.MoveListData{ListID: listID, PredecessorID: predID, SuccessorID: succID}
	return r.edit(domain.CommandMoveList, data, func(string) func(*state) {
		return func(s *state) {
			l, ok := s.lists[listID]
			if !ok {
				return
			}
			ids, ps := s.listOrder(listID)
			pl, err := position.Allocate(ps, place(ids, predID, succID, len(ids)))
			if err != nil {
				return
			}
			for _, sh := range pl.Shifts {
				sib := s.lists[ids[sh.Index]]
				sib.Position = sh.Position
				s.lists[sib.ID] = sib
			}
			l.Position = pl.Position
			s.lists[listID] = l
		}
	})
}

// RenameList changes the title of a list.
func (r *Reconciler) RenameList(listID, title string) (domain.Command, error) {
	if err := domain.ValidateListTitle(title); err != nil {
		return domain.Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.lists[listID]; !ok {
		return domain.Command{}, fmt.Errorf("list %s: %w", listID, ErrUnknown)
	}
	return r.edit(domain.CommandRenameList, domain.RenameListData{ListID: listID, Title: title}, func(string) func(*state) {
		return func(s *state) {
			if l, ok := s.lists[listID]; ok {
				l.Title = title
				s.lists[listID] = l
			}
		}
	})
}

// DeleteList removes a list and its cards.
func (r *Reconciler) DeleteList(listID string) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.lists[listID]; !ok {
		return domain.Command{}, fmt.Errorf("list %s: %w", listID, ErrUnknown)
	}
	return r.edit(domain.CommandDeleteList, domain.DeleteListData{ListID: listID}, func(string) func(*state) {
		return func(s *state) { s.deleteList(listID) }
	})
}

// UpdateCard applies a partial update to a card.
func (r *Reconciler) UpdateCard(cardID string, upd domain.CardUpdate) (domain.Command, error) {
	if err := upd.Validate(); err != nil {
		return domain.Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.cards[cardID]; !ok {
		return domain.Command{}, fmt.Errorf("card %s: %w", cardID, ErrUnknown)
	}
	return r.edit(domain.CommandUpdateCard, domain.UpdateCardData{CardID: cardID, Update: upd}, func(string) func(*state) {
		return func(s *state) {
			if c, ok := s.cards[cardID]; ok {
				c = c.Clone()
				upd.Apply(&c)
				s.cards[cardID] = c
			}
		}
	})
}

// AddComment appends a comment. It is shown under a pending id, without an
// author, until the server confirms it.
func (r *Reconciler) AddComment(cardID, text string, mentions []string) (domain.Command, error) {
	if err := domain.ValidateComment(text); err != nil {
		return domain.Command{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.cards[cardID]; !ok {
		return domain.Command{}, fmt.Errorf("card %s: %w", cardID, ErrUnknown)
	}
	data := domain.AddCommentData{CardID: cardID, Text: text, Mentions: mentions}
	return r.edit(domain.CommandAddComment, data, func(key string) func(*state) {
		return func(s *state) {
			if c, ok := s.cards[cardID]; ok {
				c = c.Clone()
				c.Comments = append(c.Comments, domain.Comment{
					ID:       PendingPrefix + key,
					Text:     text,
					Mentions: append([]string(nil), mentions...),
				})
				s.cards[cardID] = c
			}
		}
	})
}

// DeleteCard removes a card.
func (r *Reconciler) DeleteCard(cardID string) (domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current.cards[cardID]; !ok {
		return domain.Command{}, fmt.Errorf("card %s: %w", cardID, ErrUnknown)
	}
	return r.edit(domain.CommandDeleteCard, domain.DeleteCardData{CardID: cardID}, func(string) func(*state) {
		return func(s *state) { delete(s.cards, cardID) }
	})
}

// applyShifts writes renumbered sibling positions. ids are the siblings the
// placement was computed over.
func applyShifts(cards map[string]domain.Card, ids []string, pl position.Placement) {
	for _, sh := range pl.Shifts {
		c := cards[ids[sh.Index]]
		c.Position = sh.Position
		cards[c.ID] = c
	}
}
