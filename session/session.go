package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"board-sync/domain"
	"board-sync/position"

	log "github.com/sirupsen/logrus"
)

// Store persists boards. Save must apply a mutation atomically: either
// every upsert and delete lands or none does.
type Store interface {
	Load(ctx context.Context, boardID string) (domain.Snapshot, error)
	Save(ctx context.Context, m domain.Mutation) error
	CreateBoard(ctx context.Context, b domain.Board) error
}

type response struct {
	delta domain.Delta
	view  domain.BoardView
	err   error
}

type request struct {
	op    func(*session) response
	reply chan response
}

// session serializes every operation of one board on a single goroutine.
type session struct {
	boardID     string
	store       Store
	view        *view
	log         *mutationLog
	reqs        chan request
	stop        chan struct{}
	done        chan struct{}
	pending     atomic.Int64
	idleTimeout time.Duration
	saveTimeout time.Duration
	retire      func(*session) bool
	newID       func() string
	now         func() time.Time
	logger      *log.Entry
}

func (s *session) run() {
	defer close(s.done)
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case req := <-s.reqs:
			s.handle(req)
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			if s.retire(s) {
				s.logger.Debug("board session retired")
				return
			}
			idle.Reset(s.idleTimeout)
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain serves requests until no caller holds the session.
func (s *session) drain() {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.pending.Load() > 0 {
		select {
		case req := <-s.reqs:
			s.handle(req)
		case <-tick.C:
		}
	}
}

func (s *session) handle(req request) {
	resp := req.op(s)
	s.pending.Add(-1)
	req.reply <- resp
}

// commit persists m, folds it into the view and emits its delta.
func (s *session) commit(o domain.Origin, m domain.Mutation, p domain.Payload) response {
	m.Board = s.view.board
	m.Board.LastSequence = s.log.next()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	err := s.store.Save(ctx, m)
	cancel()
	if err != nil {
		entry := s.logger.WithError(err).WithFields(log.Fields{
			"kind":     m.Kind,
			"sequence": m.Board.LastSequence,
		})
		if errors.Is(err, domain.ErrInvalid) {
			entry.Warn("mutation rejected by store")
			return response{err: err}
		}
		entry.Error("save mutation failed")
		return response{err: unavailable(err)}
	}

	s.view.apply(m)
	d := s.log.encode(m.Kind, o, p)
	if err := s.log.commit(d); err != nil {
		s.logger.WithError(err).Error("commit delta")
		return response{err: err}
	}
	if !s.view.ordered() {
		s.logger.WithField("sequence", d.Sequence).Error("sibling positions are not strictly ordered")
	}
	s.logger.WithFields(log.Fields{
		"kind":     d.Kind,
		"sequence": d.Sequence,
		"entity":   p.EntityID,
		"shifted":  len(p.Renumbered),
	}).Debug("mutation committed")
	return response{delta: d}
}

func (s *session) snapshot() response {
	return response{view: s.view.boardView()}
}

func (s *session) createList(o domain.Origin, title string) response {
	if err := domain.ValidateListTitle(title); err != nil {
		return response{err: err}
	}
	_, ps := s.view.listSiblings("")
	pl, err := position.Allocate(ps, len(ps))
	if err != nil {
		return response{err: invalidPosition(err)}
	}
	list := domain.List{ID: s.newID(), BoardID: s.boardID, Title: title, Position: pl.Position}
	m := domain.Mutation{Kind: domain.ListCreated, Lists: []domain.List{list}}
	return s.commit(o, m, domain.Payload{EntityID: list.ID, Position: &list.Position, List: &list})
}

func (s *session) createCard(o domain.Origin, listID, title string) response {
	if _, ok := s.view.lists[listID]; !ok {
		return response{err: fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)}
	}
	if err := domain.ValidateCardTitle(title); err != nil {
		return response{err: err}
	}
	_, ps := s.view.cardSiblings(listID, "")
	pl, err := position.Allocate(ps, len(ps))
	if err != nil {
		return response{err: invalidPosition(err)}
	}
	now := s.now().UTC()
	card := domain.Card{
		ID:        s.newID(),
		BoardID:   s.boardID,
		ListID:    listID,
		Title:     title,
		Position:  pl.Position,
		CreatedBy: o.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m := domain.Mutation{Kind: domain.CardCreated, Cards: []domain.Card{card}}
	return s.commit(o, m, domain.Payload{EntityID: card.ID, Position: &card.Position, ListID: listID, Card: &card})
}

func (s *session) moveCard(o domain.Origin, cardID, targetListID, predID, succID string) response {
	card, ok := s.view.cards[cardID]
	if !ok {
		return response{err: fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)}
	}
	if _, ok := s.view.lists[targetListID]; !ok {
		return response{err: fmt.Errorf("list %s: %w", targetListID, domain.ErrNotFound)}
	}
	ids, ps := s.view.cardSiblings(targetListID, cardID)
	idx, err := resolveIndex(ids, cardID, predID, succID, 0)
	if err != nil {
		return response{err: err}
	}
	pl, err := position.Allocate(ps, idx)
	if err != nil {
		return response{err: invalidPosition(err)}
	}

	moved := card.Clone()
	moved.ListID = targetListID
	moved.Position = pl.Position
	moved.UpdatedAt = s.now().UTC()
	m := domain.Mutation{Kind: domain.CardMoved, Cards: []domain.Card{moved}}
	p := domain.Payload{
		EntityID:   cardID,
		Position:   &moved.Position,
		FromListID: card.ListID,
		ToListID:   targetListID,
	}
	for _, sh := range pl.Shifts {
		sib := s.view.cards[ids[sh.Index]].Clone()
		sib.Position = sh.Position
		m.Cards = append(m.Cards, sib)
		p.Renumbered = append(p.Renumbered, domain.Renumbered{ID: sib.ID, Position: sh.Position})
	}
	return s.commit(o, m, p)
}

func (s *session) moveList(o domain.Origin, listID, predID, succID string) response {
	list, ok := s.view.lists[listID]
	if !ok {
		return response{err: fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)}
	}
	ids, ps := s.view.listSiblings(listID)
	idx, err := resolveIndex(ids, listID, predID, succID, len(ids))
	if err != nil {
		return response{err: err}
	}
	pl, err := position.Allocate(ps, idx)
	if err != nil {
		return response{err: invalidPosition(err)}
	}

	list.Position = pl.Position
	m := domain.Mutation{Kind: domain.ListMoved, Lists: []domain.List{list}}
	p := domain.Payload{EntityID: listID, Position: &list.Position}
	for _, sh := range pl.Shifts {
		sib := s.view.lists[ids[sh.Index]]
		sib.Position = sh.Position
		m.Lists = append(m.Lists, sib)
		p.Renumbered = append(p.Renumbered, domain.Renumbered{ID: sib.ID, Position: sh.Position})
	}
	return s.commit(o, m, p)
}

func (s *session) renameList(o domain.Origin, listID, title string) response {
	list, ok := s.view.lists[listID]
	if !ok {
		return response{err: fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)}
	}
	if err := domain.ValidateListTitle(title); err != nil {
		return response{err: err}
	}
	list.Title = title
	m := domain.Mutation{Kind: domain.ListUpdated, Lists: []domain.List{list}}
	return s.commit(o, m, domain.Payload{EntityID: listID, List: &list})
}

func (s *session) deleteList(o domain.Origin, listID string) response {
	if _, ok := s.view.lists[listID]; !ok {
		return response{err: fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)}
	}
	cardIDs, _ := s.view.cardSiblings(listID, "")
	m := domain.Mutation{Kind: domain.ListDeleted, DeletedLists: []string{listID}, DeletedCards: cardIDs}
	return s.commit(o, m, domain.Payload{EntityID: listID, DeletedCardIDs: cardIDs})
}

func (s *session) updateCard(o domain.Origin, cardID string, upd domain.CardUpdate) response {
	card, ok := s.view.cards[cardID]
	if !ok {
		return response{err: fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)}
	}
	if err := upd.Validate(); err != nil {
		return response{err: err}
	}
	updated := card.Clone()
	upd.Apply(&updated)
	updated.UpdatedAt = s.now().UTC()
	m := domain.Mutation{Kind: domain.CardUpdated, Cards: []domain.Card{updated}}
	return s.commit(o, m, domain.Payload{EntityID: cardID, ListID: updated.ListID, Card: &updated})
}

func (s *session) addComment(o domain.Origin, cardID, text string, mentions []string) response {
	card, ok := s.view.cards[cardID]
	if !ok {
		return response{err: fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)}
	}
	if err := domain.ValidateComment(text); err != nil {
		return response{err: err}
	}
	now := s.now().UTC()
	updated := card.Clone()
	updated.Comments = append(updated.Comments, domain.Comment{
		ID:        s.newID(),
		Text:      text,
		AuthorID:  o.UserID,
		Mentions:  append([]string(nil), mentions...),
		CreatedAt: now,
	})
	updated.UpdatedAt = now
	m := domain.Mutation{Kind: domain.CardUpdated, Cards: []domain.Card{updated}}
	return s.commit(o, m, domain.Payload{EntityID: cardID, ListID: updated.ListID, Card: &updated})
}

func (s *session) deleteCard(o domain.Origin, cardID string) response {
	card, ok := s.view.cards[cardID]
	if !ok {
		return response{err: fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)}
	}
	m := domain.Mutation{Kind: domain.CardDeleted, DeletedCards: []string{cardID}}
	return s.commit(o, m, domain.Payload{EntityID: cardID, ListID: card.ListID})
}

// resolveIndex turns neighbor hints into an insertion index among ids, the
// current siblings without the moved item. A valid predecessor wins, then a
// valid successor. Hints that no longer name a sibling fall back to
// fallback.
func resolveIndex(ids []string, movedID, predID, succID string, fallback int) (int, error) {
	if (predID != "" && predID == movedID) || (succID != "" && succID == movedID) {
		return 0, fmt.Errorf("%w: item cannot be its own neighbor", domain.ErrInvalidPosition)
	}
	if pi := indexOf(ids, predID); pi >= 0 {
		return pi + 1, nil
	}
	if si := indexOf(ids, succID); si >= 0 {
		return si, nil
	}
	return fallback, nil
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func invalidPosition(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidPosition, err)
}
