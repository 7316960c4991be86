package client

import (
	"sort"

	"board-sync/domain"
	"board-sync/position"
)

// state is a board as the client sees it: the confirmed board, or the
// confirmed board with pending operations laid over it.
type state struct {
	board domain.Board
	lists map[string]domain.List
	cards map[string]domain.Card
}

func newState(v domain.BoardView) *state {
	s := &state{
		board: v.Board,
		lists: make(map[string]domain.List, len(v.Lists)),
		cards: make(map[string]domain.Card),
	}
	for _, lv := range v.Lists {
		s.lists[lv.ID] = lv.List
		for _, c := range lv.Cards {
			s.cards[c.ID] = c.Clone()
		}
	}
	return s
}

func (s *state) clone() *state {
	out := &state{
		board: s.board,
		lists: make(map[string]domain.List, len(s.lists)),
		cards: make(map[string]domain.Card, len(s.cards)),
	}
	for id, l := range s.lists {
		out.lists[id] = l
	}
	for id, c := range s.cards {
		out.cards[id] = c.Clone()
	}
	return out
}

// apply folds an authoritative delta into the state.
func (s *state) apply(d domain.Delta) {
	p := d.Payload
	s.board.LastSequence = d.Sequence
	switch d.Kind {
	case domain.ListCreated, domain.ListUpdated:
		if p.List != nil {
			s.lists[p.List.ID] = *p.List
		}
	case domain.ListMoved:
		s.moveList(p.EntityID, p.Position)
		for _, r := range p.Renumbered {
			s.moveList(r.ID, &r.Position)
		}
	case domain.ListDeleted:
		s.deleteList(p.EntityID)
		for _, id := range p.DeletedCardIDs {
			delete(s.cards, id)
		}
	case domain.CardCreated, domain.CardUpdated:
		if p.Card != nil {
			s.cards[p.Card.ID] = p.Card.Clone()
		}
	case domain.CardMoved:
		if c, ok := s.cards[p.EntityID]; ok && p.Position != nil {
			c.ListID = p.ToListID
			c.Position = *p.Position
			s.cards[c.ID] = c
		}
		for _, r := range p.Renumbered {
			if c, ok := s.cards[r.ID]; ok {
				c.Position = r.Position
				s.cards[r.ID] = c
			}
		}
	case domain.CardDeleted:
		delete(s.cards, p.EntityID)
	}
}

func (s *state) moveList(id string, p *position.Position) {
	l, ok := s.lists[id]
	if !ok || p == nil {
		return
	}
	l.Position = *p
	s.lists[id] = l
}

func (s *state) deleteList(id string) {
	delete(s.lists, id)
	for cardID, c := range s.cards {
		if c.ListID == id {
			delete(s.cards, cardID)
		}
	}
}

// listOrder returns list ids sorted by position, leaving out skip.
func (s *state) listOrder(skip string) ([]string, []position.Position) {
	ids := make([]string, 0, len(s.lists))
	for id := range s.lists {
		if id != skip {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.lists[ids[i]].Position, s.lists[ids[j]].Position
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	ps := make([]position.Position, len(ids))
	for i, id := range ids {
		ps[i] = s.lists[id].Position
	}
	return ids, ps
}

// cardOrder returns the card ids of listID sorted by position, leaving out skip.
func (s *state) cardOrder(listID, skip string) ([]string, []position.Position) {
	var ids []string
	for id, c := range s.cards {
		if c.ListID == listID && id != skip {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.cards[ids[i]].Position, s.cards[ids[j]].Position
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	ps := make([]position.Position, len(ids))
	for i, id := range ids {
		ps[i] = s.cards[id].Position
	}
	return ids, ps
}

// collisions returns ids sharing a position with their previous sibling.
// The id tie-break in listOrder and cardOrder keeps the order stable but
// such a tie is never produced by the server.
func (s *state) collisions() []string {
	var out []string
	dup := func(ids []string, ps []position.Position) {
		for i := 1; i < len(ps); i++ {
			if ps[i] == ps[i-1] {
				out = append(out, ids[i])
			}
		}
	}
	listIDs, lps := s.listOrder("")
	dup(listIDs, lps)
	for _, listID := range listIDs {
		dup(s.cardOrder(listID, ""))
	}
	return out
}

func (s *state) view() domain.BoardView {
	out := domain.BoardView{Board: s.board}
	out.Board.MemberIDs = append([]string(nil), s.board.MemberIDs...)
	listIDs, _ := s.listOrder("")
	out.Lists = make([]domain.ListView, 0, len(listIDs))
	for _, listID := range listIDs {
		cardIDs, _ := s.cardOrder(listID, "")
		lv := domain.ListView{List: s.lists[listID], Cards: make([]domain.Card, 0, len(cardIDs))}
		for _, id := range cardIDs {
			lv.Cards = append(lv.Cards, s.cards[id].Clone())
		}
		out.Lists = append(out.Lists, lv)
	}
	return out
}

// place picks an index among ids from neighbor hints the way the server
// does: a known predecessor wins, then a known successor, then fallback.
func place(ids []string, predID, succID string, fallback int) int {
	if i := indexOf(ids, predID); i >= 0 {
		return i + 1
	}
	if i := indexOf(ids, succID); i >= 0 {
		return i
	}
	return fallback
}

func indexOf(ids []string, id string) int {
	if id == "" {
		return -1
	}
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
