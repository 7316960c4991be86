package session

import (
	"sort"

	"board-sync/domain"
	"board-sync/position"
)

// view is the in-memory state of one board, owned by its session goroutine.
type view struct {
	board     domain.Board
	lists     map[string]domain.List
	cards     map[string]domain.Card
	listOrder []string
	cardOrder map[string][]string
}

func newView(snap domain.Snapshot) *view {
	v := &view{
		board:     snap.Board,
		lists:     make(map[string]domain.List, len(snap.Lists)),
		cards:     make(map[string]domain.Card, len(snap.Cards)),
		cardOrder: make(map[string][]string, len(snap.Lists)),
	}
	for _, l := range snap.Lists {
		v.lists[l.ID] = l
		v.listOrder = append(v.listOrder, l.ID)
	}
	for _, c := range snap.Cards {
		if _, ok := v.lists[c.ListID]; !ok {
			continue
		}
		v.cards[c.ID] = c
		v.cardOrder[c.ListID] = append(v.cardOrder[c.ListID], c.ID)
	}
	v.sortLists()
	for listID := range v.cardOrder {
		v.sortCards(listID)
	}
	return v
}

func (v *view) sortLists() {
	sort.SliceStable(v.listOrder, func(i, j int) bool {
		return v.lists[v.listOrder[i]].Position < v.lists[v.listOrder[j]].Position
	})
}

func (v *view) sortCards(listID string) {
	ids := v.cardOrder[listID]
	sort.SliceStable(ids, func(i, j int) bool {
		return v.cards[ids[i]].Position < v.cards[ids[j]].Position
	})
}

// listSiblings returns list ids and positions in order, leaving out skip.
func (v *view) listSiblings(skip string) ([]string, []position.Position) {
	ids := make([]string, 0, len(v.listOrder))
	ps := make([]position.Position, 0, len(v.listOrder))
	for _, id := range v.listOrder {
		if id == skip {
			continue
		}
		ids = append(ids, id)
		ps = append(ps, v.lists[id].Position)
	}
	return ids, ps
}

// cardSiblings returns the cards of listID in order, leaving out skip.
func (v *view) cardSiblings(listID, skip string) ([]string, []position.Position) {
	order := v.cardOrder[listID]
	ids := make([]string, 0, len(order))
	ps := make([]position.Position, 0, len(order))
	for _, id := range order {
		if id == skip {
			continue
		}
		ids = append(ids, id)
		ps = append(ps, v.cards[id].Position)
	}
	return ids, ps
}

// apply folds a saved mutation into the view.
func (v *view) apply(m domain.Mutation) {
	v.board = m.Board
	listsDirty := false
	dirty := map[string]struct{}{}

	for _, id := range m.DeletedCards {
		c, ok := v.cards[id]
		if !ok {
			continue
		}
		v.cardOrder[c.ListID] = remove(v.cardOrder[c.ListID], id)
		delete(v.cards, id)
	}
	for _, id := range m.DeletedLists {
		if _, ok := v.lists[id]; !ok {
			continue
		}
		for _, cardID := range v.cardOrder[id] {
			delete(v.cards, cardID)
		}
		delete(v.cardOrder, id)
		delete(v.lists, id)
		v.listOrder = remove(v.listOrder, id)
	}
	for _, l := range m.Lists {
		if _, ok := v.lists[l.ID]; !ok {
			v.listOrder = append(v.listOrder, l.ID)
		}
		v.lists[l.ID] = l
		listsDirty = true
	}
	for _, c := range m.Cards {
		if prev, ok := v.cards[c.ID]; ok {
			if prev.ListID != c.ListID {
				v.cardOrder[prev.ListID] = remove(v.cardOrder[prev.ListID], c.ID)
				v.cardOrder[c.ListID] = append(v.cardOrder[c.ListID], c.ID)
			}
		} else {
			v.cardOrder[c.ListID] = append(v.cardOrder[c.ListID], c.ID)
		}
		v.cards[c.ID] = c
		dirty[c.ListID] = struct{}{}
	}

	if listsDirty {
		v.sortLists()
	}
	for listID := range dirty {
		v.sortCards(listID)
	}
}

// ordered reports whether every sibling set is strictly ordered.
func (v *view) ordered() bool {
	_, ps := v.listSiblings("")
	if !position.Sorted(ps) {
		return false
	}
	for listID := range v.cardOrder {
		_, ps := v.cardSiblings(listID, "")
		if !position.Sorted(ps) {
			return false
		}
	}
	return true
}

func (v *view) boardView() domain.BoardView {
	out := domain.BoardView{Board: v.board, Lists: make([]domain.ListView, 0, len(v.listOrder))}
	out.Board.MemberIDs = append([]string(nil), v.board.MemberIDs...)
	for _, listID := range v.listOrder {
		lv := domain.ListView{List: v.lists[listID], Cards: make([]domain.Card, 0, len(v.cardOrder[listID]))}
		for _, cardID := range v.cardOrder[listID] {
			lv.Cards = append(lv.Cards, v.cards[cardID].Clone())
		}
		out.Lists = append(out.Lists, lv)
	}
	return out
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
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
