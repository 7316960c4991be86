package client

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/domain"
	"board-sync/position"
)

func pos(p position.Position) *position.Position { return &p }

// sprint has Todo with A@1 and B@2, and an empty Doing list.
func sprint() domain.BoardView {
	return domain.BoardView{
		Board: domain.Board{ID: "sprint", Title: "Sprint", LastSequence: 4},
		Lists: []domain.ListView{
			{
				List: domain.List{ID: "todo", BoardID: "sprint", Title: "Todo", Position: 1},
				Cards: []domain.Card{
					{ID: "A", BoardID: "sprint", ListID: "todo", Title: "A", Position: 1},
					{ID: "B", BoardID: "sprint", ListID: "todo", Title: "B", Position: 2},
				},
			},
			{List: domain.List{ID: "doing", BoardID: "sprint", Title: "Doing", Position: 2}},
		},
	}
}

func newTestReconciler() *Reconciler {
	r := NewReconciler(sprint(), nil)
	n := 0
	r.newKey = func() string {
		n++
		return "key" + string(rune('0'+n))
	}
	return r
}

func cardsOf(v domain.BoardView, listID string) []domain.Card {
	for _, l := range v.Lists {
		if l.ID == listID {
			return l.Cards
		}
	}
	return nil
}

func ids(cards []domain.Card) []string {
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cardMoved(seq uint64, key, cardID, from, to string, p position.Position) domain.Delta {
	return domain.Delta{
		BoardID:       "sprint",
		Sequence:      seq,
		Kind:          domain.CardMoved,
		CorrelationID: key,
		Payload:       domain.Payload{EntityID: cardID, Position: pos(p), FromListID: from, ToListID: to},
	}
}

func TestOptimisticMoveConvergesToServerPosition(t *testing.T) {
	r := newTestReconciler()
	a := cardsOf(r.View(), "todo")[0]
	// place C between A and B
	r.confirmed.cards["C"] = domain.Card{ID: "C", BoardID: "sprint", ListID: "doing", Position: 1}
	r.rebuild()

	cmd, err := r.MoveCard("C", "todo", a.ID, "B")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	got := cardsOf(r.View(), "todo")
	if !equal(ids(got), []string{"A", "C", "B"}) || got[1].Position != 1.5 {
		t.Fatalf("optimistic view wrong: %+v", got)
	}
	if r.Pending() != 1 {
		t.Fatalf("expected one pending edit")
	}

	// the server placed C at 1.25 because of a concurrent edit
	if err := r.Apply(cardMoved(5, cmd.IdempotencyKey, "C", "doing", "todo", 1.25)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got = cardsOf(r.View(), "todo")
	if got[1].ID != "C" || got[1].Position != 1.25 {
		t.Fatalf("view did not converge to server position: %+v", got)
	}
	if r.Pending() != 0 || r.Sequence() != 5 {
		t.Fatalf("pending %d sequence %d", r.Pending(), r.Sequence())
	}
}

func TestServerPositionOverridesOptimisticOrder(t *testing.T) {
	r := newTestReconciler()
	cmd, err := r.MoveCard("A", "todo", "B", "")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := ids(cardsOf(r.View(), "todo")); !equal(got, []string{"B", "A"}) {
		t.Fatalf("optimistic order wrong: %v", got)
	}
	// another user moved B to the tail first, so A lands at 1.75 before B
	if err := r.Apply(cardMoved(5, "other", "B", "todo", "todo", 3)); err != nil {
		t.Fatalf("apply other: %v", err)
	}
	if err := r.Apply(cardMoved(6, cmd.IdempotencyKey, "A", "todo", "todo", 1.75)); err != nil {
		t.Fatalf("apply own: %v", err)
	}
	got := cardsOf(r.View(), "todo")
	if !equal(ids(got), []string{"A", "B"}) || got[0].Position != 1.75 {
		t.Fatalf("server result not adopted: %+v", got)
	}
}

func TestPendingEditIsReplayedOverForeignDelta(t *testing.T) {
	r := newTestReconciler()
	if _, err := r.RenameList("todo", "Backlog"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	d := domain.Delta{
		BoardID:  "sprint",
		Sequence: 5,
		Kind:     domain.CardDeleted,
		Payload:  domain.Payload{EntityID: "A", ListID: "todo"},
	}
	if err := r.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v := r.View()
	if v.Lists[0].Title != "Backlog" {
		t.Fatalf("pending rename lost: %q", v.Lists[0].Title)
	}
	if got := ids(cardsOf(v, "todo")); !equal(got, []string{"B"}) {
		t.Fatalf("foreign delete not applied: %v", got)
	}
	if r.Confirmed().Lists[0].Title != "Todo" {
		t.Fatal("pending edit leaked into confirmed state")
	}
}

func TestRejectRevertsEdit(t *testing.T) {
	r := newTestReconciler()
	cmd, err := r.DeleteList("todo")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(r.View().Lists) != 1 {
		t.Fatalf("optimistic delete not shown")
	}
	r.Reject(cmd.IdempotencyKey)
	v := r.View()
	if len(v.Lists) != 2 || len(cardsOf(v, "todo")) != 2 {
		t.Fatalf("reject did not revert: %+v", v)
	}
	if r.Pending() != 0 {
		t.Fatal("rejected edit still pending")
	}
}

func TestDuplicateAndGap(t *testing.T) {
	r := newTestReconciler()
	dup := cardMoved(4, "", "A", "todo", "doing", 1)
	if err := r.Apply(dup); err != nil {
		t.Fatalf("duplicate should be ignored, got %v", err)
	}
	if len(cardsOf(r.View(), "doing")) != 0 {
		t.Fatal("duplicate delta was applied")
	}

	gap := cardMoved(7, "", "A", "todo", "doing", 1)
	if err := r.Apply(gap); !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
	if r.Sequence() != 4 {
		t.Fatalf("gap delta advanced sequence to %d", r.Sequence())
	}

	other := cardMoved(5, "", "A", "todo", "doing", 1)
	other.BoardID = "elsewhere"
	if err := r.Apply(other); err != nil || r.Sequence() != 4 {
		t.Fatalf("delta for another board must be ignored, err %v seq %d", err, r.Sequence())
	}
}

func TestCreateCardUsesPendingID(t *testing.T) {
	r := newTestReconciler()
	cmd, err := r.CreateCard("doing", "Write docs")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := cardsOf(r.View(), "doing")
	if len(got) != 1 || got[0].ID != PendingPrefix+cmd.IdempotencyKey || got[0].Position != position.Initial {
		t.Fatalf("unexpected optimistic card %+v", got)
	}

	card := domain.Card{ID: "real", BoardID: "sprint", ListID: "doing", Title: "Write docs", Position: 1}
	d := domain.Delta{
		BoardID:       "sprint",
		Sequence:      5,
		Kind:          domain.CardCreated,
		CorrelationID: cmd.IdempotencyKey,
		Payload:       domain.Payload{EntityID: "real", Position: pos(1), ListID: "doing", Card: &card},
	}
	if err := r.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got = cardsOf(r.View(), "doing")
	if len(got) != 1 || got[0].ID != "real" {
		t.Fatalf("pending card not replaced: %+v", got)
	}
}

func TestMoveListDefaultsToTail(t *testing.T) {
	r := newTestReconciler()
	if _, err := r.MoveList("todo", "", ""); err != nil {
		t.Fatalf("move list: %v", err)
	}
	v := r.View()
	if v.Lists[1].ID != "todo" {
		t.Fatalf("expected todo at the tail, got %s", v.Lists[1].ID)
	}
}

func TestRenumberedSiblingsAreApplied(t *testing.T) {
	r := newTestReconciler()
	d := cardMoved(5, "", "B", "todo", "todo", 1.5)
	d.Payload.Renumbered = []domain.Renumbered{{ID: "A", Position: 1.25}}
	if err := r.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := cardsOf(r.View(), "todo")
	if got[0].Position != 1.25 || got[1].Position != 1.5 {
		t.Fatalf("renumbered sibling not applied: %+v", got)
	}
}

func TestEditsValidateInput(t *testing.T) {
	r := newTestReconciler()
	if _, err := r.MoveCard("ghost", "todo", "", ""); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := r.CreateList(""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatal("invalid edits must not be recorded")
	}
}

func TestUpdateCardOptimistic(t *testing.T) {
	r := newTestReconciler()
	title := "A, renamed"
	if _, err := r.UpdateCard("A", domain.CardUpdate{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := cardsOf(r.View(), "todo")[0].Title; got != title {
		t.Fatalf("unexpected title %q", got)
	}
	if got := cardsOf(r.Confirmed(), "todo")[0].Title; got != "A" {
		t.Fatalf("confirmed title changed to %q", got)
	}
}

func TestPositionCollisionIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewReconciler(sprint(), logger)

	card := domain.Card{ID: "C", BoardID: "sprint", ListID: "todo", Title: "C", Position: 2}
	d := domain.Delta{
		BoardID:  "sprint",
		Sequence: 5,
		Kind:     domain.CardCreated,
		Payload:  domain.Payload{EntityID: "C", Position: pos(2), ListID: "todo", Card: &card},
	}
	if err := r.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel || entry.Message != "sibling positions collide" {
		t.Fatalf("expected a collision error, got %+v", entry)
	}
	if got := ids(cardsOf(r.View(), "todo")); !equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("tied cards should still order by id, got %v", got)
	}

	hook.Reset()
	next := domain.Delta{
		BoardID:  "sprint",
		Sequence: 6,
		Kind:     domain.CardMoved,
		Payload:  domain.Payload{EntityID: "C", Position: pos(3), FromListID: "todo", ToListID: "todo"},
	}
	if err := r.Apply(next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			t.Fatalf("unexpected error after the tie was resolved: %s", e.Message)
		}
	}
}

func TestAddCommentIsReplacedByServerCopy(t *testing.T) {
	r := newTestReconciler()
	cmd, err := r.AddComment("A", "on it", nil)
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	got := cardsOf(r.View(), "todo")[0].Comments
	if len(got) != 1 || got[0].ID != PendingPrefix+cmd.IdempotencyKey {
		t.Fatalf("expected a pending comment, got %+v", got)
	}

	card := cardsOf(r.Confirmed(), "todo")[0]
	card.Comments = []domain.Comment{{ID: "m1", Text: "on it", AuthorID: "u1"}}
	d := domain.Delta{
		BoardID:       "sprint",
		Sequence:      5,
		Kind:          domain.CardUpdated,
		CorrelationID: cmd.IdempotencyKey,
		Payload:       domain.Payload{EntityID: "A", ListID: "todo", Card: &card},
	}
	if err := r.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got = cardsOf(r.View(), "todo")[0].Comments
	if len(got) != 1 || got[0].ID != "m1" || got[0].AuthorID != "u1" {
		t.Fatalf("pending comment not replaced: %+v", got)
	}
	if _, err := r.AddComment("A", " ", nil); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
