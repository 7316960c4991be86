package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestCardMarshalIncludesZeroPosition(t *testing.T) {
	card := Card{ID: "c1", ListID: "l1", Title: "Title", Position: 0}

	payload, err := sonic.Marshal(card)
	if err != nil {
		t.Fatalf("marshal card: %v", err)
	}

	if !strings.Contains(string(payload), "\"position\":0") {
		t.Fatalf("expected position field to be present, got %s", payload)
	}
}

func TestBoardCanMutate(t *testing.T) {
	b := Board{OwnerID: "owner", MemberIDs: []string{"member"}}
	for user, want := range map[string]bool{"owner": true, "member": true, "stranger": false, "": false} {
		if got := b.CanMutate(user); got != want {
			t.Fatalf("CanMutate(%q) = %v, want %v", user, got, want)
		}
	}
}

func TestTitleLimits(t *testing.T) {
	if err := ValidateListTitle("   "); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected blank title to be invalid, got %v", err)
	}
	if err := ValidateCardTitle(strings.Repeat("x", 200)); err != nil {
		t.Fatalf("200 character card title rejected: %v", err)
	}
	if err := ValidateCardTitle(strings.Repeat("x", 201)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected long card title to be invalid, got %v", err)
	}
	if err := ValidateBoardTitle(strings.Repeat("é", 100)); err != nil {
		t.Fatalf("limit should count characters, got %v", err)
	}
}

func TestCardUpdateApply(t *testing.T) {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	card := Card{ID: "c1", Title: "old", Labels: []Label{{ID: "l1", Name: "bug"}}}
	title := "new"
	labels := []Label{{ID: "l2", Name: "feature", Color: "green"}}
	upd := CardUpdate{Title: &title, DueDate: &due, Labels: &labels}
	if err := upd.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	upd.Apply(&card)

	if card.Title != "new" || card.DueDate == nil || !card.DueDate.Equal(due) {
		t.Fatalf("unexpected card %+v", card)
	}
	if len(card.Labels) != 1 || card.Labels[0].ID != "l2" {
		t.Fatalf("labels not replaced: %+v", card.Labels)
	}
	labels[0].Name = "mutated"
	if card.Labels[0].Name != "feature" {
		t.Fatal("card shares label slice with update")
	}

	reset := CardUpdate{ClearDueDate: true}
	reset.Apply(&card)
	if card.DueDate != nil {
		t.Fatal("expected due date to be cleared")
	}
}

func TestCardUpdateValidate(t *testing.T) {
	long := strings.Repeat("d", 5001)
	due := time.Now()
	tests := []struct {
		name string
		upd  CardUpdate
	}{
		{name: "empty", upd: CardUpdate{}},
		{name: "description", upd: CardUpdate{Description: &long}},
		{name: "due conflict", upd: CardUpdate{DueDate: &due, ClearDueDate: true}},
		{name: "checklist id", upd: CardUpdate{Checklist: &[]ChecklistItem{{Text: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.upd.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCardCloneDoesNotShare(t *testing.T) {
	card := Card{
		AssignedTo: []string{"a"},
		Checklist:  []ChecklistItem{{ID: "1"}},
		Comments:   []Comment{{ID: "m1", Text: "hi", Mentions: []string{"a"}}},
	}
	cp := card.Clone()
	cp.AssignedTo[0] = "b"
	cp.Checklist[0].Completed = true
	cp.Comments[0].Text = "changed"
	cp.Comments[0].Mentions[0] = "b"
	if card.AssignedTo[0] != "a" || card.Checklist[0].Completed || card.Comments[0].Text != "hi" || card.Comments[0].Mentions[0] != "a" {
		t.Fatalf("clone shares slices with original: %+v", card)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand(CommandMoveCard, "b1", "k1", MoveCardData{CardID: "c1", TargetListID: "l2", PredecessorID: "c0"})
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	payload, err := sonic.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Command
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var data MoveCardData
	if err := decoded.Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != CommandMoveCard || data.CardID != "c1" || data.TargetListID != "l2" || data.PredecessorID != "c0" || data.SuccessorID != "" {
		t.Fatalf("unexpected command %+v data %+v", decoded, data)
	}
}

func TestCommandDecodeRequiresData(t *testing.T) {
	var data CreateListData
	if err := (Command{Type: CommandCreateList}).Decode(&data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if err := (Command{Type: CommandCreateList, Data: []byte("{")}).Decode(&data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed data, got %v", err)
	}
}

func TestValidateComment(t *testing.T) {
	if err := ValidateComment("  "); !errors.Is(err, ErrInvalid) {
		t.Fatalf("blank comment should be invalid, got %v", err)
	}
	if err := ValidateComment(strings.Repeat("x", maxCommentText+1)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("long comment should be invalid, got %v", err)
	}
	if err := ValidateComment("ship it"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
