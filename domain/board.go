package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"board-sync/position"
)

const (
	maxBoardTitle      = 100
	maxListTitle       = 100
	maxCardTitle       = 200
	maxCardDescription = 5000
	maxCommentText     = 2000
)

// Board is the top-level shared collection of ordered lists.
type Board struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Background   string    `json:"background,omitempty"`
	OwnerID      string    `json:"ownerId"`
	MemberIDs    []string  `json:"memberIds,omitempty"`
	LastSequence uint64    `json:"sequenceNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CanMutate reports whether userID owns or is a member of the board.
func (b Board) CanMutate(userID string) bool {
	if userID == "" {
		return false
	}
	if b.OwnerID == userID {
		return true
	}
	for _, m := range b.MemberIDs {
		if m == userID {
			return true
		}
	}
	return false
}

// List is an ordered collection of cards. It never changes board.
type List struct {
	ID       string            `json:"id"`
	BoardID  string            `json:"boardId"`
	Title    string            `json:"title"`
	Position position.Position `json:"position"`
}

// Snapshot is the durable state of one board as loaded from the store.
type Snapshot struct {
	Board Board
	Lists []List
	Cards []Card
}

// ListView is a list together with its cards in position order.
type ListView struct {
	List
	Cards []Card `json:"cards"`
}

// BoardView is a full board as served to clients. Lists and cards are
// sorted by position.
type BoardView struct {
	Board Board      `json:"board"`
	Lists []ListView `json:"lists"`
}

// Sequence is the sequence number of the last delta folded into the view.
func (v BoardView) Sequence() uint64 {
	return v.Board.LastSequence
}

// ValidateBoardTitle checks a board title.
func ValidateBoardTitle(title string) error {
	return validateText("board title", title, maxBoardTitle, true)
}

// ValidateListTitle checks a list title.
func ValidateListTitle(title string) error {
	return validateText("list title", title, maxListTitle, true)
}

// ValidateCardTitle checks a card title.
func ValidateCardTitle(title string) error {
	return validateText("card title", title, maxCardTitle, true)
}

func validateText(field, value string, max int, required bool) error {
	if required && strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, field)
	}
	if utf8.RuneCountInString(value) > max {
		return fmt.Errorf("%w: %s cannot exceed %d characters", ErrInvalid, field, max)
	}
	return nil
}
