package domain

import "board-sync/position"

// Kind names the change a delta describes.
type Kind string

const (
	ListCreated Kind = "list-created"
	ListMoved   Kind = "list-moved"
	ListUpdated Kind = "list-updated"
	ListDeleted Kind = "list-deleted"
	CardCreated Kind = "card-created"
	CardMoved   Kind = "card-moved"
	CardUpdated Kind = "card-updated"
	CardDeleted Kind = "card-deleted"
)

// Renumbered is a sibling whose position was changed to make room.
type Renumbered struct {
	ID       string            `json:"id"`
	Position position.Position `json:"position"`
}

// Payload is the kind specific body of a delta. Only the fields relevant to
// the kind are set.
type Payload struct {
	EntityID       string             `json:"entityId"`
	Position       *position.Position `json:"position,omitempty"`
	ListID         string             `json:"listId,omitempty"`
	FromListID     string             `json:"fromListId,omitempty"`
	ToListID       string             `json:"toListId,omitempty"`
	List           *List              `json:"list,omitempty"`
	Card           *Card              `json:"card,omitempty"`
	DeletedCardIDs []string           `json:"deletedCardIds,omitempty"`
	Renumbered     []Renumbered       `json:"renumbered,omitempty"`
}

// Delta is one committed change to a board. Deltas of a board carry
// consecutive sequence numbers starting at 1.
type Delta struct {
	BoardID       string  `json:"boardId"`
	Sequence      uint64  `json:"sequenceNumber"`
	Kind          Kind    `json:"kind"`
	CorrelationID string  `json:"correlationId,omitempty"`
	ActorID       string  `json:"actorId,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	Payload       Payload `json:"payload"`
}

// Origin identifies who requested a mutation and how the client will
// recognise the resulting delta.
type Origin struct {
	UserID        string
	CorrelationID string
}

// Mutation is the durable write produced by a single board operation.
// Lists and Cards are full upserts.
type Mutation struct {
	Board        Board
	Kind         Kind
	Lists        []List
	Cards        []Card
	DeletedLists []string
	DeletedCards []string
}

// Sequence is the sequence number the mutation commits.
func (m Mutation) Sequence() uint64 {
	return m.Board.LastSequence
}
