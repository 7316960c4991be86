package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// CommandType selects the board operation a command runs.
type CommandType string

const (
	CommandCreateList CommandType = "create-list"
	CommandCreateCard CommandType = "create-card"
	CommandMoveCard   CommandType = "move-card"
	CommandMoveList   CommandType = "move-list"
	CommandRenameList CommandType = "rename-list"
	CommandDeleteList CommandType = "delete-list"
	CommandUpdateCard CommandType = "update-card"
	CommandDeleteCard CommandType = "delete-card"
	CommandAddComment CommandType = "add-comment"
)

// Command represents a write request against a board.
// The idempotency key doubles as the correlation id of the resulting delta.
type Command struct {
	IdempotencyKey string                 `json:"idempotencyKey"`
	Type           CommandType            `json:"type"`
	BoardID        string                 `json:"boardId,omitempty"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
}

type CreateListData struct {
	Title string `json:"title"`
}

type CreateCardData struct {
	ListID string `json:"listId"`
	Title  string `json:"title"`
}

// MoveCardData names the intended neighbors of the card in the target list.
// Empty ids mean "no neighbor on that side".
type MoveCardData struct {
	CardID        string `json:"cardId"`
	TargetListID  string `json:"targetListId"`
	PredecessorID string `json:"predecessorId,omitempty"`
	SuccessorID   string `json:"successorId,omitempty"`
}

type MoveListData struct {
	ListID        string `json:"listId"`
	PredecessorID string `json:"predecessorId,omitempty"`
	SuccessorID   string `json:"successorId,omitempty"`
}

type RenameListData struct {
	ListID string `json:"listId"`
	Title  string `json:"title"`
}

type DeleteListData struct {
	ListID string `json:"listId"`
}

type UpdateCardData struct {
	CardID string     `json:"cardId"`
	Update CardUpdate `json:"update"`
}

type DeleteCardData struct {
	CardID string `json:"cardId"`
}

// AddCommentData appends a comment to a card. Author and time are set by
// the server.
type AddCommentData struct {
	CardID   string   `json:"cardId"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// NewCommand encodes data into a command envelope.
func NewCommand(t CommandType, boardID, key string, data any) (Command, error) {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Command{IdempotencyKey: key, Type: t, BoardID: boardID, Data: raw}, nil
}

// Decode unmarshals the command data into v.
func (c Command) Decode(v any) error {
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", ErrInvalid, c.Type)
	}
	if err := sonic.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalid, c.Type, err)
	}
	return nil
}

// CommandResult reports the outcome of one command.
type CommandResult struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Status         int    `json:"status"`
	// Sequence is where the command's delta committed. For a duplicate it
	// is the sequence of the first submission, 0 while that is unknown.
	Sequence uint64 `json:"sequence,omitempty"`
	Delta    *Delta `json:"delta,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Message types exchanged over a realtime connection.
const (
	MessageJoin    = "join"
	MessageLeave   = "leave"
	MessageCommand = "command"
	MessageJoined  = "joined"
	MessageLeft    = "left"
	MessageDelta   = "delta"
	MessageResult  = "result"
	MessageResync  = "resync"
	MessageError   = "error"
)

// Message is the frame of the realtime protocol in both directions.
type Message struct {
	Type    string         `json:"type"`
	BoardID string         `json:"boardId,omitempty"`
	Command *Command       `json:"command,omitempty"`
	Delta   *Delta         `json:"delta,omitempty"`
	Board   *BoardView     `json:"board,omitempty"`
	Result  *CommandResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}
