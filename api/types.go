package api

import (
	"context"

	"board-sync/domain"
)

// BoardService runs board operations. It is implemented by *session.Hub.
type BoardService interface {
	CreateBoard(ctx context.Context, userID, title string) (domain.Board, error)
	ListBoards(ctx context.Context, userID string) ([]domain.Board, error)
	Snapshot(ctx context.Context, userID, boardID string) (domain.BoardView, error)
	Authorize(ctx context.Context, userID, boardID string) error
	BoardOf(ctx context.Context, entityID string) (string, error)

	CreateList(ctx context.Context, o domain.Origin, boardID, title string) (domain.Delta, error)
	CreateCard(ctx context.Context, o domain.Origin, boardID, listID, title string) (domain.Delta, error)
	MoveCard(ctx context.Context, o domain.Origin, boardID, cardID, targetListID, predID, succID string) (domain.Delta, error)
	MoveList(ctx context.Context, o domain.Origin, boardID, listID, predID, succID string) (domain.Delta, error)
	RenameList(ctx context.Context, o domain.Origin, boardID, listID, title string) (domain.Delta, error)
	DeleteList(ctx context.Context, o domain.Origin, boardID, listID string) (domain.Delta, error)
	UpdateCard(ctx context.Context, o domain.Origin, boardID, cardID string, upd domain.CardUpdate) (domain.Delta, error)
	DeleteCard(ctx context.Context, o domain.Origin, boardID, cardID string) (domain.Delta, error)
	AddComment(ctx context.Context, o domain.Origin, boardID, cardID, text string, mentions []string) (domain.Delta, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Ledger tracks command idempotency keys and where their deltas committed.
type Ledger interface {
	// Claim records the keys of cmds and reports which of them were new.
	Claim(ctx context.Context, userID string, cmds []domain.Command) ([]bool, error)
	// Confirm stores the sequence a claimed command committed at.
	Confirm(ctx context.Context, userID, key string, d domain.Delta) error
	// Outcomes returns committed sequences for keys, 0 while unknown.
	Outcomes(ctx context.Context, userID string, keys []string) ([]uint64, error)
	// Release forgets a claimed key, used when the command fails.
	Release(ctx context.Context, userID, key string) error
}
