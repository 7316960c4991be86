package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

var errDuplicate = errors.New("duplicate command")

// commandRunner executes command batches for both the REST and the
// websocket transports.
type commandRunner struct {
	boards BoardService
	ledger Ledger
	log    *log.Logger
}

// run executes cmds in order. Commands whose idempotency key was seen
// before are skipped with 409, carrying the sequence the first submission
// committed at once known. A failed command releases its key so the client
// may retry it.
func (r *commandRunner) run(ctx context.Context, userID string, cmds []domain.Command) ([]domain.CommandResult, error) {
	keys := make([]string, len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		keys[i] = cmds[i].IdempotencyKey
	}

	fresh := make([]bool, len(cmds))
	if r.ledger == nil {
		for i := range fresh {
			fresh[i] = true
		}
	} else {
		claimed, err := r.ledger.Claim(ctx, userID, cmds)
		if err != nil {
			r.release(userID, keys, claimed)
			return nil, fmt.Errorf("%w: dedupe: %v", domain.ErrUnavailable, err)
		}
		copy(fresh, claimed)
	}
	committed := r.outcomes(ctx, userID, keys, fresh)

	results := make([]domain.CommandResult, len(cmds))
	for i, cmd := range cmds {
		res := domain.CommandResult{IdempotencyKey: cmd.IdempotencyKey}
		if !fresh[i] {
			res.Status = statusFor(errDuplicate)
			res.Error = errDuplicate.Error()
			res.Sequence = committed[cmd.IdempotencyKey]
			results[i] = res
			continue
		}
		d, err := runCommand(ctx, r.boards, userID, cmd)
		if err != nil {
			res.Status = statusFor(err)
			res.Error = err.Error()
			r.release(userID, keys[i:i+1], []bool{true})
			if res.Status >= http.StatusInternalServerError {
				r.log.WithError(err).WithFields(log.Fields{"user": userID, "type": cmd.Type, "board": cmd.BoardID}).Error("command failed")
			}
		} else {
			res.Status = http.StatusOK
			res.Delta = &d
			res.Sequence = d.Sequence
			r.confirm(userID, cmd.IdempotencyKey, d)
		}
		results[i] = res
	}
	return results, nil
}

// outcomes looks up where duplicate commands committed. Lookup failures
// only cost the client the sequence hint.
func (r *commandRunner) outcomes(ctx context.Context, userID string, keys []string, fresh []bool) map[string]uint64 {
	var dups []string
	for i, k := range keys {
		if !fresh[i] {
			dups = append(dups, k)
		}
	}
	if len(dups) == 0 || r.ledger == nil {
		return nil
	}
	seqs, err := r.ledger.Outcomes(ctx, userID, dups)
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("command outcome lookup failed")
		return nil
	}
	out := make(map[string]uint64, len(dups))
	for i, k := range dups {
		out[k] = seqs[i]
	}
	return out
}

func (r *commandRunner) confirm(userID, key string, d domain.Delta) {
	if r.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.Confirm(ctx, userID, key, d); err != nil {
		r.log.WithError(err).WithFields(log.Fields{"user": userID, "key": key, "sequence": d.Sequence}).Warn("command outcome not recorded")
	}
}

func (r *commandRunner) release(userID string, keys []string, claimed []bool) {
	if r.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, k := range keys {
		if i >= len(claimed) || !claimed[i] {
			continue
		}
		if err := r.ledger.Release(ctx, userID, k); err != nil {
			r.log.Errorf("dedupe rollback failed, err : %v, key: %s, user: %s", err, k, userID)
		}
	}
}

// runCommand decodes one command and dispatches it to the board service.
func runCommand(ctx context.Context, boards BoardService, userID string, cmd domain.Command) (domain.Delta, error) {
	o := domain.Origin{UserID: userID, CorrelationID: cmd.IdempotencyKey}
	switch cmd.Type {
	case domain.CommandCreateList:
		var data domain.CreateListData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		if cmd.BoardID == "" {
			return domain.Delta{}, fmt.Errorf("%w: boardId is required", domain.ErrInvalid)
		}
		return boards.CreateList(ctx, o, cmd.BoardID, data.Title)

	case domain.CommandCreateCard:
		var data domain.CreateCardData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.ListID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.CreateCard(ctx, o, boardID, data.ListID, data.Title)

	case domain.CommandMoveCard:
		var data domain.MoveCardData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		if data.TargetListID == "" {
			return domain.Delta{}, fmt.Errorf("%w: targetListId is required", domain.ErrInvalid)
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.CardID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.MoveCard(ctx, o, boardID, data.CardID, data.TargetListID, data.PredecessorID, data.SuccessorID)

	case domain.CommandMoveList:
		var data domain.MoveListData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.ListID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.MoveList(ctx, o, boardID, data.ListID, data.PredecessorID, data.SuccessorID)

	case domain.CommandRenameList:
		var data domain.RenameListData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.ListID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.RenameList(ctx, o, boardID, data.ListID, data.Title)

	case domain.CommandDeleteList:
		var data domain.DeleteListData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.ListID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.DeleteList(ctx, o, boardID, data.ListID)

	case domain.CommandUpdateCard:
		var data domain.UpdateCardData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.CardID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.UpdateCard(ctx, o, boardID, data.CardID, data.Update)

	case domain.CommandDeleteCard:
		var data domain.DeleteCardData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.CardID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.DeleteCard(ctx, o, boardID, data.CardID)

	case domain.CommandAddComment:
		var data domain.AddCommentData
		if err := cmd.Decode(&data); err != nil {
			return domain.Delta{}, err
		}
		boardID, err := boardFor(ctx, boards, cmd.BoardID, data.CardID)
		if err != nil {
			return domain.Delta{}, err
		}
		return boards.AddComment(ctx, o, boardID, data.CardID, data.Text, data.Mentions)
	}
	return domain.Delta{}, fmt.Errorf("%w: unknown command type %q", domain.ErrInvalid, cmd.Type)
}

// boardFor returns boardID, or looks up the board owning entityID when the
// command did not name one.
func boardFor(ctx context.Context, boards BoardService, boardID, entityID string) (string, error) {
	if entityID == "" {
		return "", fmt.Errorf("%w: entity id is required", domain.ErrInvalid)
	}
	if boardID != "" {
		return boardID, nil
	}
	return boards.BoardOf(ctx, entityID)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
