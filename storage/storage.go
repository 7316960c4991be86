package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-sync/domain"
	"board-sync/internal/consts"
)

// maxBatch is the entity group transaction limit of Azure Tables.
const maxBatch = 100

// Storage keeps every board in its own table partition: one board row plus
// one row per list and card.
type Storage struct {
	table *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{table: svc.NewClient(boardsTable)}, nil
}

// Load reads the full partition of a board.
func (s *Storage) Load(ctx context.Context, boardID string) (domain.Snapshot, error) {
	filter := "PartitionKey eq '" + quote(boardID) + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var rows [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Snapshot{}, err
		}
		rows = append(rows, resp.Entities...)
	}
	return decodeSnapshot(boardID, rows)
}

// Save writes a mutation as one entity group transaction, so either every
// row lands or none does. Mutations beyond the transaction limit are
// rejected as invalid.
func (s *Storage) Save(ctx context.Context, m domain.Mutation) error {
	actions, err := buildTransaction(m)
	if err != nil {
		return err
	}
	if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("save %s sequence %d: %w", m.Board.ID, m.Sequence(), err)
	}
	return nil
}

func buildTransaction(m domain.Mutation) ([]aztables.TransactionAction, error) {
	var actions []aztables.TransactionAction
	add := func(t aztables.TransactionType, payload []byte) {
		actions = append(actions, aztables.TransactionAction{ActionType: t, Entity: payload})
	}
	for _, id := range m.DeletedCards {
		payload, err := json.Marshal(Entity{PartitionKey: m.Board.ID, RowKey: cardRowKey(id)})
		if err != nil {
			return nil, err
		}
		add(aztables.TransactionTypeDelete, payload)
	}
	for _, id := range m.DeletedLists {
		payload, err := json.Marshal(Entity{PartitionKey: m.Board.ID, RowKey: listRowKey(id)})
		if err != nil {
			return nil, err
		}
		add(aztables.TransactionTypeDelete, payload)
	}
	for _, l := range m.Lists {
		payload, err := encodeListEntity(l)
		if err != nil {
			return nil, err
		}
		add(aztables.TransactionTypeInsertReplace, payload)
	}
	for _, c := range m.Cards {
		payload, err := encodeCardEntity(c)
		if err != nil {
			return nil, err
		}
		add(aztables.TransactionTypeInsertReplace, payload)
	}
	payload, err := encodeBoard(m.Board)
	if err != nil {
		return nil, err
	}
	add(aztables.TransactionTypeInsertReplace, payload)

	if len(actions) > maxBatch {
		return nil, fmt.Errorf("%w: %s touches %d rows, at most %d fit one transaction",
			domain.ErrInvalid, m.Kind, len(actions), maxBatch)
	}
	return actions, nil
}

// CreateBoard inserts the board row of a new board.
func (s *Storage) CreateBoard(ctx context.Context, b domain.Board) error {
	payload, err := encodeBoard(b)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

// GetBoard reads only the board row.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	ent, err := s.table.GetEntity(ctx, boardID, consts.BoardRowKey, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
		}
		return domain.Board{}, err
	}
	return decodeBoard(ent.Value)
}

// CanMutate reports whether userID owns or is a member of the board.
func (s *Storage) CanMutate(ctx context.Context, userID, boardID string) (bool, error) {
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return false, err
	}
	return b.CanMutate(userID), nil
}

// ListBoards returns the boards userID owns or is a member of, newest
// first. Members are stored as JSON text, so the membership check runs
// here rather than in the table filter.
func (s *Storage) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	filter := "RowKey eq '" + consts.BoardRowKey + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var rows [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, resp.Entities...)
	}
	return boardsFor(userID, rows)
}

func boardsFor(userID string, rows [][]byte) ([]domain.Board, error) {
	boards := make([]domain.Board, 0, len(rows))
	for _, row := range rows {
		b, err := decodeBoard(row)
		if err != nil {
			return nil, err
		}
		if b.CanMutate(userID) {
			boards = append(boards, b)
		}
	}
	sort.Slice(boards, func(i, j int) bool {
		if !boards[i].CreatedAt.Equal(boards[j].CreatedAt) {
			return boards[i].CreatedAt.After(boards[j].CreatedAt)
		}
		return boards[i].ID < boards[j].ID
	})
	return boards, nil
}

// LocateBoard finds the board that holds a list or card.
func (s *Storage) LocateBoard(ctx context.Context, entityID string) (string, error) {
	id := quote(entityID)
	filter := "RowKey eq '" + consts.CardRowPrefix + id + "' or RowKey eq '" + consts.ListRowPrefix + id + "'"
	sel := "PartitionKey,RowKey"
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return "", err
		}
		for _, row := range resp.Entities {
			var keys Entity
			if err := json.Unmarshal(row, &keys); err != nil {
				return "", err
			}
			return keys.PartitionKey, nil
		}
	}
	return "", fmt.Errorf("entity %s: %w", entityID, domain.ErrNotFound)
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// quote escapes a value for an OData string literal.
func quote(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
