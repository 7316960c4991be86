package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"board-sync/domain"
	"board-sync/internal/consts"
	"board-sync/position"
)

const (
	EdmInt64    = "Edm.Int64"
	EdmDouble   = "Edm.Double"
	EdmDateTime = "Edm.DateTime"
)

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type boardEntity struct {
	Entity
	Title            string    `json:"Title"`
	Background       string    `json:"Background,omitempty"`
	OwnerID          string    `json:"OwnerId"`
	Members          string    `json:"Members,omitempty"`
	LastSequence     int64     `json:"LastSequence,string"`
	LastSequenceType string    `json:"LastSequence@odata.type"`
	CreatedAt        time.Time `json:"CreatedAt"`
	CreatedAtType    string    `json:"CreatedAt@odata.type"`
}

type listEntity struct {
	Entity
	Title        string  `json:"Title"`
	Position     float64 `json:"Position"`
	PositionType string  `json:"Position@odata.type"`
}

type cardEntity struct {
	Entity
	ListID        string     `json:"ListId"`
	Title         string     `json:"Title"`
	Description   string     `json:"Description,omitempty"`
	Position      float64    `json:"Position"`
	PositionType  string     `json:"Position@odata.type"`
	DueDate       *time.Time `json:"DueDate,omitempty"`
	DueDateType   string     `json:"DueDate@odata.type,omitempty"`
	Labels        string     `json:"Labels,omitempty"`
	Checklist     string     `json:"Checklist,omitempty"`
	Attachments   string     `json:"Attachments,omitempty"`
	AssignedTo    string     `json:"AssignedTo,omitempty"`
	Comments      string     `json:"Comments,omitempty"`
	CreatedBy     string     `json:"CreatedBy,omitempty"`
	CreatedAt     time.Time  `json:"CreatedAt"`
	CreatedAtType string     `json:"CreatedAt@odata.type"`
	UpdatedAt     time.Time  `json:"UpdatedAt"`
	UpdatedAtType string     `json:"UpdatedAt@odata.type"`
}

func listRowKey(id string) string { return consts.ListRowPrefix + id }
func cardRowKey(id string) string { return consts.CardRowPrefix + id }

func encodeBoard(b domain.Board) ([]byte, error) {
	members, err := encodeList(b.MemberIDs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boardEntity{
		Entity:           Entity{PartitionKey: b.ID, RowKey: consts.BoardRowKey},
		Title:            b.Title,
		Background:       b.Background,
		OwnerID:          b.OwnerID,
		Members:          members,
		LastSequence:     int64(b.LastSequence),
		LastSequenceType: EdmInt64,
		CreatedAt:        b.CreatedAt.UTC(),
		CreatedAtType:    EdmDateTime,
	})
}

func decodeBoard(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{
		ID:           ent.PartitionKey,
		Title:        ent.Title,
		Background:   ent.Background,
		OwnerID:      ent.OwnerID,
		LastSequence: uint64(ent.LastSequence),
		CreatedAt:    ent.CreatedAt,
	}
	if err := decodeList(ent.Members, &b.MemberIDs); err != nil {
		return domain.Board{}, fmt.Errorf("board %s members: %w", ent.PartitionKey, err)
	}
	return b, nil
}

func encodeListEntity(l domain.List) ([]byte, error) {
	return json.Marshal(listEntity{
		Entity:       Entity{PartitionKey: l.BoardID, RowKey: listRowKey(l.ID)},
		Title:        l.Title,
		Position:     float64(l.Position),
		PositionType: EdmDouble,
	})
}

func decodeListEntity(data []byte) (domain.List, error) {
	var ent listEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.List{}, err
	}
	return domain.List{
		ID:       strings.TrimPrefix(ent.RowKey, consts.ListRowPrefix),
		BoardID:  ent.PartitionKey,
		Title:    ent.Title,
		Position: position.Position(ent.Position),
	}, nil
}

func encodeCardEntity(c domain.Card) ([]byte, error) {
	ent := cardEntity{
		Entity:        Entity{PartitionKey: c.BoardID, RowKey: cardRowKey(c.ID)},
		ListID:        c.ListID,
		Title:         c.Title,
		Description:   c.Description,
		Position:      float64(c.Position),
		PositionType:  EdmDouble,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt.UTC(),
		CreatedAtType: EdmDateTime,
		UpdatedAt:     c.UpdatedAt.UTC(),
		UpdatedAtType: EdmDateTime,
	}
	if c.DueDate != nil {
		d := c.DueDate.UTC()
		ent.DueDate = &d
		ent.DueDateType = EdmDateTime
	}
	var err error
	if ent.Labels, err = encodeList(c.Labels); err != nil {
		return nil, err
	}
	if ent.Checklist, err = encodeList(c.Checklist); err != nil {
		return nil, err
	}
	if ent.Attachments, err = encodeList(c.Attachments); err != nil {
		return nil, err
	}
	if ent.AssignedTo, err = encodeList(c.AssignedTo); err != nil {
		return nil, err
	}
	if ent.Comments, err = encodeList(c.Comments); err != nil {
		return nil, err
	}
	return json.Marshal(ent)
}

func decodeCardEntity(data []byte) (domain.Card, error) {
	var ent cardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Card{}, err
	}
	c := domain.Card{
		ID:          strings.TrimPrefix(ent.RowKey, consts.CardRowPrefix),
		BoardID:     ent.PartitionKey,
		ListID:      ent.ListID,
		Title:       ent.Title,
		Description: ent.Description,
		Position:    position.Position(ent.Position),
		DueDate:     ent.DueDate,
		CreatedBy:   ent.CreatedBy,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{ent.Labels, &c.Labels},
		{ent.Checklist, &c.Checklist},
		{ent.Attachments, &c.Attachments},
		{ent.AssignedTo, &c.AssignedTo},
		{ent.Comments, &c.Comments},
	} {
		if err := decodeList(f.raw, f.dst); err != nil {
			return domain.Card{}, fmt.Errorf("card %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// Table properties cannot hold arrays, so slices are stored as JSON text.
func encodeList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// decodeSnapshot sorts raw partition rows into a board snapshot.
func decodeSnapshot(boardID string, rows [][]byte) (domain.Snapshot, error) {
	var snap domain.Snapshot
	found := false
	for _, row := range rows {
		var keys Entity
		if err := json.Unmarshal(row, &keys); err != nil {
			return domain.Snapshot{}, err
		}
		switch {
		case keys.RowKey == consts.BoardRowKey:
			b, err := decodeBoard(row)
			if err != nil {
				return domain.Snapshot{}, err
			}
			snap.Board = b
			found = true
		case strings.HasPrefix(keys.RowKey, consts.ListRowPrefix):
			l, err := decodeListEntity(row)
			if err != nil {
				return domain.Snapshot{}, err
			}
			snap.Lists = append(snap.Lists, l)
		case strings.HasPrefix(keys.RowKey, consts.CardRowPrefix):
			c, err := decodeCardEntity(row)
			if err != nil {
				return domain.Snapshot{}, err
			}
			snap.Cards = append(snap.Cards, c)
		}
	}
	if !found {
		return domain.Snapshot{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	return snap, nil
}
