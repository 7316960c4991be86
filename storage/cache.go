package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
	"board-sync/internal/consts"
)

type backend interface {
	Load(ctx context.Context, boardID string) (domain.Snapshot, error)
	Save(ctx context.Context, m domain.Mutation) error
	CreateBoard(ctx context.Context, b domain.Board) error
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	LocateBoard(ctx context.Context, entityID string) (string, error)
	ListBoards(ctx context.Context, userID string) ([]domain.Board, error)
}

// Cache wraps a Storage instance with Redis-backed caching for board access
// and entity locations. Redis failures fall back to the backing storage.
// Snapshots are never cached: a live board session already holds the
// current state, and a session started from a snapshot older than the
// stored board would reissue sequence numbers.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

type cachedAccess struct {
	OwnerID   string   `json:"ownerId"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// Load always reads the backing storage.
func (c *Cache) Load(ctx context.Context, boardID string) (domain.Snapshot, error) {
	return c.base.Load(ctx, boardID)
}

// Save writes through. Locations of new rows are cached, those of deleted
// rows evicted. Location entries are hints: a stale one resolves to a board
// whose session reports the entity as not found.
func (c *Cache) Save(ctx context.Context, m domain.Mutation) error {
	if err := c.base.Save(ctx, m); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	_, _ = c.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range append(append([]string(nil), m.DeletedLists...), m.DeletedCards...) {
			p.Del(ctx, locationCacheKey(id))
		}
		if c.ttl == 0 {
			return nil
		}
		for _, l := range m.Lists {
			p.Set(ctx, locationCacheKey(l.ID), m.Board.ID, c.ttl)
		}
		for _, card := range m.Cards {
			p.Set(ctx, locationCacheKey(card.ID), m.Board.ID, c.ttl)
		}
		return nil
	})
	return nil
}

func (c *Cache) CreateBoard(ctx context.Context, b domain.Board) error {
	if err := c.base.CreateBoard(ctx, b); err != nil {
		return err
	}
	c.set(ctx, accessCacheKey(b.ID), cachedAccess{OwnerID: b.OwnerID, MemberIDs: b.MemberIDs})
	return nil
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return c.base.GetBoard(ctx, boardID)
}

// ListBoards is not cached: membership changes would have to evict every
// member's entry.
func (c *Cache) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	return c.base.ListBoards(ctx, userID)
}

func (c *Cache) CanMutate(ctx context.Context, userID, boardID string) (bool, error) {
	var acc cachedAccess
	if !c.get(ctx, accessCacheKey(boardID), &acc) {
		b, err := c.base.GetBoard(ctx, boardID)
		if err != nil {
			return false, err
		}
		acc = cachedAccess{OwnerID: b.OwnerID, MemberIDs: b.MemberIDs}
		c.set(ctx, accessCacheKey(boardID), acc)
	}
	return domain.Board{OwnerID: acc.OwnerID, MemberIDs: acc.MemberIDs}.CanMutate(userID), nil
}

func (c *Cache) LocateBoard(ctx context.Context, entityID string) (string, error) {
	if c.redis != nil {
		boardID, err := c.redis.Get(ctx, locationCacheKey(entityID)).Result()
		if err == nil {
			return boardID, nil
		}
	}
	boardID, err := c.base.LocateBoard(ctx, entityID)
	if err != nil {
		return "", err
	}
	if c.redis != nil && c.ttl > 0 {
		_ = c.redis.Set(ctx, locationCacheKey(entityID), boardID, c.ttl).Err()
	}
	return boardID, nil
}

func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func accessCacheKey(boardID string) string {
	return consts.AccessKeyPrefix + boardID
}

func locationCacheKey(id string) string {
	return consts.LocationKeyPrefix + id
}
