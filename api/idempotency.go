package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
	"board-sync/internal/consts"
)

// pendingOutcome marks a claimed command whose delta has not committed yet.
const pendingOutcome = "0"

// CommandLedger remembers the idempotency keys of submitted board commands
// in Redis, shared by every instance. A key is claimed as pending before the
// command runs and then holds the sequence number its delta committed at,
// so a retried command can be told where its change landed.
type CommandLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCommandLedger keeps keys for ttl.
func NewCommandLedger(client *redis.Client, ttl time.Duration) *CommandLedger {
	return &CommandLedger{client: client, ttl: ttl}
}

func (l *CommandLedger) key(userID, key string) string {
	return fmt.Sprintf("%s:%s:%s", consts.DedupeKeyPrefix, userID, key)
}

// Claim records the keys of cmds as pending in one pipeline and reports
// which of them were new. On error the slice holds the claims made before
// the failure so the caller can release them.
func (l *CommandLedger) Claim(ctx context.Context, userID string, cmds []domain.Command) ([]bool, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	claimed := make([]bool, len(cmds))
	res, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range cmds {
			pipe.SetNX(ctx, l.key(userID, cmd.IdempotencyKey), pendingOutcome, l.ttl)
		}
		return nil
	})
	if err != nil {
		return claimed, err
	}
	if len(res) != len(cmds) {
		return claimed, fmt.Errorf("ledger pipeline mismatch: expected %d results, got %d", len(cmds), len(res))
	}
	for i, c := range res {
		boolCmd, ok := c.(*redis.BoolCmd)
		if !ok {
			return claimed, fmt.Errorf("unexpected redis response type %T", c)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return claimed, cmdErr
		}
		claimed[i] = val
	}
	return claimed, nil
}

// Confirm stores the sequence the command committed at. The key keeps its
// remaining TTL; a key that already expired is not recreated.
func (l *CommandLedger) Confirm(ctx context.Context, userID, key string, d domain.Delta) error {
	err := l.client.SetArgs(ctx, l.key(userID, key), strconv.FormatUint(d.Sequence, 10), redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Outcomes returns the committed sequence of each key, 0 for keys still
// pending or unknown.
func (l *CommandLedger) Outcomes(ctx context.Context, userID string, keys []string) ([]uint64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = l.key(userID, k)
	}
	vals, err := l.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if seq, err := strconv.ParseUint(s, 10, 64); err == nil {
			out[i] = seq
		}
	}
	return out, nil
}

// Release forgets a claimed key so the command may be retried.
func (l *CommandLedger) Release(ctx context.Context, userID, key string) error {
	return l.client.Del(ctx, l.key(userID, key)).Err()
}
