package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

func newTestLedger(t *testing.T) (*CommandLedger, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewCommandLedger(client, time.Minute), m
}

func keyed(keys ...string) []domain.Command {
	cmds := make([]domain.Command, len(keys))
	for i, k := range keys {
		cmds[i] = domain.Command{IdempotencyKey: k, Type: domain.CommandCreateList}
	}
	return cmds
}

func TestCommandLedgerClaim(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Claim(ctx, "user", keyed("k1", "k2", "k3"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i, claimed := range first {
		if !claimed {
			t.Fatalf("expected key %d to be claimed", i)
		}
	}

	second, err := ledger.Claim(ctx, "user", keyed("k1", "k4"))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second[0] || !second[1] {
		t.Fatalf("unexpected second results: %v", second)
	}
}

func TestCommandLedgerKeyNamespacingAndTTL(t *testing.T) {
	ledger, m := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "alice", keyed("k")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, err := ledger.Claim(ctx, "bob", keyed("k"))
	if err != nil || !claimed[0] {
		t.Fatalf("same key for another user must be fresh, got %v err %v", claimed, err)
	}
	if !m.Exists("cmd:alice:k") {
		t.Fatalf("expected namespaced key, have %v", m.Keys())
	}
	if ttl := m.TTL("cmd:alice:k"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	m.FastForward(2 * time.Minute)
	again, err := ledger.Claim(ctx, "alice", keyed("k"))
	if err != nil || !again[0] {
		t.Fatalf("expired key must be fresh, got %v err %v", again, err)
	}
}

func TestCommandLedgerConfirmKeepsTTL(t *testing.T) {
	ledger, m := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "u1", keyed("pending", "done")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	m.FastForward(20 * time.Second)
	if err := ledger.Confirm(ctx, "u1", "done", domain.Delta{Sequence: 42}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ttl := m.TTL("cmd:u1:done"); ttl != 40*time.Second {
		t.Fatalf("confirm should keep the remaining ttl, got %v", ttl)
	}

	seqs, err := ledger.Outcomes(ctx, "u1", []string{"done", "pending", "unknown"})
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if seqs[0] != 42 || seqs[1] != 0 || seqs[2] != 0 {
		t.Fatalf("unexpected outcomes %v", seqs)
	}

	if err := ledger.Confirm(ctx, "u1", "expired", domain.Delta{Sequence: 7}); err != nil {
		t.Fatalf("confirm of an unknown key: %v", err)
	}
	if m.Exists("cmd:u1:expired") {
		t.Fatal("confirm must not recreate a key")
	}
}

func TestCommandLedgerRelease(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "user", keyed("k")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Release(ctx, "user", "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err := ledger.Claim(ctx, "user", keyed("k"))
	if err != nil || !claimed[0] {
		t.Fatalf("released key must be fresh, got %v err %v", claimed, err)
	}
}

func TestCommandLedgerEmpty(t *testing.T) {
	ledger, _ := newTestLedger(t)
	got, err := ledger.Claim(context.Background(), "user", nil)
	if err != nil || got != nil {
		t.Fatalf("unexpected result %v err %v", got, err)
	}
}
