package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/api"
	"board-sync/domain"
	"board-sync/session"
	"board-sync/subscription"
)

type memStore struct {
	mu     sync.Mutex
	boards map[string]domain.Snapshot
}

func (m *memStore) Load(_ context.Context, boardID string) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.boards[boardID]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// Save keeps only the board row; sessions in these tests never retire.
func (m *memStore) Save(_ context.Context, mut domain.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.boards[mut.Board.ID]
	snap.Board = mut.Board
	m.boards[mut.Board.ID] = snap
	return nil
}

func (m *memStore) CreateBoard(_ context.Context, b domain.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID] = domain.Snapshot{Board: b}
	return nil
}

type userAuth struct{}

func (userAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errors.New("missing authorization header")
	}
	return user, nil
}

func startServer(t *testing.T) (string, *session.Hub) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := &memStore{boards: map[string]domain.Snapshot{}}
	reg := subscription.NewRegistry(16, logger)
	hub := session.NewHub(store, reg, session.Options{Logger: logger})
	e := echo.New()
	api.Register(e, api.Deps{Boards: hub, Registry: reg, Auth: userAuth{}, Logger: logger, KeepAlive: time.Second})
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Close(context.Background())
		reg.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub
}

func connect(t *testing.T, ctx context.Context, url, user string) *Conn {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := Dial(ctx, url, user, logger)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	url, hub := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := hub.CreateBoard(ctx, "u1", "Sprint")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	alice := connect(t, ctx, url, "u1")
	bob := connect(t, ctx, url, "u1")
	ra, err := alice.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	rb, err := bob.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}

	cmd, err := ra.CreateList("Todo")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if v := ra.View(); len(v.Lists) != 1 || !strings.HasPrefix(v.Lists[0].ID, PendingPrefix) {
		t.Fatalf("optimistic list not shown: %+v", v.Lists)
	}
	if err := alice.Submit(cmd); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "alice confirmation", func() bool { return ra.Pending() == 0 && ra.Sequence() == 1 })
	waitFor(t, "bob delta", func() bool { return rb.Sequence() == 1 })

	va, vb := ra.View(), rb.View()
	if len(va.Lists) != 1 || len(vb.Lists) != 1 || va.Lists[0].ID != vb.Lists[0].ID {
		t.Fatalf("views diverged: %+v vs %+v", va.Lists, vb.Lists)
	}
	if strings.HasPrefix(va.Lists[0].ID, PendingPrefix) {
		t.Fatal("pending id survived confirmation")
	}
}

func TestRejectedCommandIsReverted(t *testing.T) {
	url, hub := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := hub.CreateBoard(ctx, "u1", "Sprint")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if _, err := hub.CreateList(ctx, domain.Origin{UserID: "u1"}, b.ID, "Todo"); err != nil {
		t.Fatalf("create list: %v", err)
	}

	c := connect(t, ctx, url, "u1")
	rec, err := c.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	listID := rec.View().Lists[0].ID

	// deleted on the server behind the client's back
	if _, err := hub.DeleteList(ctx, domain.Origin{UserID: "u1"}, b.ID, listID); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	waitFor(t, "delete delta", func() bool { return rec.Sequence() == 2 })

	// the client still has a stale view until the delete arrives; rename a
	// list that the server no longer has
	rec.Reset(domain.BoardView{Board: domain.Board{ID: b.ID, LastSequence: 2}, Lists: []domain.ListView{{List: domain.List{ID: listID, Title: "Todo"}}}})
	cmd, err := rec.RenameList(listID, "Doing")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := c.Submit(cmd); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "rejection", func() bool { return rec.Pending() == 0 })
	if got := rec.View().Lists[0].Title; got != "Todo" {
		t.Fatalf("rejected rename not reverted, title %q", got)
	}
}

func TestJoinUnknownBoardFails(t *testing.T) {
	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := connect(t, ctx, url, "u1")
	if _, err := c.Join(ctx, "missing"); err == nil {
		t.Fatal("expected join of unknown board to fail")
	}
}
