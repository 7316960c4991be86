package subscription

import (
	"testing"
	"time"

	"board-sync/domain"
)

func delta(board string, seq uint64) domain.Delta {
	return domain.Delta{BoardID: board, Sequence: seq, Kind: domain.CardMoved}
}

func receive(t *testing.T, c *Conn) domain.Delta {
	t.Helper()
	select {
	case d := <-c.Deltas():
		return d
	case <-time.After(time.Second):
		t.Fatal("no delta received")
	}
	return domain.Delta{}
}

func TestBroadcastReachesJoinedConnectionsOnly(t *testing.T) {
	r := NewRegistry(4, nil)
	a := r.Connect("u1")
	b := r.Connect("u2")
	other := r.Connect("u3")
	r.Join(a, "sprint")
	r.Join(b, "sprint")
	r.Join(other, "roadmap")

	r.Broadcast("sprint", delta("sprint", 1))

	if d := receive(t, a); d.Sequence != 1 {
		t.Fatalf("unexpected delta %+v", d)
	}
	if d := receive(t, b); d.Sequence != 1 {
		t.Fatalf("unexpected delta %+v", d)
	}
	select {
	case d := <-other.Deltas():
		t.Fatalf("connection on another board got %+v", d)
	default:
	}
}

func TestJoinMovesConnection(t *testing.T) {
	r := NewRegistry(4, nil)
	c := r.Connect("u1")
	r.Join(c, "sprint")
	r.Join(c, "sprint")
	r.Join(c, "roadmap")

	if r.Subscribers("sprint") != 0 || r.Subscribers("roadmap") != 1 {
		t.Fatalf("unexpected subscribers sprint=%d roadmap=%d", r.Subscribers("sprint"), r.Subscribers("roadmap"))
	}
	if r.Board(c) != "roadmap" {
		t.Fatalf("unexpected board %q", r.Board(c))
	}

	r.Leave(c, "sprint")
	if r.Board(c) != "roadmap" {
		t.Fatal("leaving another board must be a no-op")
	}
	r.Leave(c, "roadmap")
	r.Leave(c, "roadmap")
	if r.Board(c) != "" || r.Subscribers("roadmap") != 0 {
		t.Fatal("expected connection to be detached")
	}
}

func TestLaggingConnectionIsSignalled(t *testing.T) {
	r := NewRegistry(2, nil)
	slow := r.Connect("u1")
	fast := r.Connect("u2")
	r.Join(slow, "sprint")
	r.Join(fast, "sprint")

	for i := uint64(1); i <= 3; i++ {
		r.Broadcast("sprint", delta("sprint", i))
		<-fast.Deltas()
	}

	select {
	case <-slow.Resync():
	default:
		t.Fatal("expected resync signal for the lagging connection")
	}
	if d := receive(t, slow); d.Sequence != 1 {
		t.Fatalf("buffered deltas should keep order, got %d", d.Sequence)
	}
	if d := receive(t, slow); d.Sequence != 2 {
		t.Fatalf("buffered deltas should keep order, got %d", d.Sequence)
	}
}

func TestDisconnect(t *testing.T) {
	r := NewRegistry(1, nil)
	c := r.Connect("u1")
	r.Join(c, "sprint")
	r.Disconnect(c)
	r.Disconnect(c)

	select {
	case <-c.Done():
	default:
		t.Fatal("done should be closed")
	}
	r.Broadcast("sprint", delta("sprint", 1))
	if r.Subscribers("sprint") != 0 {
		t.Fatal("disconnected connection still subscribed")
	}
	r.Join(c, "sprint")
	if r.Subscribers("sprint") != 0 {
		t.Fatal("disconnected connection must not rejoin")
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	r := NewRegistry(1, nil)
	c := r.Connect("u1")
	r.Join(c, "sprint")
	r.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("expected connection to be closed")
	}
	late := r.Connect("u2")
	select {
	case <-late.Done():
	default:
		t.Fatal("connections after close should start closed")
	}
}

type sink struct{ got []domain.Delta }

func (s *sink) Broadcast(_ string, d domain.Delta) { s.got = append(s.got, d) }

func TestTee(t *testing.T) {
	a, b := &sink{}, &sink{}
	Tee{a, nil, b}.Broadcast("sprint", delta("sprint", 7))
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("tee did not reach every member: %d %d", len(a.got), len(b.got))
	}
}
