package session

import (
	"fmt"
	"time"

	"board-sync/domain"
)

// Broadcaster receives committed deltas in sequence order. Implementations
// must not block the caller.
type Broadcaster interface {
	Broadcast(boardID string, d domain.Delta)
}

// mutationLog stamps board changes with consecutive sequence numbers and
// hands the encoded deltas to the broadcaster. It is only touched by the
// session goroutine.
type mutationLog struct {
	boardID string
	last    uint64
	out     Broadcaster
	now     func() time.Time
}

func newMutationLog(boardID string, last uint64, out Broadcaster, now func() time.Time) *mutationLog {
	return &mutationLog{boardID: boardID, last: last, out: out, now: now}
}

// next is the sequence number the next committed mutation receives.
func (l *mutationLog) next() uint64 {
	return l.last + 1
}

// encode builds the delta for a mutation stamped with next().
func (l *mutationLog) encode(kind domain.Kind, o domain.Origin, p domain.Payload) domain.Delta {
	return domain.Delta{
		BoardID:       l.boardID,
		Sequence:      l.next(),
		Kind:          kind,
		CorrelationID: o.CorrelationID,
		ActorID:       o.UserID,
		Timestamp:     l.now().UnixMilli(),
		Payload:       p,
	}
}

// commit records d as emitted and broadcasts it.
func (l *mutationLog) commit(d domain.Delta) error {
	if d.Sequence != l.next() {
		return fmt.Errorf("sequence %d out of order, expected %d", d.Sequence, l.next())
	}
	l.last = d.Sequence
	if l.out != nil {
		l.out.Broadcast(l.boardID, d)
	}
	return nil
}
