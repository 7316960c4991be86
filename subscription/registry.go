// Package subscription fans committed board deltas out to live connections.
package subscription

import (
	"sync"

	"board-sync/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 64

// Broadcaster accepts deltas for a board without blocking.
type Broadcaster interface {
	Broadcast(boardID string, d domain.Delta)
}

// Conn is one realtime connection. It is joined to at most one board.
type Conn struct {
	ID     string
	UserID string

	out    chan domain.Delta
	resync chan struct{}
	done   chan struct{}

	// guarded by Registry.mu
	board  string
	closed bool
}

// Deltas yields the deltas of the joined board in sequence order.
func (c *Conn) Deltas() <-chan domain.Delta { return c.out }

// Resync fires when deltas were dropped for this connection. The consumer
// must re-fetch the board before applying further deltas.
func (c *Conn) Resync() <-chan struct{} { return c.resync }

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) deliver(d domain.Delta) bool {
	select {
	case c.out <- d:
		return true
	default:
	}
	select {
	case c.resync <- struct{}{}:
	default:
	}
	return false
}

// Registry tracks which connections are joined to which board.
type Registry struct {
	buffer int
	log    *log.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	boards map[string]map[*Conn]struct{}
	closed bool
}

// NewRegistry creates a registry with the given per connection buffer.
func NewRegistry(buffer int, logger *log.Logger) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		buffer: buffer,
		log:    logger,
		conns:  make(map[string]*Conn),
		boards: make(map[string]map[*Conn]struct{}),
	}
}

// Connect registers a new connection in the disconnected-from-any-board state.
func (r *Registry) Connect(userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		out:    make(chan domain.Delta, r.buffer),
		resync: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		c.closed = true
		close(c.done)
		return c
	}
	r.conns[c.ID] = c
	return c
}

// Join subscribes c to boardID, leaving any board it was joined to.
// Joining the current board again is a no-op.
func (r *Registry) Join(c *Conn, boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed || c.board == boardID {
		return
	}
	r.detach(c)
	subs := r.boards[boardID]
	if subs == nil {
		subs = make(map[*Conn]struct{})
		r.boards[boardID] = subs
	}
	subs[c] = struct{}{}
	c.board = boardID
	r.log.WithFields(log.Fields{"conn": c.ID, "board": boardID, "user": c.UserID}).Debug("joined board")
}

// Leave unsubscribes c from boardID. Leaving a board c is not joined to is
// a no-op.
func (r *Registry) Leave(c *Conn, boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.board != boardID {
		return
	}
	r.detach(c)
}

// Disconnect removes c entirely and closes its Done channel.
func (r *Registry) Disconnect(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(c)
}

func (r *Registry) drop(c *Conn) {
	if c.closed {
		return
	}
	r.detach(c)
	delete(r.conns, c.ID)
	c.closed = true
	close(c.done)
}

// detach removes c from its board. r.mu must be held.
func (r *Registry) detach(c *Conn) {
	if c.board == "" {
		return
	}
	if subs, ok := r.boards[c.board]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.boards, c.board)
		}
	}
	c.board = ""
}

// Board returns the board c is joined to, or "".
func (r *Registry) Board(c *Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c.board
}

// Broadcast hands d to every connection joined to boardID. A connection
// whose buffer is full misses the delta and is signalled to resync; the
// delta is never retried and the caller is never blocked.
func (r *Registry) Broadcast(boardID string, d domain.Delta) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.boards[boardID] {
		if !c.deliver(d) {
			r.log.WithFields(log.Fields{
				"conn":     c.ID,
				"board":    boardID,
				"sequence": d.Sequence,
			}).Warn("subscriber lagging, delta dropped")
		}
	}
}

// Subscribers reports the number of connections joined to boardID.
func (r *Registry) Subscribers(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boards[boardID])
}

// Close disconnects every connection and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, c := range r.conns {
		r.drop(c)
	}
}
