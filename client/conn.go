package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const writeWait = 10 * time.Second

// Conn is a websocket connection to the board service that keeps one
// board reconciled.
type Conn struct {
	ws  *websocket.Conn
	log *log.Logger

	// OnChange, when set, is called after the reconciled view changed.
	OnChange func(domain.BoardView)

	wmu sync.Mutex

	mu        sync.Mutex
	board     string
	rec       *Reconciler
	joined    chan struct{}
	lastErr   string
	resyncing bool
}

// Dial opens a websocket to url, authenticating with token.
func Dial(ctx context.Context, url, token string, logger *log.Logger) (*Conn, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws, log: logger}, nil
}

// Join subscribes to boardID and waits for its snapshot.
func (c *Conn) Join(ctx context.Context, boardID string) (*Reconciler, error) {
	ready := make(chan struct{})
	c.mu.Lock()
	c.board = boardID
	c.joined = ready
	c.lastErr = ""
	c.mu.Unlock()

	if err := c.send(domain.Message{Type: domain.MessageJoin, BoardID: boardID}); err != nil {
		return nil, err
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != "" {
		return nil, errors.New(c.lastErr)
	}
	return c.rec, nil
}

// Leave unsubscribes from boardID.
func (c *Conn) Leave(boardID string) error {
	c.mu.Lock()
	if c.board == boardID {
		c.board = ""
	}
	c.mu.Unlock()
	return c.send(domain.Message{Type: domain.MessageLeave, BoardID: boardID})
}

// Submit sends a command built by the Reconciler.
func (c *Conn) Submit(cmd domain.Command) error {
	return c.send(domain.Message{Type: domain.MessageCommand, BoardID: cmd.BoardID, Command: &cmd})
}

// Close closes the websocket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *Conn) send(msg domain.Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Run reads from the websocket until ctx is done or the connection fails.
// Gaps and resync requests re-join the board, which replaces the
// reconciled state with a fresh snapshot.
func (c *Conn) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var msg domain.Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("invalid message from server")
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg domain.Message) {
	c.mu.Lock()
	board, rec, resyncing := c.board, c.rec, c.resyncing
	c.mu.Unlock()

	switch msg.Type {
	case domain.MessageJoined:
		if msg.Board == nil || msg.BoardID != board {
			return
		}
		c.mu.Lock()
		if c.rec != nil && c.rec.BoardID() == msg.BoardID {
			c.rec.Reset(*msg.Board)
		} else {
			c.rec = NewReconciler(*msg.Board, c.log)
		}
		rec = c.rec
		c.resyncing = false
		c.signalJoined()
		c.mu.Unlock()
		c.changed(rec)

	case domain.MessageDelta:
		if msg.Delta == nil || rec == nil || resyncing || msg.BoardID != board {
			return
		}
		if err := rec.Apply(*msg.Delta); err != nil {
			if errors.Is(err, ErrGap) {
				c.resync(board)
			}
			return
		}
		c.changed(rec)

	case domain.MessageResult:
		if msg.Result == nil || rec == nil {
			return
		}
		if msg.Result.Status == http.StatusConflict && msg.Result.Sequence > rec.Sequence() {
			// an earlier submission committed; its delta drops the edit
			c.log.WithFields(log.Fields{
				"key":      msg.Result.IdempotencyKey,
				"sequence": msg.Result.Sequence,
			}).Debug("command already committed")
			return
		}
		if msg.Result.Status != http.StatusOK {
			c.log.WithFields(log.Fields{
				"key":    msg.Result.IdempotencyKey,
				"status": msg.Result.Status,
			}).Warn("command rejected: " + msg.Result.Error)
			rec.Reject(msg.Result.IdempotencyKey)
			c.changed(rec)
		}

	case domain.MessageResync:
		if msg.BoardID == board {
			c.resync(board)
		}

	case domain.MessageError:
		c.log.WithField("board", msg.BoardID).Warn("server error: " + msg.Error)
		c.mu.Lock()
		if msg.BoardID != "" && msg.BoardID == c.board {
			c.resyncing = false
			if c.joined != nil {
				c.lastErr = msg.Error
				c.signalJoined()
			}
		}
		c.mu.Unlock()
	}
}

// signalJoined wakes a pending Join. c.mu must be held.
func (c *Conn) signalJoined() {
	if c.joined != nil {
		close(c.joined)
		c.joined = nil
	}
}

func (c *Conn) resync(boardID string) {
	c.mu.Lock()
	if c.resyncing {
		c.mu.Unlock()
		return
	}
	c.resyncing = true
	c.mu.Unlock()
	c.log.WithField("board", boardID).Info("resyncing board")
	if err := c.send(domain.Message{Type: domain.MessageJoin, BoardID: boardID}); err != nil {
		c.log.WithError(err).Error("resync join failed")
	}
}

func (c *Conn) changed(rec *Reconciler) {
	if c.OnChange != nil {
		c.OnChange(rec.View())
	}
}
