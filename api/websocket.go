package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/subscription"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = postCommandMaxSize
	wsReplyBuffer    = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origins are checked by the CORS middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession is the state of one websocket. The read loop parses frames and
// runs commands; the write loop is the only writer to the socket and owns
// the joined board so a delta is never written ahead of its snapshot.
type wsSession struct {
	ws     *websocket.Conn
	conn   *subscription.Conn
	reg    *subscription.Registry
	runner *commandRunner
	log    *log.Entry
	ping   time.Duration

	control chan domain.Message
	replies chan domain.Message

	// owned by writeLoop
	board string
	last  uint64
}

func serveWebsocket(runner *commandRunner, reg *subscription.Registry, auth Authenticator, logger *log.Logger, keepAlive time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already replied
			return nil
		}
		conn := reg.Connect(userID)
		s := &wsSession{
			ws:      ws,
			conn:    conn,
			reg:     reg,
			runner:  runner,
			log:     logger.WithFields(log.Fields{"conn": conn.ID, "user": userID}),
			ping:    keepAlive,
			control: make(chan domain.Message, 1),
			replies: make(chan domain.Message, wsReplyBuffer),
		}
		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
		defer cancel()
		go s.readLoop(ctx, cancel)
		s.writeLoop(ctx)
		reg.Disconnect(conn)
		_ = ws.Close()
		return nil
	}
}

func (s *wsSession) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	s.ws.SetReadLimit(wsMaxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(2 * s.ping))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(2 * s.ping))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("websocket read")
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(2 * s.ping))

		var msg domain.Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.reply(ctx, domain.Message{Type: domain.MessageError, Error: "invalid message"})
			continue
		}
		switch msg.Type {
		case domain.MessageJoin, domain.MessageLeave:
			select {
			case s.control <- msg:
			case <-ctx.Done():
				return
			}
		case domain.MessageCommand:
			s.command(ctx, msg)
		default:
			s.reply(ctx, domain.Message{Type: domain.MessageError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *wsSession) command(ctx context.Context, msg domain.Message) {
	if msg.Command == nil {
		s.reply(ctx, domain.Message{Type: domain.MessageError, Error: "command is required"})
		return
	}
	cmd := *msg.Command
	if cmd.BoardID == "" {
		cmd.BoardID = msg.BoardID
	}
	results, err := s.runner.run(ctx, s.conn.UserID, []domain.Command{cmd})
	if err != nil {
		res := domain.CommandResult{IdempotencyKey: cmd.IdempotencyKey, Status: statusFor(err), Error: err.Error()}
		s.reply(ctx, domain.Message{Type: domain.MessageResult, BoardID: cmd.BoardID, Result: &res})
		return
	}
	s.reply(ctx, domain.Message{Type: domain.MessageResult, BoardID: cmd.BoardID, Result: &results[0]})
}

func (s *wsSession) reply(ctx context.Context, msg domain.Message) {
	select {
	case s.replies <- msg:
	case <-ctx.Done():
	}
}

func (s *wsSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-s.conn.Done():
			return
		case msg := <-s.control:
			err = s.handleControl(ctx, msg)
		case msg := <-s.replies:
			err = s.write(msg)
		case d := <-s.conn.Deltas():
			if d.BoardID != s.board || d.Sequence <= s.last {
				continue
			}
			s.last = d.Sequence
			err = s.write(domain.Message{Type: domain.MessageDelta, BoardID: d.BoardID, Delta: &d})
		case <-s.conn.Resync():
			if s.board == "" {
				continue
			}
			err = s.write(domain.Message{Type: domain.MessageResync, BoardID: s.board})
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = s.ws.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			s.log.WithError(err).Debug("websocket write")
			return
		}
	}
}

// handleControl joins or leaves a board. A join subscribes first and reads
// the snapshot second; deltas up to the snapshot sequence are then skipped.
func (s *wsSession) handleControl(ctx context.Context, msg domain.Message) error {
	if msg.Type == domain.MessageLeave {
		s.reg.Leave(s.conn, msg.BoardID)
		if s.board == msg.BoardID {
			s.board, s.last = "", 0
		}
		return s.write(domain.Message{Type: domain.MessageLeft, BoardID: msg.BoardID})
	}

	boards := s.runner.boards
	if err := boards.Authorize(ctx, s.conn.UserID, msg.BoardID); err != nil {
		return s.write(domain.Message{Type: domain.MessageError, BoardID: msg.BoardID, Error: err.Error()})
	}
	s.reg.Join(s.conn, msg.BoardID)
	view, err := boards.Snapshot(ctx, s.conn.UserID, msg.BoardID)
	if err != nil {
		s.reg.Leave(s.conn, msg.BoardID)
		s.board, s.last = "", 0
		return s.write(domain.Message{Type: domain.MessageError, BoardID: msg.BoardID, Error: err.Error()})
	}
	s.board, s.last = msg.BoardID, view.Sequence()
	return s.write(domain.Message{Type: domain.MessageJoined, BoardID: msg.BoardID, Board: &view})
}

func (s *wsSession) write(msg domain.Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
