package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"board-sync/domain"
	"board-sync/internal/consts"
	"board-sync/subscription"
)

// streamBoard serves the deltas of one board as server sent events. The
// first frame carries the board snapshot under the "snapshot" event, every
// further data frame is one delta. When the connection falls behind a
// "resync" event is written and the stream ends; the client re-opens it.
func streamBoard(boards BoardService, reg *subscription.Registry, auth Authenticator, keepAlive time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		boardID := c.Param("boardId")

		conn := reg.Connect(userID)
		defer reg.Disconnect(conn)
		// join before reading the snapshot so no delta after it is missed
		reg.Join(conn, boardID)
		view, err := boards.Snapshot(ctx, userID, boardID)
		if err != nil {
			return errorJSON(c, err)
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		res.WriteHeader(http.StatusOK)

		if err := writeEvent(res, "snapshot", view); err != nil {
			return nil
		}
		flusher.Flush()

		last := view.Sequence()
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-conn.Done():
				return nil
			case <-conn.Resync():
				_ = writeEvent(res, domain.MessageResync, nil)
				flusher.Flush()
				return nil
			case d := <-conn.Deltas():
				if d.Sequence <= last {
					continue
				}
				last = d.Sequence
				if err := writeEvent(res, "", d); err != nil {
					c.Logger().Error(err)
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := res.Write([]byte(": ping" + consts.SSEEnd)); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	buf := make([]byte, 0, 256)
	if event != "" {
		buf = append(buf, consts.SSEEventPrefix...)
		buf = append(buf, event...)
		buf = append(buf, '\n')
	}
	data := []byte("{}")
	if v != nil {
		var err error
		if data, err = sonic.Marshal(v); err != nil {
			return err
		}
	}
	buf = append(buf, consts.SSEDataPrefix...)
	buf = append(buf, data...)
	buf = append(buf, consts.SSEEnd...)
	_, err := w.Write(buf)
	return err
}
