package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/subscription"
)

const defaultKeepAlive = 25 * time.Second

// Deps collects what the HTTP surface needs.
type Deps struct {
	Boards   BoardService
	Registry *subscription.Registry
	Auth     Authenticator
	Ledger   Ledger
	Logger   *log.Logger
	// KeepAlive is the idle interval between SSE comments and websocket pings.
	KeepAlive time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}
	runner := &commandRunner{boards: d.Boards, ledger: d.Ledger, log: d.Logger}

	e.GET("/healthz", healthz())
	e.POST("/api/boards", createBoard(d.Boards, d.Auth))
	e.GET("/api/boards", listBoards(d.Boards, d.Auth))
	e.GET("/api/boards/:boardId", getBoard(d.Boards, d.Auth))
	e.POST("/api/commands", postCommands(runner, d.Auth, d.Logger))
	e.GET("/api/boards/:boardId/stream", streamBoard(d.Boards, d.Registry, d.Auth, d.KeepAlive))
	e.GET("/ws", serveWebsocket(runner, d.Registry, d.Auth, d.Logger, d.KeepAlive))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}

func createBoard(boards BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createBoardRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postCommandMaxSize))
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		b, err := boards.CreateBoard(c.Request().Context(), userID, req.Title)
		if err != nil {
			return errorJSON(c, err)
		}
		return c.JSON(http.StatusCreated, b)
	}
}

func listBoards(boards BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		list, err := boards.ListBoards(c.Request().Context(), userID)
		if err != nil {
			return errorJSON(c, err)
		}
		return c.JSON(http.StatusOK, list)
	}
}

func getBoard(boards BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		view, err := boards.Snapshot(c.Request().Context(), userID, c.Param("boardId"))
		if err != nil {
			return errorJSON(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func postCommands(runner *commandRunner, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newCommandRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := authenticate(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		lr := io.LimitReader(c.Request().Body, postCommandMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		cmds := make([]domain.Command, 0, 4)
		if decErr := dec.Decode(&cmds); decErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, postCommandResponse{Error: "invalid body"})
		}
		metrics.SetCommands(len(cmds))
		if len(cmds) == 0 {
			metrics.SetErrorStage("empty")
			return c.JSON(http.StatusBadRequest, postCommandResponse{Error: "no commands"})
		}
		if len(cmds) > maxCommandsPerPost {
			metrics.SetErrorStage("too_many")
			return c.JSON(http.StatusBadRequest, postCommandResponse{Error: "too many commands"})
		}

		execStart := time.Now()
		results, runErr := runner.run(ctx, userID, cmds)
		metrics.ObserveExecute(time.Since(execStart))
		if runErr != nil {
			metrics.SetErrorStage("dedupe")
			if !errors.Is(runErr, domain.ErrUnavailable) {
				c.Logger().Error(runErr)
			}
			return c.JSON(statusFor(runErr), postCommandResponse{Error: runErr.Error()})
		}
		for _, r := range results {
			metrics.ObserveResult(r.Status)
		}

		status := http.StatusOK
		if len(results) == 1 {
			status = results[0].Status
		}
		return c.JSON(status, postCommandResponse{Results: results})
	}
}
