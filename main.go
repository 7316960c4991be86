package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/api"
	"board-sync/internal/consts"
	"board-sync/session"
	"board-sync/storage"
	"board-sync/subscription"
)

func main() {
	logger := log.StandardLogger()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	boardsTable := os.Getenv("BOARDS_TABLE")
	if connStr == "" || boardsTable == "" {
		log.Fatal("missing storage config")
	}
	table, err := storage.New(connStr, boardsTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := subscription.NewRegistry(envInt("SUBSCRIBER_BUFFER", 64), logger)
	fanout := subscription.Tee{}

	var (
		store interface {
			session.Store
			session.Authorizer
			session.Locator
			session.Directory
		} = table
		ledger api.Ledger
	)
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		store = storage.NewCache(table, rc, envDur("CACHE_TTL", 10*time.Minute))
		ledger = api.NewCommandLedger(rc, envDur("DEDUPER_TTL", 24*time.Hour))

		relay := subscription.NewRelay(rc, envString("BOARD_UPDATES_CHANNEL", consts.DefaultUpdatesChannel), registry, envInt("RELAY_BUFFER", 1024), logger)
		go relay.Run(ctx)
		fanout = append(fanout, relay)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set: single instance mode, no idempotency")
		fanout = append(fanout, registry)
	}

	if queueName := os.Getenv("DELTA_EXPORT_QUEUE"); queueName != "" {
		exporter, err := storage.NewDeltaQueue(connStr, queueName, envInt("DELTA_EXPORT_BUFFER", 1024), logger)
		if err != nil {
			log.Fatalf("delta queue: %v", err)
		}
		go exporter.Run(ctx)
		fanout = append(fanout, exporter)
	}

	hub := session.NewHub(store, fanout, session.Options{
		QueueSize:   envInt("SESSION_QUEUE", 256),
		IdleTimeout: envDur("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		SaveTimeout: envDur("SAVE_TIMEOUT", 10*time.Second),
		Authorizer:  store,
		Locator:     store,
		Directory:   store,
		Logger:      logger,
	})

	auth := newAuth()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(api.RequestBodyMiddleware(int64(envInt("REQUEST_BODY_LIMIT", int(api.DefaultBodyLimit)))))
	api.Register(e, api.Deps{
		Boards:    hub,
		Registry:  registry,
		Auth:      auth,
		Ledger:    ledger,
		Logger:    logger,
		KeepAlive: envDur("KEEPALIVE_INTERVAL", 25*time.Second),
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := hub.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("board sessions did not drain")
	}
}

func newAuth() *api.Auth {
	if secret := os.Getenv("AUTH_SHARED_SECRET"); secret != "" {
		log.Warn("AUTH_SHARED_SECRET set: accepting locally signed HS256 tokens")
		return api.NewAuth(nil, api.AuthConfig{
			Audience:     os.Getenv("AUTH0_AUDIENCE"),
			SharedSecret: secret,
		})
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{
		Audience: audience,
		Issuer:   "https://" + domain + "/",
	})
}
