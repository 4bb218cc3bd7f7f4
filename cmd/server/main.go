package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/api"
	"github.com/pigeon/chat-app/internal/auth"
	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/config"
	"github.com/pigeon/chat-app/internal/gateway"
	"github.com/pigeon/chat-app/internal/matching"
	"github.com/pigeon/chat-app/internal/messaging"
	"github.com/pigeon/chat-app/internal/metrics"
	"github.com/pigeon/chat-app/internal/postgres"
	"github.com/pigeon/chat-app/internal/presence"
	"github.com/pigeon/chat-app/internal/ratelimit"
	"github.com/pigeon/chat-app/internal/ws"
)

func main() {
	Execute()
}

type stores struct {
	chats   chat.Repository
	pigeons matching.Repository
	db      *sql.DB
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory stores; data is lost on restart")
		return &stores{chats: chat.NewMemoryStore(), pigeons: matching.NewMemoryStore()}, nil
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		chats:   postgres.NewChatStore(db),
		pigeons: postgres.NewPigeonStore(db),
		db:      db,
	}, nil
}

func run(cfg config.Config, gate *auth.Gate, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("pigeon server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("store", cfg.Store),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections))

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis is optional: it backs the last-seen mirror and the REST rate
	// limits.
	var (
		rdb     *redis.Client
		mirror  presence.Mirror
		limiter api.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb, err = presence.DialRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		mirror = presence.NewRedisMirror(rdb)
		limiter = ratelimit.NewLimiter(rdb, log)
	}

	gwConfig := gateway.DefaultConfig()
	gwConfig.AuthTimeout = cfg.AuthTimeout
	gw := gateway.New(gwConfig, gate, log)

	registry := presence.NewRegistry(gw, mirror, log)
	defer registry.Close()
	gw.SetPresence(registry)

	// With NATS, room events reach the connections of every server process.
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		bus, err := messaging.NewRoomBus(nc, gw.Rooms().Deliver, log)
		if err != nil {
			return err
		}
		gw.SetFanout(bus)
	}

	chats := chat.NewService(st.chats, gw, log)
	matcher := matching.NewService(st.pigeons, st.chats, gw, log)
	go matching.StartCleanup(ctx, st.pigeons, cfg.CleanupInterval, log)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	transport := ws.NewServer(wsConfig, func(c *ws.Connection, data []byte) {
		gw.Dispatch(c, data)
	}, log)
	transport.SetOnConnect(func(c *ws.Connection) { gw.Connect(c) })
	transport.SetOnDisconnect(func(c *ws.Connection) { gw.Disconnect(c) })
	if err := transport.Start(); err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Handle("/ws", transport.Handler()).Methods(http.MethodGet)
	router.Handle("/health", transport.HealthHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	api.New(api.Deps{
		Gate:     gate,
		Chats:    chats,
		Matcher:  matcher,
		Presence: registry,
		Limiter:  limiter,
		Log:      log,
	}).Register(router)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			transport.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := transport.Shutdown(); err != nil {
		log.Warn("websocket shutdown", zap.Error(err))
	}
	log.Info("pigeon server stopped")
	return nil
}
