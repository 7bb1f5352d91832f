package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/bus"
	"github.com/TernSecure/realtime-server/internal/chat"
	"github.com/TernSecure/realtime-server/internal/config"
	"github.com/TernSecure/realtime-server/internal/encryption"
	"github.com/TernSecure/realtime-server/internal/handlers"
	"github.com/TernSecure/realtime-server/internal/logger"
	"github.com/TernSecure/realtime-server/internal/middleware"
	"github.com/TernSecure/realtime-server/internal/orchestrator"
	"github.com/TernSecure/realtime-server/internal/presence"
	"github.com/TernSecure/realtime-server/internal/registry"
	"github.com/TernSecure/realtime-server/internal/store"
	"github.com/TernSecure/realtime-server/internal/store/memstore"
	"github.com/TernSecure/realtime-server/internal/store/redisstore"
	"github.com/TernSecure/realtime-server/internal/store/sqlstore"
	"github.com/TernSecure/realtime-server/internal/telemetry"
	"github.com/TernSecure/realtime-server/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())
	metrics := telemetry.NewMetrics()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	var sessions store.SessionStore
	switch cfg.SessionStore {
	case config.StoreMemory:
		mem := memstore.NewSessionStore()
		go sweepSessions(ctx, mem, cfg.SessionTTL)
		sessions = mem
	default:
		sessions = redisstore.NewSessionStore(rdb, cfg.SessionTTL)
	}

	authn := &middleware.Authenticator{Sessions: sessions, Mode: cfg.SessionMode}
	if cfg.TenantDBDSN != "" {
		tenants, err := sqlstore.New(cfg.TenantDBDriver, cfg.TenantDBDSN)
		if err != nil {
			return fmt.Errorf("tenant registry: %w", err)
		}
		defer tenants.Close()
		if err := tenants.Seed(cfg.TenantSeed); err != nil {
			return fmt.Errorf("tenant seed: %w", err)
		}
		authn.Tenants = tenants
	}

	var layer *encryption.Layer
	if cfg.EncryptionEnabled {
		kp, err := encryption.LoadOrGenerate(ctx, rdb)
		if err != nil {
			return err
		}
		layer = encryption.NewLayer(kp)
		authn.ServerPublicKey = layer.PublicKey()
	}

	b, err := newBus(cfg, rdb)
	if err != nil {
		return err
	}
	defer b.Close()

	hub := ws.NewHub(b, cfg.DeliveryTimeout)
	reg := registry.New(rdb, cfg.SessionTTL)
	pres := presence.New(rdb, reg, hub, cfg.PresenceTTL)
	orch := orchestrator.New(orchestrator.Options{
		Hub:         hub,
		Upgrader:    ws.NewUpgrader(cfg.Origins()),
		Sessions:    sessions,
		Registry:    reg,
		Presence:    pres,
		Chat:        chat.NewEngine(chat.NewStore(rdb, cfg.MessageTTL), reg, hub, metrics),
		Metrics:     metrics,
		GracePeriod: cfg.GracePeriod,
		Layer:       layer,
	})
	if err := hub.Attach(); err != nil {
		return fmt.Errorf("bus subscribe: %w", err)
	}
	go hub.Run()

	authHandler := &handlers.AuthHandler{Auth: authn, Sessions: sessions}
	statusHandler := &handlers.StatusHandler{Connections: hub}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.HandleFunc("/auth", authHandler.Authenticate).Methods("POST")
	r.HandleFunc("/auth/keys", authHandler.ExchangeKeys).Methods("POST")
	r.HandleFunc("/api/status", statusHandler.Status).Methods("GET")
	r.Handle("/ws", authn.AuthMiddleware(orch)).Methods("GET")

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server started",
			"addr", cfg.Addr,
			"session_store", cfg.SessionStore,
			"bus", cfg.Bus,
			"encryption", cfg.EncryptionEnabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	hub.Stop()
	orch.Stop()
	return nil
}

func newBus(cfg *config.Config, rdb *redis.Client) (bus.Bus, error) {
	switch cfg.Bus {
	case config.BusNATS:
		n, err := bus.NewNATS(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		return n, nil
	case config.BusLocal:
		return bus.NewLocal(), nil
	default:
		return bus.NewRedis(rdb), nil
	}
}

func sweepSessions(ctx context.Context, s *memstore.SessionStore, maxAge time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.CleanupInactive(maxAge); n > 0 {
				slog.Debug("swept inactive sessions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
