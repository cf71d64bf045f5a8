package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"twinlink/internal/api"
	"twinlink/internal/config"
	"twinlink/internal/database"
	"twinlink/internal/fanout"
	"twinlink/internal/gateway"
	"twinlink/internal/identity"
	"twinlink/internal/membership"
	"twinlink/internal/presence"
	"twinlink/internal/ratelimit"
	"twinlink/internal/transport"
	"twinlink/internal/typing"

	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("Starting twinlink gateway")

	redisClient, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	rdb := redisClient.GetClient()

	// Identity and membership live in Redis, maintained by the account
	// and room services upstream of this gateway.
	verifier := identity.NewVerifier(cfg.JWT.Secret)
	directory := identity.NewRedisDirectory(rdb)
	auth := identity.NewAuthenticator(verifier, directory, cfg.JWT.RequireVerifiedContact)
	rooms := membership.NewRedisAuthorizer(rdb)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	typingCoord := typing.New(cfg.Typing, logger)
	presenceCoord := presence.New(cfg.Presence, presence.NewRedisStore(rdb), logger)

	gw := gateway.New(auth, rooms, limiter, typingCoord, presenceCoord, logger)

	// The broadcast store is a best-effort enhancement: a dead store at
	// boot still yields a working single-process gateway.
	var store fanout.Broadcaster
	switch cfg.Fanout.Backend {
	case "nats":
		store, err = fanout.NewNATSBroadcaster(cfg.NATS)
		if err != nil {
			slog.Error("NATS unavailable, running local-only", "error", err)
			store = nil
		}
	default:
		store = fanout.NewRedisBroadcaster(rdb)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adapter *fanout.Adapter
	if store != nil {
		origin := uuid.New().String()
		adapter = fanout.New(origin, store, gw.DeliverRemote,
			cfg.Fanout.HealthInterval, cfg.Fanout.PublishBuffer, logger)
		adapter.Start(ctx)
		gw.AttachFanout(adapter)
	}

	go gw.Run(ctx)
	go limiter.Run(ctx)
	go typingCoord.Run(ctx)

	ws := transport.NewServer(gw, cfg.Server.AllowedOrigins, logger)
	router := api.NewRouter(cfg, gw, ws, limiter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr, "fanoutBackend", cfg.Fanout.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if adapter != nil {
		adapter.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
