// Command listsyncd is the realtime presence and fan-out service for the
// shared shopping-list application. It admits authenticated websocket
// connections, tracks who is viewing which list, and relays product,
// membership and notification events to every other viewer — including
// viewers connected to other instances, via a shared Redis channel.
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

	"github.com/redis/go-redis/v9"

	"github.com/shoplist/listsyncd/auth"
	"github.com/shoplist/listsyncd/config"
	"github.com/shoplist/listsyncd/internal/logctx"
	"github.com/shoplist/listsyncd/listapi"
	"github.com/shoplist/listsyncd/ratelimit"
	"github.com/shoplist/listsyncd/registry"
	"github.com/shoplist/listsyncd/relay"
	"github.com/shoplist/listsyncd/relay/memoryrelay"
	"github.com/shoplist/listsyncd/relay/redisrelay"
	"github.com/shoplist/listsyncd/room"
	"github.com/shoplist/listsyncd/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var authn auth.Authenticator
	if cfg.AuthJWKSURL != "" {
		authn, err = auth.NewJWKS(ctx, cfg.AuthJWKSURL)
	} else {
		authn, err = auth.NewHMAC(cfg.AuthSecret)
	}
	if err != nil {
		return fmt.Errorf("init authenticator: %w", err)
	}

	var rel relay.Relay
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rel, err = redisrelay.New(redisrelay.Config{
			Client:  client,
			Channel: cfg.RelayChannel,
			Logger:  log,
		})
		if err != nil {
			return fmt.Errorf("init relay: %w", err)
		}
	} else {
		log.Info("no REDIS_URL configured, running single-node")
		rel = memoryrelay.NewBus().Relay()
	}

	limiter := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitBudget)
	hub := room.NewHub(room.HubConfig{
		Logger:             log,
		Registry:           registry.New(),
		Limiter:            limiter,
		Relay:              rel,
		API:                listapi.New(cfg.APIBaseURL, cfg.ExternalTimeout),
		PresenceBatchLimit: cfg.PresenceBatchLimit,
	})

	go limiter.Run(ctx)

	// The relay intake re-subscribes on failure: a broken subscription
	// degrades cross-instance fan-out but must not take the instance down.
	go func() {
		for ctx.Err() == nil {
			if err := hub.RunRelayIntake(ctx); err != nil {
				log.Warn("relay intake failed, retrying", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	srv := server.New(server.Config{
		Logger:        log,
		Hub:           hub,
		Authenticator: authn,
		AllowedOrigin: cfg.AllowedOrigin,
		BaseContext:   ctx,
	})
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")

	// Close the relay before the listener so no late cross-instance event
	// is dispatched to connections that are already going away.
	if err := rel.Close(); err != nil {
		log.Warn("relay close failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
