// Command gateway runs the public HTTP intake for agent mandates.
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

	"github.com/agentgrid/agentgrid/internal/adapter/httpserver"
	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/adapter/queue/redpanda"
	"github.com/agentgrid/agentgrid/internal/adapter/repo/postgres"
	"github.com/agentgrid/agentgrid/internal/app"
	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	if shutdownTracer != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				slog.Error("tracer shutdown failed", slog.Any("error", err))
			}
		}()
	}

	ctx := context.Background()

	// Connectors that fail here stay un-ready and keep retrying lazily on
	// use; the gateway still serves /health so probes see the real state.
	kv := rediskv.New(cfg.RedisURL)
	if err := kv.Connect(ctx); err != nil {
		slog.Warn("kv store not reachable at startup", slog.Any("error", err))
	}
	defer func() { _ = kv.Disconnect() }()

	broker := redpanda.New(cfg.KafkaBrokers, "agentgrid-gateway")
	if err := broker.Connect(ctx); err != nil {
		slog.Warn("queue not reachable at startup", slog.Any("error", err))
	}
	defer func() { _ = broker.Disconnect() }()

	var quota domain.QuotaManager
	if cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("database connection failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo := postgres.NewQuotaRepo(pool, cfg.DailyTickLimit)
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = repo.Migrate(migrateCtx)
		cancel()
		if err != nil {
			slog.Error("quota schema migration failed", slog.Any("error", err))
			os.Exit(1)
		}
		quota = repo
		slog.Info("quota backend: postgres")
	} else {
		quota = rediskv.NewQuotaManager(kv, cfg.DailyTickLimit)
		slog.Info("quota backend: redis")
	}

	store := storage.New(kv)
	tokens := httpserver.NewJWTValidator(cfg.JWTSecret)
	srv := httpserver.NewServer(cfg, broker, store, quota, tokens, kv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	slog.Info("gateway stopped")
}
