// Command worker consumes agent mandates from the queue and runs them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/adapter/queue/redpanda"
	"github.com/agentgrid/agentgrid/internal/agent"
	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/storage"
	"github.com/agentgrid/agentgrid/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Scrape-only listener; the worker has no API surface.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := "agent-" + uuid.NewString()
	slog.Info("starting worker",
		slog.String("worker_id", workerID),
		slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := rediskv.New(cfg.RedisURL)
	if err := kv.Connect(ctx); err != nil {
		slog.Warn("kv store not reachable at startup", slog.Any("error", err))
	}
	defer func() { _ = kv.Disconnect() }()

	broker := redpanda.New(cfg.KafkaBrokers, "agentgrid-workers")
	if err := broker.Connect(ctx); err != nil {
		slog.Warn("queue not reachable at startup", slog.Any("error", err))
	}

	store := storage.New(kv)
	agents := agent.NewFactory(cfg.DefaultDelay, cfg.Jitter())
	presence := worker.NewPresence(kv, workerID, cfg.WorkerStatePrefix, cfg.StatusPeriod)
	handler := worker.NewHandler(broker, store, agents, presence,
		cfg.StatusQueue, cfg.StatusPeriod, storage.DefaultResilientWait)
	w := worker.New(workerID, cfg.InputQueue, cfg.ShutdownTimeout, broker, presence, handler)

	w.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	doneCh := make(chan struct{})
	go func() {
		_ = w.Wait()
		close(doneCh)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-doneCh:
		slog.Error("consume loop exited unexpectedly")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+30*time.Second)
	defer stopCancel()
	w.Stop(stopCtx)
}
