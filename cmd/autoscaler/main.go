// Command autoscaler reconciles the worker pool size with the queue
// backlog.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/adapter/queue/redpanda"
	"github.com/agentgrid/agentgrid/internal/autoscaler"
	"github.com/agentgrid/agentgrid/internal/config"
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
	defer func() { _ = broker.Disconnect() }()

	orch := autoscaler.NewKVOrchestrator(kv, cfg.MinWorkers)
	a := autoscaler.New(broker, kv, orch,
		cfg.QueueName, cfg.WorkerStatePrefix,
		cfg.MinWorkers, cfg.MaxWorkers, cfg.TargetMessagesPerWorker,
		cfg.AutoscaleInterval)

	slog.Info("autoscaler running",
		slog.String("queue", cfg.QueueName),
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	a.Run(ctx)
	slog.Info("autoscaler stopped")
}
