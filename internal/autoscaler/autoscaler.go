// Package autoscaler sizes the worker pool from the input queue
// backlog. It never scales in a worker that advertises a protected
// state; an unknown backlog reads as zero, so only the protected floor
// holds the pool up during a broker outage.
package autoscaler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// Autoscaler computes and applies the desired worker count.
type Autoscaler struct {
	broker domain.Broker
	kv     *rediskv.Client
	orch   domain.Orchestrator

	queue       string
	statePrefix string
	min         int
	max         int
	target      int
	interval    time.Duration
}

// New constructs an Autoscaler. target is the backlog each worker is
// expected to absorb; it must be positive.
func New(broker domain.Broker, kv *rediskv.Client, orch domain.Orchestrator, queue, statePrefix string, minWorkers, maxWorkers, target int, interval time.Duration) *Autoscaler {
	if target <= 0 {
		target = 1
	}
	return &Autoscaler{
		broker:      broker,
		kv:          kv,
		orch:        orch,
		queue:       queue,
		statePrefix: statePrefix,
		min:         minWorkers,
		max:         maxWorkers,
		target:      target,
		interval:    interval,
	}
}

// Run reconciles every interval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if err := a.Reconcile(ctx); err != nil {
			slog.Warn("autoscale cycle skipped", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile runs one scaling decision. An unknown backlog reads as
// zero; an unknown protected count aborts the cycle, since without it
// the scale-in floor cannot be honored.
func (a *Autoscaler) Reconcile(ctx context.Context) error {
	backlog, err := a.broker.Depth(ctx, a.queue)
	if err != nil {
		slog.Error("queue backlog unavailable, treating as zero",
			slog.String("queue", a.queue), slog.Any("error", err))
		backlog = 0
	}
	protected, err := a.protectedCount(ctx)
	if err != nil {
		return err
	}

	desired := Decide(backlog, a.min, a.max, a.target)
	if protected > desired {
		desired = protected
	}

	observability.QueueBacklog.Set(float64(backlog))
	observability.AutoscalerDesired.Set(float64(desired))

	current, err := a.orch.DesiredCount(ctx)
	if err != nil {
		return err
	}
	if current == desired {
		return nil
	}

	direction := "scale_out"
	if desired < current {
		direction = "scale_in"
	}
	slog.Info("scaling worker pool",
		slog.String("direction", direction),
		slog.Int64("backlog", backlog),
		slog.Int("protected", protected),
		slog.Int("current", current),
		slog.Int("desired", desired))
	return a.orch.SetDesiredCount(ctx, desired)
}

// Decide maps a backlog onto a worker count: an idle queue collapses to
// the floor, otherwise one worker per target messages, clamped.
func Decide(backlog int64, minWorkers, maxWorkers, target int) int {
	if backlog <= 0 {
		return minWorkers
	}
	n := int(math.Ceil(float64(backlog) / float64(target)))
	if n < minWorkers {
		n = minWorkers
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// protectedCount scans the advisory worker state keys and counts
// workers that must not be scaled in. Undecodable or stale records do
// not protect.
func (a *Autoscaler) protectedCount(ctx context.Context) (int, error) {
	keys, err := a.kv.ScanKeys(ctx, rediskv.WorkerStatePattern(a.statePrefix), 100)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, k := range keys {
		b, found, err := a.kv.GetRaw(ctx, k)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		var st domain.WorkerState
		if err := json.Unmarshal(b, &st); err != nil {
			slog.Warn("skipping undecodable worker state", slog.String("key", k))
			continue
		}
		if st.State.Protected() {
			count++
		}
	}
	return count, nil
}
