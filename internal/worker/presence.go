// Package worker runs one agent executor process: it advertises
// presence in the KV store, consumes mandates from the input queue,
// executes them through an agent, and streams status envelopes back.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// Presence maintains the worker's liveness keys. Everything it writes
// carries a TTL of three status periods, so a crashed worker disappears
// from the registry without any cleanup path.
type Presence struct {
	kv          *rediskv.Client
	workerID    string
	period      time.Duration
	statePrefix string
	now         func() time.Time

	mu     sync.Mutex
	status domain.WorkerStatus
}

// NewPresence constructs a Presence for workerID.
func NewPresence(kv *rediskv.Client, workerID, statePrefix string, period time.Duration) *Presence {
	return &Presence{
		kv:          kv,
		workerID:    workerID,
		period:      period,
		statePrefix: statePrefix,
		now:         time.Now,
		status:      domain.WorkerIdle,
	}
}

// Status returns the currently advertised status.
func (p *Presence) Status() domain.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus records the advertised status and writes it through
// immediately, including the scale-in protection key: protected states
// create it, unprotected states remove it.
func (p *Presence) SetStatus(ctx context.Context, status domain.WorkerStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.refresh(ctx)

	stateKey := rediskv.WorkerStateKey(p.statePrefix, p.workerID)
	if status.Protected() {
		state := domain.WorkerState{State: status, TS: p.now().UTC()}
		if _, err := p.kv.SetJSON(ctx, stateKey, state, p.ttl()); err != nil {
			slog.Warn("worker state write failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
		}
		return
	}
	if _, err := p.kv.Delete(ctx, stateKey); err != nil {
		slog.Warn("worker state delete failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
	}
}

// Run refreshes presence every period until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) {
	p.refresh(ctx)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// refresh writes the registry membership, the existence key, and the
// presence record. Failures are logged and retried on the next period.
func (p *Presence) refresh(ctx context.Context) {
	rdb := p.kv.GetClient()
	if rdb == nil {
		if err := p.kv.Init(ctx); err != nil {
			slog.Warn("presence refresh skipped, kv not ready", slog.String("worker_id", p.workerID))
			return
		}
		rdb = p.kv.GetClient()
		if rdb == nil {
			return
		}
	}
	ttl := p.ttl()
	if err := rdb.SAdd(ctx, rediskv.WorkerSetKey, p.workerID).Err(); err != nil {
		slog.Warn("presence registry write failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
		return
	}
	if err := rdb.Set(ctx, rediskv.WorkerAliveKey(p.workerID), "1", ttl).Err(); err != nil {
		slog.Warn("presence alive write failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
		return
	}
	presence := domain.WorkerPresence{
		WorkerID:  p.workerID,
		Status:    p.Status(),
		UpdatedAt: p.now().UTC(),
	}
	if _, err := p.kv.SetJSON(ctx, rediskv.WorkerStatusKey(p.workerID), presence, ttl); err != nil {
		slog.Warn("presence status write failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
	}
}

// Shutdown advertises the shutdown status once and then removes every
// key this worker owns, so the registry reflects the departure at once
// instead of waiting for TTL decay.
func (p *Presence) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.status = domain.WorkerShutdown
	p.mu.Unlock()
	p.refresh(ctx)

	rdb := p.kv.GetClient()
	if rdb == nil {
		return
	}
	if err := rdb.SRem(ctx, rediskv.WorkerSetKey, p.workerID).Err(); err != nil {
		slog.Warn("presence deregister failed", slog.String("worker_id", p.workerID), slog.Any("error", err))
	}
	_, _ = p.kv.Delete(ctx, rediskv.WorkerAliveKey(p.workerID))
	_, _ = p.kv.Delete(ctx, rediskv.WorkerStatusKey(p.workerID))
	_, _ = p.kv.Delete(ctx, rediskv.WorkerStateKey(p.statePrefix, p.workerID))
	slog.Info("worker deregistered", slog.String("worker_id", p.workerID))
}

func (p *Presence) ttl() time.Duration { return 3 * p.period }
