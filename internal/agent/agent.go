// Package agent holds the default mandate executor. It is a scripted,
// deterministic stand-in for a real autonomous agent: it ticks at a
// fixed cadence, accumulates notes and a deliverable per tick, and
// yields a structured result. The worker treats it as opaque through
// the domain.Agent port.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/retry"
)

// Factory builds scripted agents with a shared tick cadence.
type Factory struct {
	TickDelay time.Duration
	Jitter    time.Duration
}

// NewFactory constructs a Factory. A zero delay means ticks complete as
// fast as the scheduler allows, which is what tests want.
func NewFactory(tickDelay, jitter time.Duration) *Factory {
	return &Factory{TickDelay: tickDelay, Jitter: jitter}
}

// New builds one agent for one task.
func (f *Factory) New(mandate string, maxTicks int) domain.Agent {
	if maxTicks <= 0 {
		maxTicks = domain.DefaultMaxTicks
	}
	return &scripted{
		mandate:   mandate,
		maxTicks:  maxTicks,
		tickDelay: f.TickDelay,
		jitter:    f.Jitter,
	}
}

// scripted runs the mandate as a loop of timed ticks.
type scripted struct {
	mandate   string
	maxTicks  int
	tickDelay time.Duration
	jitter    time.Duration

	mu           sync.Mutex
	tick         int
	notes        string
	deliverables []any
}

// Run executes the scripted loop until maxTicks or ctx cancellation.
func (a *scripted) Run(ctx context.Context) (*domain.AgentResult, error) {
	for {
		a.mu.Lock()
		done := a.tick >= a.maxTicks
		a.mu.Unlock()
		if done {
			break
		}
		if err := retry.Sleep(ctx, a.pause()); err != nil {
			return nil, fmt.Errorf("op=agent.run: %w", err)
		}
		a.step()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	success := true
	return &domain.AgentResult{
		Success:          &success,
		Deliverables:     append([]any(nil), a.deliverables...),
		FinalDeliverable: a.deliverables[len(a.deliverables)-1],
		Notes:            a.notes,
		ActionSummary:    fmt.Sprintf("completed %d ticks for mandate %q", a.tick, a.mandate),
	}, nil
}

func (a *scripted) step() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tick++
	a.notes += fmt.Sprintf("tick %d: advanced mandate\n", a.tick)
	a.deliverables = append(a.deliverables, map[string]any{
		"tick":    a.tick,
		"summary": fmt.Sprintf("step %d of %q", a.tick, a.mandate),
	})
}

func (a *scripted) pause() time.Duration {
	d := a.tickDelay
	if a.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(a.jitter) + 1))
	}
	return d
}

// Progress returns a consistent snapshot for the heartbeat loop.
func (a *scripted) Progress() domain.AgentProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AgentProgress{
		Tick:              a.tick,
		MaxTicks:          a.maxTicks,
		HistoryLength:     a.tick,
		NotesLen:          len(a.notes),
		DeliverablesCount: len(a.deliverables),
		Deliverables:      append([]any(nil), a.deliverables...),
	}
}

var _ domain.AgentFactory = (*Factory)(nil)
