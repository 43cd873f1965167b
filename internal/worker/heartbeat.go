package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// heartbeat streams in_progress envelopes and mirrors the tick into the
// task record while the agent runs. Every write is best effort; a
// missed heartbeat is recovered by the next one.
func (h *Handler) heartbeat(ctx context.Context, msg domain.TaskMessage, ag domain.Agent) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p := ag.Progress()
		tick := p.Tick
		hist := p.HistoryLength
		notesLen := p.NotesLen
		delivCount := p.DeliverablesCount
		env := domain.StatusEnvelope{
			Type:              domain.StatusInProgress,
			CorrelationID:     msg.CorrelationID,
			TaskID:            msg.TaskID,
			Tick:              &tick,
			MaxTicks:          p.MaxTicks,
			HistoryLength:     &hist,
			NotesLen:          &notesLen,
			DeliverablesCount: &delivCount,
		}
		if err := h.broker.Publish(ctx, h.statusQueue, env, msg.CorrelationID, false); err != nil {
			slog.Warn("heartbeat publish failed",
				slog.String("correlation_id", msg.CorrelationID), slog.Any("error", err))
		} else {
			observability.TaskHeartbeatsTotal.Inc()
		}
		if !h.store.UpdateResilient(ctx, msg.CorrelationID, map[string]any{
			"status":    string(domain.TaskInProgress),
			"tick":      tick,
			"max_ticks": p.MaxTicks,
		}, h.resilientWait) {
			slog.Warn("heartbeat record update failed",
				slog.String("correlation_id", msg.CorrelationID))
		}
	}
}
