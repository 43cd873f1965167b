package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// Handler executes one mandate per consumed message.
type Handler struct {
	broker        domain.Broker
	store         domain.TaskStore
	agents        domain.AgentFactory
	presence      *Presence
	statusQueue   string
	period        time.Duration
	resilientWait time.Duration
}

// NewHandler constructs a Handler. period paces the heartbeat stream;
// resilientWait bounds the terminal status publishes.
func NewHandler(broker domain.Broker, store domain.TaskStore, agents domain.AgentFactory, presence *Presence, statusQueue string, period, resilientWait time.Duration) *Handler {
	return &Handler{
		broker:        broker,
		store:         store,
		agents:        agents,
		presence:      presence,
		statusQueue:   statusQueue,
		period:        period,
		resilientWait: resilientWait,
	}
}

// HandleMessage implements domain.MessageHandler. Malformed messages
// are acknowledged and dropped; requeueing them would poison the queue.
// A message is only rejected (requeued) when the run could not start.
func (h *Handler) HandleMessage(ctx context.Context, body []byte) error {
	var msg domain.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("dropping undecodable task message", slog.Any("error", err))
		return nil
	}
	if msg.CorrelationID == "" {
		slog.Warn("dropping task message without correlation id")
		return nil
	}
	if msg.Mandate == "" {
		slog.Warn("dropping task message without mandate",
			slog.String("correlation_id", msg.CorrelationID))
		return nil
	}

	h.presence.SetStatus(ctx, domain.WorkerWorking)
	defer h.presence.SetStatus(ctx, domain.WorkerIdle)

	slog.Info("task received",
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("max_ticks", msg.MaxTicks))

	// Echo acceptance on the status stream; best effort.
	accepted := domain.StatusEnvelope{
		Type:          domain.StatusAccepted,
		CorrelationID: msg.CorrelationID,
		TaskID:        msg.TaskID,
		Mandate:       msg.Mandate,
		MaxTicks:      msg.MaxTicks,
	}
	if err := h.broker.Publish(ctx, h.statusQueue, accepted, msg.CorrelationID, false); err != nil {
		slog.Warn("accepted status publish failed",
			slog.String("correlation_id", msg.CorrelationID), slog.Any("error", err))
	}
	h.store.UpdateResilient(ctx, msg.CorrelationID, map[string]any{
		"status": string(domain.TaskAccepted),
	}, h.resilientWait)

	ag := h.agents.New(msg.Mandate, msg.MaxTicks)

	started := domain.StatusEnvelope{
		Type:          domain.StatusStarted,
		CorrelationID: msg.CorrelationID,
		TaskID:        msg.TaskID,
		Mandate:       msg.Mandate,
		MaxTicks:      msg.MaxTicks,
	}
	if !h.broker.PublishResilient(ctx, h.statusQueue, started, msg.CorrelationID, h.resilientWait) {
		// The run has not begun; hand the message back to the queue.
		return fmt.Errorf("op=worker.start: %w", domain.ErrUnavailable)
	}
	h.store.UpdateResilient(ctx, msg.CorrelationID, map[string]any{
		"status": string(domain.TaskInProgress),
		"tick":   0,
	}, h.resilientWait)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		h.heartbeat(hbCtx, msg, ag)
	}()

	res, err := ag.Run(ctx)
	stopHeartbeat()
	<-hbDone

	// Terminal publishes run on a fresh context so a cancelled consume
	// loop cannot swallow the outcome of a finished run.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.resilientWait)
	defer cancel()
	if err != nil {
		h.finishError(finishCtx, msg, err)
		return nil
	}
	h.finishCompleted(finishCtx, msg, ag, res)
	return nil
}

// finishCompleted interprets the agent result and emits the completed
// envelope and store record.
func (h *Handler) finishCompleted(ctx context.Context, msg domain.TaskMessage, ag domain.Agent, res *domain.AgentResult) {
	progress := ag.Progress()
	result := interpretResult(msg.CorrelationID, res, progress.Deliverables)
	tick := progress.Tick
	hist := progress.HistoryLength
	notesLen := len(result.Notes)
	delivCount := len(result.Deliverables)

	env := domain.StatusEnvelope{
		Type:              domain.StatusCompleted,
		CorrelationID:     msg.CorrelationID,
		TaskID:            msg.TaskID,
		Tick:              &tick,
		Result:            &result,
		HistoryLength:     &hist,
		NotesLen:          &notesLen,
		DeliverablesCount: &delivCount,
	}
	if !h.broker.PublishResilient(ctx, h.statusQueue, env, msg.CorrelationID, h.resilientWait) {
		slog.Error("completed status lost", slog.String("correlation_id", msg.CorrelationID))
	}
	h.store.UpdateResilient(ctx, msg.CorrelationID, map[string]any{
		"status": string(domain.TaskCompleted),
		"tick":   tick,
		"result": result,
		"error":  nil,
	}, h.resilientWait)
	observability.TasksCompletedTotal.Inc()
	slog.Info("task completed",
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("tick", tick),
		slog.Bool("success", result.Success))
}

// finishError marks the task failed on both surfaces.
func (h *Handler) finishError(ctx context.Context, msg domain.TaskMessage, runErr error) {
	env := domain.StatusEnvelope{
		Type:          domain.StatusError,
		CorrelationID: msg.CorrelationID,
		TaskID:        msg.TaskID,
		Error:         runErr.Error(),
	}
	if !h.broker.PublishResilient(ctx, h.statusQueue, env, msg.CorrelationID, h.resilientWait) {
		slog.Error("error status lost", slog.String("correlation_id", msg.CorrelationID))
	}
	h.store.UpdateResilient(ctx, msg.CorrelationID, map[string]any{
		"status": string(domain.TaskFailed),
		"error":  runErr.Error(),
		"result": nil,
	}, h.resilientWait)
	observability.TasksFailedTotal.Inc()
	slog.Warn("task failed",
		slog.String("correlation_id", msg.CorrelationID),
		slog.Any("error", runErr))
}

// interpretResult maps a loosely shaped agent result onto the strict
// completion contract. Explicit success wins; a run that returned
// without error otherwise counts as success. Deliverables fall back in
// order: result, the agent's own accumulation, the final deliverable.
func interpretResult(correlationID string, res *domain.AgentResult, agentDeliverables []any) domain.CompletionResult {
	out := domain.CompletionResult{TaskID: correlationID, Success: true, Deliverables: []any{}}
	if res == nil {
		return out
	}
	out.Deliverables = res.Deliverables
	if len(out.Deliverables) == 0 {
		out.Deliverables = agentDeliverables
	}
	if len(out.Deliverables) == 0 && res.FinalDeliverable != nil {
		out.Deliverables = []any{res.FinalDeliverable}
	}
	if out.Deliverables == nil {
		out.Deliverables = []any{}
	}
	out.Notes = res.Notes
	if out.Notes == "" {
		out.Notes = res.ActionSummary
	}
	if res.Success != nil {
		out.Success = *res.Success
	} else {
		out.Success = true
	}
	return out
}
