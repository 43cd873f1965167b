package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// MaxTicksCeiling caps a submission's tick budget; larger requests are
// clamped, not rejected.
const MaxTicksCeiling = 1000

// submitPublishWait bounds the resilient enqueue of an accepted task.
// Intake rides out a broker outage of up to this long before answering
// 503; the route timeout must stay above it.
const submitPublishWait = 300 * time.Second

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server aggregates the gateway's handler dependencies.
type Server struct {
	Cfg    config.Config
	Broker domain.Broker
	Store  domain.TaskStore
	Quota  domain.QuotaManager
	Tokens domain.TokenValidator
	KV     *rediskv.Client

	now func() time.Time
}

// NewServer constructs a Server with all dependencies wired.
func NewServer(cfg config.Config, broker domain.Broker, store domain.TaskStore, quota domain.QuotaManager, tokens domain.TokenValidator, kv *rediskv.Client) *Server {
	return &Server{Cfg: cfg, Broker: broker, Store: store, Quota: quota, Tokens: tokens, KV: kv, now: time.Now}
}

type submitRequest struct {
	Mandate  string `json:"mandate" validate:"required,min=1,max=10000"`
	MaxTicks *int   `json:"max_ticks"`
}

type submitResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Status        domain.TaskStatus `json:"status"`
}

// SubmitTaskHandler accepts a mandate, consumes quota, persists the
// accepted record, and enqueues the task. The record is written before
// the enqueue so a client can always resolve the correlation id it was
// given.
func (s *Server) SubmitTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no subject", domain.ErrUnauthorized), nil)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: mandate is required", domain.ErrInvalidArgument), map[string]string{"field": "mandate"})
			return
		}
		maxTicks := domain.DefaultMaxTicks
		if req.MaxTicks != nil {
			if *req.MaxTicks <= 0 {
				writeError(w, r, fmt.Errorf("%w: max_ticks must be positive", domain.ErrInvalidArgument), map[string]string{"field": "max_ticks"})
				return
			}
			maxTicks = *req.MaxTicks
			if maxTicks > MaxTicksCeiling {
				maxTicks = MaxTicksCeiling
			}
		}

		decision, err := s.Quota.CheckAndConsume(r.Context(), subject.UserID, subject.Email, maxTicks)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=submit.quota: %w", domain.ErrUnavailable), nil)
			return
		}
		if !decision.Allowed {
			observability.QuotaDeniedTotal.Inc()
			retryAfter := int(rediskv.SecondsToUTCMidnight(s.now()).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, r, fmt.Errorf("%w: daily tick budget exhausted", domain.ErrQuotaExceeded), map[string]any{
				"remaining":           decision.Remaining,
				"retry_after_seconds": retryAfter,
			})
			return
		}

		correlationID := uuid.NewString()
		rec := domain.TaskRecord{
			CorrelationID: correlationID,
			UserID:        subject.UserID,
			Email:         subject.Email,
			Mandate:       req.Mandate,
			MaxTicks:      maxTicks,
			Status:        domain.TaskAccepted,
		}
		if err := s.Store.Create(r.Context(), correlationID, rec); err != nil {
			LoggerFrom(r).Error("task record create failed",
				"correlation_id", correlationID, "error", err)
			writeError(w, r, err, nil)
			return
		}

		msg := domain.TaskMessage{
			CorrelationID: correlationID,
			TaskID:        correlationID,
			Mandate:       req.Mandate,
			MaxTicks:      maxTicks,
			RequestID:     r.Header.Get("X-Request-Id"),
		}
		if !s.Broker.PublishResilient(r.Context(), s.Cfg.InputQueue, msg, correlationID, submitPublishWait) {
			s.Store.UpdateResilient(r.Context(), correlationID, map[string]any{
				"status": string(domain.TaskFailed),
				"error":  "broker unavailable",
			}, submitPublishWait)
			writeError(w, r, fmt.Errorf("%w: queue unavailable", domain.ErrUnavailable), nil)
			return
		}

		observability.TasksSubmittedTotal.Inc()
		LoggerFrom(r).Info("task accepted",
			"correlation_id", correlationID,
			"user_id", subject.UserID,
			"max_ticks", maxTicks)
		writeJSON(w, http.StatusAccepted, submitResponse{CorrelationID: correlationID, Status: domain.TaskAccepted})
	}
}

// TaskStatusHandler resolves a correlation id to its task record. A
// record owned by another user reads as absent; ids are not probeable.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no subject", domain.ErrUnauthorized), nil)
			return
		}
		id := chi.URLParam(r, "id")
		rec, err := s.Store.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=task.status: %w", domain.ErrStorageUnavailable), nil)
			return
		}
		if rec == nil || rec.UserID != subject.UserID {
			writeError(w, r, fmt.Errorf("%w: task %s", domain.ErrNotFound, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

type agentsCountResponse struct {
	Count   int      `json:"count"`
	Workers []string `json:"workers"`
}

// AgentsCountHandler reports live workers from the presence registry.
// Registry members whose presence key has expired are dropped from the
// set while counting, so the registry self-heals after worker crashes.
func (s *Server) AgentsCountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rdb := s.KV.GetClient()
		if rdb == nil {
			writeError(w, r, fmt.Errorf("op=agents.count: %w", domain.ErrStorageUnavailable), nil)
			return
		}
		members, err := rdb.SMembers(r.Context(), rediskv.WorkerSetKey).Result()
		if err != nil {
			writeError(w, r, fmt.Errorf("op=agents.count: %w", domain.ErrStorageUnavailable), nil)
			return
		}
		live := make([]string, 0, len(members))
		for _, id := range members {
			n, err := rdb.Exists(r.Context(), rediskv.WorkerStatusKey(id)).Result()
			if err != nil {
				writeError(w, r, fmt.Errorf("op=agents.count: %w", domain.ErrStorageUnavailable), nil)
				return
			}
			if n == 0 {
				// Presence decayed; the worker is gone. Drop its alive key
				// too in case it outlived the presence record.
				_ = rdb.SRem(r.Context(), rediskv.WorkerSetKey, id).Err()
				_ = rdb.Del(r.Context(), rediskv.WorkerAliveKey(id)).Err()
				continue
			}
			live = append(live, id)
		}
		observability.WorkersPresent.Set(float64(len(live)))
		writeJSON(w, http.StatusOK, agentsCountResponse{Count: len(live), Workers: live})
	}
}

// HealthHandler always answers 200; component states are in the body.
// Liveness must not flap with dependencies, or orchestrators would
// restart the gateway for a Redis blip.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		components := map[string]bool{
			"kv":    s.KV.Ready(),
			"queue": s.Broker.Ready(),
		}
		status := "healthy"
		for _, up := range components {
			if !up {
				status = "unhealthy"
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status,
			"service":    s.Cfg.OTELServiceName,
			"version":    config.Version,
			"components": components,
		})
	}
}
