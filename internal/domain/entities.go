// Package domain defines the entities, status machine, and ports of the
// mandate execution platform.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrUnavailable        = errors.New("dependency unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TaskStatus is the persisted lifecycle state of a task record.
type TaskStatus string

const (
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StatusType enumerates the envelope types emitted on the status queue.
// started and in_progress both map to the persisted in_progress status.
type StatusType string

const (
	StatusAccepted   StatusType = "accepted"
	StatusStarted    StatusType = "started"
	StatusInProgress StatusType = "in_progress"
	StatusCompleted  StatusType = "completed"
	StatusError      StatusType = "error"
)

// CompletionResult is the structured outcome of a finished agent run.
type CompletionResult struct {
	TaskID       string `json:"task_id"`
	Success      bool   `json:"success"`
	Deliverables []any  `json:"deliverables"`
	Notes        string `json:"notes"`
}

// TaskRecord is the KV-persisted view of a task.
// Invariants: status is monotone along {accepted, in_progress} ->
// {completed | failed}; Result only when completed; Error only when
// failed; UpdatedAt non-decreasing.
type TaskRecord struct {
	CorrelationID string            `json:"correlation_id"`
	UserID        string            `json:"user_id"`
	Email         string            `json:"email,omitempty"`
	Mandate       string            `json:"mandate"`
	MaxTicks      int               `json:"max_ticks"`
	Status        TaskStatus        `json:"status"`
	Tick          int               `json:"tick,omitempty"`
	Result        *CompletionResult `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// DefaultMaxTicks is applied when a client or producer omits max_ticks.
const DefaultMaxTicks = 50

// TaskMessage is the payload carried on the input queue.
// task_id equals correlation_id for current producers; consumers accept
// either key, so the decoder maps both onto CorrelationID.
type TaskMessage struct {
	CorrelationID string `json:"correlation_id"`
	TaskID        string `json:"task_id"`
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks"`
	RequestID     string `json:"request_id,omitempty"`
}

// UnmarshalJSON tolerates producers that set only one of task_id /
// correlation_id and fills the max_ticks default.
func (m *TaskMessage) UnmarshalJSON(b []byte) error {
	type raw TaskMessage
	var r raw
	r.MaxTicks = -1
	if err := jsonUnmarshal(b, &r); err != nil {
		return err
	}
	if r.CorrelationID == "" {
		r.CorrelationID = r.TaskID
	}
	if r.TaskID == "" {
		r.TaskID = r.CorrelationID
	}
	if r.MaxTicks <= 0 {
		r.MaxTicks = DefaultMaxTicks
	}
	*m = TaskMessage(r)
	return nil
}

// StatusEnvelope is the record shape emitted to the status queue to
// mark task transitions. Optional fields are pointers so a round trip
// through JSON preserves presence.
type StatusEnvelope struct {
	Type              StatusType        `json:"type"`
	CorrelationID     string            `json:"correlation_id"`
	TaskID            string            `json:"task_id,omitempty"`
	Mandate           string            `json:"mandate,omitempty"`
	MaxTicks          int               `json:"max_ticks,omitempty"`
	Tick              *int              `json:"tick,omitempty"`
	Result            *CompletionResult `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	HistoryLength     *int              `json:"history_length,omitempty"`
	NotesLen          *int              `json:"notes_len,omitempty"`
	DeliverablesCount *int              `json:"deliverables_count,omitempty"`
}

// WorkerStatus is the advertised liveness state of a worker process.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerWorking  WorkerStatus = "working"
	WorkerWaiting  WorkerStatus = "waiting"
	WorkerShutdown WorkerStatus = "shutdown"
)

// Protected reports whether the autoscaler must not scale this worker in.
func (s WorkerStatus) Protected() bool {
	return s == WorkerWorking || s == WorkerWaiting
}

// WorkerPresence is the JSON stored at worker:status:{id}.
type WorkerPresence struct {
	WorkerID  string       `json:"worker_id"`
	Status    WorkerStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// WorkerState is the short-lived advisory record at
// worker_state:agent:{id} consumed by the autoscaler.
type WorkerState struct {
	State WorkerStatus `json:"state"`
	TS    time.Time    `json:"ts"`
}

// Subject identifies the authenticated caller.
type Subject struct {
	UserID string
	Email  string
}

// QuotaDecision is the outcome of a quota consumption attempt.
type QuotaDecision struct {
	Allowed   bool
	Remaining int
}

// Context is an alias so ports read the same as the rest of the code.
type Context = context.Context

// MessageHandler processes one decoded queue message. A nil return acks
// the message; an error requeues it.
type MessageHandler func(ctx Context, body []byte) error

// Broker (port). Publish paths serialize payloads as UTF-8 JSON and
// stamp the correlation id on the message.
type Broker interface {
	Connect(ctx Context) error
	Disconnect() error
	Ready() bool
	// Depth reports the backlog of the queue; err non-nil means unknown.
	Depth(ctx Context, queue string) (int64, error)
	Publish(ctx Context, queue string, payload any, correlationID string, resilient bool) error
	// PublishResilient retries across connection loss for up to maxWait.
	PublishResilient(ctx Context, queue string, payload any, correlationID string, maxWait time.Duration) bool
	Consume(ctx Context, queue string, handler MessageHandler) error
}

// TaskStore (port) over the KV layer.
type TaskStore interface {
	Create(ctx Context, correlationID string, rec TaskRecord) error
	Get(ctx Context, correlationID string) (*TaskRecord, error)
	Update(ctx Context, correlationID string, patch map[string]any) error
	UpdateResilient(ctx Context, correlationID string, patch map[string]any, maxWait time.Duration) bool
	List(ctx Context) ([]TaskRecord, error)
	Delete(ctx Context, correlationID string) (bool, error)
}

// QuotaManager (port). CheckAndConsume must be atomic against
// concurrent requests for the same user and UTC day.
type QuotaManager interface {
	CheckAndConsume(ctx Context, userID, email string, units int) (QuotaDecision, error)
}

// TokenValidator (port). Resolves a bearer token to a subject.
type TokenValidator interface {
	Validate(ctx Context, token string) (Subject, error)
}

// AgentProgress is the live view a running agent exposes for the
// heartbeat loop and for result interpretation.
type AgentProgress struct {
	Tick              int
	MaxTicks          int
	HistoryLength     int
	NotesLen          int
	DeliverablesCount int
	// Deliverables is a snapshot of what the agent has produced so
	// far; it backs the completion fallback when the result envelope
	// carries none.
	Deliverables []any
}

// AgentResult is the raw envelope an agent run yields. Field presence
// drives the completion interpretation in the worker.
type AgentResult struct {
	Success          *bool  `json:"success,omitempty"`
	Deliverables     []any  `json:"deliverables,omitempty"`
	FinalDeliverable any    `json:"final_deliverable,omitempty"`
	Notes            string `json:"notes,omitempty"`
	ActionSummary    string `json:"action_summary,omitempty"`
}

// Agent is the opaque computation executed for one task.
type Agent interface {
	Run(ctx Context) (*AgentResult, error)
	Progress() AgentProgress
}

// AgentFactory constructs one agent per consumed task.
type AgentFactory interface {
	New(mandate string, maxTicks int) Agent
}

// Orchestrator (port) is the external API that owns the worker pool
// size (an ECS-like service or equivalent).
type Orchestrator interface {
	DesiredCount(ctx Context) (int, error)
	SetDesiredCount(ctx Context, n int) error
}
