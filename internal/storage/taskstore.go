// Package storage is the thin domain layer that keeps task records in
// the KV store under task:{correlation_id} with a TTL that refreshes on
// every write.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/domain"
)

const (
	// TaskTTL is refreshed on every update so live tasks never expire
	// mid-flight; abandoned records decay on their own.
	TaskTTL = 600 * time.Second

	listPageSize = 100

	// DefaultResilientWait bounds resilient task updates.
	DefaultResilientWait = 300 * time.Second
)

// TaskStore implements domain.TaskStore on the Redis connector.
type TaskStore struct {
	kv  *rediskv.Client
	now func() time.Time
}

// New constructs a TaskStore.
func New(kv *rediskv.Client) *TaskStore {
	return &TaskStore{kv: kv, now: time.Now}
}

// Create writes a fresh record. It raises ErrStorageUnavailable when
// the underlying SET does not confirm; intake must not 202 in that case.
func (s *TaskStore) Create(ctx domain.Context, correlationID string, rec domain.TaskRecord) error {
	rec.CorrelationID = correlationID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.UpdatedAt = s.now().UTC()
	ok, err := s.kv.SetJSON(ctx, rediskv.TaskKey(correlationID), rec, TaskTTL)
	if err != nil {
		return fmt.Errorf("op=task.create: %w: %v", domain.ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("op=task.create: %w: set not confirmed", domain.ErrStorageUnavailable)
	}
	return nil
}

// Get loads the record, or nil on miss.
func (s *TaskStore) Get(ctx domain.Context, correlationID string) (*domain.TaskRecord, error) {
	b, found, err := s.kv.GetRaw(ctx, rediskv.TaskKey(correlationID))
	if err != nil {
		return nil, fmt.Errorf("op=task.get: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("op=task.get: decode: %w", err)
	}
	return &rec, nil
}

// Update merges patch into the stored record (or an empty one), bumps
// updated_at, and refreshes the TTL.
func (s *TaskStore) Update(ctx domain.Context, correlationID string, patch map[string]any) error {
	b, _, err := s.kv.GetRaw(ctx, rediskv.TaskKey(correlationID))
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	merged := mergePatch(b, patch, s.now())
	ok, err := s.kv.SetJSON(ctx, rediskv.TaskKey(correlationID), merged, TaskTTL)
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=task.update: %w: set not confirmed", domain.ErrStorageUnavailable)
	}
	return nil
}

// UpdateResilient applies the same merge using resilient read and write.
// Used for every status transition published from a worker; writers
// include the full intended state in the patch since concurrent writers
// are last-writer-wins.
func (s *TaskStore) UpdateResilient(ctx domain.Context, correlationID string, patch map[string]any, maxWait time.Duration) bool {
	if maxWait <= 0 {
		maxWait = DefaultResilientWait
	}
	deadline := s.now().Add(maxWait)
	b, _, err := s.kv.GetJSONResilient(ctx, rediskv.TaskKey(correlationID), maxWait)
	if err != nil {
		slog.Error("resilient task read exhausted",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
		return false
	}
	merged := mergePatch(b, patch, s.now())
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	return s.kv.SetJSONResilient(ctx, rediskv.TaskKey(correlationID), merged, TaskTTL, remaining)
}

// List scans the task keyspace in pages of 100.
func (s *TaskStore) List(ctx domain.Context) ([]domain.TaskRecord, error) {
	keys, err := s.kv.ScanKeys(ctx, rediskv.TaskKeyPrefix+"*", listPageSize)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	out := make([]domain.TaskRecord, 0, len(keys))
	for _, k := range keys {
		b, found, err := s.kv.GetRaw(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("op=task.list: %w", err)
		}
		if !found {
			continue // expired between scan and read
		}
		var rec domain.TaskRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			slog.Warn("skipping undecodable task record", slog.String("key", k))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record, reporting whether anything was deleted.
func (s *TaskStore) Delete(ctx domain.Context, correlationID string) (bool, error) {
	deleted, err := s.kv.Delete(ctx, rediskv.TaskKey(correlationID))
	if err != nil {
		return false, fmt.Errorf("op=task.delete: %w", err)
	}
	return deleted, nil
}

// mergePatch overlays patch on the stored JSON object. The record is
// merged as a generic map so partial patches keep unrelated fields.
func mergePatch(stored []byte, patch map[string]any, now time.Time) map[string]any {
	merged := map[string]any{}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &merged); err != nil {
			merged = map[string]any{}
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	merged["updated_at"] = now.UTC().Format(time.RFC3339Nano)
	return merged
}

var _ domain.TaskStore = (*TaskStore)(nil)
