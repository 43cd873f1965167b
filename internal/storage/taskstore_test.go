package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/storage"
)

func newStore(t *testing.T) (*storage.TaskStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, kv.Connect(context.Background()))
	t.Cleanup(func() { _ = kv.Disconnect() })
	return storage.New(kv), mr
}

func baseRecord(id string) domain.TaskRecord {
	return domain.TaskRecord{
		CorrelationID: id,
		UserID:        "u-1",
		Mandate:       "say ok",
		MaxTicks:      2,
		Status:        domain.TaskAccepted,
	}
}

func TestTaskStore_CreateGet(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "c-1", baseRecord("c-1")))

	rec, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c-1", rec.CorrelationID)
	assert.Equal(t, domain.TaskAccepted, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	// TTL applied on create.
	assert.InDelta(t, storage.TaskTTL, mr.TTL(rediskv.TaskKey("c-1")), float64(2*time.Second))
}

func TestTaskStore_Get_Miss(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	rec, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTaskStore_Update_MergesAndBumpsUpdatedAt(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "c-2", baseRecord("c-2")))

	before, err := s.Get(ctx, "c-2")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Update(ctx, "c-2", map[string]any{
		"status": string(domain.TaskInProgress),
		"tick":   3,
	}))

	after, err := s.Get(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, after.Status)
	assert.Equal(t, 3, after.Tick)
	// Unrelated fields survive the merge.
	assert.Equal(t, "say ok", after.Mandate)
	assert.Equal(t, "u-1", after.UserID)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	// TTL refreshed by the update.
	assert.InDelta(t, storage.TaskTTL, mr.TTL(rediskv.TaskKey("c-2")), float64(2*time.Second))
}

func TestTaskStore_Update_CreatesWhenAbsent(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "fresh", map[string]any{
		"correlation_id": "fresh",
		"status":         string(domain.TaskFailed),
		"error":          "broker unavailable",
	}))
	rec, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, "broker unavailable", rec.Error)
}

func TestTaskStore_UpdateResilient_CompletesTask(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "c-3", baseRecord("c-3")))

	ok := s.UpdateResilient(ctx, "c-3", map[string]any{
		"status": string(domain.TaskCompleted),
		"result": domain.CompletionResult{TaskID: "c-3", Success: true, Deliverables: []any{"ok"}},
	}, 2*time.Second)
	require.True(t, ok)

	rec, err := s.Get(ctx, "c-3")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.True(t, rec.Result.Success)
	assert.Equal(t, []any{"ok"}, rec.Result.Deliverables)
}

func TestTaskStore_ListDelete(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "a", baseRecord("a")))
	require.NoError(t, s.Create(ctx, "b", baseRecord("b")))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	deleted, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)

	recs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestTaskStore_Create_StorageUnavailable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	kv := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, kv.Connect(context.Background()))
	s := storage.New(kv)
	require.NoError(t, kv.Disconnect())

	err := s.Create(context.Background(), "x", baseRecord("x"))
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}
