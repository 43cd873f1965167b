package autoscaler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/autoscaler"
	"github.com/agentgrid/agentgrid/internal/domain"
)

type fakeBroker struct {
	depth    int64
	depthErr error
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Disconnect() error             { return nil }
func (f *fakeBroker) Ready() bool                   { return true }

func (f *fakeBroker) Depth(context.Context, string) (int64, error) { return f.depth, f.depthErr }

func (f *fakeBroker) Publish(context.Context, string, any, string, bool) error { return nil }

func (f *fakeBroker) PublishResilient(context.Context, string, any, string, time.Duration) bool {
	return true
}

func (f *fakeBroker) Consume(context.Context, string, domain.MessageHandler) error { return nil }

type fakeOrch struct {
	current int
	sets    []int
}

func (f *fakeOrch) DesiredCount(domain.Context) (int, error) { return f.current, nil }

func (f *fakeOrch) SetDesiredCount(_ domain.Context, n int) error {
	f.sets = append(f.sets, n)
	f.current = n
	return nil
}

func newKV(t *testing.T) (*rediskv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, kv.Connect(context.Background()))
	t.Cleanup(func() { _ = kv.Disconnect() })
	return kv, mr
}

func protect(t *testing.T, kv *rediskv.Client, workerID string, status domain.WorkerStatus) {
	t.Helper()
	_, err := kv.SetJSON(context.Background(),
		rediskv.WorkerStateKey("worker_state", workerID),
		domain.WorkerState{State: status, TS: time.Now().UTC()}, time.Minute)
	require.NoError(t, err)
}

func TestDecide(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		backlog int64
		want    int
	}{
		{"idle queue collapses to floor", 0, 1},
		{"one message still needs the floor", 1, 1},
		{"ceil division", 9, 5},
		{"exact division", 10, 5},
		{"clamped to ceiling", 1_000_000_000, 11},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, autoscaler.Decide(tc.backlog, 1, 11, 2))
		})
	}
}

func TestReconcile_ScaleOutFromBacklog(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	protect(t, kv, "w-1", domain.WorkerWorking)
	protect(t, kv, "w-2", domain.WorkerWaiting)
	orch := &fakeOrch{current: 1}
	a := autoscaler.New(&fakeBroker{depth: 10}, kv, orch, "agent.mandates", "worker_state", 1, 11, 2, time.Minute)

	require.NoError(t, a.Reconcile(context.Background()))
	// 10 messages / 2 per worker = 5; protection (2) is below that.
	assert.Equal(t, []int{5}, orch.sets)
}

func TestReconcile_ProtectionBlocksScaleIn(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	for _, id := range []string{"w-1", "w-2", "w-3"} {
		protect(t, kv, id, domain.WorkerWorking)
	}
	orch := &fakeOrch{current: 5}
	a := autoscaler.New(&fakeBroker{depth: 0}, kv, orch, "agent.mandates", "worker_state", 1, 11, 2, time.Minute)

	require.NoError(t, a.Reconcile(context.Background()))
	// Empty queue wants the floor, but three workers are mid-run.
	assert.Equal(t, []int{3}, orch.sets)
}

func TestReconcile_IdleWorkersDoNotProtect(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	protect(t, kv, "w-1", domain.WorkerIdle)
	orch := &fakeOrch{current: 4}
	a := autoscaler.New(&fakeBroker{depth: 0}, kv, orch, "agent.mandates", "worker_state", 1, 11, 2, time.Minute)

	require.NoError(t, a.Reconcile(context.Background()))
	assert.Equal(t, []int{1}, orch.sets)
}

func TestReconcile_NoOpWhenConverged(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	orch := &fakeOrch{current: 5}
	a := autoscaler.New(&fakeBroker{depth: 10}, kv, orch, "agent.mandates", "worker_state", 1, 11, 2, time.Minute)

	require.NoError(t, a.Reconcile(context.Background()))
	assert.Empty(t, orch.sets)
}

func TestReconcile_UnknownBacklogReadsAsZero(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	protect(t, kv, "w-1", domain.WorkerWorking)
	protect(t, kv, "w-2", domain.WorkerWorking)
	orch := &fakeOrch{current: 5}
	a := autoscaler.New(&fakeBroker{depthErr: assert.AnError}, kv, orch, "agent.mandates", "worker_state", 1, 11, 2, time.Minute)

	require.NoError(t, a.Reconcile(context.Background()))
	// Depth is unknown and reads as zero; the protected workers hold the
	// pool above the floor.
	assert.Equal(t, []int{2}, orch.sets)
}

func TestKVOrchestrator_RoundTrip(t *testing.T) {
	t.Parallel()
	kv, _ := newKV(t)
	orch := autoscaler.NewKVOrchestrator(kv, 1)
	ctx := context.Background()

	n, err := orch.DesiredCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, orch.SetDesiredCount(ctx, 7))
	n, err = orch.DesiredCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
