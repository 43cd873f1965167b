package rediskv_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
)

func newTestClient(t *testing.T) (*rediskv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, mr
}

func TestClient_SetGetJSON(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetJSON(ctx, "k", map[string]any{"a": float64(1)}, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := c.GetJSON(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)
}

func TestClient_GetJSON_Miss(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	v, err := c.GetJSON(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestClient_GetJSON_RawStringOnDecodeFailure(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	mr.Set("raw", "not-json{")
	v, err := c.GetJSON(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, "not-json{", v)
}

func TestClient_SetJSON_TTL(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	ok, err := c.SetJSON(context.Background(), "ttl", "v", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 30*time.Second, mr.TTL("ttl"), float64(time.Second))

	mr.FastForward(31 * time.Second)
	v, err := c.GetJSON(context.Background(), "ttl")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestClient_Delete(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()
	_, err := c.SetJSON(ctx, "d", 1, 0)
	require.NoError(t, err)

	deleted, err := c.Delete(ctx, "d")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete(ctx, "d")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestClient_ScanKeys(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()
	for _, k := range []string{"task:a", "task:b", "other:c"} {
		_, err := c.SetJSON(ctx, k, "x", 0)
		require.NoError(t, err)
	}
	keys, err := c.ScanKeys(ctx, "task:*", 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task:a", "task:b"}, keys)
}

func TestClient_NotReady(t *testing.T) {
	t.Parallel()
	c := rediskv.New("")
	assert.False(t, c.Ready())
	assert.Nil(t, c.GetClient())
	_, err := c.SetJSON(context.Background(), "k", "v", 0)
	assert.ErrorIs(t, err, rediskv.ErrNotReady)
}

func TestClient_ResilientSetSurvivesRestart(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok := c.SetJSONResilient(ctx, "k", "v", 0, 2*time.Second)
	assert.True(t, ok)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, got)
}

func TestQuota_CheckAndConsume(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	q := rediskv.NewQuotaManager(c, 32)
	ctx := context.Background()

	d, err := q.CheckAndConsume(ctx, "u1", "u1@example.com", 15)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 17, d.Remaining)

	d, err = q.CheckAndConsume(ctx, "u1", "u1@example.com", 15)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)

	d, err = q.CheckAndConsume(ctx, "u1", "u1@example.com", 15)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestQuota_PerUserIsolation(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	q := rediskv.NewQuotaManager(c, 10)
	ctx := context.Background()

	d, err := q.CheckAndConsume(ctx, "a", "", 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = q.CheckAndConsume(ctx, "b", "", 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestQuota_NeverOvershootsUnderConcurrency(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	q := rediskv.NewQuotaManager(c, 32)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan int, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := q.CheckAndConsume(ctx, "u", "", 5)
			if err == nil && d.Allowed {
				granted <- 5
			}
		}()
	}
	wg.Wait()
	close(granted)

	total := 0
	for u := range granted {
		total += u
	}
	assert.LessOrEqual(t, total, 32)

	stored, err := mr.Get(rediskv.QuotaKey(time.Now(), "u"))
	require.NoError(t, err)
	n, err := strconv.Atoi(stored)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 32)
}

func TestSecondsToUTCMidnight(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, rediskv.SecondsToUTCMidnight(at))
}
