package execcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/flowmesh/core/internal/config"
	"github.com/flowmesh/core/internal/infrastructure/cache"
	"github.com/flowmesh/core/pkg/models"
)

func newRedisTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 5})
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return New(rc)
}

func testExecutionContext(id string) *models.ExecutionContext {
	return models.NewExecutionContext(id, "wf-1", "session-1", &models.Workflow{ID: "wf-1"})
}

func TestCache_SaveLoadExecutionState_Redis(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	ec := testExecutionContext("exec-1")
	ec.Status = models.ExecutionStatusRunning
	require.NoError(t, c.SaveExecutionState(ctx, ec))

	loaded, ok := c.LoadExecutionState(ctx, "exec-1")
	require.True(t, ok)
	require.Equal(t, ec.WorkflowID, loaded.WorkflowID)

	ids := c.ActiveExecutionIDs(ctx)
	require.Contains(t, ids, "exec-1")

	ec.Status = models.ExecutionStatusCompleted
	require.NoError(t, c.SaveExecutionState(ctx, ec))
	ids = c.ActiveExecutionIDs(ctx)
	require.NotContains(t, ids, "exec-1")
}

func TestCache_SaveLoadExecutionState_Fallback(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	ec := testExecutionContext("exec-2")
	require.NoError(t, c.SaveExecutionState(ctx, ec))

	loaded, ok := c.LoadExecutionState(ctx, "exec-2")
	require.True(t, ok)
	require.Equal(t, ec.ExecutionID, loaded.ExecutionID)
	require.Equal(t, "fallback", c.Mode())
}

func TestCache_CachedResult(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	hash := ComputeInputHash(map[string]interface{}{"b": 2, "a": 1})
	_, ok := c.GetCachedResult(ctx, "exec-1", "node-1", hash)
	require.False(t, ok)

	c.SetCachedResult(ctx, "exec-1", "node-1", hash, map[string]interface{}{"ok": true})
	result, ok := c.GetCachedResult(ctx, "exec-1", "node-1", hash)
	require.True(t, ok)
	require.Equal(t, true, result["ok"])
}

func TestComputeInputHash_OrderIndependent(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": 2}
	b := map[string]interface{}{"y": 2, "x": 1}
	require.Equal(t, ComputeInputHash(a), ComputeInputHash(b))

	c := map[string]interface{}{"x": 1, "y": 3}
	require.NotEqual(t, ComputeInputHash(a), ComputeInputHash(c))
}

func TestCache_Heartbeat(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	_, ok := c.GetHeartbeat(ctx, "exec-1", "node-1")
	require.False(t, ok)

	now := time.Now()
	c.UpdateHeartbeat(ctx, "exec-1", "node-1", now)

	hb, ok := c.GetHeartbeat(ctx, "exec-1", "node-1")
	require.True(t, ok)
	require.WithinDuration(t, now, hb, time.Second)
}

func TestCache_AcquireRelease_Redis(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "workflow-1", time.Second, 100*time.Millisecond)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "workflow-1", time.Second, 50*time.Millisecond)
	require.ErrorIs(t, err, models.ErrLockTimeout)

	require.NoError(t, lock.Release(ctx))

	lock2, err := c.AcquireLock(ctx, "workflow-1", time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestCache_AcquireRelease_Fallback(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "workflow-2", time.Second, 100*time.Millisecond)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "workflow-2", time.Second, 50*time.Millisecond)
	require.ErrorIs(t, err, models.ErrLockTimeout)

	require.NoError(t, lock.Release(ctx))
}

func TestCache_DLQ(t *testing.T) {
	c := newRedisTestCache(t)
	ctx := context.Background()

	entry := &models.DLQEntry{
		ID:          "dlq-1",
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "node-1",
		NodeType:    "httpRequest",
		Error:       "boom",
		Attempts:    3,
		FailedAt:    time.Now(),
	}
	require.NoError(t, c.AddToDLQ(ctx, entry))

	got, err := c.GetDLQEntry(ctx, "dlq-1")
	require.NoError(t, err)
	require.Equal(t, entry.Error, got.Error)

	byWorkflow, err := c.GetDLQEntries(ctx, "wf-1", "", 0)
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)

	byNodeType, err := c.GetDLQEntries(ctx, "", "httpRequest", 0)
	require.NoError(t, err)
	require.Len(t, byNodeType, 1)

	stats, err := c.GetDLQStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByWorkflow["wf-1"])

	require.NoError(t, c.RemoveFromDLQ(ctx, "dlq-1"))
	_, err = c.GetDLQEntry(ctx, "dlq-1")
	require.ErrorIs(t, err, models.ErrDLQEntryNotFound)
}
