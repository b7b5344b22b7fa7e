package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/observer"
	"github.com/flowmesh/core/pkg/engine"
	"github.com/flowmesh/core/pkg/models"
)

func TestStatusBroadcaster_ConnectPushesSnapshot(t *testing.T) {
	obsMgr := observer.NewObserverManager()
	b := New(obsMgr, nil, nil)

	b.Notify(context.Background(), engine.ExecutionEvent{
		Type:        models.EventTypeNodeCompleted,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "node-1",
		Status:      "completed",
		Timestamp:   time.Now(),
	})

	rec := &recordingObserver{}
	require.NoError(t, b.Connect(context.Background(), rec))

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 10*time.Millisecond)

	snapEvent := rec.events[0]
	assert.Equal(t, observer.EventType("snapshot"), snapEvent.Type)
	nodes, ok := snapEvent.Metadata["nodes"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, nodes, "node-1")
}

func TestStatusBroadcaster_UpdateNodeStatusBroadcasts(t *testing.T) {
	obsMgr := observer.NewObserverManager()
	rec := &recordingObserver{}
	require.NoError(t, obsMgr.Register(rec))

	b := New(obsMgr, nil, nil)
	b.UpdateNodeStatus(context.Background(), "node-2", "wf-1", "running", map[string]interface{}{"attempt": 1})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, observer.EventType("node_status"), rec.events[0].Type)
	assert.Equal(t, "node-2", rec.events[0].Metadata["node_id"])
}

func TestStatusBroadcaster_LockWorkflowIsAdvisoryAndPerWorkflow(t *testing.T) {
	b := New(nil, nil, nil)
	ctx := context.Background()

	require.True(t, b.LockWorkflow(ctx, "wf-a", "editing"))
	require.False(t, b.LockWorkflow(ctx, "wf-a", "editing again"))

	require.True(t, b.LockWorkflow(ctx, "wf-b", "unrelated"))

	lock, ok := b.WorkflowLockStatus("wf-a")
	require.True(t, ok)
	assert.True(t, lock.Locked)
	assert.Equal(t, "editing", lock.Reason)

	b.UnlockWorkflow(ctx, "wf-a")
	require.True(t, b.LockWorkflow(ctx, "wf-a", "second edit"))
}

func TestStatusBroadcaster_SendCustomEventDispatchesToWaiter(t *testing.T) {
	registry := eventwaiter.NewRegistry(nil, nil)
	b := New(nil, registry, nil)
	ctx := context.Background()

	_, ch, err := registry.Register(ctx, models.WaiterKey{NodeType: "chat.message", NodeID: "n1"}, nil)
	require.NoError(t, err)

	b.SendCustomEvent(ctx, "chat.message", map[string]interface{}{"text": "hi"})

	select {
	case payload := <-ch:
		assert.Equal(t, "hi", payload["text"])
	case <-time.After(time.Second):
		t.Fatal("expected waiter to resolve via SendCustomEvent")
	}
}

func TestStatusBroadcaster_UpdateVariablesPersistsAndBroadcasts(t *testing.T) {
	obsMgr := observer.NewObserverManager()
	rec := &recordingObserver{}
	require.NoError(t, obsMgr.Register(rec))

	b := New(obsMgr, nil, nil)
	b.UpdateVariables(context.Background(), "wf-1", map[string]interface{}{"count": 3, "name": "x"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, observer.EventType("variables_update"), rec.events[0].Type)

	rec2 := &recordingObserver{name: "rec2"}
	require.NoError(t, b.Connect(context.Background(), rec2))
	require.Eventually(t, func() bool { return rec2.count() >= 1 }, time.Second, 10*time.Millisecond)
	vars, ok := rec2.events[0].Metadata["variables"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, vars, "wf-1")
}
