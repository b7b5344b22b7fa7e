package deployment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/flowmesh/core/internal/application/broadcaster"
	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/observer"
	"github.com/flowmesh/core/pkg/engine"
	"github.com/flowmesh/core/pkg/executor"
	"github.com/flowmesh/core/pkg/models"
)

type passthroughExecutor struct{}

func (passthroughExecutor) Execute(_ context.Context, config map[string]any, input any) (any, error) {
	return map[string]interface{}{"ok": true, "config": config}, nil
}
func (passthroughExecutor) Validate(map[string]any) error { return nil }

func newTestManager(t *testing.T) (*Manager, *recordingObserver) {
	t.Helper()

	execMgr := executor.NewManager()
	require.NoError(t, execMgr.Register(models.NodeTypeHTTPRequest, passthroughExecutor{}))
	require.NoError(t, execMgr.Register("logStep", passthroughExecutor{}))

	registry := models.NewTypeRegistry()
	nodeExecutor := engine.NewNodeExecutor(execMgr)

	rec := &recordingObserver{}
	obsMgr := observer.NewObserverManager()
	require.NoError(t, obsMgr.Register(rec))

	waiters := eventwaiter.NewRegistry(nil, nil)
	sb := broadcaster.New(obsMgr, waiters, nil)

	wfExecutor := engine.NewWorkflowExecutor(nodeExecutor, engine.NewExprConditionEvaluator(), sb, registry)

	mgr := New(wfExecutor, registry, waiters, sb, nil, nil)
	return mgr, rec
}

type recordingObserver struct {
	mu     sync.Mutex
	events []observer.Event
}

func (r *recordingObserver) OnEvent(_ context.Context, e observer.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *recordingObserver) Name() string                { return "recording" }
func (r *recordingObserver) Filter() observer.EventFilter { return nil }

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestManager_DeployStartTrigger(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	nodes := []*models.Node{
		{ID: "start-1", Type: models.NodeTypeStart, Data: map[string]interface{}{
			"parameters": map[string]interface{}{"initialData": `{"greeting":"hi"}`},
		}},
		{ID: "log-1", Type: "logStep"},
	}
	edges := []*models.Edge{
		{ID: "e1", Source: "start-1", Target: "log-1"},
	}

	result, err := mgr.Deploy(ctx, nodes, edges, "session-1", "wf-1", 5)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Triggers)

	_, err = mgr.Deploy(ctx, nodes, edges, "session-1", "wf-1", 5)
	require.ErrorIs(t, err, models.ErrDeploymentExists)

	status, err := mgr.Status("wf-1")
	require.NoError(t, err)
	require.Equal(t, models.DeploymentStatusActive, status.Deployment.Status)
}

func TestManager_CancelDeployment(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	nodes := []*models.Node{
		{ID: "cron-1", Type: models.NodeTypeCronScheduler, Data: map[string]interface{}{
			"parameters": map[string]interface{}{"frequency": "minutes", "intervalMinutes": 5},
		}},
	}
	_, err := mgr.Deploy(ctx, nodes, nil, "session-1", "wf-2", 1)
	require.NoError(t, err)

	result, err := mgr.Cancel(ctx, "wf-2")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.CronsCancelled)

	_, err = mgr.Status("wf-2")
	require.ErrorIs(t, err, models.ErrDeploymentNotFound)
}

func TestManager_EventTriggerDispatch(t *testing.T) {
	mgr, rec := newTestManager(t)
	ctx := context.Background()

	nodes := []*models.Node{
		{ID: "webhook-1", Type: models.NodeTypeWebhookTrigger},
		{ID: "log-1", Type: "logStep"},
	}
	edges := []*models.Edge{{ID: "e1", Source: "webhook-1", Target: "log-1"}}

	_, err := mgr.Deploy(ctx, nodes, edges, "session-1", "wf-3", 5)
	require.NoError(t, err)

	dispatched, err := mgr.waiters.Dispatch(ctx, models.NodeTypeWebhookTrigger, map[string]interface{}{"path": "/hook"})
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	require.Eventually(t, func() bool {
		return rec.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = mgr.Cancel(ctx, "wf-3")
	require.NoError(t, err)
}
