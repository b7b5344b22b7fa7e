// Package deployment implements DeploymentManager and TriggerManager
// (§4.7): the layer that takes a deployed workflow's nodes/edges, wires up
// its triggers (cron, start, event), and spawns a filtered-graph run of
// WorkflowExecutor each time one fires.
package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/flowmesh/core/internal/application/broadcaster"
	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/execcache"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/engine"
	"github.com/flowmesh/core/pkg/models"
)

// DefaultMaxConcurrentRuns caps how many runs of one deployment can be
// in flight simultaneously when a deployment doesn't specify its own.
const DefaultMaxConcurrentRuns = 10

// deploymentEntry is a DeploymentManager's bookkeeping for one active
// deployment: its public Deployment record, its TriggerManager, the full
// (unfiltered) workflow it was deployed with, and the in-flight runs it
// owns so Cancel can tear every one of them down.
type deploymentEntry struct {
	deployment *models.Deployment
	workflow   *models.Workflow
	triggers   *TriggerManager

	mu          sync.Mutex
	activeRuns  map[string]context.CancelFunc
}

// Manager is the DeploymentManager: a per-workflow map of active
// deployments, each with its own TriggerManager.
type Manager struct {
	executor     *engine.WorkflowExecutor
	registry     *models.TypeRegistry
	waiters      *eventwaiter.Registry
	broadcaster  *broadcaster.StatusBroadcaster
	cache        *execcache.Cache
	logger       *logger.Logger

	mu          sync.Mutex
	deployments map[string]*deploymentEntry
}

// New creates a DeploymentManager.
func New(
	executor *engine.WorkflowExecutor,
	registry *models.TypeRegistry,
	waiters *eventwaiter.Registry,
	sb *broadcaster.StatusBroadcaster,
	cache *execcache.Cache,
	log *logger.Logger,
) *Manager {
	if registry == nil {
		registry = models.NewTypeRegistry()
	}
	return &Manager{
		executor:    executor,
		registry:    registry,
		waiters:     waiters,
		broadcaster: sb,
		cache:       cache,
		logger:      log,
		deployments: make(map[string]*deploymentEntry),
	}
}

// DeployResult is the outcome of Deploy: (§6 "deploy(...) ->
// {success, deployment_id, workflow_id, triggers}").
type DeployResult struct {
	Success      bool
	DeploymentID string
	WorkflowID   string
	Triggers     int
}

// Deploy activates workflowID for triggered execution: it refuses a
// duplicate workflow_id, creates a Deployment and TriggerManager, and
// registers every trigger node found among nodes (§4.7 steps 1-5).
func (m *Manager) Deploy(ctx context.Context, nodes []*models.Node, edges []*models.Edge, sessionID, workflowID string, maxConcurrentRuns int) (*DeployResult, error) {
	m.mu.Lock()
	if _, exists := m.deployments[workflowID]; exists {
		m.mu.Unlock()
		return nil, models.ErrDeploymentExists
	}
	m.mu.Unlock()

	if maxConcurrentRuns <= 0 {
		maxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	workflow := &models.Workflow{
		ID:        workflowID,
		Nodes:     nodes,
		Edges:     edges,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	deployment := &models.Deployment{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Status:         models.DeploymentStatusActive,
		MaxConcurrency: maxConcurrentRuns,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	entry := &deploymentEntry{
		deployment: deployment,
		workflow:   workflow,
		activeRuns: make(map[string]context.CancelFunc),
	}

	entry.triggers = newTriggerManager(deployment.ID, m.waiters, m.cache, m.logger, func(spawnCtx context.Context, triggerNode *models.Node, triggerData map[string]interface{}) {
		m.spawnRun(spawnCtx, entry, triggerNode, triggerData, sessionID)
	})

	triggerCount := 0
	for _, node := range nodes {
		if !m.registry.IsTrigger(node.Type) {
			continue
		}
		if hasInboundEdge(node.ID, edges) {
			// Not an independent trigger (something feeds it); it
			// executes only as a downstream step of whatever fires it.
			continue
		}

		switch triggerKind(node.Type) {
		case models.TriggerKindCron:
			if err := entry.triggers.RegisterCron(ctx, node); err != nil {
				if m.logger != nil {
					m.logger.ErrorContext(ctx, "deployment: cron registration failed", "node_id", node.ID, "error", err)
				}
				continue
			}
		case models.TriggerKindStart:
			go entry.triggers.FireStart(context.Background(), node)
		default:
			entry.triggers.RegisterEventListener(ctx, node)
		}
		triggerCount++
	}

	m.mu.Lock()
	m.deployments[workflowID] = entry
	m.mu.Unlock()

	if m.broadcaster != nil {
		m.broadcaster.UpdateDeploymentStatus(ctx, workflowID, string(models.DeploymentStatusActive))
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "deployment audit: deploy",
			"workflow_id", workflowID,
			"deployment_id", deployment.ID,
			"session_id", sessionID,
			"triggers", triggerCount,
			"max_concurrent_runs", maxConcurrentRuns,
		)
	}

	return &DeployResult{Success: true, DeploymentID: deployment.ID, WorkflowID: workflowID, Triggers: triggerCount}, nil
}

func hasInboundEdge(nodeID string, edges []*models.Edge) bool {
	for _, e := range edges {
		if e.Target == nodeID {
			return true
		}
	}
	return false
}

// spawnRun enforces max_concurrent_runs, mints a run_id, builds the
// filtered graph for triggerNode's firing, and drives it through
// WorkflowExecutor (§4.7 "on a run spawn").
func (m *Manager) spawnRun(ctx context.Context, entry *deploymentEntry, triggerNode *models.Node, triggerData map[string]interface{}, sessionID string) {
	entry.mu.Lock()
	if entry.deployment.AtCapacity() {
		entry.mu.Unlock()
		if m.logger != nil {
			m.logger.WarnContext(ctx, "deployment: run dropped, at capacity", "workflow_id", entry.deployment.WorkflowID)
		}
		return
	}
	entry.deployment.ActiveRuns++
	entry.mu.Unlock()

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)

	entry.mu.Lock()
	entry.activeRuns[runID] = cancel
	entry.mu.Unlock()

	defer func() {
		entry.mu.Lock()
		entry.deployment.ActiveRuns--
		delete(entry.activeRuns, runID)
		entry.mu.Unlock()
		cancel()
	}()

	var triggerOutput interface{} = triggerData
	filtered := buildFilteredGraph(entry.workflow, m.registry, triggerNode.ID, triggerOutput)

	execState := engine.NewExecutionState(runID, entry.deployment.WorkflowID, filtered, nil, nil)
	opts := engine.DefaultExecutionOptions()

	if m.broadcaster != nil {
		m.broadcaster.Notify(runCtx, engine.ExecutionEvent{
			Type:        models.EventTypeExecutionStarted,
			ExecutionID: runID,
			WorkflowID:  entry.deployment.WorkflowID,
			Status:      "running",
			Timestamp:   time.Now(),
		})
	}

	if m.cache != nil {
		ec := models.NewExecutionContext(runID, entry.deployment.WorkflowID, sessionID, filtered)
		ec.Status = models.ExecutionStatusRunning
		_ = m.cache.SaveExecutionState(runCtx, ec)
	}

	err := m.executor.Execute(runCtx, execState, opts)

	status := models.ExecutionStatusCompleted
	eventType := models.EventTypeExecutionCompleted
	var eventErr error
	if err != nil {
		status = models.ExecutionStatusFailed
		eventType = models.EventTypeExecutionFailed
		eventErr = err
	}

	if m.broadcaster != nil {
		m.broadcaster.Notify(runCtx, engine.ExecutionEvent{
			Type:        eventType,
			ExecutionID: runID,
			WorkflowID:  entry.deployment.WorkflowID,
			Status:      string(status),
			Error:       eventErr,
			Timestamp:   time.Now(),
		})
	}

	// No final SaveExecutionState here: WorkflowExecutor.Execute already
	// checkpoints the detailed per-node ExecutionContext (§4.6.6) as its
	// very last step, carrying forward the CreatedAt/SessionID recorded by
	// the initial save above. A second blind write here would stomp that
	// detail with an empty NodeExecutions map.
}

// CancelResult is the outcome of Cancel (§6).
type CancelResult struct {
	Success          bool
	RunsCancelled    int
	ListenersCancelled int
	CronsCancelled   int
	WaitersCancelled int
}

// Cancel tears down workflowID's deployment: trigger manager (cron jobs,
// listeners), every in-flight run, and pending waiters, then drops the
// DeploymentState (§4.7 "Cancel deployment").
func (m *Manager) Cancel(ctx context.Context, workflowID string) (*CancelResult, error) {
	m.mu.Lock()
	entry, ok := m.deployments[workflowID]
	if !ok {
		m.mu.Unlock()
		return nil, models.ErrDeploymentNotFound
	}
	delete(m.deployments, workflowID)
	m.mu.Unlock()

	crons := entry.triggers.CronCount()
	listeners := entry.triggers.ListenerCount()

	entry.mu.Lock()
	runs := len(entry.activeRuns)
	cancels := make([]context.CancelFunc, 0, runs)
	for _, c := range entry.activeRuns {
		cancels = append(cancels, c)
	}
	entry.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	entry.triggers.Stop(ctx)

	now := time.Now()
	entry.deployment.Status = models.DeploymentStatusStopped
	entry.deployment.StoppedAt = &now
	entry.deployment.UpdatedAt = now

	if m.broadcaster != nil {
		m.broadcaster.UpdateDeploymentStatus(ctx, workflowID, string(models.DeploymentStatusStopped))
		m.broadcaster.UnlockWorkflow(ctx, workflowID)
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "deployment audit: cancel",
			"workflow_id", workflowID,
			"deployment_id", entry.deployment.ID,
			"runs_cancelled", runs,
			"crons_cancelled", crons,
			"listeners_cancelled", listeners,
		)
	}

	return &CancelResult{
		Success:            true,
		RunsCancelled:      runs,
		ListenersCancelled: listeners,
		CronsCancelled:     crons,
		WaitersCancelled:   listeners,
	}, nil
}

// StatusResult reports a deployment's current state (§6 "status(...)")
type StatusResult struct {
	Deployment *models.Deployment
	CronCount  int
	ListenerCount int
}

// Status returns workflowID's current deployment state.
func (m *Manager) Status(workflowID string) (*StatusResult, error) {
	m.mu.Lock()
	entry, ok := m.deployments[workflowID]
	m.mu.Unlock()
	if !ok {
		return nil, models.ErrDeploymentNotFound
	}

	return &StatusResult{
		Deployment:    entry.deployment,
		CronCount:     entry.triggers.CronCount(),
		ListenerCount: entry.triggers.ListenerCount(),
	}, nil
}

// ListDeployments returns every currently active workflow ID, for
// RecoverySweeper-adjacent diagnostics and admin listing.
func (m *Manager) ListDeployments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deployments))
	for id := range m.deployments {
		ids = append(ids, id)
	}
	return ids
}
