package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/execcache"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/models"
)

// spawnFunc runs one firing of a deployment's workflow for the given
// trigger node and its materialized trigger_data payload. Supplied by
// DeploymentManager so TriggerManager stays free of execution concerns.
type spawnFunc func(ctx context.Context, triggerNode *models.Node, triggerData map[string]interface{})

// TriggerManager owns every trigger registered for one deployment: cron
// jobs, the immediate start fire, and the sequential collector/processor
// fiber pairs backing event triggers (§4.7).
type TriggerManager struct {
	deploymentID string
	waiters      *eventwaiter.Registry
	cache        *execcache.Cache
	logger       *logger.Logger
	spawn        spawnFunc

	cron        *cron.Cron
	cronEntries map[string]cron.EntryID

	mu        sync.Mutex
	listeners map[string]*eventListener
	states    map[string]*models.TriggerState
}

// newTriggerManager creates a TriggerManager for one deployment. cache may
// be nil in tests; a nil cache simply skips persistence and behaves as the
// in-memory-only original did.
func newTriggerManager(deploymentID string, waiters *eventwaiter.Registry, cache *execcache.Cache, log *logger.Logger, spawn spawnFunc) *TriggerManager {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	c.Start()
	return &TriggerManager{
		deploymentID: deploymentID,
		waiters:      waiters,
		cache:        cache,
		logger:       log,
		spawn:        spawn,
		cron:         c,
		cronEntries:  make(map[string]cron.EntryID),
		listeners:    make(map[string]*eventListener),
		states:       make(map[string]*models.TriggerState),
	}
}

// RegisterCron schedules node's cron parameters. "once" frequencies fire
// immediately instead of being scheduled, mirroring the start-trigger path.
func (tm *TriggerManager) RegisterCron(ctx context.Context, node *models.Node) error {
	params := node.Parameters()
	expr, recurring, err := buildCronExpression(params)
	if err != nil {
		return err
	}

	tm.stateFor(node.ID)

	if !recurring {
		tm.fireCron(ctx, node, 0)
		return nil
	}

	iteration := int64(0)
	entryID, err := tm.cron.AddFunc(expr, func() {
		iteration++
		tm.fireCron(context.Background(), node, iteration)
	})
	if err != nil {
		return err
	}

	tm.mu.Lock()
	tm.cronEntries[node.ID] = entryID
	tm.mu.Unlock()
	return nil
}

func (tm *TriggerManager) fireCron(ctx context.Context, node *models.Node, iteration int64) {
	params := node.Parameters()
	expr, _, _ := buildCronExpression(params)
	triggerData := map[string]interface{}{
		"node_id":      node.ID,
		"timestamp":    time.Now().UTC(),
		"trigger_type": "cron",
		"event_data": map[string]interface{}{
			"iteration":       iteration,
			"frequency":       stringParam(params, "frequency", "minutes"),
			"timezone":        stringParam(params, "timezone", "UTC"),
			"schedule":        params,
			"cron_expression": expr,
		},
	}
	tm.markExecuted(ctx, node.ID)
	tm.spawn(ctx, node, triggerData)
}

// FireStart fires a start-type trigger immediately with its parsed
// initialData (§4.7 step 4).
func (tm *TriggerManager) FireStart(ctx context.Context, node *models.Node) {
	data := parseInitialData(node.Parameters()["initialData"])
	tm.markExecuted(ctx, node.ID)
	tm.spawn(ctx, node, data)
}

// RegisterEventListener sets up the sequential collector/processor fiber
// pair for an event-kind trigger node (§4.7 step 5): the collector
// continuously re-registers a waiter and enqueues resolved payloads; the
// processor drains the queue one run at a time, so a trigger's firings
// never overlap while unrelated triggers keep running in parallel.
func (tm *TriggerManager) RegisterEventListener(ctx context.Context, node *models.Node) {
	lctx, cancel := context.WithCancel(ctx)
	el := &eventListener{
		nodeID: node.ID,
		queue:  make(chan map[string]interface{}, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	tm.mu.Lock()
	tm.listeners[node.ID] = el
	tm.mu.Unlock()

	go tm.collect(lctx, node, el)
	go tm.process(lctx, node, el)
}

func (tm *TriggerManager) collect(ctx context.Context, node *models.Node, el *eventListener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, ch, err := tm.waiters.Register(ctx, models.WaiterKey{NodeType: node.Type, NodeID: node.ID}, nil)
		if err != nil {
			if tm.logger != nil {
				tm.logger.ErrorContext(ctx, "trigger listener: waiter registration failed", "node_id", node.ID, "error", err)
			}
			return
		}

		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			select {
			case el.queue <- payload:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (tm *TriggerManager) process(ctx context.Context, node *models.Node, el *eventListener) {
	defer close(el.done)
	for {
		select {
		case payload, ok := <-el.queue:
			if !ok {
				return
			}
			tm.markExecuted(ctx, node.ID)
			tm.spawn(ctx, node, payload)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels every cron job and listener fiber pair owned by this
// deployment, awaiting listener shutdown before returning (§5 "the cancel
// operation awaits all cancellations").
func (tm *TriggerManager) Stop(ctx context.Context) {
	tm.mu.Lock()
	entries := make([]cron.EntryID, 0, len(tm.cronEntries))
	for _, id := range tm.cronEntries {
		entries = append(entries, id)
	}
	tm.cronEntries = make(map[string]cron.EntryID)
	listeners := make([]*eventListener, 0, len(tm.listeners))
	for _, l := range tm.listeners {
		listeners = append(listeners, l)
	}
	nodeIDs := make([]string, 0, len(tm.states))
	for nodeID := range tm.states {
		nodeIDs = append(nodeIDs, nodeID)
	}
	tm.listeners = make(map[string]*eventListener)
	tm.mu.Unlock()

	if tm.cache != nil {
		for _, nodeID := range nodeIDs {
			_ = tm.cache.DeleteTriggerState(ctx, tm.deploymentID, nodeID)
		}
	}

	for _, id := range entries {
		tm.cron.Remove(id)
	}
	tm.cron.Stop()

	for _, l := range listeners {
		l.cancel()
	}
	for _, l := range listeners {
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}

	if tm.waiters != nil {
		for _, l := range listeners {
			tm.waiters.CancelForNode(ctx, l.nodeID)
		}
	}
}

// CronCount and ListenerCount report current trigger counts for Status.
func (tm *TriggerManager) CronCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.cronEntries)
}

func (tm *TriggerManager) ListenerCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.listeners)
}

func (tm *TriggerManager) stateFor(nodeID string) *models.TriggerState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	s, ok := tm.states[nodeID]
	if ok {
		return s
	}

	if tm.cache != nil {
		if loaded, found := tm.cache.LoadTriggerState(context.Background(), tm.deploymentID, nodeID); found {
			tm.states[nodeID] = loaded
			return loaded
		}
	}

	s = &models.TriggerState{TriggerID: nodeID, DeploymentID: tm.deploymentID, UpdatedAt: time.Now()}
	tm.states[nodeID] = s
	return s
}

// markExecuted records a firing against nodeID's trigger state and
// persists it, so a restarted process resumes the execution count instead
// of starting over (§4.7, closing the gap left by the teacher's in-memory
// trigger.TriggerState).
func (tm *TriggerManager) markExecuted(ctx context.Context, nodeID string) {
	state := tm.stateFor(nodeID)

	tm.mu.Lock()
	state.MarkExecuted(time.Now())
	snapshot := *state
	tm.mu.Unlock()

	if tm.cache != nil {
		if err := tm.cache.SaveTriggerState(ctx, &snapshot); err != nil && tm.logger != nil {
			tm.logger.WarnContext(ctx, "trigger state: persist failed", "node_id", nodeID, "error", err)
		}
	}
}

// eventListener is one node's collector/processor fiber pair.
type eventListener struct {
	nodeID string
	queue  chan map[string]interface{}
	cancel context.CancelFunc
	done   chan struct{}
}
