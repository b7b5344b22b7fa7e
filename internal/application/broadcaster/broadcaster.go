// Package broadcaster implements the StatusBroadcaster (§4.2): the single
// engine.ExecutionNotifier every WorkflowExecutor run reports to, fanning
// each lifecycle event out to the observer sinks (WebSocket, logger, HTTP
// callback). Waiting-node events are logged; external events reach the
// EventWaiter registry through DispatchExternalEvent and SendCustomEvent.
package broadcaster

import (
	"context"
	"sync"

	"github.com/flowmesh/core/internal/application/eventwaiter"
	"github.com/flowmesh/core/internal/application/observer"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/engine"
	"github.com/flowmesh/core/pkg/models"
)

// StatusBroadcaster implements engine.ExecutionNotifier. Event delivery for
// a single execution is serialized through a per-execution mutex (a
// per-workflow execution legitimately runs many nodes concurrently; an
// observer that writes sequentially, such as the WebSocket sink, still
// needs to see that execution's events in emission order)
// while unrelated executions are never blocked on each other.
type StatusBroadcaster struct {
	observers *observer.ObserverManager
	waiters   *eventwaiter.Registry
	logger    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // executionID -> ordering lock

	snap *snapshot
}

// New creates a StatusBroadcaster. observers and waiters may be nil (events
// are simply dropped for whichever sink is absent).
func New(observers *observer.ObserverManager, waiters *eventwaiter.Registry, log *logger.Logger) *StatusBroadcaster {
	return &StatusBroadcaster{
		observers: observers,
		waiters:   waiters,
		logger:    log,
		locks:     make(map[string]*sync.Mutex),
		snap:      newSnapshot(),
	}
}

// Notify implements engine.ExecutionNotifier.
func (b *StatusBroadcaster) Notify(ctx context.Context, event engine.ExecutionEvent) {
	lock := b.executionLock(event.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	if b.observers != nil {
		b.observers.Notify(ctx, toObserverEvent(event))
	}

	b.recordSnapshot(event)

	if event.Type == models.EventTypeNodeWaiting {
		b.logWaiting(ctx, event)
	}

	if event.Type == models.EventTypeExecutionCompleted || event.Type == models.EventTypeExecutionFailed ||
		event.Type == models.EventTypeExecutionCancelled {
		b.dropExecutionLock(event.ExecutionID)
	}
}

// DispatchExternalEvent resolves any EventWaiter parked on nodeType/payload
// (an incoming webhook call, a received chat message, a published message
// on a subscribed topic) and returns how many waiters it resolved. Observers
// are not notified of the delivery. This is the "coupling" point between the
// trigger layer and a running execution's waiting node.
func (b *StatusBroadcaster) DispatchExternalEvent(ctx context.Context, nodeType string, payload map[string]interface{}) int {
	if b.waiters == nil {
		return 0
	}
	n, err := b.waiters.Dispatch(ctx, nodeType, payload)
	if err != nil && b.logger != nil {
		b.logger.ErrorContext(ctx, "broadcaster: external event dispatch failed", "node_type", nodeType, "error", err)
	}
	return n
}

// recordSnapshot folds a lifecycle event into the node/workflow status
// snapshot so a newly-connected observer (Connect) sees the execution's
// current state rather than only events emitted after it joined.
func (b *StatusBroadcaster) recordSnapshot(event engine.ExecutionEvent) {
	switch event.Type {
	case models.EventTypeNodeStarted, models.EventTypeNodeCompleted, models.EventTypeNodeFailed,
		models.EventTypeNodeSkipped, models.EventTypeNodeRetrying, models.EventTypeNodeWaiting,
		models.EventTypeNodeCached:
		if event.NodeID != "" {
			b.snap.setNode(event.NodeID, event.WorkflowID, string(event.Type), nil)
		}
	case models.EventTypeExecutionStarted, models.EventTypeExecutionCompleted, models.EventTypeExecutionFailed,
		models.EventTypeExecutionCancelled, models.EventTypeExecutionPaused, models.EventTypeExecutionResumed,
		models.EventTypeExecutionRecovered:
		b.snap.setWorkflow(event.WorkflowID, string(event.Type))
	}
}

func (b *StatusBroadcaster) logWaiting(ctx context.Context, event engine.ExecutionEvent) {
	if b.logger == nil {
		return
	}
	b.logger.InfoContext(ctx, "node waiting for external event",
		"execution_id", event.ExecutionID,
		"node_id", event.NodeID,
		"node_type", event.NodeType,
	)
}

func (b *StatusBroadcaster) executionLock(executionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[executionID] = l
	}
	return l
}

func (b *StatusBroadcaster) dropExecutionLock(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, executionID)
}

// toObserverEvent converts an engine-level ExecutionEvent into the
// observer package's richer Event shape.
func toObserverEvent(e engine.ExecutionEvent) observer.Event {
	out := observer.Event{
		Type:        observer.EventType(e.Type),
		ExecutionID: e.ExecutionID,
		WorkflowID:  e.WorkflowID,
		Timestamp:   e.Timestamp,
		Status:      e.Status,
		Error:       e.Error,
		Input:       e.Input,
		Variables:   e.Variables,
	}
	if e.NodeID != "" {
		id := e.NodeID
		out.NodeID = &id
	}
	if e.NodeType != "" {
		t := e.NodeType
		out.NodeType = &t
	}
	if e.Message != "" {
		m := e.Message
		out.Message = &m
	}
	if e.DurationMs > 0 {
		d := e.DurationMs
		out.DurationMs = &d
	}
	if out.Output == nil {
		if om, ok := e.Output.(map[string]interface{}); ok {
			out.Output = om
		}
	}
	return out
}
