package engine

import (
	"context"
	"time"

	"github.com/flowmesh/core/pkg/models"
)

// ResultCache is WorkflowExecutor's view of the per-node result cache
// (§4.3, key shape result:{exec}:{node}:{input_hash}; §4.6.5 steps 5-6).
// *execcache.Cache satisfies this directly.
type ResultCache interface {
	GetCachedResult(ctx context.Context, executionID, nodeID, inputHash string) (map[string]interface{}, bool)
	SetCachedResult(ctx context.Context, executionID, nodeID, inputHash string, result map[string]interface{})
}

// DLQStore is WorkflowExecutor's view of the dead-letter queue (§4.6.5 step
// 7, §4.6.7 replay). *execcache.Cache satisfies this directly.
type DLQStore interface {
	AddToDLQ(ctx context.Context, entry *models.DLQEntry) error
	RemoveFromDLQ(ctx context.Context, id string) error
	UpdateDLQEntry(ctx context.Context, entry *models.DLQEntry) error
}

// Heartbeater refreshes a running node's liveness timestamp so
// RecoverySweeper's stale-node scan (§4.8) has something to read.
// *execcache.Cache satisfies this directly.
type Heartbeater interface {
	UpdateHeartbeat(ctx context.Context, executionID, nodeID string, at time.Time)
}

// StateSaver persists the live ExecutionState back into the durable
// ExecutionContext on every meaningful transition (§4.6.6, §5: "written
// only by the executor driving that run, under the distributed lock").
// *execcache.Cache satisfies this directly.
type StateSaver interface {
	SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error
}

// StateLoader loads a previously persisted ExecutionContext, used both to
// preserve a run's CreatedAt/SessionID across checkpoints and to drive
// RecoverExecution. *execcache.Cache satisfies this directly.
type StateLoader interface {
	LoadExecutionState(ctx context.Context, executionID string) (*models.ExecutionContext, bool)
}

// ReleaseFunc releases a lock acquired through DecideLocker.
type ReleaseFunc func(ctx context.Context) error

// DecideLocker acquires the distributed lock an execution's decide loop
// serializes under (§5: "ExecutionContext is written only by the executor
// driving that run, under the distributed lock"). execcache.Cache
// satisfies this via the AcquireDecideLock adapter, since AcquireLock
// itself returns a concrete *Lock rather than this interface.
type DecideLocker interface {
	AcquireDecideLock(ctx context.Context, name string, ttl, wait time.Duration) (ReleaseFunc, error)
}

// WorkflowExecutorOption configures an optional WorkflowExecutor
// collaborator, following the teacher's functional-options idiom
// (observer.ObserverManager's WithLogger/WithBufferSize, execcache.Cache's
// WithResultTTL/WithLogger).
type WorkflowExecutorOption func(*WorkflowExecutor)

// WithResultCache enables result caching (§4.6.5 steps 5-6).
func WithResultCache(c ResultCache) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.resultCache = c }
}

// WithDLQStore enables dead-lettering of nodes that exhaust retries
// (§4.6.5 step 7) and DLQ replay (§4.6.7).
func WithDLQStore(d DLQStore) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.dlqStore = d }
}

// WithHeartbeater enables per-node heartbeats while a node runs (§4.8).
func WithHeartbeater(h Heartbeater) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.heartbeater = h }
}

// WithStateSaver enables checkpointing live execution state into the
// durable ExecutionContext on every transition (§4.6.6).
func WithStateSaver(s StateSaver) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.stateSaver = s }
}

// WithStateLoader enables loading a persisted ExecutionContext, needed by
// RecoverExecution and by checkpointing (to preserve CreatedAt/SessionID).
func WithStateLoader(l StateLoader) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.stateLoader = l }
}

// WithDecideLock enables the per-execution distributed lock around the
// decide loop (§5).
func WithDecideLock(l DecideLocker) WorkflowExecutorOption {
	return func(we *WorkflowExecutor) { we.locker = l }
}
