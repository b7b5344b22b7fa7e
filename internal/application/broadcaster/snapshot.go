package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/core/internal/application/observer"
)

// NodeStatusEntry is the snapshot record for one node (§4.2).
type NodeStatusEntry struct {
	NodeID     string
	WorkflowID string
	Status     string
	Data       map[string]interface{}
	UpdatedAt  time.Time
}

// WorkflowLock is the advisory per-workflow lock record (§4.2). Locking is
// consulted by deployment/edit flows; it is never enforced against the
// WorkflowExecutor itself, and acquiring a lock on one workflow never
// blocks any other workflow's lock.
type WorkflowLock struct {
	Locked   bool
	LockedAt time.Time
	Reason   string
}

// snapshot holds the partitioned current-status view the broadcaster
// maintains alongside its connected observers (§4.2 "a snapshot of all
// current statuses partitioned by domain").
type snapshot struct {
	mu         sync.RWMutex
	nodes      map[string]NodeStatusEntry    // nodeID -> latest status
	workflows  map[string]string             // workflowID -> status
	deployment map[string]string             // workflowID -> deployment status
	locks      map[string]*WorkflowLock      // workflowID -> lock record
	variables  map[string]map[string]interface{} // workflowID -> variable set
	adapters   map[string]string             // external adapter name -> status
}

func newSnapshot() *snapshot {
	return &snapshot{
		nodes:      make(map[string]NodeStatusEntry),
		workflows:  make(map[string]string),
		deployment: make(map[string]string),
		locks:      make(map[string]*WorkflowLock),
		variables:  make(map[string]map[string]interface{}),
		adapters:   make(map[string]string),
	}
}

func (s *snapshot) setNode(nodeID, workflowID, status string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = NodeStatusEntry{
		NodeID: nodeID, WorkflowID: workflowID, Status: status, Data: data, UpdatedAt: time.Now(),
	}
}

func (s *snapshot) setWorkflow(workflowID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflowID] = status
}

func (s *snapshot) setDeployment(workflowID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployment[workflowID] = status
}

func (s *snapshot) setAdapter(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[name] = status
}

// lock acquires the advisory lock for workflowID. Fails if already held;
// never consults or touches any other workflow's lock.
func (s *snapshot) lock(workflowID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[workflowID]; ok && existing.Locked {
		return false
	}
	s.locks[workflowID] = &WorkflowLock{Locked: true, LockedAt: time.Now(), Reason: reason}
	return true
}

func (s *snapshot) unlock(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, workflowID)
}

func (s *snapshot) lockStatus(workflowID string) (WorkflowLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[workflowID]
	if !ok {
		return WorkflowLock{}, false
	}
	return *l, true
}

func (s *snapshot) setVariable(workflowID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.variables[workflowID]
	if !ok {
		vars = make(map[string]interface{})
		s.variables[workflowID] = vars
	}
	vars[key] = value
}

func (s *snapshot) setVariables(workflowID string, values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.variables[workflowID]
	if !ok {
		vars = make(map[string]interface{})
		s.variables[workflowID] = vars
	}
	for k, v := range values {
		vars[k] = v
	}
}

// asEvent renders the full snapshot as a single observer.Event, delivered
// to a newly-connected observer (§4.2 "immediately push current snapshot").
func (s *snapshot) asEvent() observer.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make(map[string]interface{}, len(s.nodes))
	for id, entry := range s.nodes {
		nodes[id] = map[string]interface{}{
			"workflow_id": entry.WorkflowID,
			"status":      entry.Status,
			"data":        entry.Data,
			"updated_at":  entry.UpdatedAt,
		}
	}

	locks := make(map[string]interface{}, len(s.locks))
	for wfID, l := range s.locks {
		locks[wfID] = map[string]interface{}{
			"locked": l.Locked, "locked_at": l.LockedAt, "reason": l.Reason,
		}
	}

	variables := make(map[string]interface{}, len(s.variables))
	for wfID, v := range s.variables {
		variables[wfID] = v
	}

	metadata := map[string]interface{}{
		"nodes":      nodes,
		"workflows":  copyStringMap(s.workflows),
		"deployment": copyStringMap(s.deployment),
		"locks":      locks,
		"variables":  variables,
		"adapters":   copyStringMap(s.adapters),
	}

	return observer.Event{
		Type:      observer.EventType("snapshot"),
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}

func copyStringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Connect registers an observer and immediately delivers it the current
// snapshot (§4.2). Use this instead of calling observers.Register directly
// whenever the caller wants the new connection primed with current state
// rather than waiting for the next live event.
func (b *StatusBroadcaster) Connect(ctx context.Context, obs observer.Observer) error {
	if b.observers == nil {
		return nil
	}
	if err := b.observers.Register(obs); err != nil {
		return err
	}
	return b.observers.NotifyOne(ctx, obs.Name(), b.snap.asEvent())
}

// UpdateNodeStatus persists the node's status into the snapshot and
// broadcasts a node_status event to every connected observer (§4.2).
func (b *StatusBroadcaster) UpdateNodeStatus(ctx context.Context, nodeID, workflowID, status string, data map[string]interface{}) {
	b.snap.setNode(nodeID, workflowID, status, data)
	b.broadcastStatus(ctx, "node_status", map[string]interface{}{
		"node_id": nodeID, "workflow_id": workflowID, "status": status, "data": data,
	})
}

// UpdateWorkflowStatus persists and broadcasts a workflow-level status
// change (§4.2 "update_workflow_status").
func (b *StatusBroadcaster) UpdateWorkflowStatus(ctx context.Context, workflowID, status string) {
	b.snap.setWorkflow(workflowID, status)
	b.broadcastStatus(ctx, "workflow_status", map[string]interface{}{
		"workflow_id": workflowID, "status": status,
	})
}

// UpdateDeploymentStatus persists and broadcasts a deployment-level status
// change (§4.2 "update_deployment_status").
func (b *StatusBroadcaster) UpdateDeploymentStatus(ctx context.Context, workflowID, status string) {
	b.snap.setDeployment(workflowID, status)
	b.broadcastStatus(ctx, "deployment_status", map[string]interface{}{
		"workflow_id": workflowID, "status": status,
	})
}

// UpdateAdapterStatus persists and broadcasts an external adapter status
// (messaging/relay/API-key connectivity), the "external adapter statuses"
// partition of the snapshot named in §4.2.
func (b *StatusBroadcaster) UpdateAdapterStatus(ctx context.Context, name, status string) {
	b.snap.setAdapter(name, status)
	b.broadcastStatus(ctx, "adapter_status", map[string]interface{}{
		"adapter": name, "status": status,
	})
}

// LockWorkflow acquires the advisory per-workflow lock. Acquisition fails
// if the workflow is already locked; it never blocks or consults any other
// workflow's lock (§4.2).
func (b *StatusBroadcaster) LockWorkflow(ctx context.Context, workflowID, reason string) bool {
	acquired := b.snap.lock(workflowID, reason)
	if acquired {
		l, _ := b.snap.lockStatus(workflowID)
		b.broadcastStatus(ctx, "workflow_locked", map[string]interface{}{
			"workflow_id": workflowID, "locked": l.Locked, "locked_at": l.LockedAt, "reason": l.Reason,
		})
	}
	return acquired
}

// UnlockWorkflow releases the advisory lock, if one is held.
func (b *StatusBroadcaster) UnlockWorkflow(ctx context.Context, workflowID string) {
	b.snap.unlock(workflowID)
	b.broadcastStatus(ctx, "workflow_unlocked", map[string]interface{}{"workflow_id": workflowID})
}

// WorkflowLockStatus returns the current lock record for workflowID, if any.
func (b *StatusBroadcaster) WorkflowLockStatus(workflowID string) (WorkflowLock, bool) {
	return b.snap.lockStatus(workflowID)
}

// UpdateVariable sets a single workflow-scoped variable and broadcasts it.
func (b *StatusBroadcaster) UpdateVariable(ctx context.Context, workflowID, key string, value interface{}) {
	b.snap.setVariable(workflowID, key, value)
	b.broadcastStatus(ctx, "variable_update", map[string]interface{}{
		"workflow_id": workflowID, "key": key, "value": value,
	})
}

// UpdateVariables sets multiple workflow-scoped variables at once and
// broadcasts them as a single event.
func (b *StatusBroadcaster) UpdateVariables(ctx context.Context, workflowID string, values map[string]interface{}) {
	b.snap.setVariables(workflowID, values)
	b.broadcastStatus(ctx, "variables_update", map[string]interface{}{
		"workflow_id": workflowID, "values": values,
	})
}

// SendCustomEvent broadcasts an arbitrary named event to every connected
// observer AND forwards it into EventWaiter.DispatchAsync (§4.2
// "send_custom_event ... forward into EventWaiter.dispatch_async"), the
// bridge by which an external event unblocks a waiting trigger node.
func (b *StatusBroadcaster) SendCustomEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	b.broadcastStatus(ctx, eventType, data)
	if b.waiters != nil {
		b.waiters.DispatchAsync(ctx, eventType, data)
	}
}

func (b *StatusBroadcaster) broadcastStatus(ctx context.Context, kind string, data map[string]interface{}) {
	if b.observers == nil {
		return
	}
	b.observers.Notify(ctx, observer.Event{
		Type:      observer.EventType(kind),
		Timestamp: time.Now(),
		Metadata:  data,
	})
}
