package models

import "time"

// ExecutionContext is the durable, serializable snapshot of a running or
// finished execution (§3). It is what ExecutionCache persists under
// execution:{id}:state; the live in-memory working state engine.ExecutionState
// is built from it on start and flushed back into it on every state
// transition, checkpoint, or recovery scan.
//
// Invariants (§3):
//   I1: NodeExecutions[i].ExecutionID == ExecutionID for every entry.
//   I2: ExecutionOrder only ever appends; entries are never removed or reordered.
//   I3: Status transitions are monotonic: pending -> running -> one of
//       {completed, failed, cancelled, timeout}; no terminal status reverts.
//   I4: Checkpoints is ordered oldest-first and is the sole input to recovery.
type ExecutionContext struct {
	ExecutionID    string                     `json:"execution_id"`
	WorkflowID     string                     `json:"workflow_id"`
	SessionID      string                     `json:"session_id,omitempty"`
	Status         ExecutionStatus            `json:"status"`
	Nodes          []*Node                    `json:"nodes"`
	Edges          []*Edge                    `json:"edges"`
	ExecutionOrder []string                   `json:"execution_order"`
	NodeExecutions map[string]*NodeExecution  `json:"node_executions"`
	Outputs        map[string]interface{}     `json:"outputs"`
	Checkpoints    []Checkpoint               `json:"checkpoints"`
	Errors         map[string]string          `json:"errors,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	HeartbeatAt    time.Time                  `json:"heartbeat_at"`
}

// Checkpoint is one durable marker recovery can rewind to: the status one
// node reached, at position Sequence in Checkpoints.
type Checkpoint struct {
	Sequence  int64     `json:"sequence"`
	NodeID    string    `json:"node_id"`
	Status    NodeExecutionStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExecutionContext creates an empty, pending context for a fresh run.
func NewExecutionContext(executionID, workflowID, sessionID string, workflow *Workflow) *ExecutionContext {
	now := time.Now()
	return &ExecutionContext{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		SessionID:      sessionID,
		Status:         ExecutionStatusPending,
		Nodes:          workflow.Nodes,
		Edges:          workflow.Edges,
		ExecutionOrder: []string{},
		NodeExecutions: make(map[string]*NodeExecution),
		Outputs:        make(map[string]interface{}),
		Checkpoints:    []Checkpoint{},
		Errors:         make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
		HeartbeatAt:    now,
	}
}

// AppendCheckpoint records a node's terminal-or-progress status transition
// and appends the node to ExecutionOrder the first time it is seen
// (invariant I2).
func (ec *ExecutionContext) AppendCheckpoint(nodeID string, status NodeExecutionStatus, at time.Time) {
	seen := false
	for _, id := range ec.ExecutionOrder {
		if id == nodeID {
			seen = true
			break
		}
	}
	if !seen {
		ec.ExecutionOrder = append(ec.ExecutionOrder, nodeID)
	}
	ec.Checkpoints = append(ec.Checkpoints, Checkpoint{
		Sequence:  int64(len(ec.Checkpoints)),
		NodeID:    nodeID,
		Status:    status,
		Timestamp: at,
	})
	ec.UpdatedAt = at
}

// RunningNodeExecutions returns NodeExecutions still in a non-terminal
// status — candidates for the recovery sweeper's reset-to-pending pass.
func (ec *ExecutionContext) RunningNodeExecutions() []*NodeExecution {
	var running []*NodeExecution
	for _, ne := range ec.NodeExecutions {
		if !ne.Status.IsTerminal() && ne.Status != NodeExecutionStatusPending {
			running = append(running, ne)
		}
	}
	return running
}

// StaleHeartbeat reports whether the context's last heartbeat exceeds
// timeout as of now — the recovery sweeper's detection rule (§4.8).
func (ec *ExecutionContext) StaleHeartbeat(now time.Time, timeout time.Duration) bool {
	return now.Sub(ec.HeartbeatAt) > timeout
}
