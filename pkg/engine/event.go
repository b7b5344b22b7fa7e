package engine

import "time"

// ExecutionEvent represents a lifecycle event during workflow execution.
// Used by ExecutionNotifier implementations to track execution progress.
// Type is one of the models.EventType* constants; under continuous
// scheduling (§4.6.4) these are emitted per-node with no wave grouping.
type ExecutionEvent struct {
	Type        string
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    string
	Status      string
	Error       error
	Output      interface{}
	DurationMs  int64
	Message     string
	Timestamp   time.Time
	Input       map[string]interface{}
	Variables   map[string]interface{}
}
