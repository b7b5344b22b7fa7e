package models

import "time"

// TriggerKind is the closed set of trigger behaviors a trigger-class node
// can implement (Table 6-A).
type TriggerKind string

const (
	TriggerKindCron    TriggerKind = "cron"
	TriggerKindStart   TriggerKind = "start"
	TriggerKindWebhook TriggerKind = "webhook"
	TriggerKindEvent   TriggerKind = "event"
)

// TriggerTypeConfig is the static, build-time registration of a trigger
// node type: what kind of trigger it is, and (for event triggers) which
// EventWaiter event type and filter keys it subscribes to.
type TriggerTypeConfig struct {
	NodeType     string      `json:"node_type"`
	Kind         TriggerKind `json:"kind"`
	DisplayName  string      `json:"display_name"`
	EventType    string      `json:"event_type,omitempty"`
	FilterKeys   []string    `json:"filter_keys,omitempty"`
}

// TriggerState tracks a single trigger's runtime bookkeeping (grounded on
// the teacher's trigger.TriggerState, extended with an ID tying it to a
// Deployment).
type TriggerState struct {
	TriggerID      string     `json:"trigger_id"`
	DeploymentID   string     `json:"deployment_id"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
	ExecutionCount int64      `json:"execution_count"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MarkExecuted records a firing and bumps the execution counter.
func (s *TriggerState) MarkExecuted(at time.Time) {
	s.LastExecuted = &at
	s.ExecutionCount++
	s.UpdatedAt = at
}

// DeploymentStatus is the lifecycle state of a deployed workflow.
type DeploymentStatus string

const (
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusPaused   DeploymentStatus = "paused"
	DeploymentStatusStopped  DeploymentStatus = "stopped"
	DeploymentStatusFailed   DeploymentStatus = "failed"
)

// Deployment represents a workflow activated for triggered execution: its
// triggers are registered with TriggerManager and firings are routed
// through DeploymentManager (§4.7).
type Deployment struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	Status          DeploymentStatus `json:"status"`
	MaxConcurrency  int              `json:"max_concurrency"`
	ActiveRuns      int              `json:"active_runs"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StoppedAt       *time.Time       `json:"stopped_at,omitempty"`
}

// AtCapacity reports whether the deployment has reached its concurrency cap.
func (d *Deployment) AtCapacity() bool {
	return d.MaxConcurrency > 0 && d.ActiveRuns >= d.MaxConcurrency
}

// IsActive reports whether the deployment currently accepts trigger firings.
func (d *Deployment) IsActive() bool { return d.Status == DeploymentStatusActive }
