package models

import "time"

// DLQEntryTTL is the retention window for a dead-letter entry before the
// sweeper is free to reclaim it (§4.3).
const DLQEntryTTL = 7 * 24 * time.Hour

// DLQEntry records a node execution that exhausted its retry budget. Kept
// for operator inspection and manual/automatic replay.
type DLQEntry struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	NodeID      string                 `json:"node_id"`
	NodeType    string                 `json:"node_type"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Error       string                 `json:"error"`
	Attempts    int                    `json:"attempts"`
	FailedAt    time.Time              `json:"failed_at"`
	ReplayedAt  *time.Time             `json:"replayed_at,omitempty"`
}

// Expired reports whether the entry has outlived DLQEntryTTL as of now.
func (d *DLQEntry) Expired(now time.Time) bool {
	return now.Sub(d.FailedAt) > DLQEntryTTL
}
