package execcache

import "fmt"

// Key schema (§4.3). Centralized so the fallback in-process store and the
// Redis-backed store address exactly the same logical keyspace.

func stateKey(executionID string) string {
	return fmt.Sprintf("execution:%s:state", executionID)
}

func eventsKey(executionID string) string {
	return fmt.Sprintf("execution:%s:events", executionID)
}

const activeSetKey = "executions:active"

func resultKey(executionID, nodeID, inputHash string) string {
	return fmt.Sprintf("result:%s:%s:%s", executionID, nodeID, inputHash)
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func heartbeatKey(executionID, nodeID string) string {
	return fmt.Sprintf("heartbeat:%s:%s", executionID, nodeID)
}

func dlqEntryKey(id string) string {
	return fmt.Sprintf("dlq:entries:%s", id)
}

func dlqWorkflowKey(workflowID string) string {
	return fmt.Sprintf("dlq:workflow:%s", workflowID)
}

func dlqNodeTypeKey(nodeType string) string {
	return fmt.Sprintf("dlq:node_type:%s", nodeType)
}

const dlqAllKey = "dlq:all"

func triggerStateKey(deploymentID, triggerID string) string {
	return fmt.Sprintf("trigger:%s:%s:state", deploymentID, triggerID)
}
