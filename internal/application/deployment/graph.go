package deployment

import (
	"encoding/json"

	"github.com/flowmesh/core/pkg/models"
)

// buildFilteredGraph implements the §4.7 run-spawn filtering: the firing
// trigger node is stamped pre-executed with its trigger output, nodes
// reachable downstream of it are included along with any config/toolkit
// provider nodes those downstream nodes depend on, and every other
// trigger-class node that has no inbound edges of its own (a truly
// independent trigger, not merely one this firing happens to pass through)
// is excluded so unrelated triggers never execute as a side effect of this
// run.
func buildFilteredGraph(full *models.Workflow, registry *models.TypeRegistry, triggerNodeID string, triggerOutput interface{}) *models.Workflow {
	nodesByID := make(map[string]*models.Node, len(full.Nodes))
	for _, n := range full.Nodes {
		nodesByID[n.ID] = n
	}

	hasInbound := make(map[string]bool, len(full.Nodes))
	outgoing := make(map[string][]*models.Edge)
	incoming := make(map[string][]*models.Edge)
	for _, e := range full.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
		incoming[e.Target] = append(incoming[e.Target], e)
		hasInbound[e.Target] = true
	}

	included := map[string]bool{triggerNodeID: true}

	// Forward BFS from the trigger over every edge (including config
	// edges), so toolkit/agent-tool nodes wired as a downstream target are
	// captured even though they aren't "executable" in the usual sense.
	queue := []string{triggerNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range outgoing[id] {
			if included[e.Target] {
				continue
			}
			included[e.Target] = true
			queue = append(queue, e.Target)
		}
	}

	// Pull in upstream config/toolkit provider nodes feeding any included
	// node — these sit beside the downstream path, not on it, so forward
	// BFS alone misses them.
	changed := true
	for changed {
		changed = false
		for id := range included {
			for _, e := range incoming[id] {
				if included[e.Source] {
					continue
				}
				src, ok := nodesByID[e.Source]
				if !ok {
					continue
				}
				class := registry.ClassOf(src.Type)
				if class == models.NodeClassConfig || class == models.NodeClassToolkit || class == models.NodeClassAgent {
					included[e.Source] = true
					changed = true
				}
			}
		}
	}

	// Drop any other trigger-class node that is genuinely independent
	// (no inbound edges): it must not execute just because this run's
	// traversal happened to reach it.
	for id := range included {
		if id == triggerNodeID {
			continue
		}
		node, ok := nodesByID[id]
		if !ok {
			continue
		}
		if registry.IsTrigger(node.Type) && !hasInbound[id] {
			delete(included, id)
		}
	}

	filtered := &models.Workflow{
		ID:        full.ID,
		Name:      full.Name,
		Version:   full.Version,
		Status:    full.Status,
		Variables: full.Variables,
		Metadata:  full.Metadata,
	}

	for _, n := range full.Nodes {
		if !included[n.ID] {
			continue
		}
		cp := *n
		if n.ID == triggerNodeID {
			cp.PreExecuted = true
			cp.TriggerOutput = triggerOutput
		}
		filtered.Nodes = append(filtered.Nodes, &cp)
	}

	for _, e := range full.Edges {
		if included[e.Source] && included[e.Target] {
			filtered.Edges = append(filtered.Edges, e)
		}
	}

	return filtered
}

// parseInitialData parses a start node's initialData parameter as JSON,
// falling back to an empty map on any parse error (§4.7 step 4).
func parseInitialData(raw interface{}) map[string]interface{} {
	out := map[string]interface{}{}

	switch v := raw.(type) {
	case nil:
		return out
	case map[string]interface{}:
		return v
	case string:
		if v == "" {
			return out
		}
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return map[string]interface{}{}
		}
		return out
	default:
		return out
	}
}
