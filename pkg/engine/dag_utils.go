package engine

import (
	"fmt"

	"github.com/flowmesh/core/pkg/models"
)

// DAG represents the workflow graph with indexed lookups. Edges/InDegree
// only track regular (non-loop, non-config) edges: these are the only
// edges that gate node readiness during scheduling (§4.6.1). Config edges
// (memory/skill/tools/teammates wiring into a config or toolkit node) and
// loop back-edges never appear here.
type DAG struct {
	Nodes    map[string]*models.Node
	Edges    map[string][]string // nodeID -> []childNodeIDs (regular edges only)
	InDegree map[string]int      // nodeID -> number of regular-edge parents
	Index    *DAGIndex           // indexed lookups for O(1) access
}

// DAGIndex provides O(1) lookups for common operations. EdgesByTarget/
// EdgesBySource include ALL edges (regular, conditional, loop, config) so
// callers that need the full picture (condition evaluation, loop
// re-admission, config resolution) can still reach them.
type DAGIndex struct {
	ParentsByNode map[string][]*models.Node // nodeID -> parent nodes (regular edges only)
	EdgesByTarget map[string][]*models.Edge // nodeID -> incoming edges (all kinds)
	EdgesBySource map[string][]*models.Edge // nodeID -> outgoing edges (all kinds)
	NodesByID     map[string]*models.Node   // nodeID -> node (fast lookup)
}

// BuildDAG builds a DAG from workflow with indexed lookups. Nodes
// classified as config or toolkit by registry are excluded from the
// scheduling graph entirely (§4.6.1): they never appear as a dependency
// and their edges are not counted toward any node's in-degree.
func BuildDAG(workflow *models.Workflow, registry *models.TypeRegistry) *DAG {
	dag := &DAG{
		Nodes:    make(map[string]*models.Node),
		Edges:    make(map[string][]string),
		InDegree: make(map[string]int),
		Index: &DAGIndex{
			ParentsByNode: make(map[string][]*models.Node),
			EdgesByTarget: make(map[string][]*models.Edge),
			EdgesBySource: make(map[string][]*models.Edge),
			NodesByID:     make(map[string]*models.Node),
		},
	}

	isPruned := func(node *models.Node) bool {
		if node == nil {
			return true
		}
		class := registry.ClassOf(node.Type)
		return class == models.NodeClassConfig || class == models.NodeClassToolkit
	}

	for _, node := range workflow.Nodes {
		dag.Index.NodesByID[node.ID] = node
		if isPruned(node) {
			continue
		}
		dag.Nodes[node.ID] = node
		dag.InDegree[node.ID] = 0
		dag.Index.ParentsByNode[node.ID] = []*models.Node{}
	}

	for _, edge := range workflow.Edges {
		dag.Index.EdgesByTarget[edge.Target] = append(dag.Index.EdgesByTarget[edge.Target], edge)
		dag.Index.EdgesBySource[edge.Source] = append(dag.Index.EdgesBySource[edge.Source], edge)

		src, srcOK := dag.Nodes[edge.Source]
		_, tgtOK := dag.Nodes[edge.Target]
		if !srcOK || !tgtOK {
			continue
		}
		if edge.IsLoop() || edge.IsConfigEdge() {
			continue
		}

		dag.Edges[edge.Source] = append(dag.Edges[edge.Source], edge.Target)
		dag.InDegree[edge.Target]++
		dag.Index.ParentsByNode[edge.Target] = append(dag.Index.ParentsByNode[edge.Target], src)
	}

	return dag
}

// TopologicalSort performs Kahn's algorithm and returns execution layers
// (groups of nodes with no ordering constraint between them). Used for
// static analysis (validation, visualization); the continuous-scheduling
// WorkflowExecutor does not wait on layer boundaries at runtime (§4.6.4).
func TopologicalSort(dag *DAG) ([][]*models.Node, error) {
	inDegree := make(map[string]int)
	for k, v := range dag.InDegree {
		inDegree[k] = v
	}

	waves := [][]*models.Node{}
	processed := 0

	for processed < len(dag.Nodes) {
		wave := []*models.Node{}

		for nodeID, degree := range inDegree {
			if degree == 0 {
				if node, ok := dag.Nodes[nodeID]; ok {
					wave = append(wave, node)
				}
			}
		}

		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in workflow graph")
		}

		for _, node := range wave {
			delete(inDegree, node.ID)
			processed++

			for _, childID := range dag.Edges[node.ID] {
				inDegree[childID]--
			}
		}

		waves = append(waves, wave)
	}

	return waves, nil
}

// FlattenWaves converts wave-based topology to flat sequential order.
func FlattenWaves(waves [][]*models.Node) []string {
	var result []string
	for _, wave := range waves {
		for _, node := range wave {
			result = append(result, node.ID)
		}
	}
	return result
}

// FindLeafNodes finds executable nodes with no outgoing regular edges.
func FindLeafNodes(workflow *models.Workflow, registry *models.TypeRegistry) []*models.Node {
	hasOutgoing := make(map[string]bool)
	for _, edge := range workflow.Edges {
		if edge.IsLoop() || edge.IsConfigEdge() {
			continue
		}
		hasOutgoing[edge.Source] = true
	}

	var leaves []*models.Node
	for _, node := range workflow.Nodes {
		class := registry.ClassOf(node.Type)
		if class == models.NodeClassConfig || class == models.NodeClassToolkit {
			continue
		}
		if !hasOutgoing[node.ID] {
			leaves = append(leaves, node)
		}
	}

	return leaves
}

// GetNodeByID returns a node by its ID.
func GetNodeByID(workflow *models.Workflow, nodeID string) *models.Node {
	for _, node := range workflow.Nodes {
		if node.ID == nodeID {
			return node
		}
	}
	return nil
}

// SortNodesByPriority sorts nodes by priority (higher priority first, ties
// preserve input order).
func SortNodesByPriority(nodes []*models.Node) []*models.Node {
	sorted := make([]*models.Node, len(nodes))
	copy(sorted, nodes)

	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		keyPriority := GetNodePriority(key)
		j := i - 1

		for j >= 0 && GetNodePriority(sorted[j]) < keyPriority {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	return sorted
}
