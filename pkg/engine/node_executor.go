package engine

import (
	"context"
	"fmt"

	"github.com/flowmesh/core/pkg/executor"
	"github.com/flowmesh/core/pkg/models"
)

// NodeExecutor executes a single node with automatic template resolution.
type NodeExecutor struct {
	executorManager executor.Manager
}

// NewNodeExecutor creates a new node executor.
func NewNodeExecutor(manager executor.Manager) *NodeExecutor {
	return &NodeExecutor{
		executorManager: manager,
	}
}

// NodeExecutionResult contains the result of node execution along with metadata.
type NodeExecutionResult struct {
	Output         map[string]interface{}
	Input          interface{}
	Config         map[string]interface{}
	ResolvedConfig map[string]interface{}
}

// NodeContext holds context for single node execution.
type NodeContext struct {
	ExecutionID        string
	NodeID             string
	Node               *models.Node
	WorkflowVariables  map[string]interface{}
	ExecutionVariables map[string]interface{}
	DirectParentOutput map[string]interface{}
	Resources          map[string]interface{}
	StrictMode         bool
}

// Execute executes a single node with automatic template resolution.
//
// Flow (§4.4):
//  1. Get base executor from registry; an unregistered node type is not a
//     fatal error — it falls through to a pass-through handler so unknown
//     node types never abort an otherwise-valid workflow.
//  2. Build ExecutionContextData from node context.
//  3. Create template engine from ExecutionContextData and resolve
//     {{source.path}} tokens in the node's parameters.
//  4. Execute with resolved config.
//  5. Normalize the output under the multi-key shape (output_main,
//     output_top, output_0) so downstream template lookups always find a
//     value regardless of which key the handler populated.
func (ne *NodeExecutor) Execute(ctx context.Context, nodeCtx *NodeContext) (*NodeExecutionResult, error) {
	baseExecutor, lookupErr := ne.executorManager.Get(nodeCtx.Node.Type)

	execCtxData := &executor.ExecutionContextData{
		WorkflowVariables:  nodeCtx.WorkflowVariables,
		ExecutionVariables: nodeCtx.ExecutionVariables,
		ParentNodeOutput:   nodeCtx.DirectParentOutput,
		Resources:          nodeCtx.Resources,
		StrictMode:         nodeCtx.StrictMode,
	}

	templateEngine := executor.NewTemplateEngine(execCtxData)

	resolvedConfig, err := templateEngine.ResolveConfig(nodeCtx.Node.Parameters())
	if err != nil {
		return nil, fmt.Errorf("template resolution failed: %w", err)
	}

	result := &NodeExecutionResult{
		Input:          nodeCtx.DirectParentOutput,
		Config:         nodeCtx.Node.Parameters(),
		ResolvedConfig: resolvedConfig,
	}

	var output interface{}
	if lookupErr != nil {
		// Unknown node type: forgiving fallback, pass the resolved input
		// through unchanged (§4.4).
		output = nodeCtx.DirectParentOutput
	} else {
		output, err = baseExecutor.Execute(ctx, resolvedConfig, nodeCtx.DirectParentOutput)
		if err != nil {
			result.Output = normalizeOutput(nil)
			return result, fmt.Errorf("node execution failed: %w", err)
		}
	}

	result.Output = normalizeOutput(output)
	return result, nil
}

// normalizeOutput stores the handler's return value under every key a
// downstream template lookup might use: the raw map merged in directly,
// plus output_main/output_top/output_0 mirroring it, matching the
// multi-key storage convention node handler authors rely on.
func normalizeOutput(output interface{}) map[string]interface{} {
	result := map[string]interface{}{}

	switch v := output.(type) {
	case nil:
		// leave result empty
	case map[string]interface{}:
		for k, val := range v {
			result[k] = val
		}
	default:
		result["value"] = v
	}

	result["output_main"] = output
	result["output_top"] = output
	result["output_0"] = output
	return result
}

// PrepareNodeContext builds NodeContext from execution state and node.
//
// Input merging strategy:
//   - No parents: uses execution input
//   - Single parent: merges execution input with parent output (parent output takes precedence)
//   - Multiple parents: merges outputs namespaced by parent node ID
func PrepareNodeContext(
	execState *ExecutionState,
	node *models.Node,
	parentNodes []*models.Node,
	opts *ExecutionOptions,
) *NodeContext {
	var directParentOutput map[string]interface{}

	if len(parentNodes) == 1 {
		directParentOutput = make(map[string]interface{})

		for k, v := range execState.Input {
			directParentOutput[k] = v
		}

		parentID := parentNodes[0].ID
		if output, ok := execState.GetNodeOutput(parentID); ok {
			if outputMap, ok := output.(map[string]interface{}); ok {
				for k, v := range outputMap {
					directParentOutput[k] = v
				}
			}
		}
	} else if len(parentNodes) > 1 {
		directParentOutput = mergeParentOutputs(execState, parentNodes)
	} else {
		directParentOutput = execState.Input
	}

	return &NodeContext{
		ExecutionID:        execState.ExecutionID,
		NodeID:             node.ID,
		Node:               node,
		WorkflowVariables:  execState.Workflow.Variables,
		ExecutionVariables: execState.Variables,
		DirectParentOutput: directParentOutput,
		Resources:          execState.Resources,
		StrictMode:         opts.StrictMode,
	}
}

// mergeParentOutputs merges outputs from multiple parent nodes.
// Outputs are namespaced by parent node ID to avoid collisions.
func mergeParentOutputs(execState *ExecutionState, parentNodes []*models.Node) map[string]interface{} {
	merged := make(map[string]interface{})

	for _, parent := range parentNodes {
		if output, ok := execState.GetNodeOutput(parent.ID); ok {
			merged[parent.ID] = output
		}
	}

	return merged
}
