package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/core/pkg/models"
)

// decideLockTTL/decideLockWait bound the distributed lock WorkflowExecutor
// holds for the duration of a run's decide loop when a DecideLocker is
// configured (§5: "ExecutionContext is written only by the executor driving
// that run, under the distributed lock"). A run outliving decideLockTTL
// without renewal is a known gap (see DESIGN.md); it is not hit by any
// workflow shape the node editor can currently author.
const (
	decideLockTTL  = 5 * time.Minute
	decideLockWait = 10 * time.Second
)

// WorkflowExecutor runs a workflow's DAG under continuous scheduling
// (§4.6.4): a node is handed to a worker the instant its own dependencies
// are satisfied, with no wave or layer barrier gating any other node's
// progress — a slow branch never stalls an unrelated fast one. It replaces
// the wave-synchronized DAGExecutor the teacher's engine shipped, while
// keeping its pluggable ConditionEvaluator/ExecutionNotifier collaborators
// and per-node retry/timeout handling.
//
// resultCache, dlqStore, heartbeater, stateSaver, stateLoader, and locker
// are all optional: a WorkflowExecutor built with none of them behaves
// exactly like the bare in-memory executor, only gaining result caching,
// dead-lettering, heartbeats, checkpointing, or the decide lock once wired
// via the matching WorkflowExecutorOption.
type WorkflowExecutor struct {
	nodeExecutor       *NodeExecutor
	conditionEvaluator ConditionEvaluator
	notifier           ExecutionNotifier
	registry           *models.TypeRegistry

	resultCache ResultCache
	dlqStore    DLQStore
	heartbeater Heartbeater
	stateSaver  StateSaver
	stateLoader StateLoader
	locker      DecideLocker
}

// NewWorkflowExecutor creates a new continuous-scheduling workflow executor.
func NewWorkflowExecutor(
	nodeExecutor *NodeExecutor,
	conditionEvaluator ConditionEvaluator,
	notifier ExecutionNotifier,
	registry *models.TypeRegistry,
	opts ...WorkflowExecutorOption,
) *WorkflowExecutor {
	if registry == nil {
		registry = models.NewTypeRegistry()
	}
	we := &WorkflowExecutor{
		nodeExecutor:       nodeExecutor,
		conditionEvaluator: conditionEvaluator,
		notifier:           notifier,
		registry:           registry,
	}
	for _, opt := range opts {
		opt(we)
	}
	return we
}

// nodeOutcome is reported by a worker goroutine back to the scheduling loop
// once a node reaches a terminal (or cancelled) status.
type nodeOutcome struct {
	node   *models.Node
	status models.NodeExecutionStatus
}

// schedulerState is the scheduler's mutable bookkeeping, guarded by mu. It
// is split out of WorkflowExecutor because it is per-Execute-call state,
// not executor-wide configuration.
type schedulerState struct {
	mu        sync.Mutex
	pending   map[string]int  // nodeID -> outstanding regular-edge parents
	decided   map[string]bool // nodeID -> already scheduled or skipped
	remaining int             // nodes still expected to report an outcome
}

// readyQueue is the priority-ordered admission queue the errgroup worker
// pool pulls from: GetNodePriority/SortNodesByPriority (§3 "higher-priority
// nodes are admitted first") determine pop order among nodes simultaneously
// ready rather than plain FIFO arrival order.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*models.Node
	closed bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push inserts node in priority order (descending), ties broken by arrival
// order — the same ordering SortNodesByPriority's insertion sort produces.
func (q *readyQueue) push(node *models.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()

	priority := GetNodePriority(node)
	i := len(q.items)
	for i > 0 && GetNodePriority(q.items[i-1]) < priority {
		i--
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = node
	q.cond.Signal()
}

// pop blocks until a node is ready or the queue is closed, in which case it
// returns ok=false once drained.
func (q *readyQueue) pop() (*models.Node, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	node := q.items[0]
	q.items = q.items[1:]
	return node, true
}

// close drains any blocked worker once no more nodes will ever be pushed.
func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Execute runs every node reachable from the DAG's initially-ready set
// (in-degree zero) to completion, scheduling each dependent the moment a
// satisfying incoming edge fires rather than waiting for sibling nodes. A
// fixed pool of errgroup-tracked workers (bounded by MaxParallelism) drains
// a priority-ordered ready queue, so a slot freeing up always admits the
// highest-priority waiting node rather than whichever happened to arrive
// first.
func (we *WorkflowExecutor) Execute(ctx context.Context, execState *ExecutionState, opts *ExecutionOptions) error {
	if we.locker != nil {
		release, err := we.locker.AcquireDecideLock(ctx, "execution:"+execState.ExecutionID+":decide", decideLockTTL, decideLockWait)
		if err != nil {
			return fmt.Errorf("acquire decide lock for execution %s: %w", execState.ExecutionID, err)
		}
		defer func() { _ = release(context.Background()) }()
	}

	dag := BuildDAG(execState.Workflow, we.registry)

	if _, err := TopologicalSort(dag); err != nil {
		return fmt.Errorf("DAG validation failed: %w", err)
	}

	if len(dag.Nodes) == 0 {
		return nil
	}

	maxParallelism := opts.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = opts.MaxConcurrency
	}
	if maxParallelism <= 0 || maxParallelism > len(dag.Nodes) {
		maxParallelism = len(dag.Nodes)
	}

	st := &schedulerState{
		pending:   make(map[string]int, len(dag.InDegree)),
		decided:   make(map[string]bool, len(dag.Nodes)),
		remaining: len(dag.Nodes),
	}
	for id, deg := range dag.InDegree {
		st.pending[id] = deg
	}

	outcomes := make(chan nodeOutcome, len(dag.Nodes)*2+1)
	queue := newReadyQueue()
	var errMu sync.Mutex
	var firstErr error

	g := &errgroup.Group{}
	for i := 0; i < maxParallelism; i++ {
		g.Go(func() error {
			for {
				node, ok := queue.pop()
				if !ok {
					return nil
				}

				select {
				case <-ctx.Done():
					execState.SetNodeStatus(node.ID, models.NodeExecutionStatusCancelled)
					outcomes <- nodeOutcome{node: node, status: models.NodeExecutionStatusCancelled}
					continue
				default:
				}

				status, err := we.executeNode(ctx, execState, node, opts)
				if err != nil && !opts.ContinueOnError {
					errMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("node %s failed: %w", node.ID, err)
					}
					errMu.Unlock()
				}
				outcomes <- nodeOutcome{node: node, status: status}
			}
		})
	}

	// scheduleReady admits a node to execution, whether because its
	// dependencies resolved or because it has none. A node already
	// resolved by a prior run (RecoverExecution's SeededStatus) reports
	// its recorded outcome straight away instead of re-running.
	scheduleReady := func(node *models.Node) {
		st.mu.Lock()
		if st.decided[node.ID] {
			st.mu.Unlock()
			return
		}
		st.decided[node.ID] = true
		st.mu.Unlock()

		if seeded, ok := execState.GetSeededStatus(node.ID); ok {
			outcomes <- nodeOutcome{node: node, status: seeded}
			return
		}

		if node.Disabled() {
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusSkipped)
			we.safeNotify(ctx, ExecutionEvent{
				Type:        models.EventTypeNodeSkipped,
				ExecutionID: execState.ExecutionID,
				WorkflowID:  execState.WorkflowID,
				Timestamp:   time.Now(),
				Status:      "skipped",
				NodeID:      node.ID,
				NodeType:    node.Type,
				Message:     "node disabled",
			})
			outcomes <- nodeOutcome{node: node, status: models.NodeExecutionStatusSkipped}
			return
		}

		execState.SetNodeStatus(node.ID, models.NodeExecutionStatusScheduled)
		we.safeNotify(ctx, ExecutionEvent{
			Type:        models.EventTypeNodeScheduled,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "scheduled",
			NodeID:      node.ID,
			NodeType:    node.Type,
		})
		queue.push(node)
	}

	skipNode := func(node *models.Node, reason string) {
		st.mu.Lock()
		if st.decided[node.ID] {
			st.mu.Unlock()
			return
		}
		st.decided[node.ID] = true
		st.mu.Unlock()

		execState.SetNodeStatus(node.ID, models.NodeExecutionStatusSkipped)
		we.safeNotify(ctx, ExecutionEvent{
			Type:        models.EventTypeNodeSkipped,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "skipped",
			NodeID:      node.ID,
			NodeType:    node.Type,
			Message:     reason,
		})
		outcomes <- nodeOutcome{node: node, status: models.NodeExecutionStatusSkipped}
	}

	for id, node := range dag.Nodes {
		if dag.InDegree[id] == 0 {
			scheduleReady(node)
		}
	}

	cancelled := false

	for st.remaining > 0 {
		out := <-outcomes
		st.remaining--

		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}

		for _, edge := range dag.Index.EdgesBySource[out.node.ID] {
			if edge.IsLoop() || edge.IsConfigEdge() {
				continue
			}
			child, ok := dag.Nodes[edge.Target]
			if !ok {
				continue
			}

			st.mu.Lock()
			already := st.decided[child.ID]
			st.mu.Unlock()
			if already {
				continue
			}

			if we.edgeSatisfied(execState, edge, out.node, out.status) {
				scheduleReady(child)
				continue
			}

			st.mu.Lock()
			st.pending[child.ID]--
			exhausted := st.pending[child.ID] <= 0
			st.mu.Unlock()

			if exhausted {
				skipNode(child, fmt.Sprintf("no valid incoming path: parent %s ended %s", out.node.ID, out.status))
			}
		}

		if target, body := we.fireLoopEdge(ctx, execState, dag, out.node); target != nil {
			st.mu.Lock()
			st.remaining += len(body)
			for _, id := range body {
				st.decided[id] = false
				st.pending[id] = dag.InDegree[id]
				if id != target.ID {
					execState.ResetNodeForLoop(id)
				}
			}
			st.mu.Unlock()
			execState.ResetNodeForLoop(target.ID)
			scheduleReady(target)
		}
	}

	queue.close()
	_ = g.Wait()

	finalStatus := models.ExecutionStatusCompleted
	if firstErr != nil {
		finalStatus = models.ExecutionStatusFailed
	} else if cancelled {
		finalStatus = models.ExecutionStatusCancelled
	}
	we.checkpoint(ctx, execState, finalStatus)

	if firstErr != nil {
		return firstErr
	}
	if cancelled {
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	return nil
}

// RecoverExecution resumes executionID from its last persisted checkpoint
// (§4.6.6, Property P8, Scenario S6): every node already terminal
// (completed/cached/failed/skipped/cancelled) in the persisted
// ExecutionContext is seeded so Execute reports it without re-invoking its
// handler; a node caught running/scheduled/pending when the prior process
// died is deliberately left unseeded so Execute's normal admission re-runs
// it fresh. nodes/edges is the current (possibly edited) workflow graph.
func (we *WorkflowExecutor) RecoverExecution(ctx context.Context, executionID string, nodes []*models.Node, edges []*models.Edge, opts *ExecutionOptions) error {
	if we.stateLoader == nil {
		return fmt.Errorf("recover execution %s: no state loader configured", executionID)
	}

	ec, ok := we.stateLoader.LoadExecutionState(ctx, executionID)
	if !ok {
		return fmt.Errorf("recover execution %s: %w", executionID, models.ErrExecutionNotFound)
	}

	workflow := &models.Workflow{ID: ec.WorkflowID, Nodes: nodes, Edges: edges}
	execState := NewExecutionState(executionID, ec.WorkflowID, workflow, nil, nil)

	seeded := 0
	for nodeID, ne := range ec.NodeExecutions {
		if ne == nil || !ne.Status.IsTerminal() {
			continue
		}
		execState.SetSeededStatus(nodeID, ne.Status)
		if ne.Output != nil {
			execState.SetNodeOutput(nodeID, ne.Output)
		}
		if ne.Error != "" {
			execState.SetNodeError(nodeID, errors.New(ne.Error))
		}
		seeded++
	}

	we.safeNotify(ctx, ExecutionEvent{
		Type:        models.EventTypeExecutionRecovered,
		ExecutionID: executionID,
		WorkflowID:  ec.WorkflowID,
		Timestamp:   time.Now(),
		Status:      "recovered",
		Message:     fmt.Sprintf("resuming from %d previously-terminal node(s)", seeded),
	})

	if opts == nil {
		opts = DefaultExecutionOptions()
	}
	return we.Execute(ctx, execState, opts)
}

// ReplayDLQEntry re-attempts the single node a DLQEntry recorded, in
// isolation from the rest of the DAG (§4.6.7): the node's original input is
// replayed through the same loop-input override seam executeNode already
// uses for loop re-admission. On success the entry is removed from the
// DLQ; on failure it is updated in place with a bumped attempt count.
func (we *WorkflowExecutor) ReplayDLQEntry(ctx context.Context, entry *models.DLQEntry, nodes []*models.Node, edges []*models.Edge, opts *ExecutionOptions) error {
	if we.dlqStore == nil {
		return fmt.Errorf("replay dlq entry %s: no dlq store configured", entry.ID)
	}

	target := FindNodeByID(nodes, entry.NodeID)
	if target == nil {
		return fmt.Errorf("replay dlq entry %s: %w", entry.ID, models.ErrNodeNotFound)
	}

	workflow := &models.Workflow{ID: entry.WorkflowID, Nodes: nodes, Edges: edges}
	execState := NewExecutionState(entry.ExecutionID, entry.WorkflowID, workflow, nil, nil)
	execState.SetLoopInput(target.ID, entry.Input)

	if opts == nil {
		opts = DefaultExecutionOptions()
	}

	status, execErr := we.executeNode(ctx, execState, target, opts)
	now := time.Now()

	if execErr != nil || status != models.NodeExecutionStatusCompleted {
		entry.Attempts++
		entry.FailedAt = now
		if execErr != nil {
			entry.Error = execErr.Error()
		}
		if updErr := we.dlqStore.UpdateDLQEntry(ctx, entry); updErr != nil {
			return fmt.Errorf("replay dlq entry %s: node %s still failing (%v); update also failed: %w", entry.ID, target.ID, execErr, updErr)
		}
		return fmt.Errorf("replay dlq entry %s: node %s still failing: %w", entry.ID, target.ID, execErr)
	}

	entry.ReplayedAt = &now
	if err := we.dlqStore.RemoveFromDLQ(ctx, entry.ID); err != nil {
		return fmt.Errorf("replay dlq entry %s: succeeded but failed to clear from dlq: %w", entry.ID, err)
	}

	we.safeNotify(ctx, ExecutionEvent{
		Type:        models.EventTypeDLQEntryReplayed,
		ExecutionID: entry.ExecutionID,
		WorkflowID:  entry.WorkflowID,
		NodeID:      target.ID,
		NodeType:    target.Type,
		Timestamp:   now,
		Status:      "replayed",
	})
	return nil
}

// edgeSatisfied reports whether edge admits its target given the outcome of
// its source node: the source must have produced output (completed or
// served from cache), any structured Condition or Expr predicate must pass,
// and a conditional node's sourceHandle branch must be the active one.
func (we *WorkflowExecutor) edgeSatisfied(execState *ExecutionState, edge *models.Edge, source *models.Node, sourceStatus models.NodeExecutionStatus) bool {
	if sourceStatus != models.NodeExecutionStatusCompleted && sourceStatus != models.NodeExecutionStatusCached {
		return false
	}

	output, _ := execState.GetNodeOutput(source.ID)

	switch {
	case edge.Condition != nil:
		passed, err := edge.Condition.Evaluate(ToMapInterface(output))
		if err != nil || !passed {
			return false
		}
	case edge.Expr != "":
		if we.conditionEvaluator == nil {
			return true
		}
		passed, err := we.conditionEvaluator.Evaluate(edge.Expr, output)
		if err != nil || !passed {
			return false
		}
	}

	if source.Type == models.NodeTypeConditional && edge.SourceHandle != "" {
		passed, err := evaluateSourceHandleCondition(edge, output)
		if err != nil || !passed {
			return false
		}
	}

	return true
}

// evaluateSourceHandleCondition checks whether edge.SourceHandle matches
// the branch a conditional node's output selected.
func evaluateSourceHandleCondition(edge *models.Edge, output interface{}) (bool, error) {
	if boolOutput, ok := output.(bool); ok {
		switch edge.SourceHandle {
		case SourceHandleTrue:
			return boolOutput, nil
		case SourceHandleFalse:
			return !boolOutput, nil
		default:
			return true, nil
		}
	}

	if mapOutput, ok := output.(map[string]interface{}); ok {
		if result, exists := mapOutput["result"]; exists {
			if boolResult, ok := result.(bool); ok {
				switch edge.SourceHandle {
				case SourceHandleTrue:
					return boolResult, nil
				case SourceHandleFalse:
					return !boolResult, nil
				}
			}
		}
	}

	return true, nil
}

// fireLoopEdge checks whether a loop (back) edge sourced at the just-
// finished node should re-admit its target for another iteration. It
// returns the target node and the set of node IDs spanning the loop body
// (target through source, inclusive) that must be reset to run again.
//
// The body is computed by following forward regular edges from target
// until source is reached, which assumes a loop body forms a single
// dominant path rather than an arbitrary sub-DAG — true for every loop
// shape the node editor can currently author.
func (we *WorkflowExecutor) fireLoopEdge(ctx context.Context, execState *ExecutionState, dag *DAG, finished *models.Node) (*models.Node, []string) {
	for _, edge := range dag.Index.EdgesBySource[finished.ID] {
		if !edge.IsLoop() {
			continue
		}

		target, ok := dag.Nodes[edge.Target]
		if !ok {
			continue
		}

		maxIter := edge.Loop.MaxIterations
		currentIter := execState.GetLoopIteration(edge.ID)

		if currentIter >= maxIter {
			we.safeNotify(ctx, ExecutionEvent{
				Type:        models.EventTypeLoopExhausted,
				ExecutionID: execState.ExecutionID,
				WorkflowID:  execState.WorkflowID,
				Timestamp:   time.Now(),
				NodeID:      finished.ID,
				Message:     fmt.Sprintf("loop %s exhausted after %d iterations", edge.ID, maxIter),
			})
			continue
		}

		newIter := execState.IncrementLoopIteration(edge.ID)

		if output, ok := execState.GetNodeOutput(finished.ID); ok {
			execState.SetLoopInput(target.ID, output)
		}

		we.safeNotify(ctx, ExecutionEvent{
			Type:        models.EventTypeLoopIteration,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			NodeID:      target.ID,
			Message:     fmt.Sprintf("loop %s iteration %d/%d: re-admitting %s", edge.ID, newIter, maxIter, target.ID),
		})

		return target, loopBodyNodes(dag, target.ID, finished.ID)
	}

	return nil, nil
}

// loopBodyNodes walks forward regular edges from "from", collecting node
// IDs until "to" is reached (inclusive of both ends).
func loopBodyNodes(dag *DAG, from, to string) []string {
	visited := map[string]bool{}
	var order []string

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)
		if id == to {
			return
		}
		for _, childID := range dag.Edges[id] {
			walk(childID)
		}
	}
	walk(from)

	return order
}

// executeNode executes a single node with timeout, per-class retry, result
// caching, and DLQ-on-exhaustion support.
func (we *WorkflowExecutor) executeNode(
	ctx context.Context,
	execState *ExecutionState,
	node *models.Node,
	opts *ExecutionOptions,
) (models.NodeExecutionStatus, error) {
	nodeStartTime := time.Now()

	execState.SetNodeStatus(node.ID, models.NodeExecutionStatusRunning)
	execState.SetNodeStartTime(node.ID, nodeStartTime)
	we.heartbeat(ctx, execState.ExecutionID, node.ID)

	we.safeNotify(ctx, ExecutionEvent{
		Type:        models.EventTypeNodeStarted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   nodeStartTime,
		Status:      "running",
		NodeID:      node.ID,
		NodeType:    node.Type,
	})

	nodeCtx := ctx
	nodeTimeoutMs := GetNodeTimeout(node)
	if nodeTimeoutMs > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(nodeTimeoutMs)*time.Millisecond)
		defer cancel()
	} else if opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, opts.NodeTimeout)
		defer cancel()
	}

	parentNodes := GetRegularParentNodes(execState.Workflow, node)
	nodeExecCtx := PrepareNodeContext(execState, node, parentNodes, opts)

	if loopInput, ok := execState.GetLoopInput(node.ID); ok {
		if loopMap, ok := loopInput.(map[string]interface{}); ok {
			nodeExecCtx.DirectParentOutput = loopMap
		}
	}

	inputHash := computeInputHash(node, nodeExecCtx)

	if we.resultCache != nil && inputHash != "" {
		if cached, ok := we.resultCache.GetCachedResult(nodeCtx, execState.ExecutionID, node.ID, inputHash); ok {
			nodeEndTime := time.Now()
			execState.SetNodeOutput(node.ID, cached)
			execState.SetNodeInput(node.ID, nodeExecCtx.DirectParentOutput)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusCached)
			execState.SetNodeEndTime(node.ID, nodeEndTime)
			execState.ClearLoopInput(node.ID)

			we.safeNotify(ctx, ExecutionEvent{
				Type:        models.EventTypeNodeCached,
				ExecutionID: execState.ExecutionID,
				WorkflowID:  execState.WorkflowID,
				Timestamp:   nodeEndTime,
				Status:      "cached",
				NodeID:      node.ID,
				NodeType:    node.Type,
				Output:      cached,
			})
			we.checkpoint(ctx, execState, models.ExecutionStatusRunning)

			return models.NodeExecutionStatusCached, nil
		}
	}

	var execResult *NodeExecutionResult
	retryPolicy := we.retryPolicyFor(node)
	retryPolicy.OnRetry = func(attempt int, err error) {
		we.heartbeat(ctx, execState.ExecutionID, node.ID)
		we.safeNotify(ctx, ExecutionEvent{
			Type:        models.EventTypeNodeRetrying,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "retrying",
			NodeID:      node.ID,
			NodeType:    node.Type,
			Error:       err,
		})
	}

	execErr := retryPolicy.Execute(nodeCtx, func() error {
		result, err := we.nodeExecutor.Execute(nodeCtx, nodeExecCtx)
		if result != nil {
			execResult = result
		}
		return err
	})

	nodeEndTime := time.Now()
	nodeDuration := time.Since(nodeStartTime).Milliseconds()

	if execErr != nil {
		execState.SetNodeError(node.ID, execErr)
		execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
		execState.SetNodeEndTime(node.ID, nodeEndTime)

		if execResult != nil {
			execState.SetNodeInput(node.ID, execResult.Input)
			execState.SetNodeConfig(node.ID, execResult.Config)
			execState.SetNodeResolvedConfig(node.ID, execResult.ResolvedConfig)
		}

		we.safeNotify(ctx, ExecutionEvent{
			Type:        models.EventTypeNodeFailed,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "failed",
			NodeID:      node.ID,
			NodeType:    node.Type,
			Error:       execErr,
			DurationMs:  nodeDuration,
		})

		we.deadLetter(ctx, execState, node, nodeExecCtx, execErr)
		we.checkpoint(ctx, execState, models.ExecutionStatusRunning)

		return models.NodeExecutionStatusFailed, execErr
	}

	if opts.MaxOutputSize > 0 {
		outputSize := EstimateSize(execResult.Output)
		if outputSize > opts.MaxOutputSize {
			err := fmt.Errorf("node output size (%d bytes) exceeds limit (%d bytes)", outputSize, opts.MaxOutputSize)
			execState.SetNodeError(node.ID, err)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
			execState.SetNodeEndTime(node.ID, nodeEndTime)
			we.checkpoint(ctx, execState, models.ExecutionStatusRunning)
			return models.NodeExecutionStatusFailed, err
		}
	}

	execState.SetNodeOutput(node.ID, execResult.Output)
	execState.SetNodeInput(node.ID, execResult.Input)
	execState.SetNodeConfig(node.ID, execResult.Config)
	execState.SetNodeResolvedConfig(node.ID, execResult.ResolvedConfig)

	if opts.MaxTotalMemory > 0 {
		if used := execState.GetTotalMemoryUsage(); used > opts.MaxTotalMemory {
			err := fmt.Errorf("total execution memory usage (%d bytes) exceeds limit (%d bytes)", used, opts.MaxTotalMemory)
			execState.ClearNodeOutput(node.ID)
			execState.SetNodeError(node.ID, err)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
			execState.SetNodeEndTime(node.ID, nodeEndTime)
			we.checkpoint(ctx, execState, models.ExecutionStatusRunning)
			return models.NodeExecutionStatusFailed, err
		}
	}

	execState.SetNodeStatus(node.ID, models.NodeExecutionStatusCompleted)
	execState.SetNodeEndTime(node.ID, nodeEndTime)
	execState.ClearLoopInput(node.ID)

	if we.resultCache != nil && inputHash != "" {
		we.resultCache.SetCachedResult(ctx, execState.ExecutionID, node.ID, inputHash, execResult.Output)
	}

	we.safeNotify(ctx, ExecutionEvent{
		Type:        models.EventTypeNodeCompleted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   time.Now(),
		Status:      "completed",
		NodeID:      node.ID,
		NodeType:    node.Type,
		DurationMs:  nodeDuration,
		Output:      execResult.Output,
	})
	we.checkpoint(ctx, execState, models.ExecutionStatusRunning)

	return models.NodeExecutionStatusCompleted, nil
}

// deadLetter pushes a node that exhausted every retry attempt onto the DLQ
// (§4.6.5 step 7, §7 "failures exhausting retry land in the DLQ"). Best
// effort: a DLQ write failure is dropped without notification and never
// returned, since the node has already failed regardless.
func (we *WorkflowExecutor) deadLetter(ctx context.Context, execState *ExecutionState, node *models.Node, nodeExecCtx *NodeContext, execErr error) {
	if we.dlqStore == nil {
		return
	}

	entry := &models.DLQEntry{
		ID:          execState.ExecutionID + ":" + node.ID,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Input:       nodeExecCtx.DirectParentOutput,
		Error:       execErr.Error(),
		FailedAt:    time.Now(),
	}

	if err := we.dlqStore.AddToDLQ(ctx, entry); err != nil {
		return
	}

	we.safeNotify(ctx, ExecutionEvent{
		Type:        models.EventTypeDLQEntryAdded,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Timestamp:   entry.FailedAt,
		Status:      "dead_lettered",
		Error:       execErr,
	})
}

// heartbeat refreshes node's liveness timestamp while it runs (§4.8).
func (we *WorkflowExecutor) heartbeat(ctx context.Context, executionID, nodeID string) {
	if we.heartbeater == nil {
		return
	}
	we.heartbeater.UpdateHeartbeat(ctx, executionID, nodeID, time.Now())
}

// checkpoint flushes the live ExecutionState into the durable
// ExecutionContext (§4.6.6). CreatedAt/SessionID are carried forward from
// the previously persisted record when a StateLoader is configured, so
// repeated checkpoints don't lose the run's original metadata.
func (we *WorkflowExecutor) checkpoint(ctx context.Context, execState *ExecutionState, status models.ExecutionStatus) {
	if we.stateSaver == nil {
		return
	}

	ec := execState.Snapshot(status)
	if we.stateLoader != nil {
		if prior, ok := we.stateLoader.LoadExecutionState(ctx, execState.ExecutionID); ok {
			ec.CreatedAt = prior.CreatedAt
			ec.SessionID = prior.SessionID
		}
	}
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = ec.UpdatedAt
	}

	_ = we.stateSaver.SaveExecutionState(ctx, ec)
}

// computeInputHash derives the §4.3 result-cache key's input_hash: a sha256
// digest over the node's pre-template-resolution parameters and the
// gathered parent output, so two invocations with identical inputs hash
// identically. encoding/json.Marshal sorts map keys, giving determinism
// without a separate canonicalization pass. Returns "" if the inputs don't
// marshal (caching is then simply skipped for this invocation).
func computeInputHash(node *models.Node, nodeExecCtx *NodeContext) string {
	payload := map[string]interface{}{
		"parameters": node.Parameters(),
		"input":      nodeExecCtx.DirectParentOutput,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// safeNotify wraps notifications with panic recovery so a misbehaving
// observer never takes down a running execution.
func (we *WorkflowExecutor) safeNotify(ctx context.Context, event ExecutionEvent) {
	if we.notifier == nil {
		return
	}
	defer func() {
		recover()
	}()
	we.notifier.Notify(ctx, event)
}

// retryPolicyFor resolves node's effective retry policy: the Table 7-A
// class default (models.DefaultRetryPolicyFor, keyed by the node's
// registered NodeClass), optionally overridden by a node-level
// "retryPolicy" parameter (§4.6.5 step 1).
func (we *WorkflowExecutor) retryPolicyFor(node *models.Node) *InternalRetryPolicy {
	class := we.registry.ClassOf(node.Type)
	base := models.DefaultRetryPolicyFor(class)
	effective := applyNodeRetryPolicyOverride(node, base)
	return convertModelsRetryPolicy(effective)
}

// applyNodeRetryPolicyOverride applies a node's "retryPolicy" parameter, if
// present, over base (the node class's Table 7-A default). Every field is
// optional; an absent or malformed field falls back to base's value.
func applyNodeRetryPolicyOverride(node *models.Node, base *models.RetryPolicy) *models.RetryPolicy {
	raw, ok := node.Parameters()["retryPolicy"]
	if !ok {
		return base
	}
	override, ok := raw.(map[string]interface{})
	if !ok {
		return base
	}

	rp := *base

	if v, ok := toInt(override["max_attempts"]); ok {
		rp.MaxAttempts = v
	}
	if v, ok := toInt(override["base_delay_ms"]); ok {
		rp.BaseDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := toInt(override["max_delay_ms"]); ok {
		rp.MaxDelay = time.Duration(v) * time.Millisecond
	}
	if s, ok := override["backoff"].(string); ok {
		switch s {
		case string(models.BackoffConstant):
			rp.Backoff = models.BackoffConstant
		case string(models.BackoffLinear):
			rp.Backoff = models.BackoffLinear
		case string(models.BackoffExponential):
			rp.Backoff = models.BackoffExponential
		}
	}
	if b, ok := override["retry_on_timeout"].(bool); ok {
		rp.RetryOnTimeout = b
	}
	if b, ok := override["retry_on_connection"].(bool); ok {
		rp.RetryOnConnection = b
	}
	if b, ok := override["retry_on_5xx"].(bool); ok {
		rp.RetryOn5xx = b
	}
	if list, ok := override["retryable_errors"].([]interface{}); ok {
		errs := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				errs = append(errs, s)
			}
		}
		rp.RetryableErrors = errs
	}

	return &rp
}

// toInt normalizes the numeric shapes a decoded JSON parameter can take
// (float64 from JSON, int/int64 when constructed in-process), matching the
// type-switch idiom GetNodePriority/GetNodeTimeout already use.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// convertModelsRetryPolicy converts a per-node-class models.RetryPolicy
// (Table 7-A) into the InternalRetryPolicy the retry loop executes
// against, using ShouldRetryFunc to delegate retry classification to
// RetryPolicy.ClassifyAndShouldRetry's flag-based category matching
// instead of a flat substring list.
func convertModelsRetryPolicy(rp *models.RetryPolicy) *InternalRetryPolicy {
	if rp == nil {
		return NoInternalRetryPolicy()
	}

	strategy := InternalBackoffConstant
	switch rp.Backoff {
	case models.BackoffLinear:
		strategy = InternalBackoffLinear
	case models.BackoffExponential:
		strategy = InternalBackoffExponential
	}

	return &InternalRetryPolicy{
		MaxAttempts:     rp.MaxAttempts,
		InitialDelay:    rp.BaseDelay,
		MaxDelay:        rp.MaxDelay,
		BackoffStrategy: strategy,
		RetryableErrors: rp.RetryableErrors,
		ShouldRetryFunc: func(err error) bool { return rp.ClassifyAndShouldRetry(err.Error()) },
	}
}

// convertRetryPolicy converts the engine-public RetryPolicy to an
// InternalRetryPolicy. executeNode does not call it: each node's policy
// comes from retryPolicyFor, so opts.RetryPolicy has no effect on retries.
func convertRetryPolicy(rp *RetryPolicy) *InternalRetryPolicy {
	if rp == nil {
		return NoInternalRetryPolicy()
	}

	strategy := InternalBackoffConstant
	switch rp.BackoffStrategy {
	case BackoffLinear:
		strategy = InternalBackoffLinear
	case BackoffExponential:
		strategy = InternalBackoffExponential
	}

	return &InternalRetryPolicy{
		MaxAttempts:     rp.MaxAttempts,
		InitialDelay:    rp.InitialDelay,
		MaxDelay:        rp.MaxDelay,
		BackoffStrategy: strategy,
		RetryableErrors: rp.RetryOn,
	}
}
