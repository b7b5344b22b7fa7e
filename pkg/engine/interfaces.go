package engine

import "context"

// ConditionEvaluator evaluates an expr-lang escape-hatch condition string
// against a node's output. The structured models.Condition is evaluated
// in-process (no interface indirection); this interface only covers the
// Edge.Expr form (§4.6.3).
type ConditionEvaluator interface {
	Evaluate(condition string, nodeOutput interface{}) (bool, error)
}

// ExecutionNotifier receives lifecycle events as the executor progresses.
// Implementations must not block; the executor wraps every call in panic
// recovery but does not itself enforce a timeout.
type ExecutionNotifier interface {
	Notify(ctx context.Context, event ExecutionEvent)
}
