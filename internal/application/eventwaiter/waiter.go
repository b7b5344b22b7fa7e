// Package eventwaiter implements the EventWaiter registry (§4.1): the
// mechanism by which an executing "event" trigger node parks until a
// matching external event arrives, without blocking any other node in the
// same or a different execution.
package eventwaiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/models"
)

// Backend persists Waiter records. MemoryBackend is the default; a
// durable-stream implementation (e.g. backed by execcache's Redis stream)
// can be swapped in for multi-process deployments without the Registry's
// wake-up path changing, since channels stay local to the process that
// registered them (§4.1 "selectable in-memory vs. durable backend").
type Backend interface {
	Put(ctx context.Context, w *models.Waiter) error
	Get(ctx context.Context, waiterID string) (*models.Waiter, error)
	ListByKey(ctx context.Context, key models.WaiterKey) ([]*models.Waiter, error)
	Remove(ctx context.Context, waiterID string) error
}

// Registry is the live EventWaiter: callers Register a wait, then block on
// the returned channel until Dispatch (or DispatchAsync) resolves it, the
// context is cancelled, or CancelForNode tears it down early.
type Registry struct {
	backend Backend
	logger  *logger.Logger

	mu       sync.Mutex
	channels map[string]chan map[string]interface{} // waiterID -> result channel
	byNode   map[string][]string                    // nodeID -> waiterIDs, for CancelForNode
}

// NewRegistry creates a Registry over backend. A nil backend defaults to
// an in-memory Backend.
func NewRegistry(backend Backend, log *logger.Logger) *Registry {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Registry{
		backend:  backend,
		logger:   log,
		channels: make(map[string]chan map[string]interface{}),
		byNode:   make(map[string][]string),
	}
}

// Register creates a new Waiter for key/filter and returns it along with a
// channel that receives exactly one result when Dispatch resolves it.
func (r *Registry) Register(ctx context.Context, key models.WaiterKey, filter map[string]interface{}) (*models.Waiter, <-chan map[string]interface{}, error) {
	w := &models.Waiter{
		ID:        uuid.NewString(),
		Key:       key,
		Filter:    filter,
		CreatedAt: time.Now(),
	}

	if err := r.backend.Put(ctx, w); err != nil {
		return nil, nil, fmt.Errorf("register waiter: %w", err)
	}

	ch := make(chan map[string]interface{}, 1)

	r.mu.Lock()
	r.channels[w.ID] = ch
	r.byNode[key.NodeID] = append(r.byNode[key.NodeID], w.ID)
	r.mu.Unlock()

	return w, ch, nil
}

// Dispatch resolves every unresolved waiter registered under nodeType whose
// filter matches payload, delivering payload to each one's channel. It
// returns the number of waiters resolved. Single-assignment: a waiter
// already resolved is skipped rather than re-delivered.
func (r *Registry) Dispatch(ctx context.Context, nodeType string, payload map[string]interface{}) (int, error) {
	candidates, err := r.backend.ListByKey(ctx, models.WaiterKey{NodeType: nodeType})
	if err != nil {
		return 0, fmt.Errorf("dispatch lookup: %w", err)
	}

	resolved := 0
	now := time.Now()
	for _, w := range candidates {
		if w.Resolved() {
			continue
		}
		if !w.MatchesFilter(payload) {
			continue
		}

		w.ResolvedAt = &now
		w.Result = payload
		if err := r.backend.Put(ctx, w); err != nil {
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "eventwaiter: failed to persist resolved waiter", "waiter_id", w.ID, "error", err)
			}
			continue
		}

		r.mu.Lock()
		ch, ok := r.channels[w.ID]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- payload:
			default:
			}
			r.forget(w.ID, w.Key.NodeID)
		}
		resolved++
	}

	return resolved, nil
}

// DispatchAsync runs Dispatch in its own goroutine so a slow or unbuffered
// caller (e.g. a webhook handler) never blocks on waiter delivery.
func (r *Registry) DispatchAsync(ctx context.Context, nodeType string, payload map[string]interface{}) {
	go func() {
		if _, err := r.Dispatch(context.WithoutCancel(ctx), nodeType, payload); err != nil && r.logger != nil {
			r.logger.ErrorContext(ctx, "eventwaiter: async dispatch failed", "node_type", nodeType, "error", err)
		}
	}()
}

// CancelForNode tears down every outstanding waiter registered for nodeID
// (e.g. because the owning execution was cancelled), closing its channel
// without a result so blocked callers observe a closed channel rather than
// hanging forever.
func (r *Registry) CancelForNode(ctx context.Context, nodeID string) {
	r.mu.Lock()
	ids := append([]string(nil), r.byNode[nodeID]...)
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		ch, ok := r.channels[id]
		r.mu.Unlock()
		if ok {
			close(ch)
		}
		r.forget(id, nodeID)
		_ = r.backend.Remove(ctx, id)
	}
}

func (r *Registry) forget(waiterID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, waiterID)

	ids := r.byNode[nodeID]
	for i, id := range ids {
		if id == waiterID {
			r.byNode[nodeID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byNode[nodeID]) == 0 {
		delete(r.byNode, nodeID)
	}
}
