package eventwaiter

import (
	"context"
	"sync"

	"github.com/flowmesh/core/pkg/models"
)

// MemoryBackend is the default, single-process Backend: waiters live only
// as long as the process does. Sufficient for a single deployed instance;
// a multi-instance deployment swaps in a Redis-stream backed Backend over
// execcache without the Registry's API changing.
type MemoryBackend struct {
	mu      sync.RWMutex
	waiters map[string]*models.Waiter
}

// NewMemoryBackend creates an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{waiters: make(map[string]*models.Waiter)}
}

func (m *MemoryBackend) Put(_ context.Context, w *models.Waiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.waiters[w.ID] = &cp
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, waiterID string) (*models.Waiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waiters[waiterID]
	if !ok {
		return nil, models.ErrWaiterNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryBackend) ListByKey(_ context.Context, key models.WaiterKey) ([]*models.Waiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Waiter
	for _, w := range m.waiters {
		if w.Key.NodeType != key.NodeType {
			continue
		}
		if key.NodeID != "" && w.Key.NodeID != key.NodeID {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBackend) Remove(_ context.Context, waiterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, waiterID)
	return nil
}
