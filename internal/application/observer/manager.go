package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/core/internal/infrastructure/logger"
)

// ObserverManager manages multiple observers with non-blocking notifications
type ObserverManager struct {
	observers  []Observer
	logger     *logger.Logger
	mu         sync.RWMutex
	bufferSize int // Set by WithBufferSize; Notify uses no channel and does not read it
}

// ManagerOption configures ObserverManager
type ManagerOption func(*ObserverManager)

// WithLogger sets the logger for the manager
func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *ObserverManager) {
		m.logger = l
	}
}

// WithBufferSize sets the stored buffer size (not used by Notify)
func WithBufferSize(size int) ManagerOption {
	return func(m *ObserverManager) {
		m.bufferSize = size
	}
}

// NewObserverManager creates a new observer manager
func NewObserverManager(opts ...ManagerOption) *ObserverManager {
	mgr := &ObserverManager{
		observers:  make([]Observer, 0),
		bufferSize: 100, // Default buffer size
	}

	for _, opt := range opts {
		opt(mgr)
	}

	return mgr
}

// Register adds an observer to the manager
func (m *ObserverManager) Register(observer Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check for duplicate names
	for _, obs := range m.observers {
		if obs.Name() == observer.Name() {
			return fmt.Errorf("observer with name %q already registered", observer.Name())
		}
	}

	m.observers = append(m.observers, observer)
	return nil
}

// Unregister removes an observer by name
func (m *ObserverManager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, obs := range m.observers {
		if obs.Name() == name {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("observer %q not found", name)
}

// Notify sends an event to all registered observers (NON-BLOCKING)
// Each observer runs in its own goroutine, errors are logged but don't propagate
func (m *ObserverManager) Notify(ctx context.Context, event Event) {
	m.mu.RLock()
	// Copy observers slice to avoid holding lock during notification
	observersCopy := make([]Observer, len(m.observers))
	copy(observersCopy, m.observers)
	m.mu.RUnlock()

	// Notify each observer in parallel (non-blocking)
	for _, obs := range observersCopy {
		go m.notifyObserver(ctx, obs, event)
	}
}

// notifyObserver notifies a single observer with error recovery
func (m *ObserverManager) notifyObserver(ctx context.Context, obs Observer, event Event) {
	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.ErrorContext(ctx, "Observer panic recovered",
					"observer", obs.Name(),
					"event_type", string(event.Type),
					"panic", r,
				)
			}
		}
	}()

	// Check filter
	filter := obs.Filter()
	if filter != nil && !filter.ShouldNotify(event) {
		return // Event filtered out
	}

	// Call observer
	if err := obs.OnEvent(ctx, event); err != nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "Observer notification failed, removing observer",
				"observer", obs.Name(),
				"event_type", string(event.Type),
				"error", err,
			)
		}
		_ = m.Unregister(obs.Name())
	}
}

// NotifyOne delivers event to exactly one named observer, used to push an
// initial snapshot to a just-connected observer without re-broadcasting to
// every other sink (§4.2 "connect(observer): ... immediately push current
// snapshot"). Unlike Notify it is synchronous and does not remove the
// observer on failure, since a snapshot push failing is not the same signal
// as a live event delivery failing repeatedly.
func (m *ObserverManager) NotifyOne(ctx context.Context, name string, event Event) error {
	m.mu.RLock()
	var target Observer
	for _, obs := range m.observers {
		if obs.Name() == name {
			target = obs
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("observer %q not found", name)
	}
	return target.OnEvent(ctx, event)
}

// Count returns the number of registered observers
func (m *ObserverManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}
