package execcache

import (
	"sync"
	"time"
)

// memoryStore is the degraded-mode backend used when Redis is unreachable.
// TTLs are honored on a best-effort basis via lazy expiry on read; streams
// are simple capped slices rather than a true append log (§4.3 "TTL and
// streams are not guaranteed to be precise in fallback mode").
type memoryStore struct {
	mu sync.Mutex

	values  map[string]valueEntry
	states  map[string]valueEntry
	active  map[string]struct{}
	streams map[string][]streamEntry

	dlq           map[string][]byte
	dlqByWorkflow map[string]map[string]struct{}
	dlqByNodeType map[string]map[string]struct{}
}

type valueEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

type streamEntry struct {
	eventType string
	data      []byte
	at        time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		values:  make(map[string]valueEntry),
		states:  make(map[string]valueEntry),
		active:  make(map[string]struct{}),
		streams: make(map[string][]streamEntry),
	}
}

func (m *memoryStore) expired(e valueEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *memoryStore) set(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = valueEntry{data: data, expiresAt: expiresAt}
}

func (m *memoryStore) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil
	}
	if m.expired(e) {
		delete(m.values, key)
		return nil
	}
	return e.data
}

func (m *memoryStore) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *memoryStore) setState(executionID string, data []byte, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if terminal {
		expiresAt = time.Now().Add(DefaultTerminalTTL)
		delete(m.active, executionID)
	} else {
		m.active[executionID] = struct{}{}
	}
	m.states[executionID] = valueEntry{data: data, expiresAt: expiresAt}
}

func (m *memoryStore) getState(executionID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.states[executionID]
	if !ok {
		return nil
	}
	if m.expired(e) {
		delete(m.states, executionID)
		return nil
	}
	return e.data
}

func (m *memoryStore) activeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

func (m *memoryStore) appendEvent(executionID, eventType string, data []byte, cap int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append(m.streams[executionID], streamEntry{eventType: eventType, data: data, at: time.Now()})
	if len(events) > cap {
		events = events[len(events)-cap:]
	}
	m.streams[executionID] = events
}
