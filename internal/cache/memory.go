package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	value  V
	expiry time.Time // zero = never
}

// Memory is a mutex-guarded map store. Expired entries are dropped lazily.
type Memory[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry[V]
	now     func() time.Time
}

var _ Store[string] = (*Memory[string])(nil)

// NewMemory creates a map-backed store. ttl <= 0 disables expiry.
func NewMemory[V any](ttl time.Duration) *Memory[V] {
	return &Memory[V]{
		ttl:     ttl,
		entries: make(map[string]memoryEntry[V]),
		now:     time.Now,
	}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry[V]{value: value}
	if m.ttl > 0 {
		e.expiry = m.now().Add(m.ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory[V]) Len(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			continue
		}
		n++
	}
	return n
}

func (m *Memory[V]) expired(e memoryEntry[V]) bool {
	return !e.expiry.IsZero() && !m.now().Before(e.expiry)
}
