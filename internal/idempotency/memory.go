package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	resolved  bool
	expiresAt time.Time
}

// MemoryStore is an in-process Store used in tests and single-node
// development setups where Redis is not available.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory idempotency store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Acquire implements Store
func (m *MemoryStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !m.expired(entry) {
		return false, nil
	}
	m.entries[key] = memoryEntry{expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || m.expired(entry) {
		return "", false, false, nil
	}
	return entry.value, entry.resolved, true, nil
}

// Resolve implements Store
func (m *MemoryStore) Resolve(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, resolved: true, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Release implements Store
func (m *MemoryStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)
}
