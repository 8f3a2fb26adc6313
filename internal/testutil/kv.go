package testutil

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-memory key-value store with TTLs that never elapse on
// their own; Expire with ttl <= 0 deletes. ExpireErr, when set, is returned
// by Expire without touching the key.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration

	ExpireErr error
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

// Get returns the value of key.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

// Expire changes the TTL of key, deleting it when ttl <= 0.
func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExpireErr != nil {
		return m.ExpireErr
	}
	if ttl <= 0 {
		delete(m.values, key)
		delete(m.ttls, key)
		return nil
	}
	if _, ok := m.values[key]; ok {
		m.ttls[key] = ttl
	}
	return nil
}

// FailExpire sets ExpireErr under the store's lock.
func (m *MemoryKV) FailExpire(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExpireErr = err
}

// TTL returns the last TTL set for key.
func (m *MemoryKV) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}
