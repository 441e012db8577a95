package kv

import (
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store used in tests and as a fallback when no
// durable path is configured. An optional byte budget simulates the
// quota-exceeded failure mode of constrained storage.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]string
	maxBytes int
	used     int
}

// NewMemory creates an in-memory store. maxBytes <= 0 means unlimited.
func NewMemory(maxBytes int) *Memory {
	return &Memory{
		data:     make(map[string]string),
		maxBytes: maxBytes,
	}
}

// Get implements Store.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Store. Replacing a value frees its previous bytes before
// the budget check.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used - len(m.data[key]) + len(value)
	if m.maxBytes > 0 && next > m.maxBytes {
		return fmt.Errorf("set %q (%d bytes over %d budget): %w", key, next-m.maxBytes, m.maxBytes, ErrQuotaExceeded)
	}
	m.data[key] = value
	m.used = next
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= len(m.data[key])
	delete(m.data, key)
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
