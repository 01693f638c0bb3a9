package cache

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	data     []byte
	storedAt time.Time
}

// MemoryBackend is the in-process backend: a locked map, no persistence.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memoryRecord)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, true, nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, data []byte, storedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.records[key] = memoryRecord{data: stored, storedAt: storedAt}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyInfo, 0, len(m.records))
	for k, rec := range m.records {
		out = append(out, KeyInfo{Key: k, StoredAt: rec.storedAt})
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
