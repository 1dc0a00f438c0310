package gossip

import (
	"context"
	"sync"

	"clusterd/pkg/storage"
)

// MemoryStore is an in-process ShardStateStore. Nodes sharing one
// MemoryStore see each other's writes, which makes it suitable for a single
// process cluster and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string][]byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) GetShardState(_ context.Context, address, index string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	value, ok := m.entries[address][index]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) PutShardState(_ context.Context, address, index string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	byIndex, ok := m.entries[address]
	if !ok {
		byIndex = make(map[string][]byte)
		m.entries[address] = byIndex
	}
	byIndex[index] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) ListShardStates(_ context.Context, address string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	out := make(map[string][]byte, len(m.entries[address]))
	for index, value := range m.entries[address] {
		out[index] = append([]byte(nil), value...)
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
