package oracle

import (
	"context"
	"sync"
)

// MemoryStore is a process-local PriceStore.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]PriceData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]PriceData)}
}

func (m *MemoryStore) Save(_ context.Context, pair Pair, price PriceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair.Key()] = price
	return nil
}

func (m *MemoryStore) Load(_ context.Context, pair Pair) (PriceData, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[pair.Key()]
	return p, ok, nil
}
