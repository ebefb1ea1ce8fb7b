package store

import (
	"context"
	"sync"

	"github.com/opd-ai/tauchat/dag"
)

// DefaultMemoryCapacity is the block limit of a MemoryStore created with capacity 0.
const DefaultMemoryCapacity = 1 << 20

// MemoryStore keeps blocks in memory.
type MemoryStore struct {
	mutex       sync.RWMutex
	blocks      map[dag.Hash][]byte
	bytes       int
	maxCapacity int
}

// NewMemoryStore creates an in-memory store holding at most capacity blocks.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		blocks:      make(map[dag.Hash][]byte),
		maxCapacity: capacity,
	}
}

// Put stores a copy of data under h.
func (ms *MemoryStore) Put(ctx context.Context, h dag.Hash, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAddress(h, data); err != nil {
		return err
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if _, exists := ms.blocks[h]; exists {
		return nil
	}
	if len(ms.blocks) >= ms.maxCapacity {
		return ErrStorageFull
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	ms.blocks[h] = cp
	ms.bytes += len(cp)
	return nil
}

// Get returns a copy of the block stored under h.
func (ms *MemoryStore) Get(ctx context.Context, h dag.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	data, ok := ms.blocks[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Has reports whether h is stored.
func (ms *MemoryStore) Has(h dag.Hash) bool {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	_, ok := ms.blocks[h]
	return ok
}

// Stats provides information about store utilization
type Stats struct {
	Blocks   int
	Bytes    int
	Capacity int
}

// GetStats returns current store statistics.
func (ms *MemoryStore) GetStats() Stats {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return Stats{
		Blocks:   len(ms.blocks),
		Bytes:    ms.bytes,
		Capacity: ms.maxCapacity,
	}
}
