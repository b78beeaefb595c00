package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryItem
}

type memoryItem struct {
	entry    Entry
	storedAt time.Time
}

// NewMemory returns a Memory cache. Entries stored more than ttl ago are
// treated as misses, like a Redis key TTL; ttl <= 0 disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryItem),
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	it, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if m.ttl > 0 && m.now().Sub(it.storedAt) >= m.ttl {
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	m.entries[key] = memoryItem{entry: entry, storedAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
