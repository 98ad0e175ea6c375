package ipguard

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an embedded Store for development and tests. All
// operations take the single mutex, which gives the same atomic
// increment-and-read semantics the shared cache provides.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]*counterEntry
	strikes  map[string]*counterEntry
	blocks   map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*counterEntry),
		strikes:  make(map[string]*counterEntry),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryStore) IncrAttempts(_ context.Context, ip string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(m.attempts, ip, window), nil
}

func (m *MemoryStore) IncrStrikes(_ context.Context, ip string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(m.strikes, ip, ttl), nil
}

func (m *MemoryStore) GetBlock(_ context.Context, ip string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blocks[ip]
	if !ok {
		return time.Time{}, false, nil
	}
	if !until.After(m.now()) {
		delete(m.blocks, ip)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (m *MemoryStore) PutBlock(_ context.Context, ip string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[ip] = until
	return nil
}

func (m *MemoryStore) incr(table map[string]*counterEntry, key string, ttl time.Duration) int64 {
	now := m.now()
	e, ok := table[key]
	if !ok || !e.expiresAt.After(now) {
		table[key] = &counterEntry{count: 1, expiresAt: now.Add(ttl)}
		return 1
	}
	e.count++
	return e.count
}
