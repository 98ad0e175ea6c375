package service

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

type resetEntry struct {
	code      string
	expiresAt time.Time
}

// MemoryResetStore is an embedded ResetStore for development and tests.
type MemoryResetStore struct {
	mu    sync.Mutex
	codes map[string]resetEntry
	used  map[string]time.Time
	now   func() time.Time
}

func NewMemoryResetStore() *MemoryResetStore {
	return &MemoryResetStore{
		codes: make(map[string]resetEntry),
		used:  make(map[string]time.Time),
		now:   time.Now,
	}
}

func (m *MemoryResetStore) StoreCode(_ context.Context, emailHash, code string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[emailHash] = resetEntry{code: code, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryResetStore) VerifyCode(_ context.Context, emailHash, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.codes[emailHash]
	if !ok || !entry.expiresAt.After(m.now()) {
		delete(m.codes, emailHash)
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(entry.code), []byte(code)) != 1 {
		return false, nil
	}
	delete(m.codes, emailHash)
	return true, nil
}

func (m *MemoryResetStore) DeleteCode(_ context.Context, emailHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, emailHash)
	return nil
}

func (m *MemoryResetStore) MarkTokenUsed(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if until, ok := m.used[tokenID]; ok && until.After(now) {
		return false, nil
	}
	m.used[tokenID] = now.Add(ttl)
	return true, nil
}
