package credstore

import (
	"context"
	"sync"

	"dormauth/internal/models"
)

// MemoryRepository is an embedded IdentityRepository for development and
// tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.Identity
	byEmail map[string]string // emailHash -> id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*models.Identity),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[identity.EmailHash]; exists {
		return ErrEmailTaken
	}
	cp := cloneIdentity(identity)
	m.byID[identity.ID] = cp
	m.byEmail[identity.EmailHash] = identity.ID
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.byID[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return cloneIdentity(identity), nil
}

func (m *MemoryRepository) GetByEmailHash(_ context.Context, emailHash string) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[emailHash]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return cloneIdentity(m.byID[id]), nil
}

func (m *MemoryRepository) Update(_ context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[identity.ID]; !ok {
		return ErrIdentityNotFound
	}
	m.byID[identity.ID] = cloneIdentity(identity)
	return nil
}

func cloneIdentity(in *models.Identity) *models.Identity {
	cp := *in
	if in.LockedUntil != nil {
		t := *in.LockedUntil
		cp.LockedUntil = &t
	}
	if in.LastLoginAt != nil {
		t := *in.LastLoginAt
		cp.LastLoginAt = &t
	}
	if in.BackupCodeHashes != nil {
		cp.BackupCodeHashes = make(map[string]bool, len(in.BackupCodeHashes))
		for k, v := range in.BackupCodeHashes {
			cp.BackupCodeHashes[k] = v
		}
	}
	if in.EmailEncrypted != nil {
		cp.EmailEncrypted = append([]byte(nil), in.EmailEncrypted...)
	}
	if in.PhoneEncrypted != nil {
		cp.PhoneEncrypted = append([]byte(nil), in.PhoneEncrypted...)
	}
	if in.MFASecretEncrypted != nil {
		cp.MFASecretEncrypted = append([]byte(nil), in.MFASecretEncrypted...)
	}
	return &cp
}
