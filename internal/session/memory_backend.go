package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"dormauth/internal/models"
)

// MemoryBackend is an embedded Backend for development and tests.
// Admission is serialized per identity with a keyed mutex.
type MemoryBackend struct {
	mu      sync.RWMutex
	byToken map[string]*models.Session
	byOwner map[string]map[string]string // identityID -> sessionID -> token
	admitMu sync.Map                     // identityID -> *sync.Mutex
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byToken: make(map[string]*models.Session),
		byOwner: make(map[string]map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryBackend) ownerLock(identityID string) *sync.Mutex {
	v, _ := m.admitMu.LoadOrStore(identityID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *MemoryBackend) Admit(_ context.Context, token string, s *models.Session, cap int, idle time.Duration) ([]string, error) {
	lock := m.ownerLock(s.IdentityID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var active []*models.Session
	for id, tok := range m.byOwner[s.IdentityID] {
		sess := m.byToken[tok]
		if sess == nil {
			delete(m.byOwner[s.IdentityID], id)
			continue
		}
		if !now.Before(sess.ExpiresAt) || now.Sub(sess.LastActivity) > idle {
			m.removeLocked(tok, sess)
			continue
		}
		active = append(active, sess)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	var evicted []string
	for len(active) >= cap {
		oldest := active[0]
		active = active[1:]
		if tok, ok := m.byOwner[s.IdentityID][oldest.ID]; ok {
			m.removeLocked(tok, oldest)
		}
		evicted = append(evicted, oldest.ID)
	}

	cp := *s
	m.byToken[token] = &cp
	if m.byOwner[s.IdentityID] == nil {
		m.byOwner[s.IdentityID] = make(map[string]string)
	}
	m.byOwner[s.IdentityID][s.ID] = token
	return evicted, nil
}

func (m *MemoryBackend) Get(_ context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryBackend) Touch(_ context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byToken[token]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastActivity = at
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byToken[token]
	if !ok {
		return ErrSessionNotFound
	}
	m.removeLocked(token, sess)
	return nil
}

func (m *MemoryBackend) DeleteByID(_ context.Context, identityID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byOwner[identityID][sessionID]
	if !ok {
		return false, nil
	}
	m.removeLocked(token, m.byToken[token])
	return true, nil
}

func (m *MemoryBackend) DeleteAll(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, token := range m.byOwner[identityID] {
		delete(m.byToken, token)
		n++
	}
	delete(m.byOwner, identityID)
	return n, nil
}

func (m *MemoryBackend) List(_ context.Context, identityID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.byOwner[identityID]))
	for _, token := range m.byOwner[identityID] {
		if sess, ok := m.byToken[token]; ok {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// StartSweeper drops absolutely expired sessions every interval so a
// long-lived process does not accumulate dead entries. Best effort only:
// validation checks expiry on every read regardless. The returned func
// stops the sweeper.
func (m *MemoryBackend) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (m *MemoryBackend) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for token, sess := range m.byToken {
		if !now.Before(sess.ExpiresAt) {
			m.removeLocked(token, sess)
		}
	}
}

func (m *MemoryBackend) removeLocked(token string, sess *models.Session) {
	delete(m.byToken, token)
	if sess != nil {
		if owned, ok := m.byOwner[sess.IdentityID]; ok {
			delete(owned, sess.ID)
			if len(owned) == 0 {
				delete(m.byOwner, sess.IdentityID)
			}
		}
	}
}
