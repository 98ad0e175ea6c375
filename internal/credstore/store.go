package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"dormauth/internal/config"
	"dormauth/internal/hashing"
	"dormauth/internal/models"
	"dormauth/internal/util"
)

var (
	ErrIdentityNotFound = errors.New("credstore: identity not found")
	ErrEmailTaken       = errors.New("credstore: email already registered")
)

// IdentityRepository is the durable record store. Insert must reject a
// duplicate email hash; Update persists the full record.
type IdentityRepository interface {
	Insert(ctx context.Context, identity *models.Identity) error
	GetByID(ctx context.Context, id string) (*models.Identity, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*models.Identity, error)
	Update(ctx context.Context, identity *models.Identity) error
}

// Store owns identity records and the account-lockout counters. Lockout
// mutations for one identity are serialized through a keyed mutex so
// parallel failures cannot exceed the attempt ceiling. Every mutation is
// written through to the repository before returning.
type Store struct {
	repo      IdentityRepository
	hasher    *hashing.Hasher
	threshold int
	lockFor   time.Duration
	locks     sync.Map // identityID -> *sync.Mutex
	now       func() time.Time
}

func NewStore(repo IdentityRepository, hasher *hashing.Hasher, cfg *config.AuthConfig) *Store {
	return &Store{
		repo:      repo,
		hasher:    hasher,
		threshold: cfg.LockoutThreshold,
		lockFor:   cfg.LockoutDuration,
		now:       time.Now,
	}
}

// HashEmail derives the deterministic lookup key for an email address.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(util.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

// Create persists a new identity record.
func (s *Store) Create(ctx context.Context, identity *models.Identity) error {
	return s.repo.Insert(ctx, identity)
}

// ByEmail resolves an identity from its email address.
func (s *Store) ByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return s.repo.GetByEmailHash(ctx, HashEmail(email))
}

// ByID resolves an identity from its id.
func (s *Store) ByID(ctx context.Context, id string) (*models.Identity, error) {
	return s.repo.GetByID(ctx, id)
}

// Save persists the given identity record as-is.
func (s *Store) Save(ctx context.Context, identity *models.Identity) error {
	identity.UpdatedAt = s.now()
	return s.repo.Update(ctx, identity)
}

// VerifyPassword compares plaintext against the identity's stored hash
// in constant time.
func (s *Store) VerifyPassword(identity *models.Identity, plaintext string) (bool, error) {
	return s.hasher.Verify(plaintext, identity.PasswordHash)
}

// IsLocked reports whether the identity's lockout is active and how long
// it has left.
func (s *Store) IsLocked(identity *models.Identity, now time.Time) (bool, time.Duration) {
	if identity.LockedUntil == nil || !identity.LockedUntil.After(now) {
		return false, 0
	}
	return true, identity.LockedUntil.Sub(now)
}

// IncrementFailure records a failed password attempt. An elapsed lock
// resets the counter to 1; otherwise the counter increments, and
// reaching the threshold arms a new lock. Returns the remaining attempts
// before lockout (0 when now locked).
func (s *Store) IncrementFailure(ctx context.Context, identityID string) (remaining int, lockedFor time.Duration, err error) {
	mu := s.identityLock(identityID)
	mu.Lock()
	defer mu.Unlock()

	identity, err := s.repo.GetByID(ctx, identityID)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	if identity.LockedUntil != nil && !identity.LockedUntil.After(now) {
		identity.FailedAttempts = 1
		identity.LockedUntil = nil
	} else {
		identity.FailedAttempts++
	}

	if identity.FailedAttempts >= s.threshold {
		until := now.Add(s.lockFor)
		identity.LockedUntil = &until
		lockedFor = s.lockFor
		util.Warn("account locked after repeated failures",
			util.String("identity_id", identityID),
			util.Int("failures", identity.FailedAttempts))
	} else {
		remaining = s.threshold - identity.FailedAttempts
	}

	identity.UpdatedAt = now
	if err := s.repo.Update(ctx, identity); err != nil {
		return 0, 0, fmt.Errorf("persisting failure count: %w", err)
	}
	return remaining, lockedFor, nil
}

// ResetFailures clears the lockout state and stamps last-login metadata
// after a successful authentication.
func (s *Store) ResetFailures(ctx context.Context, identityID, ip, agent string) error {
	mu := s.identityLock(identityID)
	mu.Lock()
	defer mu.Unlock()

	identity, err := s.repo.GetByID(ctx, identityID)
	if err != nil {
		return err
	}

	now := s.now()
	identity.FailedAttempts = 0
	identity.LockedUntil = nil
	identity.LastLoginAt = &now
	identity.LastLoginIP = ip
	identity.LastLoginAgent = agent
	identity.UpdatedAt = now
	return s.repo.Update(ctx, identity)
}

func (s *Store) identityLock(identityID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(identityID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
