package credstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
	"dormauth/internal/hashing"
	"dormauth/internal/models"
)

func newTestStore(t *testing.T) (*Store, *models.Identity) {
	t.Helper()
	hasher := hashing.NewHasher(&config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	store := NewStore(NewMemoryRepository(), hasher, &config.AuthConfig{
		LockoutThreshold: 5,
		LockoutDuration:  30 * time.Minute,
	})

	hash, err := hasher.Hash("Correct123!Horse")
	require.NoError(t, err)
	identity := &models.Identity{
		ID:           uuid.New().String(),
		Name:         "Resident One",
		EmailHash:    HashEmail("resident@example.com"),
		PasswordHash: hash,
		Role:         "resident",
		Active:       true,
		MFAState:     models.MFADisabled,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), identity))
	return store, identity
}

func TestVerifyPassword(t *testing.T) {
	store, identity := newTestStore(t)

	ok, err := store.VerifyPassword(identity, "Correct123!Horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.VerifyPassword(identity, "Wrong123!Horse")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestByEmailNormalizesCase(t *testing.T) {
	store, identity := newTestStore(t)

	got, err := store.ByEmail(context.Background(), "  RESIDENT@example.COM ")
	require.NoError(t, err)
	assert.Equal(t, identity.ID, got.ID)

	_, err = store.ByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestDuplicateEmailRejected(t *testing.T) {
	store, identity := newTestStore(t)

	dup := &models.Identity{
		ID:        uuid.New().String(),
		EmailHash: identity.EmailHash,
	}
	err := store.Create(context.Background(), dup)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	ctx := context.Background()
	store, identity := newTestStore(t)

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	for i := 1; i <= 4; i++ {
		remaining, lockedFor, err := store.IncrementFailure(ctx, identity.ID)
		require.NoError(t, err)
		assert.Equal(t, 5-i, remaining)
		assert.Zero(t, lockedFor)
	}

	remaining, lockedFor, err := store.IncrementFailure(ctx, identity.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, 30*time.Minute, lockedFor)

	got, err := store.ByID(ctx, identity.ID)
	require.NoError(t, err)
	locked, left := store.IsLocked(got, current)
	assert.True(t, locked)
	assert.Equal(t, 30*time.Minute, left)
}

func TestElapsedLockResetsCounter(t *testing.T) {
	ctx := context.Background()
	store, identity := newTestStore(t)

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		_, _, err := store.IncrementFailure(ctx, identity.ID)
		require.NoError(t, err)
	}

	current = current.Add(31 * time.Minute)

	// The lock has elapsed; a fresh failure starts a new count at 1.
	remaining, lockedFor, err := store.IncrementFailure(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)
	assert.Zero(t, lockedFor)

	got, err := store.ByID(ctx, identity.ID)
	require.NoError(t, err)
	locked, _ := store.IsLocked(got, current)
	assert.False(t, locked)
	assert.Equal(t, 1, got.FailedAttempts)
}

func TestResetFailuresStampsLastLogin(t *testing.T) {
	ctx := context.Background()
	store, identity := newTestStore(t)

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		_, _, err := store.IncrementFailure(ctx, identity.ID)
		require.NoError(t, err)
	}

	require.NoError(t, store.ResetFailures(ctx, identity.ID, "203.0.113.7", "agent/1.0"))

	got, err := store.ByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.Nil(t, got.LockedUntil)
	require.NotNil(t, got.LastLoginAt)
	assert.Equal(t, current, *got.LastLoginAt)
	assert.Equal(t, "203.0.113.7", got.LastLoginIP)
	assert.Equal(t, "agent/1.0", got.LastLoginAgent)
}
