package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func newTestStore() (*Store, *MemoryBackend) {
	backend := NewMemoryBackend()
	store := NewStore(backend, &config.AuthConfig{
		SessionCap:         3,
		SessionIdleTimeout: 15 * time.Minute,
		SessionAbsoluteTTL: 8 * time.Hour,
	})
	return store, backend
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	sess, token, err := store.Create(ctx, "identity-1", "agent/1.0", "203.0.113.7")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := store.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "identity-1", got.IdentityID)
}

func TestValidateUnknownToken(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, err := store.Validate(ctx, "no-such-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore()

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	backend.now = store.now

	first, firstToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)
	current = current.Add(time.Minute)
	_, secondToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)
	current = current.Add(time.Minute)
	_, thirdToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	current = current.Add(time.Minute)
	fourth, fourthToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	// The oldest session is gone; the other three remain valid.
	_, err = store.Validate(ctx, firstToken)
	assert.ErrorIs(t, err, ErrSessionNotFound, "oldest session must be evicted")
	_, err = store.Validate(ctx, secondToken)
	assert.NoError(t, err)
	_, err = store.Validate(ctx, thirdToken)
	assert.NoError(t, err)
	got, err := store.Validate(ctx, fourthToken)
	require.NoError(t, err)
	assert.Equal(t, fourth.ID, got.ID)

	infos, err := store.ListActive(ctx, "identity-1", fourth.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
	for _, info := range infos {
		assert.NotEqual(t, first.ID, info.ID)
	}
}

func TestIdleExpiry(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore()

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	backend.now = store.now

	_, token, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	current = current.Add(14 * time.Minute)
	_, err = store.Validate(ctx, token)
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, token))

	// Touch reset the idle clock; another 14 minutes is still fine.
	current = current.Add(14 * time.Minute)
	_, err = store.Validate(ctx, token)
	require.NoError(t, err)

	current = current.Add(16 * time.Minute)
	_, err = store.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAbsoluteExpiry(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore()

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	backend.now = store.now

	_, token, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	// Keep touching so idle never trips; absolute expiry still wins.
	for i := 0; i < 48; i++ {
		current = current.Add(10 * time.Minute)
		if current.Before(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)) {
			require.NoError(t, store.Touch(ctx, token))
		}
	}

	_, err = store.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRevokeIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, token, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, token))
	require.NoError(t, store.Revoke(ctx, token), "second revoke must also succeed")

	_, err = store.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRevokeByIDAndAll(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	target, targetToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)
	_, otherToken, err := store.Create(ctx, "identity-1", "agent", "ip")
	require.NoError(t, err)

	removed, err := store.RevokeByID(ctx, "identity-1", target.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = store.Validate(ctx, targetToken)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Validate(ctx, otherToken)
	assert.NoError(t, err)

	removed, err = store.RevokeByID(ctx, "identity-1", "no-such-session")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := store.RevokeAll(ctx, "identity-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Validate(ctx, otherToken)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentAdmissionHoldsCap(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Create(ctx, "identity-1", "agent", "ip")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	infos, err := store.ListActive(ctx, "identity-1", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(infos), 3)
}
