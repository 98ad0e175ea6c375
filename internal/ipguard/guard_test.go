package ipguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		IPWindow:    15 * time.Minute,
		IPThreshold: 10,
		IPBlockBase: 15 * time.Minute,
		IPBlockMax:  60 * time.Minute,
	}
}

func TestEleventhAttemptBlocked(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryStore(), testAuthConfig())

	for i := 0; i < 10; i++ {
		allowed, err := g.RecordAttempt(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d should pass", i+1)
	}

	allowed, err := g.RecordAttempt(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, allowed, "11th attempt must trip the gate")

	blocked, retryAfter, err := g.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 15*time.Minute)
}

func TestOtherIPUnaffected(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryStore(), testAuthConfig())

	for i := 0; i < 11; i++ {
		_, err := g.RecordAttempt(ctx, "203.0.113.7")
		require.NoError(t, err)
	}

	blocked, _, err := g.IsBlocked(ctx, "198.51.100.2")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBlockExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := New(store, testAuthConfig())

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	store.now = g.now

	require.NoError(t, g.Block(ctx, "203.0.113.7", 15*time.Minute))

	blocked, _, err := g.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, blocked)

	current = current.Add(16 * time.Minute)
	blocked, _, err = g.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBlockEscalation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := New(store, testAuthConfig())

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	store.now = g.now

	trip := func() time.Duration {
		for i := 0; i < 10; i++ {
			_, err := g.RecordAttempt(ctx, "203.0.113.7")
			require.NoError(t, err)
		}
		allowed, err := g.RecordAttempt(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.False(t, allowed)
		_, retryAfter, err := g.IsBlocked(ctx, "203.0.113.7")
		require.NoError(t, err)
		return retryAfter
	}

	first := trip()
	assert.Equal(t, 15*time.Minute, first)

	// Let the block and window lapse; the strike record persists.
	current = current.Add(20 * time.Minute)
	second := trip()
	assert.Equal(t, 30*time.Minute, second)

	current = current.Add(40 * time.Minute)
	third := trip()
	assert.Equal(t, 60*time.Minute, third)

	// Escalation is capped.
	current = current.Add(70 * time.Minute)
	fourth := trip()
	assert.Equal(t, 60*time.Minute, fourth)
}

func TestCounterAndBlockIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := New(store, testAuthConfig())

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	store.now = g.now

	// Explicit block with no window counter at all.
	require.NoError(t, g.Block(ctx, "203.0.113.9", 30*time.Minute))

	// The window lapsing does not lift the block.
	current = current.Add(16 * time.Minute)
	blocked, _, err := g.IsBlocked(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, blocked)
}
