package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func newTestHasher(pepper string) *Hasher {
	return NewHasher(&config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Pepper:            pepper,
	})
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher("test-pepper")

	encoded, err := h.Hash("Correct123!Horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$"))

	ok, err := h.Verify("Correct123!Horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("Wrong123!Horse", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashUniqueSalt(t *testing.T) {
	h := newTestHasher("")

	a, err := h.Hash("SamePassword1!x")
	require.NoError(t, err)
	b, err := h.Hash("SamePassword1!x")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyPepperMismatch(t *testing.T) {
	h1 := newTestHasher("pepper-one")
	h2 := newTestHasher("pepper-two")

	encoded, err := h1.Hash("Correct123!Horse")
	require.NoError(t, err)

	ok, err := h2.Verify("Correct123!Horse", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newTestHasher("")

	_, err := h.Verify("whatever", "not-an-encoded-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.Verify("whatever", "$argon2id$v=18$m=8,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
