package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer("test-secret")

	signed, err := iss.Issue("identity-1", PurposeMFA, 5*time.Minute)
	require.NoError(t, err)

	claims, err := iss.Verify(signed, PurposeMFA)
	require.NoError(t, err)
	assert.Equal(t, "identity-1", claims.IdentityID)
	assert.Equal(t, PurposeMFA, claims.Purpose)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyWrongPurpose(t *testing.T) {
	iss := NewIssuer("test-secret")

	signed, err := iss.Issue("identity-1", PurposeReset, 5*time.Minute)
	require.NoError(t, err)

	_, err = iss.Verify(signed, PurposeMFA)
	assert.ErrorIs(t, err, ErrWrongPurpose)
}

func TestVerifyExpired(t *testing.T) {
	iss := NewIssuer("test-secret")

	signed, err := iss.Issue("identity-1", PurposeMFA, -time.Minute)
	require.NoError(t, err)

	_, err = iss.Verify(signed, PurposeMFA)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	iss := NewIssuer("test-secret")
	other := NewIssuer("other-secret")

	signed, err := iss.Issue("identity-1", PurposeMFA, 5*time.Minute)
	require.NoError(t, err)

	_, err = other.Verify(signed, PurposeMFA)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	iss := NewIssuer("test-secret")

	_, err := iss.Verify("not.a.token", PurposeMFA)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
