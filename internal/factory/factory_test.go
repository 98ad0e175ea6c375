package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func TestResolveTokenSecretRequiredInProduction(t *testing.T) {
	cfg := &config.Config{Environment: "production"}

	_, err := resolveTokenSecret(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_TOKEN_SECRET")
}

func TestResolveTokenSecretConfiguredValue(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	cfg.Auth.TokenSecret = "configured-secret"

	secret, err := resolveTokenSecret(cfg)
	require.NoError(t, err)
	assert.Equal(t, "configured-secret", secret)
}

func TestResolveTokenSecretEphemeralInDevelopment(t *testing.T) {
	cfg := &config.Config{Environment: "development"}

	first, err := resolveTokenSecret(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Each fallback key is freshly generated, never a fixed default.
	second, err := resolveTokenSecret(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
