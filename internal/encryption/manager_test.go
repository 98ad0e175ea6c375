package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewManager(&config.KMSConfig{Enabled: false}, nil)
	ctx := context.Background()

	blob, keyID, err := m.EncryptField(ctx, "resident@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.NotContains(t, string(blob), "resident@example.com")

	plaintext, err := m.DecryptField(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "resident@example.com", plaintext)
}

func TestDecryptSurvivesCacheClear(t *testing.T) {
	m := NewManager(&config.KMSConfig{Enabled: false}, nil)
	ctx := context.Background()

	blob, _, err := m.EncryptField(ctx, "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	m.ClearCache()

	plaintext, err := m.DecryptField(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plaintext)
}

func TestDecryptWithFreshManager(t *testing.T) {
	// Envelopes written by one process must be readable by the next,
	// which starts with an empty key cache.
	writer := NewManager(&config.KMSConfig{Enabled: false}, nil)
	ctx := context.Background()

	blob, _, err := writer.EncryptField(ctx, "+91-9876543210")
	require.NoError(t, err)

	reader := NewManager(&config.KMSConfig{Enabled: false}, nil)
	plaintext, err := reader.DecryptField(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "+91-9876543210", plaintext)
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	m := NewManager(&config.KMSConfig{Enabled: false}, nil)

	_, err := m.DecryptField(context.Background(), []byte("not json"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	m := NewManager(&config.KMSConfig{Enabled: false}, nil)
	ctx := context.Background()

	blob, _, err := m.EncryptField(ctx, "secret value")
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	// Flip a character inside the base64 value field.
	for i := range tampered {
		if tampered[i] == 'A' {
			tampered[i] = 'B'
			break
		}
	}
	m.ClearCache()
	if string(tampered) != string(blob) {
		_, err = m.DecryptField(ctx, tampered)
		assert.Error(t, err)
	}
}
