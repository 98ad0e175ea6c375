package mfa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
	"dormauth/internal/credstore"
	"dormauth/internal/encryption"
	"dormauth/internal/hashing"
	"dormauth/internal/models"
)

func newTestEngine(t *testing.T) (*Engine, *credstore.Store, *models.Identity) {
	t.Helper()
	hasher := hashing.NewHasher(&config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	authCfg := &config.AuthConfig{
		LockoutThreshold:   5,
		LockoutDuration:    30 * time.Minute,
		MFAIssuer:          "DormHub",
		BackupCodeCount:    10,
		BackupCodeLowWater: 3,
	}
	creds := credstore.NewStore(credstore.NewMemoryRepository(), hasher, authCfg)
	cipher := encryption.NewManager(&config.KMSConfig{Enabled: false}, nil)
	engine := NewEngine(creds, cipher, authCfg)

	identity := &models.Identity{
		ID:        uuid.New().String(),
		EmailHash: credstore.HashEmail("resident@example.com"),
		MFAState:  models.MFADisabled,
		Active:    true,
	}
	require.NoError(t, creds.Create(context.Background(), identity))
	return engine, creds, identity
}

func codeFor(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestSetupRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, creds, identity := newTestEngine(t)

	secret, uri, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, "DormHub")
	assert.Equal(t, models.MFAPendingSetup, identity.MFAState)

	codes, err := engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)
	assert.Len(t, codes, 10)
	for _, c := range codes {
		assert.Len(t, c, 9)
		assert.Contains(t, c, "-")
	}
	assert.Equal(t, models.MFAEnabled, identity.MFAState)

	stored, err := creds.ByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MFAEnabled, stored.MFAState)
	// Only hashes are stored.
	for _, c := range codes {
		_, ok := stored.BackupCodeHashes[c]
		assert.False(t, ok)
	}
}

func TestCompleteSetupWrongCode(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	_, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)

	_, err = engine.CompleteSetup(ctx, identity, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, models.MFAPendingSetup, identity.MFAState)
}

func TestCompleteSetupRequiresPending(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	_, err := engine.CompleteSetup(ctx, identity, "123456")
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestVerifyCodeDriftTolerance(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	_, err = engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 15, 0, time.UTC)
	engine.now = func() time.Time { return base }

	// A code from the previous time step is inside the skew window.
	prev, err := totp.GenerateCodeCustom(secret, base.Add(-30*time.Second), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	assert.NoError(t, engine.VerifyCode(ctx, identity, prev))

	// Two steps out is not.
	stale, err := totp.GenerateCodeCustom(secret, base.Add(-90*time.Second), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	if stale != prev && stale != codeFor(t, secret, base) {
		assert.ErrorIs(t, engine.VerifyCode(ctx, identity, stale), ErrInvalidCode)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	codes, err := engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	remaining, low, err := engine.RedeemBackupCode(ctx, identity, codes[0])
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
	assert.False(t, low)

	_, _, err = engine.RedeemBackupCode(ctx, identity, codes[0])
	assert.ErrorIs(t, err, ErrInvalidCode, "a backup code is single-use")
}

func TestBackupCodeCaseAndDashInsensitive(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	codes, err := engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	mangled := " " + strings.ToLower(strings.ReplaceAll(codes[1], "-", "")) + " "
	_, _, err = engine.RedeemBackupCode(ctx, identity, mangled)
	assert.NoError(t, err)
}

func TestBackupCodeLowWaterAdvisory(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	codes, err := engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, _, err := engine.RedeemBackupCode(ctx, identity, codes[i])
		require.NoError(t, err)
	}
	remaining, low, err := engine.RedeemBackupCode(ctx, identity, codes[7])
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.True(t, low)
}

func TestRegenerateInvalidatesOldCodes(t *testing.T) {
	ctx := context.Background()
	engine, _, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	oldCodes, err := engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	newCodes, err := engine.RegenerateBackupCodes(ctx, identity)
	require.NoError(t, err)
	assert.Len(t, newCodes, 10)

	_, _, err = engine.RedeemBackupCode(ctx, identity, oldCodes[0])
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, _, err = engine.RedeemBackupCode(ctx, identity, newCodes[0])
	assert.NoError(t, err)
}

func TestDisableClearsEverything(t *testing.T) {
	ctx := context.Background()
	engine, creds, identity := newTestEngine(t)

	secret, _, err := engine.BeginSetup(ctx, identity, "resident@example.com")
	require.NoError(t, err)
	_, err = engine.CompleteSetup(ctx, identity, codeFor(t, secret, time.Now()))
	require.NoError(t, err)

	require.NoError(t, engine.Disable(ctx, identity))

	stored, err := creds.ByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MFADisabled, stored.MFAState)
	assert.Empty(t, stored.MFASecretEncrypted)
	assert.Empty(t, stored.BackupCodeHashes)

	assert.ErrorIs(t, engine.VerifyCode(ctx, identity, "123456"), ErrWrongState)
}
