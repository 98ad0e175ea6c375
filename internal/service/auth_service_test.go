package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/audit"
	"dormauth/internal/config"
	"dormauth/internal/credstore"
	"dormauth/internal/encryption"
	"dormauth/internal/hashing"
	"dormauth/internal/ipguard"
	"dormauth/internal/mfa"
	"dormauth/internal/models"
	"dormauth/internal/policy"
	"dormauth/internal/session"
	"dormauth/internal/token"
)

const (
	testEmail    = "resident@example.com"
	testPassword = "Correct123!Horse"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Auth: config.AuthConfig{
			TokenSecret:        "test-secret",
			SessionCap:         3,
			SessionIdleTimeout: 15 * time.Minute,
			SessionAbsoluteTTL: 8 * time.Hour,
			LockoutThreshold:   5,
			LockoutDuration:    30 * time.Minute,
			IPWindow:           15 * time.Minute,
			IPThreshold:        10,
			IPBlockBase:        15 * time.Minute,
			IPBlockMax:         60 * time.Minute,
			MFAChallengeTTL:    5 * time.Minute,
			MFAIssuer:          "DormHub",
			ResetCodeTTL:       10 * time.Minute,
			ResetTokenTTL:      15 * time.Minute,
			PasswordExpiry:     90 * 24 * time.Hour,
			PasswordExpiryWarn: 14 * 24 * time.Hour,
			BackupCodeCount:    10,
			BackupCodeLowWater: 3,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}
}

// captureMailer records sends and can be told to fail reset-code mail.
type captureMailer struct {
	resetCodes []string
	failReset  bool
}

func (m *captureMailer) SendResetCode(_ context.Context, _, _, code string) error {
	if m.failReset {
		return errors.New("smtp relay down")
	}
	m.resetCodes = append(m.resetCodes, code)
	return nil
}
func (m *captureMailer) SendPasswordChanged(string, string) {}
func (m *captureMailer) SendMFAEnabled(string, string)      {}
func (m *captureMailer) SendMFADisabled(string, string)     {}

func newTestService(t *testing.T) (*AuthService, *captureMailer) {
	t.Helper()
	cfg := testConfig()
	hasher := hashing.NewHasher(&cfg.Hashing)
	creds := credstore.NewStore(credstore.NewMemoryRepository(), hasher, &cfg.Auth)
	cipher := encryption.NewManager(&config.KMSConfig{Enabled: false}, nil)
	mailer := &captureMailer{}

	svc, err := NewAuthService(Deps{
		Config:   cfg,
		Policy:   policy.New(cfg.Auth.PasswordExpiry, cfg.Auth.PasswordExpiryWarn),
		Hasher:   hasher,
		Creds:    creds,
		Sessions: session.NewStore(session.NewMemoryBackend(), &cfg.Auth),
		Guard:    ipguard.New(ipguard.NewMemoryStore(), &cfg.Auth),
		MFA:      mfa.NewEngine(creds, cipher, &cfg.Auth),
		Tokens:   token.NewIssuer(cfg.Auth.TokenSecret),
		Cipher:   cipher,
		Resets:   NewMemoryResetStore(),
		Mailer:   mailer,
		Audit:    audit.Noop{},
	})
	require.NoError(t, err)
	return svc, mailer
}

func register(t *testing.T, svc *AuthService) *models.Identity {
	t.Helper()
	identity, err := svc.Register(context.Background(),
		"Resident One", testEmail, testPassword, "+911234567890", "203.0.113.7", "agent/1.0")
	require.NoError(t, err)
	return identity
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "", "not-an-email", "Short1!", "", "ip", "agent")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Violations), 3)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	_, err := svc.Register(context.Background(),
		"Resident Two", testEmail, testPassword, "", "ip", "agent")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent/1.0")
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
	assert.False(t, result.MFARequired)
	require.NotNil(t, result.PasswordExpiry)
	assert.False(t, result.PasswordExpiry.Expired)

	got, sess, err := svc.ValidateSession(ctx, result.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, got.ID)
	assert.Equal(t, identity.ID, sess.IdentityID)
}

func TestLoginUnknownEmailIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	_, unknownErr := svc.Login(ctx, "nobody@example.com", testPassword, "203.0.113.7", "agent")
	_, wrongErr := svc.Login(ctx, testEmail, "Wrong123!Horse!", "203.0.113.7", "agent")

	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	// Same outward message for both.
	assert.Equal(t, ErrInvalidCredentials.Error(), unknownErr.Error())
	assert.Equal(t, ErrInvalidCredentials.Error(), wrongErr.Error())
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, testEmail, "Wrong123!Horse!", "203.0.113.7", "agent")
		require.Error(t, err)
	}

	// The 6th attempt is rejected even with the correct password.
	_, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	var lerr *LockoutError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "account", lerr.Scope)
	assert.Greater(t, lerr.RetryAfter, time.Duration(0))
}

func TestLoginWarnsWhenFewAttemptsLeft(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	// Failures 1 and 2 leave 4 and 3 attempts: no warning until <=3.
	_, err := svc.Login(ctx, testEmail, "Wrong123!Horse!", "203.0.113.7", "agent")
	var aerr *AuthAttemptError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 4, aerr.AttemptsLeft)
	assert.False(t, aerr.Warn)

	_, err = svc.Login(ctx, testEmail, "Wrong123!Horse!", "203.0.113.7", "agent")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 3, aerr.AttemptsLeft)
	assert.True(t, aerr.Warn)
}

func TestLoginIPGate(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	// 10 attempts from one address exhaust the window; the 11th is
	// rejected at the gate regardless of target account.
	for i := 0; i < 10; i++ {
		_, _ = svc.Login(ctx, "nobody@example.com", "Wrong123!Horse!", "198.51.100.9", "agent")
	}
	_, err := svc.Login(ctx, testEmail, testPassword, "198.51.100.9", "agent")
	var lerr *LockoutError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "ip", lerr.Scope)

	// A different address is unaffected.
	_, err = svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	assert.NoError(t, err)
}

func TestLogoutIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.SessionToken, "203.0.113.7", "agent"))
	require.NoError(t, svc.Logout(ctx, result.SessionToken, "203.0.113.7", "agent"))

	_, _, err = svc.ValidateSession(ctx, result.SessionToken)
	assert.ErrorIs(t, err, ErrSessionRequired)
}

func enableMFA(t *testing.T, svc *AuthService, identity *models.Identity) (secret string, backupCodes []string) {
	t.Helper()
	ctx := context.Background()
	secret, _, err := svc.SetupMFA(ctx, identity, "203.0.113.7", "agent")
	require.NoError(t, err)
	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	backupCodes, err = svc.CompleteMFASetup(ctx, identity, code, "203.0.113.7", "agent")
	require.NoError(t, err)
	return secret, backupCodes
}

func TestLoginWithMFANeverReturnsSessionDirectly(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	secret, _ := enableMFA(t, svc, identity)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)
	assert.True(t, result.MFARequired)
	assert.Empty(t, result.SessionToken, "no session before mfa verification")
	assert.NotEmpty(t, result.MFAToken)
	assert.Equal(t, "totp", result.MFAMethod)

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	verified, err := svc.VerifyMFA(ctx, result.MFAToken, code, "203.0.113.7", "agent")
	require.NoError(t, err)
	assert.NotEmpty(t, verified.SessionToken)
}

func TestMFAChallengeTokenSingleUse(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	secret, _ := enableMFA(t, svc, identity)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	_, err = svc.VerifyMFA(ctx, result.MFAToken, code, "203.0.113.7", "agent")
	require.NoError(t, err)

	_, err = svc.VerifyMFA(ctx, result.MFAToken, code, "203.0.113.7", "agent")
	assert.ErrorIs(t, err, ErrInvalidToken, "challenge token must not be reusable")
}

func TestMFABadCodeRejected(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	enableMFA(t, svc, identity)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	_, err = svc.VerifyMFA(ctx, result.MFAToken, "000000", "203.0.113.7", "agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBackupCodeLogin(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	_, codes := enableMFA(t, svc, identity)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	granted, err := svc.RedeemBackupCode(ctx, result.MFAToken, codes[0], "203.0.113.7", "agent")
	require.NoError(t, err)
	assert.NotEmpty(t, granted.SessionToken)
	assert.Equal(t, 9, granted.BackupCodesRemaining)
	assert.False(t, granted.BackupCodesLow)

	// The same code on a fresh challenge fails.
	result, err = svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)
	_, err = svc.RedeemBackupCode(ctx, result.MFAToken, codes[0], "203.0.113.7", "agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	ctx := context.Background()

	err := svc.ChangePassword(ctx, identity, "Wrong123!Horse!", "Fresh456?Stable", "ip", "agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = svc.ChangePassword(ctx, identity, testPassword, testPassword, "ip", "agent")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, svc.ChangePassword(ctx, identity, testPassword, "Fresh456?Stable", "ip", "agent"))

	_, err = svc.Login(ctx, testEmail, "Fresh456?Stable", "203.0.113.7", "agent")
	assert.NoError(t, err)
}

func TestForgotPasswordFlow(t *testing.T) {
	svc, mailer := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.ForgotPassword(ctx, testEmail, "ip", "agent"))
	require.Len(t, mailer.resetCodes, 1)
	code := mailer.resetCodes[0]

	grant, err := svc.VerifyResetCode(ctx, testEmail, code)
	require.NoError(t, err)
	require.NotEmpty(t, grant)

	require.NoError(t, svc.ResetPassword(ctx, testEmail, grant, "Fresh456?Stable", "ip", "agent"))

	_, err = svc.Login(ctx, testEmail, "Fresh456?Stable", "203.0.113.7", "agent")
	assert.NoError(t, err)

	// The grant is single-use.
	err = svc.ResetPassword(ctx, testEmail, grant, "Another789?Barn", "ip", "agent")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestForgotPasswordMailFailureRollsBackCode(t *testing.T) {
	svc, mailer := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	mailer.failReset = true
	err := svc.ForgotPassword(ctx, testEmail, "ip", "agent")
	assert.ErrorIs(t, err, ErrInternal)

	// No live code remains: even the right guess cannot be verified,
	// because the code was rolled back (and never delivered anyway).
	_, err = svc.VerifyResetCode(ctx, testEmail, "000000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestForgotPasswordUnknownEmailSilent(t *testing.T) {
	svc, mailer := newTestService(t)
	register(t, svc)

	err := svc.ForgotPassword(context.Background(), "nobody@example.com", "ip", "agent")
	assert.NoError(t, err)
	assert.Empty(t, mailer.resetCodes)
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	svc, mailer := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	require.NoError(t, svc.ForgotPassword(ctx, testEmail, "ip", "agent"))
	grant, err := svc.VerifyResetCode(ctx, testEmail, mailer.resetCodes[0])
	require.NoError(t, err)
	require.NoError(t, svc.ResetPassword(ctx, testEmail, grant, "Fresh456?Stable", "ip", "agent"))

	_, _, err = svc.ValidateSession(ctx, result.SessionToken)
	assert.ErrorIs(t, err, ErrSessionRequired)
}

func TestDeactivateTombstonesAccount(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	ctx := context.Background()

	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, identity, testPassword, "ip", "agent"))

	_, _, err = svc.ValidateSession(ctx, result.SessionToken)
	assert.ErrorIs(t, err, ErrSessionRequired)

	// Login on a tombstoned account looks like bad credentials.
	_, err = svc.Login(ctx, testEmail, testPassword, "203.0.113.8", "agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisableMFARequiresPassword(t *testing.T) {
	svc, _ := newTestService(t)
	identity := register(t, svc)
	enableMFA(t, svc, identity)
	ctx := context.Background()

	err := svc.DisableMFA(ctx, identity, "Wrong123!Horse!", "ip", "agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, svc.DisableMFA(ctx, identity, testPassword, "ip", "agent"))

	// Login now goes straight to a session.
	result, err := svc.Login(ctx, testEmail, testPassword, "203.0.113.7", "agent")
	require.NoError(t, err)
	assert.False(t, result.MFARequired)
	assert.NotEmpty(t, result.SessionToken)
}
