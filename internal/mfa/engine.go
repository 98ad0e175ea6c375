package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"dormauth/internal/config"
	"dormauth/internal/credstore"
	"dormauth/internal/models"
	"dormauth/internal/util"
)

var (
	ErrWrongState  = errors.New("mfa: operation not valid in current state")
	ErrInvalidCode = errors.New("mfa: invalid code")
)

// Cipher seals the TOTP secret at rest.
type Cipher interface {
	EncryptField(ctx context.Context, plaintext string) ([]byte, string, error)
	DecryptField(ctx context.Context, blob []byte) (string, error)
}

// Engine drives the per-identity MFA state machine:
// disabled -> pending_setup -> enabled -> disabled. All transitions are
// persisted through the credential store before returning.
type Engine struct {
	creds    *credstore.Store
	cipher   Cipher
	issuer   string
	count    int
	lowWater int
	locks    sync.Map // identityID -> *sync.Mutex
	now      func() time.Time
}

func NewEngine(creds *credstore.Store, cipher Cipher, cfg *config.AuthConfig) *Engine {
	return &Engine{
		creds:    creds,
		cipher:   cipher,
		issuer:   cfg.MFAIssuer,
		count:    cfg.BackupCodeCount,
		lowWater: cfg.BackupCodeLowWater,
		now:      time.Now,
	}
}

// BeginSetup generates a fresh secret, stores it encrypted in the
// pending state, and returns the secret plus its otpauth URI. Restarting
// setup replaces any prior pending secret.
func (e *Engine) BeginSetup(ctx context.Context, identity *models.Identity, accountName string) (secret, uri string, err error) {
	if identity.MFAState == models.MFAEnabled {
		return "", "", ErrWrongState
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating totp secret: %w", err)
	}

	blob, keyID, err := e.cipher.EncryptField(ctx, key.Secret())
	if err != nil {
		return "", "", fmt.Errorf("sealing totp secret: %w", err)
	}

	identity.MFAState = models.MFAPendingSetup
	identity.MFASecretEncrypted = blob
	identity.MFASecretKeyID = keyID
	identity.BackupCodeHashes = nil
	if err := e.creds.Save(ctx, identity); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// CompleteSetup verifies a first code against the pending secret and, on
// success, enables MFA and issues the single-use backup codes. The codes
// are returned in plain text exactly once.
func (e *Engine) CompleteSetup(ctx context.Context, identity *models.Identity, code string) ([]string, error) {
	if identity.MFAState != models.MFAPendingSetup {
		return nil, ErrWrongState
	}

	ok, err := e.verifyTOTP(ctx, identity, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	codes, hashes, err := generateBackupCodes(e.count)
	if err != nil {
		return nil, err
	}

	identity.MFAState = models.MFAEnabled
	identity.BackupCodeHashes = hashes
	if err := e.creds.Save(ctx, identity); err != nil {
		return nil, err
	}
	util.Info("mfa enabled", util.String("identity_id", identity.ID))
	return codes, nil
}

// VerifyCode checks a TOTP code against the enabled secret with a one
// time-step drift tolerance either side.
func (e *Engine) VerifyCode(ctx context.Context, identity *models.Identity, code string) error {
	if identity.MFAState != models.MFAEnabled {
		return ErrWrongState
	}
	ok, err := e.verifyTOTP(ctx, identity, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

// RedeemBackupCode consumes one unused backup code, case-insensitively.
// The first matching code is permanently marked used. Remaining reports
// how many unused codes are left; LowRemaining flags when the supply is
// at or below the advisory threshold.
func (e *Engine) RedeemBackupCode(ctx context.Context, identity *models.Identity, code string) (remaining int, lowRemaining bool, err error) {
	if identity.MFAState != models.MFAEnabled {
		return 0, false, ErrWrongState
	}

	// Reload under a per-identity lock so two concurrent redemptions of
	// the same code cannot both observe it unused.
	mu := e.identityLock(identity.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := e.creds.ByID(ctx, identity.ID)
	if err != nil {
		return 0, false, err
	}

	digest := hashBackupCode(code)
	used, ok := fresh.BackupCodeHashes[digest]
	if !ok || used {
		return 0, false, ErrInvalidCode
	}

	fresh.BackupCodeHashes[digest] = true
	if err := e.creds.Save(ctx, fresh); err != nil {
		return 0, false, err
	}
	identity.BackupCodeHashes = fresh.BackupCodeHashes

	remaining = fresh.UnusedBackupCodes()
	util.Info("backup code redeemed",
		util.String("identity_id", identity.ID),
		util.Int("remaining", remaining))
	return remaining, remaining <= e.lowWater, nil
}

// Disable clears the secret, all backup codes and the enabled state.
// Callers must have re-proved the password first.
func (e *Engine) Disable(ctx context.Context, identity *models.Identity) error {
	identity.MFAState = models.MFADisabled
	identity.MFASecretEncrypted = nil
	identity.MFASecretKeyID = ""
	identity.BackupCodeHashes = nil
	if err := e.creds.Save(ctx, identity); err != nil {
		return err
	}
	util.Info("mfa disabled", util.String("identity_id", identity.ID))
	return nil
}

// RegenerateBackupCodes replaces the full code set in one write, so old
// and new codes are never simultaneously valid. Callers must have
// re-proved the password first.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identity *models.Identity) ([]string, error) {
	if identity.MFAState != models.MFAEnabled {
		return nil, ErrWrongState
	}
	codes, hashes, err := generateBackupCodes(e.count)
	if err != nil {
		return nil, err
	}
	identity.BackupCodeHashes = hashes
	if err := e.creds.Save(ctx, identity); err != nil {
		return nil, err
	}
	return codes, nil
}

func (e *Engine) identityLock(identityID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(identityID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) verifyTOTP(ctx context.Context, identity *models.Identity, code string) (bool, error) {
	secret, err := e.cipher.DecryptField(ctx, identity.MFASecretEncrypted)
	if err != nil {
		return false, fmt.Errorf("unsealing totp secret: %w", err)
	}
	return totp.ValidateCustom(strings.TrimSpace(code), secret, e.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// backupCodeAlphabet avoids padding characters; codes render as
// XXXX-XXXX from the base32 set.
const backupCodeLength = 8

func generateBackupCodes(n int) (codes []string, hashes map[string]bool, err error) {
	codes = make([]string, 0, n)
	hashes = make(map[string]bool, n)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	for i := 0; i < n; i++ {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		raw := enc.EncodeToString(buf)[:backupCodeLength]
		code := raw[:4] + "-" + raw[4:]
		codes = append(codes, code)
		hashes[hashBackupCode(code)] = false
	}
	return codes, hashes, nil
}

// hashBackupCode normalizes case and separators before hashing so
// redemption is forgiving about formatting.
func hashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
