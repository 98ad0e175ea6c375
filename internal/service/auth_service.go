package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/google/uuid"

	"dormauth/internal/audit"
	"dormauth/internal/config"
	"dormauth/internal/credstore"
	"dormauth/internal/hashing"
	"dormauth/internal/ipguard"
	"dormauth/internal/mfa"
	"dormauth/internal/models"
	"dormauth/internal/notify"
	"dormauth/internal/policy"
	"dormauth/internal/session"
	"dormauth/internal/token"
	"dormauth/internal/util"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// lockoutWarnThreshold: the remaining-attempts warning is only surfaced
// once this few attempts are left.
const lockoutWarnThreshold = 3

// ResetStore keeps in-flight password-reset codes and single-use token
// markers.
type ResetStore interface {
	StoreCode(ctx context.Context, emailHash, code string, ttl time.Duration) error
	VerifyCode(ctx context.Context, emailHash, code string) (bool, error)
	DeleteCode(ctx context.Context, emailHash string) error
	MarkTokenUsed(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Policy   *policy.Policy
	Hasher   *hashing.Hasher
	Creds    *credstore.Store
	Sessions *session.Store
	Guard    *ipguard.Guard
	MFA      *mfa.Engine
	Tokens   *token.Issuer
	Cipher   mfa.Cipher
	Resets   ResetStore
	Mailer   notify.Mailer
	Audit    audit.Recorder
}

// AuthService sequences the credential, rate-limit, session and MFA
// components into the login, registration and recovery flows.
type AuthService struct {
	cfg      *config.Config
	policy   *policy.Policy
	hasher   *hashing.Hasher
	creds    *credstore.Store
	sessions *session.Store
	guard    *ipguard.Guard
	mfa      *mfa.Engine
	tokens   *token.Issuer
	cipher   mfa.Cipher
	resets   ResetStore
	mailer   notify.Mailer
	audit    audit.Recorder
	now      func() time.Time

	// dummyHash keeps the lookup-miss path doing the same work as the
	// wrong-password path.
	dummyHash string
}

func NewAuthService(deps Deps) (*AuthService, error) {
	dummy, err := deps.Hasher.Hash(uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	return &AuthService{
		cfg:       deps.Config,
		policy:    deps.Policy,
		hasher:    deps.Hasher,
		creds:     deps.Creds,
		sessions:  deps.Sessions,
		guard:     deps.Guard,
		mfa:       deps.MFA,
		tokens:    deps.Tokens,
		cipher:    deps.Cipher,
		resets:    deps.Resets,
		mailer:    deps.Mailer,
		audit:     deps.Audit,
		now:       time.Now,
		dummyHash: dummy,
	}, nil
}

// LoginResult is the outcome of a successful credential check: either a
// full session or a pending MFA challenge, never both.
type LoginResult struct {
	SessionToken         string
	Session              *models.Session
	MFARequired          bool
	MFAToken             string
	MFAMethod            string
	PasswordExpiry       *policy.ExpiryStatus
	MustChangePassword   bool
	BackupCodesRemaining int
	BackupCodesLow       bool
	Identity             *models.Identity
}

// Register creates a new identity after validating the password against
// policy. The email and phone are stored encrypted; only the email's
// hash is queryable.
func (s *AuthService) Register(ctx context.Context, name, email, password, phone, ip, agent string) (*models.Identity, error) {
	name = util.SanitizeInput(name)
	email = util.NormalizeEmail(email)

	var violations []string
	if name == "" {
		violations = append(violations, "name is required")
	}
	if !emailPattern.MatchString(email) {
		violations = append(violations, "invalid email address")
	}
	result := s.policy.Evaluate(password)
	violations = append(violations, result.Violations...)
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing password", ErrInternal)
	}

	emailBlob, emailKeyID, err := s.cipher.EncryptField(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: sealing email", ErrInternal)
	}

	now := s.now()
	identity := &models.Identity{
		ID:                uuid.New().String(),
		Name:              name,
		EmailHash:         credstore.HashEmail(email),
		EmailEncrypted:    emailBlob,
		EmailKeyID:        emailKeyID,
		PasswordHash:      hash,
		Role:              "resident",
		Active:            true,
		PasswordChangedAt: now,
		PasswordExpiresAt: s.policy.Expiry(now),
		MFAState:          models.MFADisabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if phone != "" {
		phoneBlob, phoneKeyID, err := s.cipher.EncryptField(ctx, util.SanitizeInput(phone))
		if err != nil {
			return nil, fmt.Errorf("%w: sealing phone", ErrInternal)
		}
		identity.PhoneEncrypted = phoneBlob
		identity.PhoneKeyID = phoneKeyID
	}

	if err := s.creds.Create(ctx, identity); err != nil {
		if errors.Is(err, credstore.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("%w: creating identity", ErrInternal)
	}

	s.audit.Record(&models.AuditRecord{
		Event:      models.EventRegister,
		IdentityID: identity.ID,
		IP:         ip,
		UserAgent:  agent,
	})
	return identity, nil
}

// Login runs the gate sequence: IP block, IP window, account lookup,
// lockout, password. With MFA enabled it stops at a challenge token; a
// session is only issued when MFA is off.
func (s *AuthService) Login(ctx context.Context, email, password, ip, agent string) (*LoginResult, error) {
	if blocked, retryAfter, err := s.guard.IsBlocked(ctx, ip); err != nil {
		return nil, fmt.Errorf("%w: checking ip block", ErrInternal)
	} else if blocked {
		return nil, &LockoutError{Scope: "ip", RetryAfter: retryAfter}
	}

	allowed, err := s.guard.RecordAttempt(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: recording attempt", ErrInternal)
	}
	if !allowed {
		_, retryAfter, _ := s.guard.IsBlocked(ctx, ip)
		s.audit.Record(&models.AuditRecord{
			Event: models.EventIPBlock, IP: ip, UserAgent: agent,
		})
		return nil, &LockoutError{Scope: "ip", RetryAfter: retryAfter}
	}

	identity, err := s.creds.ByEmail(ctx, email)
	if err != nil || !identity.Active {
		// Burn the same hashing cost as a real comparison so a miss is
		// not distinguishable by timing.
		_, _ = s.hasher.Verify(password, s.dummyHash)
		s.auditLoginFailure(email, ip, agent, "unknown_or_inactive")
		return nil, ErrInvalidCredentials
	}

	if locked, left := s.creds.IsLocked(identity, s.now()); locked {
		return nil, &LockoutError{Scope: "account", RetryAfter: left}
	}

	ok, err := s.creds.VerifyPassword(identity, password)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying password", ErrInternal)
	}
	if !ok {
		remaining, lockedFor, ferr := s.creds.IncrementFailure(ctx, identity.ID)
		if ferr != nil {
			util.Error("failed to persist failure count", util.ErrorField(ferr))
		}
		s.auditLoginFailure(email, ip, agent, "bad_password")
		if lockedFor > 0 {
			s.audit.Record(&models.AuditRecord{
				Event: models.EventLockout, IdentityID: identity.ID, IP: ip, UserAgent: agent,
			})
			return nil, &LockoutError{Scope: "account", RetryAfter: lockedFor}
		}
		return nil, &AuthAttemptError{
			AttemptsLeft: remaining,
			Warn:         remaining <= lockoutWarnThreshold,
		}
	}

	if err := s.creds.ResetFailures(ctx, identity.ID, ip, agent); err != nil {
		util.Error("failed to reset failure count", util.ErrorField(err))
	}

	if identity.MFAState == models.MFAEnabled {
		challenge, err := s.tokens.Issue(identity.ID, token.PurposeMFA, s.cfg.Auth.MFAChallengeTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: issuing mfa challenge", ErrInternal)
		}
		s.audit.Record(&models.AuditRecord{
			Event:      models.EventLoginSuccess,
			IdentityID: identity.ID,
			IP:         ip, UserAgent: agent,
			Detail: map[string]string{"stage": "mfa_required"},
		})
		return &LoginResult{
			MFARequired: true,
			MFAToken:    challenge,
			MFAMethod:   "totp",
			Identity:    identity,
		}, nil
	}

	return s.grantSession(ctx, identity, ip, agent, "password")
}

// VerifyMFA completes a login with a TOTP code. The challenge token is
// single-use.
func (s *AuthService) VerifyMFA(ctx context.Context, mfaToken, code, ip, agent string) (*LoginResult, error) {
	identity, claims, err := s.resolveChallenge(ctx, mfaToken)
	if err != nil {
		return nil, err
	}

	if err := s.mfa.VerifyCode(ctx, identity, code); err != nil {
		s.audit.Record(&models.AuditRecord{
			Event:      models.EventMFAChallengeFail,
			IdentityID: identity.ID,
			IP:         ip, UserAgent: agent,
			Detail: map[string]string{"method": "totp"},
		})
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrWrongState) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: verifying code", ErrInternal)
	}

	if err := s.consumeChallenge(ctx, claims); err != nil {
		return nil, err
	}
	return s.grantSession(ctx, identity, ip, agent, "totp")
}

// RedeemBackupCode completes a login with a single-use backup code and
// reports how many unused codes remain.
func (s *AuthService) RedeemBackupCode(ctx context.Context, mfaToken, code, ip, agent string) (*LoginResult, error) {
	identity, claims, err := s.resolveChallenge(ctx, mfaToken)
	if err != nil {
		return nil, err
	}

	remaining, low, err := s.mfa.RedeemBackupCode(ctx, identity, code)
	if err != nil {
		s.audit.Record(&models.AuditRecord{
			Event:      models.EventMFAChallengeFail,
			IdentityID: identity.ID,
			IP:         ip, UserAgent: agent,
			Detail: map[string]string{"method": "backup_code"},
		})
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrWrongState) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: redeeming backup code", ErrInternal)
	}

	if err := s.consumeChallenge(ctx, claims); err != nil {
		return nil, err
	}

	s.audit.Record(&models.AuditRecord{
		Event:      models.EventBackupCodeUsed,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
		Detail: map[string]string{"remaining": fmt.Sprintf("%d", remaining)},
	})

	result, err := s.grantSession(ctx, identity, ip, agent, "backup_code")
	if err != nil {
		return nil, err
	}
	result.BackupCodesRemaining = remaining
	result.BackupCodesLow = low
	return result, nil
}

// Logout revokes the presented session. Unknown tokens are a success:
// the caller's goal state is "no session", and it holds either way.
func (s *AuthService) Logout(ctx context.Context, sessionToken, ip, agent string) error {
	sess, err := s.sessions.Validate(ctx, sessionToken)
	if err == nil {
		s.audit.Record(&models.AuditRecord{
			Event:      models.EventLogout,
			IdentityID: sess.IdentityID,
			IP:         ip, UserAgent: agent,
		})
	}
	return s.sessions.Revoke(ctx, sessionToken)
}

// ValidateSession resolves a bearer token to its identity, refreshing
// the idle timer. Used by the authentication middleware.
func (s *AuthService) ValidateSession(ctx context.Context, sessionToken string) (*models.Identity, *models.Session, error) {
	sess, err := s.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil, nil, ErrSessionRequired
	}
	identity, err := s.creds.ByID(ctx, sess.IdentityID)
	if err != nil || !identity.Active {
		_ = s.sessions.Revoke(ctx, sessionToken)
		return nil, nil, ErrSessionRequired
	}
	if err := s.sessions.Touch(ctx, sessionToken); err != nil {
		util.Warn("failed to touch session", util.ErrorField(err))
	}
	return identity, sess, nil
}

func (s *AuthService) grantSession(ctx context.Context, identity *models.Identity, ip, agent, method string) (*LoginResult, error) {
	sess, sessionToken, err := s.sessions.Create(ctx, identity.ID, agent, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session", ErrInternal)
	}

	expiry := s.policy.Status(identity.PasswordExpiresAt, s.now())

	s.audit.Record(&models.AuditRecord{
		Event:      models.EventLoginSuccess,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
		Detail: map[string]string{"method": method},
	})

	return &LoginResult{
		SessionToken:       sessionToken,
		Session:            sess,
		PasswordExpiry:     &expiry,
		MustChangePassword: identity.MustChangePassword,
		Identity:           identity,
	}, nil
}

// resolveChallenge validates an MFA challenge token and loads its
// identity. All failure modes collapse into ErrInvalidToken.
func (s *AuthService) resolveChallenge(ctx context.Context, mfaToken string) (*models.Identity, *token.Claims, error) {
	claims, err := s.tokens.Verify(mfaToken, token.PurposeMFA)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			util.Info("expired mfa challenge presented")
		}
		return nil, nil, ErrInvalidToken
	}
	identity, err := s.creds.ByID(ctx, claims.IdentityID)
	if err != nil || !identity.Active {
		return nil, nil, ErrInvalidToken
	}
	return identity, claims, nil
}

// consumeChallenge marks the challenge token used; a second redemption
// of the same token fails.
func (s *AuthService) consumeChallenge(ctx context.Context, claims *token.Claims) error {
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		ttl = time.Minute
	}
	fresh, err := s.resets.MarkTokenUsed(ctx, claims.ID, ttl)
	if err != nil {
		return fmt.Errorf("%w: consuming challenge", ErrInternal)
	}
	if !fresh {
		return ErrInvalidToken
	}
	return nil
}

func (s *AuthService) auditLoginFailure(email, ip, agent, reason string) {
	s.audit.Record(&models.AuditRecord{
		Event:     models.EventLoginFailure,
		Email:     credstore.HashEmail(email),
		IP:        ip,
		UserAgent: agent,
		Detail:    map[string]string{"reason": reason},
	})
}

// emailOf decrypts the identity's stored email for outbound mail.
func (s *AuthService) emailOf(ctx context.Context, identity *models.Identity) string {
	if len(identity.EmailEncrypted) == 0 {
		return ""
	}
	email, err := s.cipher.DecryptField(ctx, identity.EmailEncrypted)
	if err != nil {
		util.Error("failed to decrypt email", util.ErrorField(err),
			util.String("identity_id", identity.ID))
		return ""
	}
	return email
}

// generateResetCode returns a 6-digit numeric code from the CSPRNG.
func generateResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generating reset code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
