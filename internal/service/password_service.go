package service

import (
	"context"
	"errors"
	"fmt"

	"dormauth/internal/credstore"
	"dormauth/internal/models"
	"dormauth/internal/token"
	"dormauth/internal/util"
)

// ChangePassword rotates the password for an authenticated identity
// after re-proving the current one. Other sessions stay alive; password
// change is not a revocation event.
func (s *AuthService) ChangePassword(ctx context.Context, identity *models.Identity, currentPassword, newPassword, ip, agent string) error {
	ok, err := s.creds.VerifyPassword(identity, currentPassword)
	if err != nil {
		return fmt.Errorf("%w: verifying password", ErrInternal)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if currentPassword == newPassword {
		return NewValidationError("new password must differ from the current password")
	}
	if result := s.policy.Evaluate(newPassword); !result.Valid {
		return &ValidationError{Violations: result.Violations}
	}

	if err := s.applyNewPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	if email := s.emailOf(ctx, identity); email != "" {
		s.mailer.SendPasswordChanged(email, identity.Name)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventPasswordChange,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return nil
}

// ForgotPassword stores a short-lived reset code and emails it. The
// response is identical whether or not the email is registered. The
// email send is awaited: if it fails, the stored code is rolled back so
// no live code exists that the user was never told about.
func (s *AuthService) ForgotPassword(ctx context.Context, email, ip, agent string) error {
	email = util.NormalizeEmail(email)
	identity, err := s.creds.ByEmail(ctx, email)
	if err != nil || !identity.Active {
		// Enumeration-safe: pretend success.
		return nil
	}

	code, err := generateResetCode()
	if err != nil {
		return fmt.Errorf("%w: generating code", ErrInternal)
	}
	emailHash := credstore.HashEmail(email)
	if err := s.resets.StoreCode(ctx, emailHash, code, s.cfg.Auth.ResetCodeTTL); err != nil {
		return fmt.Errorf("%w: storing reset code", ErrInternal)
	}

	if err := s.mailer.SendResetCode(ctx, email, identity.Name, code); err != nil {
		if derr := s.resets.DeleteCode(ctx, emailHash); derr != nil {
			util.Error("failed to roll back reset code", util.ErrorField(derr))
		}
		util.Error("reset code email failed", util.ErrorField(err))
		return fmt.Errorf("%w: sending reset code", ErrInternal)
	}

	s.audit.Record(&models.AuditRecord{
		Event:      models.EventPasswordResetStart,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return nil
}

// VerifyResetCode exchanges a correct emailed code for a short-lived
// reset grant. The code is consumed on success.
func (s *AuthService) VerifyResetCode(ctx context.Context, email, code string) (string, error) {
	email = util.NormalizeEmail(email)
	identity, err := s.creds.ByEmail(ctx, email)
	if err != nil || !identity.Active {
		return "", ErrInvalidCredentials
	}

	ok, err := s.resets.VerifyCode(ctx, credstore.HashEmail(email), code)
	if err != nil {
		return "", fmt.Errorf("%w: verifying reset code", ErrInternal)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}

	grant, err := s.tokens.Issue(identity.ID, token.PurposeReset, s.cfg.Auth.ResetTokenTTL)
	if err != nil {
		return "", fmt.Errorf("%w: issuing reset grant", ErrInternal)
	}
	return grant, nil
}

// ResetPassword sets a new password using a reset grant. The grant is
// single-use, and every session of the identity is revoked since the
// reset path is how a user recovers a compromised account.
func (s *AuthService) ResetPassword(ctx context.Context, email, resetToken, newPassword, ip, agent string) error {
	email = util.NormalizeEmail(email)
	claims, err := s.tokens.Verify(resetToken, token.PurposeReset)
	if err != nil {
		return ErrInvalidToken
	}

	identity, err := s.creds.ByEmail(ctx, email)
	if err != nil || !identity.Active || identity.ID != claims.IdentityID {
		return ErrInvalidToken
	}

	if result := s.policy.Evaluate(newPassword); !result.Valid {
		return &ValidationError{Violations: result.Violations}
	}

	fresh, err := s.resets.MarkTokenUsed(ctx, claims.ID, s.cfg.Auth.ResetTokenTTL)
	if err != nil {
		return fmt.Errorf("%w: consuming reset grant", ErrInternal)
	}
	if !fresh {
		return ErrInvalidToken
	}

	if err := s.applyNewPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	if n, err := s.sessions.RevokeAll(ctx, identity.ID); err != nil {
		util.Error("failed to revoke sessions after reset", util.ErrorField(err))
	} else if n > 0 {
		util.Info("sessions revoked after password reset",
			util.String("identity_id", identity.ID),
			util.Int("count", n))
	}

	if addr := s.emailOf(ctx, identity); addr != "" {
		s.mailer.SendPasswordChanged(addr, identity.Name)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventPasswordResetDone,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return nil
}

// applyNewPassword hashes and persists a new password with fresh
// lifecycle timestamps, clearing any lockout.
func (s *AuthService) applyNewPassword(ctx context.Context, identity *models.Identity, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: hashing password", ErrInternal)
	}

	now := s.now()
	identity.PasswordHash = hash
	identity.PasswordChangedAt = now
	identity.PasswordExpiresAt = s.policy.Expiry(now)
	identity.MustChangePassword = false
	identity.FailedAttempts = 0
	identity.LockedUntil = nil
	if err := s.creds.Save(ctx, identity); err != nil {
		if errors.Is(err, credstore.ErrIdentityNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: saving password", ErrInternal)
	}
	return nil
}
