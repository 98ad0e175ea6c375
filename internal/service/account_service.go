package service

import (
	"context"
	"errors"
	"fmt"

	"dormauth/internal/mfa"
	"dormauth/internal/models"
)

// ListSessions returns the caller's live sessions with the current one
// flagged.
func (s *AuthService) ListSessions(ctx context.Context, identity *models.Identity, currentSessionID string) ([]models.SessionInfo, error) {
	infos, err := s.sessions.ListActive(ctx, identity.ID, currentSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions", ErrInternal)
	}
	return infos, nil
}

// RevokeSession deletes one of the caller's sessions by id. Revoking a
// session that is already gone is a success.
func (s *AuthService) RevokeSession(ctx context.Context, identity *models.Identity, targetSessionID, ip, agent string) error {
	removed, err := s.sessions.RevokeByID(ctx, identity.ID, targetSessionID)
	if err != nil {
		return fmt.Errorf("%w: revoking session", ErrInternal)
	}
	if removed {
		s.audit.Record(&models.AuditRecord{
			Event:      models.EventLogout,
			IdentityID: identity.ID,
			IP:         ip, UserAgent: agent,
			Detail: map[string]string{"session_id": targetSessionID},
		})
	}
	return nil
}

// RevokeAllSessions logs the caller out everywhere, including the
// session making the call.
func (s *AuthService) RevokeAllSessions(ctx context.Context, identity *models.Identity, ip, agent string) (int, error) {
	n, err := s.sessions.RevokeAll(ctx, identity.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: revoking sessions", ErrInternal)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventLogoutAll,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
		Detail: map[string]string{"count": fmt.Sprintf("%d", n)},
	})
	return n, nil
}

// SetupMFA starts TOTP enrollment and returns the secret with its
// provisioning URI for the authenticator app.
func (s *AuthService) SetupMFA(ctx context.Context, identity *models.Identity, ip, agent string) (secret, uri string, err error) {
	account := s.emailOf(ctx, identity)
	if account == "" {
		account = identity.Name
	}
	secret, uri, err = s.mfa.BeginSetup(ctx, identity, account)
	if err != nil {
		if errors.Is(err, mfa.ErrWrongState) {
			return "", "", NewValidationError("mfa is already enabled")
		}
		return "", "", fmt.Errorf("%w: starting mfa setup", ErrInternal)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventMFASetupStart,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return secret, uri, nil
}

// CompleteMFASetup verifies the first code and returns the backup codes,
// shown exactly once.
func (s *AuthService) CompleteMFASetup(ctx context.Context, identity *models.Identity, code, ip, agent string) ([]string, error) {
	codes, err := s.mfa.CompleteSetup(ctx, identity, code)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrInvalidCode):
			return nil, ErrInvalidCredentials
		case errors.Is(err, mfa.ErrWrongState):
			return nil, NewValidationError("mfa setup has not been started")
		default:
			return nil, fmt.Errorf("%w: completing mfa setup", ErrInternal)
		}
	}

	if email := s.emailOf(ctx, identity); email != "" {
		s.mailer.SendMFAEnabled(email, identity.Name)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventMFAEnabled,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return codes, nil
}

// DisableMFA turns MFA off after a fresh password proof.
func (s *AuthService) DisableMFA(ctx context.Context, identity *models.Identity, password, ip, agent string) error {
	if identity.MFAState != models.MFAEnabled {
		return ErrMFANotEnabled
	}
	ok, err := s.creds.VerifyPassword(identity, password)
	if err != nil {
		return fmt.Errorf("%w: verifying password", ErrInternal)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := s.mfa.Disable(ctx, identity); err != nil {
		return fmt.Errorf("%w: disabling mfa", ErrInternal)
	}

	if email := s.emailOf(ctx, identity); email != "" {
		s.mailer.SendMFADisabled(email, identity.Name)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventMFADisabled,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return nil
}

// RegenerateBackupCodes replaces all backup codes after a fresh password
// proof. Old codes stop working the moment the new set is stored.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, identity *models.Identity, password, ip, agent string) ([]string, error) {
	if identity.MFAState != models.MFAEnabled {
		return nil, ErrMFANotEnabled
	}
	ok, err := s.creds.VerifyPassword(identity, password)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying password", ErrInternal)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	codes, err := s.mfa.RegenerateBackupCodes(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: regenerating backup codes", ErrInternal)
	}
	s.audit.Record(&models.AuditRecord{
		Event:      models.EventBackupCodesRotated,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return codes, nil
}

// Deactivate tombstones the account after a fresh password proof. The
// record stays resolvable for historical audit events; all sessions are
// revoked immediately.
func (s *AuthService) Deactivate(ctx context.Context, identity *models.Identity, password, ip, agent string) error {
	ok, err := s.creds.VerifyPassword(identity, password)
	if err != nil {
		return fmt.Errorf("%w: verifying password", ErrInternal)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	identity.Active = false
	if err := s.creds.Save(ctx, identity); err != nil {
		return fmt.Errorf("%w: deactivating account", ErrInternal)
	}
	if _, err := s.sessions.RevokeAll(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: revoking sessions", ErrInternal)
	}

	s.audit.Record(&models.AuditRecord{
		Event:      models.EventAccountDeactivated,
		IdentityID: identity.ID,
		IP:         ip, UserAgent: agent,
	})
	return nil
}
