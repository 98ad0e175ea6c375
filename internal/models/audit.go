package models

import "time"

// Audit event kinds emitted by the authentication flows.
const (
	EventRegister           = "auth.register"
	EventLoginSuccess       = "auth.login.success"
	EventLoginFailure       = "auth.login.failure"
	EventLockout            = "auth.lockout"
	EventIPBlock            = "auth.ip_block"
	EventLogout             = "auth.logout"
	EventLogoutAll          = "auth.logout_all"
	EventSessionEvicted     = "auth.session.evicted"
	EventPasswordChange     = "auth.password.change"
	EventPasswordResetStart = "auth.password.reset_start"
	EventPasswordResetDone  = "auth.password.reset_done"
	EventMFASetupStart      = "auth.mfa.setup_start"
	EventMFAEnabled         = "auth.mfa.enabled"
	EventMFADisabled        = "auth.mfa.disabled"
	EventMFAChallengeFail   = "auth.mfa.challenge_fail"
	EventBackupCodeUsed     = "auth.mfa.backup_code_used"
	EventBackupCodesRotated = "auth.mfa.backup_codes_rotated"
	EventAccountDeactivated = "auth.account.deactivated"
)

// AuditRecord is an append-only security event. Detail must already be
// redacted before the record reaches a sink.
type AuditRecord struct {
	ID         string            `json:"id" ch:"id"`
	Event      string            `json:"event" ch:"event"`
	IdentityID string            `json:"identity_id" ch:"identity_id"`
	Email      string            `json:"email,omitempty" ch:"email"`
	IP         string            `json:"ip" ch:"ip"`
	UserAgent  string            `json:"user_agent" ch:"user_agent"`
	Detail     map[string]string `json:"detail,omitempty" ch:"detail"`
	OccurredAt time.Time         `json:"occurred_at" ch:"occurred_at"`
}
