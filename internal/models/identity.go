package models

import "time"

// MFA lifecycle states. The state is explicit rather than inferred from
// which optional fields happen to be set.
const (
	MFADisabled     = "disabled"
	MFAPendingSetup = "pending_setup"
	MFAEnabled      = "enabled"
)

// Identity is the durable account record. Tombstoned via Active, never
// hard-deleted, so audit records stay resolvable.
type Identity struct {
	UserBucket         int             `db:"user_bucket"`
	ID                 string          `db:"identity_id"`
	Name               string          `db:"name"`
	EmailHash          string          `db:"email_hash"`
	EmailEncrypted     []byte          `db:"email_encrypted"`
	EmailKeyID         string          `db:"email_key_id"`
	PhoneEncrypted     []byte          `db:"phone_encrypted"`
	PhoneKeyID         string          `db:"phone_key_id"`
	PasswordHash       string          `db:"password_hash"`
	Role               string          `db:"role"`
	Active             bool            `db:"active"`
	PasswordChangedAt  time.Time       `db:"password_changed_at"`
	PasswordExpiresAt  time.Time       `db:"password_expires_at"`
	MustChangePassword bool            `db:"must_change_password"`
	MFAState           string          `db:"mfa_state"`
	MFASecretEncrypted []byte          `db:"mfa_secret_encrypted"`
	MFASecretKeyID     string          `db:"mfa_secret_key_id"`
	BackupCodeHashes   map[string]bool `db:"backup_code_hashes"`
	FailedAttempts     int             `db:"failed_attempts"`
	LockedUntil        *time.Time      `db:"locked_until"`
	LastLoginAt        *time.Time      `db:"last_login_at"`
	LastLoginIP        string          `db:"last_login_ip"`
	LastLoginAgent     string          `db:"last_login_agent"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// UnusedBackupCodes counts backup codes not yet redeemed.
func (i *Identity) UnusedBackupCodes() int {
	n := 0
	for _, used := range i.BackupCodeHashes {
		if !used {
			n++
		}
	}
	return n
}
