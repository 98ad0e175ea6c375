package models

import "time"

// Session is the server-side session record keyed by an opaque token.
type Session struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identity_id"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IdleDeadline returns the moment the session dies from inactivity.
func (s *Session) IdleDeadline(idle time.Duration) time.Time {
	return s.LastActivity.Add(idle)
}

// SessionInfo is the redacted view returned to the session owner.
type SessionInfo struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Current      bool      `json:"current"`
}
