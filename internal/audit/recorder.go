package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dormauth/internal/models"
)

// Recorder receives security events after the fact. Implementations are
// best-effort: a recording failure must never fail or roll back the
// mutation that produced the event.
type Recorder interface {
	Record(rec *models.AuditRecord)
}

// redactedKeys are stripped from event detail before any sink sees it.
var redactedKeys = []string{
	"password", "password_hash", "new_password", "current_password",
	"mfa_secret", "backup_code", "backup_codes",
	"reset_code", "reset_token", "token", "secret",
}

// prepare fills in record identity and scrubs sensitive detail keys.
func prepare(rec *models.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	for _, key := range redactedKeys {
		delete(rec.Detail, key)
	}
}

// Noop discards events; used in tests and as a fallback when no sink is
// configured.
type Noop struct{}

func (Noop) Record(*models.AuditRecord) {}

// detachedContext returns a context independent of the request that
// produced the event, so recording outlives the request.
func detachedContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
