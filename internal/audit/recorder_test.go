package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dormauth/internal/models"
)

func TestPrepareRedactsSensitiveDetail(t *testing.T) {
	rec := &models.AuditRecord{
		Event:      models.EventPasswordChange,
		IdentityID: "identity-1",
		Detail: map[string]string{
			"password":      "Correct123!Horse",
			"password_hash": "$argon2id$...",
			"mfa_secret":    "JBSWY3DPEHPK3PXP",
			"reset_token":   "eyJhbGciOi...",
			"ip_country":    "IN",
		},
	}

	prepare(rec)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.OccurredAt.IsZero())
	assert.NotContains(t, rec.Detail, "password")
	assert.NotContains(t, rec.Detail, "password_hash")
	assert.NotContains(t, rec.Detail, "mfa_secret")
	assert.NotContains(t, rec.Detail, "reset_token")
	assert.Equal(t, "IN", rec.Detail["ip_country"])
}

func TestPrepareKeepsExistingID(t *testing.T) {
	rec := &models.AuditRecord{ID: "fixed-id", Event: models.EventLoginSuccess}
	prepare(rec)
	assert.Equal(t, "fixed-id", rec.ID)
}
