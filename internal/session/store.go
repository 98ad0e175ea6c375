package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dormauth/internal/config"
	"dormauth/internal/models"
	"dormauth/internal/util"
)

// ErrSessionNotFound covers both an unknown token and an expired session;
// callers must not be able to tell the two apart.
var ErrSessionNotFound = errors.New("session: not found or expired")

// Backend is the shared storage behind the Store. Admit must serialize
// per identity so concurrent logins near the cap cannot leave more than
// cap live sessions.
type Backend interface {
	// Admit stores s under token, first evicting the identity's
	// oldest-by-creation active sessions until fewer than cap remain.
	// A session is active when its last activity is within idle and its
	// absolute expiry has not passed. Returns the evicted session ids.
	Admit(ctx context.Context, token string, s *models.Session, cap int, idle time.Duration) ([]string, error)
	Get(ctx context.Context, token string) (*models.Session, error)
	Touch(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, token string) error
	// DeleteByID removes one of identityID's sessions by session id.
	DeleteByID(ctx context.Context, identityID, sessionID string) (bool, error)
	// DeleteAll removes every session of identityID, returning the count.
	DeleteAll(ctx context.Context, identityID string) (int, error)
	List(ctx context.Context, identityID string) ([]*models.Session, error)
}

// Store enforces the session lifecycle: concurrency cap with
// evict-oldest admission, idle timeout and absolute expiry, both checked
// lazily at validation time.
type Store struct {
	backend Backend
	cap     int
	idle    time.Duration
	absTTL  time.Duration
	now     func() time.Time
}

func NewStore(backend Backend, cfg *config.AuthConfig) *Store {
	return &Store{
		backend: backend,
		cap:     cfg.SessionCap,
		idle:    cfg.SessionIdleTimeout,
		absTTL:  cfg.SessionAbsoluteTTL,
		now:     time.Now,
	}
}

// Create admits a new session for identityID and returns it with its
// bearer token. Admission may evict the identity's oldest session.
func (s *Store) Create(ctx context.Context, identityID, agent, ip string) (*models.Session, string, error) {
	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	sess := &models.Session{
		ID:           uuid.New().String(),
		IdentityID:   identityID,
		IP:           ip,
		UserAgent:    agent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.absTTL),
	}

	evicted, err := s.backend.Admit(ctx, token, sess, s.cap, s.idle)
	if err != nil {
		return nil, "", fmt.Errorf("admitting session: %w", err)
	}
	for _, id := range evicted {
		util.Info("session evicted at cap",
			util.String("identity_id", identityID),
			util.String("session_id", id))
	}
	return sess, token, nil
}

// Validate resolves token to a live session. Expired sessions are
// deleted on sight and reported as not found.
func (s *Store) Validate(ctx context.Context, token string) (*models.Session, error) {
	sess, err := s.backend.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if s.expired(sess) {
		_ = s.backend.Delete(ctx, token)
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch refreshes the idle timer. Called on every authenticated request.
func (s *Store) Touch(ctx context.Context, token string) error {
	return s.backend.Touch(ctx, token, s.now())
}

// Revoke deletes the session presented by token. Unknown tokens succeed;
// logout is idempotent.
func (s *Store) Revoke(ctx context.Context, token string) error {
	err := s.backend.Delete(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// RevokeByID deletes one of identityID's sessions by id, for the
// session-management surface. Reports whether a session was removed.
func (s *Store) RevokeByID(ctx context.Context, identityID, sessionID string) (bool, error) {
	return s.backend.DeleteByID(ctx, identityID, sessionID)
}

// RevokeAll deletes every session of identityID.
func (s *Store) RevokeAll(ctx context.Context, identityID string) (int, error) {
	return s.backend.DeleteAll(ctx, identityID)
}

// ListActive returns the identity's live sessions, oldest first, marking
// the one matching currentID.
func (s *Store) ListActive(ctx context.Context, identityID, currentID string) ([]models.SessionInfo, error) {
	sessions, err := s.backend.List(ctx, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		if s.expired(sess) {
			continue
		}
		out = append(out, models.SessionInfo{
			ID:           sess.ID,
			IP:           sess.IP,
			UserAgent:    sess.UserAgent,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			Current:      sess.ID == currentID,
		})
	}
	return out, nil
}

func (s *Store) expired(sess *models.Session) bool {
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		return true
	}
	return now.Sub(sess.LastActivity) > s.idle
}

// generateToken returns 256 bits from the CSPRNG, base64url encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
