package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"dormauth/internal/models"
	"dormauth/internal/service"
)

// sessionCookieName is the browser-facing session carrier. API clients may
// use an Authorization: Bearer header instead.
const sessionCookieName = "dormauth_session"

type contextKey string

const (
	identityKey contextKey = "auth.identity"
	sessionKey  contextKey = "auth.session"
)

// IdentityFrom returns the authenticated identity placed on the context by
// RequireAuth, or nil outside a protected route.
func IdentityFrom(ctx context.Context) *models.Identity {
	identity, _ := ctx.Value(identityKey).(*models.Identity)
	return identity
}

// SessionFrom returns the session backing the current request.
func SessionFrom(ctx context.Context) *models.Session {
	sess, _ := ctx.Value(sessionKey).(*models.Session)
	return sess
}

// RequireAuth resolves the session token, loads the identity, and rejects
// the request when no valid session is presented.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionTokenFrom(r)
		if token == "" {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrSessionRequired, "Authentication required")
			return
		}

		identity, sess, err := h.auth.ValidateSession(r.Context(), token)
		if err != nil {
			h.clearSessionCookie(w)
			h.respondWithError(w, http.StatusUnauthorized, service.ErrSessionRequired, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		ctx = context.WithValue(ctx, sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on the identity's role. Must run after
// RequireAuth.
func (h *AuthHandler) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity == nil || identity.Role != role {
				h.respondWithError(w, http.StatusForbidden, errors.New("forbidden"), "Insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionTokenFrom extracts the session token from the cookie or the
// Authorization header, cookie first.
func sessionTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.Auth.SessionAbsoluteTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP returns the request's remote address without the port. The
// RealIP middleware has already folded trusted forwarding headers in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
