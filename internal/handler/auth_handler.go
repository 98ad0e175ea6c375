package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dormauth/internal/config"
	"dormauth/internal/policy"
	"dormauth/internal/service"
	"dormauth/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AuthHandler handles HTTP requests for the authentication surface
type AuthHandler struct {
	auth   *service.AuthService
	cfg    *config.Config
	logger *zap.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(auth *service.AuthService, cfg *config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		cfg:    cfg,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// loginResponse is the payload returned once a session is granted.
type loginResponse struct {
	SessionToken         string               `json:"session_token,omitempty"`
	MFARequired          bool                 `json:"mfa_required,omitempty"`
	MFAToken             string               `json:"mfa_token,omitempty"`
	MFAMethod            string               `json:"mfa_method,omitempty"`
	PasswordExpiry       *policy.ExpiryStatus `json:"password_expiry,omitempty"`
	MustChangePassword   bool                 `json:"must_change_password,omitempty"`
	BackupCodesRemaining *int                 `json:"backup_codes_remaining,omitempty"`
	BackupCodesLow       bool                 `json:"backup_codes_low,omitempty"`
}

func toLoginResponse(result *service.LoginResult) loginResponse {
	resp := loginResponse{
		SessionToken:       result.SessionToken,
		MFARequired:        result.MFARequired,
		MFAToken:           result.MFAToken,
		MFAMethod:          result.MFAMethod,
		PasswordExpiry:     result.PasswordExpiry,
		MustChangePassword: result.MustChangePassword,
	}
	if result.BackupCodesRemaining > 0 || result.BackupCodesLow {
		remaining := result.BackupCodesRemaining
		resp.BackupCodesRemaining = &remaining
		resp.BackupCodesLow = result.BackupCodesLow
	}
	return resp
}

// RegisterRoutes registers all authentication routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Post("/mfa/verify", h.VerifyMFA)
		r.Post("/mfa/backup", h.RedeemBackupCode)
		r.Post("/password/forgot", h.ForgotPassword)
		r.Post("/password/verify-code", h.VerifyResetCode)
		r.Post("/password/reset", h.ResetPassword)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/me", h.Me)
			r.Post("/password/change", h.ChangePassword)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
			r.Post("/sessions/revoke-all", h.RevokeAllSessions)
			r.Post("/mfa/setup", h.SetupMFA)
			r.Post("/mfa/setup/complete", h.CompleteMFASetup)
			r.Post("/mfa/disable", h.DisableMFA)
			r.Post("/mfa/backup-codes/regenerate", h.RegenerateBackupCodes)
			r.Post("/deactivate", h.Deactivate)
		})
	})
}

// Register handles account creation
// @Summary Register a new account
// @Tags auth
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Phone    string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identity, err := h.auth.Register(ctx, req.Name, req.Email, req.Password, req.Phone, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"identity_id": identity.ID,
	}, "Account created successfully"))
	h.logger.Info("Account registered via HTTP",
		util.String("identity_id", identity.ID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

// Login handles credential verification
// @Summary Log in with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.Login(ctx, req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Login failed")
		return
	}

	message := "Login successful"
	if result.MFARequired {
		message = "MFA verification required"
	} else {
		h.setSessionCookie(w, result.SessionToken)
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), message))
	h.logger.Info("Login processed via HTTP",
		util.Bool("mfa_required", result.MFARequired),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// VerifyMFA completes a login with a TOTP code
// @Summary Verify an MFA challenge
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/verify [post]
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		MFAToken string `json:"mfa_token"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.VerifyMFA(ctx, req.MFAToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "MFA verification failed")
		return
	}

	h.setSessionCookie(w, result.SessionToken)
	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), "Login successful"))
}

// RedeemBackupCode completes a login with a backup code
// @Summary Redeem a backup code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/backup [post]
func (h *AuthHandler) RedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		MFAToken string `json:"mfa_token"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.RedeemBackupCode(ctx, req.MFAToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Backup code verification failed")
		return
	}

	message := "Login successful"
	if result.BackupCodesLow {
		message = fmt.Sprintf("Login successful. Only %d backup codes remain; regenerate soon", result.BackupCodesRemaining)
	}

	h.setSessionCookie(w, result.SessionToken)
	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), message))
}

// Logout revokes the presented session
// @Summary Log out
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Logout succeeds even with no or an unknown token.
	if token := sessionTokenFrom(r); token != "" {
		if err := h.auth.Logout(ctx, token, clientIP(r), r.UserAgent()); err != nil {
			h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
			return
		}
	}

	h.clearSessionCookie(w)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// Me returns the authenticated identity's own profile
// @Summary Get current identity
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	sess := SessionFrom(r.Context())

	data := map[string]interface{}{
		"identity_id": identity.ID,
		"name":        identity.Name,
		"role":        identity.Role,
		"mfa_state":   identity.MFAState,
		"created_at":  identity.CreatedAt,
	}
	if sess != nil {
		data["session_id"] = sess.ID
	}
	if identity.LastLoginAt != nil {
		data["last_login_at"] = identity.LastLoginAt
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Identity retrieved successfully"))
}

// ChangePassword rotates the password for the authenticated identity
// @Summary Change password
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /auth/password/change [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ChangePassword(ctx, identity, req.CurrentPassword, req.NewPassword, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Password change failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed successfully"))
}

// ForgotPassword starts the email reset flow
// @Summary Request a password reset code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /auth/password/forgot [post]
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ForgotPassword(ctx, req.Email, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Could not send reset code")
		return
	}

	// Identical response whether or not the address is registered.
	h.respondWithJSON(w, http.StatusOK, successResponse(nil,
		"If that email is registered, a reset code has been sent"))
}

// VerifyResetCode exchanges an emailed code for a reset grant
// @Summary Verify a password reset code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/password/verify-code [post]
func (h *AuthHandler) VerifyResetCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	grant, err := h.auth.VerifyResetCode(ctx, req.Email, req.Code)
	if err != nil {
		h.respondWithServiceError(w, err, "Code verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"reset_token": grant,
	}, "Code verified"))
}

// ResetPassword sets a new password using a reset grant
// @Summary Reset password with a grant token
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email       string `json:"email"`
		ResetToken  string `json:"reset_token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ResetPassword(ctx, req.Email, req.ResetToken, req.NewPassword, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Password reset failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password reset successfully"))
}

// ListSessions returns the caller's active sessions
// @Summary List active sessions
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/sessions [get]
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	currentID := ""
	if sess := SessionFrom(ctx); sess != nil {
		currentID = sess.ID
	}

	sessions, err := h.auth.ListSessions(ctx, identity, currentID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list sessions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, "Sessions retrieved successfully"))
}

// RevokeSession deletes one of the caller's sessions by id
// @Summary Revoke a session
// @Tags auth
// @Produce json
// @Param sessionID path string true "Session ID"
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/sessions/{sessionID} [delete]
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("session id is required"), "Session ID is required")
		return
	}

	if err := h.auth.RevokeSession(ctx, identity, sessionID, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Failed to revoke session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

// RevokeAllSessions logs the caller out everywhere
// @Summary Revoke all sessions
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/sessions/revoke-all [post]
func (h *AuthHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	n, err := h.auth.RevokeAllSessions(ctx, identity, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to revoke sessions")
		return
	}

	h.clearSessionCookie(w)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{
		"revoked": n,
	}, "All sessions revoked"))
}

// SetupMFA starts TOTP enrollment
// @Summary Begin MFA setup
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/setup [post]
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	secret, uri, err := h.auth.SetupMFA(ctx, identity, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to start MFA setup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"secret":           secret,
		"provisioning_uri": uri,
	}, "Scan the code with your authenticator app, then confirm with a code"))
}

// CompleteMFASetup verifies the first TOTP code and enables MFA
// @Summary Complete MFA setup
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/setup/complete [post]
func (h *AuthHandler) CompleteMFASetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	codes, err := h.auth.CompleteMFASetup(ctx, identity, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to complete MFA setup")
		return
	}

	// Backup codes are shown exactly once.
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": codes,
	}, "MFA enabled. Store these backup codes somewhere safe; they will not be shown again"))
}

// DisableMFA turns MFA off after a fresh password proof
// @Summary Disable MFA
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/disable [post]
func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.DisableMFA(ctx, identity, req.Password, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Failed to disable MFA")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "MFA disabled"))
}

// RegenerateBackupCodes replaces all backup codes
// @Summary Regenerate backup codes
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/mfa/backup-codes/regenerate [post]
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	codes, err := h.auth.RegenerateBackupCodes(ctx, identity, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to regenerate backup codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": codes,
	}, "Backup codes replaced. Previous codes no longer work"))
}

// Deactivate tombstones the caller's account
// @Summary Deactivate account
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/deactivate [post]
func (h *AuthHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := IdentityFrom(ctx)

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.Deactivate(ctx, identity, req.Password, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithServiceError(w, err, "Failed to deactivate account")
		return
	}

	h.clearSessionCookie(w)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account deactivated"))
	h.logger.Warn("Account deactivated via HTTP",
		util.String("identity_id", identity.ID),
		util.String("method", "Deactivate"),
	)
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithServiceError maps service errors to HTTP responses, attaching
// structured detail for validation and lockout cases.
func (h *AuthHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		resp := errorResponse(err, message)
		resp.Data = map[string]interface{}{"violations": verr.Violations}
		h.respondWithJSON(w, http.StatusBadRequest, resp)
		return
	}

	var lerr *service.LockoutError
	if errors.As(err, &lerr) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(lerr.RetryAfter.Seconds())))
		h.respondWithJSON(w, http.StatusTooManyRequests, errorResponse(err, message))
		return
	}

	var aerr *service.AuthAttemptError
	if errors.As(err, &aerr) {
		resp := errorResponse(service.ErrInvalidCredentials, message)
		if aerr.Warn {
			resp.Data = map[string]interface{}{"attempts_left": aerr.AttemptsLeft}
			resp.Message = fmt.Sprintf("Invalid credentials. %d attempts remain before the account is locked", aerr.AttemptsLeft)
		}
		h.respondWithJSON(w, http.StatusUnauthorized, resp)
		return
	}

	h.respondWithError(w, h.getStatusCode(err), err, message)
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrSessionRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrMFANotEnabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
