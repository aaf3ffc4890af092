package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"fittrack-auth/internal/bruteforce"
	"fittrack-auth/internal/httpx"
	"fittrack-auth/internal/observability"
	"fittrack-auth/internal/session"
	"fittrack-auth/internal/token"
	"fittrack-auth/internal/twofactor"
	"fittrack-auth/internal/user"
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service      *Service
	cookieName   string
	cookieSecure bool
}

func NewHandler(service *Service, cookieName string, cookieSecure bool) *Handler {
	return &Handler{service: service, cookieName: cookieName, cookieSecure: cookieSecure}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verify2FARequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	SessionID    string `json:"session_id"`
	RevokeAll    bool   `json:"revoke_all"`
	RevokeOthers bool   `json:"revoke_others"`
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

type twoFactorDisableRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Requires2FA  bool             `json:"requires_2fa"`
	PendingToken string           `json:"pending_token,omitempty"`
	User         *user.User       `json:"user,omitempty"`
	Tokens       *token.Pair      `json:"tokens,omitempty"`
	Session      *session.Session `json:"session,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	details := map[string]string{}
	if !emailRegex.MatchString(strings.TrimSpace(strings.ToLower(body.Email))) {
		details["email"] = "must be a valid email address"
	}
	if !usernameRegex.MatchString(strings.TrimSpace(body.Username)) {
		details["username"] = "must be 3-32 characters of letters, digits, '_', '.' or '-'"
	}
	if len(body.Password) < 8 || len(body.Password) > 200 {
		details["password"] = "must be between 8 and 200 characters"
	}
	if len(details) > 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "invalid registration payload", details)
		return
	}

	result, err := h.service.Register(r.Context(), body.Email, body.Username, body.Password, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	httpx.WriteJSON(w, http.StatusCreated, loginResponse{
		User:    result.User,
		Tokens:  result.Tokens,
		Session: result.Session,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !emailRegex.MatchString(strings.TrimSpace(strings.ToLower(body.Email))) || body.Password == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "email and password are required", nil)
		return
	}

	result, err := h.service.Login(r.Context(), Credentials{Email: body.Email, Password: body.Password}, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if result.Requires2FA {
		httpx.WriteJSON(w, http.StatusOK, loginResponse{
			Requires2FA:  true,
			PendingToken: result.PendingToken,
		})
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		User:    result.User,
		Tokens:  result.Tokens,
		Session: result.Session,
	})
}

func (h *Handler) Verify2FALogin(w http.ResponseWriter, r *http.Request) {
	var body verify2FARequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if strings.TrimSpace(body.PendingToken) == "" || strings.TrimSpace(body.Code) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "pending_token and code are required", nil)
		return
	}

	result, err := h.service.Verify2FALogin(r.Context(), body.PendingToken, body.Code, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		User:    result.User,
		Tokens:  result.Tokens,
		Session: result.Session,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshTokenFromRequest(w, r)
	if refreshToken == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "missing refresh token", nil)
		return
	}

	result, err := h.service.Refresh(r.Context(), refreshToken, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		User:    result.User,
		Tokens:  result.Tokens,
		Session: result.Session,
	})
}

// Logout always answers 204; revocation is best-effort by design.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshTokenFromRequest(w, r)
	if refreshToken != "" {
		h.service.Logout(r.Context(), refreshToken, clientFromRequest(r))
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sessions, err := h.service.ListSessions(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if sessions == nil {
		sessions = []session.Session{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var body revokeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "session_id must be a valid uuid",
				map[string]string{"session_id": "must be a valid uuid"})
			return
		}
	}

	revoked, err := h.service.RevokeSessions(r.Context(), claims.Subject, RevokeRequest{
		SessionID:        sessionID,
		RevokeAll:        body.RevokeAll,
		RevokeOthers:     body.RevokeOthers,
		CurrentSessionID: claims.SessionID,
	}, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	result, err := h.service.SetupTwoFactor(r.Context(), claims.Subject, clientFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) ConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var body twoFactorCodeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "code is required", nil)
		return
	}

	if err := h.service.ConfirmTwoFactor(r.Context(), claims.Subject, body.Code, clientFromRequest(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var body twoFactorDisableRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Password == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "password is required", nil)
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), claims.Subject, body.Password, clientFromRequest(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var locked bruteforce.LockedError
	switch {
	case errors.As(err, &locked):
		retryAfter := locked.RetryAfterSeconds()
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httpx.WriteError(w, r, http.StatusTooManyRequests, httpx.CodeAccountLocked, "too many failed attempts, try again later",
			map[string]string{"retry_after_seconds": strconv.Itoa(retryAfter)})

	case errors.Is(err, ErrInvalidCredentials):
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeInvalidCredentials, "invalid email or password", nil)

	case errors.Is(err, ErrUnauthenticated), errors.Is(err, token.ErrTokenInvalid), errors.Is(err, token.ErrTokenExpired):
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required", nil)

	case errors.Is(err, ErrSessionUnknown):
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeSessionUnknown, "revoke request needs exactly one mode and a known current session", nil)

	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, r, http.StatusForbidden, httpx.CodeForbidden, "not allowed", nil)

	case errors.Is(err, twofactor.ErrInvalidPassword):
		httpx.WriteError(w, r, http.StatusForbidden, httpx.CodeForbidden, "password verification failed", nil)

	case errors.Is(err, twofactor.ErrAlreadyEnabled),
		errors.Is(err, twofactor.ErrNotSetUp),
		errors.Is(err, twofactor.ErrNotEnabled),
		errors.Is(err, twofactor.ErrInvalidCode):
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, err.Error(), nil)

	case errors.Is(err, user.ErrEmailTaken):
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeConflict, err.Error(), nil)

	default:
		sentry.CaptureException(err)
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "internal server error", nil)
	}
}

func (h *Handler) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) string {
	var body refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	_ = json.NewDecoder(r.Body).Decode(&body)

	if tokenValue := strings.TrimSpace(body.RefreshToken); tokenValue != "" {
		return tokenValue
	}

	if cookie, err := r.Cookie(h.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}

	return ""
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, refreshToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    refreshToken,
		Path:     "/auth",
		MaxAge:   int(h.service.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "invalid json body", nil)
		return false
	}
	return true
}

func clientFromRequest(r *http.Request) Client {
	return Client{
		IP:        observability.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}
