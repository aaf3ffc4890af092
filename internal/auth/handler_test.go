package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"fittrack-auth/internal/httpx"
	"fittrack-auth/internal/token"
	"fittrack-auth/internal/user"
)

type errorEnvelope struct {
	Error httpx.ErrorBody `json:"error"`
}

func newHandlerFixture(t *testing.T) (*fixture, *Handler) {
	t.Helper()
	f := newFixture(t)
	return f, NewHandler(f.service, "fittrack_refresh", false)
}

func postJSON(handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func TestLoginHandlerSuccessSetsRefreshCookie(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	recorder := postJSON(handler.Login, "/auth/login", `{"email":"alice@example.com","password":"sup3r-secret"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.False(t, body.Requires2FA)
	require.NotNil(t, body.Tokens)
	require.NotEmpty(t, body.Tokens.AccessToken)
	require.NotEmpty(t, body.Tokens.RefreshToken)

	var refreshCookie *http.Cookie
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == "fittrack_refresh" {
			refreshCookie = cookie
		}
	}
	require.NotNil(t, refreshCookie)
	require.Equal(t, body.Tokens.RefreshToken, refreshCookie.Value)
	require.Equal(t, "/auth", refreshCookie.Path)
	require.True(t, refreshCookie.HttpOnly)
}

func TestLoginHandlerInvalidCredentialsEnvelope(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	recorder := postJSON(handler.Login, "/auth/login", `{"email":"alice@example.com","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeInvalidCredentials, envelope.Error.Code)
}

func TestLoginHandlerLockoutHasRetryAfter(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	var recorder *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		recorder = postJSON(handler.Login, "/auth/login", `{"email":"alice@example.com","password":"wrong"}`)
	}
	require.Equal(t, http.StatusTooManyRequests, recorder.Code)
	require.NotEmpty(t, recorder.Header().Get("Retry-After"))

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeAccountLocked, envelope.Error.Code)
	require.Contains(t, envelope.Error.Details, "retry_after_seconds")
}

func TestLoginHandlerValidation(t *testing.T) {
	_, handler := newHandlerFixture(t)

	recorder := postJSON(handler.Login, "/auth/login", `{"email":"not-an-email","password":""}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postJSON(handler.Login, "/auth/login", `{"email":`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRegisterHandlerFieldErrors(t *testing.T) {
	_, handler := newHandlerFixture(t)

	recorder := postJSON(handler.Register, "/auth/register", `{"email":"bad","username":"x","password":"short"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeValidation, envelope.Error.Code)
	require.Contains(t, envelope.Error.Details, "email")
	require.Contains(t, envelope.Error.Details, "username")
	require.Contains(t, envelope.Error.Details, "password")
}

func TestRegisterHandlerDuplicateEmailConflict(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	recorder := postJSON(handler.Register, "/auth/register", `{"email":"alice@example.com","username":"alice2","password":"sup3r-secret"}`)
	require.Equal(t, http.StatusConflict, recorder.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeConflict, envelope.Error.Code)
}

func TestLogoutHandlerAlways204(t *testing.T) {
	_, handler := newHandlerFixture(t)

	recorder := postJSON(handler.Logout, "/auth/logout", `{"refresh_token":"garbage"}`)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = postJSON(handler.Logout, "/auth/logout", ``)
	require.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestRefreshHandlerReadsCookie(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	login := postJSON(handler.Login, "/auth/login", `{"email":"alice@example.com","password":"sup3r-secret"}`)
	require.Equal(t, http.StatusOK, login.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{}`))
	for _, cookie := range login.Result().Cookies() {
		req.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	handler.Refresh(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.NotNil(t, body.Tokens)
}

func TestRefreshHandlerMissingToken(t *testing.T) {
	_, handler := newHandlerFixture(t)

	recorder := postJSON(handler.Refresh, "/auth/refresh", `{}`)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeUnauthenticated, envelope.Error.Code)
}

func TestRevokeSessionsHandlerRejectsMalformedSessionID(t *testing.T) {
	f, handler := newHandlerFixture(t)
	account := f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	claims := &token.Claims{SessionID: "0192aaaa-0000-7000-8000-000000000001"}
	claims.Subject = account.ID

	req := httptest.NewRequest(http.MethodPost, "/auth/sessions/revoke", strings.NewReader(`{"session_id":"not-a-uuid"}`))
	req = req.WithContext(context.WithValue(req.Context(), claimsKey, claims))
	recorder := httptest.NewRecorder()
	handler.RevokeSessions(recorder, req)

	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeValidation, envelope.Error.Code)
	require.Contains(t, envelope.Error.Details, "session_id")
}

func TestRequireAuthRejectsMissingAndBadTokens(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	protected := RequireAuth(f.service.tokens, http.HandlerFunc(handler.ListSessions))

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	req = httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	recorder = httptest.NewRecorder()
	protected.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRequireAuthPassesClaimsToListSessions(t *testing.T) {
	f, handler := newHandlerFixture(t)
	f.users.add("alice@example.com", "sup3r-secret", user.StatusActive)

	login := postJSON(handler.Login, "/auth/login", `{"email":"alice@example.com","password":"sup3r-secret"}`)
	require.Equal(t, http.StatusOK, login.Code)

	var loginBody loginResponse
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &loginBody))

	protected := RequireAuth(f.service.tokens, http.HandlerFunc(handler.ListSessions))
	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+loginBody.Tokens.AccessToken)
	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		Sessions []struct {
			ID        string `json:"id"`
			IsCurrent bool   `json:"is_current"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	require.True(t, body.Sessions[0].IsCurrent)
}
