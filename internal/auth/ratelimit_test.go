package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fittrack-auth/internal/httpx"
)

func hitLimiter(limiter *LoginRateLimiter, ip string) *httptest.ResponseRecorder {
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", ip)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestLoginRateLimiterShedsFloods(t *testing.T) {
	limiter := NewLoginRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hitLimiter(limiter, "9.9.9.9").Code)
	}

	recorder := hitLimiter(limiter, "9.9.9.9")
	require.Equal(t, http.StatusTooManyRequests, recorder.Code)
	require.NotEmpty(t, recorder.Header().Get("Retry-After"))

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpx.CodeAccountLocked, envelope.Error.Code)

	// Other addresses are unaffected.
	require.Equal(t, http.StatusOK, hitLimiter(limiter, "8.8.8.8").Code)
}

func TestLoginRateLimiterWindowSlides(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute)
	base := time.Now().UTC()

	allowed, _ := limiter.allow("ip", base)
	require.True(t, allowed)
	allowed, _ = limiter.allow("ip", base.Add(time.Second))
	require.True(t, allowed)

	allowed, retryAfter := limiter.allow("ip", base.Add(2*time.Second))
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))

	// The oldest hit ages out of the window and the address recovers.
	allowed, _ = limiter.allow("ip", base.Add(time.Minute+2*time.Second))
	require.True(t, allowed)
}
