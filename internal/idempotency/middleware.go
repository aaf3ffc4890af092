package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"fittrack-auth/internal/observability"
)

const (
	headerKey      = "Idempotency-Key"
	headerReplayed = "Idempotent-Replayed"

	maxFingerprintBodyBytes = 1 << 20
)

type resolver interface {
	Resolve(ctx context.Context, key Key, fingerprint string) (Resolution, error)
	Persist(ctx context.Context, recordID string, status int, body []byte) error
}

// Middleware deduplicates mutating requests that carry an Idempotency-Key
// header. Requests without the header bypass it entirely, and coordinator
// failures fail open: losing dedup beats losing availability.
type Middleware struct {
	store           resolver
	logger          *observability.Logger
	userFromRequest func(*http.Request) string
}

func NewMiddleware(store resolver, logger *observability.Logger, userFromRequest func(*http.Request) string) *Middleware {
	return &Middleware{store: store, logger: logger, userFromRequest: userFromRequest}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyValue := strings.TrimSpace(r.Header.Get(headerKey))
		if keyValue == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set(headerKey, keyValue)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBodyBytes))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := sha256.Sum256(body)
		key := Key{
			UserID: m.userFromRequest(r),
			Method: r.Method,
			Route:  r.URL.Path,
			Value:  keyValue,
		}

		resolution, err := m.store.Resolve(r.Context(), key, hex.EncodeToString(fingerprint[:]))
		if err != nil {
			sentry.CaptureException(err)
			m.logger.Error("idempotency_resolve_failed", map[string]any{
				"error":      err.Error(),
				"route":      key.Route,
				"request_id": observability.RequestIDFromContext(r.Context()),
			})
			next.ServeHTTP(w, r)
			return
		}

		if resolution.Kind == ResolutionReplay {
			w.Header().Set(headerReplayed, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resolution.ResponseStatus)
			_, _ = w.Write(resolution.ResponseBody)
			return
		}

		recorder := &responseBuffer{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// 5xx results are not stored; a retry should get a fresh execution.
		if recorder.statusCode >= http.StatusInternalServerError {
			return
		}

		if err := m.store.Persist(r.Context(), resolution.RecordID, recorder.statusCode, recorder.body.Bytes()); err != nil {
			m.logger.Error("idempotency_persist_failed", map[string]any{
				"error":      err.Error(),
				"route":      key.Route,
				"request_id": observability.RequestIDFromContext(r.Context()),
			})
		}
	})
}

type responseBuffer struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseBuffer) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseBuffer) Write(data []byte) (int, error) {
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}
