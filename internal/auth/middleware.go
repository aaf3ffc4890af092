package auth

import (
	"context"
	"net/http"
	"strings"

	"fittrack-auth/internal/httpx"
	"fittrack-auth/internal/token"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// RequireAuth verifies the bearer access token purely cryptographically and
// stores the claims in the request context. No store lookup happens here;
// revocation is enforced where the session actually matters.
func RequireAuth(tokens *token.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "missing authorization token", nil)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "invalid authorization format", nil)
			return
		}

		claims, err := tokens.VerifyAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "invalid or expired token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClaimsFromContext(ctx context.Context) *token.Claims {
	if claims, ok := ctx.Value(claimsKey).(*token.Claims); ok {
		return claims
	}
	return nil
}

// UserIDFromRequest is the identity extractor handed to the idempotency
// middleware; anonymous requests scope their keys to the empty user.
func UserIDFromRequest(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
