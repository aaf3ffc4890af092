package auth

import (
	"fittrack-auth/internal/session"
	"fittrack-auth/internal/token"
	"fittrack-auth/internal/user"
)

type Credentials struct {
	Email    string
	Password string
}

// Client is the device context captured from the request.
type Client struct {
	IP        string
	UserAgent string
}

// LoginResult is the outcome of a password check: either a completed login
// with tokens, or a pending two-factor handshake that carries no tokens.
type LoginResult struct {
	Requires2FA  bool
	PendingToken string
	User         *user.User
	Tokens       *token.Pair
	Session      *session.Session
}

// RevokeRequest selects exactly one revocation mode.
type RevokeRequest struct {
	SessionID        string
	RevokeAll        bool
	RevokeOthers     bool
	CurrentSessionID string
}
