package auth

import "errors"

var (
	// ErrInvalidCredentials covers both a wrong password and a missing
	// account, indistinguishable from outside to block enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthenticated covers missing, malformed, expired and
	// revoked-then-reused tokens alike.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrSessionUnknown marks an ambiguous revoke request.
	ErrSessionUnknown = errors.New("current session unknown")

	// ErrForbidden marks cross-user session access.
	ErrForbidden = errors.New("forbidden")
)
