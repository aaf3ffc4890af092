package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fittrack-auth/internal/audit"
	"fittrack-auth/internal/bruteforce"
	"fittrack-auth/internal/observability"
	"fittrack-auth/internal/session"
	"fittrack-auth/internal/token"
	"fittrack-auth/internal/twofactor"
	"fittrack-auth/internal/user"
)

type SessionStore interface {
	Create(ctx context.Context, userID, sessionID string, meta session.Metadata, expiresAt time.Time) (session.Session, error)
	FindActive(ctx context.Context, sessionID string) (*session.Session, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForUser(ctx context.Context, userID, exceptSessionID string) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]session.Session, error)
}

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*user.User, error)
	FindByID(ctx context.Context, id string) (*user.User, error)
	Create(ctx context.Context, email, username, plainPassword string) (*user.User, error)
}

type Guard interface {
	Check(ctx context.Context, identifier, ip string) error
	RecordFailure(ctx context.Context, identifier, ip, userAgent string) (*time.Time, error)
	Reset(ctx context.Context, identifier, ip string) error
}

type TwoFactorGate interface {
	Enabled(ctx context.Context, userID string) (bool, error)
	VerifyLoginCode(ctx context.Context, userID, code string) (bool, error)
	Setup(ctx context.Context, userID, accountName string) (twofactor.SetupResult, error)
	VerifyAndEnable(ctx context.Context, userID, code string) error
	Disable(ctx context.Context, userID, password, passwordHash string) error
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event)
}

// Service is the login/refresh/logout state machine composing the guard, the
// token service, the session store and the two-factor gate.
type Service struct {
	tokens    *token.Service
	sessions  SessionStore
	users     UserStore
	guard     Guard
	twoFactor TwoFactorGate
	audit     AuditRecorder
	logger    *observability.Logger
}

func NewService(
	tokens *token.Service,
	sessions SessionStore,
	users UserStore,
	guard Guard,
	twoFactor TwoFactorGate,
	auditRecorder AuditRecorder,
	logger *observability.Logger,
) *Service {
	return &Service{
		tokens:    tokens,
		sessions:  sessions,
		users:     users,
		guard:     guard,
		twoFactor: twoFactor,
		audit:     auditRecorder,
		logger:    logger,
	}
}

func (s *Service) RefreshTTL() time.Duration { return s.tokens.RefreshTTL() }

func (s *Service) Register(ctx context.Context, email, username, password string, client Client) (*LoginResult, error) {
	created, err := s.users.Create(ctx, email, username, password)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: created.ID,
		EntityType:  "user",
		Action:      "register",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
	})

	return s.issue(ctx, created, client)
}

// Login runs the full gate sequence: brute-force guard, password check,
// two-factor fork, token issuance. With two-factor enabled it stops at the
// handshake and never returns tokens.
func (s *Service) Login(ctx context.Context, credentials Credentials, client Client) (*LoginResult, error) {
	identifier := strings.TrimSpace(strings.ToLower(credentials.Email))

	if err := s.guard.Check(ctx, identifier, client.IP); err != nil {
		return nil, err
	}

	account, err := s.users.FindByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, s.recordFailure(ctx, identifier, client)
		}
		return nil, err
	}

	if account.Status != user.StatusActive {
		return nil, s.recordFailure(ctx, identifier, client)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(credentials.Password)); err != nil {
		return nil, s.recordFailure(ctx, identifier, client)
	}

	if err := s.guard.Reset(ctx, identifier, client.IP); err != nil {
		return nil, err
	}

	enabled, err := s.twoFactor.Enabled(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if enabled {
		pending, err := s.tokens.SignPending(account.ID)
		if err != nil {
			return nil, err
		}

		s.audit.Record(ctx, audit.Event{
			ActorUserID: account.ID,
			EntityType:  "session",
			Action:      "login",
			Outcome:     "2fa_challenge",
			IP:          client.IP,
			UserAgent:   client.UserAgent,
		})

		return &LoginResult{Requires2FA: true, PendingToken: pending}, nil
	}

	result, err := s.issue(ctx, account, client)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: account.ID,
		EntityType:  "session",
		Action:      "login",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Metadata:    map[string]any{"session_id": result.Session.ID},
	})

	return result, nil
}

// Verify2FALogin completes the two-step handshake: a valid pending token
// proves the password already passed, the TOTP code supplies the second
// factor, and only then are tokens issued.
func (s *Service) Verify2FALogin(ctx context.Context, pendingToken, code string, client Client) (*LoginResult, error) {
	claims, err := s.tokens.VerifyPending(pendingToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	account, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if account.Status != user.StatusActive {
		return nil, ErrUnauthenticated
	}

	valid, err := s.twoFactor.VerifyLoginCode(ctx, account.ID, code)
	if err != nil {
		return nil, err
	}
	if !valid {
		s.audit.Record(ctx, audit.Event{
			ActorUserID: account.ID,
			EntityType:  "session",
			Action:      "login_2fa",
			Outcome:     "invalid_code",
			IP:          client.IP,
			UserAgent:   client.UserAgent,
		})
		return nil, ErrInvalidCredentials
	}

	result, err := s.issue(ctx, account, client)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: account.ID,
		EntityType:  "session",
		Action:      "login_2fa",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Metadata:    map[string]any{"session_id": result.Session.ID},
	})

	return result, nil
}

// Refresh rotates strictly: each refresh token is good for exactly one use.
// The new session is created before the old one is revoked, so a crash in
// between degrades to two valid tokens rather than a locked-out user.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (*LoginResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	current, err := s.sessions.FindActive(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// Structurally valid token against a revoked or expired session:
		// either plain expiry or a replayed rotated token. Fails closed.
		s.audit.Record(ctx, audit.Event{
			ActorUserID: claims.Subject,
			EntityType:  "session",
			Action:      "refresh",
			Outcome:     "rejected",
			IP:          client.IP,
			UserAgent:   client.UserAgent,
			Metadata:    map[string]any{"session_id": claims.ID},
		})
		return nil, ErrUnauthenticated
	}

	account, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if account.Status != user.StatusActive {
		return nil, ErrUnauthenticated
	}

	result, err := s.issue(ctx, account, client)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Revoke(ctx, current.ID); err != nil {
		return nil, err
	}

	return result, nil
}

// Logout never fails visibly: a missing, malformed or already-revoked token
// still yields success.
func (s *Service) Logout(ctx context.Context, refreshToken string, client Client) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return
	}

	if err := s.sessions.Revoke(ctx, claims.ID); err != nil {
		s.logger.Warn("logout_revoke_failed", map[string]any{"error": err.Error()})
		return
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: claims.Subject,
		EntityType:  "session",
		Action:      "logout",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Metadata:    map[string]any{"session_id": claims.ID},
	})
}

func (s *Service) ListSessions(ctx context.Context, userID, currentSessionID string) ([]session.Session, error) {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		sessions[i].IsCurrent = sessions[i].ID == currentSessionID
	}

	return sessions, nil
}

// RevokeSessions honors exactly one of the three modes per call.
func (s *Service) RevokeSessions(ctx context.Context, userID string, request RevokeRequest, client Client) (int64, error) {
	modes := 0
	if request.SessionID != "" {
		modes++
	}
	if request.RevokeAll {
		modes++
	}
	if request.RevokeOthers {
		modes++
	}
	if modes != 1 {
		return 0, ErrSessionUnknown
	}

	var revoked int64
	switch {
	case request.SessionID != "":
		target, err := s.sessions.FindActive(ctx, request.SessionID)
		if err != nil {
			return 0, err
		}
		if target == nil {
			return 0, nil
		}
		if target.UserID != userID {
			return 0, ErrForbidden
		}
		if err := s.sessions.Revoke(ctx, target.ID); err != nil {
			return 0, err
		}
		revoked = 1

	case request.RevokeAll:
		count, err := s.sessions.RevokeAllForUser(ctx, userID, "")
		if err != nil {
			return 0, err
		}
		revoked = count

	case request.RevokeOthers:
		if request.CurrentSessionID == "" {
			return 0, ErrSessionUnknown
		}
		count, err := s.sessions.RevokeAllForUser(ctx, userID, request.CurrentSessionID)
		if err != nil {
			return 0, err
		}
		revoked = count
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: userID,
		EntityType:  "session",
		Action:      "revoke_sessions",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Metadata:    map[string]any{"revoked": revoked},
	})

	return revoked, nil
}

func (s *Service) SetupTwoFactor(ctx context.Context, userID string, client Client) (twofactor.SetupResult, error) {
	account, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return twofactor.SetupResult{}, err
	}

	result, err := s.twoFactor.Setup(ctx, userID, account.Email)
	if err != nil {
		return twofactor.SetupResult{}, err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: userID,
		EntityType:  "two_factor",
		Action:      "setup",
		Outcome:     "pending",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
	})

	return result, nil
}

func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string, client Client) error {
	if err := s.twoFactor.VerifyAndEnable(ctx, userID, code); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: userID,
		EntityType:  "two_factor",
		Action:      "enable",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
	})

	return nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID, password string, client Client) error {
	account, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.twoFactor.Disable(ctx, userID, password, account.PasswordHash); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: userID,
		EntityType:  "two_factor",
		Action:      "disable",
		Outcome:     "success",
		IP:          client.IP,
		UserAgent:   client.UserAgent,
	})

	return nil
}

// recordFailure feeds the guard after a failed password check and maps the
// outcome: a fresh lock surfaces as locked, otherwise invalid credentials.
func (s *Service) recordFailure(ctx context.Context, identifier string, client Client) error {
	until, err := s.guard.RecordFailure(ctx, identifier, client.IP, client.UserAgent)
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		EntityType: "session",
		Action:     "login",
		Outcome:    "invalid_credentials",
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		Metadata:   map[string]any{"identifier": identifier},
	})

	if until != nil {
		return bruteforce.LockedError{Until: *until}
	}

	return ErrInvalidCredentials
}

func (s *Service) issue(ctx context.Context, account *user.User, client Client) (*LoginResult, error) {
	pair, err := s.tokens.IssueTokenPair(account.ID, account.Username, account.Role)
	if err != nil {
		return nil, err
	}

	created, err := s.sessions.Create(ctx, account.ID, pair.SessionID, session.Metadata{
		UserAgent: client.UserAgent,
		IP:        client.IP,
	}, time.Now().UTC().Add(s.tokens.RefreshTTL()))
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: account, Tokens: &pair, Session: &created}, nil
}
