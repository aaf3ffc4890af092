package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, userID, sessionID string, meta Metadata, expiresAt time.Time) (Session, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, userID, meta.UserAgent, meta.IP, now, expiresAt.UTC())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	return Session{
		ID:        sessionID,
		UserID:    userID,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
		CreatedAt: now,
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// FindActive returns the session only while it is neither revoked nor
// expired; a revoked-but-structurally-valid refresh token lands on the nil
// path, which callers must treat as unauthenticated.
func (s *Store) FindActive(ctx context.Context, sessionID string) (*Session, error) {
	var found Session
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, user_agent, ip_address, created_at, expires_at, revoked_at
		FROM auth_sessions
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > NOW()
	`, sessionID).Scan(&found.ID, &found.UserID, &found.UserAgent, &found.IP, &found.CreatedAt, &found.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active session: %w", err)
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		found.RevokedAt = &value
	}

	return &found, nil
}

// Revoke is idempotent: an already-revoked session keeps its original
// revocation timestamp.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

// RevokeAllForUser revokes every active session, optionally sparing one. The
// exception runs as its own statement so the parameter is only ever compared
// against the uuid id column; a single query reusing it as both text and uuid
// does not plan.
func (s *Store) RevokeAllForUser(ctx context.Context, userID, exceptSessionID string) (int64, error) {
	var res sql.Result
	var err error
	if exceptSessionID == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE auth_sessions
			SET revoked_at = $2
			WHERE user_id = $1
			  AND revoked_at IS NULL
			  AND expires_at > NOW()
		`, userID, time.Now().UTC())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE auth_sessions
			SET revoked_at = $2
			WHERE user_id = $1
			  AND revoked_at IS NULL
			  AND expires_at > NOW()
			  AND id <> $3
		`, userID, time.Now().UTC(), exceptSessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoked sessions rows affected: %w", err)
	}

	return affected, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_agent, ip_address, created_at, expires_at, revoked_at
		FROM auth_sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var item Session
		var revokedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.UserID, &item.UserAgent, &item.IP, &item.CreatedAt, &item.ExpiresAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if revokedAt.Valid {
			value := revokedAt.Time.UTC()
			item.RevokedAt = &value
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}
