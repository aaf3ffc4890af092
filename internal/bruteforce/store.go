package bruteforce

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

// RecordFailure increments the pair counter and recomputes the lock window in
// one statement, so concurrent failed-login bursts cannot lose updates.
func (s *Store) RecordFailure(ctx context.Context, identifier, ip, userAgent string, now time.Time) (Attempt, error) {
	attempt := Attempt{Identifier: identifier, IP: ip, UserAgent: userAgent}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auth_login_attempts (identifier, ip_address, user_agent, attempt_count, locked_until, first_attempt_at, last_attempt_at)
		VALUES ($1, $2, $3, 1, NULL, $4, $4)
		ON CONFLICT (identifier, ip_address) DO UPDATE SET
			attempt_count   = auth_login_attempts.attempt_count + 1,
			user_agent      = EXCLUDED.user_agent,
			last_attempt_at = EXCLUDED.last_attempt_at,
			locked_until = CASE
				WHEN auth_login_attempts.attempt_count + 1 >= $5 THEN EXCLUDED.last_attempt_at + make_interval(mins => $8)
				WHEN auth_login_attempts.attempt_count + 1 >= $6 THEN EXCLUDED.last_attempt_at + make_interval(mins => $9)
				WHEN auth_login_attempts.attempt_count + 1 >= $7 THEN EXCLUDED.last_attempt_at + make_interval(mins => $10)
				ELSE NULL
			END
		RETURNING attempt_count, locked_until, first_attempt_at, last_attempt_at
	`, identifier, ip, userAgent, now.UTC(),
		tierLongAttempts, tierMediumAttempts, tierShortAttempts,
		int(tierLongWindow.Minutes()), int(tierMediumWindow.Minutes()), int(tierShortWindow.Minutes()),
	).Scan(&attempt.Count, &lockedUntil, &attempt.FirstAttemptAt, &attempt.LastAttemptAt)
	if err != nil {
		return Attempt{}, fmt.Errorf("upsert failed login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RecordIPFailure bumps the per-address aggregate. The identifier set lives
// in a side table so the distinct count stays correct under concurrency; the
// whole thing is a single statement.
func (s *Store) RecordIPFailure(ctx context.Context, ip, identifier string, now time.Time) (IPAttempt, error) {
	attempt := IPAttempt{IP: ip}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		WITH seen AS (
			INSERT INTO auth_login_ip_identifiers (ip_address, identifier, first_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (ip_address, identifier) DO NOTHING
			RETURNING 1
		)
		INSERT INTO auth_login_ip_attempts (ip_address, distinct_identifier_count, total_attempt_count, locked_until, first_attempt_at, last_attempt_at)
		VALUES ($1, 1, 1, NULL, $3, $3)
		ON CONFLICT (ip_address) DO UPDATE SET
			total_attempt_count       = auth_login_ip_attempts.total_attempt_count + 1,
			distinct_identifier_count = auth_login_ip_attempts.distinct_identifier_count + (SELECT COUNT(*) FROM seen),
			last_attempt_at           = $3,
			locked_until = CASE
				WHEN auth_login_ip_attempts.total_attempt_count + 1 >= $4
					OR auth_login_ip_attempts.distinct_identifier_count + (SELECT COUNT(*) FROM seen) >= $5
				THEN $3::timestamptz + make_interval(mins => $6)
				ELSE auth_login_ip_attempts.locked_until
			END
		RETURNING distinct_identifier_count, total_attempt_count, locked_until, first_attempt_at, last_attempt_at
	`, ip, identifier, now.UTC(),
		maxIPAttempts, maxIPDistinctIdentifiers, int(ipLockWindow.Minutes()),
	).Scan(&attempt.DistinctIdentifiers, &attempt.TotalAttempts, &lockedUntil, &attempt.FirstAttemptAt, &attempt.LastAttemptAt)
	if err != nil {
		return IPAttempt{}, fmt.Errorf("upsert failed login ip attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (s *Store) Get(ctx context.Context, identifier, ip string) (*Attempt, error) {
	attempt := Attempt{Identifier: identifier, IP: ip}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_agent, attempt_count, locked_until, first_attempt_at, last_attempt_at
		FROM auth_login_attempts
		WHERE identifier = $1 AND ip_address = $2
	`, identifier, ip).Scan(&attempt.UserAgent, &attempt.Count, &lockedUntil, &attempt.FirstAttemptAt, &attempt.LastAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return &attempt, nil
}

func (s *Store) GetIP(ctx context.Context, ip string) (*IPAttempt, error) {
	attempt := IPAttempt{IP: ip}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT distinct_identifier_count, total_attempt_count, locked_until, first_attempt_at, last_attempt_at
		FROM auth_login_ip_attempts
		WHERE ip_address = $1
	`, ip).Scan(&attempt.DistinctIdentifiers, &attempt.TotalAttempts, &lockedUntil, &attempt.FirstAttemptAt, &attempt.LastAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query login ip attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return &attempt, nil
}

// Reset physically removes the pair row after a successful password check.
func (s *Store) Reset(ctx context.Context, identifier, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE identifier = $1 AND ip_address = $2
	`, identifier, ip)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}
