package twofactor

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

func (s *Store) Get(ctx context.Context, userID string) (*Setting, error) {
	setting := Setting{UserID: userID}

	var lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT totp_secret, is_enabled, is_verified, created_at, last_used_at
		FROM auth_two_factor
		WHERE user_id = $1
	`, userID).Scan(&setting.Secret, &setting.Enabled, &setting.Verified, &setting.CreatedAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query two-factor setting: %w", err)
	}
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		setting.LastUsedAt = &value
	}

	return &setting, nil
}

// SavePending overwrites any unverified secret; re-running setup before
// verification simply rotates the pending secret.
func (s *Store) SavePending(ctx context.Context, userID, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_two_factor (user_id, totp_secret, is_enabled, is_verified, created_at)
		VALUES ($1, $2, FALSE, FALSE, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			totp_secret = EXCLUDED.totp_secret,
			is_enabled  = FALSE,
			is_verified = FALSE,
			created_at  = EXCLUDED.created_at
	`, userID, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save pending two-factor secret: %w", err)
	}

	return nil
}

func (s *Store) Enable(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_two_factor
		SET is_enabled = TRUE, is_verified = TRUE, last_used_at = $2
		WHERE user_id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enable two-factor rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotSetUp
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM auth_two_factor
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete two-factor setting: %w", err)
	}

	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_two_factor
		SET last_used_at = $2
		WHERE user_id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch two-factor last used: %w", err)
	}

	return nil
}
