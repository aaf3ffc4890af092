package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	db *sql.DB
	// pendingTakeover bounds how long an incomplete record blocks retries: a
	// pending row older than this was abandoned by a crashed handler and is
	// handed to the next request with the same key.
	pendingTakeover time.Duration
}

func NewStore(db *sql.DB, pendingTakeover time.Duration) *Store {
	if pendingTakeover <= 0 {
		pendingTakeover = 15 * time.Minute
	}
	return &Store{db: db, pendingTakeover: pendingTakeover}
}

// Resolve claims the key with a unique-constraint-guarded insert. Two
// simultaneous first-time requests get exactly one New and one Pending,
// never two independent records.
func (s *Store) Resolve(ctx context.Context, key Key, fingerprint string) (Resolution, error) {
	recordID, err := uuid.NewV7()
	if err != nil {
		return Resolution{}, fmt.Errorf("generate idempotency record id: %w", err)
	}

	now := time.Now().UTC()

	var insertedID string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (id, idem_key, user_id, method, route, request_fingerprint, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (user_id, method, route, idem_key) DO NOTHING
		RETURNING id
	`, recordID.String(), key.Value, key.UserID, key.Method, key.Route, fingerprint, now).Scan(&insertedID)
	if err == nil {
		return Resolution{Kind: ResolutionNew, RecordID: insertedID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, fmt.Errorf("insert idempotency record: %w", err)
	}

	var existing Record
	var responseStatus sql.NullInt32
	var responseBody []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT id, status, response_status, response_body, created_at
		FROM idempotency_records
		WHERE user_id = $1 AND method = $2 AND route = $3 AND idem_key = $4
	`, key.UserID, key.Method, key.Route, key.Value).Scan(&existing.ID, &existing.Status, &responseStatus, &responseBody, &existing.CreatedAt)
	if err != nil {
		return Resolution{}, fmt.Errorf("query idempotency record: %w", err)
	}

	if existing.Status == StatusCompleted {
		status := 0
		if responseStatus.Valid {
			status = int(responseStatus.Int32)
		}
		return Resolution{
			Kind:           ResolutionReplay,
			RecordID:       existing.ID,
			ResponseStatus: status,
			ResponseBody:   responseBody,
		}, nil
	}

	if now.Sub(existing.CreatedAt.UTC()) > s.pendingTakeover {
		_, err = s.db.ExecContext(ctx, `
			UPDATE idempotency_records
			SET created_at = $2, request_fingerprint = $3
			WHERE id = $1 AND status = 'pending'
		`, existing.ID, now, fingerprint)
		if err != nil {
			return Resolution{}, fmt.Errorf("retake abandoned idempotency record: %w", err)
		}
	}

	return Resolution{Kind: ResolutionPending, RecordID: existing.ID}, nil
}

// Persist completes the record with the captured response for future replay.
func (s *Store) Persist(ctx context.Context, recordID string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', response_status = $2, response_body = $3, completed_at = $4
		WHERE id = $1
	`, recordID, status, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist idempotency result: %w", err)
	}

	return nil
}
