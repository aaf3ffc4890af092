package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Result reports how many rows each cleanup pass removed.
type Result struct {
	DeletedSessions           int64 `json:"deleted_sessions"`
	DeletedLoginAttempts      int64 `json:"deleted_login_attempts"`
	DeletedIPAttempts         int64 `json:"deleted_ip_attempts"`
	DeletedIdempotencyRecords int64 `json:"deleted_idempotency_records"`
	DeletedAuditEvents        int64 `json:"deleted_audit_events"`
}

// Cleaner removes rows that no longer influence any decision: sessions past
// their retention, counters whose lock windows are long over, settled
// idempotency records and old audit events.
type Cleaner struct {
	db                  *sql.DB
	sessionRetention    time.Duration
	attemptRetention    time.Duration
	idempotentRetention time.Duration
	auditRetention      time.Duration
	batchSize           int
}

func NewCleaner(
	db *sql.DB,
	sessionRetention time.Duration,
	attemptRetention time.Duration,
	idempotentRetention time.Duration,
	auditRetention time.Duration,
	batchSize int,
) *Cleaner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Cleaner{
		db:                  db,
		sessionRetention:    sessionRetention,
		attemptRetention:    attemptRetention,
		idempotentRetention: idempotentRetention,
		auditRetention:      auditRetention,
		batchSize:           batchSize,
	}
}

func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	var result Result
	now := time.Now().UTC()

	deleted, err := c.exec(ctx, `
		DELETE FROM auth_sessions
		WHERE id IN (
			SELECT id FROM auth_sessions
			WHERE (revoked_at IS NOT NULL AND revoked_at < $1)
			   OR expires_at < $1
			LIMIT $2
		)
	`, now.Add(-c.sessionRetention), c.batchSize)
	if err != nil {
		return result, fmt.Errorf("cleanup sessions: %w", err)
	}
	result.DeletedSessions = deleted

	// Counters are only removable once their lock window has fully passed;
	// deleting an active lock would reopen the door.
	deleted, err = c.exec(ctx, `
		DELETE FROM auth_login_attempts
		WHERE last_attempt_at < $1
		  AND (locked_until IS NULL OR locked_until < NOW())
	`, now.Add(-c.attemptRetention))
	if err != nil {
		return result, fmt.Errorf("cleanup login attempts: %w", err)
	}
	result.DeletedLoginAttempts = deleted

	deleted, err = c.exec(ctx, `
		DELETE FROM auth_login_ip_attempts
		WHERE last_attempt_at < $1
		  AND (locked_until IS NULL OR locked_until < NOW())
	`, now.Add(-c.attemptRetention))
	if err != nil {
		return result, fmt.Errorf("cleanup ip attempts: %w", err)
	}
	result.DeletedIPAttempts = deleted

	if _, err = c.exec(ctx, `
		DELETE FROM auth_login_ip_identifiers s
		WHERE NOT EXISTS (
			SELECT 1 FROM auth_login_ip_attempts a WHERE a.ip_address = s.ip_address
		)
	`); err != nil {
		return result, fmt.Errorf("cleanup ip identifiers: %w", err)
	}

	deleted, err = c.exec(ctx, `
		DELETE FROM idempotency_records
		WHERE (status = 'completed' AND completed_at < $1)
		   OR (status = 'pending' AND created_at < $1)
	`, now.Add(-c.idempotentRetention))
	if err != nil {
		return result, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	result.DeletedIdempotencyRecords = deleted

	deleted, err = c.exec(ctx, `
		DELETE FROM audit_events
		WHERE id IN (
			SELECT id FROM audit_events
			WHERE created_at < $1
			LIMIT $2
		)
	`, now.Add(-c.auditRetention), c.batchSize)
	if err != nil {
		return result, fmt.Errorf("cleanup audit events: %w", err)
	}
	result.DeletedAuditEvents = deleted

	return result, nil
}

func (c *Cleaner) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
