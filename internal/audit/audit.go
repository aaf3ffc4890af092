package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fittrack-auth/internal/observability"
)

type Event struct {
	ActorUserID string
	EntityType  string
	Action      string
	Outcome     string
	IP          string
	UserAgent   string
	Metadata    map[string]any
}

// Recorder appends auth events to the audit trail. Writes are best-effort:
// a failed audit insert is logged and swallowed, never surfaced to the
// operation that triggered it.
type Recorder struct {
	db     *sql.DB
	logger *observability.Logger
}

func NewRecorder(db *sql.DB, logger *observability.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err == nil {
			metadata = encoded
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_user_id, entity_type, action, outcome, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.NewString(), nullable(event.ActorUserID), event.EntityType, event.Action, event.Outcome,
		event.IP, event.UserAgent, metadata, time.Now().UTC())
	if err != nil {
		r.logger.Error("audit_write_failed", map[string]any{
			"error":  err.Error(),
			"action": event.Action,
		})
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
