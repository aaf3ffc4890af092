package maintenance

import (
	"net/http"
	"strings"

	"fittrack-auth/internal/httpx"
	"fittrack-auth/internal/observability"
)

// CleanupHandler is the cron entrypoint. It authenticates with a shared
// bearer secret instead of a user token; without a configured secret the
// route pretends not to exist.
type CleanupHandler struct {
	cleaner    *Cleaner
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(cleaner *Cleaner, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "unauthorized", nil)
		return
	}

	result, err := h.cleaner.Run(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "cleanup failed", nil)
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_sessions":            result.DeletedSessions,
		"deleted_login_attempts":      result.DeletedLoginAttempts,
		"deleted_ip_attempts":         result.DeletedIPAttempts,
		"deleted_idempotency_records": result.DeletedIdempotencyRecords,
		"deleted_audit_events":        result.DeletedAuditEvents,
	})

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}
