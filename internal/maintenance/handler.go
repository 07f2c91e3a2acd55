// Package maintenance exposes the cron-triggered cleanup endpoint that
// sweeps expired revocation records, consumed assertions past the replay
// window, and stale single-use token fields.
package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"storegate/internal/account"
	"storegate/internal/observability"
	"storegate/internal/session"
)

type CleanupResult struct {
	DeletedRevocations int64 `json:"deleted_revocations"`
	DeletedAssertions  int64 `json:"deleted_assertions"`
	ClearedStaleTokens int64 `json:"cleared_stale_tokens"`
}

type CleanupHandler struct {
	revocations *session.PostgresRevocations
	replay      *session.PostgresReplay
	accounts    *account.Postgres
	logger      *observability.Logger
	cronSecret  string
	batchSize   int
}

func NewCleanupHandler(
	revocations *session.PostgresRevocations,
	replay *session.PostgresReplay,
	accounts *account.Postgres,
	logger *observability.Logger,
	cronSecret string,
	batchSize int,
) *CleanupHandler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CleanupHandler{
		revocations: revocations,
		replay:      replay,
		accounts:    accounts,
		logger:      logger,
		cronSecret:  strings.TrimSpace(cronSecret),
		batchSize:   batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var result CleanupResult
	var err error

	result.DeletedRevocations, err = h.revocations.DeleteExpired(r.Context(), h.batchSize)
	if err == nil {
		result.DeletedAssertions, err = h.replay.DeleteExpired(r.Context(), h.batchSize)
	}
	if err == nil {
		result.ClearedStaleTokens, err = h.accounts.ClearStaleTokens(r.Context())
	}
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_revocations":  result.DeletedRevocations,
		"deleted_assertions":   result.DeletedAssertions,
		"cleared_stale_tokens": result.ClearedStaleTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
