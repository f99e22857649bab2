package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ConfigRefresher reloads cached administrative configuration.
type ConfigRefresher interface {
	Refresh(ctx context.Context) error
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	config ConfigRefresher
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(config ConfigRefresher, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{config: config, logger: logHandler(logger, "admin")}
}

// RefreshConfig drops the cached margin configs and risk thresholds and
// reloads them from the database.
// POST /api/admin/config/refresh
func (h *AdminHandler) RefreshConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Refresh(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, "refresh config", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: config cache refreshed")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "refreshed",
		"refreshed_at": time.Now().UTC().Format(time.RFC3339),
	})
}
