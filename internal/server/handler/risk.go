package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/service"
)

// RiskService is the slice of the risk monitor exposed over HTTP.
type RiskService interface {
	AssessAccount(ctx context.Context, accountID string) (service.AccountRisk, error)
	RunRiskBackstop(ctx context.Context, force bool) (service.BackstopResult, error)
}

// RiskHandler serves account risk snapshots, alerts and the manual backstop.
type RiskHandler struct {
	risk   RiskService
	alerts domain.RiskAlertStore
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(risk RiskService, alerts domain.RiskAlertStore, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		risk:   risk,
		alerts: alerts,
		logger: logHandler(logger, "risk"),
	}
}

// AccountRisk returns the live margin usage of an account.
// GET /api/accounts/{id}/risk
func (h *RiskHandler) AccountRisk(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.risk.AssessAccount(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "assess account", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type listAlertsResponse struct {
	Alerts []domain.RiskAlert `json:"alerts"`
}

// ListAlerts returns an account's risk alerts, newest first.
// GET /api/risk/alerts?account_id=...&limit=50
func (h *RiskHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireQuery(w, r, "account_id")
	if !ok {
		return
	}

	alerts, err := h.alerts.ListByAccount(r.Context(), accountID, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []domain.RiskAlert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}

// RunBackstop triggers a backstop sweep. Without force the sweep is skipped
// while the event-driven path is healthy.
// POST /api/risk/backstop?force=true
func (h *RiskHandler) RunBackstop(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = b
	}

	res, err := h.risk.RunRiskBackstop(r.Context(), force)
	if err != nil {
		writeServiceError(w, r, h.logger, "run risk backstop", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
