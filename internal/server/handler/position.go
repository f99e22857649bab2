package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/service"
)

// PositionEngine defines the position operations of the execution engine used
// by the handler.
type PositionEngine interface {
	ClosePosition(ctx context.Context, accountID, positionID string, reason service.CloseReason) (service.CloseResult, error)
	UpdatePositionRisk(ctx context.Context, accountID, positionID string, levels domain.RiskLevels) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	engine    PositionEngine
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(engine PositionEngine, positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine:    engine,
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the active positions of an account.
// GET /api/positions?account_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireQuery(w, r, "account_id")
	if !ok {
		return
	}

	positions, err := h.positions.ListActiveByAccount(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ClosePosition closes a position at the live quote. Closing a position that is
// already flat succeeds with already_closed set.
// POST /api/positions/{id}/close?account_id=...
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	accountID, ok := requireQuery(w, r, "account_id")
	if !ok {
		return
	}

	res, err := h.engine.ClosePosition(r.Context(), accountID, id, service.CloseManual)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type updateRiskRequest struct {
	AccountID string           `json:"account_id"`
	StopLoss  *decimal.Decimal `json:"stop_loss"`
	Target    *decimal.Decimal `json:"target"`
}

// UpdateRisk replaces the stop-loss and target of an open position. Omitted
// levels are cleared.
// PATCH /api/positions/{id}
func (h *PositionHandler) UpdateRisk(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req updateRiskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	pos, err := h.engine.UpdatePositionRisk(r.Context(), req.AccountID, id, domain.RiskLevels{
		StopLoss: req.StopLoss,
		Target:   req.Target,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "update position risk", err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}
