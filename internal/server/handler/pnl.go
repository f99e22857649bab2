package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/service"
)

// PnLService runs mark-to-market passes on demand.
type PnLService interface {
	ProcessPositionPnL(ctx context.Context, opts service.PnLOptions) (service.PnLResult, error)
	DefaultOptions() service.PnLOptions
}

// PnLHandler serves the manual mark-to-market trigger.
type PnLHandler struct {
	pnl    PnLService
	logger *slog.Logger
}

// NewPnLHandler creates a PnLHandler.
func NewPnLHandler(pnl PnLService, logger *slog.Logger) *PnLHandler {
	return &PnLHandler{pnl: pnl, logger: logHandler(logger, "pnl")}
}

// Process runs one mark-to-market pass. Omitted parameters use the worker's
// configured batch size and update threshold.
// POST /api/pnl/process?limit=100&threshold=0.5&dry_run=true
func (h *PnLHandler) Process(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := h.pnl.DefaultOptions()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("threshold"); v != "" {
		th, err := decimal.NewFromString(v)
		if err != nil || th.IsNegative() {
			writeError(w, http.StatusBadRequest, "threshold must be a non-negative number")
			return
		}
		opts.UpdateThreshold = th
	}
	if v := q.Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		opts.DryRun = b
	}

	res, err := h.pnl.ProcessPositionPnL(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "process position pnl", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
