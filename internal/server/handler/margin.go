package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
)

// MarginCalculator prices a prospective order.
type MarginCalculator interface {
	CalculateMargin(ctx context.Context, in margin.Input) (margin.Result, error)
}

// MarginValidator checks an account's free margin against a requirement.
type MarginValidator interface {
	ValidateMargin(ctx context.Context, accountID string, requiredMargin, totalCharges decimal.Decimal) (margin.Validation, error)
}

// MarginHandler exposes the margin calculator for pre-trade checks.
type MarginHandler struct {
	calc      MarginCalculator
	validator MarginValidator
	logger    *slog.Logger
}

// NewMarginHandler creates a MarginHandler.
func NewMarginHandler(calc MarginCalculator, validator MarginValidator, logger *slog.Logger) *MarginHandler {
	return &MarginHandler{calc: calc, validator: validator, logger: logHandler(logger, "margin")}
}

type marginRequest struct {
	AccountID   string             `json:"account_id,omitempty"`
	Segment     domain.Segment     `json:"segment"`
	ProductType domain.ProductType `json:"product_type"`
	Quantity    int64              `json:"quantity"`
	Price       decimal.Decimal    `json:"price"`
	LotSize     int64              `json:"lot_size,omitempty"`
}

type marginResponse struct {
	margin.Result
	Validation *margin.Validation `json:"validation,omitempty"`
}

// Calculate returns the margin and charge breakdown of an order. With an
// account_id the result is also validated against the account's free margin.
// POST /api/margin/calculate
func (h *MarginHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req marginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.calc.CalculateMargin(r.Context(), margin.Input{
		Segment:     req.Segment,
		ProductType: req.ProductType,
		Quantity:    req.Quantity,
		Price:       req.Price,
		LotSize:     req.LotSize,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "calculate margin", err)
		return
	}

	resp := marginResponse{Result: res}
	if req.AccountID != "" {
		v, err := h.validator.ValidateMargin(r.Context(), req.AccountID, res.RequiredMargin, res.TotalCharges)
		if err != nil {
			writeServiceError(w, r, h.logger, "validate margin", err)
			return
		}
		resp.Validation = &v
	}
	writeJSON(w, http.StatusOK, resp)
}
