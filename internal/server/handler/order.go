package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// OrderEngine defines the methods that the order handler requires from the
// execution engine.
type OrderEngine interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlaceOrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, mod domain.OrderModification) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	engine OrderEngine
	orders domain.OrderStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given engine, read store
// and logger.
func NewOrderHandler(engine OrderEngine, orders domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		engine: engine,
		orders: orders,
		logger: logHandler(logger, "orders"),
	}
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns an account's orders, newest first.
// GET /api/orders?account_id=...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireQuery(w, r, "account_id")
	if !ok {
		return
	}

	orders, err := h.orders.ListByAccount(r.Context(), accountID, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// PlaceOrder validates and records a new order. A MARKET order without a
// tradable quote is still created, as CANCELLED.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ModifyOrder changes the quantity, limit or risk levels of a pending order.
// PATCH /api/orders/{id}
func (h *OrderHandler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var mod domain.OrderModification
	if !decodeBody(w, r, &mod) {
		return
	}

	order, err := h.engine.ModifyOrder(r.Context(), id, mod)
	if err != nil {
		writeServiceError(w, r, h.logger, "modify order", err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels a pending order by its ID.
// DELETE /api/orders/{id}?reason=...
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by user"
	}

	order, err := h.engine.CancelOrder(r.Context(), id, reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}
