package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects the execution policy.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusPending
}

// CanTransition reports whether an order may move from one status to another.
// Only PENDING orders move, and only into a terminal state.
func CanTransition(from, to OrderStatus) bool {
	if from != OrderStatusPending {
		return false
	}
	switch to {
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a client's instruction to trade one instrument.
type Order struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"account_id"`
	InstrumentID     string           `json:"instrument_id"`
	Symbol           string           `json:"symbol"`
	Side             OrderSide        `json:"side"`
	Type             OrderType        `json:"type"`
	Quantity         int64            `json:"quantity"`
	LotSize          int64            `json:"lot_size"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	Target           *decimal.Decimal `json:"target,omitempty"`
	ProductType      ProductType      `json:"product_type"`
	Segment          Segment          `json:"segment"`
	Status           OrderStatus      `json:"status"`
	FilledQuantity   int64            `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ExecutedAt       *time.Time       `json:"executed_at,omitempty"`
}

// SignedQuantity returns the quantity with the side's sign applied.
func (o Order) SignedQuantity() int64 {
	return o.Side.Sign() * o.Quantity
}

// OrderRequest is the client's order intent before validation.
type OrderRequest struct {
	AccountID    string           `json:"account_id"`
	InstrumentID string           `json:"instrument_id"`
	Symbol       string           `json:"symbol"`
	Side         OrderSide        `json:"side"`
	Type         OrderType        `json:"type"`
	Quantity     int64            `json:"quantity"`
	LotSize      int64            `json:"lot_size"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	Target       *decimal.Decimal `json:"target,omitempty"`
	ProductType  ProductType      `json:"product_type"`
	Segment      Segment          `json:"segment"`
}

// OrderModification carries the optional fields modifyOrder may change.
// Nil fields are left untouched.
type OrderModification struct {
	Quantity   *int64           `json:"quantity,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	Target     *decimal.Decimal `json:"target,omitempty"`
}

// PlaceOrderResult is returned by placeOrder.
type PlaceOrderResult struct {
	OrderID            string           `json:"order_id"`
	Status             OrderStatus      `json:"status"`
	ExecutionScheduled bool             `json:"execution_scheduled"`
	FillPrice          *decimal.Decimal `json:"fill_price,omitempty"`
	Reason             string           `json:"reason,omitempty"`
}
