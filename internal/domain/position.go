package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is an account's holding in one symbol. A quantity of zero marks a
// closed position; closed rows are retained.
type Position struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	InstrumentID  string           `json:"instrument_id"`
	Symbol        string           `json:"symbol"`
	Segment       Segment          `json:"segment"`
	ProductType   ProductType      `json:"product_type"`
	Quantity      int64            `json:"quantity"`
	AveragePrice  decimal.Decimal  `json:"average_price"`
	LastPrice     decimal.Decimal  `json:"last_price"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	DayPnL        decimal.Decimal  `json:"day_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	MarginBlocked decimal.Decimal  `json:"margin_blocked"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	Target        *decimal.Decimal `json:"target,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

// Active reports whether the position holds a nonzero quantity.
func (p Position) Active() bool {
	return p.Quantity != 0
}

// Long reports whether the position is a long holding.
func (p Position) Long() bool {
	return p.Quantity > 0
}

// AbsQuantity returns the unsigned size of the position.
func (p Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// MarkUpdate is a mark-to-market write for one position. The write applies only
// while the position still has ExpectedQuantity, so a concurrent fill wins.
type MarkUpdate struct {
	PositionID       string
	ExpectedQuantity int64
	LastPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	DayPnL           decimal.Decimal
}

// RiskLevels carries the optional stop-loss and target of a position.
type RiskLevels struct {
	StopLoss *decimal.Decimal `json:"stop_loss,omitempty"`
	Target   *decimal.Decimal `json:"target,omitempty"`
}
