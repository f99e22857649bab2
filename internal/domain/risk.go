package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginConfig is the administrative margin policy for one segment and product.
// Optional fields are nil when not configured.
type MarginConfig struct {
	Segment       Segment          `json:"segment"`
	ProductType   ProductType      `json:"product_type"`
	Leverage      *decimal.Decimal `json:"leverage,omitempty"`
	BrokerageFlat *decimal.Decimal `json:"brokerage_flat,omitempty"`
	BrokerageRate *decimal.Decimal `json:"brokerage_rate,omitempty"`
	BrokerageCap  *decimal.Decimal `json:"brokerage_cap,omitempty"`
	MarginRate    *decimal.Decimal `json:"margin_rate,omitempty"`
	MaxOrderValue *decimal.Decimal `json:"max_order_value,omitempty"`
	MaxPositions  *int             `json:"max_positions,omitempty"`
	Active        bool             `json:"active"`
}

// MarginConfigKey identifies a MarginConfig row.
type MarginConfigKey struct {
	Segment     Segment
	ProductType ProductType
}

// RiskThresholds are used-margin ratios in the range 0..1.
type RiskThresholds struct {
	WarningThreshold   decimal.Decimal `json:"warning_threshold"`
	AutoCloseThreshold decimal.Decimal `json:"auto_close_threshold"`
}

// RiskAlertKind classifies a risk alert.
type RiskAlertKind string

const (
	AlertWarning   RiskAlertKind = "WARNING"
	AlertAutoClose RiskAlertKind = "AUTO_CLOSE"
	AlertStopLoss  RiskAlertKind = "STOP_LOSS"
	AlertTarget    RiskAlertKind = "TARGET"
)

// RiskAlert is the audit record of a threshold breach or forced close.
type RiskAlert struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Kind          RiskAlertKind    `json:"kind"`
	UsedRatio     decimal.Decimal  `json:"used_ratio"`
	Threshold     decimal.Decimal  `json:"threshold"`
	PositionID    string           `json:"position_id,omitempty"`
	Symbol        string           `json:"symbol,omitempty"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	ClosePrice    *decimal.Decimal `json:"close_price,omitempty"`
	Message       string           `json:"message"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Quote is the last known market state for one instrument token.
type Quote struct {
	Token          string          `json:"token"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	Close          decimal.Decimal `json:"close"`
	PrevClose      decimal.Decimal `json:"prev_close"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Tradable reports whether the quote carries a usable last traded price that
// is no older than maxAge. A zero maxAge disables the age check.
func (q *Quote) Tradable(now time.Time, maxAge time.Duration) bool {
	if q == nil || !q.LastTradePrice.IsPositive() {
		return false
	}
	if maxAge > 0 && now.Sub(q.ReceivedAt) > maxAge {
		return false
	}
	return true
}

// ReferenceClose returns the price day P&L is measured from: the previous
// close, else the session close.
func (q *Quote) ReferenceClose() decimal.Decimal {
	if q.PrevClose.IsPositive() {
		return q.PrevClose
	}
	return q.Close
}
