package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingAccount holds the cash and margin state of one trading account.
// AvailableMargin + UsedMargin equals Balance after every committed fill.
type TradingAccount struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Balance         decimal.Decimal `json:"balance"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransactionKind classifies a ledger movement.
type TransactionKind string

const (
	TxMarginBlock   TransactionKind = "MARGIN_BLOCK"
	TxMarginRelease TransactionKind = "MARGIN_RELEASE"
	TxRealizedPnL   TransactionKind = "REALIZED_PNL"
	TxCharges       TransactionKind = "CHARGES"
)

// Transaction is an append-only ledger row written in the same database
// transaction as the fill that caused it.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	OrderID      string          `json:"order_id"`
	PositionID   string          `json:"position_id"`
	Kind         TransactionKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AccountEventKind names what changed on an account.
type AccountEventKind string

const (
	EventOrderExecuted  AccountEventKind = "order_executed"
	EventOrderCancelled AccountEventKind = "order_cancelled"
	EventOrderModified  AccountEventKind = "order_modified"
	EventOrderPlaced    AccountEventKind = "order_placed"
	EventPositionClosed AccountEventKind = "position_closed"
	EventMarksUpdated   AccountEventKind = "marks_updated"
)

// AccountEvent is published after a committed change that can move an
// account's risk.
type AccountEvent struct {
	AccountID string           `json:"account_id"`
	Kind      AccountEventKind `json:"kind"`
	RefID     string           `json:"ref_id,omitempty"`
	At        time.Time        `json:"at"`
}
