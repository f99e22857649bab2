package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Fill is one execution applied to an account's position in a symbol.
// Quantity is signed: positive buys, negative sells.
type Fill struct {
	AccountID    string
	InstrumentID string
	Symbol       string
	Segment      domain.Segment
	ProductType  domain.ProductType
	Quantity     int64
	Price        decimal.Decimal
	Leverage     decimal.Decimal
	StopLoss     *decimal.Decimal
	Target       *decimal.Decimal
	At           time.Time
}

// FillOutcome describes what a fill did to the ledger. Updated is the prior
// active position after the fill; Opened is a newly created position.
type FillOutcome struct {
	Updated *domain.Position
	Opened  *domain.Position

	OpenedQty int64
	ClosedQty int64

	RealizedPnL    decimal.Decimal
	MarginBlocked  decimal.Decimal
	MarginReleased decimal.Decimal
}

// Closed reports whether the fill brought the prior position to zero.
func (o FillOutcome) Closed() bool {
	return o.Updated != nil && !o.Updated.Active()
}

// PositionLedger holds the position upsert and close rules. It performs no
// I/O; the caller persists the outcome inside the account transaction.
//
// A fill that reverses a position is applied as close-then-reopen: the old
// row is closed with its P&L realized and a new row opens for the remainder
// at the fill price.
type PositionLedger struct {
	newID func() string
}

// NewPositionLedger creates a PositionLedger that names new positions with newID.
func NewPositionLedger(newID func() string) *PositionLedger {
	return &PositionLedger{newID: newID}
}

// RequiredMargin is the margin blocked for holding qty at price: the floor of
// turnover over leverage.
func RequiredMargin(price decimal.Decimal, qty int64, leverage decimal.Decimal) decimal.Decimal {
	if qty <= 0 || !leverage.IsPositive() {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(qty)).Div(leverage).Floor()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Upsert applies f to existing, which may be nil or closed.
func (l *PositionLedger) Upsert(existing *domain.Position, f Fill) FillOutcome {
	if f.Quantity == 0 {
		return FillOutcome{Updated: existing}
	}
	if existing == nil || !existing.Active() {
		opened := l.open(f, f.Quantity)
		return FillOutcome{
			Opened:        opened,
			OpenedQty:     abs64(f.Quantity),
			MarginBlocked: opened.MarginBlocked,
		}
	}

	pos := *existing
	delta := f.Quantity
	held := pos.AbsQuantity()

	if sign64(delta) == sign64(pos.Quantity) {
		add := abs64(delta)
		cost := pos.AveragePrice.Mul(decimal.NewFromInt(held)).Add(f.Price.Mul(decimal.NewFromInt(add)))
		pos.AveragePrice = cost.Div(decimal.NewFromInt(held + add))
		pos.Quantity += delta
		blocked := RequiredMargin(f.Price, add, f.Leverage)
		pos.MarginBlocked = pos.MarginBlocked.Add(blocked)
		if f.StopLoss != nil {
			pos.StopLoss = f.StopLoss
		}
		if f.Target != nil {
			pos.Target = f.Target
		}
		mark(&pos, f.Price, f.At)
		return FillOutcome{Updated: &pos, OpenedQty: add, MarginBlocked: blocked}
	}

	closeQty := min(held, abs64(delta))
	realized := f.Price.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(closeQty * sign64(pos.Quantity)))
	released := pos.MarginBlocked
	if closeQty < held {
		released = pos.MarginBlocked.Mul(decimal.NewFromInt(closeQty)).Div(decimal.NewFromInt(held)).Round(4)
	}

	out := FillOutcome{ClosedQty: closeQty, RealizedPnL: realized, MarginReleased: released}
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.MarginBlocked = pos.MarginBlocked.Sub(released)

	if closeQty < held {
		pos.Quantity += sign64(delta) * closeQty
		mark(&pos, f.Price, f.At)
		out.Updated = &pos
		return out
	}

	closed, _ := l.Close(pos, pos.RealizedPnL, f.At)
	closed.LastPrice = f.Price
	out.Updated = &closed

	if remainder := abs64(delta) - held; remainder > 0 {
		opened := l.open(f, sign64(delta)*remainder)
		out.Opened = opened
		out.OpenedQty = remainder
		out.MarginBlocked = opened.MarginBlocked
	}
	return out
}

// Close zeroes pos and freezes both P&L fields at realized. Closing an already
// closed position changes nothing and reports false.
func (l *PositionLedger) Close(pos domain.Position, realized decimal.Decimal, at time.Time) (domain.Position, bool) {
	if !pos.Active() {
		return pos, false
	}
	pos.Quantity = 0
	pos.RealizedPnL = realized
	pos.UnrealizedPnL = realized
	pos.DayPnL = realized
	pos.MarginBlocked = decimal.Zero
	pos.StopLoss = nil
	pos.Target = nil
	pos.UpdatedAt = at
	closedAt := at
	pos.ClosedAt = &closedAt
	return pos, true
}

func (l *PositionLedger) open(f Fill, qty int64) *domain.Position {
	return &domain.Position{
		ID:            l.newID(),
		AccountID:     f.AccountID,
		InstrumentID:  f.InstrumentID,
		Symbol:        f.Symbol,
		Segment:       f.Segment,
		ProductType:   f.ProductType,
		Quantity:      qty,
		AveragePrice:  f.Price,
		LastPrice:     f.Price,
		UnrealizedPnL: decimal.Zero,
		DayPnL:        decimal.Zero,
		RealizedPnL:   decimal.Zero,
		MarginBlocked: RequiredMargin(f.Price, abs64(qty), f.Leverage),
		StopLoss:      f.StopLoss,
		Target:        f.Target,
		CreatedAt:     f.At,
		UpdatedAt:     f.At,
	}
}

// mark revalues pos at price. Day P&L waits for the next mark-to-market pass,
// which knows the reference close.
func mark(pos *domain.Position, price decimal.Decimal, at time.Time) {
	pos.LastPrice = price
	pos.UnrealizedPnL = price.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(pos.Quantity))
	pos.UpdatedAt = at
}
