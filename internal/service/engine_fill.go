package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
)

// CloseOptions controls a forced or manual close.
type CloseOptions struct {
	Reason CloseReason
	// Alert, when set, is recorded in the same transaction as the close with
	// the close price and realized P&L filled in.
	Alert *domain.RiskAlert
	// Retry backs off on lock contention. Workers leave it false and pick the
	// position up again on their next pass.
	Retry bool
}

// CloseResult describes a close attempt.
type CloseResult struct {
	PositionID    string            `json:"position_id"`
	OrderID       string            `json:"order_id,omitempty"`
	Price         decimal.Decimal   `json:"price"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	AlreadyClosed bool              `json:"already_closed"`
	Alert         *domain.RiskAlert `json:"alert,omitempty"`
}

func fillFor(order domain.Order, price, leverage decimal.Decimal, at time.Time) Fill {
	return Fill{
		AccountID:    order.AccountID,
		InstrumentID: order.InstrumentID,
		Symbol:       order.Symbol,
		Segment:      order.Segment,
		ProductType:  order.ProductType,
		Quantity:     order.SignedQuantity(),
		Price:        price,
		Leverage:     leverage,
		StopLoss:     order.StopLoss,
		Target:       order.Target,
		At:           at,
	}
}

// executeFill applies a PENDING order at price inside tx: it upserts the
// position, moves margin and cash on the account, appends the ledger
// transactions and marks the order EXECUTED. The opening part of the fill is
// re-validated against the account's free margin here, under the lock.
func (e *ExecutionEngine) executeFill(ctx context.Context, tx domain.LedgerTx, order *domain.Order, price decimal.Decimal, priced margin.Result) (FillOutcome, error) {
	now := e.now()
	acct, err := tx.GetAccount(ctx, order.AccountID)
	if err != nil {
		return FillOutcome{}, err
	}
	existing, err := tx.GetActivePosition(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return FillOutcome{}, err
	}

	out := e.book.Upsert(existing, fillFor(*order, price, priced.Leverage, now))
	charges := priced.TotalCharges
	if out.OpenedQty > 0 {
		free := acct.AvailableMargin.Add(out.MarginReleased).Add(out.RealizedPnL)
		if err := margin.Validate(free, out.MarginBlocked, charges).Err(); err != nil {
			return FillOutcome{}, err
		}
	}

	if out.Updated != nil {
		if err := tx.UpdatePosition(ctx, *out.Updated); err != nil {
			return FillOutcome{}, err
		}
	}
	if out.Opened != nil {
		if err := tx.CreatePosition(ctx, *out.Opened); err != nil {
			return FillOutcome{}, err
		}
	}

	acct.UsedMargin = acct.UsedMargin.Add(out.MarginBlocked).Sub(out.MarginReleased)
	acct.AvailableMargin = acct.AvailableMargin.
		Add(out.MarginReleased).Sub(out.MarginBlocked).
		Add(out.RealizedPnL).Sub(charges)
	acct.Balance = acct.Balance.Add(out.RealizedPnL).Sub(charges)
	acct.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return FillOutcome{}, err
	}

	positionID := ""
	switch {
	case out.Opened != nil:
		positionID = out.Opened.ID
	case out.Updated != nil:
		positionID = out.Updated.ID
	}
	closedID := positionID
	if out.Updated != nil {
		closedID = out.Updated.ID
	}
	movements := []struct {
		kind     domain.TransactionKind
		amount   decimal.Decimal
		position string
	}{
		{domain.TxMarginRelease, out.MarginReleased, closedID},
		{domain.TxRealizedPnL, out.RealizedPnL, closedID},
		{domain.TxMarginBlock, out.MarginBlocked.Neg(), positionID},
		{domain.TxCharges, charges.Neg(), positionID},
	}
	for _, m := range movements {
		if m.amount.IsZero() {
			continue
		}
		err := tx.InsertTransaction(ctx, domain.Transaction{
			ID:           e.newID(),
			AccountID:    acct.ID,
			OrderID:      order.ID,
			PositionID:   m.position,
			Kind:         m.kind,
			Amount:       m.amount,
			BalanceAfter: acct.Balance,
			CreatedAt:    now,
		})
		if err != nil {
			return FillOutcome{}, err
		}
	}

	order.Status = domain.OrderStatusExecuted
	order.FilledQuantity = order.Quantity
	fillPrice := price
	order.AverageFillPrice = &fillPrice
	order.ExecutedAt = &now
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, *order, domain.OrderStatusPending); err != nil {
		return FillOutcome{}, err
	}
	return out, nil
}

// ClosePosition closes an account's position at the live quote.
func (e *ExecutionEngine) ClosePosition(ctx context.Context, accountID, positionID string, reason CloseReason) (CloseResult, error) {
	pos, err := e.positions.GetByID(ctx, positionID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("engine: close position: %w", err)
	}
	if pos.AccountID != accountID {
		return CloseResult{}, fmt.Errorf("engine: position %s: %w", positionID, domain.ErrNotFound)
	}
	if !pos.Active() {
		return CloseResult{PositionID: pos.ID, AlreadyClosed: true, RealizedPnL: pos.RealizedPnL}, nil
	}
	if err := e.calendar.CheckOpen(pos.Segment, e.now()); err != nil {
		return CloseResult{}, err
	}
	quote := e.liveQuote(ctx, pos.InstrumentID)
	if quote == nil {
		return CloseResult{}, fmt.Errorf("engine: close position %s: %w", positionID, domain.ErrMarketDataUnavailable)
	}
	if reason == "" {
		reason = CloseManual
	}
	return e.ClosePositionAt(ctx, pos, quote.LastTradePrice, CloseOptions{Reason: reason, Retry: true})
}

// ClosePositionAt closes pos with an opposite MARKET order filled at price. The
// position is re-read under the account lock; when it is already flat the call
// reports AlreadyClosed and writes nothing.
func (e *ExecutionEngine) ClosePositionAt(ctx context.Context, pos domain.Position, price decimal.Decimal, opts CloseOptions) (CloseResult, error) {
	if !price.IsPositive() {
		return CloseResult{}, domain.NewValidationError("price", "close price must be positive")
	}
	res := CloseResult{PositionID: pos.ID, Price: price}
	var order domain.Order

	err := e.withAccountLock(ctx, "close", pos.AccountID, opts.Retry, func(ctx context.Context, tx domain.LedgerTx) error {
		cur, err := tx.GetPosition(ctx, pos.ID)
		if err != nil {
			return err
		}
		if !cur.Active() {
			res.AlreadyClosed = true
			res.RealizedPnL = cur.RealizedPnL
			return nil
		}

		now := e.now()
		side := domain.OrderSideSell
		if !cur.Long() {
			side = domain.OrderSideBuy
		}
		order = domain.Order{
			ID:           e.newID(),
			AccountID:    cur.AccountID,
			InstrumentID: cur.InstrumentID,
			Symbol:       cur.Symbol,
			Side:         side,
			Type:         domain.OrderTypeMarket,
			Quantity:     cur.AbsQuantity(),
			LotSize:      1,
			ProductType:  cur.ProductType,
			Segment:      cur.Segment,
			Status:       domain.OrderStatusPending,
			Reason:       string(opts.Reason),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		priced, err := e.calc.CalculateMargin(ctx, margin.Input{
			Segment:     order.Segment,
			ProductType: order.ProductType,
			Quantity:    order.Quantity,
			Price:       price,
			LotSize:     1,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		out, err := e.executeFill(ctx, tx, &order, price, priced)
		if err != nil {
			return err
		}
		res.OrderID = order.ID
		res.RealizedPnL = out.RealizedPnL

		if opts.Alert != nil {
			alert := *opts.Alert
			if alert.ID == "" {
				alert.ID = e.newID()
			}
			alert.AccountID = cur.AccountID
			alert.PositionID = cur.ID
			alert.Symbol = cur.Symbol
			alert.ClosePrice = &price
			alert.UnrealizedPnL = out.RealizedPnL
			if alert.CreatedAt.IsZero() {
				alert.CreatedAt = now
			}
			if err := tx.InsertRiskAlert(ctx, alert); err != nil {
				return err
			}
			res.Alert = &alert
		}
		return nil
	})
	if err != nil {
		return CloseResult{}, e.surface(ctx, err, "close_position", pos.AccountID, pos.InstrumentID)
	}
	if res.AlreadyClosed {
		return res, nil
	}

	e.metrics.orderRecorded(order.Type, order.Status)
	if opts.Reason != CloseManual {
		e.metrics.autoClosed(opts.Reason)
	}
	e.publishEvent(ctx, pos.AccountID, domain.EventPositionClosed, pos.ID)

	attrs := []any{
		slog.String("position_id", pos.ID),
		slog.String("account_id", pos.AccountID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(opts.Reason)),
		slog.String("price", price.String()),
		slog.String("realized_pnl", res.RealizedPnL.String()),
	}
	if opts.Reason == CloseManual {
		e.logger.InfoContext(ctx, "engine: position closed", attrs...)
	} else {
		e.logger.WarnContext(ctx, "engine: position force-closed", attrs...)
		e.auditLog(ctx, "position_force_closed", map[string]any{
			"position_id":  pos.ID,
			"account_id":   pos.AccountID,
			"symbol":       pos.Symbol,
			"reason":       string(opts.Reason),
			"price":        price.String(),
			"realized_pnl": res.RealizedPnL.String(),
		})
	}

	if res.Alert != nil {
		e.metrics.alertRaised(res.Alert.Kind)
		e.notify(ctx, *res.Alert)
	}
	return res, nil
}

func (e *ExecutionEngine) notify(ctx context.Context, alert domain.RiskAlert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyRiskAlert(ctx, alert); err != nil {
		e.logger.WarnContext(ctx, "engine: alert notification failed",
			slog.String("account_id", alert.AccountID),
			slog.String("kind", string(alert.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
