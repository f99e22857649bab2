package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
)

// LimitRunResult summarises one pass over pending LIMIT orders.
type LimitRunResult struct {
	Processed    int      `json:"processed"`
	Executed     int      `json:"executed"`
	Rejected     int      `json:"rejected"`
	Expired      int      `json:"expired"`
	Waiting      int      `json:"waiting"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details,omitempty"`
}

func (r *LimitRunResult) fail(orderID string, err error) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, fmt.Sprintf("%s: %v", orderID, err))
}

// crossed reports whether ltp has reached the order's limit.
func crossed(side domain.OrderSide, ltp, limit decimal.Decimal) bool {
	if side == domain.OrderSideBuy {
		return ltp.LessThanOrEqual(limit)
	}
	return ltp.GreaterThanOrEqual(limit)
}

// ProcessPendingOrders fills pending LIMIT orders whose quote has crossed the
// limit, at the limit price. Orders from a closed session are cancelled as
// expired; an order that breaches the order value or position count limits, or
// that the account can no longer fund, is REJECTED. A busy account
// lock skips the order until the next pass.
func (e *ExecutionEngine) ProcessPendingOrders(ctx context.Context) (LimitRunResult, error) {
	var res LimitRunResult
	pending, err := e.orders.ListPending(ctx, domain.OrderTypeLimit, e.cfg.LimitOrderBatch)
	if err != nil {
		return res, fmt.Errorf("engine: list pending orders: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	tokens := make([]string, 0, len(pending))
	seen := make(map[string]struct{}, len(pending))
	for _, o := range pending {
		if _, ok := seen[o.InstrumentID]; ok {
			continue
		}
		seen[o.InstrumentID] = struct{}{}
		tokens = append(tokens, o.InstrumentID)
	}
	if err := e.quotes.EnsureSubscribed(ctx, tokens); err != nil {
		e.logger.WarnContext(ctx, "engine: subscribe quotes failed", slog.String("error", err.Error()))
	}
	quotes, err := e.quotes.GetQuotes(ctx, tokens)
	if err != nil {
		return res, fmt.Errorf("engine: read quotes: %w", err)
	}

	now := e.now()
	for _, o := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++

		if e.calendar.Expired(o.Segment, o.CreatedAt, now) {
			e.expireOrder(ctx, o, &res)
			continue
		}
		q := quotes[o.InstrumentID]
		if !q.Tradable(now, e.cfg.MaxQuoteAge) || o.LimitPrice == nil || !crossed(o.Side, q.LastTradePrice, *o.LimitPrice) {
			res.Waiting++
			continue
		}
		e.fillLimitOrder(ctx, o, &res)
	}

	e.logger.DebugContext(ctx, "engine: limit order pass complete",
		slog.Int("processed", res.Processed),
		slog.Int("executed", res.Executed),
		slog.Int("rejected", res.Rejected),
		slog.Int("expired", res.Expired),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", res.Errors),
	)
	return res, nil
}

func (e *ExecutionEngine) expireOrder(ctx context.Context, o domain.Order, res *LimitRunResult) {
	var cancelled domain.Order
	err := e.withAccountLock(ctx, "expire", o.AccountID, false, func(ctx context.Context, tx domain.LedgerTx) error {
		order, err := e.cancelPending(ctx, tx, o.ID, "expired")
		cancelled = order
		return err
	})
	switch {
	case err == nil:
		res.Expired++
		e.afterCancel(ctx, cancelled)
	case domain.IsLockContention(err), errors.Is(err, domain.ErrInvalidTransition):
		res.Skipped++
	default:
		res.fail(o.ID, e.surface(ctx, err, "expire_order", o.AccountID, o.InstrumentID))
	}
}

func (e *ExecutionEngine) fillLimitOrder(ctx context.Context, o domain.Order, res *LimitRunResult) {
	price := *o.LimitPrice
	priced, err := e.priceOrder(ctx, o, price)
	if err != nil {
		res.fail(o.ID, err)
		return
	}

	var order domain.Order
	err = e.withAccountLock(ctx, "limit_fill", o.AccountID, false, func(ctx context.Context, tx domain.LedgerTx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.OrderStatusPending {
			return fmt.Errorf("engine: order %s is %s: %w", o.ID, cur.Status, domain.ErrInvalidTransition)
		}
		order = cur
		err = e.fillWithinLimits(ctx, tx, &order, price, priced)
		if err == nil || !isOrderRejection(err) {
			return err
		}

		// The fill was refused before any write; record the rejection instead.
		order = cur
		order.Status = domain.OrderStatusRejected
		order.Reason = err.Error()
		order.UpdatedAt = e.now()
		return tx.UpdateOrder(ctx, order, domain.OrderStatusPending)
	})
	switch {
	case err == nil && order.Status == domain.OrderStatusRejected:
		res.Rejected++
		e.metrics.orderRecorded(order.Type, order.Status)
		e.auditLog(ctx, "order_rejected", map[string]any{
			"order_id":   order.ID,
			"account_id": order.AccountID,
			"reason":     order.Reason,
		})
		e.publishEvent(ctx, order.AccountID, domain.EventOrderCancelled, order.ID)
		e.logger.InfoContext(ctx, "engine: limit order rejected",
			slog.String("order_id", order.ID),
			slog.String("account_id", order.AccountID),
			slog.String("reason", order.Reason),
		)
	case err == nil:
		res.Executed++
		e.metrics.orderRecorded(order.Type, order.Status)
		e.publishEvent(ctx, order.AccountID, domain.EventOrderExecuted, order.ID)
		e.logger.InfoContext(ctx, "engine: limit order executed",
			slog.String("order_id", order.ID),
			slog.String("account_id", order.AccountID),
			slog.String("price", price.String()),
		)
	case domain.IsLockContention(err), errors.Is(err, domain.ErrInvalidTransition):
		res.Skipped++
	default:
		res.fail(o.ID, e.surface(ctx, err, "limit_fill", o.AccountID, o.InstrumentID))
	}
}

// fillWithinLimits re-applies the order value and position count limits to
// the account's book at fill time, then fills.
func (e *ExecutionEngine) fillWithinLimits(ctx context.Context, tx domain.LedgerTx, order *domain.Order, price decimal.Decimal, priced margin.Result) error {
	if err := checkOrderValue(priced); err != nil {
		return err
	}
	existing, err := tx.GetActivePosition(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return err
	}
	if err := checkPositionLimit(ctx, tx, existing, *order, priced); err != nil {
		return err
	}
	_, err = e.executeFill(ctx, tx, order, price, priced)
	return err
}

// isOrderRejection reports whether err turns a pending order into REJECTED.
func isOrderRejection(err error) bool {
	var verr *domain.ValidationError
	var merr *domain.MarginInsufficientError
	return errors.As(err, &verr) || errors.As(err, &merr)
}

// RunLimitOrders processes pending LIMIT orders every LimitOrderInterval
// until ctx is cancelled. A pass still running when the next tick fires is
// not overlapped.
func (e *ExecutionEngine) RunLimitOrders(ctx context.Context) error {
	interval := e.cfg.LimitOrderInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "engine: limit order loop started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.limitCycle(ctx)
		}
	}
}

func (e *ExecutionEngine) limitCycle(ctx context.Context) {
	release, ok := e.limitGuard.enter(ctx, e.logger)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	defer e.metrics.observeWorker("limit_orders", start)

	if _, err := e.ProcessPendingOrders(ctx); err != nil && ctx.Err() == nil {
		e.logger.ErrorContext(ctx, "engine: limit order pass failed", slog.String("error", err.Error()))
		return
	}
	if e.heartbeats != nil {
		if err := e.heartbeats.Beat(ctx, "limit_orders", e.now()); err != nil {
			e.logger.WarnContext(ctx, "engine: heartbeat failed", slog.String("error", err.Error()))
		}
	}
}
