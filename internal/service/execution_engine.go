package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
)

// CloseReason records why the engine closed a position.
type CloseReason string

const (
	CloseManual   CloseReason = "manual"
	CloseStopLoss CloseReason = "stop_loss"
	CloseTarget   CloseReason = "target"
	CloseRisk     CloseReason = "risk"
)

// EngineConfig holds the tunable parameters of the ExecutionEngine.
type EngineConfig struct {
	// MaxQuoteAge treats older quotes as unavailable. Zero disables the check.
	MaxQuoteAge time.Duration

	OrderRateLimit  int
	OrderRateWindow time.Duration

	// Synchronous requests retry a busy account lock this many times in
	// total. Workers never retry.
	LockRetryAttempts   int
	LockRetryBackoff    time.Duration
	LockRetryMaxBackoff time.Duration

	LimitOrderBatch    int
	LimitOrderInterval time.Duration
	CycleLockTTL       time.Duration
}

// ExecutionEngine moves orders through PENDING -> EXECUTED | CANCELLED |
// REJECTED and owns the position close path. Every ledger mutation runs under
// the account lock.
type ExecutionEngine struct {
	ledger    domain.Ledger
	orders    domain.OrderStore
	positions domain.PositionStore
	accounts  domain.AccountStore
	quotes    domain.QuoteCache
	calc      *margin.Calculator
	calendar  *Calendar
	book      *PositionLedger
	cfg       EngineConfig

	limiter  domain.RateLimiter
	bus      domain.EventBus
	audit    domain.AuditStore
	notifier domain.AlertNotifier
	metrics  *Metrics

	limitGuard *cycleGuard
	heartbeats domain.Heartbeats

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewExecutionEngine creates an ExecutionEngine with all required dependencies.
func NewExecutionEngine(
	ledger domain.Ledger,
	orders domain.OrderStore,
	positions domain.PositionStore,
	accounts domain.AccountStore,
	quotes domain.QuoteCache,
	calc *margin.Calculator,
	calendar *Calendar,
	cfg EngineConfig,
	logger *slog.Logger,
) *ExecutionEngine {
	if cfg.LockRetryAttempts <= 0 {
		cfg.LockRetryAttempts = 1
	}
	if cfg.LimitOrderBatch <= 0 {
		cfg.LimitOrderBatch = 200
	}
	newID := func() string { return uuid.NewString() }
	return &ExecutionEngine{
		ledger:     ledger,
		orders:     orders,
		positions:  positions,
		accounts:   accounts,
		quotes:     quotes,
		calc:       calc,
		calendar:   calendar,
		book:       NewPositionLedger(newID),
		cfg:        cfg,
		limitGuard: newCycleGuard("limit_orders", nil, cfg.CycleLockTTL),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      newID,
		logger:     logger.With(slog.String("component", "engine")),
	}
}

// WithRateLimiter enables the per-account order placement rate limit.
func (e *ExecutionEngine) WithRateLimiter(l domain.RateLimiter) *ExecutionEngine {
	e.limiter = l
	return e
}

// WithEventBus publishes an AccountEvent after every committed change.
func (e *ExecutionEngine) WithEventBus(bus domain.EventBus) *ExecutionEngine {
	e.bus = bus
	return e
}

// WithAudit records rejections, cancellations and forced closes.
func (e *ExecutionEngine) WithAudit(audit domain.AuditStore) *ExecutionEngine {
	e.audit = audit
	return e
}

// WithNotifier delivers the risk alerts raised by forced closes.
func (e *ExecutionEngine) WithNotifier(n domain.AlertNotifier) *ExecutionEngine {
	e.notifier = n
	return e
}

// WithMetrics attaches Prometheus collectors.
func (e *ExecutionEngine) WithMetrics(m *Metrics) *ExecutionEngine {
	e.metrics = m
	return e
}

// WithLocks makes the LIMIT order loop exclusive across instances.
func (e *ExecutionEngine) WithLocks(locks domain.LockManager) *ExecutionEngine {
	e.limitGuard.locks = locks
	return e
}

// WithHeartbeats records LIMIT loop liveness.
func (e *ExecutionEngine) WithHeartbeats(hb domain.Heartbeats) *ExecutionEngine {
	e.heartbeats = hb
	return e
}

// PlaceOrder validates req and records it. A MARKET order fills immediately at
// the live quote or, when no tradable quote exists, is stored CANCELLED and
// returned without error. A LIMIT order is stored PENDING for the processing
// loop.
func (e *ExecutionEngine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlaceOrderResult, error) {
	req = normalizeRequest(req)
	if err := validateRequest(req); err != nil {
		return domain.PlaceOrderResult{}, err
	}
	now := e.now()
	if err := e.calendar.CheckOpen(req.Segment, now); err != nil {
		return domain.PlaceOrderResult{}, err
	}
	if err := e.checkRateLimit(ctx, req.AccountID); err != nil {
		return domain.PlaceOrderResult{}, err
	}

	order := newOrder(req, e.newID(), now)

	var price decimal.Decimal
	if order.Type == domain.OrderTypeMarket {
		quote := e.liveQuote(ctx, order.InstrumentID)
		if quote == nil {
			return e.cancelUnpriced(ctx, order)
		}
		price = quote.LastTradePrice
		if err := validateRiskLevels(order.Side, price, order.StopLoss, order.Target); err != nil {
			return domain.PlaceOrderResult{}, err
		}
	} else {
		price = *order.LimitPrice
	}

	priced, err := e.priceOrder(ctx, order, price)
	if err != nil {
		return domain.PlaceOrderResult{}, err
	}
	if err := checkOrderValue(priced); err != nil {
		return domain.PlaceOrderResult{}, err
	}

	err = e.withAccountLock(ctx, "place", order.AccountID, true, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := e.checkOrderLimits(ctx, tx, order, price, priced); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if order.Type == domain.OrderTypeLimit {
			return nil
		}
		_, err = e.executeFill(ctx, tx, &order, price, priced)
		return err
	})
	if err != nil {
		return domain.PlaceOrderResult{}, e.surface(ctx, err, "place_order", order.AccountID, order.InstrumentID)
	}

	e.metrics.orderRecorded(order.Type, order.Status)
	res := domain.PlaceOrderResult{OrderID: order.ID, Status: order.Status}
	if order.Status == domain.OrderStatusExecuted {
		res.FillPrice = order.AverageFillPrice
		e.publishEvent(ctx, order.AccountID, domain.EventOrderExecuted, order.ID)
	} else {
		res.ExecutionScheduled = true
		e.publishEvent(ctx, order.AccountID, domain.EventOrderPlaced, order.ID)
	}
	e.logger.InfoContext(ctx, "engine: order placed",
		slog.String("order_id", order.ID),
		slog.String("account_id", order.AccountID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.Int64("quantity", order.Quantity),
		slog.String("status", string(order.Status)),
		slog.String("price", price.String()),
	)
	return res, nil
}

// checkOrderValue rejects an order whose turnover exceeds the configured
// maximum order value.
func checkOrderValue(priced margin.Result) error {
	if priced.MaxOrderValue != nil && priced.Turnover.GreaterThan(*priced.MaxOrderValue) {
		return domain.NewValidationError("quantity",
			fmt.Sprintf("order value %s exceeds limit %s", priced.Turnover.StringFixed(2), priced.MaxOrderValue.StringFixed(2)))
	}
	return nil
}

// checkPositionLimit rejects an order that would open a new symbol while the
// account already holds the maximum number of positions in the segment.
func checkPositionLimit(ctx context.Context, tx domain.LedgerTx, existing *domain.Position, order domain.Order, priced margin.Result) error {
	if existing != nil || priced.MaxPositions == nil {
		return nil
	}
	n, err := tx.CountActivePositions(ctx, order.AccountID, order.Segment)
	if err != nil {
		return err
	}
	if n >= *priced.MaxPositions {
		return domain.NewValidationError("symbol",
			fmt.Sprintf("account already holds %d of %d allowed %s positions", n, *priced.MaxPositions, order.Segment))
	}
	return nil
}

// checkOrderLimits runs every configured order constraint under the account
// lock: order value, position count and opening margin.
func (e *ExecutionEngine) checkOrderLimits(ctx context.Context, tx domain.LedgerTx, order domain.Order, price decimal.Decimal, priced margin.Result) error {
	if err := checkOrderValue(priced); err != nil {
		return err
	}
	existing, err := tx.GetActivePosition(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return err
	}
	if err := checkPositionLimit(ctx, tx, existing, order, priced); err != nil {
		return err
	}
	return e.checkOpeningMargin(ctx, tx, existing, order, price, priced)
}

// priceOrder runs the margin calculator for order at price.
func (e *ExecutionEngine) priceOrder(ctx context.Context, order domain.Order, price decimal.Decimal) (margin.Result, error) {
	return e.calc.CalculateMargin(ctx, margin.Input{
		Segment:     order.Segment,
		ProductType: order.ProductType,
		Quantity:    order.Quantity,
		Price:       price,
		LotSize:     order.LotSize,
	})
}

// checkOpeningMargin rejects an order whose opening part the account cannot
// fund at price. Reducing orders always pass.
func (e *ExecutionEngine) checkOpeningMargin(ctx context.Context, tx domain.LedgerTx, existing *domain.Position, order domain.Order, price decimal.Decimal, priced margin.Result) error {
	preview := e.book.Upsert(existing, fillFor(order, price, priced.Leverage, e.now()))
	if preview.OpenedQty == 0 {
		return nil
	}
	acct, err := tx.GetAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}
	free := acct.AvailableMargin.Add(preview.MarginReleased).Add(preview.RealizedPnL)
	return margin.Validate(free, preview.MarginBlocked, priced.TotalCharges).Err()
}

// cancelUnpriced stores a MARKET order that found no tradable quote as
// CANCELLED so it can never execute later at a stale price.
func (e *ExecutionEngine) cancelUnpriced(ctx context.Context, order domain.Order) (domain.PlaceOrderResult, error) {
	order.Status = domain.OrderStatusCancelled
	order.Reason = domain.ErrMarketDataUnavailable.Error()

	err := e.withAccountLock(ctx, "place", order.AccountID, true, func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return domain.PlaceOrderResult{}, e.surface(ctx, err, "cancel_unpriced", order.AccountID, order.InstrumentID)
	}

	e.metrics.orderRecorded(order.Type, order.Status)
	e.logger.WarnContext(ctx, "engine: market order cancelled, no tradable quote",
		slog.String("order_id", order.ID),
		slog.String("account_id", order.AccountID),
		slog.String("instrument_id", order.InstrumentID),
	)
	e.auditLog(ctx, "order_cancelled", map[string]any{
		"order_id":      order.ID,
		"account_id":    order.AccountID,
		"instrument_id": order.InstrumentID,
		"reason":        order.Reason,
	})
	e.publishEvent(ctx, order.AccountID, domain.EventOrderCancelled, order.ID)
	return domain.PlaceOrderResult{
		OrderID: order.ID,
		Status:  order.Status,
		Reason:  order.Reason,
	}, nil
}

// ModifyOrder changes the quantity, limit price, stop-loss or target of a
// PENDING order. The modified order must pass the same trading-window, order
// value, position count and margin checks as a new one.
func (e *ExecutionEngine) ModifyOrder(ctx context.Context, orderID string, mod domain.OrderModification) (domain.Order, error) {
	if mod.Quantity == nil && mod.LimitPrice == nil && mod.StopLoss == nil && mod.Target == nil {
		return domain.Order{}, domain.NewValidationError("", "nothing to modify")
	}
	if mod.Quantity != nil && *mod.Quantity <= 0 {
		return domain.Order{}, domain.NewValidationError("quantity", "must be positive")
	}
	if mod.LimitPrice != nil && !mod.LimitPrice.IsPositive() {
		return domain.Order{}, domain.NewValidationError("limit_price", "must be positive")
	}

	current, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: modify order: %w", err)
	}
	if err := e.calendar.CheckOpen(current.Segment, e.now()); err != nil {
		return domain.Order{}, err
	}
	if current.Status == domain.OrderStatusPending {
		projected, err := applyModification(current, mod)
		if err != nil {
			return domain.Order{}, err
		}
		if projected.LimitPrice != nil {
			priced, err := e.priceOrder(ctx, projected, *projected.LimitPrice)
			if err != nil {
				return domain.Order{}, err
			}
			if err := checkOrderValue(priced); err != nil {
				return domain.Order{}, err
			}
		}
	}

	var updated domain.Order
	err = e.withAccountLock(ctx, "modify", current.AccountID, true, func(ctx context.Context, tx domain.LedgerTx) error {
		stored, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if stored.Status != domain.OrderStatusPending {
			return fmt.Errorf("engine: order %s is %s: %w", orderID, stored.Status, domain.ErrInvalidTransition)
		}
		order, err := applyModification(stored, mod)
		if err != nil {
			return err
		}
		if order.LimitPrice != nil {
			priced, err := e.priceOrder(ctx, order, *order.LimitPrice)
			if err != nil {
				return err
			}
			if err := e.checkOrderLimits(ctx, tx, order, *order.LimitPrice, priced); err != nil {
				return err
			}
		}
		order.UpdatedAt = e.now()
		if err := tx.UpdateOrder(ctx, order, domain.OrderStatusPending); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, e.surface(ctx, err, "modify_order", current.AccountID, current.InstrumentID)
	}

	e.auditLog(ctx, "order_modified", map[string]any{
		"order_id":   updated.ID,
		"account_id": updated.AccountID,
		"quantity":   updated.Quantity,
	})
	e.publishEvent(ctx, updated.AccountID, domain.EventOrderModified, updated.ID)
	return updated, nil
}

// applyModification returns order with mod applied and validated.
func applyModification(order domain.Order, mod domain.OrderModification) (domain.Order, error) {
	if mod.Quantity != nil {
		if *mod.Quantity%max(order.LotSize, 1) != 0 {
			return order, domain.NewValidationError("quantity", fmt.Sprintf("must be a multiple of lot size %d", order.LotSize))
		}
		order.Quantity = *mod.Quantity
	}
	if mod.LimitPrice != nil {
		if order.Type != domain.OrderTypeLimit {
			return order, domain.NewValidationError("limit_price", "only LIMIT orders carry a limit price")
		}
		order.LimitPrice = mod.LimitPrice
	}
	if mod.StopLoss != nil {
		order.StopLoss = mod.StopLoss
	}
	if mod.Target != nil {
		order.Target = mod.Target
	}
	if order.LimitPrice != nil {
		if err := validateRiskLevels(order.Side, *order.LimitPrice, order.StopLoss, order.Target); err != nil {
			return order, err
		}
	}
	return order, nil
}

// CancelOrder cancels a PENDING order.
func (e *ExecutionEngine) CancelOrder(ctx context.Context, orderID, reason string) (domain.Order, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	current, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: cancel order: %w", err)
	}

	var cancelled domain.Order
	err = e.withAccountLock(ctx, "cancel", current.AccountID, true, func(ctx context.Context, tx domain.LedgerTx) error {
		order, err := e.cancelPending(ctx, tx, orderID, reason)
		cancelled = order
		return err
	})
	if err != nil {
		return domain.Order{}, e.surface(ctx, err, "cancel_order", current.AccountID, current.InstrumentID)
	}
	e.afterCancel(ctx, cancelled)
	return cancelled, nil
}

func (e *ExecutionEngine) cancelPending(ctx context.Context, tx domain.LedgerTx, orderID, reason string) (domain.Order, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
		return domain.Order{}, fmt.Errorf("engine: order %s is %s: %w", orderID, order.Status, domain.ErrInvalidTransition)
	}
	order.Status = domain.OrderStatusCancelled
	order.Reason = reason
	order.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, order, domain.OrderStatusPending); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (e *ExecutionEngine) afterCancel(ctx context.Context, order domain.Order) {
	e.metrics.orderRecorded(order.Type, order.Status)
	e.auditLog(ctx, "order_cancelled", map[string]any{
		"order_id":   order.ID,
		"account_id": order.AccountID,
		"reason":     order.Reason,
	})
	e.publishEvent(ctx, order.AccountID, domain.EventOrderCancelled, order.ID)
	e.logger.InfoContext(ctx, "engine: order cancelled",
		slog.String("order_id", order.ID),
		slog.String("account_id", order.AccountID),
		slog.String("reason", order.Reason),
	)
}

// UpdatePositionRisk replaces the stop-loss and target of an open position.
// Nil levels clear the corresponding trigger.
func (e *ExecutionEngine) UpdatePositionRisk(ctx context.Context, accountID, positionID string, levels domain.RiskLevels) (domain.Position, error) {
	var updated domain.Position
	err := e.withAccountLock(ctx, "update_risk", accountID, true, func(ctx context.Context, tx domain.LedgerTx) error {
		pos, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if pos.AccountID != accountID {
			return fmt.Errorf("engine: position %s: %w", positionID, domain.ErrNotFound)
		}
		if !pos.Active() {
			return fmt.Errorf("engine: position %s: %w", positionID, domain.ErrPositionClosed)
		}
		side := domain.OrderSideBuy
		if !pos.Long() {
			side = domain.OrderSideSell
		}
		ref := pos.LastPrice
		if !ref.IsPositive() {
			ref = pos.AveragePrice
		}
		if err := validateRiskLevels(side, ref, levels.StopLoss, levels.Target); err != nil {
			return err
		}
		pos.StopLoss = levels.StopLoss
		pos.Target = levels.Target
		pos.UpdatedAt = e.now()
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		updated = pos
		return nil
	})
	if err != nil {
		return domain.Position{}, e.surface(ctx, err, "update_position_risk", accountID, "")
	}
	return updated, nil
}

// ValidateMargin compares the account's current free margin with
// requiredMargin + totalCharges. Fills repeat the check inside the ledger
// transaction.
func (e *ExecutionEngine) ValidateMargin(ctx context.Context, accountID string, requiredMargin, totalCharges decimal.Decimal) (margin.Validation, error) {
	acct, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return margin.Validation{}, fmt.Errorf("engine: validate margin: %w", err)
	}
	return margin.Validate(acct.AvailableMargin, requiredMargin, totalCharges), nil
}

// withAccountLock runs fn under the account lock. With retry it backs off and
// tries again on contention up to LockRetryAttempts times in total.
func (e *ExecutionEngine) withAccountLock(ctx context.Context, op, accountID string, retry bool, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	attempts := 1
	if retry {
		attempts = e.cfg.LockRetryAttempts
	}
	for i := 0; ; i++ {
		err := e.ledger.WithAccountLock(ctx, accountID, fn)
		if !domain.IsLockContention(err) {
			return err
		}
		e.metrics.lockContended(op)
		e.logger.DebugContext(ctx, "engine: account lock busy",
			slog.String("op", op),
			slog.String("account_id", accountID),
			slog.Int("attempt", i+1),
		)
		if i+1 >= attempts {
			return err
		}
		if sleepErr := sleepCtx(ctx, lockBackoff(e.cfg.LockRetryBackoff, e.cfg.LockRetryMaxBackoff, i)); sleepErr != nil {
			return err
		}
	}
}

// surface passes business outcomes through and wraps everything else in a
// PersistenceError, logged with the full context of the attempted operation.
func (e *ExecutionEngine) surface(ctx context.Context, err error, op, accountID, instrumentID string) error {
	if err == nil || isBusinessError(err) {
		return err
	}
	e.logger.ErrorContext(ctx, "engine: ledger transaction failed",
		slog.String("op", op),
		slog.String("account_id", accountID),
		slog.String("instrument_id", instrumentID),
		slog.String("error", err.Error()),
	)
	return &domain.PersistenceError{Op: op, AccountID: accountID, InstrumentID: instrumentID, Err: err}
}

func isBusinessError(err error) bool {
	var verr *domain.ValidationError
	var merr *domain.MarginInsufficientError
	switch {
	case errors.As(err, &verr), errors.As(err, &merr):
		return true
	case errors.Is(err, domain.ErrLockContention),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrMarketDataUnavailable),
		errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func (e *ExecutionEngine) checkRateLimit(ctx context.Context, accountID string) error {
	if e.limiter == nil || e.cfg.OrderRateLimit <= 0 {
		return nil
	}
	allowed, err := e.limiter.Allow(ctx, "orders:"+accountID, e.cfg.OrderRateLimit, e.cfg.OrderRateWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: rate limiter unavailable, allowing order",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !allowed {
		return &domain.ValidationError{
			Field:  "account_id",
			Reason: fmt.Sprintf("more than %d orders per %s", e.cfg.OrderRateLimit, e.cfg.OrderRateWindow),
			Err:    domain.ErrRateLimited,
		}
	}
	return nil
}

// liveQuote returns the instrument's quote when it is tradable now, else nil.
func (e *ExecutionEngine) liveQuote(ctx context.Context, token string) *domain.Quote {
	if err := e.quotes.EnsureSubscribed(ctx, []string{token}); err != nil {
		e.logger.WarnContext(ctx, "engine: subscribe quote failed",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
	}
	q, err := e.quotes.GetQuote(ctx, token)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: read quote failed",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !q.Tradable(e.now(), e.cfg.MaxQuoteAge) {
		return nil
	}
	return q
}

func (e *ExecutionEngine) publishEvent(ctx context.Context, accountID string, kind domain.AccountEventKind, refID string) {
	if e.bus == nil {
		return
	}
	evt := domain.AccountEvent{AccountID: accountID, Kind: kind, RefID: refID, At: e.now()}
	if err := e.bus.PublishAccountEvent(ctx, evt); err != nil {
		e.logger.WarnContext(ctx, "engine: publish event failed",
			slog.String("account_id", accountID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *ExecutionEngine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "engine: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeRequest(req domain.OrderRequest) domain.OrderRequest {
	req.Segment = domain.ParseSegment(string(req.Segment))
	req.ProductType = domain.ParseProductType(string(req.ProductType))
	if req.LotSize <= 0 {
		req.LotSize = 1
	}
	return req
}

func validateRequest(req domain.OrderRequest) error {
	switch {
	case req.AccountID == "":
		return domain.NewValidationError("account_id", "required")
	case req.InstrumentID == "":
		return domain.NewValidationError("instrument_id", "required")
	case req.Symbol == "":
		return domain.NewValidationError("symbol", "required")
	case !req.Side.Valid():
		return domain.NewValidationError("side", fmt.Sprintf("unknown side %q", req.Side))
	case !req.Type.Valid():
		return domain.NewValidationError("type", fmt.Sprintf("unknown order type %q", req.Type))
	case !req.Segment.Valid():
		return domain.NewValidationError("segment", fmt.Sprintf("unknown segment %q", req.Segment))
	case !req.ProductType.Valid():
		return domain.NewValidationError("product_type", fmt.Sprintf("unknown product type %q", req.ProductType))
	case req.Quantity <= 0:
		return domain.NewValidationError("quantity", "must be positive")
	case req.Quantity%req.LotSize != 0:
		return domain.NewValidationError("quantity", fmt.Sprintf("must be a multiple of lot size %d", req.LotSize))
	}

	if req.Type == domain.OrderTypeLimit {
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return domain.NewValidationError("limit_price", "required and positive for LIMIT orders")
		}
		return validateRiskLevels(req.Side, *req.LimitPrice, req.StopLoss, req.Target)
	}
	if req.LimitPrice != nil {
		return domain.NewValidationError("limit_price", "not allowed on MARKET orders")
	}
	return validateRiskLevels(req.Side, decimal.Zero, req.StopLoss, req.Target)
}

// validateRiskLevels checks that a long's stop-loss sits below ref and its
// target above, reversed for a short. A zero ref only checks positivity.
func validateRiskLevels(side domain.OrderSide, ref decimal.Decimal, stopLoss, target *decimal.Decimal) error {
	if stopLoss != nil && !stopLoss.IsPositive() {
		return domain.NewValidationError("stop_loss", "must be positive")
	}
	if target != nil && !target.IsPositive() {
		return domain.NewValidationError("target", "must be positive")
	}
	if !ref.IsPositive() {
		return nil
	}
	long := side == domain.OrderSideBuy
	if stopLoss != nil {
		if long && !stopLoss.LessThan(ref) {
			return domain.NewValidationError("stop_loss", fmt.Sprintf("must be below %s for a long", ref))
		}
		if !long && !stopLoss.GreaterThan(ref) {
			return domain.NewValidationError("stop_loss", fmt.Sprintf("must be above %s for a short", ref))
		}
	}
	if target != nil {
		if long && !target.GreaterThan(ref) {
			return domain.NewValidationError("target", fmt.Sprintf("must be above %s for a long", ref))
		}
		if !long && !target.LessThan(ref) {
			return domain.NewValidationError("target", fmt.Sprintf("must be below %s for a short", ref))
		}
	}
	return nil
}

func newOrder(req domain.OrderRequest, id string, now time.Time) domain.Order {
	return domain.Order{
		ID:           id,
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LotSize:      req.LotSize,
		LimitPrice:   req.LimitPrice,
		StopLoss:     req.StopLoss,
		Target:       req.Target,
		ProductType:  req.ProductType,
		Segment:      req.Segment,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
