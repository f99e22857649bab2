package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

func TestPlaceMarketOrderExecutesAtQuote(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")
	ctx := context.Background()

	res, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	assert.False(t, res.ExecutionScheduled)
	require.NotNil(t, res.FillPrice)
	assert.True(t, res.FillPrice.Equal(d("100")))
	assert.True(t, h.quotes.Subscribed("INFY"))

	order, ok := h.ledger.Order(res.OrderID)
	require.True(t, ok)
	assert.Equal(t, int64(10), order.FilledQuantity)
	require.NotNil(t, order.ExecutedAt)

	positions := h.activePositions()
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)
	assert.True(t, positions[0].AveragePrice.Equal(d("100")))
	assert.True(t, positions[0].MarginBlocked.Equal(d("200")))

	charges := h.charges(10, "100")
	acct := h.ledger.Account("acc-1")
	assert.True(t, acct.UsedMargin.Equal(d("200")))
	assert.True(t, acct.Balance.Equal(d("100000").Sub(charges)))
	requireBalanced(t, acct)

	kinds := map[domain.TransactionKind]decimal.Decimal{}
	for _, tr := range h.ledger.Transactions() {
		assert.Equal(t, res.OrderID, tr.OrderID)
		kinds[tr.Kind] = tr.Amount
	}
	assert.True(t, kinds[domain.TxMarginBlock].Equal(d("-200")))
	assert.True(t, kinds[domain.TxCharges].Equal(charges.Neg()))

	events := h.bus.Published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderExecuted, events[0].Kind)
	assert.Equal(t, "acc-1", events[0].AccountID)
	assert.Equal(t, res.OrderID, events[0].RefID)
}

func TestPlaceMarketOrderWithoutTradableQuoteIsCancelled(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{"no quote", func(h *harness) {}},
		{"stale quote", func(h *harness) {
			h.quotes.Set("INFY", d("100"), decimal.Zero, h.now.Add(-time.Hour))
		}},
		{"zero price", func(h *harness) {
			h.quotes.Set("INFY", decimal.Zero, decimal.Zero, h.now)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			res, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 10))
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusCancelled, res.Status)
			assert.NotEmpty(t, res.Reason)

			order, ok := h.ledger.Order(res.OrderID)
			require.True(t, ok)
			assert.Equal(t, domain.OrderStatusCancelled, order.Status)
			assert.Zero(t, order.FilledQuantity)
			assert.Empty(t, h.activePositions())
			assert.Empty(t, h.ledger.Transactions())
			assert.True(t, h.ledger.Account("acc-1").Balance.Equal(d("100000")))
			assert.Contains(t, h.audit.Events(), "order_cancelled")
		})
	}
}

func TestPlaceLimitOrderWaitsForCross(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")
	ctx := context.Background()

	res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 10, "95"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, res.Status)
	assert.True(t, res.ExecutionScheduled)

	run, err := h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Waiting)
	assert.Empty(t, h.activePositions())

	h.quote("INFY", "94.5")
	run, err = h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Executed)

	order, _ := h.ledger.Order(res.OrderID)
	assert.Equal(t, domain.OrderStatusExecuted, order.Status)
	require.NotNil(t, order.AverageFillPrice)
	assert.True(t, order.AverageFillPrice.Equal(d("95")), "fills at the limit price")

	positions := h.activePositions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].AveragePrice.Equal(d("95")))

	run, err = h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Processed)
}

func TestSellLimitCrossesAtOrAbove(t *testing.T) {
	assert.True(t, crossed(domain.OrderSideSell, d("101"), d("100")))
	assert.True(t, crossed(domain.OrderSideSell, d("100"), d("100")))
	assert.False(t, crossed(domain.OrderSideSell, d("99"), d("100")))
	assert.True(t, crossed(domain.OrderSideBuy, d("100"), d("100")))
	assert.False(t, crossed(domain.OrderSideBuy, d("100.01"), d("100")))
}

func TestProcessPendingRejectsUnfundedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 10, "95"))
	require.NoError(t, err)

	h.ledger.PutAccount(domain.TradingAccount{ID: "acc-1", Balance: d("50"), AvailableMargin: d("50")})
	h.quote("INFY", "90")

	run, err := h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Rejected)

	order, _ := h.ledger.Order(res.OrderID)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Contains(t, order.Reason, "insufficient margin")
	assert.Empty(t, h.activePositions())
	assert.True(t, h.ledger.Account("acc-1").Balance.Equal(d("50")))
}

func TestProcessPendingExpiresPreviousSession(t *testing.T) {
	h := newHarness(t)
	window, err := ParseSessionWindow("09:15", "15:30")
	require.NoError(t, err)
	cal, err := NewCalendar(time.UTC, map[domain.Segment]SessionWindow{domain.SegmentNSE: window}, nil, false)
	require.NoError(t, err)
	h.engine.calendar = cal

	stale := domain.Order{
		ID: "ord-old", AccountID: "acc-1", InstrumentID: "INFY", Symbol: "INFY",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, LotSize: 1,
		LimitPrice: dp("90"), ProductType: domain.ProductMIS, Segment: domain.SegmentNSE,
		Status: domain.OrderStatusPending, CreatedAt: tuesday10.Add(-24 * time.Hour), UpdatedAt: tuesday10.Add(-24 * time.Hour),
	}
	fresh := stale
	fresh.ID = "ord-new"
	fresh.CreatedAt = tuesday10.Add(-time.Hour)
	h.ledger.PutOrder(stale)
	h.ledger.PutOrder(fresh)

	run, err := h.engine.ProcessPendingOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Expired)
	assert.Equal(t, 1, run.Waiting)

	got, _ := h.ledger.Order("ord-old")
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, "expired", got.Reason)
	got, _ = h.ledger.Order("ord-new")
	assert.Equal(t, domain.OrderStatusPending, got.Status)
}

func TestPlaceOrderValidation(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")

	cases := []struct {
		name   string
		mutate func(r *domain.OrderRequest)
		field  string
	}{
		{"missing account", func(r *domain.OrderRequest) { r.AccountID = "" }, "account_id"},
		{"bad side", func(r *domain.OrderRequest) { r.Side = "HOLD" }, "side"},
		{"bad segment", func(r *domain.OrderRequest) { r.Segment = "LSE" }, "segment"},
		{"zero quantity", func(r *domain.OrderRequest) { r.Quantity = 0 }, "quantity"},
		{"lot mismatch", func(r *domain.OrderRequest) { r.LotSize = 25; r.Quantity = 30 }, "quantity"},
		{"limit without price", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeLimit }, "limit_price"},
		{"market with price", func(r *domain.OrderRequest) { r.LimitPrice = dp("100") }, "limit_price"},
		{"stop above long entry", func(r *domain.OrderRequest) { r.StopLoss = dp("105") }, "stop_loss"},
		{"target below long entry", func(r *domain.OrderRequest) { r.Target = dp("99") }, "target"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := h.marketOrder(domain.OrderSideBuy, 10)
			tc.mutate(&req)
			_, err := h.engine.PlaceOrder(context.Background(), req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}
	assert.Empty(t, h.ledger.Orders(), "rejected requests write nothing")
}

func TestPlaceOrderInsufficientMargin(t *testing.T) {
	h := newHarness(t)
	h.ledger.PutAccount(domain.TradingAccount{ID: "acc-1", Balance: d("150"), AvailableMargin: d("150")})
	h.quote("INFY", "100")

	_, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 10))
	var merr *domain.MarginInsufficientError
	require.ErrorAs(t, err, &merr)
	assert.True(t, merr.Shortfall.GreaterThanOrEqual(d("50")))
	assert.Empty(t, h.ledger.Orders())
	assert.True(t, h.ledger.Account("acc-1").AvailableMargin.Equal(d("150")))
}

func TestPlaceOrderReducingAlwaysAllowed(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")
	ctx := context.Background()

	_, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)

	acct := h.ledger.Account("acc-1")
	acct.AvailableMargin = decimal.Zero
	acct.Balance = acct.UsedMargin
	h.ledger.PutAccount(acct)

	res, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideSell, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	assert.Equal(t, int64(6), h.activePositions()[0].Quantity)
}

func TestPlaceOrderConfigLimits(t *testing.T) {
	h := newHarness(t)
	maxPositions := 1
	h.configs.SetMargins(domain.MarginConfig{
		Segment: domain.SegmentNSE, ProductType: domain.ProductMIS,
		Leverage: dp("5"), BrokerageFlat: dp("0"),
		MaxOrderValue: dp("5000"), MaxPositions: &maxPositions, Active: true,
	})
	h.quote("INFY", "100")
	h.quote("TCS", "100")
	ctx := context.Background()

	_, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 60))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "exceeds limit")

	_, err = h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)

	tcs := h.marketOrder(domain.OrderSideBuy, 10)
	tcs.InstrumentID, tcs.Symbol = "TCS", "TCS"
	_, err = h.engine.PlaceOrder(ctx, tcs)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)

	_, err = h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 5))
	require.NoError(t, err, "adding to an existing symbol does not count as a new position")
}

type denyLimiter struct{ err error }

func (l denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, l.err
}

func TestPlaceOrderRejectedBeforeLock(t *testing.T) {
	t.Run("market closed", func(t *testing.T) {
		h := newHarness(t)
		cal, err := NewCalendar(time.UTC, nil, nil, false)
		require.NoError(t, err)
		h.engine.calendar = cal
		h.quote("INFY", "100")

		_, err = h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 1))
		assert.ErrorIs(t, err, domain.ErrMarketClosed)
		assert.Zero(t, h.ledger.Commits())
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t)
		h.engine.cfg.OrderRateLimit = 1
		h.engine.WithRateLimiter(denyLimiter{})
		h.quote("INFY", "100")

		_, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 1))
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Zero(t, h.ledger.Commits())
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		h := newHarness(t)
		h.engine.cfg.OrderRateLimit = 1
		h.engine.WithRateLimiter(denyLimiter{err: errors.New("redis down")})
		h.quote("INFY", "100")

		res, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 1))
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	})
}

func TestConcurrentFillsAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.LockRetryAttempts = 200
	h.quote("INFY", "100")
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 1))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrLockContention)
				return
			}
			if res.Status == domain.OrderStatusExecuted {
				mu.Lock()
				executed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Positive(t, executed)
	positions := h.activePositions()
	require.Len(t, positions, 1)
	assert.Equal(t, int64(executed), positions[0].Quantity, "every executed fill is reflected exactly once")

	acct := h.ledger.Account("acc-1")
	assert.True(t, acct.UsedMargin.Equal(decimal.NewFromInt(int64(20*executed))))
	requireBalanced(t, acct)
}

func TestHeldAccountLockReturnsContention(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")
	release := h.ledger.HoldLock("acc-1")
	defer release()

	_, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 1))
	assert.True(t, domain.IsLockContention(err))
	assert.Empty(t, h.ledger.Orders())
}

func TestPersistenceFailureRollsBackFill(t *testing.T) {
	h := newHarness(t)
	h.quote("INFY", "100")
	h.ledger.FailOp = func(op string) error {
		if op == "insert_transaction" {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := h.engine.PlaceOrder(context.Background(), h.marketOrder(domain.OrderSideBuy, 10))
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "acc-1", perr.AccountID)
	assert.Equal(t, "INFY", perr.InstrumentID)

	assert.Empty(t, h.ledger.Orders())
	assert.Empty(t, h.ledger.Positions("acc-1"))
	assert.True(t, h.ledger.Account("acc-1").Balance.Equal(d("100000")))
}

func TestModifyAndCancelOnlyPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 10, "95"))
	require.NoError(t, err)

	qty := int64(20)
	modified, err := h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{Quantity: &qty, LimitPrice: dp("96")})
	require.NoError(t, err)
	assert.Equal(t, int64(20), modified.Quantity)
	assert.True(t, modified.LimitPrice.Equal(d("96")))

	_, err = h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{StopLoss: dp("97")})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	cancelled, err := h.engine.CancelOrder(ctx, res.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	_, err = h.engine.CancelOrder(ctx, res.OrderID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{Quantity: &qty})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.CancelOrder(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReversalThroughEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.quote("INFY", "100")
	_, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)

	h.quote("INFY", "120")
	_, err = h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideSell, 15))
	require.NoError(t, err)

	all := h.ledger.Positions("acc-1")
	require.Len(t, all, 2)
	active := h.activePositions()
	require.Len(t, active, 1)
	assert.Equal(t, int64(-5), active[0].Quantity)
	assert.True(t, active[0].AveragePrice.Equal(d("120")))

	acct := h.ledger.Account("acc-1")
	assert.True(t, acct.UsedMargin.Equal(d("120")))
	requireBalanced(t, acct)
	wantBalance := d("100000").Add(d("200")).Sub(h.charges(10, "100")).Sub(h.charges(15, "120"))
	assert.True(t, acct.Balance.Equal(wantBalance), "balance %s want %s", acct.Balance, wantBalance)
}

func TestClosePositionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.quote("INFY", "100")
	_, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)
	pos := h.activePositions()[0]

	h.quote("INFY", "110")
	res, err := h.engine.ClosePosition(ctx, "acc-1", pos.ID, CloseManual)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	assert.True(t, res.RealizedPnL.Equal(d("100")))
	assert.Empty(t, h.activePositions())
	orders := len(h.ledger.Orders())

	again, err := h.engine.ClosePosition(ctx, "acc-1", pos.ID, CloseManual)
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
	atPrice, err := h.engine.ClosePositionAt(ctx, pos, d("50"), CloseOptions{Reason: CloseRisk})
	require.NoError(t, err)
	assert.True(t, atPrice.AlreadyClosed)
	assert.Len(t, h.ledger.Orders(), orders, "closing a flat position writes nothing")

	_, err = h.engine.ClosePosition(ctx, "acc-2", pos.ID, CloseManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdatePositionRisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.quote("INFY", "100")
	_, err := h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
	require.NoError(t, err)
	pos := h.activePositions()[0]

	_, err = h.engine.UpdatePositionRisk(ctx, "acc-1", pos.ID, domain.RiskLevels{StopLoss: dp("101")})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	updated, err := h.engine.UpdatePositionRisk(ctx, "acc-1", pos.ID, domain.RiskLevels{StopLoss: dp("95"), Target: dp("120")})
	require.NoError(t, err)
	assert.True(t, updated.StopLoss.Equal(d("95")))
	stored, _ := h.ledger.Position(pos.ID)
	assert.True(t, stored.Target.Equal(d("120")))
}

func TestValidateMargin(t *testing.T) {
	h := newHarness(t)
	v, err := h.engine.ValidateMargin(context.Background(), "acc-1", d("99000"), d("1500"))
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.True(t, v.Shortfall.Equal(d("500")))

	_, err = h.engine.ValidateMargin(context.Background(), "nobody", d("1"), d("1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockBackoffIsCapped(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, lockBackoff(10*time.Millisecond, time.Second, 0))
	assert.Equal(t, 40*time.Millisecond, lockBackoff(10*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, lockBackoff(10*time.Millisecond, time.Second, 20))
	assert.Zero(t, lockBackoff(0, time.Second, 3))
}

func TestPendingLimitOrdersRespectConfigLimits(t *testing.T) {
	h := newHarness(t)
	h.setLimits("5000", 1)
	ctx := context.Background()

	ids := map[string]string{}
	for _, sym := range []string{"INFY", "TCS", "WIPRO"} {
		res, err := h.engine.PlaceOrder(ctx, h.limitOrderOn(sym, domain.OrderSideBuy, 10, "100"))
		require.NoError(t, err, "no position is open yet, so %s passes the count", sym)
		ids[sym] = res.OrderID
	}

	qty := int64(100)
	_, err := h.engine.ModifyOrder(ctx, ids["WIPRO"], domain.OrderModification{Quantity: &qty})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "exceeds limit")
	wipro, _ := h.ledger.Order(ids["WIPRO"])
	assert.Equal(t, int64(10), wipro.Quantity)

	for _, sym := range []string{"INFY", "TCS", "WIPRO"} {
		h.quote(sym, "100")
	}
	run, err := h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Executed)
	assert.Equal(t, 2, run.Rejected)
	require.Len(t, h.activePositions(), 1)

	rejected := 0
	for _, id := range ids {
		o, _ := h.ledger.Order(id)
		if o.Status == domain.OrderStatusRejected {
			rejected++
			assert.Contains(t, o.Reason, "allowed NSE positions")
		}
	}
	assert.Equal(t, 2, rejected)
	requireBalanced(t, h.ledger.Account("acc-1"))
}

func TestLimitFillRechecksOrderValue(t *testing.T) {
	h := newHarness(t)
	h.setLimits("5000", 10)
	ctx := context.Background()

	res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 40, "100"))
	require.NoError(t, err)

	h.setLimits("3000", 10)
	h.quote("INFY", "100")
	run, err := h.engine.ProcessPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Rejected)
	assert.Zero(t, run.Executed)

	order, _ := h.ledger.Order(res.OrderID)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Contains(t, order.Reason, "exceeds limit")
	assert.Empty(t, h.activePositions())
}

func TestModifyOrderRunsPlacementChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("market closed", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 10, "95"))
		require.NoError(t, err)

		cal, err := NewCalendar(time.UTC, nil, nil, false)
		require.NoError(t, err)
		h.engine.calendar = cal
		qty := int64(20)
		_, err = h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{Quantity: &qty})
		assert.ErrorIs(t, err, domain.ErrMarketClosed)
	})

	t.Run("position count", func(t *testing.T) {
		h := newHarness(t)
		h.setLimits("100000", 1)
		res, err := h.engine.PlaceOrder(ctx, h.limitOrderOn("TCS", domain.OrderSideBuy, 10, "95"))
		require.NoError(t, err)

		h.quote("INFY", "100")
		_, err = h.engine.PlaceOrder(ctx, h.marketOrder(domain.OrderSideBuy, 10))
		require.NoError(t, err)

		_, err = h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{LimitPrice: dp("96")})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "symbol", verr.Field)
		tcs, _ := h.ledger.Order(res.OrderID)
		assert.True(t, tcs.LimitPrice.Equal(d("95")))
	})

	t.Run("margin", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.PutAccount(domain.TradingAccount{ID: "acc-1", Balance: d("1000"), AvailableMargin: d("1000")})
		res, err := h.engine.PlaceOrder(ctx, h.limitOrder(domain.OrderSideBuy, 10, "100"))
		require.NoError(t, err)

		qty := int64(100)
		_, err = h.engine.ModifyOrder(ctx, res.OrderID, domain.OrderModification{Quantity: &qty})
		var merr *domain.MarginInsufficientError
		require.ErrorAs(t, err, &merr)
		assert.True(t, merr.Shortfall.IsPositive())
		order, _ := h.ledger.Order(res.OrderID)
		assert.Equal(t, int64(10), order.Quantity)
	})
}
