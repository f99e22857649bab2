package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/testutil"
)

func newPnLWorker(h *harness) *MarkToMarketWorker {
	w := NewMarkToMarketWorker(h.ledger.PositionStore(), h.quotes, h.engine, PnLConfig{
		UpdateThreshold: d("1"),
		MaxQuoteAge:     time.Minute,
	}, discardLogger()).WithEventBus(h.bus)
	w.now = func() time.Time { return h.now }
	return w
}

func openLong(t *testing.T, h *harness, qty int64, stopLoss, target *decimal.Decimal) domain.Position {
	t.Helper()
	h.quote("INFY", "100")
	req := h.marketOrder(domain.OrderSideBuy, qty)
	req.StopLoss, req.Target = stopLoss, target
	_, err := h.engine.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	positions := h.activePositions()
	require.Len(t, positions, 1)
	return positions[0]
}

func TestMarkToMarketWritesOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	pos := openLong(t, h, 10, nil, nil)
	ctx := context.Background()

	h.quotes.Set("INFY", d("105"), d("102"), h.now)
	res, err := w.ProcessPositionPnL(ctx, w.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, h.ledger.MarkWrites())

	got, _ := h.ledger.Position(pos.ID)
	assert.True(t, got.LastPrice.Equal(d("105")))
	assert.True(t, got.UnrealizedPnL.Equal(d("50")))
	assert.True(t, got.DayPnL.Equal(d("30")))

	res, err = w.ProcessPositionPnL(ctx, w.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 1, h.ledger.MarkWrites(), "a repeated pass on the same quote writes nothing")

	assert.Equal(t, 1, h.bus.PublishedKinds()[domain.EventMarksUpdated])
}

func TestMarkToMarketRespectsThreshold(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	openLong(t, h, 10, nil, nil)
	ctx := context.Background()

	h.quotes.Set("INFY", d("100"), d("100"), h.now)
	_, err := w.ProcessPositionPnL(ctx, w.DefaultOptions())
	require.NoError(t, err)
	writes := h.ledger.MarkWrites()

	h.quotes.Set("INFY", d("100.05"), d("100"), h.now)
	res, err := w.ProcessPositionPnL(ctx, w.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, writes, h.ledger.MarkWrites())

	res, err = w.ProcessPositionPnL(ctx, PnLOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated, "zero threshold writes any movement")
}

func TestMarkToMarketClosesOnStopLoss(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	pos := openLong(t, h, 10, dp("90"), dp("120"))

	h.quote("INFY", "90")
	res, err := w.ProcessPositionPnL(context.Background(), w.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.StopLossClosed)
	assert.Empty(t, h.activePositions())

	closed, _ := h.ledger.Position(pos.ID)
	assert.True(t, closed.RealizedPnL.Equal(d("-100")))
	assert.True(t, closed.LastPrice.Equal(d("90")))

	alerts := h.ledger.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertStopLoss, alerts[0].Kind)
	assert.Equal(t, pos.ID, alerts[0].PositionID)
	require.NotNil(t, alerts[0].ClosePrice)
	assert.True(t, alerts[0].ClosePrice.Equal(d("90")))
	assert.Len(t, h.notifier.Alerts(), 1)
	assert.Contains(t, h.audit.Events(), "position_force_closed")

	requireBalanced(t, h.ledger.Account("acc-1"))
	assert.True(t, h.ledger.Account("acc-1").UsedMargin.IsZero())
}

func TestMarkToMarketClosesShortOnTarget(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	h.quote("INFY", "100")
	req := h.marketOrder(domain.OrderSideSell, 10)
	req.StopLoss, req.Target = dp("110"), dp("80")
	_, err := h.engine.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	h.quote("INFY", "79")
	res, err := w.ProcessPositionPnL(context.Background(), w.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TargetClosed)

	all := h.ledger.Positions("acc-1")
	require.Len(t, all, 1)
	assert.True(t, all[0].RealizedPnL.Equal(d("210")))
	assert.Equal(t, domain.AlertTarget, h.ledger.Alerts()[0].Kind)
}

func TestMarkToMarketDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	openLong(t, h, 10, dp("90"), nil)
	commits := h.ledger.Commits()

	h.quote("INFY", "89")
	res, err := w.ProcessPositionPnL(context.Background(), PnLOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.StopLossClosed)
	assert.Len(t, h.activePositions(), 1)
	assert.Equal(t, commits, h.ledger.Commits())
	assert.Zero(t, h.ledger.MarkWrites())
}

func TestMarkToMarketSkipsWithoutWork(t *testing.T) {
	t.Run("missing quote", func(t *testing.T) {
		h := newHarness(t)
		w := newPnLWorker(h)
		openLong(t, h, 10, nil, nil)
		h.quotes.Delete("INFY")

		res, err := w.ProcessPositionPnL(context.Background(), w.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		assert.Zero(t, h.ledger.MarkWrites())
	})

	t.Run("account busy", func(t *testing.T) {
		h := newHarness(t)
		w := newPnLWorker(h)
		openLong(t, h, 10, dp("95"), nil)
		h.quote("INFY", "94")
		release := h.ledger.HoldLock("acc-1")
		defer release()

		res, err := w.ProcessPositionPnL(context.Background(), w.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		assert.Zero(t, res.Errors)
		assert.Len(t, h.activePositions(), 1)
	})

	t.Run("no positions", func(t *testing.T) {
		h := newHarness(t)
		res, err := newPnLWorker(h).ProcessPositionPnL(context.Background(), PnLOptions{})
		require.NoError(t, err)
		assert.Zero(t, res.Processed)
	})
}

func TestMarksWithoutReferenceClose(t *testing.T) {
	pos := domain.Position{Quantity: -4, AveragePrice: d("50")}
	unrealized, day := Marks(pos, &domain.Quote{LastTradePrice: d("45")})
	assert.True(t, unrealized.Equal(d("20")))
	assert.True(t, day.Equal(unrealized))
}

func TestMarkToMarketCycleBeatsAndHonoursLock(t *testing.T) {
	h := newHarness(t)
	hb := testutil.NewHeartbeats()
	locks := testutil.NewLocks()
	w := newPnLWorker(h).WithHeartbeats(hb).WithLocks(locks)
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "worker:"+PnLHeartbeat, time.Minute)
	require.NoError(t, err)
	w.cycle(ctx)
	last, _ := hb.Last(ctx, PnLHeartbeat)
	assert.True(t, last.IsZero(), "cycle held by another instance does not run")

	release()
	w.cycle(ctx)
	last, _ = hb.Last(ctx, PnLHeartbeat)
	assert.Equal(t, h.now, last)
}

func TestMarkToMarketRotatesPastBatchLimit(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	seedAccount(h, "100000", "300")
	seedLong(h, "pos-a", "AAA", "100", "100")
	seedLong(h, "pos-b", "BBB", "100", "100")
	seedLong(h, "pos-c", "CCC", "100", "100")
	// pos-c was marked last, and unchanged marks never move pos-a or pos-b.
	c, _ := h.ledger.Position("pos-c")
	c.StopLoss = dp("95")
	c.UpdatedAt = h.now.Add(time.Minute)
	h.ledger.PutPosition(c)
	h.quote("AAA", "100")
	h.quote("BBB", "100")
	h.quote("CCC", "90")
	ctx := context.Background()

	var stopped int
	for pass := 0; pass < 2; pass++ {
		res, err := w.ProcessPositionPnL(ctx, PnLOptions{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Processed)
		stopped += res.StopLossClosed
	}
	assert.Equal(t, 1, stopped)
	closed, _ := h.ledger.Position("pos-c")
	assert.False(t, closed.Active())
	assert.Len(t, h.activePositions(), 2)
}

func TestMarkToMarketDryRunKeepsRotation(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	seedAccount(h, "100000", "300")
	for _, id := range []string{"pos-a", "pos-b", "pos-c"} {
		seedLong(h, id, "AAA", "100", "100")
	}
	h.quote("AAA", "100")
	ctx := context.Background()

	for pass := 0; pass < 2; pass++ {
		_, err := w.ProcessPositionPnL(ctx, PnLOptions{Limit: 2, DryRun: true})
		require.NoError(t, err)
	}
	batch, err := nextBatch(ctx, &w.cursor, 2, false, h.ledger.PositionStore().ListActive,
		func(p domain.Position) string { return p.ID })
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "pos-a", batch[0].ID)
}

func TestMarkToMarketComparesAtStoredScale(t *testing.T) {
	h := newHarness(t)
	w := newPnLWorker(h)
	// (101 - 100.123456) * 3 = 2.629632, stored as 2.6296.
	h.ledger.PutPosition(domain.Position{
		ID:            "pos-a",
		AccountID:     "acc-1",
		InstrumentID:  "INFY",
		Symbol:        "INFY",
		Segment:       domain.SegmentNSE,
		ProductType:   domain.ProductMIS,
		Quantity:      3,
		AveragePrice:  d("100.123456"),
		LastPrice:     d("101"),
		UnrealizedPnL: d("2.6296"),
		DayPnL:        d("2.6296"),
		CreatedAt:     h.now,
		UpdatedAt:     h.now,
	})
	h.quote("INFY", "101")

	res, err := w.ProcessPositionPnL(context.Background(), PnLOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, h.ledger.MarkWrites())

	h.quote("INFY", "101.5")
	res, err = w.ProcessPositionPnL(context.Background(), PnLOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	got, _ := h.ledger.Position("pos-a")
	assert.True(t, got.UnrealizedPnL.Equal(d("4.1296")), got.UnrealizedPnL.String())
}
