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

func newRiskMonitor(h *harness, cfg RiskConfig) *RiskMonitor {
	m := NewRiskMonitor(
		h.ledger.AccountStore(),
		h.ledger.PositionStore(),
		h.quotes,
		testutil.Thresholds(defaultThresholds),
		h.ledger.AlertStore(),
		h.engine,
		cfg,
		discardLogger(),
	).WithNotifier(h.notifier)
	m.now = func() time.Time { return h.now }
	return m
}

// seedAccount replaces acc-1 with the given balance and used margin.
func seedAccount(h *harness, balance, used string) {
	h.ledger.PutAccount(domain.TradingAccount{
		ID:              "acc-1",
		Balance:         d(balance),
		UsedMargin:      d(used),
		AvailableMargin: d(balance).Sub(d(used)),
	})
}

func seedLong(h *harness, id, symbol, avg, blocked string) {
	h.ledger.PutPosition(domain.Position{
		ID:            id,
		AccountID:     "acc-1",
		InstrumentID:  symbol,
		Symbol:        symbol,
		Segment:       domain.SegmentNSE,
		ProductType:   domain.ProductMIS,
		Quantity:      1,
		AveragePrice:  d(avg),
		LastPrice:     d(avg),
		MarginBlocked: d(blocked),
		CreatedAt:     h.now,
		UpdatedAt:     h.now,
	})
}

func TestEvaluateAccountClosesWorstPosition(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{})
	seedAccount(h, "1000", "700")
	seedLong(h, "pos-a", "AAA", "220", "350")
	seedLong(h, "pos-b", "BBB", "260", "350")
	h.quote("AAA", "100")
	h.quote("BBB", "100")
	ctx := context.Background()

	risk, err := m.AssessAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, risk.UnrealizedPnL.Equal(d("-280")))
	assert.True(t, risk.Equity.Equal(d("720")))
	assert.Equal(t, RiskAutoClose, risk.Level)
	require.NotNil(t, risk.Worst)
	assert.Equal(t, "pos-b", risk.Worst.Position.ID)

	action, err := m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, action.Closed)
	assert.Equal(t, "pos-b", action.Closed.PositionID)
	assert.True(t, action.Closed.RealizedPnL.Equal(d("-160")))

	active := h.activePositions()
	require.Len(t, active, 1)
	assert.Equal(t, "pos-a", active[0].ID)

	alerts := h.ledger.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertAutoClose, alerts[0].Kind)
	assert.Equal(t, "pos-b", alerts[0].PositionID)
	assert.True(t, alerts[0].Threshold.Equal(d("0.90")))
	assert.True(t, alerts[0].UnrealizedPnL.Equal(d("-160")))
	require.Len(t, h.notifier.Alerts(), 1)

	acct := h.ledger.Account("acc-1")
	assert.True(t, acct.UsedMargin.Equal(d("350")))
	requireBalanced(t, acct)

	action, err = m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, RiskOK, action.Level)
	assert.Nil(t, action.Closed)
}

func TestEvaluateAccountClosesOnePositionPerPass(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{})
	seedAccount(h, "1000", "960")
	seedLong(h, "pos-a", "AAA", "200", "320")
	seedLong(h, "pos-b", "BBB", "210", "320")
	seedLong(h, "pos-c", "CCC", "220", "320")
	for _, s := range []string{"AAA", "BBB", "CCC"} {
		h.quote(s, "100")
	}
	ctx := context.Background()

	var closed []string
	for pass := 0; pass < 3; pass++ {
		action, err := m.EvaluateAccount(ctx, "acc-1")
		require.NoError(t, err)
		if action.Closed != nil {
			closed = append(closed, action.Closed.PositionID)
		}
	}
	assert.Equal(t, []string{"pos-c", "pos-b"}, closed)
	require.Len(t, h.activePositions(), 1)
	requireBalanced(t, h.ledger.Account("acc-1"))
}

func TestEvaluateAccountWarningCooldown(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{WarningCooldown: 5 * time.Minute})
	seedAccount(h, "1000", "800")
	seedLong(h, "pos-a", "AAA", "100", "800")
	h.quote("AAA", "100")
	ctx := context.Background()

	action, err := m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, RiskWarning, action.Level)
	assert.True(t, action.Warned)
	assert.True(t, action.UsedRatio.Equal(d("0.8")))

	action, err = m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, action.Warned, "second warning inside the cooldown is suppressed")

	h.now = h.now.Add(10 * time.Minute)
	h.quote("AAA", "100")
	action, err = m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, action.Warned)

	assert.Len(t, h.ledger.Alerts(), 2)
	assert.Len(t, h.notifier.Alerts(), 2)
	assert.Len(t, h.activePositions(), 1, "warnings never close positions")
}

func TestAssessAccountUnboundedEquity(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{})
	seedAccount(h, "100", "80")
	seedLong(h, "pos-a", "AAA", "300", "80")
	h.quote("AAA", "100")
	ctx := context.Background()

	risk, err := m.AssessAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, risk.Unbounded)
	assert.True(t, risk.Equity.IsNegative())
	assert.Equal(t, RiskAutoClose, risk.Level)

	action, err := m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, action.Closed)
	assert.Empty(t, h.activePositions())
}

func TestAssessAccountFallsBackToStoredMarks(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{})
	seedAccount(h, "1000", "950")
	h.ledger.PutPosition(domain.Position{
		ID: "pos-a", AccountID: "acc-1", InstrumentID: "AAA", Symbol: "AAA",
		Segment: domain.SegmentNSE, ProductType: domain.ProductMIS,
		Quantity: 1, AveragePrice: d("100"), MarginBlocked: d("950"),
		UnrealizedPnL: d("-10"),
	})
	ctx := context.Background()

	risk, err := m.AssessAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, risk.UnrealizedPnL.Equal(d("-10")))
	assert.False(t, risk.Positions[0].Live)
	assert.Equal(t, RiskAutoClose, risk.Level)
	assert.Nil(t, risk.Worst, "no price to close at")

	action, err := m.EvaluateAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, action.Warned)
	assert.Nil(t, action.Closed)
}

func TestEvaluateAccountSkipsBusyAccount(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{})
	seedAccount(h, "1000", "950")
	seedLong(h, "pos-a", "AAA", "100", "950")
	h.quote("AAA", "90")
	release := h.ledger.HoldLock("acc-1")
	defer release()

	action, err := m.EvaluateAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "lock contention", action.Skipped)
	assert.Len(t, h.activePositions(), 1)
}

func TestRunRiskBackstopStaleness(t *testing.T) {
	setup := func(t *testing.T) (*harness, *RiskMonitor, *testutil.Heartbeats) {
		h := newHarness(t)
		hb := testutil.NewHeartbeats()
		m := newRiskMonitor(h, RiskConfig{StaleAfter: time.Minute}).WithHeartbeats(hb)
		seedAccount(h, "1000", "800")
		seedLong(h, "pos-a", "AAA", "100", "800")
		h.quote("AAA", "100")
		return h, m, hb
	}
	ctx := context.Background()

	t.Run("fresh heartbeat skips", func(t *testing.T) {
		h, m, hb := setup(t)
		require.NoError(t, hb.Beat(ctx, RiskEventsHeartbeat, h.now.Add(-10*time.Second)))
		require.NoError(t, hb.Beat(ctx, PnLHeartbeat, h.now.Add(-time.Hour)))

		res, err := m.RunRiskBackstop(ctx, false)
		require.NoError(t, err)
		assert.False(t, res.Ran)
		assert.NotEmpty(t, res.SkipReason)
		assert.Equal(t, h.now.Add(-10*time.Second), res.LastHeartbeat)
		assert.Empty(t, h.ledger.Alerts())
	})

	t.Run("force overrides fresh heartbeat", func(t *testing.T) {
		h, m, hb := setup(t)
		require.NoError(t, hb.Beat(ctx, PnLHeartbeat, h.now))

		res, err := m.RunRiskBackstop(ctx, true)
		require.NoError(t, err)
		assert.True(t, res.Ran)
		assert.Equal(t, 1, res.Accounts)
		assert.Equal(t, 1, res.Warnings)
	})

	t.Run("stale heartbeat runs", func(t *testing.T) {
		h, m, hb := setup(t)
		require.NoError(t, hb.Beat(ctx, PnLHeartbeat, h.now.Add(-5*time.Minute)))

		res, err := m.RunRiskBackstop(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Ran)
		assert.Equal(t, 1, res.Warnings)
	})

	t.Run("missing heartbeat runs", func(t *testing.T) {
		_, m, _ := setup(t)
		res, err := m.RunRiskBackstop(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Ran)
	})

	t.Run("held by another instance", func(t *testing.T) {
		_, m, _ := setup(t)
		locks := testutil.NewLocks()
		m.WithLocks(locks)
		release, err := locks.Acquire(ctx, "worker:"+backstopWorker, time.Minute)
		require.NoError(t, err)
		defer release()

		res, err := m.RunRiskBackstop(ctx, true)
		require.NoError(t, err)
		assert.False(t, res.Ran)
		assert.NotEmpty(t, res.SkipReason)
	})
}

func TestRiskMonitorRunReactsToAccountEvents(t *testing.T) {
	h := newHarness(t)
	hb := testutil.NewHeartbeats()
	m := newRiskMonitor(h, RiskConfig{
		DebounceDelay:     10 * time.Millisecond,
		Concurrency:       2,
		BackstopInterval:  time.Hour,
		HeartbeatInterval: time.Hour,
	}).WithEventBus(h.bus).WithHeartbeats(hb)
	seedAccount(h, "1000", "700")
	seedLong(h, "pos-a", "AAA", "220", "350")
	seedLong(h, "pos-b", "BBB", "260", "350")
	h.quote("AAA", "100")
	h.quote("BBB", "100")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	evt := domain.AccountEvent{AccountID: "acc-1", Kind: domain.EventMarksUpdated, At: h.now}
	require.Eventually(t, func() bool {
		_ = h.bus.PublishAccountEvent(context.Background(), evt)
		return len(h.ledger.Alerts()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	alerts := h.ledger.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "pos-b", alerts[0].PositionID)
	last, _ := hb.Last(context.Background(), RiskEventsHeartbeat)
	assert.False(t, last.IsZero())
	assert.True(t, h.ledger.Account("acc-1").UsedMargin.Equal(decimal.NewFromInt(350)))
}

func TestRunRiskBackstopRotatesPastBatch(t *testing.T) {
	h := newHarness(t)
	m := newRiskMonitor(h, RiskConfig{BackstopBatch: 2})
	ids := []string{"acc-a", "acc-b", "acc-c"}
	for _, id := range ids {
		h.ledger.PutAccount(domain.TradingAccount{
			ID: id, Balance: d("1000"), UsedMargin: d("800"), AvailableMargin: d("200"),
		})
		h.ledger.PutPosition(domain.Position{
			ID: "pos-" + id, AccountID: id, InstrumentID: "AAA", Symbol: "AAA",
			Segment: domain.SegmentNSE, ProductType: domain.ProductMIS,
			Quantity: 1, AveragePrice: d("100"), LastPrice: d("100"), MarginBlocked: d("800"),
			CreatedAt: h.now, UpdatedAt: h.now,
		})
	}
	h.quote("AAA", "100")
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		res, err := m.RunRiskBackstop(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Accounts)
	}

	warned := map[string]bool{}
	for _, a := range h.ledger.Alerts() {
		warned[a.AccountID] = true
	}
	for _, id := range ids {
		assert.True(t, warned[id], "account %s never evaluated", id)
	}
}
