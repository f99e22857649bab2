package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
	"github.com/alanyoungcy/riskengine/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tuesday10 is a Tuesday inside every configured session.
var tuesday10 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

var defaultThresholds = domain.RiskThresholds{
	WarningThreshold:   d("0.75"),
	AutoCloseThreshold: d("0.90"),
}

type harness struct {
	t        *testing.T
	ledger   *testutil.Ledger
	quotes   *testutil.Quotes
	configs  *testutil.Configs
	bus      *testutil.Bus
	audit    *testutil.Audit
	notifier *testutil.Notifier
	cache    *ConfigCache
	calc     *margin.Calculator
	engine   *ExecutionEngine
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ledger:   testutil.NewLedger(),
		quotes:   testutil.NewQuotes(),
		configs:  testutil.NewConfigs(),
		bus:      testutil.NewBus(),
		audit:    &testutil.Audit{},
		notifier: &testutil.Notifier{},
		now:      tuesday10,
	}
	h.ledger.PutAccount(domain.TradingAccount{
		ID:              "acc-1",
		UserID:          "user-1",
		Balance:         d("100000"),
		AvailableMargin: d("100000"),
		UsedMargin:      decimal.Zero,
	})
	h.configs.SetMargins(domain.MarginConfig{
		Segment:       domain.SegmentNSE,
		ProductType:   domain.ProductMIS,
		Leverage:      dp("5"),
		BrokerageFlat: dp("0"),
		Active:        true,
	})

	logger := discardLogger()
	h.cache = NewConfigCache(h.configs, time.Minute, defaultThresholds, logger)
	h.calc = margin.NewCalculator(h.cache, nil, logger)
	cal, err := NewCalendar(time.UTC, nil, nil, true)
	require.NoError(t, err)

	h.engine = NewExecutionEngine(
		h.ledger,
		h.ledger.OrderStore(),
		h.ledger.PositionStore(),
		h.ledger.AccountStore(),
		h.quotes,
		h.calc,
		cal,
		EngineConfig{
			MaxQuoteAge:         time.Minute,
			LockRetryAttempts:   3,
			LockRetryBackoff:    time.Millisecond,
			LockRetryMaxBackoff: 5 * time.Millisecond,
		},
		logger,
	).WithEventBus(h.bus).WithAudit(h.audit).WithNotifier(h.notifier)
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) quote(token, ltp string) {
	h.quotes.Set(token, d(ltp), decimal.Zero, h.now)
}

func (h *harness) marketOrder(side domain.OrderSide, qty int64) domain.OrderRequest {
	return domain.OrderRequest{
		AccountID:    "acc-1",
		InstrumentID: "INFY",
		Symbol:       "INFY",
		Side:         side,
		Type:         domain.OrderTypeMarket,
		Quantity:     qty,
		ProductType:  domain.ProductMIS,
		Segment:      domain.SegmentNSE,
	}
}

func (h *harness) limitOrder(side domain.OrderSide, qty int64, limit string) domain.OrderRequest {
	req := h.marketOrder(side, qty)
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = dp(limit)
	return req
}

// limitOrderOn is limitOrder for another symbol.
func (h *harness) limitOrderOn(symbol string, side domain.OrderSide, qty int64, limit string) domain.OrderRequest {
	req := h.limitOrder(side, qty, limit)
	req.InstrumentID, req.Symbol = symbol, symbol
	return req
}

// setLimits replaces the NSE/MIS configuration with one carrying order limits.
func (h *harness) setLimits(maxOrderValue string, maxPositions int) {
	h.t.Helper()
	h.configs.SetMargins(domain.MarginConfig{
		Segment: domain.SegmentNSE, ProductType: domain.ProductMIS,
		Leverage: dp("5"), BrokerageFlat: dp("0"),
		MaxOrderValue: dp(maxOrderValue), MaxPositions: &maxPositions, Active: true,
	})
	require.NoError(h.t, h.cache.Refresh(context.Background()))
}

// charges prices qty at price under the harness NSE/MIS configuration.
func (h *harness) charges(qty int64, price string) decimal.Decimal {
	h.t.Helper()
	res, err := margin.Calculate(&domain.MarginConfig{Leverage: dp("5"), BrokerageFlat: dp("0"), Active: true},
		margin.Input{Segment: domain.SegmentNSE, ProductType: domain.ProductMIS, Quantity: qty, Price: d(price)})
	require.NoError(h.t, err)
	return res.TotalCharges
}

func (h *harness) activePositions() []domain.Position {
	var out []domain.Position
	for _, p := range h.ledger.Positions("acc-1") {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// requireBalanced asserts available + used == balance.
func requireBalanced(t *testing.T, acct domain.TradingAccount) {
	t.Helper()
	require.True(t, acct.AvailableMargin.Add(acct.UsedMargin).Equal(acct.Balance),
		"available %s + used %s != balance %s", acct.AvailableMargin, acct.UsedMargin, acct.Balance)
}
