package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
	"github.com/alanyoungcy/riskengine/internal/server/handler"
	"github.com/alanyoungcy/riskengine/internal/service"
	"github.com/alanyoungcy/riskengine/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixedLimiter struct {
	allow bool
	calls int
}

func (f *fixedLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	f.calls++
	return f.allow, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testAPI struct {
	ledger  *testutil.Ledger
	quotes  *testutil.Quotes
	configs *testutil.Configs
	handler http.Handler
}

type apiOptions struct {
	apiKey       string
	orderLimiter domain.RateLimiter
	httpLimiter  domain.RateLimiter
	lockAttempts int
	checks       map[string]handler.Pinger
}

func newTestAPI(t *testing.T, opts apiOptions) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	api := &testAPI{
		ledger:  testutil.NewLedger(),
		quotes:  testutil.NewQuotes(),
		configs: testutil.NewConfigs(),
	}
	api.ledger.PutAccount(domain.TradingAccount{
		ID:              "acc-1",
		UserID:          "user-1",
		Balance:         d("10000"),
		AvailableMargin: d("10000"),
	})
	api.configs.SetMargins(domain.MarginConfig{
		Segment:       domain.SegmentNSE,
		ProductType:   domain.ProductMIS,
		Leverage:      dp("5"),
		BrokerageFlat: dp("0"),
		Active:        true,
	})
	thresholds := domain.RiskThresholds{WarningThreshold: d("0.75"), AutoCloseThreshold: d("0.90")}

	cache := service.NewConfigCache(api.configs, time.Minute, thresholds, logger)
	calc := margin.NewCalculator(cache, nil, logger)
	cal, err := service.NewCalendar(time.UTC, nil, nil, true)
	require.NoError(t, err)

	attempts := opts.lockAttempts
	if attempts == 0 {
		attempts = 1
	}
	engine := service.NewExecutionEngine(
		api.ledger,
		api.ledger.OrderStore(),
		api.ledger.PositionStore(),
		api.ledger.AccountStore(),
		api.quotes,
		calc,
		cal,
		service.EngineConfig{
			MaxQuoteAge:       time.Minute,
			OrderRateLimit:    10,
			OrderRateWindow:   time.Second,
			LockRetryAttempts: attempts,
		},
		logger,
	).WithAudit(&testutil.Audit{})
	if opts.orderLimiter != nil {
		engine.WithRateLimiter(opts.orderLimiter)
	}

	monitor := service.NewRiskMonitor(
		api.ledger.AccountStore(),
		api.ledger.PositionStore(),
		api.quotes,
		cache,
		api.ledger.AlertStore(),
		engine,
		service.RiskConfig{MaxQuoteAge: time.Minute},
		logger,
	)
	pnl := service.NewMarkToMarketWorker(api.ledger.PositionStore(), api.quotes, engine, service.PnLConfig{
		UpdateThreshold: d("1"),
		MaxQuoteAge:     time.Minute,
	}, logger)

	registry := prometheus.NewRegistry()
	service.NewMetrics(registry)

	srv := NewServer(Config{
		APIKey:     opts.apiKey,
		RateLimit:  5,
		RateWindow: time.Second,
	}, Handlers{
		Health:    handler.NewHealthHandler(opts.checks, logger),
		Orders:    handler.NewOrderHandler(engine, api.ledger.OrderStore(), logger),
		Positions: handler.NewPositionHandler(engine, api.ledger.PositionStore(), logger),
		Risk:      handler.NewRiskHandler(monitor, api.ledger.AlertStore(), logger),
		PnL:       handler.NewPnLHandler(pnl, logger),
		Margin:    handler.NewMarginHandler(calc, engine, logger),
		Admin:     handler.NewAdminHandler(cache, logger),
	}, opts.httpLimiter, registry, logger)
	api.handler = srv.Handler()
	return api
}

func (a *testAPI) quote(token, ltp string) {
	a.quotes.Set(token, d(ltp), decimal.Zero, time.Now().UTC())
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const buyInfy = `{"account_id":"acc-1","instrument_id":"INFY","symbol":"INFY","side":"BUY","type":"MARKET","quantity":10,"product_type":"MIS","segment":"NSE"}`

func TestPlaceOrderAndReadBack(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.quote("INFY", "100")

	rec := api.do(t, http.MethodPost, "/api/orders", buyInfy)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[domain.PlaceOrderResult](t, rec)
	assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	require.NotNil(t, res.FillPrice)
	assert.True(t, res.FillPrice.Equal(d("100")))

	rec = api.do(t, http.MethodGet, "/api/orders?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode[struct {
		Orders []domain.Order `json:"orders"`
	}](t, rec)
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, res.OrderID, orders.Orders[0].ID)

	rec = api.do(t, http.MethodGet, "/api/positions?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode[struct {
		Positions []domain.Position `json:"positions"`
	}](t, rec)
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, int64(10), positions.Positions[0].Quantity)

	rec = api.do(t, http.MethodGet, "/api/orders", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderWithoutQuoteIsCancelled(t *testing.T) {
	api := newTestAPI(t, apiOptions{})

	rec := api.do(t, http.MethodPost, "/api/orders", buyInfy)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, domain.OrderStatusCancelled, decode[domain.PlaceOrderResult](t, rec).Status)
}

func TestErrorMapping(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		rec := api.do(t, http.MethodPost, "/api/orders", `{"account_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		api.quote("INFY", "100")
		rec := api.do(t, http.MethodPost, "/api/orders", strings.Replace(buyInfy, `"quantity":10`, `"quantity":0`, 1))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "quantity", body["field"])
	})

	t.Run("insufficient margin", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		api.quote("INFY", "10000")
		rec := api.do(t, http.MethodPost, "/api/orders", buyInfy)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		body := decode[map[string]any](t, rec)
		assert.Contains(t, body, "shortfall")
		assert.Empty(t, api.ledger.Orders())
	})

	t.Run("rate limited before validation", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{orderLimiter: &fixedLimiter{allow: false}})
		api.quote("INFY", "100")
		rec := api.do(t, http.MethodPost, "/api/orders", buyInfy)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("lock contention", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		api.quote("INFY", "100")
		release := api.ledger.HoldLock("acc-1")
		defer release()
		rec := api.do(t, http.MethodPost, "/api/orders", buyInfy)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, true, decode[map[string]any](t, rec)["retryable"])
	})

	t.Run("unknown order", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		rec := api.do(t, http.MethodDelete, "/api/orders/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cancel executed order", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		api.quote("INFY", "100")
		res := decode[domain.PlaceOrderResult](t, api.do(t, http.MethodPost, "/api/orders", buyInfy))
		rec := api.do(t, http.MethodDelete, "/api/orders/"+res.OrderID, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("close without quote", func(t *testing.T) {
		api := newTestAPI(t, apiOptions{})
		api.quote("INFY", "100")
		api.do(t, http.MethodPost, "/api/orders", buyInfy)
		pos := api.ledger.Positions("acc-1")[0]
		api.quotes.Delete("INFY")
		rec := api.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close?account_id=acc-1", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestModifyAndCancelPendingLimit(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.quote("INFY", "100")
	limit := strings.Replace(buyInfy, `"type":"MARKET"`, `"type":"LIMIT","limit_price":"95"`, 1)

	rec := api.do(t, http.MethodPost, "/api/orders", limit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[domain.PlaceOrderResult](t, rec)
	assert.Equal(t, domain.OrderStatusPending, res.Status)

	rec = api.do(t, http.MethodPatch, "/api/orders/"+res.OrderID, `{"quantity":20,"limit_price":"94"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decode[domain.Order](t, rec)
	assert.Equal(t, int64(20), order.Quantity)
	require.NotNil(t, order.LimitPrice)
	assert.True(t, order.LimitPrice.Equal(d("94")))

	rec = api.do(t, http.MethodDelete, "/api/orders/"+res.OrderID+"?reason=changed+my+mind", "")
	require.Equal(t, http.StatusOK, rec.Code)
	order = decode[domain.Order](t, rec)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, "changed my mind", order.Reason)
}

func TestPositionEndpoints(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.quote("INFY", "100")
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/orders", buyInfy).Code)
	pos := api.ledger.Positions("acc-1")[0]

	rec := api.do(t, http.MethodPatch, "/api/positions/"+pos.ID, `{"account_id":"acc-1","stop_loss":"90","target":"120"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[domain.Position](t, rec)
	require.NotNil(t, updated.StopLoss)
	assert.True(t, updated.StopLoss.Equal(d("90")))

	rec = api.do(t, http.MethodPatch, "/api/positions/"+pos.ID, `{"account_id":"acc-1","stop_loss":"110"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a long's stop-loss must sit below the price")

	rec = api.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close?account_id=acc-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	api.quote("INFY", "105")
	rec = api.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[service.CloseResult](t, rec)
	assert.False(t, closed.AlreadyClosed)
	assert.True(t, closed.RealizedPnL.Equal(d("50")))

	rec = api.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[service.CloseResult](t, rec).AlreadyClosed)

	rec = api.do(t, http.MethodPatch, "/api/positions/"+pos.ID, `{"account_id":"acc-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRiskEndpoints(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.quote("INFY", "100")
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/orders", buyInfy).Code)

	rec := api.do(t, http.MethodGet, "/api/accounts/acc-1/risk", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snapshot := decode[service.AccountRisk](t, rec)
	assert.True(t, snapshot.UsedMargin.Equal(d("200")))
	assert.Equal(t, service.RiskOK, snapshot.Level)

	rec = api.do(t, http.MethodGet, "/api/accounts/nobody/risk", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/risk/backstop?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	backstop := decode[service.BackstopResult](t, rec)
	assert.True(t, backstop.Ran)
	assert.Equal(t, 1, backstop.Accounts)

	rec = api.do(t, http.MethodPost, "/api/risk/backstop?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/risk/alerts?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alerts":[]}`, rec.Body.String())
}

func TestPnLProcess(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.quote("INFY", "100")
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/orders", buyInfy).Code)
	api.quote("INFY", "110")

	rec := api.do(t, http.MethodPost, "/api/pnl/process?dry_run=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.PnLResult](t, rec)
	assert.True(t, res.DryRun)
	assert.Zero(t, api.ledger.MarkWrites())

	rec = api.do(t, http.MethodPost, "/api/pnl/process?limit=10&threshold=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[service.PnLResult](t, rec).Updated)

	for _, q := range []string{"limit=-1", "threshold=abc", "threshold=-1", "dry_run=perhaps"} {
		rec = api.do(t, http.MethodPost, "/api/pnl/process?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMarginCalculate(t *testing.T) {
	api := newTestAPI(t, apiOptions{})

	rec := api.do(t, http.MethodPost, "/api/margin/calculate",
		`{"account_id":"acc-1","segment":"NSE","product_type":"MIS","quantity":10,"price":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		RequiredMargin decimal.Decimal   `json:"required_margin"`
		LeverageSource margin.Source     `json:"leverage_source"`
		Validation     *margin.Validation `json:"validation"`
	}](t, rec)
	assert.True(t, body.RequiredMargin.Equal(d("200")))
	assert.Equal(t, margin.SourceConfig, body.LeverageSource)
	require.NotNil(t, body.Validation)
	assert.True(t, body.Validation.IsValid)

	rec = api.do(t, http.MethodPost, "/api/margin/calculate",
		`{"segment":"NSE","product_type":"MIS","quantity":10,"price":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminConfigRefresh(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	rec := api.do(t, http.MethodPost, "/api/admin/config/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)

	api.configs.Err = errors.New("database down")
	rec = api.do(t, http.MethodPost, "/api/admin/config/refresh", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthAndPublicPaths(t *testing.T) {
	api := newTestAPI(t, apiOptions{apiKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/orders?account_id=acc-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		api.do(t, http.MethodGet, "/api/orders?account_id=acc-1", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK,
		api.do(t, http.MethodGet, "/api/orders?account_id=acc-1", "", "Authorization", "Bearer secret").Code)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/health", "").Code)
	rec := api.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "riskengine_")
}

func TestHealthReportsFailingDependency(t *testing.T) {
	api := newTestAPI(t, apiOptions{checks: map[string]handler.Pinger{
		"postgres": pinger{},
		"redis":    pinger{err: errors.New("connection refused")},
	}})

	rec := api.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Equal(t, "connection refused", body.Dependencies["redis"])
}

func TestHTTPRateLimitAndCORS(t *testing.T) {
	limiter := &fixedLimiter{allow: false}
	api := newTestAPI(t, apiOptions{httpLimiter: limiter})

	rec := api.do(t, http.MethodGet, "/api/orders?account_id=acc-1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, limiter.calls)

	rec = api.do(t, http.MethodOptions, "/api/orders", "",
		"Origin", "https://desk.example.com",
		"Access-Control-Request-Method", "PATCH")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
