package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskengine/internal/config"
	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/margin"
	"github.com/alanyoungcy/riskengine/internal/server"
	"github.com/alanyoungcy/riskengine/internal/server/handler"
	"github.com/alanyoungcy/riskengine/internal/service"
)

// maxBackoffFactor caps the lock retry backoff at this multiple of the base.
const maxBackoffFactor = 16

// services holds the domain services shared by the API and worker modes.
type services struct {
	engine     *service.ExecutionEngine
	pnl        *service.MarkToMarketWorker
	monitor    *service.RiskMonitor
	calc       *margin.Calculator
	margins    *service.ConfigCache
	thresholds *service.ConfigCache
}

// refreshAll refreshes several config caches as one.
type refreshAll []handler.ConfigRefresher

func (r refreshAll) Refresh(ctx context.Context) error {
	var errs []error
	for _, c := range r {
		if err := c.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// defaultThresholds converts the configured fallback ratios.
func defaultThresholds(cfg config.RiskConfig) domain.RiskThresholds {
	return domain.RiskThresholds{
		WarningThreshold:   decimal.NewFromFloat(cfg.WarningThreshold),
		AutoCloseThreshold: decimal.NewFromFloat(cfg.AutoCloseThreshold),
	}
}

// buildCalendar parses the configured trading sessions.
func buildCalendar(cfg config.MarketConfig) (*service.Calendar, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: market timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	sessions := make(map[domain.Segment]service.SessionWindow, len(cfg.Sessions))
	for seg, s := range cfg.Sessions {
		w, err := service.ParseSessionWindow(s.Open, s.Close)
		if err != nil {
			return nil, fmt.Errorf("app: market session %s: %w", seg, err)
		}
		sessions[domain.Segment(strings.ToUpper(seg))] = w
	}
	return service.NewCalendar(loc, sessions, cfg.Holidays, cfg.AlwaysOpen)
}

// buildServices constructs the engine, workers and caches on top of deps.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	cfg := a.cfg
	metrics := service.NewMetrics(deps.Registry)
	defaults := defaultThresholds(cfg.Risk)

	margins := service.NewConfigCache(deps.Configs, cfg.Engine.ConfigTTL.Duration, defaults, a.logger)
	thresholds := service.NewConfigCache(deps.Configs, cfg.Risk.ThresholdTTL.Duration, defaults, a.logger)
	calc := margin.NewCalculator(margins, metrics, a.logger)

	calendar, err := buildCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}

	engine := service.NewExecutionEngine(
		deps.Ledger,
		deps.Orders,
		deps.Positions,
		deps.Accounts,
		deps.Quotes,
		calc,
		calendar,
		service.EngineConfig{
			MaxQuoteAge:         cfg.Engine.MaxQuoteAge.Duration,
			OrderRateLimit:      cfg.Engine.OrderRateLimit,
			OrderRateWindow:     cfg.Engine.OrderRateWindow.Duration,
			LockRetryAttempts:   cfg.Engine.LockRetryAttempts,
			LockRetryBackoff:    cfg.Engine.LockRetryBackoff.Duration,
			LockRetryMaxBackoff: maxBackoffFactor * cfg.Engine.LockRetryBackoff.Duration,
			LimitOrderBatch:     cfg.Engine.LimitOrderBatch,
			LimitOrderInterval:  cfg.Engine.LimitOrderInterval.Duration,
			CycleLockTTL:        cfg.PnL.LockTTL.Duration,
		},
		a.logger,
	).
		WithRateLimiter(deps.RateLimiter).
		WithEventBus(deps.EventBus).
		WithAudit(deps.Audit).
		WithNotifier(deps.Notifier).
		WithMetrics(metrics).
		WithLocks(deps.Locks).
		WithHeartbeats(deps.Heartbeats)

	pnl := service.NewMarkToMarketWorker(deps.Positions, deps.Quotes, engine, service.PnLConfig{
		Interval:        cfg.PnL.Interval.Duration,
		BatchSize:       cfg.PnL.BatchLimit,
		UpdateThreshold: decimal.NewFromFloat(cfg.PnL.UpdateThreshold),
		MaxQuoteAge:     cfg.Engine.MaxQuoteAge.Duration,
		CycleLockTTL:    cfg.PnL.LockTTL.Duration,
	}, a.logger).
		WithEventBus(deps.EventBus).
		WithHeartbeats(deps.Heartbeats).
		WithLocks(deps.Locks).
		WithMetrics(metrics)

	monitor := service.NewRiskMonitor(
		deps.Accounts,
		deps.Positions,
		deps.Quotes,
		thresholds,
		deps.RiskAlerts,
		engine,
		service.RiskConfig{
			DebounceDelay:     cfg.Risk.Debounce.Duration,
			Concurrency:       cfg.Risk.Concurrency,
			BackstopInterval:  cfg.Risk.BackstopInterval.Duration,
			BackstopBatch:     cfg.Risk.BatchLimit,
			StaleAfter:        cfg.Risk.StaleAfter.Duration,
			HeartbeatInterval: cfg.Risk.StaleAfter.Duration / 2,
			WarningCooldown:   cfg.Risk.WarningCooldown.Duration,
			MaxQuoteAge:       cfg.Engine.MaxQuoteAge.Duration,
			CycleLockTTL:      cfg.PnL.LockTTL.Duration,
		},
		a.logger,
	).
		WithNotifier(deps.Notifier).
		WithEventBus(deps.EventBus).
		WithHeartbeats(deps.Heartbeats).
		WithLocks(deps.Locks).
		WithMetrics(metrics)

	return &services{
		engine:     engine,
		pnl:        pnl,
		monitor:    monitor,
		calc:       calc,
		margins:    margins,
		thresholds: thresholds,
	}, nil
}

// APIMode serves the HTTP API only. Forced closes still happen synchronously
// from API calls; the workers run in a separate engine-mode process.
func (a *App) APIMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting api mode")
	return a.newHTTPServer(deps, svc).Run(ctx)
}

// EngineMode runs the LIMIT order loop, the mark-to-market worker and the
// risk monitor.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, svc)
	return g.Wait()
}

// FullMode runs the workers and, when enabled, the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, svc)
	if a.cfg.Server.Enabled {
		srv := a.newHTTPServer(deps, svc)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}
	return g.Wait()
}

// ArchiveMode exports settled orders, closed positions and risk alerts older
// than the retention period to object storage, then exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires object storage")
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("before", before))

	steps := []struct {
		kind string
		run  func(context.Context, time.Time) (int64, error)
	}{
		{"orders", deps.Archiver.ArchiveOrders},
		{"positions", deps.Archiver.ArchivePositions},
		{"risk_alerts", deps.Archiver.ArchiveRiskAlerts},
	}
	for _, step := range steps {
		n, err := step.run(ctx, before)
		if err != nil {
			return fmt.Errorf("app: archive %s: %w", step.kind, err)
		}
		a.logger.InfoContext(ctx, "archive: uploaded",
			slog.String("kind", step.kind),
			slog.Int64("rows", n),
		)
	}
	return nil
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, svc *services) {
	g.Go(func() error {
		return svc.engine.RunLimitOrders(ctx)
	})
	g.Go(func() error {
		return svc.pnl.Run(ctx)
	})
	g.Go(func() error {
		return svc.monitor.Run(ctx)
	})
}

func (a *App) newHTTPServer(deps *Dependencies, svc *services) *server.Server {
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Orders:    handler.NewOrderHandler(svc.engine, deps.Orders, a.logger),
		Positions: handler.NewPositionHandler(svc.engine, deps.Positions, a.logger),
		Risk:      handler.NewRiskHandler(svc.monitor, deps.RiskAlerts, a.logger),
		PnL:       handler.NewPnLHandler(svc.pnl, a.logger),
		Margin:    handler.NewMarginHandler(svc.calc, svc.engine, a.logger),
		Admin:     handler.NewAdminHandler(refreshAll{svc.margins, svc.thresholds}, a.logger),
	}, deps.RateLimiter, deps.Registry, a.logger)
}
