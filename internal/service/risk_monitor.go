package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

const (
	// RiskEventsHeartbeat is the heartbeat name of the event-driven risk path.
	RiskEventsHeartbeat = "risk_events"
	backstopWorker      = "risk_backstop"
)

// ThresholdSource resolves the risk thresholds that apply to an account.
type ThresholdSource interface {
	RiskThresholds(ctx context.Context, accountID string) (domain.RiskThresholds, error)
}

// RiskLevel classifies an account's margin usage.
type RiskLevel string

const (
	RiskOK        RiskLevel = "ok"
	RiskWarning   RiskLevel = "warning"
	RiskAutoClose RiskLevel = "auto_close"
)

// RiskConfig holds the tunable parameters of the RiskMonitor.
type RiskConfig struct {
	DebounceDelay     time.Duration
	Concurrency       int
	BackstopInterval  time.Duration
	BackstopBatch     int
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	WarningCooldown   time.Duration
	MaxQuoteAge       time.Duration
	CycleLockTTL      time.Duration
}

// PositionRisk is one position's contribution to an account's risk.
type PositionRisk struct {
	Position      domain.Position `json:"position"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Price         decimal.Decimal `json:"price"`
	Live          bool            `json:"live"`
}

// AccountRisk is a point-in-time risk snapshot of an account.
type AccountRisk struct {
	AccountID     string                `json:"account_id"`
	Balance       decimal.Decimal       `json:"balance"`
	UsedMargin    decimal.Decimal       `json:"used_margin"`
	Available     decimal.Decimal       `json:"available_margin"`
	UnrealizedPnL decimal.Decimal       `json:"unrealized_pnl"`
	Equity        decimal.Decimal       `json:"equity"`
	UsedRatio     decimal.Decimal       `json:"used_ratio"`
	Unbounded     bool                  `json:"unbounded"`
	Thresholds    domain.RiskThresholds `json:"thresholds"`
	Level         RiskLevel             `json:"level"`
	Positions     []PositionRisk        `json:"positions"`
	Worst         *PositionRisk         `json:"worst,omitempty"`
}

// RiskAction is what one evaluation did to an account.
type RiskAction struct {
	AccountID string          `json:"account_id"`
	Level     RiskLevel       `json:"level"`
	UsedRatio decimal.Decimal `json:"used_ratio"`
	Warned    bool            `json:"warned"`
	Closed    *CloseResult    `json:"closed,omitempty"`
	Skipped   string          `json:"skipped,omitempty"`
}

// BackstopResult summarises a backstop sweep.
type BackstopResult struct {
	Ran           bool      `json:"ran"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Accounts      int       `json:"accounts"`
	Warnings      int       `json:"warnings"`
	Closed        int       `json:"closed"`
	Skipped       int       `json:"skipped"`
	Errors        int       `json:"errors"`
	ErrorDetails  []string  `json:"error_details,omitempty"`
}

// RiskMonitor enforces account-level margin limits. An evaluation closes at
// most one position, the worst by unrealized P&L; a breach that persists is
// handled by the next evaluation.
type RiskMonitor struct {
	accounts   domain.AccountStore
	positions  domain.PositionStore
	quotes     domain.QuoteCache
	thresholds ThresholdSource
	alerts     domain.RiskAlertStore
	closer     PositionCloser
	cfg        RiskConfig

	notifier   domain.AlertNotifier
	bus        domain.EventBus
	heartbeats domain.Heartbeats
	metrics    *Metrics

	guard     *cycleGuard
	cursor    rotation
	debouncer *Debouncer
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// NewRiskMonitor creates a RiskMonitor.
func NewRiskMonitor(
	accounts domain.AccountStore,
	positions domain.PositionStore,
	quotes domain.QuoteCache,
	thresholds ThresholdSource,
	alerts domain.RiskAlertStore,
	closer PositionCloser,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskMonitor {
	if cfg.BackstopBatch <= 0 {
		cfg.BackstopBatch = 1000
	}
	m := &RiskMonitor{
		accounts:   accounts,
		positions:  positions,
		quotes:     quotes,
		thresholds: thresholds,
		alerts:     alerts,
		closer:     closer,
		cfg:        cfg,
		guard:      newCycleGuard(backstopWorker, nil, cfg.CycleLockTTL),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
		logger:     logger.With(slog.String("component", "risk_monitor")),
	}
	m.debouncer = NewDebouncer(cfg.DebounceDelay, cfg.Concurrency, m.debouncedCheck)
	return m
}

// WithNotifier delivers warning alerts.
func (m *RiskMonitor) WithNotifier(n domain.AlertNotifier) *RiskMonitor {
	m.notifier = n
	return m
}

// WithEventBus subscribes the event-driven path to account events.
func (m *RiskMonitor) WithEventBus(bus domain.EventBus) *RiskMonitor {
	m.bus = bus
	return m
}

// WithHeartbeats enables backstop staleness detection.
func (m *RiskMonitor) WithHeartbeats(hb domain.Heartbeats) *RiskMonitor {
	m.heartbeats = hb
	return m
}

// WithLocks makes backstop sweeps exclusive across instances.
func (m *RiskMonitor) WithLocks(locks domain.LockManager) *RiskMonitor {
	m.guard.locks = locks
	return m
}

// WithMetrics attaches Prometheus collectors.
func (m *RiskMonitor) WithMetrics(metrics *Metrics) *RiskMonitor {
	m.metrics = metrics
	return m
}

// AssessAccount computes the account's used-margin ratio against equity.
// Unrealized P&L uses the live quote where one is tradable and the stored mark
// otherwise.
func (m *RiskMonitor) AssessAccount(ctx context.Context, accountID string) (AccountRisk, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return AccountRisk{}, fmt.Errorf("risk_monitor: get account %s: %w", accountID, err)
	}
	positions, err := m.positions.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return AccountRisk{}, fmt.Errorf("risk_monitor: list positions %s: %w", accountID, err)
	}
	thresholds, err := m.thresholds.RiskThresholds(ctx, accountID)
	if err != nil {
		return AccountRisk{}, fmt.Errorf("risk_monitor: thresholds %s: %w", accountID, err)
	}

	quotes := map[string]*domain.Quote{}
	if len(positions) > 0 {
		tokens := make([]string, 0, len(positions))
		for _, p := range positions {
			tokens = append(tokens, p.InstrumentID)
		}
		quotes, err = m.quotes.GetQuotes(ctx, tokens)
		if err != nil {
			m.logger.WarnContext(ctx, "risk_monitor: read quotes failed, using stored marks",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			quotes = map[string]*domain.Quote{}
		}
	}

	now := m.now()
	risk := AccountRisk{
		AccountID:     acct.ID,
		Balance:       acct.Balance,
		UsedMargin:    acct.UsedMargin,
		Available:     acct.AvailableMargin,
		UnrealizedPnL: decimal.Zero,
		Thresholds:    thresholds,
		Positions:     make([]PositionRisk, 0, len(positions)),
	}
	for _, p := range positions {
		pr := PositionRisk{Position: p, UnrealizedPnL: p.UnrealizedPnL, Price: p.LastPrice}
		if q := quotes[p.InstrumentID]; q.Tradable(now, m.cfg.MaxQuoteAge) {
			pr.UnrealizedPnL, _ = Marks(p, q)
			pr.Price = q.LastTradePrice
			pr.Live = true
		}
		risk.UnrealizedPnL = risk.UnrealizedPnL.Add(pr.UnrealizedPnL)
		risk.Positions = append(risk.Positions, pr)
	}
	risk.Worst = worstPosition(risk.Positions)

	risk.Equity = risk.Balance.Add(risk.UnrealizedPnL)
	switch {
	case risk.Equity.IsPositive():
		risk.UsedRatio = risk.UsedMargin.Div(risk.Equity)
	case risk.UsedMargin.IsPositive():
		risk.Unbounded = true
	default:
		risk.UsedRatio = decimal.Zero
	}

	switch {
	case risk.Unbounded || risk.UsedRatio.GreaterThanOrEqual(thresholds.AutoCloseThreshold):
		risk.Level = RiskAutoClose
	case risk.UsedRatio.GreaterThanOrEqual(thresholds.WarningThreshold):
		risk.Level = RiskWarning
	default:
		risk.Level = RiskOK
	}
	if len(positions) == 0 && !risk.UsedMargin.IsPositive() {
		risk.Level = RiskOK
	}
	return risk, nil
}

// worstPosition picks the position with the most negative unrealized P&L
// among those that have a price to close at.
func worstPosition(positions []PositionRisk) *PositionRisk {
	var worst *PositionRisk
	for i := range positions {
		p := &positions[i]
		if !p.Price.IsPositive() {
			continue
		}
		if worst == nil || p.UnrealizedPnL.LessThan(worst.UnrealizedPnL) {
			worst = p
		}
	}
	return worst
}

func ratioString(r AccountRisk) string {
	if r.Unbounded {
		return "inf"
	}
	return r.UsedRatio.StringFixed(4)
}

// EvaluateAccount assesses the account and acts on a breach: at the auto-close
// threshold it force-closes the single worst position at its last price, at the
// warning threshold it records a warning alert subject to the cooldown. Lock
// contention is reported in Skipped, not as an error.
func (m *RiskMonitor) EvaluateAccount(ctx context.Context, accountID string) (RiskAction, error) {
	risk, err := m.AssessAccount(ctx, accountID)
	if err != nil {
		return RiskAction{}, err
	}
	action := RiskAction{AccountID: accountID, Level: risk.Level, UsedRatio: risk.UsedRatio}

	switch risk.Level {
	case RiskOK:
		return action, nil
	case RiskAutoClose:
		if risk.Worst != nil {
			return m.autoClose(ctx, risk, action)
		}
	}
	warned, err := m.warn(ctx, risk)
	if err != nil {
		return action, err
	}
	action.Warned = warned
	return action, nil
}

func (m *RiskMonitor) autoClose(ctx context.Context, risk AccountRisk, action RiskAction) (RiskAction, error) {
	worst := risk.Worst
	m.logger.WarnContext(ctx, "risk_monitor: auto-close threshold breached",
		slog.String("account_id", risk.AccountID),
		slog.String("used_ratio", ratioString(risk)),
		slog.String("threshold", risk.Thresholds.AutoCloseThreshold.String()),
		slog.String("position_id", worst.Position.ID),
		slog.String("symbol", worst.Position.Symbol),
		slog.String("unrealized_pnl", worst.UnrealizedPnL.String()),
	)
	alert := &domain.RiskAlert{
		ID:        m.newID(),
		Kind:      domain.AlertAutoClose,
		UsedRatio: risk.UsedRatio,
		Threshold: risk.Thresholds.AutoCloseThreshold,
		Message: fmt.Sprintf("used margin ratio %s reached %s; closed %s with unrealized P&L %s",
			ratioString(risk), risk.Thresholds.AutoCloseThreshold, worst.Position.Symbol, worst.UnrealizedPnL.StringFixed(2)),
	}

	out, err := m.closer.ClosePositionAt(ctx, worst.Position, worst.Price, CloseOptions{Reason: CloseRisk, Alert: alert})
	switch {
	case err == nil && out.AlreadyClosed:
		action.Skipped = "position already closed"
	case err == nil:
		action.Closed = &out
	case domain.IsLockContention(err):
		m.logger.DebugContext(ctx, "risk_monitor: account busy, retrying next pass",
			slog.String("account_id", risk.AccountID))
		action.Skipped = "lock contention"
	default:
		return action, fmt.Errorf("risk_monitor: close %s: %w", worst.Position.ID, err)
	}
	return action, nil
}

// warn records a WARNING alert unless one was recorded within the cooldown.
func (m *RiskMonitor) warn(ctx context.Context, risk AccountRisk) (bool, error) {
	now := m.now()
	if m.cfg.WarningCooldown > 0 {
		last, err := m.alerts.LatestByKind(ctx, risk.AccountID, domain.AlertWarning)
		switch {
		case err == nil:
			if now.Sub(last.CreatedAt) < m.cfg.WarningCooldown {
				return false, nil
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			return false, fmt.Errorf("risk_monitor: latest warning %s: %w", risk.AccountID, err)
		}
	}

	alert := domain.RiskAlert{
		ID:            m.newID(),
		AccountID:     risk.AccountID,
		Kind:          domain.AlertWarning,
		UsedRatio:     risk.UsedRatio,
		Threshold:     risk.Thresholds.WarningThreshold,
		UnrealizedPnL: risk.UnrealizedPnL,
		Message: fmt.Sprintf("used margin ratio %s reached warning level %s",
			ratioString(risk), risk.Thresholds.WarningThreshold),
		CreatedAt: now,
	}
	if err := m.alerts.Insert(ctx, alert); err != nil {
		return false, fmt.Errorf("risk_monitor: record warning %s: %w", risk.AccountID, err)
	}
	m.metrics.alertRaised(alert.Kind)
	m.logger.InfoContext(ctx, "risk_monitor: warning threshold breached",
		slog.String("account_id", risk.AccountID),
		slog.String("used_ratio", ratioString(risk)),
	)
	if m.notifier != nil {
		if err := m.notifier.NotifyRiskAlert(ctx, alert); err != nil {
			m.logger.WarnContext(ctx, "risk_monitor: alert notification failed",
				slog.String("account_id", risk.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true, nil
}

// lastPrimaryBeat returns the freshest heartbeat of the primary risk paths.
func (m *RiskMonitor) lastPrimaryBeat(ctx context.Context) (time.Time, error) {
	var last time.Time
	for _, worker := range []string{PnLHeartbeat, RiskEventsHeartbeat} {
		t, err := m.heartbeats.Last(ctx, worker)
		if err != nil {
			return time.Time{}, err
		}
		if t.After(last) {
			last = t
		}
	}
	return last, nil
}

// RunRiskBackstop evaluates the next BackstopBatch accounts with active
// positions. Batches rotate by account id, so every account is reached across
// consecutive runs. Unless force is set it runs only when the primary paths
// have not reported within StaleAfter.
func (m *RiskMonitor) RunRiskBackstop(ctx context.Context, force bool) (BackstopResult, error) {
	var res BackstopResult
	if !force && m.heartbeats != nil {
		last, err := m.lastPrimaryBeat(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "risk_monitor: read heartbeats failed, running backstop",
				slog.String("error", err.Error()))
		} else {
			res.LastHeartbeat = last
			if !last.IsZero() && m.now().Sub(last) < m.cfg.StaleAfter {
				res.SkipReason = "primary risk path healthy"
				m.logger.DebugContext(ctx, "risk_monitor: backstop skipped",
					slog.String("reason", res.SkipReason),
					slog.Time("last_heartbeat", last),
				)
				return res, nil
			}
		}
	}

	release, ok := m.guard.enter(ctx, m.logger)
	if !ok {
		res.SkipReason = "backstop already running"
		m.logger.DebugContext(ctx, "risk_monitor: backstop skipped", slog.String("reason", res.SkipReason))
		return res, nil
	}
	defer release()

	start := time.Now()
	defer m.metrics.observeWorker(backstopWorker, start)

	accounts, err := nextBatch(ctx, &m.cursor, m.cfg.BackstopBatch, true,
		m.positions.ListAccountsWithActivePositions, func(id string) string { return id })
	if err != nil {
		return res, fmt.Errorf("risk_monitor: list accounts: %w", err)
	}
	res.Ran = true
	for _, accountID := range accounts {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Accounts++
		action, err := m.EvaluateAccount(ctx, accountID)
		if err != nil {
			res.Errors++
			res.ErrorDetails = append(res.ErrorDetails, fmt.Sprintf("%s: %v", accountID, err))
			m.logger.ErrorContext(ctx, "risk_monitor: evaluate account failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch {
		case action.Closed != nil:
			res.Closed++
		case action.Skipped != "":
			res.Skipped++
		case action.Warned:
			res.Warnings++
		}
	}

	m.logger.InfoContext(ctx, "risk_monitor: backstop complete",
		slog.Bool("forced", force),
		slog.Int("accounts", res.Accounts),
		slog.Int("closed", res.Closed),
		slog.Int("warnings", res.Warnings),
		slog.Int("errors", res.Errors),
	)
	return res, nil
}

// Notify schedules a debounced evaluation of the account.
func (m *RiskMonitor) Notify(accountID string) {
	if accountID == "" {
		return
	}
	m.debouncer.Notify(accountID)
}

func (m *RiskMonitor) debouncedCheck(ctx context.Context, accountID string) {
	start := time.Now()
	defer m.metrics.observeWorker(RiskEventsHeartbeat, start)

	if _, err := m.EvaluateAccount(ctx, accountID); err != nil && ctx.Err() == nil {
		m.logger.ErrorContext(ctx, "risk_monitor: account check failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
}

// Run starts the debouncer, the account event subscription and the backstop
// ticker, and blocks until ctx is cancelled.
func (m *RiskMonitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.debouncer.Run(ctx) })
	if m.bus != nil {
		g.Go(func() error { return m.consumeEvents(ctx) })
	}
	g.Go(func() error { return m.runBackstop(ctx) })
	return g.Wait()
}

func (m *RiskMonitor) consumeEvents(ctx context.Context) error {
	events, err := m.bus.SubscribeAccountEvents(ctx)
	if err != nil {
		return fmt.Errorf("risk_monitor: subscribe: %w", err)
	}
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "risk_monitor: listening for account events")
	m.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.beat(ctx)
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("risk_monitor: account event subscription closed")
			}
			m.logger.DebugContext(ctx, "risk_monitor: account event",
				slog.String("account_id", evt.AccountID),
				slog.String("kind", string(evt.Kind)),
			)
			m.Notify(evt.AccountID)
		}
	}
}

func (m *RiskMonitor) beat(ctx context.Context) {
	if m.heartbeats == nil {
		return
	}
	if err := m.heartbeats.Beat(ctx, RiskEventsHeartbeat, m.now()); err != nil {
		m.logger.WarnContext(ctx, "risk_monitor: heartbeat failed", slog.String("error", err.Error()))
	}
}

func (m *RiskMonitor) runBackstop(ctx context.Context) error {
	interval := m.cfg.BackstopInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.RunRiskBackstop(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "risk_monitor: backstop failed", slog.String("error", err.Error()))
			}
		}
	}
}
