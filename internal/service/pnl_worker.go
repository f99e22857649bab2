package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// PnLHeartbeat is the heartbeat name of the mark-to-market worker.
const PnLHeartbeat = "pnl"

// markScale is the stored scale of the position mark columns.
const markScale = 4

// PositionCloser is the engine close path used by the workers.
type PositionCloser interface {
	ClosePositionAt(ctx context.Context, pos domain.Position, price decimal.Decimal, opts CloseOptions) (CloseResult, error)
}

// PnLConfig holds the tunable parameters of the MarkToMarketWorker.
type PnLConfig struct {
	Interval        time.Duration
	BatchSize       int
	UpdateThreshold decimal.Decimal
	MaxQuoteAge     time.Duration
	CycleLockTTL    time.Duration
}

// PnLOptions selects one mark-to-market pass. A zero Limit uses the configured
// batch size.
type PnLOptions struct {
	Limit           int
	UpdateThreshold decimal.Decimal
	DryRun          bool
}

// PnLResult summarises a mark-to-market pass.
type PnLResult struct {
	Processed      int      `json:"processed"`
	Updated        int      `json:"updated"`
	Unchanged      int      `json:"unchanged"`
	Skipped        int      `json:"skipped"`
	StopLossClosed int      `json:"stop_loss_closed"`
	TargetClosed   int      `json:"target_closed"`
	Errors         int      `json:"errors"`
	ErrorDetails   []string `json:"error_details,omitempty"`
	DryRun         bool     `json:"dry_run"`
}

// MarkToMarketWorker revalues active positions against the quote cache and
// closes positions whose stop-loss or target has been hit.
type MarkToMarketWorker struct {
	positions  domain.PositionStore
	quotes     domain.QuoteCache
	closer     PositionCloser
	cfg        PnLConfig
	bus        domain.EventBus
	heartbeats domain.Heartbeats
	metrics    *Metrics
	guard      *cycleGuard
	cursor     rotation
	now        func() time.Time
	logger     *slog.Logger
}

// NewMarkToMarketWorker creates a MarkToMarketWorker.
func NewMarkToMarketWorker(
	positions domain.PositionStore,
	quotes domain.QuoteCache,
	closer PositionCloser,
	cfg PnLConfig,
	logger *slog.Logger,
) *MarkToMarketWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &MarkToMarketWorker{
		positions: positions,
		quotes:    quotes,
		closer:    closer,
		cfg:       cfg,
		guard:     newCycleGuard(PnLHeartbeat, nil, cfg.CycleLockTTL),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "pnl_worker")),
	}
}

// WithEventBus publishes one marks_updated event per account after a pass.
func (w *MarkToMarketWorker) WithEventBus(bus domain.EventBus) *MarkToMarketWorker {
	w.bus = bus
	return w
}

// WithHeartbeats records a heartbeat after every completed cycle.
func (w *MarkToMarketWorker) WithHeartbeats(hb domain.Heartbeats) *MarkToMarketWorker {
	w.heartbeats = hb
	return w
}

// WithLocks makes cycles exclusive across instances.
func (w *MarkToMarketWorker) WithLocks(locks domain.LockManager) *MarkToMarketWorker {
	w.guard.locks = locks
	return w
}

// WithMetrics attaches Prometheus collectors.
func (w *MarkToMarketWorker) WithMetrics(m *Metrics) *MarkToMarketWorker {
	w.metrics = m
	return w
}

// DefaultOptions returns the options of a scheduled pass.
func (w *MarkToMarketWorker) DefaultOptions() PnLOptions {
	return PnLOptions{Limit: w.cfg.BatchSize, UpdateThreshold: w.cfg.UpdateThreshold}
}

// markTrigger reports which exit, if any, ltp has hit.
func markTrigger(pos domain.Position, ltp decimal.Decimal) (CloseReason, bool) {
	if pos.Long() {
		if pos.StopLoss != nil && ltp.LessThanOrEqual(*pos.StopLoss) {
			return CloseStopLoss, true
		}
		if pos.Target != nil && ltp.GreaterThanOrEqual(*pos.Target) {
			return CloseTarget, true
		}
		return "", false
	}
	if pos.StopLoss != nil && ltp.GreaterThanOrEqual(*pos.StopLoss) {
		return CloseStopLoss, true
	}
	if pos.Target != nil && ltp.LessThanOrEqual(*pos.Target) {
		return CloseTarget, true
	}
	return "", false
}

// Marks computes the unrealized and day P&L of pos at q.
func Marks(pos domain.Position, q *domain.Quote) (unrealized, day decimal.Decimal) {
	qty := decimal.NewFromInt(pos.Quantity)
	ltp := q.LastTradePrice
	unrealized = ltp.Sub(pos.AveragePrice).Mul(qty)
	ref := q.ReferenceClose()
	if !ref.IsPositive() {
		return unrealized, unrealized
	}
	return unrealized, ltp.Sub(ref).Mul(qty)
}

// ProcessPositionPnL runs one mark-to-market pass over the next batch of open
// positions. Batches rotate through the book by position id, so a book larger
// than the limit is covered across consecutive passes. A position is written
// only when its P&L, at the stored scale, moved by more than the update
// threshold, so repeating a pass on an unchanged quote writes nothing.
// Stop-loss and target exits close at the last traded price. Failures are
// counted per position and never abort the pass.
func (w *MarkToMarketWorker) ProcessPositionPnL(ctx context.Context, opts PnLOptions) (PnLResult, error) {
	res := PnLResult{DryRun: opts.DryRun}
	limit := opts.Limit
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}
	threshold := opts.UpdateThreshold.Abs()

	positions, err := nextBatch(ctx, &w.cursor, limit, !opts.DryRun, w.positions.ListActive,
		func(p domain.Position) string { return p.ID })
	if err != nil {
		return res, fmt.Errorf("pnl_worker: list active positions: %w", err)
	}
	if len(positions) == 0 {
		return res, nil
	}

	tokens := make([]string, 0, len(positions))
	seen := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.InstrumentID]; !ok {
			seen[p.InstrumentID] = struct{}{}
			tokens = append(tokens, p.InstrumentID)
		}
	}
	if err := w.quotes.EnsureSubscribed(ctx, tokens); err != nil {
		w.logger.WarnContext(ctx, "pnl_worker: subscribe quotes failed", slog.String("error", err.Error()))
	}
	quotes, err := w.quotes.GetQuotes(ctx, tokens)
	if err != nil {
		return res, fmt.Errorf("pnl_worker: read quotes: %w", err)
	}

	now := w.now()
	touched := make(map[string]struct{})
	for _, pos := range positions {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++

		q := quotes[pos.InstrumentID]
		if !q.Tradable(now, w.cfg.MaxQuoteAge) {
			res.Skipped++
			continue
		}

		if reason, hit := markTrigger(pos, q.LastTradePrice); hit {
			w.closeOnTrigger(ctx, pos, q.LastTradePrice, reason, opts.DryRun, &res)
			continue
		}

		unrealized, day := Marks(pos, q)
		unrealized, day = unrealized.Round(markScale), day.Round(markScale)
		moved := unrealized.Sub(pos.UnrealizedPnL).Abs()
		if dayMove := day.Sub(pos.DayPnL).Abs(); dayMove.GreaterThan(moved) {
			moved = dayMove
		}
		if !pos.LastPrice.IsZero() && !moved.GreaterThan(threshold) {
			res.Unchanged++
			continue
		}
		if opts.DryRun {
			res.Updated++
			continue
		}

		changed, err := w.positions.UpdateMarks(ctx, domain.MarkUpdate{
			PositionID:       pos.ID,
			ExpectedQuantity: pos.Quantity,
			LastPrice:        q.LastTradePrice,
			UnrealizedPnL:    unrealized,
			DayPnL:           day,
		})
		if err != nil {
			res.Errors++
			res.ErrorDetails = append(res.ErrorDetails, fmt.Sprintf("%s: %v", pos.ID, err))
			w.logger.ErrorContext(ctx, "pnl_worker: update marks failed",
				slog.String("position_id", pos.ID),
				slog.String("account_id", pos.AccountID),
				slog.String("instrument_id", pos.InstrumentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !changed {
			// A fill moved the position after it was listed.
			res.Skipped++
			continue
		}
		res.Updated++
		touched[pos.AccountID] = struct{}{}
	}

	if !opts.DryRun {
		w.metrics.pnlUpdated(res.Updated)
		for accountID := range touched {
			w.publishMarks(ctx, accountID, now)
		}
	}
	return res, nil
}

func (w *MarkToMarketWorker) closeOnTrigger(ctx context.Context, pos domain.Position, ltp decimal.Decimal, reason CloseReason, dryRun bool, res *PnLResult) {
	count := func() {
		if reason == CloseStopLoss {
			res.StopLossClosed++
		} else {
			res.TargetClosed++
		}
	}
	if dryRun {
		count()
		return
	}

	kind, level := domain.AlertStopLoss, pos.StopLoss
	if reason == CloseTarget {
		kind, level = domain.AlertTarget, pos.Target
	}
	alert := &domain.RiskAlert{
		Kind:    kind,
		Message: fmt.Sprintf("%s %s hit at %s (trigger %s)", pos.Symbol, reason, ltp, level),
	}

	out, err := w.closer.ClosePositionAt(ctx, pos, ltp, CloseOptions{Reason: reason, Alert: alert})
	switch {
	case err == nil && out.AlreadyClosed:
		res.Skipped++
	case err == nil:
		count()
	case domain.IsLockContention(err):
		res.Skipped++
	default:
		res.Errors++
		res.ErrorDetails = append(res.ErrorDetails, fmt.Sprintf("%s: %v", pos.ID, err))
	}
}

func (w *MarkToMarketWorker) publishMarks(ctx context.Context, accountID string, at time.Time) {
	if w.bus == nil {
		return
	}
	evt := domain.AccountEvent{AccountID: accountID, Kind: domain.EventMarksUpdated, At: at}
	if err := w.bus.PublishAccountEvent(ctx, evt); err != nil {
		w.logger.WarnContext(ctx, "pnl_worker: publish event failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
}

// Run executes a pass every Interval until ctx is cancelled.
func (w *MarkToMarketWorker) Run(ctx context.Context) error {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "pnl_worker: started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *MarkToMarketWorker) cycle(ctx context.Context) {
	release, ok := w.guard.enter(ctx, w.logger)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	defer w.metrics.observeWorker(PnLHeartbeat, start)

	res, err := w.ProcessPositionPnL(ctx, w.DefaultOptions())
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "pnl_worker: pass failed", slog.String("error", err.Error()))
		}
		return
	}
	if res.Errors > 0 || res.StopLossClosed > 0 || res.TargetClosed > 0 {
		w.logger.InfoContext(ctx, "pnl_worker: pass complete",
			slog.Int("processed", res.Processed),
			slog.Int("updated", res.Updated),
			slog.Int("stop_loss_closed", res.StopLossClosed),
			slog.Int("target_closed", res.TargetClosed),
			slog.Int("errors", res.Errors),
		)
	}
	if w.heartbeats != nil {
		if err := w.heartbeats.Beat(ctx, PnLHeartbeat, w.now()); err != nil {
			w.logger.WarnContext(ctx, "pnl_worker: heartbeat failed", slog.String("error", err.Error()))
		}
	}
}
