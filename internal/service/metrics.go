package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MarginFallbacks *prometheus.CounterVec
	Orders          *prometheus.CounterVec
	LockContention  *prometheus.CounterVec
	PnLUpdates      prometheus.Counter
	AutoCloses      *prometheus.CounterVec
	RiskAlerts      *prometheus.CounterVec
	WorkerRuns      *prometheus.HistogramVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		MarginFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_margin_default_fallback_total",
				Help: "Orders priced with the built-in default policy.",
			},
			[]string{"segment", "product", "field"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_orders_total",
				Help: "Orders by type and resulting status.",
			},
			[]string{"type", "status"},
		),
		LockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_lock_contention_total",
				Help: "Account lock try-acquire misses by operation.",
			},
			[]string{"op"},
		),
		PnLUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskengine_pnl_updates_total",
				Help: "Mark-to-market writes applied.",
			},
		),
		AutoCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_auto_close_total",
				Help: "Positions closed by the engine, by reason.",
			},
			[]string{"reason"},
		),
		RiskAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_risk_alerts_total",
				Help: "Risk alerts recorded, by kind.",
			},
			[]string{"kind"},
		),
		WorkerRuns: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskengine_worker_run_duration_seconds",
				Help:    "Worker cycle duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker"},
		),
	}

	registry.MustRegister(m.MarginFallbacks, m.Orders, m.LockContention, m.PnLUpdates,
		m.AutoCloses, m.RiskAlerts, m.WorkerRuns)
	return m
}

// RecordMarginFallback implements margin.FallbackRecorder.
func (m *Metrics) RecordMarginFallback(segment domain.Segment, product domain.ProductType, field string) {
	if m == nil {
		return
	}
	m.MarginFallbacks.WithLabelValues(string(segment), string(product), field).Inc()
}

func (m *Metrics) orderRecorded(t domain.OrderType, status domain.OrderStatus) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(string(t), string(status)).Inc()
}

func (m *Metrics) lockContended(op string) {
	if m == nil {
		return
	}
	m.LockContention.WithLabelValues(op).Inc()
}

func (m *Metrics) pnlUpdated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.PnLUpdates.Add(float64(n))
}

func (m *Metrics) autoClosed(reason CloseReason) {
	if m == nil {
		return
	}
	m.AutoCloses.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) alertRaised(kind domain.RiskAlertKind) {
	if m == nil {
		return
	}
	m.RiskAlerts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeWorker(worker string, start time.Time) {
	if m == nil {
		return
	}
	m.WorkerRuns.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}
