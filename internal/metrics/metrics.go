// Package metrics exposes the loop's operational counters on a private
// Prometheus registry, served by the ops endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the loop updates.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal    *prometheus.CounterVec
	OrdersTotal     *prometheus.CounterVec
	RefusalsTotal   *prometheus.CounterVec
	ExitsTotal      *prometheus.CounterVec
	AdoptionsTotal  prometheus.Counter
	ReconnectsTotal prometheus.Counter

	OpenPositions prometheus.Gauge
	Equity        prometheus.Gauge
	DailyRealized prometheus.Gauge

	TickDuration prometheus.Histogram
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_signals_total",
			Help: "Strategy signals emitted, by side.",
		}, []string{"side"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_orders_total",
			Help: "Order submissions, by terminal status.",
		}, []string{"status"}),
		RefusalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_risk_refusals_total",
			Help: "Risk gate refusals, by code.",
		}, []string{"code"}),
		ExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_exits_total",
			Help: "Position exits, by reason.",
		}, []string{"reason"}),
		AdoptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_adoptions_total",
			Help: "Orphan positions adopted during reconciliation.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_reconnects_total",
			Help: "Broker session reconnects.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "herald_open_positions",
			Help: "Positions currently tracked.",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "herald_account_equity",
			Help: "Account equity from the latest snapshot.",
		}),
		DailyRealized: factory.NewGauge(prometheus.GaugeOpts{
			Name: "herald_daily_realized",
			Help: "Realized P&L accumulated this server day.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_tick_duration_seconds",
			Help:    "Wall-clock duration of one control-loop tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// ObserveTick records one tick duration.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
