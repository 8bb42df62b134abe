// Package metrics defines the Prometheus collectors exported by the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_ticks_total", Help: "Market ticks ingested"},
		[]string{"symbol"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_ticks_dropped_total", Help: "Ticks rejected by the aggregator"},
		[]string{"reason"},
	)
	BarsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_bars_finalized_total", Help: "Bars finalized and published"},
		[]string{"symbol"},
	)
	BufferFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_buffer_flushes_total", Help: "Hot buffer flush attempts"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_orders_total", Help: "Order submissions by outcome"},
		[]string{"symbol", "outcome"},
	)
	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradecore_risk_rejections_total", Help: "Risk engine rejections"},
		[]string{"symbol"},
	)
	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradecore_halted", Help: "1 when the system is halted"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDropped, BarsFinalized,
		BufferFlushes, OrdersTotal, RiskRejections, Halted,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
