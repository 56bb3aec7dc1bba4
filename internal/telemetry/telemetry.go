// Package telemetry exposes Prometheus collectors for the replay
// service. Instrumentation is observational only: nothing in the core
// pipeline reads these values, so scraping can never change a result.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_runs_total",
		Help: "Backtest runs by final status.",
	}, []string{"status"})

	BarsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_bars_processed_total",
		Help: "Bars replayed across all runs.",
	})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_signals_total",
		Help: "Signals emitted by strategy.",
	}, []string{"strategy"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_orders_total",
		Help: "Orders emitted by side.",
	}, []string{"side"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_fills_total",
		Help: "Fills executed by side.",
	}, []string{"side"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_trades_total",
		Help: "Closed trades by result.",
	}, []string{"result"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_rejections_total",
		Help: "Rejected signals and orders by reason.",
	}, []string{"reason"})

	SweepIterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_sweep_iterations_total",
		Help: "Optimizer iterations by outcome.",
	}, []string{"status"})

	RunEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replay_run_equity",
		Help: "Latest equity observed for an in-flight run.",
	}, []string{"run_id"})

	SweepActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_sweep_active_workers",
		Help: "Optimizer workers currently executing an iteration.",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
