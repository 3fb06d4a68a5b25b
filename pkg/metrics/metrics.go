// Package metrics defines the engine's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OrdersSubmitted counts submissions by outcome: accepted, rejected,
	// throttled.
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeengine_orders_submitted_total",
			Help: "Order submissions by outcome",
		},
		[]string{"outcome"},
	)

	// OrdersFilled counts fills observed at submission or reconciliation.
	OrdersFilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeengine_orders_filled_total",
			Help: "Orders observed transitioning to filled",
		},
	)

	// RunnerTicks counts completed runner loop iterations.
	RunnerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeengine_runner_ticks_total",
			Help: "Completed runner loop iterations",
		},
	)

	// RunnerErrors counts loop-scope errors by stage.
	RunnerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeengine_runner_errors_total",
			Help: "Runner loop errors by stage",
		},
		[]string{"stage"},
	)

	// Reconciliations counts reconciliation passes by kind: orders, positions.
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeengine_reconciliations_total",
			Help: "Reconciliation passes by kind",
		},
		[]string{"kind"},
	)

	// PositionDrift counts position reconciliations that found a mismatch.
	PositionDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeengine_position_drift_total",
			Help: "Position reconciliations that found drift over tolerance",
		},
	)

	// Equity is the last account equity seen by the runner.
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeengine_equity",
			Help: "Last account equity observed",
		},
	)

	// DrawdownPct is the risk manager's current drawdown percentage.
	DrawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeengine_drawdown_pct",
			Help: "Current drawdown from peak equity, percent",
		},
	)

	// CircuitBreakerActive is 1 while the risk circuit breaker is latched.
	CircuitBreakerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeengine_circuit_breaker_active",
			Help: "1 while the risk circuit breaker is latched",
		},
	)

	// BacktestRuns counts backtests by terminal status.
	BacktestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeengine_backtest_runs_total",
			Help: "Backtest runs by terminal status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersFilled,
		RunnerTicks,
		RunnerErrors,
		Reconciliations,
		PositionDrift,
		Equity,
		DrawdownPct,
		CircuitBreakerActive,
		BacktestRuns,
	)
}
