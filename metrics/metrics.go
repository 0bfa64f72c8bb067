// Package metrics provides Prometheus metrics for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine 引擎核心指标集合。
type Engine struct {
	OrdersPlaced   *prometheus.CounterVec
	OrdersFilled   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	OpenOrders     prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	ConnState      *prometheus.GaugeVec
	EquityUSD      prometheus.Gauge
	RiskTriggers   *prometheus.CounterVec
}

// NewEngine 注册引擎指标到默认 registry。
func NewEngine() *Engine {
	return &Engine{
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Orders submitted through the lifecycle manager",
		}, []string{"exchange", "symbol"}),
		OrdersFilled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_filled_total",
			Help: "Orders that reached FILLED",
		}, []string{"exchange", "symbol"}),
		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders that reached REJECTED",
		}, []string{"exchange", "symbol"}),
		OpenOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_orders",
			Help: "Currently active orders",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_dispatch_queue_depth",
			Help: "Events queued per (exchange,symbol) partition",
		}, []string{"exchange", "symbol"}),
		ConnState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_adapter_state",
			Help: "Resilience state per adapter (0=CONNECTED 1=DEGRADED 2=PAUSED 3=RECONNECTING)",
		}, []string{"exchange"}),
		EquityUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity_usd",
			Help: "Aggregated portfolio USD value",
		}),
		RiskTriggers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_triggers_total",
			Help: "Risk rules that synthesized a close order",
		}, []string{"rule"}),
	}
}

// StartMetricsServer 启动 Prometheus 指标服务器。
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
