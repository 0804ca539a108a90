// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// REST transport
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossarb_rest_request_duration_seconds",
			Help:    "REST request latency per endpoint",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"exchange", "endpoint"},
	)

	RESTErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_rest_errors_total",
			Help: "REST request failures by kind",
		},
		[]string{"exchange", "endpoint", "kind"},
	)

	// WebSocket
	WSStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_ws_state_transitions_total",
			Help: "WebSocket connection state transitions",
		},
		[]string{"exchange", "state"},
	)

	WSReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
		[]string{"exchange"},
	)

	WSParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_ws_parse_errors_total",
			Help: "Malformed WebSocket frames dropped",
		},
		[]string{"exchange", "channel"},
	)

	WSSubscriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_ws_subscription_confirms_total",
			Help: "Subscription confirmations received",
		},
		[]string{"exchange", "channel"},
	)

	// Order books
	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_orderbook_updates_total",
			Help: "Orderbook updates applied by kind",
		},
		[]string{"exchange", "symbol", "kind"},
	)

	// Trading
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_orders_placed_total",
			Help: "Orders sent to exchanges",
		},
		[]string{"exchange", "symbol", "side", "type"},
	)

	OrdersCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_orders_canceled_total",
			Help: "Cancel requests sent to exchanges",
		},
		[]string{"exchange", "symbol"},
	)

	// Task engine
	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_task_executions_total",
			Help: "Strategy task steps by outcome",
		},
		[]string{"task_type", "outcome"},
	)

	PersistOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossarb_persist_ops_total",
			Help: "Task context persistence operations",
		},
		[]string{"op"},
	)
)

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
