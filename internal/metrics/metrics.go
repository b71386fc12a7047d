// Package metrics holds the Prometheus collectors for the risk core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lvmargin"

// OrdersTotal counts order and close attempts by operation and result code ("ok" on success).
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "total",
		Help:      "Order executions and position closes by result",
	},
	[]string{"operation", "result"},
)

var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "latency_seconds",
		Help:      "Order execution latency",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var ConflictRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "conflict_retries_total",
		Help:      "Transactions retried after losing a race",
	},
	[]string{"operation"},
)

var MonitorPassDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a full margin monitor pass",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

var AccountsBySeverity = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "accounts",
		Help:      "Accounts per severity as of the last monitor pass",
	},
	[]string{"severity"},
)

var MonitorErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "account_errors_total",
		Help:      "Per-account monitor failures",
	},
)

var Escalations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "margin_call",
		Name:      "escalations_total",
		Help:      "Margin call escalations by entered severity",
	},
	[]string{"severity"},
)

var LiquidationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "liquidation",
		Name:      "events_total",
		Help:      "Liquidation events by final status",
	},
	[]string{"status"},
)

var LiquidationPositions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "liquidation",
		Name:      "positions_total",
		Help:      "Positions processed by liquidation, by result",
	},
	[]string{"result"},
)

var NotificationsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the queue was full",
	},
)

var NotificationsDelivered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notification deliveries by sink and result",
	},
	[]string{"sink", "result"},
)
