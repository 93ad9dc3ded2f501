// Package metrics exposes Prometheus collectors for the stop-loss service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stoploss"

var (
	// Dispatch
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_submitted_total",
		Help:      "Orders sent to the venue, by instrument and outcome.",
	}, []string{"instrument", "outcome"})

	CancelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cancel_requests_total",
		Help:      "Cancellation requests sent to the venue, by outcome.",
	}, []string{"outcome"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Order status changes observed by reconciliation.",
	}, []string{"status"})

	UnknownStatuses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_venue_statuses_total",
		Help:      "Venue status values that could not be mapped.",
	})

	DispatchedActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatched_orders_active",
		Help:      "Dispatched orders not yet in a terminal state.",
	})

	NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Status notifications waiting for a worker.",
	})

	// Reconciliation
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps, by result.",
	}, []string{"result"})

	SweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_latency_seconds",
		Help:      "Duration of reconciliation sweeps that queried the venue.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Stop-loss
	StopLossActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stop_loss_active",
		Help:      "Active stop-loss orders per instrument.",
	}, []string{"instrument"})

	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_total",
		Help:      "Stop-loss orders whose trigger condition fired.",
	}, []string{"instrument"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_total",
		Help:      "Confirmed fills applied to stop-loss orders.",
	}, []string{"instrument"})

	FilledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filled_volume_total",
		Help:      "Base units sold by stop-loss orders.",
	}, []string{"instrument"})

	// Latency
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_submit_latency_seconds",
		Help:      "Latency of venue order submission.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	DepthLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "depth_evaluation_latency_seconds",
		Help:      "Time spent evaluating triggers for one depth snapshot.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
	})

	// Health
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last processed depth snapshot.",
	})

	VenueConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "venue_connected",
		Help:      "1 when the venue session is active.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the binary's build information.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
