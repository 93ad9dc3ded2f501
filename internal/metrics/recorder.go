package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordSubmit records a submission outcome ("accepted" or "rejected").
func (r *Recorder) RecordSubmit(instrument, outcome string) {
	OrdersSubmitted.WithLabelValues(instrument, outcome).Inc()
}

// RecordCancel records a cancellation request outcome.
func (r *Recorder) RecordCancel(outcome string) {
	CancelRequests.WithLabelValues(outcome).Inc()
}

// RecordStatusChange records an observed status transition.
func (r *Recorder) RecordStatusChange(status types.OrderStatus) {
	StatusTransitions.WithLabelValues(status.String()).Inc()
}

// RecordUnknownStatus records a venue status we could not map.
func (r *Recorder) RecordUnknownStatus() {
	UnknownStatuses.Inc()
}

// RecordDispatched sets the number of in-flight dispatched orders.
func (r *Recorder) RecordDispatched(n int) {
	DispatchedActive.Set(float64(n))
}

// RecordQueueDepth sets the notification backlog.
func (r *Recorder) RecordQueueDepth(n int) {
	NotificationQueueDepth.Set(float64(n))
}

// RecordSweep records a sweep result: completed, skipped, idle or failed.
func (r *Recorder) RecordSweep(result string) {
	SweepsTotal.WithLabelValues(result).Inc()
}

// RecordSweepLatency records how long a sweep took.
func (r *Recorder) RecordSweepLatency(duration time.Duration) {
	SweepLatency.Observe(duration.Seconds())
}

// RecordActiveStopLoss sets the active stop-loss count for an instrument.
func (r *Recorder) RecordActiveStopLoss(instrument string, n int) {
	StopLossActive.WithLabelValues(instrument).Set(float64(n))
}

// RecordTrigger records a fired stop-loss trigger.
func (r *Recorder) RecordTrigger(instrument string) {
	TriggersTotal.WithLabelValues(instrument).Inc()
}

// RecordFill records a confirmed fill.
func (r *Recorder) RecordFill(instrument string, volume int64) {
	FillsTotal.WithLabelValues(instrument).Inc()
	FilledVolume.WithLabelValues(instrument).Add(float64(volume))
}

// RecordOrderLatency records order submission latency.
func (r *Recorder) RecordOrderLatency(duration time.Duration) {
	OrderLatency.Observe(duration.Seconds())
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordVenueStatus records venue session status.
func (r *Recorder) RecordVenueStatus(connected bool) {
	if connected {
		VenueConnected.Set(1)
	} else {
		VenueConnected.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// TimeSubmit starts a venue submission latency timer. Call
// ObserveDuration on the result when the venue call returns.
func (r *Recorder) TimeSubmit() *prometheus.Timer {
	return prometheus.NewTimer(OrderLatency)
}

// TimeSweep starts a reconciliation sweep timer.
func (r *Recorder) TimeSweep() *prometheus.Timer {
	return prometheus.NewTimer(SweepLatency)
}

// TimeDepth starts a depth evaluation timer.
func (r *Recorder) TimeDepth() *prometheus.Timer {
	return prometheus.NewTimer(DepthLatency)
}
