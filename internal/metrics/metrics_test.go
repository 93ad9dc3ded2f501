package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

func TestRecorder_RecordSubmit(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("600000", "accepted"))
	r.RecordSubmit("600000", "accepted")
	r.RecordSubmit("600000", "rejected")

	after := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("600000", "accepted"))
	if after-before != 1 {
		t.Errorf("accepted delta = %v, want 1", after-before)
	}
}

func TestRecorder_RecordSweep(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(SweepsTotal.WithLabelValues("skipped"))
	r.RecordSweep("skipped")
	r.RecordSweep("skipped")
	r.RecordSweep("completed")
	r.RecordSweepLatency(20 * time.Millisecond)

	after := testutil.ToFloat64(SweepsTotal.WithLabelValues("skipped"))
	if after-before != 2 {
		t.Errorf("skipped delta = %v, want 2", after-before)
	}
}

func TestRecorder_RecordStatusChange(t *testing.T) {
	r := NewRecorder()

	r.RecordStatusChange(types.OrderStatusFilled)
	r.RecordStatusChange(types.OrderStatusPartiallyCancelled)
	r.RecordUnknownStatus()
}

func TestRecorder_Gauges(t *testing.T) {
	r := NewRecorder()

	r.RecordDispatched(3)
	if got := testutil.ToFloat64(DispatchedActive); got != 3 {
		t.Errorf("DispatchedActive = %v, want 3", got)
	}

	r.RecordActiveStopLoss("600000", 2)
	if got := testutil.ToFloat64(StopLossActive.WithLabelValues("600000")); got != 2 {
		t.Errorf("StopLossActive = %v, want 2", got)
	}

	r.RecordQueueDepth(5)
	r.RecordQueueDepth(0)
}

func TestRecorder_RecordFill(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(FilledVolume.WithLabelValues("600001"))
	r.RecordTrigger("600001")
	r.RecordFill("600001", 400)
	r.RecordFill("600001", 600)

	after := testutil.ToFloat64(FilledVolume.WithLabelValues("600001"))
	if after-before != 1000 {
		t.Errorf("filled volume delta = %v, want 1000", after-before)
	}
}

func TestRecorder_RecordVenueStatus(t *testing.T) {
	r := NewRecorder()

	r.RecordVenueStatus(true)
	if got := testutil.ToFloat64(VenueConnected); got != 1 {
		t.Errorf("VenueConnected = %v, want 1", got)
	}
	r.RecordVenueStatus(false)
	if got := testutil.ToFloat64(VenueConnected); got != 0 {
		t.Errorf("VenueConnected = %v, want 0", got)
	}
}

func TestRecorder_Misc(t *testing.T) {
	r := NewRecorder()

	r.RecordCancel("accepted")
	r.RecordOrderLatency(100 * time.Millisecond)
	r.RecordHeartbeat()
	r.RecordError("sweep_query")
}

func TestRecorder_Timers(t *testing.T) {
	r := NewRecorder()
	before := testutil.CollectAndCount(DepthLatency)

	r.TimeDepth().ObserveDuration()
	r.TimeSweep().ObserveDuration()
	if d := r.TimeSubmit().ObserveDuration(); d < 0 {
		t.Errorf("ObserveDuration() = %v", d)
	}

	if got := testutil.CollectAndCount(DepthLatency); got != before {
		t.Errorf("histogram series = %d, want %d", got, before)
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "abc123", "2026-10-16")
}

func TestMetricsRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		OrdersSubmitted,
		CancelRequests,
		StatusTransitions,
		UnknownStatuses,
		DispatchedActive,
		NotificationQueueDepth,
		SweepsTotal,
		SweepLatency,
		StopLossActive,
		TriggersTotal,
		FillsTotal,
		FilledVolume,
		OrderLatency,
		DepthLatency,
		HeartbeatTimestamp,
		VenueConnected,
		ErrorsTotal,
		BuildInfo,
	}

	for _, m := range metrics {
		if m == nil {
			t.Error("metric is nil")
		}
	}
}
