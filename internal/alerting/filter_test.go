package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFilteredAlerter(t *testing.T) {
	mock := NewMockAlerter()
	f := NewFilteredAlerter(mock, func(e AlertEvent) bool {
		return e == EventSubmitFailed
	})
	ctx := context.Background()

	_ = Notify(ctx, f, EventStopLossFilled, "filled")
	if mock.Count() != 0 {
		t.Fatalf("disabled event delivered: %+v", mock.Alerts())
	}

	_ = Notify(ctx, f, EventSubmitFailed, "venue refused")
	if mock.Count() != 1 || !mock.HasAlertWithSeverity(SeverityHigh) {
		t.Fatalf("expected one high alert, got %+v", mock.Alerts())
	}

	_ = f.Alert(ctx, SeverityInfo, "plain")
	if mock.Count() != 2 {
		t.Errorf("plain alert should pass, got %d alerts", mock.Count())
	}

	summary := NewDailySummary(time.Now(), 0, 0, 0, 0, 0, decimal.Zero, 0, true)
	if err := SendSummary(ctx, f, summary); err != nil {
		t.Fatalf("SendSummary() error = %v", err)
	}
	if mock.Count() != 2 {
		t.Error("disabled daily summary delivered")
	}
}

func TestFilteredAlerter_NilFuncAllows(t *testing.T) {
	mock := NewMockAlerter()
	f := NewFilteredAlerter(mock, nil)

	_ = Notify(context.Background(), f, EventServiceStarted, "started")
	if mock.Count() != 1 {
		t.Errorf("expected 1 alert, got %d", mock.Count())
	}
	if f.Name() != mock.Name() {
		t.Errorf("Name() = %s, want %s", f.Name(), mock.Name())
	}
}

func TestMultiAlerter_SendDailySummary(t *testing.T) {
	plain := NewMockAlerter()
	capture := &summaryCapture{}
	multi := NewMultiAlerter(nil, plain, capture)

	summary := NewDailySummary(time.Now(), 2, 0, 1, 0, 100, decimal.NewFromInt(1030), 3, true)
	if err := SendSummary(context.Background(), multi, summary); err != nil {
		t.Fatalf("SendSummary() error = %v", err)
	}

	if !plain.HasAlertContaining("Daily stop-loss summary") {
		t.Error("plain channel should get the summary event")
	}
	if len(capture.summaries) != 1 {
		t.Errorf("formatted channel got %d summaries, want 1", len(capture.summaries))
	}
}
