package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewDailySummary(t *testing.T) {
	date := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	summary := NewDailySummary(
		date,
		4, // triggers
		1, // submit failures
		3, // fills
		1, // requeued
		1000,
		decimal.NewFromInt(10250),
		2,
		true,
	)

	if summary.Triggers != 4 {
		t.Errorf("Triggers = %d, want 4", summary.Triggers)
	}
	if summary.FilledVolume != 1000 {
		t.Errorf("FilledVolume = %d, want 1000", summary.FilledVolume)
	}

	// 10250 / 1000 = 10.25
	expectedAvg := decimal.RequireFromString("10.25")
	if !summary.AvgFillPrice.Equal(expectedAvg) {
		t.Errorf("AvgFillPrice = %s, want %s", summary.AvgFillPrice, expectedAvg)
	}
	if !summary.SessionActive {
		t.Error("SessionActive should be true")
	}
}

func TestNewDailySummary_NoFills(t *testing.T) {
	summary := NewDailySummary(time.Now(), 0, 0, 0, 0, 0, decimal.Zero, 0, false)

	if !summary.AvgFillPrice.IsZero() {
		t.Errorf("AvgFillPrice = %s, want 0", summary.AvgFillPrice)
	}
}

func TestDailySummary_Fields(t *testing.T) {
	date := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	summary := NewDailySummary(date, 1, 0, 1, 0, 100, decimal.NewFromInt(1000), 0, true)

	fields := summary.Fields()
	if len(fields)%2 != 0 {
		t.Fatalf("expected key/value pairs, got %d entries", len(fields))
	}
	if fields[0] != "date" || fields[1] != "2024-12-31" {
		t.Errorf("expected date first, got %v=%v", fields[0], fields[1])
	}
}

func TestTally_Roll(t *testing.T) {
	start := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	tally := NewTally(start)

	tally.Trigger()
	tally.Trigger()
	tally.SubmitFailure()
	tally.Fill(400, decimal.RequireFromString("10.3"))
	tally.Fill(600, decimal.RequireFromString("10.1"))
	tally.Requeue()

	next := start.Add(24 * time.Hour)
	summary := tally.Roll(next, 3, true)

	if summary.Date != start {
		t.Errorf("Date = %v, want %v", summary.Date, start)
	}
	if summary.Triggers != 2 || summary.SubmitFailures != 1 || summary.Fills != 2 || summary.Requeued != 1 {
		t.Errorf("unexpected counts: %+v", summary)
	}
	if summary.FilledVolume != 1000 {
		t.Errorf("FilledVolume = %d, want 1000", summary.FilledVolume)
	}

	// (400*10.3 + 600*10.1) / 1000 = 10.18
	expectedAvg := decimal.RequireFromString("10.18")
	if !summary.AvgFillPrice.Equal(expectedAvg) {
		t.Errorf("AvgFillPrice = %s, want %s", summary.AvgFillPrice, expectedAvg)
	}
	if summary.ActiveOrders != 3 {
		t.Errorf("ActiveOrders = %d, want 3", summary.ActiveOrders)
	}

	empty := tally.Roll(next.Add(24*time.Hour), 0, false)
	if empty.Date != next || empty.Triggers != 0 || empty.FilledVolume != 0 {
		t.Errorf("expected tally reset after roll, got %+v", empty)
	}
}

func TestTally_Concurrent(t *testing.T) {
	tally := NewTally(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tally.Trigger()
			tally.Fill(100, decimal.NewFromInt(10))
		}()
	}
	wg.Wait()

	summary := tally.Roll(time.Now(), 0, true)
	if summary.Triggers != 50 || summary.Fills != 50 || summary.FilledVolume != 5000 {
		t.Errorf("unexpected totals: %+v", summary)
	}
}

type summaryCapture struct {
	MockAlerter
	summaries []DailySummary
}

func (s *summaryCapture) SendDailySummary(_ context.Context, summary DailySummary) error {
	s.summaries = append(s.summaries, summary)
	return nil
}

func TestSendSummary(t *testing.T) {
	summary := NewDailySummary(time.Now(), 1, 0, 1, 0, 100, decimal.NewFromInt(1000), 0, true)

	t.Run("plain alerter gets event", func(t *testing.T) {
		mock := NewMockAlerter()
		plain := struct{ Alerter }{mock}
		if err := SendSummary(context.Background(), plain, summary); err != nil {
			t.Fatalf("SendSummary() error = %v", err)
		}
		if !mock.HasAlertContaining("Daily stop-loss summary") {
			t.Error("expected summary alert")
		}
		if len(mock.Summaries()) != 0 {
			t.Error("plain path should not use the formatted summary")
		}
	})

	t.Run("summary sender gets formatted summary", func(t *testing.T) {
		capture := &summaryCapture{}
		if err := SendSummary(context.Background(), capture, summary); err != nil {
			t.Fatalf("SendSummary() error = %v", err)
		}
		if len(capture.summaries) != 1 {
			t.Errorf("expected 1 summary, got %d", len(capture.summaries))
		}
		if capture.Count() != 0 {
			t.Error("summary sender should not also get a plain alert")
		}
	})

	t.Run("nil alerter", func(t *testing.T) {
		if err := SendSummary(context.Background(), nil, summary); err != nil {
			t.Errorf("expected no-op, got %v", err)
		}
	})
}
