package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary contains stop-loss activity for one reporting period.
type DailySummary struct {
	Date           time.Time
	Triggers       int
	SubmitFailures int
	Fills          int
	Requeued       int
	FilledVolume   int64
	FilledNotional decimal.Decimal
	AvgFillPrice   decimal.Decimal
	ActiveOrders   int
	SessionActive  bool
}

// NewDailySummary creates a new daily summary from the provided data.
func NewDailySummary(
	date time.Time,
	triggers, submitFailures, fills, requeued int,
	filledVolume int64,
	filledNotional decimal.Decimal,
	activeOrders int,
	sessionActive bool,
) DailySummary {
	var avg decimal.Decimal
	if filledVolume > 0 {
		avg = filledNotional.Div(decimal.NewFromInt(filledVolume))
	}

	return DailySummary{
		Date:           date,
		Triggers:       triggers,
		SubmitFailures: submitFailures,
		Fills:          fills,
		Requeued:       requeued,
		FilledVolume:   filledVolume,
		FilledNotional: filledNotional,
		AvgFillPrice:   avg,
		ActiveOrders:   activeOrders,
		SessionActive:  sessionActive,
	}
}

// Fields returns the summary as alert key/value pairs.
func (s DailySummary) Fields() []any {
	return []any{
		"date", s.Date.Format("2006-01-02"),
		"triggers", s.Triggers,
		"submit_failures", s.SubmitFailures,
		"fills", s.Fills,
		"requeued", s.Requeued,
		"filled_volume", s.FilledVolume,
		"avg_fill_price", s.AvgFillPrice.StringFixed(4),
		"active_orders", s.ActiveOrders,
		"session_active", s.SessionActive,
	}
}

// SummarySender is implemented by channels with a dedicated summary format.
type SummarySender interface {
	SendDailySummary(ctx context.Context, summary DailySummary) error
}

// SendSummary delivers a summary through a's own format when it has one,
// or as a plain daily-summary event otherwise.
func SendSummary(ctx context.Context, a Alerter, s DailySummary) error {
	if a == nil {
		return nil
	}
	if sender, ok := a.(SummarySender); ok {
		return sender.SendDailySummary(ctx, s)
	}
	return Notify(ctx, a, EventDailySummary, "Daily stop-loss summary", s.Fields()...)
}

// Tally accumulates activity between summaries. Safe for concurrent use.
type Tally struct {
	mu       sync.Mutex
	since    time.Time
	triggers int
	failures int
	fills    int
	requeued int
	volume   int64
	notional decimal.Decimal
}

// NewTally starts a tally at now.
func NewTally(now time.Time) *Tally {
	return &Tally{since: now}
}

// Trigger counts a fired stop-loss.
func (t *Tally) Trigger() {
	t.mu.Lock()
	t.triggers++
	t.mu.Unlock()
}

// SubmitFailure counts a triggered sell the venue did not accept.
func (t *Tally) SubmitFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

// Fill counts a confirmed fill at price.
func (t *Tally) Fill(volume int64, price decimal.Decimal) {
	t.mu.Lock()
	t.fills++
	t.volume += volume
	t.notional = t.notional.Add(price.Mul(decimal.NewFromInt(volume)))
	t.mu.Unlock()
}

// Requeue counts an order put back after a partial fill.
func (t *Tally) Requeue() {
	t.mu.Lock()
	t.requeued++
	t.mu.Unlock()
}

// Roll returns the summary for the period so far and starts a new one at now.
func (t *Tally) Roll(now time.Time, activeOrders int, sessionActive bool) DailySummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := NewDailySummary(t.since, t.triggers, t.failures, t.fills, t.requeued,
		t.volume, t.notional, activeOrders, sessionActive)

	t.since = now
	t.triggers, t.failures, t.fills, t.requeued = 0, 0, 0, 0
	t.volume = 0
	t.notional = decimal.Zero
	return s
}
