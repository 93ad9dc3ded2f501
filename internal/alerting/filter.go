package alerting

import "context"

// FilteredAlerter forwards only the events it is configured for.
// Bare Alert calls carry no event and always pass.
type FilteredAlerter struct {
	next    Alerter
	enabled func(AlertEvent) bool
}

// NewFilteredAlerter wraps next. A nil enabled func lets everything through.
func NewFilteredAlerter(next Alerter, enabled func(AlertEvent) bool) *FilteredAlerter {
	if enabled == nil {
		enabled = func(AlertEvent) bool { return true }
	}
	return &FilteredAlerter{next: next, enabled: enabled}
}

// Name returns the wrapped alerter's name.
func (f *FilteredAlerter) Name() string {
	return f.next.Name()
}

// Alert passes through unconditionally.
func (f *FilteredAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return f.next.Alert(ctx, severity, message, fields...)
}

// AlertEvent drops events that are not enabled.
func (f *FilteredAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	if !f.enabled(event) {
		return nil
	}
	return Notify(ctx, f.next, event, message, fields...)
}

// SendDailySummary delivers the summary when daily summaries are enabled.
func (f *FilteredAlerter) SendDailySummary(ctx context.Context, summary DailySummary) error {
	if !f.enabled(EventDailySummary) {
		return nil
	}
	return SendSummary(ctx, f.next, summary)
}
