// Package alerting delivers operator notifications for the stop-loss service:
// fills, submit failures, invariant violations, venue session changes and the
// daily summary. Channels are the console (slog), Telegram and a fan-out
// combining them; FilteredAlerter drops events the operator opted out of.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Severity ranks an alert. Higher is more urgent.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

var severities = [...]struct {
	name  string
	emoji string
	level slog.Level
}{
	SeverityInfo:     {"INFO", "ℹ️", slog.LevelInfo},
	SeverityWarning:  {"WARNING", "⚠️", slog.LevelWarn},
	SeverityHigh:     {"HIGH", "🔴", slog.LevelWarn},
	SeverityCritical: {"CRITICAL", "🚨", slog.LevelError},
}

func (s Severity) known() bool { return s >= 0 && int(s) < len(severities) }

func (s Severity) String() string {
	if !s.known() {
		return "UNKNOWN"
	}
	return severities[s].name
}

// Emoji prefixes chat messages.
func (s Severity) Emoji() string {
	if !s.known() {
		return "❓"
	}
	return severities[s].emoji
}

// Level maps the severity onto a log level. Unknown severities log at info.
func (s Severity) Level() slog.Level {
	if !s.known() {
		return slog.LevelInfo
	}
	return severities[s].level
}

// Alerter sends alerts to one channel.
type Alerter interface {
	// Alert sends message with slog-style key/value fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// FormatFields renders key/value pairs one per line as "• key: value".
// A trailing key without a value is rendered under !BADKEY, as slog does.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i < len(fields); i += 2 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if i+1 == len(fields) {
			fmt.Fprintf(&b, "• !BADKEY: %v", fields[i])
			break
		}
		fmt.Fprintf(&b, "• %v: %v", fields[i], fields[i+1])
	}
	return b.String()
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventStopLossTriggered is sent when the book crosses a stop price.
	EventStopLossTriggered AlertEvent = "stop_loss_triggered"
	// EventStopLossFilled is sent when a triggered sell reports a fill.
	EventStopLossFilled AlertEvent = "stop_loss_filled"
	// EventStopLossRequeued is sent when a partial fill leaves volume active.
	EventStopLossRequeued AlertEvent = "stop_loss_requeued"
	// EventSubmitFailed is sent when the venue refuses a triggered sell.
	EventSubmitFailed AlertEvent = "submit_failed"
	// EventInvariantViolation is sent when a fill exceeds remaining volume.
	EventInvariantViolation AlertEvent = "invariant_violation"
	// EventDailySummary is sent for the daily activity summary.
	EventDailySummary AlertEvent = "daily_summary"
	// EventConnectionLost is sent when the venue session drops.
	EventConnectionLost AlertEvent = "connection_lost"
	// EventConnectionRestored is sent when the venue session comes back.
	EventConnectionRestored AlertEvent = "connection_restored"
	// EventServiceStarted is sent when the service starts.
	EventServiceStarted AlertEvent = "service_started"
	// EventServiceStopped is sent when the service stops.
	EventServiceStopped AlertEvent = "service_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventInvariantViolation:
		return SeverityCritical
	case EventSubmitFailed, EventConnectionLost:
		return SeverityHigh
	case EventStopLossTriggered, EventStopLossRequeued:
		return SeverityWarning
	case EventStopLossFilled, EventDailySummary, EventConnectionRestored:
		return SeverityInfo
	case EventServiceStarted, EventServiceStopped:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// EventAlerter is implemented by alerters that route on the event itself.
type EventAlerter interface {
	AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error
}

// Notify sends an event through a at the event's default severity.
// A nil alerter is a no-op.
func Notify(ctx context.Context, a Alerter, event AlertEvent, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	if ea, ok := a.(EventAlerter); ok {
		return ea.AlertEvent(ctx, event, message, fields...)
	}
	return a.Alert(ctx, EventSeverity(event), message, append(fields, "event", string(event))...)
}
