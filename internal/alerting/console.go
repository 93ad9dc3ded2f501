package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the service log.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("component", "alert")}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs message at the level matching severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	c.logger.Log(ctx, severity.Level(), message, append([]any{"severity", severity.String()}, fields...)...)
	return nil
}

// AlertEvent logs message tagged with its event.
func (c *ConsoleAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return c.Alert(ctx, EventSeverity(event), message, append([]any{"event", string(event)}, fields...)...)
}

// SendDailySummary logs the summary as one record.
func (c *ConsoleAlerter) SendDailySummary(ctx context.Context, s DailySummary) error {
	c.logger.Log(ctx, slog.LevelInfo, "daily stop-loss summary", s.Fields()...)
	return nil
}
