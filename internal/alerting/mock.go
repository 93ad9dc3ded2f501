package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlert is one alert captured by MockAlerter. Event is empty for bare
// Alert calls.
type MockAlert struct {
	Event    AlertEvent
	Severity Severity
	Message  string
	Fields   []any
}

// MockAlerter records alerts for tests. It is event-aware: Notify passes
// events to it directly and the event is also appended to Fields.
type MockAlerter struct {
	mu      sync.Mutex
	alerts  []MockAlert
	summary []DailySummary
}

// NewMockAlerter creates a new mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string { return "mock" }

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.record(MockAlert{Severity: severity, Message: message, Fields: fields})
	return nil
}

func (m *MockAlerter) AlertEvent(_ context.Context, event AlertEvent, message string, fields ...any) error {
	m.record(MockAlert{
		Event:    event,
		Severity: EventSeverity(event),
		Message:  message,
		Fields:   append(append([]any(nil), fields...), "event", string(event)),
	})
	return nil
}

// SendDailySummary records the summary and counts it as a summary event.
func (m *MockAlerter) SendDailySummary(ctx context.Context, s DailySummary) error {
	m.mu.Lock()
	m.summary = append(m.summary, s)
	m.mu.Unlock()
	return m.AlertEvent(ctx, EventDailySummary, "Daily stop-loss summary", s.Fields()...)
}

func (m *MockAlerter) record(a MockAlert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

// Alerts returns all captured alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Summaries returns the summaries delivered through SendDailySummary.
func (m *MockAlerter) Summaries() []DailySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DailySummary(nil), m.summary...)
}

func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
	m.summary = nil
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// EventCount returns how many alerts carried event.
func (m *MockAlerter) EventCount(event AlertEvent) int {
	return m.count(func(a MockAlert) bool { return a.Event == event })
}

// HasEvent reports whether event was alerted at least once.
func (m *MockAlerter) HasEvent(event AlertEvent) bool {
	return m.EventCount(event) > 0
}

func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.count(func(a MockAlert) bool { return a.Severity == severity }) > 0
}

func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.count(func(a MockAlert) bool { return strings.Contains(a.Message, substr) }) > 0
}

// LastAlert returns the last captured alert, or nil if none.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	last := m.alerts[len(m.alerts)-1]
	return &last
}

func (m *MockAlerter) count(match func(MockAlert) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if match(a) {
			n++
		}
	}
	return n
}
