package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter fans alerts out to several channels concurrently. A slow or
// failing channel does not hold back the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert sends to every channel. Channel errors are joined.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return m.each("alert", func(a Alerter) error {
		return a.Alert(ctx, severity, message, fields...)
	})
}

// AlertEvent hands the event to every channel, so event-aware channels
// can render it their own way.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.each(string(event), func(a Alerter) error {
		return Notify(ctx, a, event, message, fields...)
	})
}

// SendDailySummary hands the summary to every channel in its own format.
func (m *MultiAlerter) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return m.each(string(EventDailySummary), func(a Alerter) error {
		return SendSummary(ctx, a, summary)
	})
}

func (m *MultiAlerter) each(what string, send func(Alerter) error) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	errs := make([]error, len(alerters))
	var wg sync.WaitGroup
	for i, a := range alerters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(a); err != nil {
				m.logger.Error("alert delivery failed", "alerter", a.Name(), "alert", what, "err", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
