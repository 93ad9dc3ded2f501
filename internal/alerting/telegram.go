package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Bot API allows roughly one message per second to a single chat.
const (
	defaultTelegramRate  = rate.Limit(1)
	defaultTelegramBurst = 5
)

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	BaseURL  string // defaults to the public Bot API

	// MessagesPerSecond throttles sends to the chat. Zero uses the Bot
	// API's per-chat limit.
	MessagesPerSecond float64
}

// TelegramAlerter sends alerts to a Telegram chat. Sends wait on a
// per-chat limiter, so a burst of fills is delivered late rather than
// rejected with 429.
type TelegramAlerter struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	limit := defaultTelegramRate
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}

	return &TelegramAlerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, defaultTelegramBurst),
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, formatTelegram(severity, "", message, fields...))
}

// AlertEvent sends an alert headed by its event name.
func (t *TelegramAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return t.send(ctx, formatTelegram(EventSeverity(event), event, message, fields...))
}

// SendDailySummary sends a formatted daily stop-loss summary.
func (t *TelegramAlerter) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return t.send(ctx, formatDailySummary(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, tr.Description)
	}
	return nil
}

// formatTelegram renders an alert as Telegram HTML. Message and field
// values are escaped; instrument codes and venue texts may contain '<'.
func formatTelegram(severity Severity, event AlertEvent, message string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>[%s]</b>", severity.Emoji(), severity.String())
	if event != "" {
		fmt.Fprintf(&b, " <code>%s</code>", html.EscapeString(string(event)))
	}
	b.WriteString("\n")
	b.WriteString(html.EscapeString(message))

	if details := FormatFields(fields...); details != "" {
		b.WriteString("\n\n<b>Details:</b>\n")
		b.WriteString(html.EscapeString(details))
	}

	fmt.Fprintf(&b, "\n\n<i>%s</i>", time.Now().UTC().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func formatDailySummary(s DailySummary) string {
	return fmt.Sprintf(`📋 <b>Daily Stop-Loss Summary</b>
<b>Date:</b> %s

<b>Activity:</b>
• Triggers: %d
• Submit failures: %d
• Fills: %d (requeued %d)
• Filled volume: %d
• Avg fill price: %s

<b>Status:</b>
• Venue session: %s
• Active orders: %d`,
		s.Date.Format("2006-01-02"),
		s.Triggers,
		s.SubmitFailures,
		s.Fills,
		s.Requeued,
		s.FilledVolume,
		s.AvgFillPrice.StringFixed(4),
		sessionStatus(s.SessionActive),
		s.ActiveOrders,
	)
}

func sessionStatus(active bool) string {
	if active {
		return "🟢 Active"
	}
	return "🔴 Down"
}
