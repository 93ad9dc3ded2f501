package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

const validYAML = `
venue:
  type: ibkr
  host: "10.0.0.5"
  port: 4002
  client_id: 7
  rate_limit_per_second: 40
  auto_reconnect: true
  depth_rows: 10

dispatcher:
  reconcile_interval_ms: 2000
  cancel_poll_interval_ms: 500
  cancel_wait_timeout_sec: 20
  notify_workers: 8
  max_queries_per_sec: 2

stop_loss:
  lot_size: 100
  orders:
    - instrument: AAPL
      exchange: SMART
      price: "10.30"
      volume: 1000
    - instrument: MSFT
      price: "400"
      volume: 50

persistence:
  enabled: true
  path: /var/lib/stoploss/journal.db

alerting:
  enabled: true
  summary_time: "21:30"
  events: [submit_failed, invariant_violation]
  channels:
    - type: console

metrics:
  enabled: true
  port: 9100

shutdown:
  timeout_sec: 20
  cancel_open_orders: true
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Venue.Type != VenueIBKR || cfg.Venue.Host != "10.0.0.5" || cfg.Venue.Port != 4002 {
		t.Errorf("venue = %+v", cfg.Venue)
	}
	if len(cfg.StopLoss.Orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(cfg.StopLoss.Orders))
	}
	if cfg.StopLoss.Orders[0].Price != "10.30" {
		t.Errorf("price = %s, want 10.30", cfg.StopLoss.Orders[0].Price)
	}
	if !cfg.Shutdown.CancelOpenOrders {
		t.Error("expected cancel_open_orders")
	}

	// Defaults filled
	if cfg.Metrics.Path != "/metrics" || cfg.Metrics.HealthPath != "/health" || cfg.Metrics.StatusPath != "/status" {
		t.Errorf("metrics paths = %s, %s, %s", cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.StatusPath)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Venue.Type != VenuePaper {
		t.Errorf("venue type = %s, want paper", cfg.Venue.Type)
	}
	if cfg.StopLoss.LotSize != 100 {
		t.Errorf("lot size = %d, want 100", cfg.StopLoss.LotSize)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("metrics port = %d, want 9090", cfg.Metrics.Port)
	}
	if cfg.ShutdownTimeout() != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout())
	}
	if _, _, ok := cfg.SummaryClock(); ok {
		t.Error("expected summaries disabled")
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown venue",
			yaml:    "venue:\n  type: fix\n",
			wantErr: "venue.type 'fix'",
		},
		{
			name:    "bad port",
			yaml:    "venue:\n  type: ibkr\n  port: 70000\n",
			wantErr: "venue.port must be between 1 and 65535",
		},
		{
			name:    "rate above venue limit",
			yaml:    "venue:\n  rate_limit_per_second: 60\n",
			wantErr: "rate_limit_per_second must not exceed 50",
		},
		{
			name: "order without instrument",
			yaml: `
stop_loss:
  orders:
    - price: "10"
      volume: 100
`,
			wantErr: "orders[0].instrument is required",
		},
		{
			name: "order price not a number",
			yaml: `
stop_loss:
  orders:
    - instrument: AAPL
      price: ten
      volume: 100
`,
			wantErr: "orders[0].price 'ten' is not a number",
		},
		{
			name: "negative order price",
			yaml: `
stop_loss:
  orders:
    - instrument: AAPL
      price: "-1"
      volume: 100
`,
			wantErr: "price must not be negative",
		},
		{
			name: "zero volume",
			yaml: `
stop_loss:
  orders:
    - instrument: AAPL
      price: "10"
`,
			wantErr: "orders[0].volume must be positive",
		},
		{
			name:    "persistence without path",
			yaml:    "persistence:\n  enabled: true\n",
			wantErr: "persistence.path is required",
		},
		{
			name: "telegram without token",
			yaml: `
alerting:
  channels:
    - type: telegram
      chat_id: "1"
`,
			wantErr: "telegram needs bot_token and chat_id",
		},
		{
			name:    "bad summary time",
			yaml:    "alerting:\n  summary_time: \"25:99\"\n",
			wantErr: "summary_time '25:99' must be HH:MM",
		},
		{
			name:    "negative notify workers",
			yaml:    "dispatcher:\n  notify_workers: -1\n",
			wantErr: "notify_workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Venue:       VenueConfig{Type: "fix"},
		Persistence: PersistenceConfig{Enabled: true},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"venue.type", "persistence.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestConfig_ToDispatchConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	dc := cfg.ToDispatchConfig()
	if dc.ReconcileInterval != 2*time.Second {
		t.Errorf("ReconcileInterval = %v, want 2s", dc.ReconcileInterval)
	}
	if dc.CancelPollInterval != 500*time.Millisecond {
		t.Errorf("CancelPollInterval = %v, want 500ms", dc.CancelPollInterval)
	}
	if dc.CancelWaitTimeout != 20*time.Second {
		t.Errorf("CancelWaitTimeout = %v, want 20s", dc.CancelWaitTimeout)
	}
	if dc.NotifyWorkers != 8 || dc.NotifyQueueSize != 256 {
		t.Errorf("workers/queue = %d/%d, want 8/256", dc.NotifyWorkers, dc.NotifyQueueSize)
	}
	if dc.MaxQueriesPerSec != 2 {
		t.Errorf("MaxQueriesPerSec = %v, want 2", dc.MaxQueriesPerSec)
	}
}

func TestConfig_ToEngineConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	ec := cfg.ToEngineConfig()
	if !ec.CancelOpenOrders {
		t.Error("CancelOpenOrders should carry over from shutdown section")
	}
	if !ec.SummaryEnabled || ec.SummaryHour != 21 || ec.SummaryMinute != 30 {
		t.Errorf("summary = %v %d:%d, want true 21:30", ec.SummaryEnabled, ec.SummaryHour, ec.SummaryMinute)
	}
	if ec.Dispatch.ReconcileInterval != 2*time.Second || ec.StopLoss.LotSize != 100 {
		t.Errorf("nested configs not converted: %+v", ec)
	}

	cfg.Alerting.Enabled = false
	if cfg.ToEngineConfig().SummaryEnabled {
		t.Error("summary should be off when alerting is disabled")
	}
}

func TestConfig_CancelWaitUnbounded(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("dispatcher:\n  cancel_wait_timeout_sec: -1\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.ToDispatchConfig().CancelWaitTimeout; got != 0 {
		t.Errorf("CancelWaitTimeout = %v, want 0 (unbounded)", got)
	}

	cfg, _ = LoadFromBytes([]byte("{}"))
	if got := cfg.ToDispatchConfig().CancelWaitTimeout; got != 30*time.Second {
		t.Errorf("default CancelWaitTimeout = %v, want 30s", got)
	}
}

func TestConfig_VenueConversions(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	ib := cfg.IBKRConfig()
	if ib.Host != "10.0.0.5" || ib.Port != 4002 || ib.ClientID != 7 {
		t.Errorf("ibkr endpoint = %s:%d/%d", ib.Host, ib.Port, ib.ClientID)
	}
	if ib.MaxRequestsPerSecond != 40 || ib.DepthRows != 10 || ib.LotSize != 100 {
		t.Errorf("ibkr limits = %+v", ib)
	}
	if !ib.AutoReconnect || !ib.PaperTrading {
		t.Errorf("expected reconnecting paper gateway config, got %+v", ib)
	}

	pc := cfg.PaperConfig()
	if pc.LotSize != 100 {
		t.Errorf("paper lot size = %d, want 100", pc.LotSize)
	}

	if got := cfg.ToManagerConfig().LotSize; got != 100 {
		t.Errorf("manager lot size = %d, want 100", got)
	}

	mc := cfg.MetricsServerConfig()
	if mc.Port != 9100 || mc.MetricsPath != "/metrics" {
		t.Errorf("metrics server = %+v", mc)
	}
}

func TestConfig_StopLossOrders(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	orders, err := cfg.StopLossOrders()
	if err != nil {
		t.Fatalf("StopLossOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if !orders[0].Price().Equal(decimal.RequireFromString("10.3")) || orders[0].Remaining() != 1000 {
		t.Errorf("first order = %s", orders[0])
	}
	if orders[0].ID() == orders[1].ID() {
		t.Error("orders share an ID")
	}

	again, _ := cfg.StopLossOrders()
	if again[0].ID() != orders[0].ID() {
		t.Errorf("configured order ID changed between loads: %s != %s", again[0].ID(), orders[0].ID())
	}
}

func TestConfig_SummaryClock(t *testing.T) {
	cfg, _ := LoadFromBytes([]byte(validYAML))

	hour, minute, ok := cfg.SummaryClock()
	if !ok || hour != 21 || minute != 30 {
		t.Errorf("SummaryClock() = %d:%d %v, want 21:30 true", hour, minute, ok)
	}
}

func TestConfig_IsAlertEventEnabled(t *testing.T) {
	cfg, _ := LoadFromBytes([]byte(validYAML))

	if !cfg.IsAlertEventEnabled("submit_failed") {
		t.Error("submit_failed should be enabled")
	}
	if cfg.IsAlertEventEnabled("stop_loss_filled") {
		t.Error("stop_loss_filled should be filtered")
	}

	cfg.Alerting.Events = nil
	if !cfg.IsAlertEventEnabled("stop_loss_filled") {
		t.Error("empty event list should enable everything")
	}

	cfg.Alerting.Enabled = false
	if cfg.IsAlertEventEnabled("submit_failed") {
		t.Error("disabled alerting should enable nothing")
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Venue.ClientID != 7 {
		t.Errorf("ClientID = %d, want 7", cfg.Venue.ClientID)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "my-secret-token")

	yaml := `
alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: "12345"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Alerting.Channels) == 0 {
		t.Fatal("Expected alerting channels")
	}
	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
}
