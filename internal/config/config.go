// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/broker/ibkr"
	"github.com/tathienbao/stoploss-bot/internal/broker/paper"
	"github.com/tathienbao/stoploss-bot/internal/dispatch"
	"github.com/tathienbao/stoploss-bot/internal/engine"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
	"github.com/tathienbao/stoploss-bot/internal/stoploss"
	"github.com/tathienbao/stoploss-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// Venue types.
const (
	VenuePaper = "paper"
	VenueIBKR  = "ibkr"
)

// Config represents the full application configuration.
type Config struct {
	Venue       VenueConfig       `yaml:"venue"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	StopLoss    StopLossConfig    `yaml:"stop_loss"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// VenueConfig holds broker settings.
type VenueConfig struct {
	Type                 string `yaml:"type"` // paper | ibkr
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ClientID             int    `yaml:"client_id"`
	Exchange             string `yaml:"exchange"`
	RateLimitPerSecond   int    `yaml:"rate_limit_per_second"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_sec"`
	RequestTimeoutSec    int    `yaml:"request_timeout_sec"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectIntervalSec int    `yaml:"reconnect_interval_sec"`
	MaxReconnectTries    int    `yaml:"max_reconnect_tries"`
	DepthRows            int    `yaml:"depth_rows"`
	PaperFillDelayMs     int    `yaml:"paper_fill_delay_ms"`
}

// DispatcherConfig holds order dispatch and reconciliation settings.
type DispatcherConfig struct {
	ReconcileIntervalMs  int     `yaml:"reconcile_interval_ms"`
	CancelPollIntervalMs int     `yaml:"cancel_poll_interval_ms"`
	CancelWaitTimeoutSec int     `yaml:"cancel_wait_timeout_sec"` // negative waits without bound
	NotifyWorkers        int     `yaml:"notify_workers"`
	NotifyQueueSize      int     `yaml:"notify_queue_size"`
	MaxQueriesPerSec     float64 `yaml:"max_queries_per_sec"`
}

// StopLossConfig holds trigger settings and the orders to arm at startup.
type StopLossConfig struct {
	LotSize int64         `yaml:"lot_size"`
	Orders  []OrderConfig `yaml:"orders"`
}

// OrderConfig describes one stop-loss order.
type OrderConfig struct {
	Instrument string `yaml:"instrument"`
	Exchange   string `yaml:"exchange"`
	Price      string `yaml:"price"`
	Volume     int64  `yaml:"volume"`
}

// PersistenceConfig holds journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Channels    []ChannelConfig `yaml:"channels"`
	Events      []string        `yaml:"events"`
	SummaryTime string          `yaml:"summary_time"` // HH:MM UTC, empty disables
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
	StatusPath string `yaml:"status_path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec       int  `yaml:"timeout_sec"`
	CancelOpenOrders bool `yaml:"cancel_open_orders"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Venue
	if c.Venue.Type == "" {
		c.Venue.Type = VenuePaper
	}
	switch c.Venue.Type {
	case VenuePaper:
	case VenueIBKR:
		if c.Venue.Host == "" {
			c.Venue.Host = ibkr.DefaultConfig().Host
		}
		if c.Venue.Port == 0 {
			c.Venue.Port = ibkr.DefaultConfig().Port
		}
		if c.Venue.Port < 0 || c.Venue.Port > 65535 {
			errs = append(errs, "venue.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, fmt.Sprintf("venue.type '%s' must be 'paper' or 'ibkr'", c.Venue.Type))
	}
	if c.Venue.RateLimitPerSecond < 0 {
		errs = append(errs, "venue.rate_limit_per_second must not be negative")
	}
	if c.Venue.RateLimitPerSecond > 50 {
		errs = append(errs, "venue.rate_limit_per_second must not exceed 50")
	}

	// Dispatcher
	if c.Dispatcher.ReconcileIntervalMs < 0 || c.Dispatcher.CancelPollIntervalMs < 0 {
		errs = append(errs, "dispatcher intervals must not be negative")
	}
	if c.Dispatcher.NotifyWorkers < 0 || c.Dispatcher.NotifyQueueSize < 0 {
		errs = append(errs, "dispatcher.notify_workers and notify_queue_size must not be negative")
	}
	if c.Dispatcher.MaxQueriesPerSec < 0 {
		errs = append(errs, "dispatcher.max_queries_per_sec must not be negative")
	}

	// Stop-loss orders
	if c.StopLoss.LotSize < 0 {
		errs = append(errs, "stop_loss.lot_size must be positive")
	}
	if c.StopLoss.LotSize == 0 {
		c.StopLoss.LotSize = stoploss.DefaultConfig().LotSize
	}
	for i, o := range c.StopLoss.Orders {
		if o.Instrument == "" {
			errs = append(errs, fmt.Sprintf("stop_loss.orders[%d].instrument is required", i))
		}
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			errs = append(errs, fmt.Sprintf("stop_loss.orders[%d].price '%s' is not a number", i, o.Price))
		} else if price.IsNegative() {
			errs = append(errs, fmt.Sprintf("stop_loss.orders[%d].price must not be negative", i))
		}
		if o.Volume <= 0 {
			errs = append(errs, fmt.Sprintf("stop_loss.orders[%d].volume must be positive", i))
		}
	}

	// Persistence
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	// Alerting
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d] telegram needs bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' must be 'console' or 'telegram'", i, ch.Type))
		}
	}
	if c.Alerting.SummaryTime != "" {
		if _, err := time.Parse("15:04", c.Alerting.SummaryTime); err != nil {
			errs = append(errs, fmt.Sprintf("alerting.summary_time '%s' must be HH:MM", c.Alerting.SummaryTime))
		}
	}

	// Metrics
	defaults := metrics.DefaultServerConfig()
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaults.Port
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaults.MetricsPath
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = defaults.HealthPath
	}
	if c.Metrics.StatusPath == "" {
		c.Metrics.StatusPath = defaults.StatusPath
	}

	// Shutdown
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 15 // default
	}

	if c.Venue.Type == VenueIBKR && len(errs) == 0 {
		if err := c.IBKRConfig().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToDispatchConfig converts to dispatch.Config, keeping defaults for unset fields.
func (c *Config) ToDispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	d := c.Dispatcher

	if d.ReconcileIntervalMs > 0 {
		cfg.ReconcileInterval = time.Duration(d.ReconcileIntervalMs) * time.Millisecond
	}
	if d.CancelPollIntervalMs > 0 {
		cfg.CancelPollInterval = time.Duration(d.CancelPollIntervalMs) * time.Millisecond
	}
	switch {
	case d.CancelWaitTimeoutSec > 0:
		cfg.CancelWaitTimeout = time.Duration(d.CancelWaitTimeoutSec) * time.Second
	case d.CancelWaitTimeoutSec < 0:
		cfg.CancelWaitTimeout = 0
	}
	if d.NotifyWorkers > 0 {
		cfg.NotifyWorkers = d.NotifyWorkers
	}
	if d.NotifyQueueSize > 0 {
		cfg.NotifyQueueSize = d.NotifyQueueSize
	}
	cfg.MaxQueriesPerSec = d.MaxQueriesPerSec

	return cfg
}

// ToManagerConfig converts to stoploss.Config.
func (c *Config) ToManagerConfig() stoploss.Config {
	return stoploss.Config{LotSize: c.StopLoss.LotSize}
}

// ToEngineConfig converts to engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Dispatch = c.ToDispatchConfig()
	cfg.StopLoss = c.ToManagerConfig()
	cfg.CancelOpenOrders = c.Shutdown.CancelOpenOrders
	if c.Alerting.Enabled {
		cfg.SummaryHour, cfg.SummaryMinute, cfg.SummaryEnabled = c.SummaryClock()
	}
	return cfg
}

// IBKRConfig converts the venue section to ibkr.Config.
func (c *Config) IBKRConfig() ibkr.Config {
	cfg := ibkr.DefaultConfig()
	v := c.Venue

	if v.Host != "" {
		cfg.Host = v.Host
	}
	if v.Port != 0 {
		cfg.Port = v.Port
	}
	if v.ClientID != 0 {
		cfg.ClientID = v.ClientID
	}
	if v.Exchange != "" {
		cfg.Exchange = v.Exchange
	}
	if v.RateLimitPerSecond > 0 {
		cfg.MaxRequestsPerSecond = v.RateLimitPerSecond
	}
	if v.ConnectTimeoutSec > 0 {
		cfg.ConnectTimeout = time.Duration(v.ConnectTimeoutSec) * time.Second
	}
	if v.RequestTimeoutSec > 0 {
		cfg.RequestTimeout = time.Duration(v.RequestTimeoutSec) * time.Second
	}
	cfg.AutoReconnect = v.AutoReconnect
	if v.ReconnectIntervalSec > 0 {
		cfg.ReconnectInterval = time.Duration(v.ReconnectIntervalSec) * time.Second
	}
	if v.MaxReconnectTries > 0 {
		cfg.MaxReconnectTries = v.MaxReconnectTries
	}
	if v.DepthRows > 0 {
		cfg.DepthRows = v.DepthRows
	}
	cfg.LotSize = c.StopLoss.LotSize
	cfg.PaperTrading = ibkr.IsPaperPort(cfg.Port)

	return cfg
}

// PaperConfig converts the venue section to paper.Config.
func (c *Config) PaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.LotSize = c.StopLoss.LotSize
	if c.Venue.PaperFillDelayMs > 0 {
		cfg.FillDelay = time.Duration(c.Venue.PaperFillDelayMs) * time.Millisecond
	}
	return cfg
}

// MetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) MetricsServerConfig() metrics.ServerConfig {
	return metrics.ServerConfig{
		Port:        c.Metrics.Port,
		MetricsPath: c.Metrics.Path,
		HealthPath:  c.Metrics.HealthPath,
		StatusPath:  c.Metrics.StatusPath,
	}
}

// StopLossOrders builds the configured orders. Each ID is derived from the
// order's fields, so the same entry maps to the same journal row across
// restarts.
func (c *Config) StopLossOrders() ([]*types.StopLoss, error) {
	orders := make([]*types.StopLoss, 0, len(c.StopLoss.Orders))
	for i, oc := range c.StopLoss.Orders {
		price, err := decimal.NewFromString(oc.Price)
		if err != nil {
			return nil, fmt.Errorf("order %d price: %w", i, err)
		}
		o, err := types.RestoreStopLoss(ConfiguredOrderID(oc.Instrument, oc.Exchange, price, oc.Volume),
			oc.Instrument, oc.Exchange, price, oc.Volume, oc.Volume)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ConfiguredOrderID returns the stable ID of a configured order.
func ConfiguredOrderID(instrument, exchange string, price decimal.Decimal, volume int64) string {
	key := fmt.Sprintf("%s|%s|%s|%d", instrument, exchange, price.String(), volume)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// SummaryClock returns the UTC hour and minute of the daily summary.
// ok is false when summaries are disabled.
func (c *Config) SummaryClock() (hour, minute int, ok bool) {
	if c.Alerting.SummaryTime == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", c.Alerting.SummaryTime)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
