// Package ibkr provides Interactive Brokers connectivity.
package ibkr

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Well-known TWS and IB Gateway API ports.
const (
	PortTWSPaper     = 7497
	PortTWSLive      = 7496
	PortGatewayPaper = 4002
	PortGatewayLive  = 4001
)

// IB paces API requests at 50 per second per client.
const venueRequestLimit = 50

// Config holds the TWS / Gateway session settings.
type Config struct {
	Host     string
	Port     int
	ClientID int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration // open-order queries

	MaxRequestsPerSecond int

	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnectTries int

	Exchange  string // routing and depth exchange, SMART when empty
	DepthRows int
	LotSize   int64 // shares per depth lot

	// PaperTrading is derived from Port by DefaultConfig and
	// config.IBKRConfig; it only affects logging.
	PaperTrading bool
}

// DefaultConfig targets a local TWS paper session.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 PortTWSPaper,
		ClientID:             1,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       5 * time.Second,
		MaxRequestsPerSecond: 45,
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectTries:    10,
		Exchange:             "SMART",
		DepthRows:            5,
		LotSize:              100,
		PaperTrading:         true,
	}
}

// IsPaperPort reports whether port is one of the paper-account API ports.
func IsPaperPort(port int) bool {
	return port == PortTWSPaper || port == PortGatewayPaper
}

// Addr returns the host:port the client dials.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the settings the client cannot run without.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("ibkr: host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("ibkr: port %d out of range", c.Port)
	case c.MaxRequestsPerSecond <= 0 || c.MaxRequestsPerSecond > venueRequestLimit:
		return fmt.Errorf("ibkr: max requests per second must be 1..%d, got %d", venueRequestLimit, c.MaxRequestsPerSecond)
	case c.DepthRows <= 0:
		return fmt.Errorf("ibkr: depth rows must be positive")
	case c.LotSize <= 0:
		return fmt.Errorf("ibkr: lot size must be positive")
	}
	return nil
}
