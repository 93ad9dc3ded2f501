// Package broker defines the trading venue and market feed collaborators.
package broker

import (
	"context"
	"errors"

	"github.com/tathienbao/stoploss-bot/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidContract   = errors.New("invalid contract")
	ErrRateLimited       = errors.New("rate limited by broker")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session manages the connection to a broker.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool
}

// Venue submits orders and reports their status.
type Venue interface {
	Submit(ctx context.Context, req types.OrderRequest) (string, error)
	SubmitBatch(ctx context.Context, reqs []types.OrderRequest) []SubmitResult
	Cancel(ctx context.Context, instrument, orderNumber string) (bool, error)
	CancelBatch(ctx context.Context, reqs []CancelRequest) []CancelResult

	// QuerySubmittedOrdersToday returns every order submitted in the
	// current trading session, terminal ones included.
	QuerySubmittedOrdersToday(ctx context.Context) ([]types.OrderResult, error)

	// IsSessionActive reports whether the venue session is authenticated.
	IsSessionActive() bool
}

// MarketFeed streams depth snapshots for subscribed instruments.
type MarketFeed interface {
	Subscribe(ctx context.Context, instrument string) error
	Unsubscribe(instrument string) error

	// Depth delivers snapshots for every subscribed instrument.
	Depth() <-chan types.DepthSnapshot

	// StatusPushes delivers order numbers whose status the venue pushed.
	// Delivery is best-effort; polling stays authoritative.
	StatusPushes() <-chan string
}

// Broker is a venue that also serves market depth.
type Broker interface {
	Session
	Venue
	MarketFeed
}

// SubmitResult is one entry of a batch submission.
type SubmitResult struct {
	OrderNumber string
	Err         error
}

// CancelRequest identifies an order to cancel.
type CancelRequest struct {
	Instrument  string
	OrderNumber string
}

// CancelResult is one entry of a batch cancellation.
type CancelResult struct {
	Accepted bool
	Err      error
}

// Contract represents a tradeable contract.
type Contract struct {
	Symbol   string
	SecType  string // STK, FUT, OPT, etc.
	Exchange string
	Currency string
}

// StockContract returns a stock contract routed to exchange, SMART when empty.
func StockContract(symbol, exchange string) Contract {
	if exchange == "" {
		exchange = "SMART"
	}
	return Contract{
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: exchange,
		Currency: "USD",
	}
}
