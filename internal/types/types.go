// Package types defines shared types used across the stop-loss service.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus represents the state of an order as reported by the venue.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPendingSubmit
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusPendingCancel
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusPartiallyCancelled // part filled, remainder cancelled
	OrderStatusRejected
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusUnknown:            "UNKNOWN",
	OrderStatusPendingSubmit:      "PENDING_SUBMIT",
	OrderStatusSubmitted:          "SUBMITTED",
	OrderStatusPartiallyFilled:    "PARTIALLY_FILLED",
	OrderStatusPendingCancel:      "PENDING_CANCEL",
	OrderStatusFilled:             "FILLED",
	OrderStatusCancelled:          "CANCELLED",
	OrderStatusPartiallyCancelled: "PARTIALLY_CANCELLED",
	OrderStatusRejected:           "REJECTED",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusPartiallyCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Rank orders statuses along an order's life: pending, working, partly
// filled, cancel requested, terminal. Unknown ranks lowest.
func (s OrderStatus) Rank() int {
	switch {
	case s.IsFinal():
		return 5
	case s == OrderStatusPendingCancel:
		return 4
	case s == OrderStatusPartiallyFilled:
		return 3
	case s == OrderStatusSubmitted:
		return 2
	case s == OrderStatusPendingSubmit:
		return 1
	default:
		return 0
	}
}

// Supersedes reports whether a venue report of s may replace a cached
// prev. Reports never move backwards, except that a refused cancel puts a
// PendingCancel order back to working.
func (s OrderStatus) Supersedes(prev OrderStatus) bool {
	if s == prev || prev.IsFinal() || !s.IsKnown() {
		return false
	}
	if prev == OrderStatusPendingCancel &&
		(s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled) {
		return true
	}
	return s.Rank() > prev.Rank()
}

// IsKnown returns false for statuses the venue reported but we could not map.
func (s OrderStatus) IsKnown() bool {
	return s != OrderStatusUnknown
}

// ParseOrderStatus maps a status name back to an OrderStatus.
// Unrecognised names yield OrderStatusUnknown and ErrUnknownVenueStatus.
func ParseOrderStatus(name string) (OrderStatus, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for status, n := range orderStatusNames {
		if status != OrderStatusUnknown && n == want {
			return status, nil
		}
	}
	return OrderStatusUnknown, fmt.Errorf("%w: %q", ErrUnknownVenueStatus, name)
}

// PricePolicy tells the venue how to price a submitted order.
type PricePolicy int

const (
	// PolicyLimit rests at the request price until filled or cancelled.
	PolicyLimit PricePolicy = iota
	// PolicyBestFiveThenCancel matches against up to five visible price
	// levels, then cancels the remainder.
	PolicyBestFiveThenCancel
)

// BestFiveLevels is the depth PolicyBestFiveThenCancel may sweep.
const BestFiveLevels = 5

func (p PricePolicy) String() string {
	switch p {
	case PolicyLimit:
		return "LIMIT"
	case PolicyBestFiveThenCancel:
		return "BEST_FIVE_THEN_CANCEL"
	default:
		return "UNKNOWN"
	}
}

// DepthSnapshot is a point-in-time view of an instrument's visible bids.
// Prices are ordered best to worst; sizes are in venue lots.
type DepthSnapshot struct {
	Instrument string
	BidPrices  []decimal.Decimal
	BidSizes   []int64
	Timestamp  time.Time
}

// Levels returns the number of usable bid levels.
func (d DepthSnapshot) Levels() int {
	if len(d.BidPrices) < len(d.BidSizes) {
		return len(d.BidPrices)
	}
	return len(d.BidSizes)
}

// OrderRequest is what gets sent to the venue.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Exchange      string
	Side          Side
	Price         decimal.Decimal
	Policy        PricePolicy
	Volume        int64 // base units
}

// Validate rejects requests that must never reach the venue.
func (r OrderRequest) Validate() error {
	if r.Instrument == "" {
		return fmt.Errorf("%w: empty instrument", ErrInvalidArgument)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: invalid side %d", ErrInvalidArgument, r.Side)
	}
	if r.Volume <= 0 {
		return fmt.Errorf("%w: volume must be positive, got %d", ErrInvalidArgument, r.Volume)
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrInvalidArgument, r.Price)
	}
	return nil
}

// OrderResult is one row of the venue's view of an order.
type OrderResult struct {
	OrderNumber  string
	Status       OrderStatus
	FilledVolume int64
	AvgFillPrice decimal.Decimal
	StatusText   string
}
