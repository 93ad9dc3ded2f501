package types

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StopLoss is a conditional sell order: once the book can absorb the
// remaining volume at or above Price, the remainder is sold.
// Remaining volume is guarded by its own mutex; everything else is immutable.
type StopLoss struct {
	id         string
	instrument string
	exchange   string
	price      decimal.Decimal
	volume     int64

	mu        sync.Mutex
	remaining int64
}

// NewStopLoss creates a stop-loss order with a fresh ID.
func NewStopLoss(instrument, exchange string, price decimal.Decimal, volume int64) (*StopLoss, error) {
	return RestoreStopLoss(uuid.New().String(), instrument, exchange, price, volume, volume)
}

// RestoreStopLoss rebuilds an order from persisted state, keeping its ID.
func RestoreStopLoss(id, instrument, exchange string, price decimal.Decimal, volume, remaining int64) (*StopLoss, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty order id", ErrInvalidArgument)
	}
	if instrument == "" {
		return nil, fmt.Errorf("%w: empty instrument", ErrInvalidArgument)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: negative price %s", ErrInvalidArgument, price)
	}
	if volume <= 0 {
		return nil, fmt.Errorf("%w: volume must be positive, got %d", ErrInvalidArgument, volume)
	}
	if remaining < 0 || remaining > volume {
		return nil, fmt.Errorf("%w: remaining %d outside [0, %d]", ErrInvalidArgument, remaining, volume)
	}

	return &StopLoss{
		id:         id,
		instrument: instrument,
		exchange:   exchange,
		price:      price,
		volume:     volume,
		remaining:  remaining,
	}, nil
}

// ID returns the process-unique order ID.
func (o *StopLoss) ID() string { return o.id }

// Instrument returns the instrument code.
func (o *StopLoss) Instrument() string { return o.instrument }

// Exchange returns the exchange the instrument trades on.
func (o *StopLoss) Exchange() string { return o.exchange }

// Price returns the trigger price.
func (o *StopLoss) Price() decimal.Decimal { return o.price }

// Volume returns the original volume.
func (o *StopLoss) Volume() int64 { return o.volume }

// Remaining returns the volume still to be sold.
func (o *StopLoss) Remaining() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining
}

// Fill applies a confirmed fill and returns the new remaining volume.
// Filling more than what remains is an invariant violation and leaves the
// order untouched.
func (o *StopLoss) Fill(filled int64) (int64, error) {
	if filled <= 0 {
		return 0, fmt.Errorf("%w: fill volume must be positive, got %d", ErrInvalidArgument, filled)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if filled > o.remaining {
		return o.remaining, fmt.Errorf("%w: order %s fill %d exceeds remaining %d",
			ErrInvariantViolation, o.id, filled, o.remaining)
	}
	o.remaining -= filled
	return o.remaining, nil
}

func (o *StopLoss) String() string {
	return fmt.Sprintf("StopLoss{%s %s@%s %d/%d}", o.id, o.instrument, o.price, o.Remaining(), o.volume)
}
