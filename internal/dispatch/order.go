package dispatch

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// StatusHandler receives status changes for an order it submitted.
// It runs on a notification worker, never on the sweep or a caller's stack.
type StatusHandler func(update StatusUpdate)

// Request is a venue order plus the local bookkeeping that rides along.
type Request struct {
	types.OrderRequest

	// StopLoss is the conditional order this submission sells, if any.
	StopLoss *types.StopLoss

	// OnStatusChange is called once per observed status change.
	OnStatusChange StatusHandler
}

// StatusUpdate is an immutable record of one observed transition.
type StatusUpdate struct {
	OrderNumber  string
	Request      Request
	Previous     types.OrderStatus
	Status       types.OrderStatus
	FilledVolume int64
	AvgFillPrice decimal.Decimal
	StatusText   string
	ObservedAt   time.Time
}

// DispatchedOrder tracks an order the venue accepted.
// Cached venue fields are written only by the reconciliation sweep.
type DispatchedOrder struct {
	number      string
	request     Request
	submittedAt time.Time

	mu         sync.RWMutex
	status     types.OrderStatus
	filled     int64
	avgPrice   decimal.Decimal
	statusText string
	updatedAt  time.Time
}

func newDispatchedOrder(number string, req Request, now time.Time) *DispatchedOrder {
	return &DispatchedOrder{
		number:      number,
		request:     req,
		submittedAt: now,
		status:      types.OrderStatusSubmitted,
		updatedAt:   now,
	}
}

// Number returns the venue-assigned order number.
func (o *DispatchedOrder) Number() string { return o.number }

// Request returns the submission request.
func (o *DispatchedOrder) Request() Request { return o.request }

// SubmittedAt returns when the venue accepted the order.
func (o *DispatchedOrder) SubmittedAt() time.Time { return o.submittedAt }

// Status returns the last known venue status.
func (o *DispatchedOrder) Status() types.OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// IsFinal reports whether the last known status is terminal.
func (o *DispatchedOrder) IsFinal() bool {
	return o.Status().IsFinal()
}

// FilledVolume returns the last known cumulative filled volume.
func (o *DispatchedOrder) FilledVolume() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filled
}

// AvgFillPrice returns the last known average fill price.
func (o *DispatchedOrder) AvgFillPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.avgPrice
}

// StatusText returns the venue's free-form status description.
func (o *DispatchedOrder) StatusText() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statusText
}

// UpdatedAt returns when the cached status last changed.
func (o *DispatchedOrder) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updatedAt
}

// apply folds a venue result into the cache. It reports false when the
// result does not advance the order; nothing is written in that case.
// Cumulative filled volume never decreases.
func (o *DispatchedOrder) apply(r types.OrderResult, now time.Time) (StatusUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !r.Status.Supersedes(o.status) {
		return StatusUpdate{}, false
	}

	previous := o.status
	o.status = r.Status
	if r.FilledVolume >= o.filled {
		o.filled = r.FilledVolume
		o.avgPrice = r.AvgFillPrice
	}
	o.statusText = r.StatusText
	o.updatedAt = now

	return StatusUpdate{
		OrderNumber:  o.number,
		Request:      o.request,
		Previous:     previous,
		Status:       r.Status,
		FilledVolume: o.filled,
		AvgFillPrice: o.avgPrice,
		StatusText:   r.StatusText,
		ObservedAt:   now,
	}, true
}
