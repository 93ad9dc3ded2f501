// Package paper provides a simulated venue for paper trading.
//
// Sell orders match against the last simulated bid book for their
// instrument. Best-five orders sweep up to five levels and cancel the rest;
// limit orders rest and match as new depth arrives.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/broker"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// ErrClosed is returned by Connect once the broker has been disconnected.
// Pending fills stop with the first disconnect, so a broker is single-use.
var ErrClosed = errors.New("paper broker closed")

// Config holds paper trading configuration.
type Config struct {
	LotSize     int64
	FillDelay   time.Duration
	DepthBuffer int
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		LotSize:     100,
		FillDelay:   50 * time.Millisecond,
		DepthBuffer: 100,
	}
}

// Broker implements broker.Broker for paper trading.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	ordersMu    sync.RWMutex
	orders      map[string]*paperOrder
	nextOrderID atomic.Int64

	mdMu       sync.RWMutex
	subscribed map[string]bool
	books      map[string]types.DepthSnapshot

	depthCh chan types.DepthSnapshot
	pushCh  chan string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type paperOrder struct {
	number     string
	req        types.OrderRequest
	status     types.OrderStatus
	filled     int64
	notional   decimal.Decimal
	statusText string
	updatedAt  time.Time
}

func (o *paperOrder) result() types.OrderResult {
	var avg decimal.Decimal
	if o.filled > 0 {
		avg = o.notional.Div(decimal.NewFromInt(o.filled))
	}
	return types.OrderResult{
		OrderNumber:  o.number,
		Status:       o.status,
		FilledVolume: o.filled,
		AvgFillPrice: avg,
		StatusText:   o.statusText,
	}
}

// NewBroker creates a new paper trading broker.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultConfig().LotSize
	}
	if cfg.DepthBuffer <= 0 {
		cfg.DepthBuffer = DefaultConfig().DepthBuffer
	}

	b := &Broker{
		cfg:        cfg,
		logger:     logger,
		orders:     make(map[string]*paperOrder),
		subscribed: make(map[string]bool),
		books:      make(map[string]types.DepthSnapshot),
		depthCh:    make(chan types.DepthSnapshot, cfg.DepthBuffer),
		pushCh:     make(chan string, cfg.DepthBuffer),
		done:       make(chan struct{}),
	}

	b.state.Store(int32(broker.StateDisconnected))
	return b
}

// Connect simulates connecting to broker.
func (b *Broker) Connect(ctx context.Context) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.state.Store(int32(broker.StateConnected))
	b.logger.Info("paper broker connected", "lot_size", b.cfg.LotSize)
	return nil
}

// Disconnect simulates disconnecting from broker. Pending fills are abandoned.
func (b *Broker) Disconnect() error {
	b.state.Store(int32(broker.StateDisconnected))
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	b.logger.Info("paper broker disconnected")
	return nil
}

// State returns connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// IsSessionActive returns true while connected.
func (b *Broker) IsSessionActive() bool {
	return b.IsConnected()
}

// Subscribe starts depth delivery for an instrument. The last simulated
// book, if any, is delivered immediately.
func (b *Broker) Subscribe(ctx context.Context, instrument string) error {
	if !b.IsConnected() {
		return broker.ErrNotConnected
	}
	if instrument == "" {
		return broker.ErrInvalidContract
	}

	b.mdMu.Lock()
	b.subscribed[instrument] = true
	snap, ok := b.books[instrument]
	b.mdMu.Unlock()

	b.logger.Info("subscribed to depth", "instrument", instrument)
	if ok {
		b.publish(snap)
	}
	return nil
}

// Unsubscribe stops depth delivery for an instrument.
func (b *Broker) Unsubscribe(instrument string) error {
	b.mdMu.Lock()
	defer b.mdMu.Unlock()
	delete(b.subscribed, instrument)
	return nil
}

// Depth returns the depth channel shared by all subscriptions.
func (b *Broker) Depth() <-chan types.DepthSnapshot {
	return b.depthCh
}

// StatusPushes returns order numbers whose status changed.
func (b *Broker) StatusPushes() <-chan string {
	return b.pushCh
}

// SimulateDepth replaces an instrument's book, matches resting limit
// orders against it and publishes it to subscribers.
func (b *Broker) SimulateDepth(snap types.DepthSnapshot) {
	snap = cloneBook(snap)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	b.mdMu.Lock()
	b.books[snap.Instrument] = snap
	b.mdMu.Unlock()

	b.matchResting(snap.Instrument)

	b.mdMu.RLock()
	published := cloneBook(b.books[snap.Instrument])
	b.mdMu.RUnlock()
	b.publish(published)
}

func (b *Broker) publish(snap types.DepthSnapshot) {
	b.mdMu.RLock()
	subscribed := b.subscribed[snap.Instrument]
	b.mdMu.RUnlock()
	if !subscribed {
		return
	}

	select {
	case b.depthCh <- snap:
	default:
		b.logger.Warn("depth channel full, dropping snapshot", "instrument", snap.Instrument)
	}
}

func (b *Broker) push(number string) {
	select {
	case b.pushCh <- number:
	default:
	}
}

// Submit simulates order placement. Only sells are supported; they match
// against bids.
func (b *Broker) Submit(ctx context.Context, req types.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", broker.ErrNotConnected
	}
	if req.Instrument == "" {
		return "", broker.ErrInvalidContract
	}
	if req.Side != types.SideSell {
		return "", fmt.Errorf("%w: paper venue matches sells only", broker.ErrOrderRejected)
	}
	if req.Volume <= 0 {
		return "", fmt.Errorf("%w: volume %d", broker.ErrOrderRejected, req.Volume)
	}

	number := fmt.Sprintf("PAPER-%d", b.nextOrderID.Add(1))
	order := &paperOrder{
		number:    number,
		req:       req,
		status:    types.OrderStatusSubmitted,
		updatedAt: time.Now(),
	}

	b.ordersMu.Lock()
	b.orders[number] = order
	b.ordersMu.Unlock()

	b.logger.Info("paper order placed",
		"order_number", number,
		"instrument", req.Instrument,
		"price", req.Price,
		"policy", req.Policy,
		"volume", req.Volume,
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.done:
			return
		case <-time.After(b.cfg.FillDelay):
		}
		b.match(number)
	}()

	return number, nil
}

// SubmitBatch submits each request in turn.
func (b *Broker) SubmitBatch(ctx context.Context, reqs []types.OrderRequest) []broker.SubmitResult {
	out := make([]broker.SubmitResult, len(reqs))
	for i, req := range reqs {
		number, err := b.Submit(ctx, req)
		out[i] = broker.SubmitResult{OrderNumber: number, Err: err}
	}
	return out
}

// match runs the first matching pass for an order.
func (b *Broker) match(number string) {
	b.mdMu.Lock()
	b.ordersMu.Lock()

	order, ok := b.orders[number]
	if !ok || (order.status != types.OrderStatusSubmitted && order.status != types.OrderStatusPartiallyFilled) {
		b.ordersMu.Unlock()
		b.mdMu.Unlock()
		return
	}

	levels := len(b.books[order.req.Instrument].BidPrices)
	if order.req.Policy == types.PolicyBestFiveThenCancel && levels > types.BestFiveLevels {
		levels = types.BestFiveLevels
	}
	b.fillAgainstBook(order, levels)

	if order.req.Policy == types.PolicyBestFiveThenCancel {
		switch {
		case order.filled == order.req.Volume:
			order.status = types.OrderStatusFilled
		case order.filled > 0:
			order.status = types.OrderStatusPartiallyCancelled
			order.statusText = "remainder cancelled after five levels"
		default:
			order.status = types.OrderStatusCancelled
			order.statusText = "no bids at or above limit"
		}
		order.updatedAt = time.Now()
	}
	result := order.result()

	b.ordersMu.Unlock()
	b.mdMu.Unlock()

	b.logger.Info("paper order matched",
		"order_number", number,
		"status", result.Status,
		"filled", result.FilledVolume,
		"avg_price", result.AvgFillPrice,
	)
	b.push(number)
}

// fillAgainstBook consumes bid liquidity for order from the best levels.
// Requires mdMu and ordersMu.
func (b *Broker) fillAgainstBook(order *paperOrder, maxLevels int) {
	book := b.books[order.req.Instrument]
	n := book.Levels()
	if n == 0 {
		return
	}

	// Best bid first regardless of how the book was supplied.
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, c int) bool {
		return book.BidPrices[idx[a]].GreaterThan(book.BidPrices[idx[c]])
	})
	if maxLevels < len(idx) {
		idx = idx[:maxLevels]
	}

	remaining := order.req.Volume - order.filled
	for _, i := range idx {
		if remaining == 0 {
			break
		}
		price := book.BidPrices[i]
		if price.LessThan(order.req.Price) {
			break
		}
		available := book.BidSizes[i] * b.cfg.LotSize
		take := min(available, remaining)
		if take <= 0 {
			continue
		}

		book.BidSizes[i] -= (take + b.cfg.LotSize - 1) / b.cfg.LotSize
		if book.BidSizes[i] < 0 {
			book.BidSizes[i] = 0
		}
		order.filled += take
		order.notional = order.notional.Add(price.Mul(decimal.NewFromInt(take)))
		remaining -= take
	}

	if order.filled > 0 && order.filled < order.req.Volume {
		order.status = types.OrderStatusPartiallyFilled
	} else if order.filled == order.req.Volume {
		order.status = types.OrderStatusFilled
	}
	order.updatedAt = time.Now()
}

// matchResting matches open limit orders for instrument against its book.
func (b *Broker) matchResting(instrument string) {
	var touched []string

	b.mdMu.Lock()
	b.ordersMu.Lock()
	for number, order := range b.orders {
		if order.req.Instrument != instrument || order.req.Policy != types.PolicyLimit {
			continue
		}
		if order.status != types.OrderStatusSubmitted && order.status != types.OrderStatusPartiallyFilled {
			continue
		}
		before := order.filled
		b.fillAgainstBook(order, len(b.books[instrument].BidPrices))
		if order.filled != before {
			touched = append(touched, number)
		}
	}
	b.ordersMu.Unlock()
	b.mdMu.Unlock()

	for _, number := range touched {
		b.push(number)
	}
}

// Cancel cancels an open order. A terminal order is refused.
func (b *Broker) Cancel(ctx context.Context, instrument, orderNumber string) (bool, error) {
	if !b.IsConnected() {
		return false, broker.ErrNotConnected
	}

	b.ordersMu.Lock()
	order, ok := b.orders[orderNumber]
	if !ok {
		b.ordersMu.Unlock()
		return false, broker.ErrOrderNotFound
	}
	if order.status.IsFinal() || order.status == types.OrderStatusPendingCancel {
		b.ordersMu.Unlock()
		return false, nil
	}
	order.status = types.OrderStatusPendingCancel
	order.updatedAt = time.Now()
	b.ordersMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.done:
			return
		case <-time.After(b.cfg.FillDelay):
		}
		b.finishCancel(orderNumber)
	}()

	return true, nil
}

func (b *Broker) finishCancel(number string) {
	b.ordersMu.Lock()
	order, ok := b.orders[number]
	if !ok || order.status != types.OrderStatusPendingCancel {
		b.ordersMu.Unlock()
		return
	}
	if order.filled > 0 {
		order.status = types.OrderStatusPartiallyCancelled
	} else {
		order.status = types.OrderStatusCancelled
	}
	order.statusText = "cancelled by request"
	order.updatedAt = time.Now()
	b.ordersMu.Unlock()

	b.push(number)
}

// CancelBatch cancels each request in turn.
func (b *Broker) CancelBatch(ctx context.Context, reqs []broker.CancelRequest) []broker.CancelResult {
	out := make([]broker.CancelResult, len(reqs))
	for i, req := range reqs {
		ok, err := b.Cancel(ctx, req.Instrument, req.OrderNumber)
		out[i] = broker.CancelResult{Accepted: ok, Err: err}
	}
	return out
}

// QuerySubmittedOrdersToday returns every order placed since start.
func (b *Broker) QuerySubmittedOrdersToday(ctx context.Context) ([]types.OrderResult, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.ordersMu.RLock()
	defer b.ordersMu.RUnlock()

	results := make([]types.OrderResult, 0, len(b.orders))
	for _, o := range b.orders {
		results = append(results, o.result())
	}
	return results, nil
}

// Book returns a copy of the current simulated book for an instrument.
func (b *Broker) Book(instrument string) (types.DepthSnapshot, bool) {
	b.mdMu.RLock()
	defer b.mdMu.RUnlock()
	snap, ok := b.books[instrument]
	return cloneBook(snap), ok
}

func cloneBook(snap types.DepthSnapshot) types.DepthSnapshot {
	out := snap
	out.BidPrices = append([]decimal.Decimal(nil), snap.BidPrices...)
	out.BidSizes = append([]int64(nil), snap.BidSizes...)
	return out
}

// Ensure Broker implements broker.Broker
var _ broker.Broker = (*Broker)(nil)
