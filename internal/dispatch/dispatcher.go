// Package dispatch submits orders to the trading venue and reconciles their
// status until they reach a terminal state.
//
// Two locks guard the dispatcher. The sweep lock is only ever taken with
// TryLock, so a sweep requested while another runs is skipped, not queued.
// The table lock guards the active-order map and is held only for a lookup,
// insert or delete; it is never held across a venue call or a status handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/stoploss-bot/internal/broker"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
	"github.com/tathienbao/stoploss-bot/internal/types"
	"golang.org/x/time/rate"
)

// ErrStopped is returned by operations on a stopped dispatcher.
var ErrStopped = errors.New("dispatcher stopped")

// Config holds dispatcher configuration.
type Config struct {
	ReconcileInterval  time.Duration
	CancelPollInterval time.Duration
	CancelWaitTimeout  time.Duration // 0 waits until ctx is done
	NotifyWorkers      int
	NotifyQueueSize    int
	MaxQueriesPerSec   float64 // 0 disables throttling
}

// DefaultConfig returns default dispatcher config.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  3 * time.Second,
		CancelPollInterval: 1 * time.Second,
		CancelWaitTimeout:  30 * time.Second,
		NotifyWorkers:      4,
		NotifyQueueSize:    256,
	}
}

// Dispatcher submits orders to a venue and keeps their status current.
type Dispatcher struct {
	cfg      Config
	venue    broker.Venue
	logger   *slog.Logger
	recorder *metrics.Recorder
	limiter  *rate.Limiter
	notifier *notifier

	sweepMu sync.Mutex

	mu     sync.Mutex
	active map[string]*DispatchedOrder

	kick    chan struct{}
	runMu   sync.Mutex
	running bool
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before relying on
// periodic reconciliation or status notifications.
func NewDispatcher(cfg Config, venue broker.Venue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.MaxQueriesPerSec > 0 {
		limit = rate.Limit(cfg.MaxQueriesPerSec)
	}

	recorder := metrics.NewRecorder()

	return &Dispatcher{
		cfg:      cfg,
		venue:    venue,
		logger:   logger,
		recorder: recorder,
		limiter:  rate.NewLimiter(limit, 1),
		notifier: newNotifier(cfg.NotifyWorkers, cfg.NotifyQueueSize, logger, recorder),
		active:   make(map[string]*DispatchedOrder),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the notification workers and the reconciliation loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.stopped.Load() {
		return ErrStopped
	}
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true

	d.notifier.start()
	d.started.Store(true)

	d.wg.Add(1)
	go d.reconcileLoop(ctx)

	d.logger.Info("dispatcher started",
		"reconcile_interval", d.cfg.ReconcileInterval,
		"notify_workers", len(d.notifier.shards),
	)
	return nil
}

// Stop ends reconciliation, waits for an in-flight sweep and drains
// pending notifications. A stopped dispatcher cannot be restarted.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.stopped.Swap(true) {
		return
	}
	close(d.done)

	if !d.running {
		return
	}
	d.wg.Wait()

	// Sweeps only enqueue while holding the sweep lock and bail out once
	// stopped is set, so after this no new notifications can arrive.
	d.sweepMu.Lock()
	d.sweepMu.Unlock()

	d.notifier.close()
	d.running = false

	d.logger.Info("dispatcher stopped", "active_orders", d.ActiveCount())
}

// IsRunning returns true between Start and Stop.
func (d *Dispatcher) IsRunning() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.running
}

func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.Reconcile(ctx)
		case <-d.kick:
			d.Reconcile(ctx)
		}
	}
}

// ForceReconcile asks the loop for a sweep now. Requests made while one is
// already pending are coalesced.
func (d *Dispatcher) ForceReconcile() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Reconcile runs one sweep on the caller's goroutine. It returns false when
// another sweep holds the sweep lock and this one was skipped. Before Start
// and after Stop the sweep does not query the venue.
func (d *Dispatcher) Reconcile(ctx context.Context) bool {
	if !d.sweepMu.TryLock() {
		d.recorder.RecordSweep("skipped")
		return false
	}
	defer d.sweepMu.Unlock()

	d.sweep(ctx)
	return true
}

// sweep is idle until Start has launched the notification workers: updates
// are only observed once they can be delivered, so none are dropped and a
// full shard cannot stall the sweep.
func (d *Dispatcher) sweep(ctx context.Context) {
	if !d.started.Load() || d.stopped.Load() || !d.venue.IsSessionActive() || d.ActiveCount() == 0 {
		d.recorder.RecordSweep("idle")
		return
	}
	if !d.limiter.Allow() {
		d.recorder.RecordSweep("throttled")
		return
	}

	timer := d.recorder.TimeSweep()

	results, err := d.venue.QuerySubmittedOrdersToday(ctx)
	if err != nil {
		d.logger.Warn("reconcile query failed", "err", err)
		d.recorder.RecordError("sweep_query")
		d.recorder.RecordSweep("failed")
		return
	}

	now := time.Now()
	for _, r := range results {
		d.mu.Lock()
		order, ok := d.active[r.OrderNumber]
		d.mu.Unlock()
		if !ok {
			continue
		}

		if !r.Status.IsKnown() {
			d.logger.Warn("unknown venue status",
				"order_number", r.OrderNumber,
				"status_text", r.StatusText,
				"last_status", order.Status(),
			)
			d.recorder.RecordUnknownStatus()
			continue
		}

		update, changed := order.apply(r, now)
		if !changed {
			continue
		}

		d.recorder.RecordStatusChange(update.Status)
		d.logger.Info("order status changed",
			"order_number", update.OrderNumber,
			"instrument", update.Request.Instrument,
			"from", update.Previous,
			"to", update.Status,
			"filled", update.FilledVolume,
			"avg_price", update.AvgFillPrice,
		)

		if update.Status.IsFinal() {
			d.mu.Lock()
			delete(d.active, update.OrderNumber)
			remaining := len(d.active)
			d.mu.Unlock()
			d.recorder.RecordDispatched(remaining)
		}

		if update.Request.OnStatusChange != nil {
			d.notifier.enqueue(update)
		}
	}

	timer.ObserveDuration()
	d.recorder.RecordSweep("completed")
}

// Submit sends one order to the venue and starts tracking it.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*DispatchedOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if d.stopped.Load() {
		return nil, ErrStopped
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}

	timer := d.recorder.TimeSubmit()
	number, err := d.venue.Submit(ctx, req.OrderRequest)
	timer.ObserveDuration()

	if err != nil {
		d.recorder.RecordSubmit(req.Instrument, "rejected")
		d.logSubmitFailure(req, err)
		return nil, fmt.Errorf("%w: submit %s: %w", types.ErrTransport, req.Instrument, err)
	}

	d.recorder.RecordSubmit(req.Instrument, "accepted")
	order := d.track(number, req)

	d.logger.Info("order submitted",
		"order_number", number,
		"client_order_id", req.ClientOrderID,
		"instrument", req.Instrument,
		"side", req.Side,
		"price", req.Price,
		"policy", req.Policy,
		"volume", req.Volume,
	)

	return order, nil
}

// SubmitBatch submits several orders in one venue call. The returned slices
// are parallel to reqs; a failure in one entry never aborts the others.
func (d *Dispatcher) SubmitBatch(ctx context.Context, reqs []Request) ([]*DispatchedOrder, []error) {
	orders := make([]*DispatchedOrder, len(reqs))
	errs := make([]error, len(reqs))

	batch := make([]Request, len(reqs))
	copy(batch, reqs)

	wire := make([]types.OrderRequest, 0, len(batch))
	index := make([]int, 0, len(batch))
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			errs[i] = err
			d.logSubmitFailure(batch[i], err)
			continue
		}
		if d.stopped.Load() {
			errs[i] = ErrStopped
			continue
		}
		if batch[i].ClientOrderID == "" {
			batch[i].ClientOrderID = uuid.New().String()
		}
		wire = append(wire, batch[i].OrderRequest)
		index = append(index, i)
	}

	if len(wire) == 0 {
		return orders, errs
	}

	timer := d.recorder.TimeSubmit()
	results := d.venue.SubmitBatch(ctx, wire)
	timer.ObserveDuration()

	for j, i := range index {
		req := batch[i]
		if j >= len(results) {
			errs[i] = fmt.Errorf("%w: no batch result for %s", types.ErrTransport, req.ClientOrderID)
			d.logSubmitFailure(req, errs[i])
			continue
		}
		if results[j].Err != nil {
			d.recorder.RecordSubmit(req.Instrument, "rejected")
			d.logSubmitFailure(req, results[j].Err)
			errs[i] = fmt.Errorf("%w: submit %s: %w", types.ErrTransport, req.Instrument, results[j].Err)
			continue
		}
		d.recorder.RecordSubmit(req.Instrument, "accepted")
		orders[i] = d.track(results[j].OrderNumber, req)
	}

	d.logger.Info("batch submitted", "requested", len(reqs), "sent", len(wire))
	return orders, errs
}

// track registers an accepted order. A number that is already tracked keeps
// its existing entry, so a venue echoing a duplicate is harmless.
func (d *Dispatcher) track(number string, req Request) *DispatchedOrder {
	d.mu.Lock()
	order, exists := d.active[number]
	if !exists {
		order = newDispatchedOrder(number, req, time.Now())
		d.active[number] = order
	}
	n := len(d.active)
	d.mu.Unlock()

	d.recorder.RecordDispatched(n)
	if exists {
		d.logger.Warn("venue returned a tracked order number", "order_number", number)
	}
	return order
}

func (d *Dispatcher) logSubmitFailure(req Request, err error) {
	attrs := []any{
		"client_order_id", req.ClientOrderID,
		"instrument", req.Instrument,
		"side", req.Side,
		"price", req.Price,
		"volume", req.Volume,
		"err", err,
	}
	if req.StopLoss != nil {
		attrs = append(attrs, "order_id", req.StopLoss.ID())
	}
	d.logger.Error("order submission failed", attrs...)
}

// Cancel asks the venue to cancel an order. An order already in a terminal
// state is a successful no-op. With wait set, Cancel blocks, sweeping and
// sleeping CancelPollInterval, until the order is terminal, the context is
// done, or CancelWaitTimeout elapses.
func (d *Dispatcher) Cancel(ctx context.Context, order *DispatchedOrder, wait bool) (bool, error) {
	if order == nil {
		return false, fmt.Errorf("%w: nil order", types.ErrInvalidArgument)
	}
	if order.IsFinal() {
		return true, nil
	}

	accepted, err := d.venue.Cancel(ctx, order.request.Instrument, order.number)
	if err != nil {
		d.recorder.RecordCancel("failed")
		d.logger.Error("cancel request failed",
			"order_number", order.number,
			"instrument", order.request.Instrument,
			"err", err,
		)
		return false, fmt.Errorf("%w: cancel %s: %w", types.ErrTransport, order.number, err)
	}
	if !accepted {
		d.recorder.RecordCancel("refused")
		d.logger.Warn("cancel refused by venue", "order_number", order.number)
		d.ForceReconcile()
		return false, nil
	}

	d.recorder.RecordCancel("accepted")
	d.logger.Info("cancel requested", "order_number", order.number, "wait", wait)
	d.ForceReconcile()

	if !wait {
		return true, nil
	}
	if err := d.waitFinal(ctx, []*DispatchedOrder{order}); err != nil {
		return false, err
	}
	return true, nil
}

// CancelBatch cancels several orders in one venue call. The returned slices
// are parallel to orders. With wait set it blocks until every accepted
// cancellation has reached a terminal state.
func (d *Dispatcher) CancelBatch(ctx context.Context, orders []*DispatchedOrder, wait bool) ([]bool, []error) {
	accepted := make([]bool, len(orders))
	errs := make([]error, len(orders))

	reqs := make([]broker.CancelRequest, 0, len(orders))
	index := make([]int, 0, len(orders))
	for i, order := range orders {
		if order == nil {
			errs[i] = fmt.Errorf("%w: nil order", types.ErrInvalidArgument)
			continue
		}
		if order.IsFinal() {
			accepted[i] = true
			continue
		}
		reqs = append(reqs, broker.CancelRequest{
			Instrument:  order.request.Instrument,
			OrderNumber: order.number,
		})
		index = append(index, i)
	}

	if len(reqs) == 0 {
		return accepted, errs
	}

	results := d.venue.CancelBatch(ctx, reqs)

	var pending []*DispatchedOrder
	for j, i := range index {
		switch {
		case j >= len(results):
			errs[i] = fmt.Errorf("%w: no batch result for %s", types.ErrTransport, orders[i].number)
		case results[j].Err != nil:
			d.recorder.RecordCancel("failed")
			errs[i] = fmt.Errorf("%w: cancel %s: %w", types.ErrTransport, orders[i].number, results[j].Err)
		case results[j].Accepted:
			d.recorder.RecordCancel("accepted")
			accepted[i] = true
			pending = append(pending, orders[i])
		default:
			d.recorder.RecordCancel("refused")
		}
		if errs[i] != nil {
			d.logger.Error("cancel request failed", "order_number", orders[i].number, "err", errs[i])
		}
	}

	d.ForceReconcile()

	if !wait || len(pending) == 0 {
		return accepted, errs
	}

	if err := d.waitFinal(ctx, pending); err != nil {
		for _, i := range index {
			if accepted[i] && !orders[i].IsFinal() {
				accepted[i] = false
				errs[i] = err
			}
		}
	}
	return accepted, errs
}

func (d *Dispatcher) waitFinal(ctx context.Context, orders []*DispatchedOrder) error {
	var deadline <-chan time.Time
	if d.cfg.CancelWaitTimeout > 0 {
		timer := time.NewTimer(d.cfg.CancelWaitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if allFinal(orders) {
			return nil
		}
		d.Reconcile(ctx)
		if allFinal(orders) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return ErrStopped
		case <-deadline:
			return fmt.Errorf("%w after %s", types.ErrCancelTimeout, d.cfg.CancelWaitTimeout)
		case <-time.After(d.cfg.CancelPollInterval):
		}
	}
}

func allFinal(orders []*DispatchedOrder) bool {
	for _, o := range orders {
		if !o.IsFinal() {
			return false
		}
	}
	return true
}

// Get returns the active dispatched order with the given number.
func (d *Dispatcher) Get(number string) (*DispatchedOrder, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.active[number]
	return order, ok
}

// ActiveCount returns the number of non-terminal dispatched orders.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Active returns the non-terminal dispatched orders.
func (d *Dispatcher) Active() []*DispatchedOrder {
	d.mu.Lock()
	defer d.mu.Unlock()
	orders := make([]*DispatchedOrder, 0, len(d.active))
	for _, o := range d.active {
		orders = append(orders, o)
	}
	return orders
}
