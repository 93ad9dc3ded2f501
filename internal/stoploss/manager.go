// Package stoploss keeps the active stop-loss orders, evaluates them against
// market depth and turns triggered orders into venue sells.
package stoploss

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/alerting"
	"github.com/tathienbao/stoploss-bot/internal/dispatch"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// Dispatcher is the part of dispatch.Dispatcher the manager drives.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.DispatchedOrder, error)
	ForceReconcile()
}

// Feed subscribes instruments for depth updates.
type Feed interface {
	Subscribe(ctx context.Context, instrument string) error
	Unsubscribe(instrument string) error
}

// Journal persists active stop-loss orders so they survive a restart.
type Journal interface {
	SaveStopLoss(o *types.StopLoss) error
	UpdateRemaining(id string, remaining int64) error
	DeleteStopLoss(id string) error
}

// FillHandler is told about every confirmed fill, partial or full.
type FillHandler func(order *types.StopLoss, price decimal.Decimal, volume int64)

// Config holds manager configuration.
type Config struct {
	// LotSize is the number of base units in one venue depth lot.
	LotSize int64
}

// DefaultConfig returns default manager config.
func DefaultConfig() Config {
	return Config{LotSize: 100}
}

// Hooks are optional collaborators. Any of them may be nil.
type Hooks struct {
	OnFill  FillHandler
	Journal Journal
	Alerter alerting.Alerter
	Tally   *alerting.Tally
}

// Manager owns the active stop-loss orders.
//
// The table lock guards every map below and is never held across a call to
// the dispatcher, the feed, the journal or a hook. subMu serialises feed
// subscription changes so subscribe and unsubscribe for one instrument
// cannot be reordered.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	feed       Feed
	hooks      Hooks
	logger     *slog.Logger
	recorder   *metrics.Recorder

	mu         sync.Mutex
	active     map[string][]*types.StopLoss     // instrument -> active orders
	byID       map[string]*types.StopLoss       // order ID -> active order
	submitting map[string]struct{}              // order IDs with a submit in progress
	dispatched map[string]*types.StopLoss       // venue order number -> order
	early      map[string]dispatch.StatusUpdate // terminal updates that beat the submit bookkeeping
	withdrawn  map[string]struct{}              // unregistered while in flight
	inflight   map[string]int                   // instrument -> submitting + dispatched
	resolving  int                              // terminal updates being applied

	subMu      sync.Mutex
	subscribed map[string]bool

	wg sync.WaitGroup
}

// NewManager creates a stop-loss manager.
func NewManager(cfg Config, dispatcher Dispatcher, feed Feed, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultConfig().LotSize
	}

	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		feed:       feed,
		hooks:      hooks,
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		active:     make(map[string][]*types.StopLoss),
		byID:       make(map[string]*types.StopLoss),
		submitting: make(map[string]struct{}),
		dispatched: make(map[string]*types.StopLoss),
		early:      make(map[string]dispatch.StatusUpdate),
		withdrawn:  make(map[string]struct{}),
		inflight:   make(map[string]int),
		subscribed: make(map[string]bool),
	}
}

// Register adds o to the active set and subscribes its instrument when it
// is the first order there. Registering an order that is already tracked,
// active or in flight, is a no-op.
func (m *Manager) Register(ctx context.Context, o *types.StopLoss) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", types.ErrInvalidArgument)
	}
	if o.Remaining() <= 0 {
		return fmt.Errorf("%w: order %s has no remaining volume", types.ErrInvalidArgument, o.ID())
	}

	m.mu.Lock()
	if m.tracked(o.ID()) {
		// Re-registering an order unregistered mid-flight puts it back in
		// line for requeue.
		_, withdrawn := m.withdrawn[o.ID()]
		delete(m.withdrawn, o.ID())
		m.mu.Unlock()
		if withdrawn {
			m.journalSave(o)
		}
		return nil
	}
	m.addActive(o)
	m.mu.Unlock()

	if err := m.syncSubscription(ctx, o.Instrument()); err != nil {
		m.mu.Lock()
		m.removeActive(o)
		m.mu.Unlock()
		m.recordActive(o.Instrument())
		return err
	}

	m.journalSave(o)
	m.recordActive(o.Instrument())

	m.logger.Info("stop-loss registered",
		"order_id", o.ID(),
		"instrument", o.Instrument(),
		"price", o.Price(),
		"remaining", o.Remaining(),
	)
	return nil
}

// Unregister removes o. It returns false when o is not tracked. An order
// whose sell is already in flight is reported as found; fills from that sell
// are still applied, but any remainder is not requeued.
func (m *Manager) Unregister(o *types.StopLoss) bool {
	if o == nil {
		return false
	}

	m.mu.Lock()
	_, active := m.byID[o.ID()]
	inFlight := m.inFlightLocked(o.ID())
	if !active && !inFlight {
		m.mu.Unlock()
		return false
	}
	if active {
		m.removeActive(o)
	}
	if inFlight {
		m.withdrawn[o.ID()] = struct{}{}
	}
	m.mu.Unlock()

	if err := m.syncSubscription(context.Background(), o.Instrument()); err != nil {
		m.logger.Warn("unsubscribe failed", "instrument", o.Instrument(), "err", err)
	}
	m.journalDelete(o)
	m.recordActive(o.Instrument())

	m.logger.Info("stop-loss unregistered",
		"order_id", o.ID(),
		"instrument", o.Instrument(),
		"in_flight", inFlight,
	)
	return true
}

// OnDepth evaluates every active order for the snapshot's instrument and
// starts a submission for each that triggers. Submissions run on their own
// goroutines; OnDepth never calls the dispatcher itself.
func (m *Manager) OnDepth(ctx context.Context, snap types.DepthSnapshot) {
	defer m.recorder.TimeDepth().ObserveDuration()

	m.mu.Lock()
	candidates := make([]*types.StopLoss, 0, len(m.active[snap.Instrument]))
	for _, o := range m.active[snap.Instrument] {
		if _, busy := m.submitting[o.ID()]; !busy {
			candidates = append(candidates, o)
		}
	}
	m.mu.Unlock()

	for _, o := range candidates {
		remaining := o.Remaining()
		if !ShouldTrigger(snap, o.Price(), remaining, m.cfg.LotSize) {
			continue
		}

		m.mu.Lock()
		_, stillActive := m.byID[o.ID()]
		_, busy := m.submitting[o.ID()]
		if !stillActive || busy {
			m.mu.Unlock()
			continue
		}
		m.submitting[o.ID()] = struct{}{}
		m.inflight[o.Instrument()]++
		m.mu.Unlock()

		m.recorder.RecordTrigger(o.Instrument())
		if m.hooks.Tally != nil {
			m.hooks.Tally.Trigger()
		}
		m.logger.Info("stop-loss triggered",
			"order_id", o.ID(),
			"instrument", o.Instrument(),
			"price", o.Price(),
			"remaining", remaining,
			"best_bid", snap.BidPrices[0],
		)

		m.wg.Add(1)
		go m.submit(ctx, o)
	}
}

func (m *Manager) submit(ctx context.Context, o *types.StopLoss) {
	defer m.wg.Done()

	remaining := o.Remaining()
	req := dispatch.Request{
		OrderRequest: types.OrderRequest{
			Instrument: o.Instrument(),
			Exchange:   o.Exchange(),
			Side:       types.SideSell,
			Price:      o.Price(),
			Policy:     types.PolicyBestFiveThenCancel,
			Volume:     remaining,
		},
		StopLoss:       o,
		OnStatusChange: m.onStatusChange,
	}

	order, err := m.dispatcher.Submit(ctx, req)
	if err != nil {
		m.mu.Lock()
		delete(m.submitting, o.ID())
		m.inflight[o.Instrument()]--
		_, withdrawn := m.withdrawn[o.ID()]
		delete(m.withdrawn, o.ID())
		m.mu.Unlock()

		m.logger.Error("stop-loss submit failed",
			"order_id", o.ID(),
			"instrument", o.Instrument(),
			"price", o.Price(),
			"volume", remaining,
			"err", err,
		)
		m.recorder.RecordError("stop_loss_submit")
		if m.hooks.Tally != nil {
			m.hooks.Tally.SubmitFailure()
		}
		m.alert(alerting.EventSubmitFailed, "Stop-loss submit failed",
			"order_id", o.ID(),
			"instrument", o.Instrument(),
			"price", o.Price().String(),
			"volume", remaining,
			"error", err.Error(),
		)
		if withdrawn {
			m.resync(o.Instrument())
		}
		return
	}

	m.mu.Lock()
	delete(m.submitting, o.ID())
	m.removeActive(o)
	m.dispatched[order.Number()] = o
	update, raced := m.early[order.Number()]
	delete(m.early, order.Number())
	m.mu.Unlock()

	m.recordActive(o.Instrument())
	m.logger.Info("stop-loss dispatched",
		"order_id", o.ID(),
		"order_number", order.Number(),
		"instrument", o.Instrument(),
		"volume", remaining,
	)

	m.dispatcher.ForceReconcile()

	if raced {
		m.onStatusChange(update)
	}
}

// onStatusChange runs on a dispatcher notification worker.
func (m *Manager) onStatusChange(u dispatch.StatusUpdate) {
	if !u.Status.IsFinal() {
		m.logger.Debug("stop-loss order progressing",
			"order_number", u.OrderNumber,
			"status", u.Status,
			"filled", u.FilledVolume,
		)
		return
	}

	m.mu.Lock()
	o, ok := m.dispatched[u.OrderNumber]
	if !ok {
		if sl := u.Request.StopLoss; sl != nil {
			if _, pending := m.submitting[sl.ID()]; pending {
				m.early[u.OrderNumber] = u
			}
		}
		m.mu.Unlock()
		return
	}
	delete(m.dispatched, u.OrderNumber)
	m.resolving++
	m.mu.Unlock()

	m.resolve(u, o)

	m.mu.Lock()
	m.resolving--
	m.mu.Unlock()
}

// resolve applies a terminal update to its order and requeues any remainder.
func (m *Manager) resolve(u dispatch.StatusUpdate, o *types.StopLoss) {
	remaining := o.Remaining()

	if u.FilledVolume > 0 {
		var err error
		remaining, err = o.Fill(u.FilledVolume)
		if err != nil {
			m.mu.Lock()
			m.inflight[o.Instrument()]--
			delete(m.withdrawn, o.ID())
			m.mu.Unlock()

			m.logger.Error("fill exceeds remaining volume",
				"order_id", o.ID(),
				"order_number", u.OrderNumber,
				"filled", u.FilledVolume,
				"remaining", o.Remaining(),
				"err", err,
			)
			m.recorder.RecordError("invariant_violation")
			m.alert(alerting.EventInvariantViolation, "Fill exceeds remaining volume",
				"order_id", o.ID(),
				"order_number", u.OrderNumber,
				"filled", u.FilledVolume,
			)
			m.resync(o.Instrument())
			return
		}

		m.recorder.RecordFill(o.Instrument(), u.FilledVolume)
		if m.hooks.Tally != nil {
			m.hooks.Tally.Fill(u.FilledVolume, u.AvgFillPrice)
		}
	}

	m.mu.Lock()
	m.inflight[o.Instrument()]--
	_, withdrawn := m.withdrawn[o.ID()]
	delete(m.withdrawn, o.ID())
	requeue := remaining > 0 && !withdrawn
	if requeue {
		m.addActive(o)
	}
	m.mu.Unlock()

	switch {
	case requeue:
		m.journalUpdate(o, remaining)
	case !withdrawn:
		m.journalDelete(o)
	}

	m.resync(o.Instrument())
	m.recordActive(o.Instrument())

	m.logger.Info("stop-loss resolved",
		"order_id", o.ID(),
		"order_number", u.OrderNumber,
		"status", u.Status,
		"filled", u.FilledVolume,
		"avg_price", u.AvgFillPrice,
		"remaining", remaining,
		"requeued", requeue,
	)

	if requeue {
		if m.hooks.Tally != nil {
			m.hooks.Tally.Requeue()
		}
		if u.FilledVolume > 0 {
			m.alert(alerting.EventStopLossRequeued, "Stop-loss partially filled",
				"order_id", o.ID(),
				"instrument", o.Instrument(),
				"remaining", remaining,
			)
		}
	}

	if u.FilledVolume > 0 {
		m.alert(alerting.EventStopLossFilled, "Stop-loss filled",
			"order_id", o.ID(),
			"instrument", o.Instrument(),
			"volume", u.FilledVolume,
			"avg_price", u.AvgFillPrice.String(),
		)
		if m.hooks.OnFill != nil {
			m.hooks.OnFill(o, u.AvgFillPrice, u.FilledVolume)
		}
	}
}

// Active returns the active orders for an instrument.
func (m *Manager) Active(instrument string) []*types.StopLoss {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.StopLoss, len(m.active[instrument]))
	copy(out, m.active[instrument])
	return out
}

// ActiveCount returns the number of active orders across instruments.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// DispatchedCount returns the number of dispatched, unresolved orders,
// including any whose terminal update is being applied right now.
func (m *Manager) DispatchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatched) + m.resolving
}

// Wait blocks until every in-progress submission has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// tracked requires m.mu.
func (m *Manager) tracked(id string) bool {
	_, active := m.byID[id]
	return active || m.inFlightLocked(id)
}

// inFlightLocked requires m.mu.
func (m *Manager) inFlightLocked(id string) bool {
	if _, ok := m.submitting[id]; ok {
		return true
	}
	for _, o := range m.dispatched {
		if o.ID() == id {
			return true
		}
	}
	return false
}

// addActive requires m.mu.
func (m *Manager) addActive(o *types.StopLoss) {
	m.active[o.Instrument()] = append(m.active[o.Instrument()], o)
	m.byID[o.ID()] = o
}

// removeActive requires m.mu.
func (m *Manager) removeActive(o *types.StopLoss) {
	if _, ok := m.byID[o.ID()]; !ok {
		return
	}
	delete(m.byID, o.ID())

	list := m.active[o.Instrument()]
	for i, x := range list {
		if x.ID() == o.ID() {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.active, o.Instrument())
		return
	}
	m.active[o.Instrument()] = list
}

// syncSubscription brings the feed subscription for instrument in line with
// the table: subscribed while any order there is active or in flight.
func (m *Manager) syncSubscription(ctx context.Context, instrument string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	want := len(m.active[instrument]) > 0 || m.inflight[instrument] > 0
	if m.inflight[instrument] <= 0 {
		delete(m.inflight, instrument)
	}
	m.mu.Unlock()

	have := m.subscribed[instrument]
	switch {
	case want && !have:
		if err := m.feed.Subscribe(ctx, instrument); err != nil {
			return fmt.Errorf("subscribe %s: %w", instrument, err)
		}
		m.subscribed[instrument] = true
		m.logger.Info("subscribed to depth", "instrument", instrument)
	case !want && have:
		delete(m.subscribed, instrument)
		if err := m.feed.Unsubscribe(instrument); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", instrument, err)
		}
		m.logger.Info("unsubscribed from depth", "instrument", instrument)
	}
	return nil
}

func (m *Manager) resync(instrument string) {
	if err := m.syncSubscription(context.Background(), instrument); err != nil {
		m.logger.Warn("depth subscription update failed", "instrument", instrument, "err", err)
	}
}

func (m *Manager) recordActive(instrument string) {
	m.mu.Lock()
	n := len(m.active[instrument])
	m.mu.Unlock()
	m.recorder.RecordActiveStopLoss(instrument, n)
}

func (m *Manager) alert(event alerting.AlertEvent, message string, fields ...any) {
	if err := alerting.Notify(context.Background(), m.hooks.Alerter, event, message, fields...); err != nil {
		m.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}

func (m *Manager) journalSave(o *types.StopLoss) {
	if m.hooks.Journal == nil {
		return
	}
	if err := m.hooks.Journal.SaveStopLoss(o); err != nil {
		m.logJournalError("save", o, err)
	}
}

func (m *Manager) journalUpdate(o *types.StopLoss, remaining int64) {
	if m.hooks.Journal == nil {
		return
	}
	if err := m.hooks.Journal.UpdateRemaining(o.ID(), remaining); err != nil {
		m.logJournalError("update", o, err)
	}
}

func (m *Manager) journalDelete(o *types.StopLoss) {
	if m.hooks.Journal == nil {
		return
	}
	if err := m.hooks.Journal.DeleteStopLoss(o.ID()); err != nil {
		m.logJournalError("delete", o, err)
	}
}

func (m *Manager) logJournalError(op string, o *types.StopLoss, err error) {
	m.logger.Error("journal "+op+" failed", "order_id", o.ID(), "err", err)
	m.recorder.RecordError("journal_" + op)
}
