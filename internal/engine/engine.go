// Package engine wires the venue, the dispatcher and the stop-loss manager
// into one running service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/alerting"
	"github.com/tathienbao/stoploss-bot/internal/broker"
	"github.com/tathienbao/stoploss-bot/internal/dispatch"
	"github.com/tathienbao/stoploss-bot/internal/metrics"
	"github.com/tathienbao/stoploss-bot/internal/stoploss"
	"github.com/tathienbao/stoploss-bot/internal/types"
	"golang.org/x/sync/errgroup"
)

// Journal is the persistence the engine restores from at start.
type Journal interface {
	stoploss.Journal
	LoadActive(ctx context.Context) ([]*types.StopLoss, error)
}

// Config holds engine configuration.
type Config struct {
	Dispatch dispatch.Config
	StopLoss stoploss.Config

	// SessionCheckInterval is how often the venue session is polled.
	SessionCheckInterval time.Duration

	// CancelOpenOrders cancels dispatched sells that are still working
	// when the engine stops.
	CancelOpenOrders bool

	// SummaryEnabled sends a daily summary at SummaryHour:SummaryMinute UTC.
	SummaryEnabled bool
	SummaryHour    int
	SummaryMinute  int
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Dispatch:             dispatch.DefaultConfig(),
		StopLoss:             stoploss.DefaultConfig(),
		SessionCheckInterval: 5 * time.Second,
	}
}

// Engine coordinates the stop-loss components.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	broker   broker.Broker
	journal  Journal
	alerter  alerting.Alerter
	tally    *alerting.Tally
	recorder *metrics.Recorder

	dispatcher *dispatch.Dispatcher
	manager    *stoploss.Manager

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	booksMu     sync.RWMutex
	books       map[string]types.DepthSnapshot
	instruments map[string]struct{}
}

// NewEngine creates an engine. journal and alerter may be nil.
func NewEngine(cfg Config, brk broker.Broker, journal Journal, alerter alerting.Alerter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionCheckInterval <= 0 {
		cfg.SessionCheckInterval = DefaultConfig().SessionCheckInterval
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		broker:      brk,
		journal:     journal,
		alerter:     alerter,
		tally:       alerting.NewTally(time.Now()),
		recorder:    metrics.NewRecorder(),
		books:       make(map[string]types.DepthSnapshot),
		instruments: make(map[string]struct{}),
	}

	e.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, brk, logger.With("component", "dispatcher"))

	hooks := stoploss.Hooks{
		Journal: journal,
		Alerter: alerter,
		Tally:   e.tally,
	}
	e.manager = stoploss.NewManager(cfg.StopLoss, e.dispatcher, brk, hooks, logger.With("component", "stoploss"))

	return e
}

// Start connects the venue, restores journaled orders, registers seed and
// launches the event loops. Seed orders already restored from the journal
// are left as restored.
func (e *Engine) Start(ctx context.Context, seed []*types.StopLoss) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	e.logger.Info("starting stop-loss engine", "seed_orders", len(seed))

	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect venue: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.dispatcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	restored, err := e.restore(ctx)
	if err != nil {
		cancel()
		e.dispatcher.Stop()
		if derr := e.broker.Disconnect(); derr != nil {
			e.logger.Warn("disconnect after failed start", "err", derr)
		}
		return err
	}

	registered := 0
	for _, o := range seed {
		if err := e.Register(ctx, o); err != nil {
			e.logger.Error("failed to register stop-loss",
				"order_id", o.ID(),
				"instrument", o.Instrument(),
				"err", err,
			)
			continue
		}
		registered++
	}

	sessionUp := e.broker.IsSessionActive()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.depthLoop(gctx) })
	g.Go(func() error { return e.pushLoop(gctx) })
	g.Go(func() error { return e.sessionLoop(gctx, sessionUp) })
	if e.cfg.SummaryEnabled {
		g.Go(func() error { return e.summaryLoop(gctx) })
	}

	e.group = g
	e.cancel = cancel
	e.running = true

	e.recorder.RecordVenueStatus(sessionUp)
	e.notify(ctx, alerting.EventServiceStarted, "Stop-loss service started",
		"restored", restored,
		"registered", registered,
		"active", e.manager.ActiveCount(),
	)
	return nil
}

// restore registers every order the journal holds.
func (e *Engine) restore(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	orders, err := e.journal.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}

	n := 0
	for _, o := range orders {
		if err := e.Register(ctx, o); err != nil {
			e.logger.Error("failed to restore stop-loss", "order_id", o.ID(), "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.Info("restored stop-loss orders from journal", "count", n)
	}
	return n, nil
}

// depthLoop feeds depth snapshots to the manager. Triggered sells run on a
// context that outlives the loop so a shutdown does not abort them.
func (e *Engine) depthLoop(ctx context.Context) error {
	submitCtx := context.WithoutCancel(ctx)
	depth := e.broker.Depth()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-depth:
			if !ok {
				e.logger.Warn("depth channel closed")
				return nil
			}
			e.recorder.RecordHeartbeat()
			e.booksMu.Lock()
			e.books[snap.Instrument] = snap
			e.booksMu.Unlock()
			e.manager.OnDepth(submitCtx, snap)
		}
	}
}

// pushLoop turns venue status pushes into reconciliation sweeps.
func (e *Engine) pushLoop(ctx context.Context) error {
	pushes := e.broker.StatusPushes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case number, ok := <-pushes:
			if !ok {
				return nil
			}
			e.logger.Debug("venue status push", "order_number", number)
			e.dispatcher.ForceReconcile()
		}
	}
}

// sessionLoop watches the venue session and alerts on transitions away
// from up, the state observed while starting.
func (e *Engine) sessionLoop(ctx context.Context, up bool) error {
	ticker := time.NewTicker(e.cfg.SessionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := e.broker.IsSessionActive()
			e.recorder.RecordVenueStatus(now)
			if now == up {
				continue
			}
			up = now
			if now {
				e.logger.Info("venue session restored")
				e.notify(ctx, alerting.EventConnectionRestored, "Venue session restored",
					"state", e.broker.State().String())
				e.dispatcher.ForceReconcile()
			} else {
				e.logger.Warn("venue session lost")
				e.notify(ctx, alerting.EventConnectionLost, "Venue session lost",
					"state", e.broker.State().String(),
					"dispatched", e.dispatcher.ActiveCount())
			}
		}
	}
}

// summaryLoop sends the daily summary at the configured UTC time.
func (e *Engine) summaryLoop(ctx context.Context) error {
	for {
		next := nextSummary(time.Now(), e.cfg.SummaryHour, e.cfg.SummaryMinute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			e.SendSummary(ctx)
		}
	}
}

// SendSummary rolls the activity tally and sends it.
func (e *Engine) SendSummary(ctx context.Context) {
	summary := e.tally.Roll(time.Now(), e.manager.ActiveCount(), e.broker.IsSessionActive())
	if err := alerting.SendSummary(ctx, e.alerter, summary); err != nil {
		e.logger.Warn("failed to send daily summary", "err", err)
	}
}

// nextSummary returns the first hour:minute UTC strictly after now.
func nextSummary(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Stop ends the event loops, lets in-flight sells finish, optionally
// cancels working sells, and disconnects the venue.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false

	e.logger.Info("stopping stop-loss engine")

	e.cancel()
	var errs []error
	if err := e.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	e.manager.Wait()

	if e.cfg.CancelOpenOrders {
		if err := e.cancelOpen(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.dispatcher.Stop()

	if err := e.broker.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect venue: %w", err))
	}

	e.notify(ctx, alerting.EventServiceStopped, "Stop-loss service stopped",
		"active", e.manager.ActiveCount(),
		"dispatched", e.dispatcher.ActiveCount(),
	)

	e.logger.Info("stop-loss engine stopped")
	return errors.Join(errs...)
}

// cancelOpen cancels every dispatched sell that is still working and waits
// for the venue to confirm.
func (e *Engine) cancelOpen(ctx context.Context) error {
	open := e.dispatcher.Active()
	if len(open) == 0 {
		return nil
	}

	e.logger.Warn("cancelling working orders", "count", len(open))
	accepted, errs := e.dispatcher.CancelBatch(ctx, open, true)

	var failed []error
	for i, order := range open {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		if !accepted[i] {
			e.logger.Warn("venue refused cancel", "order_number", order.Number())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("cancel working orders: %w", errors.Join(failed...))
	}
	return nil
}

// Register adds a stop-loss order to the running engine.
func (e *Engine) Register(ctx context.Context, o *types.StopLoss) error {
	if err := e.manager.Register(ctx, o); err != nil {
		return err
	}
	e.booksMu.Lock()
	e.instruments[o.Instrument()] = struct{}{}
	e.booksMu.Unlock()
	return nil
}

// Unregister removes a stop-loss order. It returns false when the order
// is not tracked.
func (e *Engine) Unregister(o *types.StopLoss) bool {
	return e.manager.Unregister(o)
}

// Instruments returns every instrument an order was registered for, sorted.
func (e *Engine) Instruments() []string {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	out := make([]string, 0, len(e.instruments))
	for inst := range e.instruments {
		out = append(out, inst)
	}
	slices.Sort(out)
	return out
}

// LastDepth returns the most recent snapshot seen for instrument.
func (e *Engine) LastDepth(instrument string) (types.DepthSnapshot, bool) {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	snap, ok := e.books[instrument]
	return snap, ok
}

// IsRunning returns true between Start and Stop.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// InstrumentStatus is one instrument's line in a Status snapshot.
type InstrumentStatus struct {
	Instrument  string    `json:"instrument"`
	StopLosses  int       `json:"stop_losses"`
	Remaining   int64     `json:"remaining"`
	BestBid     string    `json:"best_bid,omitempty"`
	LastDepthAt time.Time `json:"last_depth_at,omitzero"`
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	Running       bool               `json:"running"`
	SessionActive bool               `json:"session_active"`
	StopLosses    int                `json:"stop_losses"`
	Dispatched    int                `json:"dispatched"`
	Instruments   []InstrumentStatus `json:"instruments"`
}

// Status returns a snapshot of the engine's state.
func (e *Engine) Status() Status {
	s := Status{
		Running:       e.IsRunning(),
		SessionActive: e.broker.IsSessionActive(),
		StopLosses:    e.manager.ActiveCount(),
		Dispatched:    e.dispatcher.ActiveCount(),
	}
	for _, inst := range e.Instruments() {
		line := InstrumentStatus{Instrument: inst}
		for _, o := range e.manager.Active(inst) {
			line.StopLosses++
			line.Remaining += o.Remaining()
		}
		if snap, ok := e.LastDepth(inst); ok {
			line.LastDepthAt = snap.Timestamp
			if n := snap.Levels(); n > 0 {
				best := snap.BidPrices[0]
				for _, p := range snap.BidPrices[1:n] {
					best = decimal.Max(best, p)
				}
				line.BestBid = best.String()
			}
		}
		s.Instruments = append(s.Instruments, line)
	}
	return s
}

// Manager returns the stop-loss manager.
func (e *Engine) Manager() *stoploss.Manager { return e.manager }

// Dispatcher returns the order dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

func (e *Engine) notify(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if err := alerting.Notify(ctx, e.alerter, event, message, fields...); err != nil {
		e.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}
