// Package backtest replays recorded depth against stop-loss orders on a
// simulated venue.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/alerting"
	"github.com/tathienbao/stoploss-bot/internal/broker/paper"
	"github.com/tathienbao/stoploss-bot/internal/dispatch"
	"github.com/tathienbao/stoploss-bot/internal/stoploss"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// ProgressUpdate contains info for UI updates
type ProgressUpdate struct {
	Step       int
	TotalSteps int
	Snapshot   types.DepthSnapshot
	Active     int
	Fills      int
}

// ProgressCallback is called after each snapshot settles.
type ProgressCallback func(update ProgressUpdate)

// Config holds backtest configuration.
type Config struct {
	LotSize int64

	// SettleTimeout bounds how long one snapshot may take to settle.
	SettleTimeout time.Duration

	StartTime time.Time
	EndTime   time.Time
}

// DefaultConfig returns default backtest config.
func DefaultConfig() Config {
	return Config{
		LotSize:       100,
		SettleTimeout: 5 * time.Second,
	}
}

// Fill is one confirmed execution of a stop-loss sell.
type Fill struct {
	At         time.Time
	OrderID    string
	Instrument string
	StopPrice  decimal.Decimal
	Price      decimal.Decimal
	Volume     int64
}

// OrderOutcome is the final state of one stop-loss order.
type OrderOutcome struct {
	ID         string
	Instrument string
	StopPrice  decimal.Decimal
	Volume     int64
	Remaining  int64
}

// Result holds backtest results.
type Result struct {
	Snapshots int
	Start     time.Time
	End       time.Time
	Summary   alerting.DailySummary
	Fills     []Fill
	Orders    []OrderOutcome
}

// Runner executes backtests.
type Runner struct {
	cfg       Config
	snapshots []types.DepthSnapshot
	orders    []*types.StopLoss
	logger    *slog.Logger

	mu    sync.Mutex
	now   time.Time
	fills []Fill

	// UI callback
	progressCb ProgressCallback
}

// NewRunner creates a runner over snapshots for the given orders. The
// orders are copied; the originals are never mutated.
func NewRunner(cfg Config, snapshots []types.DepthSnapshot, orders []*types.StopLoss, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultConfig().LotSize
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultConfig().SettleTimeout
	}

	return &Runner{
		cfg:       cfg,
		snapshots: snapshots,
		orders:    orders,
		logger:    logger,
	}
}

// SetProgressCallback sets a callback for UI updates
func (r *Runner) SetProgressCallback(cb ProgressCallback) {
	r.progressCb = cb
}

// Run replays every snapshot in order. Each snapshot is fully settled,
// triggered sells filled and their outcome applied, before the next one.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	r.fills = nil
	r.mu.Unlock()

	venue := paper.NewBroker(paper.Config{LotSize: r.cfg.LotSize}, r.logger)
	if err := venue.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect paper venue: %w", err)
	}
	defer venue.Disconnect()

	// Sweeps are driven by settle, not by the ticker.
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		ReconcileInterval:  time.Hour,
		CancelPollInterval: time.Millisecond,
		NotifyWorkers:      1,
		NotifyQueueSize:    64,
	}, venue, r.logger)
	if err := dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	start := time.Now()
	if len(r.snapshots) > 0 {
		start = r.snapshots[0].Timestamp
	}
	tally := alerting.NewTally(start)

	manager := stoploss.NewManager(stoploss.Config{LotSize: r.cfg.LotSize}, dispatcher, venue,
		stoploss.Hooks{OnFill: r.onFill, Tally: tally}, r.logger)

	orders := make([]*types.StopLoss, 0, len(r.orders))
	for _, o := range r.orders {
		c, err := types.RestoreStopLoss(o.ID(), o.Instrument(), o.Exchange(), o.Price(), o.Volume(), o.Remaining())
		if err != nil {
			return nil, fmt.Errorf("copy order %s: %w", o.ID(), err)
		}
		if err := manager.Register(ctx, c); err != nil {
			return nil, fmt.Errorf("register order %s: %w", o.ID(), err)
		}
		orders = append(orders, c)
	}

	result := &Result{Start: start, End: start}
	for _, snap := range r.snapshots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Apply time filters
		if !r.cfg.StartTime.IsZero() && snap.Timestamp.Before(r.cfg.StartTime) {
			continue
		}
		if !r.cfg.EndTime.IsZero() && snap.Timestamp.After(r.cfg.EndTime) {
			break
		}

		r.mu.Lock()
		r.now = snap.Timestamp
		r.mu.Unlock()

		venue.SimulateDepth(snap)
		r.drainDepth(ctx, venue, manager)
		if err := r.settle(ctx, dispatcher, manager); err != nil {
			return nil, fmt.Errorf("snapshot at %s: %w", snap.Timestamp.Format(time.RFC3339), err)
		}

		result.Snapshots++
		result.End = snap.Timestamp

		if r.progressCb != nil {
			r.mu.Lock()
			fills := len(r.fills)
			r.mu.Unlock()
			r.progressCb(ProgressUpdate{
				Step:       result.Snapshots,
				TotalSteps: len(r.snapshots),
				Snapshot:   snap,
				Active:     manager.ActiveCount(),
				Fills:      fills,
			})
		}
	}

	result.Summary = tally.Roll(result.End, manager.ActiveCount(), true)
	r.mu.Lock()
	result.Fills = append([]Fill(nil), r.fills...)
	r.mu.Unlock()
	for _, o := range orders {
		result.Orders = append(result.Orders, OrderOutcome{
			ID:         o.ID(),
			Instrument: o.Instrument(),
			StopPrice:  o.Price(),
			Volume:     o.Volume(),
			Remaining:  o.Remaining(),
		})
	}
	return result, nil
}

// drainDepth hands every published snapshot to the manager.
func (r *Runner) drainDepth(ctx context.Context, venue *paper.Broker, manager *stoploss.Manager) {
	for {
		select {
		case snap := <-venue.Depth():
			manager.OnDepth(ctx, snap)
		default:
			return
		}
	}
}

// settle sweeps until no triggered sell is in flight.
func (r *Runner) settle(ctx context.Context, dispatcher *dispatch.Dispatcher, manager *stoploss.Manager) error {
	deadline := time.Now().Add(r.cfg.SettleTimeout)
	for {
		manager.Wait()
		if dispatcher.ActiveCount() == 0 && manager.DispatchedCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not settled after %s: %d dispatched", r.cfg.SettleTimeout, dispatcher.ActiveCount())
		}
		dispatcher.Reconcile(ctx)
		time.Sleep(time.Millisecond)
	}
}

// onFill runs on a dispatcher notification worker.
func (r *Runner) onFill(o *types.StopLoss, price decimal.Decimal, volume int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, Fill{
		At:         r.now,
		OrderID:    o.ID(),
		Instrument: o.Instrument(),
		StopPrice:  o.Price(),
		Price:      price,
		Volume:     volume,
	})
}
