package persistence

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/stoploss"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

var _ stoploss.Journal = (*SQLiteRepository)(nil)
var _ Repository = (*SQLiteRepository)(nil)

func setupTestDB(t *testing.T) (*SQLiteRepository, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "stoploss-bot-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	repo, err := NewSQLiteRepository(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(path)
	}

	return repo, cleanup
}

func newOrder(t *testing.T, instrument, price string, volume int64) *types.StopLoss {
	t.Helper()
	o, err := types.NewStopLoss(instrument, "SMART", decimal.RequireFromString(price), volume)
	if err != nil {
		t.Fatalf("NewStopLoss() error = %v", err)
	}
	return o
}

func TestSQLiteRepository_SaveAndLoad(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	o := newOrder(t, "AAPL", "10.25", 1000)

	if err := repo.SaveStopLoss(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	orders, err := repo.LoadActive(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}

	got := orders[0]
	if got.ID() != o.ID() {
		t.Errorf("id = %s, want %s", got.ID(), o.ID())
	}
	if got.Instrument() != "AAPL" || got.Exchange() != "SMART" {
		t.Errorf("instrument/exchange = %s/%s", got.Instrument(), got.Exchange())
	}
	if !got.Price().Equal(o.Price()) {
		t.Errorf("price = %s, want %s", got.Price(), o.Price())
	}
	if got.Volume() != 1000 || got.Remaining() != 1000 {
		t.Errorf("volume/remaining = %d/%d, want 1000/1000", got.Volume(), got.Remaining())
	}
}

func TestSQLiteRepository_SaveIsUpsert(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	o := newOrder(t, "AAPL", "10", 1000)

	if err := repo.SaveStopLoss(o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := o.Fill(400); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := repo.SaveStopLoss(o); err != nil {
		t.Fatalf("second save: %v", err)
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	orders, _ := repo.LoadActive(ctx)
	if orders[0].Remaining() != 600 {
		t.Errorf("remaining = %d, want 600", orders[0].Remaining())
	}
}

func TestSQLiteRepository_UpdateRemaining(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	o := newOrder(t, "AAPL", "10", 1000)
	_ = repo.SaveStopLoss(o)

	if err := repo.UpdateRemaining(o.ID(), 300); err != nil {
		t.Fatalf("update: %v", err)
	}
	orders, _ := repo.LoadActive(ctx)
	if len(orders) != 1 || orders[0].Remaining() != 300 {
		t.Fatalf("expected remaining 300, got %+v", orders)
	}

	// Fully filled orders are kept out of recovery.
	if err := repo.UpdateRemaining(o.ID(), 0); err != nil {
		t.Fatalf("update to zero: %v", err)
	}
	orders, _ = repo.LoadActive(ctx)
	if len(orders) != 0 {
		t.Errorf("expected no active orders, got %d", len(orders))
	}

	if err := repo.UpdateRemaining("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	keep := newOrder(t, "AAPL", "10", 100)
	drop := newOrder(t, "MSFT", "20", 200)
	_ = repo.SaveStopLoss(keep)
	_ = repo.SaveStopLoss(drop)

	if err := repo.DeleteStopLoss(drop.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteStopLoss(drop.ID()); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	orders, _ := repo.LoadActive(ctx)
	if len(orders) != 1 || orders[0].ID() != keep.ID() {
		t.Errorf("expected only %s left, got %v", keep.ID(), orders)
	}
}

func TestSQLiteRepository_CorruptRow(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO stop_loss_orders (id, instrument, exchange, price, volume, remaining) VALUES ('bad', 'AAPL', '', '10', 100, 500)`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := repo.LoadActive(ctx); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("load error = %v, want ErrInvalidArgument", err)
	}
}

func TestSQLiteRepository_NoData(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	orders, err := repo.LoadActive(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
	if err := repo.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
