package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// writeTimeout bounds journal writes made outside any request context.
const writeTimeout = 5 * time.Second

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stop_loss_orders (
			id TEXT PRIMARY KEY,
			instrument TEXT NOT NULL,
			exchange TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL,
			volume INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_loss_instrument ON stop_loss_orders(instrument)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveStopLoss inserts an order or refreshes its remaining volume.
func (r *SQLiteRepository) SaveStopLoss(o *types.StopLoss) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	query := `INSERT INTO stop_loss_orders (id, instrument, exchange, price, volume, remaining)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET remaining = excluded.remaining, updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		o.ID(),
		o.Instrument(),
		o.Exchange(),
		o.Price().String(),
		o.Volume(),
		o.Remaining(),
	)
	if err != nil {
		return fmt.Errorf("save stop loss %s: %w", o.ID(), err)
	}

	return nil
}

// UpdateRemaining records a fill against a journaled order.
func (r *SQLiteRepository) UpdateRemaining(id string, remaining int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE stop_loss_orders SET remaining = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		remaining, id,
	)
	if err != nil {
		return fmt.Errorf("update remaining %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update remaining %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// DeleteStopLoss removes an order. Deleting an unknown ID is a no-op.
func (r *SQLiteRepository) DeleteStopLoss(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM stop_loss_orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete stop loss %s: %w", id, err)
	}

	return nil
}

// LoadActive returns every journaled order with volume left, oldest first.
func (r *SQLiteRepository) LoadActive(ctx context.Context) ([]*types.StopLoss, error) {
	query := `SELECT id, instrument, exchange, price, volume, remaining
		FROM stop_loss_orders WHERE remaining > 0 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query stop losses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []*types.StopLoss
	for rows.Next() {
		var id, instrument, exchange, priceStr string
		var volume, remaining int64

		if err := rows.Scan(&id, &instrument, &exchange, &priceStr, &volume, &remaining); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("stop loss %s price %q: %w", id, priceStr, err)
		}

		o, err := types.RestoreStopLoss(id, instrument, exchange, price, volume, remaining)
		if err != nil {
			return nil, fmt.Errorf("restore stop loss %s: %w", id, err)
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// Count returns the number of journaled orders.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stop_loss_orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stop losses: %w", err)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
