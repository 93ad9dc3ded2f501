// Package persistence journals active stop-loss orders so they survive a restart.
package persistence

import (
	"context"
	"errors"

	"github.com/tathienbao/stoploss-bot/internal/types"
)

// ErrNotFound is returned when a journaled order does not exist.
var ErrNotFound = errors.New("stop loss not found in journal")

// Repository defines the interface for stop-loss persistence.
type Repository interface {
	// Journal operations
	SaveStopLoss(o *types.StopLoss) error
	UpdateRemaining(id string, remaining int64) error
	DeleteStopLoss(id string) error

	// Recovery
	LoadActive(ctx context.Context) ([]*types.StopLoss, error)
	Count(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
