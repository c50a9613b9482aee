// Package store persists the last known account state and cached candles so
// reads can be served while the market is closed.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"angelone-bridge/internal/models"
)

// ErrNotFound is returned when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot kinds.
const (
	KindPositions = "positions"
	KindHoldings  = "holdings"
	KindAccount   = "account"
	KindOrders    = "orders"
	KindTrades    = "trades"
	KindTicker    = "ticker"
)

// Store defines the interface for snapshot persistence.
type Store interface {
	// Snapshots
	PutSnapshot(ctx context.Context, key string, payload []byte, at time.Time) error
	GetSnapshot(ctx context.Context, key string) ([]byte, time.Time, error)
	DeleteSnapshots(ctx context.Context, prefix string) (int, error)

	// Candles
	SaveCandles(ctx context.Context, series string, candles []models.Candle) error
	GetCandles(ctx context.Context, series string, from, to int64) ([]models.Candle, error)

	Close() error
}

// SnapshotKey scopes a snapshot kind to one client account.
func SnapshotKey(clientCode, kind string) string {
	return strings.ToUpper(clientCode) + "/" + kind
}

// SeriesKey identifies a candle series.
func SeriesKey(symbol string, exchange models.Exchange, interval string) string {
	return string(exchange) + ":" + strings.ToUpper(symbol) + ":" + interval
}
