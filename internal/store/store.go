// Package store persists OHLCV bars in monthly parquet partitions keyed by
// (category, symbol, timeframe, year, month).
package store

import (
	"context"
	"errors"
	"time"

	"tickvault/internal/domain"
)

// ErrNotFound is returned when a category, symbol, or timeframe has no data.
var ErrNotFound = errors.New("not found")

// WriteMode controls how Write treats existing partition content.
type WriteMode int

const (
	// Append merges new bars into existing partitions, deduplicating by
	// timestamp with the new value winning on conflict.
	Append WriteMode = iota
	// Overwrite replaces the content of every touched partition wholesale.
	Overwrite
)

// ValidationReport is the result of a read-only integrity check over all
// partitions of one (category, symbol, timeframe).
type ValidationReport struct {
	RecordCount      int
	NullCount        int
	DuplicateCount   int
	InvalidOHLCCount int
	Start            time.Time
	End              time.Time
}

// Valid reports whether the data passed every check.
func (r ValidationReport) Valid() bool {
	return r.NullCount == 0 && r.DuplicateCount == 0 && r.InvalidOHLCCount == 0
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// Write persists bars into the partitions their timestamps fall in.
	Write(ctx context.Context, category, symbol string, tf domain.Timeframe, bars []domain.Bar, mode WriteMode) error

	// ReadRange returns bars within [from, to], sorted and deduplicated
	// across partitions. Zero bounds are unbounded on that side.
	ReadRange(ctx context.Context, category, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)

	// LastTimestamp returns the maximum stored timestamp across all
	// partitions for the key, or ok=false when no data exists.
	LastTimestamp(ctx context.Context, category, symbol string, tf domain.Timeframe) (ts time.Time, ok bool, err error)

	// Validate runs integrity checks without mutating the store.
	Validate(ctx context.Context, category, symbol string, tf domain.Timeframe) (ValidationReport, error)

	// Categories lists all categories with stored data.
	Categories(ctx context.Context) ([]string, error)

	// Symbols lists all symbols stored under a category.
	Symbols(ctx context.Context, category string) ([]string, error)

	// Timeframes lists the timeframes stored for a symbol.
	Timeframes(ctx context.Context, category, symbol string) ([]domain.Timeframe, error)
}
