// Package loader is the read-side convenience layer over the bar store for
// downstream consumers.
package loader

import (
	"context"
	"fmt"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/store"
)

// Loader answers availability and range queries. It holds no state of its
// own; failure modes mirror the store's.
type Loader struct {
	store store.BarStore
}

// New creates a Loader over the given store.
func New(st store.BarStore) *Loader {
	return &Loader{store: st}
}

// AvailableCategories lists categories with stored data.
func (l *Loader) AvailableCategories(ctx context.Context) ([]string, error) {
	return l.store.Categories(ctx)
}

// AvailableSymbols lists symbols stored under a category.
func (l *Loader) AvailableSymbols(ctx context.Context, category string) ([]string, error) {
	syms, err := l.store.Symbols(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("category %q: %w", category, err)
	}
	return syms, nil
}

// AvailableTimeframes lists the timeframes stored for a symbol.
func (l *Loader) AvailableTimeframes(ctx context.Context, category, symbol string) ([]domain.Timeframe, error) {
	tfs, err := l.store.Timeframes(ctx, category, symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol %s/%s: %w", category, symbol, err)
	}
	return tfs, nil
}

// Load returns a symbol's history within [from, to]; zero bounds are
// unbounded. A missing category, symbol, or timeframe yields ErrNotFound.
func (l *Loader) Load(ctx context.Context, category, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	tfs, err := l.store.Timeframes(ctx, category, symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol %s/%s: %w", category, symbol, err)
	}
	found := false
	for _, have := range tfs {
		if have == tf {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("timeframe %s for %s/%s: %w", tf, category, symbol, store.ErrNotFound)
	}

	return l.store.ReadRange(ctx, category, symbol, tf, from, to)
}

// Coverage reports record counts, integrity checks, and the stored date range
// for a symbol's timeframe.
func (l *Loader) Coverage(ctx context.Context, category, symbol string, tf domain.Timeframe) (store.ValidationReport, error) {
	return l.store.Validate(ctx, category, symbol, tf)
}
