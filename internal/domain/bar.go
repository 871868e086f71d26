// Package domain defines the core data types shared across the ingestion
// pipeline: bars, timeframes, and ingestion tasks.
package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV observation for a symbol at a given timestamp.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Validate checks the OHLC consistency invariant:
// low <= min(open, close) <= max(open, close) <= high, volume >= 0.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || b.High < hi || b.Low > b.High {
		return fmt.Errorf("inconsistent OHLC at %s: o=%g h=%g l=%g c=%g",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume %d at %s", b.Volume, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// ValidateBars validates every bar in the slice and returns the number of
// invalid bars plus the first error encountered, or (0, nil) when all pass.
func ValidateBars(bars []Bar) (int, error) {
	var first error
	invalid := 0
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			invalid++
			if first == nil {
				first = err
			}
		}
	}
	return invalid, first
}
