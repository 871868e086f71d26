// Package fetch wraps the external quote-history service: it turns a logical
// (symbol, timeframe, from, to) request into one or more provider calls that
// respect the provider's per-timeframe window limits, and classifies provider
// failures for the retry policy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickvault/internal/domain"
)

// Error classifications recorded on failed tasks.
const (
	ClassAuth      = "auth"
	ClassRateLimit = "ratelimit"
	ClassTransient = "transient"
	ClassIntegrity = "integrity"
)

// AuthError is an authentication/authorization failure. Fatal: the run must
// stop, since retrying only burns quota until credentials are refreshed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is provider-side throttling. Retryable after a cooldown;
// dispatch of new tasks should pause while the cooldown runs.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientError is a network or service hiccup, retryable with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// DataIntegrityError marks fetched bars that fail the OHLC invariant. The
// offending window is never written; the task is failed for manual review.
type DataIntegrityError struct {
	Invalid int
	Err     error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%d bars failed integrity checks: %v", e.Invalid, e.Err)
}
func (e *DataIntegrityError) Unwrap() error { return e.Err }

// Classify maps an error to its task failure class.
func Classify(err error) string {
	var auth *AuthError
	var rl *RateLimitError
	var integ *DataIntegrityError
	switch {
	case errors.As(err, &auth):
		return ClassAuth
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.As(err, &integ):
		return ClassIntegrity
	default:
		return ClassTransient
	}
}

// Client fetches bars from the external quote-history service. An empty
// result for a valid request is not an error: the window has no data.
type Client interface {
	FetchRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)
}

// Window is one provider call's date range: [From, To), half-open so that
// consecutive windows share a boundary without overlapping.
type Window struct {
	From time.Time
	To   time.Time
}

// SplitRange splits [from, to] into sequential windows no longer than max.
// Windows are contiguous, non-overlapping, and jointly cover the range.
// Returns nil when the range is empty or max is not positive.
func SplitRange(from, to time.Time, max time.Duration) []Window {
	if max <= 0 || !to.After(from) {
		return nil
	}
	var windows []Window
	for cur := from; cur.Before(to); {
		end := cur.Add(max)
		if end.After(to) {
			end = to
		}
		windows = append(windows, Window{From: cur, To: end})
		cur = end
	}
	return windows
}

// ClampPartial pulls `to` back by one bar interval when it would include the
// current, not-yet-closed bar.
func ClampPartial(to time.Time, tf domain.Timeframe, now time.Time) time.Time {
	closed := now.Add(-tf.Interval())
	if to.After(closed) {
		return closed
	}
	return to
}
