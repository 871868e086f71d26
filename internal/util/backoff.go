package util

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is an explicit retry state machine: it tracks the attempt count and
// computes the next delay, so retry behaviour can be tested without issuing
// real calls. Delays grow exponentially from Base up to Max, with up to 25%
// random jitter added to each.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// Attempt returns the number of failures recorded so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the attempt budget has been spent.
func (b *Backoff) Exhausted() bool {
	return b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts
}

// Next records a failure and returns the delay to wait before the following
// attempt. The caller checks Exhausted before retrying.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	if d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	return d
}

// Reset clears the attempt count, for reuse across tasks.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for the given duration or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
