package util

import (
	"context"
	"time"
)

// Backoff produces a bounded exponential delay schedule. It is the single
// retry/backoff implementation shared by the join protocol and the health
// monitor — both previously grew their own copies in the original design.
//
// The zero value is not usable; construct with NewBackoff.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// NewBackoff returns a Backoff starting at initial, doubling per attempt,
// capped at max, allowing at most maxAttempts attempts.
func NewBackoff(initial, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Initial: initial, Max: max, MaxAttempts: maxAttempts}
}

// Next returns the delay to wait before the next attempt and whether another
// attempt is allowed. The first call returns Initial.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Initial << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d, true
}

// Attempt returns the number of attempts consumed so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset rewinds the schedule, e.g. after an explicit user-triggered retry.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep blocks for d or until ctx is done. Returns ctx.Err() when cancelled.
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
