// Package backoff implements the doubling-capped retry delay used by
// the remote control plane's reconnect loop.
package backoff

import "time"

// Backoff produces a sequence of delays starting at Min, doubling each
// time Next is called, capped at Max.
type Backoff struct {
	Min, Max time.Duration
	current  time.Duration
}

// New creates a Backoff starting at min, capped at max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Next returns the next delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restarts the sequence at Min.
func (b *Backoff) Reset() {
	b.current = 0
}
