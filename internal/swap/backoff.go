package swap

import (
	"context"
	"errors"
	"time"
)

// errPreempted signals that a timelock made the retried action obsolete.
var errPreempted = errors.New("retry preempted by timelock")

// retryWithBackoff runs f until it succeeds, growing the delay between
// attempts by the shared multiplier. It stops early when the context is
// cancelled or preempt reports that a timelock now mandates a different
// branch; it never gives up on failures alone.
func retryWithBackoff(ctx context.Context, initial, max time.Duration, preempt func() bool, f func() error) error {
	delay := initial
	for {
		if preempt != nil && preempt() {
			return errPreempted
		}
		err := f()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * BackoffMultiplier)
		if delay > max {
			delay = max
		}
	}
}
