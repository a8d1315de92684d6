package worker

import (
	"context"
	"time"
)

// `backoff` doubles the delay up to `max` until `deadline`.
type backoff struct {
	delay    time.Duration
	max      time.Duration
	deadline time.Time
}

func newBackoff(initial, max, timeout time.Duration) *backoff {
	return &backoff{
		delay:    initial,
		max:      max,
		deadline: time.Now().Add(timeout),
	}
}

// `Wait()` sleeps for the next delay, truncated at the deadline.  It returns
// false without sleeping if the deadline has passed, and the context error if
// the context is canceled while sleeping.
func (b *backoff) Wait(ctx context.Context) (bool, error) {
	left := time.Until(b.deadline)
	if left <= 0 {
		return false, nil
	}
	d := b.delay
	if d > left {
		d = left
	}
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return true, nil
	}
}
