package monitor

import "time"

// backoff doubles the polling interval while a table is quiet, up to a cap,
// and snaps back to the initial interval when changes show up.
type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, max: max}
}

func (b *backoff) interval() time.Duration {
	return b.current
}

func (b *backoff) increase() {
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
}

func (b *backoff) reset() {
	b.current = b.initial
}
