package daemon

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff yields min(base + (attempt-1)*step, cap): monotonically
// increasing reconnect delays with a hard ceiling, unlike the exponential
// policies shipped with the backoff package.
type linearBackOff struct {
	base    time.Duration
	step    time.Duration
	ceiling time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base + time.Duration(b.attempt-1)*b.step
	if d > b.ceiling {
		d = b.ceiling
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *linearBackOff) Attempt() int {
	return b.attempt
}
