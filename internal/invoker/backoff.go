package invoker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits attempt*base between tries and stops after a fixed
// attempt count. Transient task faults get a small, predictable local
// retry budget instead of the exponential policy used by the feedback
// loop.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

func newLinearBackOff(base time.Duration, maxAttempts int) *linearBackOff {
	return &linearBackOff{base: base, maxAttempts: maxAttempts}
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	if l.attempt >= l.maxAttempts {
		return backoff.Stop
	}
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
