package device

import (
	"time"

	"github.com/giantswarm/oidc-engine/protocol"
)

// Backoff implements the client side of the polling contract (RFC 8628 section 3.5).
// It is not used by the server; clients built on this module use it to pace polls.
//
//	b := device.NewBackoff(time.Duration(resp.Interval) * time.Second)
//	for {
//		time.Sleep(b.Wait())
//		tok, err := poll()
//		wait, done := b.Next(errorCode(err))
//		...
//	}
type Backoff struct {
	interval time.Duration
	wait     time.Duration
}

// NewBackoff creates a backoff starting at interval. A non-positive interval means the
// protocol default of 5 seconds.
func NewBackoff(interval time.Duration) *Backoff {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Backoff{interval: interval, wait: interval}
}

// Wait returns the current wait before the next poll
func (b *Backoff) Wait() time.Duration {
	return b.wait
}

// Next updates the wait after a poll answered with errorCode and reports whether polling
// must stop. slow_down adds the interval to the wait, authorization_pending keeps it,
// anything else (including success, the empty code) ends polling.
func (b *Backoff) Next(errorCode string) (wait time.Duration, done bool) {
	switch errorCode {
	case protocol.ErrorCodeSlowDown:
		b.wait += b.interval
		return b.wait, false
	case protocol.ErrorCodeAuthorizationPending:
		return b.wait, false
	default:
		return 0, true
	}
}
