// Package retry runs outbound delivery attempts with capped exponential
// backoff. It is only used for fan-out to third parties (webhooks); custody
// and reconciliation calls are never retried on the caller's behalf.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is three attempts starting at one second.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. It returns the number of attempts made and the last
// error (unwrapped from Permanent).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return attempt, pe.err
		}
		if attempt == p.Attempts {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return p.Attempts, err
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
