// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures Do.
type Policy struct {
	// Tries is the total number of attempts, including the first.
	Tries int
	// Delay is the pause after the first failure.
	Delay time.Duration
	// Backoff multiplies Delay after every failure.
	Backoff float64
	// MaxDelay caps a single pause. Zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether err may be retried. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before each pause.
	OnRetry func(err error, attempt int, wait time.Duration)
	// Logger receives a warning before each pause when OnRetry is nil.
	Logger *slog.Logger
}

// Default mirrors the per-record policy: three tries, 1s doubling.
func Default() Policy {
	return Policy{Tries: 3, Delay: time.Second, Backoff: 2}
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// Tries or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.Tries < 1 {
		p.Tries = 1
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.Multiplier = p.Backoff
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	eb.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.Tries-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || isInterrupt(err) {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		switch {
		case p.OnRetry != nil:
			p.OnRetry(err, attempt, wait)
		case p.Logger != nil:
			p.Logger.Warn("operation failed, retrying",
				"attempt", attempt,
				"tries", p.Tries,
				"wait", wait.String(),
				"error", err,
			)
		}
	}

	return backoff.RetryNotify(wrapped, b, notify)
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
