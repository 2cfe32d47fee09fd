// Package retry re-runs operations that lost an optimistic-concurrency race.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// Policy bounds how often and how patiently an operation is re-run. The
// wait starts at Backoff and doubles after every further failure, capped at
// MaxBackoff.
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Codes are retried in addition to errors flagged Retryable.
	Codes []errors.ErrorCode

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)

	clock clock.Clock
}

// DefaultPolicy retries CONCURRENT_MODIFICATION three times, waiting 100ms
// then 200ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Codes:      []errors.ErrorCode{errors.ErrCodeConcurrentModification},
	}
}

func (p Policy) retryable(err error) bool {
	var dfErr *errors.DeepfreezeError
	if !errors.As(err, &dfErr) {
		return false
	}
	if dfErr.Retryable {
		return true
	}
	for _, code := range p.Codes {
		if errors.HasCode(err, code) {
			return true
		}
	}
	return false
}

// Run calls fn until it succeeds, fails with an error the policy does not
// retry, or runs out of attempts. Running out is reported as
// RETRY_EXHAUSTED wrapping the last error, so callers can still match its
// code. Cancelling ctx stops the wait between attempts.
func Run(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 100 * time.Millisecond
	}
	if p.clock == nil {
		p.clock = clock.WallClock
	}

	var last error
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			last = fn(ctx)
			return last
		},
		IsFatalError: func(err error) bool { return !p.retryable(err) },
		NotifyFunc: func(err error, attempt int) {
			if p.OnRetry != nil && attempt < p.Attempts {
				p.OnRetry(attempt, err)
			}
		},
		Attempts:    p.Attempts,
		Delay:       p.Backoff,
		MaxDelay:    p.MaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("canceled after %d attempts: %w", attempts, ctx.Err())
	case retry.IsAttemptsExceeded(err):
		return errors.Wrap(last, errors.ErrCodeRetryExhausted,
			fmt.Sprintf("gave up after %d attempts", p.Attempts)).
			WithDetail("attempts", p.Attempts)
	case last != nil:
		return last
	default:
		return err
	}
}
