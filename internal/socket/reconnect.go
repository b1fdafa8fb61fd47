package socket

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// ReconnectPolicy is the manual fixed-delay retry both channels share.
// Transport-level auto-reconnect stays disabled; the policy waits one
// interval, then attempts up to MaxAttempts dials spaced by the same
// interval. It returns the last dial error once the ceiling is reached.
type ReconnectPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p ReconnectPolicy) Run(ctx context.Context, attempt func(context.Context) error) error {
	select {
	case <-time.After(p.Interval):
	case <-ctx.Done():
		return ctx.Err()
	}

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewConstant(p.Interval))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := attempt(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
