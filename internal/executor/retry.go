package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const maxCallRetries = 3

// retry runs fn with exponential backoff while it fails with a retryable
// (network) error. Business errors stop immediately.
func (e *Executor) retry(ctx context.Context, r *legRun, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxCallRetries), ctx)
	return backoff.RetryNotifyWithTimer(func() error {
		err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("venue call failed, retrying",
			slog.String("op", op),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}, clock.NewTimer(e.clock))
}
