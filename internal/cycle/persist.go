package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// write runs a store operation with bounded exponential backoff. Errors the
// store reports as permanent are returned at once.
func (m *Machine) write(ctx context.Context, op func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.cfg.PersistRetries)), ctx)

	err := backoff.RetryNotifyWithTimer(func() error {
		err := op(ctx)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		m.logger.WarnContext(ctx, "store write failed, retrying",
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}, clock.NewTimer(m.d.Clock))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Event is the payload published for every cycle transition.
type Event struct {
	Event string       `json:"event"`
	At    time.Time    `json:"at"`
	Cycle domain.Cycle `json:"cycle"`
}

func encodeEvent(event string, c domain.Cycle) ([]byte, error) {
	return json.Marshal(Event{Event: event, At: c.UpdatedAt, Cycle: c})
}
