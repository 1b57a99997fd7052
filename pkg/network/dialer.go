package network

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DialFunc opens one connection attempt
type DialFunc func(ctx context.Context) (Conn, error)

// Backoff bounds the delay between dial attempts
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns a backoff from 1s doubling up to 30s
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// DialWithRetry calls dial until it succeeds or ctx is done, doubling the
// wait between attempts.
func DialWithRetry(ctx context.Context, dial DialFunc, backoff Backoff, clk clock.Clock, logger *zap.Logger) (Conn, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	delay := backoff.Initial
	for attempt := 1; ; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("connected", zap.Int("attempt", attempt))
			}
			return conn, nil
		}

		logger.Warn("connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, multierr.Combine(ctx.Err(), err))
		case <-timer.C:
		}

		delay *= 2
		if delay > backoff.Max {
			delay = backoff.Max
		}
	}
}
