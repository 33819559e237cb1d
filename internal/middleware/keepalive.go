package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/clinsight/rnode-client/internal/channel"
	"github.com/clinsight/rnode-client/internal/logging"
)

// keepEstablishedPoll bounds how long a status update lost to a full
// subscriber buffer can leave KeepEstablished waiting on a dead channel.
const keepEstablishedPoll = 30 * time.Second

// KeepEstablished holds the channel Established until ctx ends. Expiry,
// node-side invalidation, and resets arrive as status transitions and
// trigger a fresh handshake; establishment failures are retried forever
// with backoff on top of the bounded per-establishment retries. Daemons
// run this in a goroutine so calls never pay for a handshake. Returns
// ctx.Err() on cancellation and ErrClosed after Cleanup.
func (mw *Middleware) KeepEstablished(ctx context.Context) error {
	updates, cancel := mw.Subscribe(8)
	defer cancel()

	backoff := channel.NewBackoffCalculator(mw.retry)
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch err := mw.EnsureChannel(ctx); {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrClosed):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			delay := backoff.Delay(failures)
			failures++
			mw.logger.Warn("channel establishment failed",
				logging.KeyAttempt, failures,
				logging.KeyDuration, delay,
				logging.KeyError, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := mw.waitChannelDown(ctx, updates); err != nil {
			return err
		}
		mw.logger.Info("channel lost, re-establishing")
	}
}

// waitChannelDown blocks until the channel leaves Established. The poll
// catches a down transition the subscription dropped.
func (mw *Middleware) waitChannelDown(ctx context.Context, updates <-chan Status) error {
	ticker := time.NewTicker(keepEstablishedPoll)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return ErrClosed
			}
			if st.Channel.Status != channel.StatusEstablished {
				return nil
			}
		case <-ticker.C:
			if mw.channel.Snapshot().Status != channel.StatusEstablished {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
