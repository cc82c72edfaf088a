package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls how often a backend retries a dropped source.
// The player uses a fixed interval rather than exponential backoff so the
// total reconnect window is Count*Interval.
type ReconnectConfig struct {
	Count    int
	Interval time.Duration
}

// DefaultReconnectConfig matches the player defaults: 4 attempts, 3s apart.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Count: 4, Interval: 3 * time.Second}
}

// ReconnectState counts attempts across a session.
type ReconnectState struct {
	current    int
	Reconnects uint32
}

// Attempts returns the total number of reconnect attempts.
func (s *ReconnectState) Attempts() uint32 { return atomic.LoadUint32(&s.Reconnects) }

// ConnectFunc opens (or reopens) the source and blocks while it plays.
// Returning nil means the source ended cleanly.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect runs connectFn and retries it after failures until it
// returns nil, ctx ends or cfg.Count retries are used up. onRetry runs before
// every retry so the caller can report WARN_RECONNECT.
//
// A successful connect resets the retry counter (the caller signals success
// by calling state.Reset, typically on reaching PLAYING).
func RunWithReconnect(
	ctx context.Context,
	connectFn ConnectFunc,
	cfg ReconnectConfig,
	state *ReconnectState,
	onRetry func(attempt int),
) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := connectFn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state.current++
		if state.current > cfg.Count {
			return fmt.Errorf("backend: reconnect attempts exhausted (%d): %w", cfg.Count, err)
		}
		atomic.AddUint32(&state.Reconnects, 1)

		slog.Warn("backend: source failed, reconnecting",
			"error", err,
			"attempt", state.current,
			"max_attempts", cfg.Count,
			"interval", cfg.Interval,
		)
		if onRetry != nil {
			onRetry(state.current)
		}

		select {
		case <-time.After(cfg.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset clears the per-outage retry counter.
func (s *ReconnectState) Reset() {
	s.current = 0
}
