// Package retry provides a bounded retry helper gated on network
// reachability. cmd/bayeux-echo wraps its initial Session.Connect call in
// it (the socket's own connect loop retries without bound and does not use
// this package); it suits any operation that should back off for a
// known-down network rather than spin.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/quangdang212/bayeux-go/reachability"
)

// Op is a retryable operation.
type Op func(ctx context.Context) error

// AutoRetry awaits the oracle's next "up" edge, then calls op. On failure
// it sleeps interval and retries, up to maxAttempts-1 further times; the
// final attempt's error propagates to the caller. Reachability is checked
// once up front and never again between attempts — a brief down-blip
// between attempts is tolerated rather than re-blocking every retry.
func AutoRetry(ctx context.Context, oracle *reachability.Oracle, op Op, maxAttempts int, interval time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if oracle != nil {
		if err := oracle.AwaitUp(ctx); err != nil {
			return fmt.Errorf("retry: waiting for reachability: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("retry: all %d attempts failed: %w", maxAttempts, lastErr)
}
