package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds webhook registration attempts.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy absorbs the DNS propagation delay of freshly created
// tunnel hostnames.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 6, Delay: 5 * time.Second}
}

// Register points the webhook at publicURL. Hosts with a stable URL get one
// attempt; ephemeral hosts are retried per policy with a constant delay.
func Register(ctx context.Context, c Client, publicURL, secretToken string, stable bool, policy RetryPolicy) error {
	attempts := policy.Attempts
	if stable || attempts < 1 {
		attempts = 1
	}

	delay := policy.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(delay))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.SetWebhook(ctx, publicURL, secretToken)
		if err == nil {
			return nil
		}
		slog.Warn("webhook registration failed",
			"url", publicURL,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("registering webhook after %d attempt(s): %w", attempt, err)
	}
	return nil
}
