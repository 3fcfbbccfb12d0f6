package email

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// sendAttempts bounds provider calls per message.
const sendAttempts = 3

// withRetry runs one provider call under the shared retry policy, logging each
// attempt's latency. Errors wrapped with retry.Unrecoverable stop immediately.
func withRetry(ctx context.Context, logger *slog.Logger, provider string, call func() error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := call()
			elapsed := time.Since(start).Milliseconds()
			if err != nil {
				logger.Warn("Email provider call failed", "provider", provider, "duration_ms", elapsed, "error", err)
				return err
			}
			logger.Debug("Email provider call completed", "provider", provider, "duration_ms", elapsed)
			return nil
		},
		retry.Attempts(sendAttempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n+1, "error", err)
		}),
	)
}

// permanentFor4xx marks client errors as final. 429 stays retryable.
func permanentFor4xx(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}
