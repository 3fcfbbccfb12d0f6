package content

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"blog-notifier/pkg/blog"

	"github.com/codeGROOVE-dev/retry"
)

const (
	defaultGuardDelay    = 120 * time.Millisecond
	defaultGuardMaxDelay = time.Second
)

var errNotReady = errors.New("group not yet visible")

// Guard masks secondary-index lag: a group written a moment ago may read back empty.
type Guard struct {
	logger   *slog.Logger
	delay    time.Duration
	maxDelay time.Duration
}

// NewGuard creates a guard polling with exponential backoff from delay up to maxDelay.
// Zero values select 120ms and 1s.
func NewGuard(delay, maxDelay time.Duration, logger *slog.Logger) *Guard {
	if delay <= 0 {
		delay = defaultGuardDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultGuardMaxDelay
	}
	return &Guard{logger: logger, delay: delay, maxDelay: maxDelay}
}

// Resolve reads a group until it is non-empty (and has a body when requireBody is set)
// or maxWait elapses. On timeout it returns the last observation and no error; the
// caller decides whether empty means not found. An error is returned only when no read
// succeeded at all. Every read shares the maxWait deadline; zero means a single read
// bounded only by ctx.
func (g *Guard) Resolve(ctx context.Context, acc Accessor, groupID string, maxWait time.Duration, requireBody bool) ([]blog.Record, error) {
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if maxWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
	}
	defer cancel()

	var (
		last     []blog.Record
		observed bool
		lastErr  error
		polls    int
	)

	attempts := uint(1)
	if maxWait > 0 {
		attempts = uint(maxWait/g.delay) + 2
	}

	err := retry.Do(
		func() error {
			polls++
			records, err := acc.GetGroup(waitCtx, groupID)
			if err != nil {
				lastErr = err
				if errors.Is(err, blog.ErrValidation) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			last, observed = records, true
			if len(records) == 0 || (requireBody && !blog.HasBody(records)) {
				return errNotReady
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(g.delay),
		retry.MaxDelay(g.maxDelay),
		retry.MaxJitter(g.delay/4),
		retry.Context(waitCtx),
	)
	if err != nil {
		g.logger.Info("Group not fully visible before deadline",
			"group_id", groupID,
			"polls", polls,
			"records", len(last),
			"require_body", requireBody,
			"wait", maxWait.String())
	}

	if !observed && lastErr != nil {
		return nil, lastErr
	}
	return last, nil
}
