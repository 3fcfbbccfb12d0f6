package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/queue"
	"blog-notifier/storage"
	"blog-notifier/token"
)

// errSuppressed means the recipient left the list after the job was built.
var errSuppressed = errors.New("recipient no longer subscribed")

// Mailer sends one post notification.
type Mailer interface {
	SendPostNotification(ctx context.Context, job *blog.Job, unsubscribeToken string) error
}

// TokenIssuer mints single-use tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, action blog.Action, subjectHash string, ttl time.Duration) (string, error)
}

// Subscribers is the part of the subscriber directory the delivery side needs.
type Subscribers interface {
	Get(ctx context.Context, emailHash string) (*blog.Subscriber, error)
	TouchLastNotified(ctx context.Context, emailHash string, at time.Time) error
}

// Consumer delivers notification jobs, either drained from the dispatch queue or handed
// over directly by the Notifier.
type Consumer struct {
	tokens      TokenIssuer
	mailer      Mailer
	subscribers Subscribers
	metrics     *Metrics
	logger      *slog.Logger
	sendTimeout time.Duration
}

// NewConsumer creates a job consumer. sendTimeout bounds each email send.
func NewConsumer(tokens TokenIssuer, mailer Mailer, subscribers Subscribers, metrics *Metrics, sendTimeout time.Duration, logger *slog.Logger) *Consumer {
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Consumer{
		tokens:      tokens,
		mailer:      mailer,
		subscribers: subscribers,
		metrics:     metrics,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Deliver renders and sends one job with a fresh unsubscribe token, then records the
// delivery on the subscriber. Recipients that have unsubscribed, bounced or complained
// since the job was built are skipped.
func (c *Consumer) Deliver(ctx context.Context, job *blog.Job) error {
	sub, err := c.subscribers.Get(ctx, job.EmailHash)
	switch {
	case err == nil && sub.Status != blog.SubscriberSubscribed:
		return errSuppressed
	case err != nil && !storage.IsNotExist(err):
		c.logger.Warn("Could not load subscriber before send", "email_hash", job.EmailHash, "error", err)
	}

	raw, err := c.tokens.Issue(ctx, blog.ActionUnsubscribe, job.EmailHash, token.UnsubscribeTTL)
	if err != nil {
		return fmt.Errorf("issue unsubscribe token: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := c.mailer.SendPostNotification(sendCtx, job, raw); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	if err := c.subscribers.TouchLastNotified(ctx, job.EmailHash, time.Now()); err != nil {
		c.logger.Warn("Failed to record last notification", "email_hash", job.EmailHash, "error", err)
	}
	return nil
}

// HandleBatch processes every message independently and returns the IDs of those that
// should be retried. One bad message never fails its siblings.
func (c *Consumer) HandleBatch(ctx context.Context, msgs []queue.Message) []string {
	var failed []string
	sent, skipped := 0, 0
	for i := range msgs {
		m := &msgs[i]
		err := c.Deliver(ctx, &m.Job)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, errSuppressed):
			skipped++
			c.logger.Info("Skipping job for inactive recipient", "job_id", m.Job.ID, "group_id", m.Job.GroupID)
		default:
			failed = append(failed, m.ID)
			c.logger.Error("Job delivery failed",
				"message_id", m.ID,
				"job_id", m.Job.ID,
				"group_id", m.Job.GroupID,
				"receives", m.Receives,
				"error", err)
		}
	}

	c.metrics.job("consume", "sent", sent)
	c.metrics.job("consume", "skipped", skipped)
	c.metrics.job("consume", "failed", len(failed))
	return failed
}

var _ queue.Handler = (*Consumer)(nil).HandleBatch
