// Package pipeline fans a published post out to its subscribers, either directly or
// through the dispatch queue, guarded by a durable sent marker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"blog-notifier/content"
	"blog-notifier/pkg/blog"
	"blog-notifier/queue"
	"blog-notifier/subscriber"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Recipients computes who should hear about a post.
type Recipients interface {
	ListRecipients(ctx context.Context, topic string) ([]*blog.Subscriber, error)
}

// Markers reads and writes the per-post sent marker.
type Markers interface {
	Marker(ctx context.Context, topic, groupID string) (*blog.Token, error)
	PutMarker(ctx context.Context, topic, groupID string, delivery blog.Delivery, recipients int) error
}

// Queue enqueues notification jobs.
type Queue interface {
	SendBatch(ctx context.Context, jobs []blog.Job) (queue.BatchResult, error)
}

// Config holds the notifier's collaborators and tuning.
type Config struct {
	Content    content.Accessor
	Guard      *content.Guard
	Recipients Recipients
	Markers    Markers
	Queue      Queue     // Nil selects direct delivery
	Consumer   *Consumer // Required for direct delivery
	Metrics    *Metrics
	Logger     *slog.Logger

	SiteURL        string
	AllowList      []string // Optional; when set only these addresses are notified
	Concurrency    int
	EnqueueTimeout time.Duration
	ResolveWait    time.Duration
}

// Notifier runs notification fan-outs.
type Notifier struct {
	content        content.Accessor
	guard          *content.Guard
	recipients     Recipients
	markers        Markers
	queue          Queue
	consumer       *Consumer
	metrics        *Metrics
	logger         *slog.Logger
	allow          map[string]bool
	siteURL        string
	concurrency    int
	enqueueTimeout time.Duration
	resolveWait    time.Duration
}

// New creates a notifier.
func New(cfg *Config) *Notifier {
	n := &Notifier{
		content:        cfg.Content,
		guard:          cfg.Guard,
		recipients:     cfg.Recipients,
		markers:        cfg.Markers,
		queue:          cfg.Queue,
		consumer:       cfg.Consumer,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		siteURL:        strings.TrimRight(cfg.SiteURL, "/"),
		concurrency:    cfg.Concurrency,
		enqueueTimeout: cfg.EnqueueTimeout,
		resolveWait:    cfg.ResolveWait,
	}
	if n.guard == nil {
		n.guard = content.NewGuard(0, 0, cfg.Logger)
	}
	if n.concurrency <= 0 {
		n.concurrency = 10
	}
	if n.enqueueTimeout <= 0 {
		n.enqueueTimeout = 10 * time.Second
	}
	if n.resolveWait <= 0 {
		n.resolveWait = 3 * time.Second
	}
	if len(cfg.AllowList) > 0 {
		n.allow = make(map[string]bool, len(cfg.AllowList))
		for _, a := range cfg.AllowList {
			n.allow[subscriber.NormalizeEmail(a)] = true
		}
	}
	return n
}

// Queued reports whether fan-outs go through the dispatch queue.
func (n *Notifier) Queued() bool {
	return n.queue != nil
}

// PostURL is the public address of a post.
func (n *Notifier) PostURL(groupID string) string {
	return n.siteURL + "/blog/" + groupID
}

// SendNotification notifies every SUBSCRIBED recipient of topic about a post, once.
// Unless force is set an existing sent marker makes this a no-op. The marker is written
// only when every job was enqueued or sent; a partial failure leaves it absent so a
// retry repeats the whole fan-out.
func (n *Notifier) SendNotification(ctx context.Context, groupID, topic string, force bool) (blog.SendResult, error) {
	if topic == "" {
		topic = blog.DefaultTopic
	}
	if !content.ValidGroupID(groupID) {
		return blog.SendResult{}, fmt.Errorf("%w: invalid post id", blog.ErrValidation)
	}
	if n.queue == nil && n.consumer == nil {
		return blog.SendResult{}, fmt.Errorf("%w: neither a dispatch queue nor an email sender is configured", blog.ErrConfiguration)
	}

	if !force {
		marker, err := n.markers.Marker(ctx, topic, groupID)
		if err != nil {
			return blog.SendResult{}, fmt.Errorf("check sent marker: %w", err)
		}
		if marker != nil {
			n.logger.Info("Notification already sent, skipping",
				"group_id", groupID,
				"topic", topic,
				"delivery", marker.Delivery,
				"sent_at", time.Unix(marker.ExpiresAtEpoch, 0).UTC())
			n.metrics.fanout(marker.Delivery, "skipped")
			return blog.SendResult{Delivery: marker.Delivery, Skipped: true}, nil
		}
	}

	records, err := n.guard.Resolve(ctx, n.content, groupID, n.resolveWait, true)
	if err != nil {
		return blog.SendResult{}, fmt.Errorf("resolve post: %w", err)
	}
	post, hasBody := blog.PostFromRecords(groupID, records)
	if !hasBody {
		return blog.SendResult{}, fmt.Errorf("%w: post %s has no body content", blog.ErrNotFound, groupID)
	}

	subs, err := n.recipients.ListRecipients(ctx, topic)
	if err != nil {
		return blog.SendResult{}, fmt.Errorf("compute recipients: %w", err)
	}
	subs = n.filterAllowed(subs)
	jobs := n.buildJobs(post, subs, topic)

	var res blog.SendResult
	if n.queue != nil {
		res = n.enqueue(ctx, jobs)
	} else {
		res = n.sendDirect(ctx, jobs)
	}

	n.logger.Info("Notification fan-out finished",
		"group_id", groupID,
		"topic", topic,
		"delivery", res.Delivery,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"force", force)

	if res.Failed > 0 {
		n.metrics.fanout(res.Delivery, "partial")
		n.logger.Warn("Fan-out incomplete, sent marker withheld", "group_id", groupID, "failed", res.Failed)
		return res, nil
	}

	if err := n.markers.PutMarker(ctx, topic, groupID, res.Delivery, res.Attempted); err != nil {
		return res, fmt.Errorf("write sent marker: %w", err)
	}
	n.metrics.fanout(res.Delivery, "complete")
	n.writeBreadcrumb(ctx, groupID, res)
	return res, nil
}

func (n *Notifier) filterAllowed(subs []*blog.Subscriber) []*blog.Subscriber {
	if n.allow == nil {
		return subs
	}
	var out []*blog.Subscriber
	for _, s := range subs {
		if n.allow[subscriber.NormalizeEmail(s.Email)] {
			out = append(out, s)
		}
	}
	return out
}

// buildJobs creates one job per recipient. Missing summary and read time are derived
// from the body.
func (n *Notifier) buildJobs(post *blog.Post, subs []*blog.Subscriber, topic string) []blog.Job {
	meta := post.Metadata
	summary := meta.Summary
	readTime := meta.ReadTimeMinutes
	if summary == "" || readTime == nil {
		text := plainText(post.BodyText)
		if summary == "" {
			summary = summarize(text)
		}
		if readTime == nil {
			m := readTimeMinutes(text)
			readTime = &m
		}
	}
	title := meta.Title
	if title == "" {
		title = post.GroupID
	}

	jobs := make([]blog.Job, 0, len(subs))
	for _, s := range subs {
		jobs = append(jobs, blog.Job{
			ID:              uuid.NewString(),
			GroupID:         post.GroupID,
			Topic:           topic,
			EmailHash:       s.EmailHash,
			RecipientEmail:  s.Email,
			Title:           title,
			Summary:         summary,
			PostURL:         n.PostURL(post.GroupID),
			HeroImageURL:    meta.HeroImageURL,
			Tags:            meta.Tags,
			ReadTimeMinutes: readTime,
		})
	}
	return jobs
}

func (n *Notifier) enqueue(ctx context.Context, jobs []blog.Job) blog.SendResult {
	res := blog.SendResult{Delivery: blog.DeliveryQueued, Attempted: len(jobs)}
	for _, chunk := range queue.Chunk(jobs, queue.MaxBatch) {
		enqCtx, cancel := context.WithTimeout(ctx, n.enqueueTimeout)
		br, err := n.queue.SendBatch(enqCtx, chunk)
		cancel()
		if err != nil {
			n.logger.Error("Enqueue batch failed", "jobs", len(chunk), "error", err)
			res.Failed += len(chunk)
			continue
		}
		for _, f := range br.Failed {
			n.logger.Warn("Job not enqueued", "job_id", f.JobID, "error", f.Err)
		}
		res.Succeeded += len(br.Succeeded)
		res.Failed += len(br.Failed)
	}
	n.metrics.job("enqueue", "ok", res.Succeeded)
	n.metrics.job("enqueue", "failed", res.Failed)
	return res
}

// sendDirect delivers every job inline with bounded concurrency. Failures are counted
// per recipient and never abort the remaining sends. Recipients suppressed since the
// job list was built count as neither sent nor failed.
func (n *Notifier) sendDirect(ctx context.Context, jobs []blog.Job) blog.SendResult {
	var succeeded, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			err := n.consumer.Deliver(gctx, job)
			if errors.Is(err, errSuppressed) {
				skipped.Add(1)
				return nil
			}
			if err != nil {
				failed.Add(1)
				n.logger.Warn("Direct send failed", "group_id", job.GroupID, "email_hash", job.EmailHash, "error", err)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	res := blog.SendResult{
		Delivery:  blog.DeliveryDirect,
		Attempted: len(jobs),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	n.metrics.job("direct", "sent", res.Succeeded)
	n.metrics.job("direct", "failed", res.Failed)
	n.metrics.job("direct", "skipped", int(skipped.Load()))
	return res
}

// writeBreadcrumb records the completed fan-out on the post. Failures are logged only.
func (n *Notifier) writeBreadcrumb(ctx context.Context, groupID string, res blog.SendResult) {
	now := time.Now().UTC()
	count := res.Attempted
	err := n.content.UpdateMetadata(ctx, groupID, func(m *blog.Metadata) {
		m.EmailNotificationSentAt = &now
		m.Delivery = res.Delivery
		m.RecipientCount = &count
	})
	if err != nil {
		n.logger.Warn("Failed to write notification breadcrumb", "group_id", groupID, "error", err)
	}
}
