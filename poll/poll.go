// Package poll stands in for Cloud Tasks and the queue push subscription when the
// service runs locally: it fires due publish triggers and drains the dispatch queue.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"blog-notifier/pkg/blog"
	"blog-notifier/publish"
	"blog-notifier/queue"
	"blog-notifier/scheduler"
)

const retryDelay = 30 * time.Second // Re-arm delay after a trigger fails

// Triggers hands out armed triggers once their time has come.
type Triggers interface {
	Due(now time.Time) []scheduler.Armed
	Arm(ctx context.Context, name string, runAt time.Time, payload scheduler.Payload) error
}

// Publisher publishes a post when its trigger fires.
type Publisher interface {
	PublishNow(ctx context.Context, groupID string, notify bool, topic string) (publish.PublishResult, error)
}

// Dispatcher drains queued jobs.
type Dispatcher interface {
	Drain(ctx context.Context, handler queue.Handler) (queue.DrainResult, error)
}

// Monitor runs the local trigger and dispatch loop.
type Monitor struct {
	triggers   Triggers
	publisher  Publisher
	dispatcher Dispatcher
	handler    queue.Handler
	logger     *slog.Logger
	now        func() time.Time
	lastWork   time.Time
}

// New creates a monitor. A nil dispatcher skips queue draining.
func New(triggers Triggers, publisher Publisher, dispatcher Dispatcher, handler queue.Handler, logger *slog.Logger) *Monitor {
	return &Monitor{
		triggers:   triggers,
		publisher:  publisher,
		dispatcher: dispatcher,
		handler:    handler,
		logger:     logger,
		now:        time.Now,
	}
}

// CheckAll fires every due trigger, then drains the queue once. It keeps going past
// individual failures and reports them together.
func (m *Monitor) CheckAll(ctx context.Context) error {
	now := m.now()
	var errs *multierror.Error
	work := 0

	for _, a := range m.triggers.Due(now) {
		work++
		if err := m.fire(ctx, a); err != nil {
			errs = multierror.Append(errs, err)
			retryAt := now.Add(retryDelay)
			if armErr := m.triggers.Arm(ctx, a.Name, retryAt, a.Payload); armErr != nil {
				errs = multierror.Append(errs, fmt.Errorf("re-arm %s: %w", a.Name, armErr))
			}
		}
	}

	if m.dispatcher != nil && m.handler != nil {
		res, err := m.dispatcher.Drain(ctx, m.handler)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("drain queue: %w", err))
		}
		if n := res.Received + res.Reclaimed; n > 0 {
			work += n
			m.logger.Info("Drained dispatch queue",
				"received", res.Received,
				"reclaimed", res.Reclaimed,
				"acked", res.Acked,
				"failed", res.Failed,
				"dead_lettered", res.DeadLettered)
		}
	}

	if work > 0 {
		m.lastWork = now
	}
	return errs.ErrorOrNil()
}

func (m *Monitor) fire(ctx context.Context, a scheduler.Armed) error {
	if a.Payload.Kind != scheduler.KindPublishBlogPost {
		m.logger.Warn("Dropping trigger with unsupported kind", "name", a.Name, "kind", a.Payload.Kind)
		return nil
	}
	m.logger.Info("Trigger fired", "name", a.Name, "group_id", a.Payload.GroupID, "run_at", a.RunAt)

	res, err := m.publisher.PublishNow(ctx, a.Payload.GroupID, a.Payload.Notify, a.Payload.Topic)
	if errors.Is(err, blog.ErrNotFound) {
		m.logger.Warn("Trigger fired for missing post", "name", a.Name, "group_id", a.Payload.GroupID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", a.Payload.GroupID, err)
	}
	if res.Notification != nil && res.Notification.Failed > 0 {
		return fmt.Errorf("publish %s: %d of %d notifications failed", a.Payload.GroupID, res.Notification.Failed, res.Notification.Attempted)
	}
	return nil
}

// Run calls CheckAll until ctx is cancelled, polling faster while there is work.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Local trigger loop started")
	for {
		if err := m.CheckAll(ctx); err != nil {
			m.logger.Error("Local trigger round failed", "error", err)
		}

		interval := calculateInterval(m.lastWork, m.now())
		select {
		case <-ctx.Done():
			m.logger.Info("Local trigger loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// calculateInterval backs off polling as the loop sits idle.
func calculateInterval(lastWork, now time.Time) time.Duration {
	if lastWork.IsZero() {
		return 15 * time.Second
	}

	idle := now.Sub(lastWork)
	switch {
	case idle < time.Minute:
		return 2 * time.Second
	case idle < 10*time.Minute:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}
