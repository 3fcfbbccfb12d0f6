// Package publish owns a blog post's status and its legal transitions between draft,
// scheduled and published.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blog-notifier/content"
	"blog-notifier/pkg/blog"
	"blog-notifier/scheduler"
)

const defaultResolveWait = 3 * time.Second

// Notifier is the notification pipeline entry point.
type Notifier interface {
	SendNotification(ctx context.Context, groupID, topic string, force bool) (blog.SendResult, error)
}

// ScheduleResult identifies an armed trigger.
type ScheduleResult struct {
	RunAt        time.Time `json:"runAt"`
	ScheduleName string    `json:"scheduleName"`
}

// PublishResult describes a publish and its optional notification.
type PublishResult struct {
	PublishAt        time.Time        `json:"publishAt"`
	Notification     *blog.SendResult `json:"notification,omitempty"`
	GroupID          string           `json:"groupId"`
	AlreadyPublished bool             `json:"alreadyPublished"`
}

// Machine drives post status transitions.
type Machine struct {
	content     content.Accessor
	guard       *content.Guard
	bridge      scheduler.Bridge
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	resolveWait time.Duration
}

// New creates a state machine. bridge may be nil when scheduling is not configured;
// SchedulePublish then fails with a configuration error.
func New(acc content.Accessor, guard *content.Guard, bridge scheduler.Bridge, notifier Notifier, logger *slog.Logger) *Machine {
	if guard == nil {
		guard = content.NewGuard(0, 0, logger)
	}
	return &Machine{
		content:     acc,
		guard:       guard,
		bridge:      bridge,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		resolveWait: defaultResolveWait,
	}
}

// SetResolveWait bounds how long a freshly saved post may take to become readable.
func (m *Machine) SetResolveWait(d time.Duration) {
	if d > 0 {
		m.resolveWait = d
	}
}

// resolve loads a post that must already have body content.
func (m *Machine) resolve(ctx context.Context, groupID string) (*blog.Post, error) {
	if !content.ValidGroupID(groupID) {
		return nil, fmt.Errorf("%w: invalid post id", blog.ErrValidation)
	}
	records, err := m.guard.Resolve(ctx, m.content, groupID, m.resolveWait, true)
	if err != nil {
		return nil, fmt.Errorf("resolve post: %w", err)
	}
	post, ok := blog.PostFromRecords(groupID, records)
	if !ok {
		return nil, fmt.Errorf("%w: post %s has no body content", blog.ErrNotFound, groupID)
	}
	return post, nil
}

// SchedulePublish arms a one-shot trigger that publishes the post at publishAt (RFC 3339),
// replacing any trigger armed earlier for the same post.
func (m *Machine) SchedulePublish(ctx context.Context, groupID, publishAt string, notify bool, topic string) (ScheduleResult, error) {
	if m.bridge == nil {
		return ScheduleResult{}, fmt.Errorf("%w: scheduler is not configured", blog.ErrConfiguration)
	}
	if topic == "" {
		topic = blog.DefaultTopic
	}

	at, err := time.Parse(time.RFC3339, publishAt)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("%w: publishAt must be RFC 3339: %w", blog.ErrValidation, err)
	}
	now := m.now()
	runAt := scheduler.RunAt(at)
	if !runAt.After(now) {
		return ScheduleResult{}, fmt.Errorf("%w: publishAt %s is not in the future", blog.ErrValidation, publishAt)
	}

	post, err := m.resolve(ctx, groupID)
	if err != nil {
		return ScheduleResult{}, err
	}
	if post.Metadata.Status == blog.StatusPublished {
		return ScheduleResult{}, fmt.Errorf("%w: post %s is already published", blog.ErrValidation, groupID)
	}

	if prev := post.Metadata.ScheduleName; prev != "" {
		if err := m.bridge.Disarm(ctx, prev); err != nil {
			m.logger.Warn("Failed to disarm previous trigger", "group_id", groupID, "schedule_name", prev, "error", err)
		}
	}

	name := scheduler.Name(groupID, now)
	payload := scheduler.Payload{
		Kind:    scheduler.KindPublishBlogPost,
		GroupID: groupID,
		Topic:   topic,
		Notify:  notify,
	}
	if err := m.bridge.Arm(ctx, name, runAt, payload); err != nil {
		return ScheduleResult{}, fmt.Errorf("arm trigger: %w", err)
	}

	err = m.content.UpdateMetadata(ctx, groupID, func(md *blog.Metadata) {
		md.Status = blog.StatusScheduled
		md.PublishAt = runAt
		md.ScheduleName = name
		md.NotifyTopic = topic
		md.NotifyOnPublish = notify
	})
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("write schedule: %w", err)
	}

	m.logger.Info("Post scheduled",
		"group_id", groupID,
		"schedule_name", name,
		"run_at", runAt,
		"notify", notify,
		"topic", topic)
	return ScheduleResult{ScheduleName: name, RunAt: runAt}, nil
}

// CancelSchedule disarms a trigger. The post keeps its current status.
func (m *Machine) CancelSchedule(ctx context.Context, name string) error {
	if m.bridge == nil {
		return fmt.Errorf("%w: scheduler is not configured", blog.ErrConfiguration)
	}
	if name == "" {
		return fmt.Errorf("%w: schedule name is required", blog.ErrValidation)
	}
	if err := m.bridge.Disarm(ctx, name); err != nil {
		return fmt.Errorf("disarm trigger: %w", err)
	}
	m.logger.Info("Schedule cancelled", "schedule_name", name)
	return nil
}

// PublishNow publishes a post and, if notify is set, runs the notification pipeline.
// Repeated calls keep the first publish time and never notify twice.
func (m *Machine) PublishNow(ctx context.Context, groupID string, notify bool, topic string) (PublishResult, error) {
	post, err := m.resolve(ctx, groupID)
	if err != nil {
		return PublishResult{}, err
	}
	if topic == "" {
		topic = post.Metadata.NotifyTopic
	}
	if topic == "" {
		topic = blog.DefaultTopic
	}

	res := PublishResult{GroupID: groupID}
	if post.Metadata.Status == blog.StatusPublished {
		res.AlreadyPublished = true
		res.PublishAt = post.Metadata.PublishAt
		m.logger.Info("Post already published", "group_id", groupID, "publish_at", res.PublishAt)
	} else {
		now := m.now().UTC().Truncate(time.Second)
		err := m.content.UpdateMetadata(ctx, groupID, func(md *blog.Metadata) {
			md.Status = blog.StatusPublished
			md.PublishAt = now
			md.ScheduleName = ""
		})
		if err != nil {
			return PublishResult{}, fmt.Errorf("write publish: %w", err)
		}
		res.PublishAt = now
		m.logger.Info("Post published", "group_id", groupID, "previous_status", post.Metadata.Status)
	}

	if !notify {
		return res, nil
	}
	if m.notifier == nil {
		return res, fmt.Errorf("%w: notification pipeline is not configured", blog.ErrConfiguration)
	}
	sent, err := m.notifier.SendNotification(ctx, groupID, topic, false)
	if err != nil {
		return res, fmt.Errorf("notify subscribers: %w", err)
	}
	res.Notification = &sent
	return res, nil
}
