package scheduler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"blog-notifier/pkg/blog"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/cloudtasks/v2"
	"google.golang.org/api/googleapi"
)

// CloudTasksConfig identifies the queue and worker endpoint used for triggers.
type CloudTasksConfig struct {
	Queue          string // projects/<p>/locations/<l>/queues/<q>
	TargetURL      string // Absolute URL of POST /worker/publish
	WorkerSecret   string // Sent as X-Worker-Secret
	ServiceAccount string // Optional OIDC identity for the callback
}

// CloudTasks arms triggers as named Cloud Tasks HTTP tasks with a schedule time.
type CloudTasks struct {
	service *cloudtasks.Service
	logger  *slog.Logger
	cfg     CloudTasksConfig
}

// NewCloudTasks creates a Cloud Tasks bridge. A missing queue, target or secret is a
// configuration error.
func NewCloudTasks(service *cloudtasks.Service, cfg CloudTasksConfig, logger *slog.Logger) (*CloudTasks, error) {
	switch {
	case service == nil:
		return nil, fmt.Errorf("%w: cloud tasks client not initialized", blog.ErrConfiguration)
	case cfg.Queue == "":
		return nil, fmt.Errorf("%w: scheduler queue not set", blog.ErrConfiguration)
	case cfg.TargetURL == "":
		return nil, fmt.Errorf("%w: scheduler target URL not set", blog.ErrConfiguration)
	case cfg.WorkerSecret == "":
		return nil, fmt.Errorf("%w: worker secret not set", blog.ErrConfiguration)
	}
	return &CloudTasks{service: service, cfg: cfg, logger: logger}, nil
}

func (c *CloudTasks) taskName(name string) string {
	return c.cfg.Queue + "/tasks/" + name
}

func apiCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify stops retries on client errors except rate limiting.
func classify(err error) error {
	code := apiCode(err)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}

func (c *CloudTasks) retryOptions(ctx context.Context, op, name string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying Cloud Tasks call", "op", op, "name", name, "attempt", n, "error", err)
		}),
	}
}

// buildTask assembles the HTTP task for a trigger.
func (c *CloudTasks) buildTask(name string, runAt time.Time, payload Payload) (*cloudtasks.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req := &cloudtasks.HttpRequest{
		HttpMethod: http.MethodPost,
		Url:        c.cfg.TargetURL,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			"X-Worker-Secret": c.cfg.WorkerSecret,
		},
		Body: base64.StdEncoding.EncodeToString(body),
	}
	if c.cfg.ServiceAccount != "" {
		req.OidcToken = &cloudtasks.OidcToken{
			ServiceAccountEmail: c.cfg.ServiceAccount,
			Audience:            c.cfg.TargetURL,
		}
	}

	return &cloudtasks.Task{
		Name:         c.taskName(name),
		ScheduleTime: RunAt(runAt).Format(time.RFC3339),
		HttpRequest:  req,
	}, nil
}

// Arm creates the named task. A conflict counts as armed only when a live task with
// the same schedule time already holds the name; names of deleted tasks cannot be
// reused.
func (c *CloudTasks) Arm(ctx context.Context, name string, runAt time.Time, payload Payload) error {
	task, err := c.buildTask(name, runAt, payload)
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error {
			_, err := c.service.Projects.Locations.Queues.Tasks.
				Create(c.cfg.Queue, &cloudtasks.CreateTaskRequest{Task: task}).
				Context(ctx).Do()
			if err == nil {
				return nil
			}
			if apiCode(err) != http.StatusConflict {
				return classify(err)
			}
			return c.verifyExisting(ctx, task)
		},
		c.retryOptions(ctx, "create", name)...,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	c.logger.Info("Trigger armed", "name", name, "run_at", task.ScheduleTime, "group_id", payload.GroupID)
	return nil
}

// verifyExisting checks that the task holding a conflicting name is live and fires at
// the wanted time.
func (c *CloudTasks) verifyExisting(ctx context.Context, want *cloudtasks.Task) error {
	got, err := c.service.Projects.Locations.Queues.Tasks.Get(want.Name).Context(ctx).Do()
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return retry.Unrecoverable(fmt.Errorf("task name %s belongs to a deleted task", want.Name))
		}
		return classify(err)
	}
	gotAt, err := time.Parse(time.RFC3339Nano, got.ScheduleTime)
	wantAt, _ := time.Parse(time.RFC3339, want.ScheduleTime) //nolint:errcheck // built by buildTask
	if err != nil || !gotAt.Equal(wantAt) {
		return retry.Unrecoverable(fmt.Errorf("task %s already exists for %s", want.Name, got.ScheduleTime))
	}
	return nil
}

// Disarm deletes the named task. A task that is already gone is not an error.
func (c *CloudTasks) Disarm(ctx context.Context, name string) error {
	err := retry.Do(
		func() error {
			_, err := c.service.Projects.Locations.Queues.Tasks.Delete(c.taskName(name)).Context(ctx).Do()
			if err != nil && apiCode(err) != http.StatusNotFound {
				return classify(err)
			}
			return nil
		},
		c.retryOptions(ctx, "delete", name)...,
	)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	c.logger.Info("Trigger disarmed", "name", name)
	return nil
}
