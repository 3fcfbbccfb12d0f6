package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/publish"
	"blog-notifier/queue"
	"blog-notifier/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	groupID string
	notify  bool
	topic   string
}

type fakePublisher struct {
	calls []call
	errs  map[string]error
	fail  map[string]int // Failed notification count per post
}

func (f *fakePublisher) PublishNow(_ context.Context, groupID string, notify bool, topic string) (publish.PublishResult, error) {
	f.calls = append(f.calls, call{groupID, notify, topic})
	if err := f.errs[groupID]; err != nil {
		return publish.PublishResult{}, err
	}
	res := publish.PublishResult{GroupID: groupID}
	if notify {
		res.Notification = &blog.SendResult{Attempted: 4, Failed: f.fail[groupID], Succeeded: 4 - f.fail[groupID]}
	}
	return res, nil
}

type fakeDispatcher struct {
	drains int
	res    queue.DrainResult
	err    error
}

func (f *fakeDispatcher) Drain(_ context.Context, _ queue.Handler) (queue.DrainResult, error) {
	f.drains++
	return f.res, f.err
}

func noopHandler(context.Context, []queue.Message) []string { return nil }

func payload(groupID string) scheduler.Payload {
	return scheduler.Payload{Kind: scheduler.KindPublishBlogPost, GroupID: groupID, Topic: blog.DefaultTopic, Notify: true}
}

func TestCheckAllFiresDueTriggers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mem := scheduler.NewMemory(testLogger())
	pub := &fakePublisher{}
	disp := &fakeDispatcher{}

	if err := mem.Arm(ctx, "due", now.Add(-time.Minute), payload("p1")); err != nil {
		t.Fatal(err)
	}
	if err := mem.Arm(ctx, "later", now.Add(time.Hour), payload("p2")); err != nil {
		t.Fatal(err)
	}

	m := New(mem, pub, disp, noopHandler, testLogger())
	m.now = func() time.Time { return now }

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(pub.calls) != 1 || pub.calls[0] != (call{"p1", true, blog.DefaultTopic}) {
		t.Errorf("PublishNow calls = %+v", pub.calls)
	}
	if disp.drains != 1 {
		t.Errorf("Drain called %d times, want 1", disp.drains)
	}
	if armed := mem.Armed(); len(armed) != 1 || armed[0].Name != "later" {
		t.Errorf("Armed() = %+v", armed)
	}
	if !m.lastWork.Equal(now) {
		t.Errorf("lastWork = %v, want %v", m.lastWork, now)
	}

	// A second round at the same instant has nothing left to fire.
	if err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 {
		t.Errorf("trigger fired twice: %+v", pub.calls)
	}
}

func TestCheckAllRetriesFailedTriggers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		pub       *fakePublisher
		wantErr   string
		wantRearm bool
	}{
		{
			name:      "storage failure",
			pub:       &fakePublisher{errs: map[string]error{"p1": errors.New("bucket unavailable")}},
			wantErr:   "bucket unavailable",
			wantRearm: true,
		},
		{
			name:      "partial notification",
			pub:       &fakePublisher{fail: map[string]int{"p1": 1}},
			wantErr:   "1 of 4 notifications failed",
			wantRearm: true,
		},
		{
			name: "missing post",
			pub:  &fakePublisher{errs: map[string]error{"p1": blog.ErrNotFound}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := scheduler.NewMemory(testLogger())
			if err := mem.Arm(ctx, "t1", now, payload("p1")); err != nil {
				t.Fatal(err)
			}
			m := New(mem, tt.pub, nil, nil, testLogger())
			m.now = func() time.Time { return now }

			err := m.CheckAll(ctx)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("CheckAll() error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("CheckAll() error = %v, want %q", err, tt.wantErr)
			}

			armed := mem.Armed()
			if !tt.wantRearm {
				if len(armed) != 0 {
					t.Errorf("Armed() = %+v, want none", armed)
				}
				return
			}
			if len(armed) != 1 || armed[0].Name != "t1" || !armed[0].RunAt.Equal(now.Add(retryDelay)) {
				t.Errorf("Armed() = %+v, want t1 at %v", armed, now.Add(retryDelay))
			}
		})
	}
}

func TestCheckAllDrainError(t *testing.T) {
	mem := scheduler.NewMemory(testLogger())
	disp := &fakeDispatcher{err: errors.New("redis down")}
	m := New(mem, &fakePublisher{}, disp, noopHandler, testLogger())

	err := m.CheckAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "drain queue") {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if !m.lastWork.IsZero() {
		t.Error("a failed empty drain should not count as work")
	}
}

func TestCheckAllDrainCountsAsWork(t *testing.T) {
	disp := &fakeDispatcher{res: queue.DrainResult{Received: 3, Acked: 3}}
	m := New(scheduler.NewMemory(testLogger()), &fakePublisher{}, disp, noopHandler, testLogger())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.lastWork.Equal(now) {
		t.Errorf("lastWork = %v, want %v", m.lastWork, now)
	}
}

func TestCalculateInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		lastWork time.Time
		want     time.Duration
	}{
		{"never worked", time.Time{}, 15 * time.Second},
		{"just now", now, 2 * time.Second},
		{"30 seconds ago", now.Add(-30 * time.Second), 2 * time.Second},
		{"5 minutes ago", now.Add(-5 * time.Minute), 5 * time.Second},
		{"an hour ago", now.Add(-time.Hour), 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateInterval(tt.lastWork, now); got != tt.want {
				t.Errorf("calculateInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	disp := &fakeDispatcher{}
	m := New(scheduler.NewMemory(testLogger()), &fakePublisher{}, disp, noopHandler, testLogger())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
