package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"blog-notifier/content"
	"blog-notifier/email"
	"blog-notifier/pkg/blog"
	"blog-notifier/queue"
	"blog-notifier/storage"
	"blog-notifier/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDirectory serves a fixed recipient list and remembers deliveries.
type fakeDirectory struct {
	mu       sync.Mutex
	subs     map[string]*blog.Subscriber
	notified map[string]int
}

func newFakeDirectory(n int) *fakeDirectory {
	d := &fakeDirectory{subs: map[string]*blog.Subscriber{}, notified: map[string]int{}}
	for i := range n {
		hash := fmt.Sprintf("hash-%02d", i)
		d.subs[hash] = &blog.Subscriber{
			EmailHash: hash,
			Email:     fmt.Sprintf("reader%02d@example.com", i),
			Status:    blog.SubscriberSubscribed,
			Topics:    []string{blog.DefaultTopic},
		}
	}
	return d
}

func (d *fakeDirectory) ListRecipients(_ context.Context, topic string) ([]*blog.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*blog.Subscriber
	for _, s := range d.subs {
		if s.Status == blog.SubscriberSubscribed && s.HasTopic(topic) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Get(_ context.Context, hash string) (*blog.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[hash]
	if !ok {
		return nil, storage.ErrNotExist
	}
	c := *s
	return &c, nil
}

func (d *fakeDirectory) TouchLastNotified(_ context.Context, hash string, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified[hash]++
	return nil
}

// fakeQueue accepts jobs unless fail says otherwise.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []blog.Job
	fail func(job *blog.Job) bool
}

func (q *fakeQueue) SendBatch(_ context.Context, jobs []blog.Job) (queue.BatchResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(jobs) > queue.MaxBatch {
		return queue.BatchResult{}, fmt.Errorf("batch of %d exceeds limit", len(jobs))
	}
	var res queue.BatchResult
	for i := range jobs {
		if q.fail != nil && q.fail(&jobs[i]) {
			res.Failed = append(res.Failed, queue.Failure{JobID: jobs[i].ID, Err: errors.New("throttled")})
			continue
		}
		q.jobs = append(q.jobs, jobs[i])
		res.Succeeded = append(res.Succeeded, jobs[i].ID)
	}
	return res, nil
}

type fixture struct {
	content  *content.Store
	tokens   *token.Store
	dir      *fakeDirectory
	provider *email.MockProvider
	consumer *Consumer
}

func newFixture(t *testing.T, recipients int) *fixture {
	t.Helper()
	logger := testLogger()
	objects := storage.New(nil, "", t.TempDir(), logger)
	f := &fixture{
		content:  content.NewStore(objects, logger),
		tokens:   token.New(objects, logger),
		dir:      newFakeDirectory(recipients),
		provider: email.NewMockProvider(logger),
	}
	sender := email.New(f.provider, logger, "https://blog.example.com", "Example")
	f.consumer = NewConsumer(f.tokens, sender, f.dir, nil, time.Second, logger)
	return f
}

func (f *fixture) writePost(t *testing.T, groupID, body string) {
	t.Helper()
	ctx := context.Background()
	err := f.content.UpdateMetadata(ctx, groupID, func(m *blog.Metadata) {
		m.Title = "Hello World"
		m.Status = blog.StatusPublished
		m.Tags = []string{"go"}
	})
	if err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if body == "" {
		return
	}
	if err := f.content.PutRecord(ctx, &blog.Record{ID: groupID + "#body", GroupID: groupID, Kind: blog.KindBody, Body: body}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
}

func (f *fixture) notifier(q Queue) *Notifier {
	cfg := &Config{
		Content:     f.content,
		Guard:       content.NewGuard(5*time.Millisecond, 10*time.Millisecond, testLogger()),
		Recipients:  f.dir,
		Markers:     f.tokens,
		Consumer:    f.consumer,
		Logger:      testLogger(),
		SiteURL:     "https://blog.example.com/",
		ResolveWait: 30 * time.Millisecond,
	}
	if q != nil {
		cfg.Queue = q
	}
	return New(cfg)
}

func TestSendNotificationQueuedIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	f.writePost(t, "post-1", "<p>Body text</p>")
	q := &fakeQueue{}
	n := f.notifier(q)
	ctx := context.Background()

	res, err := n.SendNotification(ctx, "post-1", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Delivery != blog.DeliveryQueued || res.Attempted != 3 || res.Succeeded != 3 || res.Failed != 0 || res.Skipped {
		t.Errorf("first send = %+v, want 3 queued", res)
	}
	for _, j := range q.jobs {
		if j.PostURL != "https://blog.example.com/blog/post-1" {
			t.Errorf("PostURL = %q", j.PostURL)
		}
		if j.Topic != blog.DefaultTopic {
			t.Errorf("Topic = %q, want default", j.Topic)
		}
		if j.ReadTimeMinutes == nil || *j.ReadTimeMinutes != 1 {
			t.Errorf("ReadTimeMinutes = %v, want 1", j.ReadTimeMinutes)
		}
		if j.Summary != "Body text" {
			t.Errorf("Summary = %q, want derived from body", j.Summary)
		}
	}

	res, err = n.SendNotification(ctx, "post-1", blog.DefaultTopic, false)
	if err != nil {
		t.Fatalf("second SendNotification() error = %v", err)
	}
	if !res.Skipped || res.Delivery != blog.DeliveryQueued {
		t.Errorf("second send = %+v, want skipped", res)
	}
	if len(q.jobs) != 3 {
		t.Errorf("queued %d jobs, want 3", len(q.jobs))
	}

	// Force bypasses the marker.
	res, err = n.SendNotification(ctx, "post-1", "", true)
	if err != nil {
		t.Fatalf("forced SendNotification() error = %v", err)
	}
	if res.Skipped || res.Succeeded != 3 {
		t.Errorf("forced send = %+v, want 3 queued", res)
	}

	records, err := f.content.GetGroup(ctx, "post-1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	post, _ := blog.PostFromRecords("post-1", records)
	if post.Metadata.EmailNotificationSentAt == nil {
		t.Error("breadcrumb not written")
	}
	if post.Metadata.Delivery != blog.DeliveryQueued {
		t.Errorf("breadcrumb delivery = %q", post.Metadata.Delivery)
	}
	if post.Metadata.RecipientCount == nil || *post.Metadata.RecipientCount != 3 {
		t.Errorf("breadcrumb recipient count = %v, want 3", post.Metadata.RecipientCount)
	}
}

func TestSendNotificationPartialEnqueue(t *testing.T) {
	f := newFixture(t, 10)
	f.writePost(t, "post-2", "<p>Body</p>")
	failing := map[string]bool{"hash-03": true, "hash-07": true}
	q := &fakeQueue{fail: func(j *blog.Job) bool { return failing[j.EmailHash] }}
	n := f.notifier(q)
	ctx := context.Background()

	res, err := n.SendNotification(ctx, "post-2", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Attempted != 10 || res.Succeeded != 8 || res.Failed != 2 {
		t.Errorf("result = %+v, want 8 of 10", res)
	}
	marker, err := f.tokens.Marker(ctx, blog.DefaultTopic, "post-2")
	if err != nil {
		t.Fatalf("Marker() error = %v", err)
	}
	if marker != nil {
		t.Fatal("marker written after partial failure")
	}

	// The retry repeats the whole fan-out.
	q.fail = nil
	res, err = n.SendNotification(ctx, "post-2", "", false)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if res.Skipped || res.Attempted != 10 || res.Succeeded != 10 {
		t.Errorf("retry = %+v, want all 10", res)
	}
	marker, err = f.tokens.Marker(ctx, blog.DefaultTopic, "post-2")
	if err != nil || marker == nil {
		t.Fatalf("Marker() = %v, %v; want present", marker, err)
	}
	if marker.RecipientCount != 10 || marker.Delivery != blog.DeliveryQueued {
		t.Errorf("marker = %+v", marker)
	}
}

func TestSendNotificationDirect(t *testing.T) {
	f := newFixture(t, 4)
	f.writePost(t, "post-3", "<p>"+strings.Repeat("word ", 450)+"</p>")
	n := f.notifier(nil)
	ctx := context.Background()

	f.provider.FailWith(func(to string) error {
		if to == "reader01@example.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	})
	res, err := n.SendNotification(ctx, "post-3", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Delivery != blog.DeliveryDirect || res.Succeeded != 3 || res.Failed != 1 {
		t.Errorf("result = %+v, want 3 sent 1 failed", res)
	}
	if marker, _ := f.tokens.Marker(ctx, blog.DefaultTopic, "post-3"); marker != nil {
		t.Error("marker written despite a failed send")
	}

	f.provider.FailWith(nil)
	res, err = n.SendNotification(ctx, "post-3", "", false)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if res.Failed != 0 || res.Succeeded != 4 {
		t.Errorf("retry = %+v, want 4 sent", res)
	}

	sent := f.provider.Sent()
	if len(sent) != 7 {
		t.Fatalf("provider saw %d messages, want 7", len(sent))
	}
	for _, m := range sent {
		if m.Subject != "Hello World" {
			t.Errorf("subject = %q", m.Subject)
		}
		if !strings.Contains(m.HTML, "3 min read") {
			t.Error("email missing derived read time")
		}
		if !strings.Contains(m.HTML, "/unsubscribe?token=") {
			t.Error("email missing unsubscribe link")
		}
	}
	if f.dir.notified["hash-00"] != 2 {
		t.Errorf("hash-00 notified %d times, want 2", f.dir.notified["hash-00"])
	}

	res, err = n.SendNotification(ctx, "post-3", "", false)
	if err != nil || !res.Skipped || res.Delivery != blog.DeliveryDirect {
		t.Errorf("third send = %+v, %v; want skipped direct", res, err)
	}
}

// staleDirectory lists every known subscriber, as a snapshot taken before some left.
type staleDirectory struct {
	*fakeDirectory
}

func (d staleDirectory) ListRecipients(_ context.Context, _ string) ([]*blog.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*blog.Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		c := *s
		c.Status = blog.SubscriberSubscribed
		out = append(out, &c)
	}
	return out, nil
}

func TestSendNotificationDirectSuppressed(t *testing.T) {
	f := newFixture(t, 3)
	f.writePost(t, "post-7", "<p>Body</p>")
	f.dir.subs["hash-01"].Status = blog.SubscriberBounced
	n := New(&Config{
		Content:     f.content,
		Recipients:  staleDirectory{f.dir},
		Markers:     f.tokens,
		Consumer:    f.consumer,
		Logger:      testLogger(),
		SiteURL:     "https://blog.example.com/",
		ResolveWait: 10 * time.Millisecond,
	})
	ctx := context.Background()

	res, err := n.SendNotification(ctx, "post-7", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Attempted != 3 || res.Succeeded != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 sent 0 failed", res)
	}
	if marker, _ := f.tokens.Marker(ctx, blog.DefaultTopic, "post-7"); marker == nil {
		t.Error("marker withheld because of a suppressed recipient")
	}
	for _, m := range f.provider.Sent() {
		if m.To == "reader01@example.com" {
			t.Error("bounced recipient was emailed")
		}
	}
}

func TestSendNotificationErrors(t *testing.T) {
	f := newFixture(t, 1)
	f.writePost(t, "no-body", "")
	ctx := context.Background()

	tests := []struct {
		name    string
		n       *Notifier
		groupID string
		want    error
	}{
		{"invalid id", f.notifier(&fakeQueue{}), "../etc", blog.ErrValidation},
		{"missing body", f.notifier(&fakeQueue{}), "no-body", blog.ErrNotFound},
		{"unknown post", f.notifier(&fakeQueue{}), "never-written", blog.ErrNotFound},
		{"no delivery path", New(&Config{Content: f.content, Recipients: f.dir, Markers: f.tokens, Logger: testLogger()}), "no-body", blog.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.n.SendNotification(ctx, tt.groupID, "", false)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSendNotificationAllowList(t *testing.T) {
	f := newFixture(t, 5)
	f.writePost(t, "post-4", "<p>Body</p>")
	q := &fakeQueue{}
	n := New(&Config{
		Content:     f.content,
		Recipients:  f.dir,
		Markers:     f.tokens,
		Queue:       q,
		Logger:      testLogger(),
		AllowList:   []string{"Reader02@Example.com"},
		ResolveWait: 10 * time.Millisecond,
	})

	res, err := n.SendNotification(context.Background(), "post-4", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Attempted != 1 || len(q.jobs) != 1 || q.jobs[0].RecipientEmail != "reader02@example.com" {
		t.Errorf("result = %+v jobs = %d, want only the allowed address", res, len(q.jobs))
	}
}

func TestSendNotificationZeroRecipients(t *testing.T) {
	f := newFixture(t, 0)
	f.writePost(t, "post-5", "<p>Body</p>")
	n := f.notifier(&fakeQueue{})
	ctx := context.Background()

	res, err := n.SendNotification(ctx, "post-5", "", false)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if res.Attempted != 0 || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	if marker, _ := f.tokens.Marker(ctx, blog.DefaultTopic, "post-5"); marker == nil {
		t.Error("marker should be written for an empty fan-out")
	}
}

func TestHandleBatch(t *testing.T) {
	f := newFixture(t, 3)
	f.dir.subs["hash-01"].Status = blog.SubscriberUnsubscribed
	f.provider.FailWith(func(to string) error {
		if to == "reader02@example.com" {
			return errors.New("rejected")
		}
		return nil
	})

	var msgs []queue.Message
	for i := range 3 {
		msgs = append(msgs, queue.Message{
			ID: fmt.Sprintf("1-%d", i),
			Job: blog.Job{
				ID:             fmt.Sprintf("job-%d", i),
				GroupID:        "post-6",
				Topic:          blog.DefaultTopic,
				EmailHash:      fmt.Sprintf("hash-%02d", i),
				RecipientEmail: fmt.Sprintf("reader%02d@example.com", i),
				Title:          "Queued",
				PostURL:        "https://blog.example.com/blog/post-6",
			},
			Receives: 1,
		})
	}

	failed := f.consumer.HandleBatch(context.Background(), msgs)
	if len(failed) != 1 || failed[0] != "1-2" {
		t.Errorf("failed = %v, want [1-2]", failed)
	}
	sent := f.provider.Sent()
	if len(sent) != 1 || sent[0].To != "reader00@example.com" {
		t.Errorf("sent = %+v, want only reader00", sent)
	}
	if f.dir.notified["hash-01"] != 0 {
		t.Error("unsubscribed recipient was notified")
	}
}

func TestTextHelpers(t *testing.T) {
	text := plainText(`<h1>Title</h1><p>First <b>bold</b> para.</p><script>var x = 1;</script><p>Second</p>`)
	if text != "Title First bold para. Second" {
		t.Errorf("plainText() = %q", text)
	}

	tests := []struct {
		words int
		want  int
	}{
		{0, 1},
		{1, 1},
		{200, 1},
		{201, 2},
		{1000, 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d words", tt.words), func(t *testing.T) {
			if got := readTimeMinutes(strings.Repeat("w ", tt.words)); got != tt.want {
				t.Errorf("readTimeMinutes() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := summarize("short"); got != "short" {
		t.Errorf("summarize(short) = %q", got)
	}
	long := summarize(strings.Repeat("abcdefghi ", 50))
	if !strings.HasSuffix(long, "…") || len([]rune(long)) > summaryLength+1 {
		t.Errorf("summarize(long) = %q", long)
	}

	// The only space sits before the rune midpoint but past the byte midpoint.
	accented := strings.Repeat("é", 100) + " " + strings.Repeat("ü", 300)
	got := []rune(summarize(accented))
	if len(got) != summaryLength+1 || got[len(got)-1] != '…' {
		t.Errorf("summarize(accented) kept %d runes, want %d", len(got), summaryLength+1)
	}
	words := summarize(strings.Repeat("café crème ", 40))
	if !strings.HasSuffix(words, "…") || strings.Contains(words, " …") || !strings.HasPrefix(words, "café crème") {
		t.Errorf("summarize(words) = %q", words)
	}
}
