//go:build e2e

package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"blog-notifier/pkg/blog"

	"github.com/redis/go-redis/v9"
)

func newE2EQueue(t *testing.T, cfg Config) (*Redis, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(client, cfg, logger), client
}

func TestSendBatchDedup(t *testing.T) {
	q, client := newE2EQueue(t, Config{})
	ctx := context.Background()

	res, err := q.SendBatch(ctx, jobs(23))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Succeeded) != 23 || len(res.Failed) != 0 {
		t.Fatalf("first send = %d ok, %d failed", len(res.Succeeded), len(res.Failed))
	}

	res, err = q.SendBatch(ctx, jobs(23))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Succeeded) != 23 {
		t.Errorf("re-enqueue should report success, got %d", len(res.Succeeded))
	}
	if n := client.XLen(ctx, q.cfg.Stream).Val(); n != 23 {
		t.Errorf("stream length = %d, want 23 after duplicate enqueue", n)
	}
}

func TestDrainAcksAndRedrives(t *testing.T) {
	q, client := newE2EQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond, MaxReceives: 2, BatchSize: 10})
	ctx := context.Background()

	if _, err := q.SendBatch(ctx, jobs(3)); err != nil {
		t.Fatal(err)
	}

	// Fail the job for h0 every time.
	handler := func(_ context.Context, msgs []Message) []string {
		var failed []string
		for _, m := range msgs {
			if m.Job.EmailHash == "h0" {
				failed = append(failed, m.ID)
			}
		}
		return failed
	}

	res, err := q.Drain(ctx, handler)
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 3 || res.Acked != 2 || res.Failed != 1 {
		t.Fatalf("first drain = %+v", res)
	}

	time.Sleep(100 * time.Millisecond)
	res, err = q.Drain(ctx, handler)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reclaimed != 1 || res.Failed != 1 {
		t.Fatalf("second drain = %+v", res)
	}

	time.Sleep(100 * time.Millisecond)
	res, err = q.Drain(ctx, handler)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLettered != 1 {
		t.Fatalf("third drain = %+v, want the failing job dead-lettered", res)
	}
	if n := client.XLen(ctx, q.cfg.DeadLetterStream).Val(); n != 1 {
		t.Errorf("dead-letter stream length = %d", n)
	}

	pending, err := client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0", pending.Count)
	}
}

func TestDrainDeadLettersMalformed(t *testing.T) {
	q, client := newE2EQueue(t, Config{})
	ctx := context.Background()

	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.Stream, Values: map[string]any{"job": "{broken"}}).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.SendBatch(ctx, []blog.Job{{GroupID: "p1", Topic: "t", EmailHash: "h", RecipientEmail: "a@example.com"}}); err != nil {
		t.Fatal(err)
	}

	calls := 0
	res, err := q.Drain(ctx, func(_ context.Context, msgs []Message) []string {
		calls += len(msgs)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLettered != 1 || res.Acked != 1 || calls != 1 {
		t.Errorf("drain = %+v, handler saw %d", res, calls)
	}
}
