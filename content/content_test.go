package content

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"blog-notifier/pkg/blog"
	"blog-notifier/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := testLogger()
	return NewStore(storage.New(nil, "", t.TempDir(), logger), logger)
}

func TestStoreGroupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records, err := s.GetGroup(ctx, "first-post")
	if err != nil {
		t.Fatalf("GetGroup() on empty store error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("GetGroup() on empty store = %d records, want 0", len(records))
	}

	if err := s.PutRecord(ctx, &blog.Record{ID: "first-post#body", GroupID: "first-post", Kind: blog.KindBody, Body: "<p>Hello</p>"}); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	if err := s.UpdateMetadata(ctx, "first-post", func(m *blog.Metadata) {
		m.Title = "First"
		m.Tags = []string{"go"}
	}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if err := s.UpdateMetadata(ctx, "first-post", func(m *blog.Metadata) {
		m.Status = blog.StatusScheduled
	}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}

	records, err = s.GetGroup(ctx, "first-post")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	post, hasBody := blog.PostFromRecords("first-post", records)
	if !hasBody {
		t.Error("post should have a body")
	}
	if post.Metadata.Title != "First" || post.Metadata.Status != blog.StatusScheduled {
		t.Errorf("metadata not merged: %+v", post.Metadata)
	}
	if len(post.Metadata.Tags) != 1 || post.Metadata.Tags[0] != "go" {
		t.Errorf("tags = %v, want [go]", post.Metadata.Tags)
	}
}

func TestStoreRejectsBadGroupID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../etc", "a/b", "-leading"} {
		if _, err := s.GetGroup(context.Background(), id); !errors.Is(err, blog.ErrValidation) {
			t.Errorf("GetGroup(%q) error = %v, want validation", id, err)
		}
	}
}

// fakeAccessor serves a fixed group after a number of empty reads.
type fakeAccessor struct {
	mu         sync.Mutex
	records    []blog.Record
	emptyPolls int
	failPolls  int
	calls      int
	err        error
}

func (f *fakeAccessor) GetGroup(_ context.Context, _ string) ([]blog.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failPolls {
		return nil, f.err
	}
	if f.calls <= f.failPolls+f.emptyPolls {
		return nil, nil
	}
	return f.records, nil
}

func (f *fakeAccessor) PutRecord(context.Context, *blog.Record) error { return f.err }

func (f *fakeAccessor) UpdateMetadata(context.Context, string, func(*blog.Metadata)) error {
	return f.err
}

func (f *fakeAccessor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFallbackReadsSecondaryOnError(t *testing.T) {
	primary := &fakeAccessor{failPolls: 100, err: ErrUnavailable}
	secondary := &fakeAccessor{records: []blog.Record{{ID: "p#body", GroupID: "p", Kind: blog.KindBody, Body: "x"}}}
	f := NewFallback(primary, secondary, testLogger())

	records, err := f.GetGroup(context.Background(), "p")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("GetGroup() = %d records, want 1 from secondary", len(records))
	}
	if secondary.Calls() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.Calls())
	}

	if err := f.PutRecord(context.Background(), &blog.Record{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("PutRecord() should go to primary, error = %v", err)
	}
}
