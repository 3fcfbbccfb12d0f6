package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"blog-notifier/pkg/blog"
)

var populated = []blog.Record{
	{ID: blog.MetaRecordID("p1"), GroupID: "p1", Kind: blog.KindMeta, Metadata: &blog.Metadata{Title: "T"}},
	{ID: "p1#body", GroupID: "p1", Kind: blog.KindBody, Body: "<p>body</p>"},
}

func TestGuardResolvesAfterLag(t *testing.T) {
	acc := &fakeAccessor{records: populated, emptyPolls: 3}
	g := NewGuard(10*time.Millisecond, 50*time.Millisecond, testLogger())

	start := time.Now()
	records, err := g.Resolve(context.Background(), acc, "p1", 5*time.Second, true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(records) != len(populated) {
		t.Fatalf("Resolve() = %d records, want %d", len(records), len(populated))
	}
	if acc.Calls() != 4 {
		t.Errorf("polls = %d, want 4", acc.Calls())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Resolve() took %v, longer than its deadline", elapsed)
	}
}

func TestGuardReturnsLastObservationOnTimeout(t *testing.T) {
	acc := &fakeAccessor{emptyPolls: 1 << 30}
	g := NewGuard(10*time.Millisecond, 40*time.Millisecond, testLogger())

	start := time.Now()
	records, err := g.Resolve(context.Background(), acc, "p1", 200*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil on timeout", err)
	}
	if len(records) != 0 {
		t.Errorf("Resolve() = %d records, want empty", len(records))
	}
	if acc.Calls() < 2 {
		t.Errorf("polls = %d, want at least 2", acc.Calls())
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Resolve() returned after %v, want close to the 200ms deadline", elapsed)
	}
}

func TestGuardRequireBody(t *testing.T) {
	metaOnly := []blog.Record{populated[0]}
	acc := &fakeAccessor{records: metaOnly}
	g := NewGuard(10*time.Millisecond, 20*time.Millisecond, testLogger())

	records, err := g.Resolve(context.Background(), acc, "p1", 100*time.Millisecond, true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if blog.HasBody(records) {
		t.Error("records unexpectedly have a body")
	}
	if acc.Calls() < 2 {
		t.Errorf("metadata-only group should be polled again, polls = %d", acc.Calls())
	}

	acc = &fakeAccessor{records: metaOnly}
	if _, err := g.Resolve(context.Background(), acc, "p1", 100*time.Millisecond, false); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if acc.Calls() != 1 {
		t.Errorf("without requireBody a non-empty group is enough, polls = %d", acc.Calls())
	}
}

func TestGuardTransientErrors(t *testing.T) {
	acc := &fakeAccessor{records: populated, failPolls: 2, err: ErrUnavailable}
	g := NewGuard(10*time.Millisecond, 20*time.Millisecond, testLogger())

	records, err := g.Resolve(context.Background(), acc, "p1", time.Second, true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Resolve() = %d records, want 2", len(records))
	}

	acc = &fakeAccessor{failPolls: 1 << 30, err: ErrUnavailable}
	if _, err := g.Resolve(context.Background(), acc, "p1", 100*time.Millisecond, true); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Resolve() error = %v, want unavailable when nothing was ever read", err)
	}
}

// stalledAccessor blocks every read until its context ends.
type stalledAccessor struct {
	fakeAccessor
}

func (s *stalledAccessor) GetGroup(ctx context.Context, _ string) ([]blog.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuardDeadlineBoundsSlowReads(t *testing.T) {
	g := NewGuard(10*time.Millisecond, 20*time.Millisecond, testLogger())

	start := time.Now()
	_, err := g.Resolve(context.Background(), &stalledAccessor{}, "p1", 100*time.Millisecond, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("a stalled read held Resolve() for %v past its 100ms deadline", elapsed)
	}
}
