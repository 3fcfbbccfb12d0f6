package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

func TestLocalPutGetDelete(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "things/a.json", &doc{Name: "a", Count: 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var got doc
	if err := s.Get(ctx, "things/a.json", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "a" || got.Count != 1 {
		t.Errorf("Get() = %+v, want {a 1}", got)
	}

	if err := s.Delete(ctx, "things/a.json"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Get(ctx, "things/a.json", &got); !IsNotExist(err) {
		t.Errorf("Get() after delete error = %v, want not exist", err)
	}
	if err := s.Delete(ctx, "things/a.json"); !IsNotExist(err) {
		t.Errorf("second Delete() error = %v, want not exist", err)
	}
}

func TestLocalCreateIsExclusive(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "marker.json", &doc{Name: "first"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, "marker.json", &doc{Name: "second"}); !IsPrecondition(err) {
		t.Fatalf("second Create() error = %v, want precondition", err)
	}

	var got doc
	if err := s.Get(ctx, "marker.json", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "first" {
		t.Errorf("Create() overwrote existing object: %+v", got)
	}
}

func TestLocalUpdate(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	var d doc
	err := s.Update(ctx, "missing.json", &d, func() error { return nil })
	if !IsNotExist(err) {
		t.Fatalf("Update() on missing object error = %v, want not exist", err)
	}

	if err := s.Put(ctx, "counter.json", &doc{Name: "c"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for range 3 {
		var d doc
		if err := s.Update(ctx, "counter.json", &d, func() error {
			d.Count++
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	var got doc
	if err := s.Get(ctx, "counter.json", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Count != 3 {
		t.Errorf("Count = %d, want 3", got.Count)
	}

	abort := errors.New("abort")
	if err := s.Update(ctx, "counter.json", &d, func() error { return abort }); !errors.Is(err, abort) {
		t.Errorf("Update() error = %v, want mutate error", err)
	}
}

func TestLocalList(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"content/p1/a.json", "content/p1/b.json", "content/p2/a.json", "subscribers/x.json"} {
		if err := s.Put(ctx, key, &doc{Name: key}); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	keys, err := s.List(ctx, "content/p1/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "content/p1/a.json" || keys[1] != "content/p1/b.json" {
		t.Errorf("List(content/p1/) = %v", keys)
	}

	keys, err = s.List(ctx, "content/missing/")
	if err != nil {
		t.Fatalf("List() on missing prefix error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List(content/missing/) = %v, want empty", keys)
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"subscribers/abc.json", true},
		{"content/p1/p1#meta.json", true},
		{"", false},
		{"/etc/passwd", false},
		{"content/../secret.json", false},
		{"content//a.json", false},
		{`content\a.json`, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := validKey(tt.key); got != tt.want {
				t.Errorf("validKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
