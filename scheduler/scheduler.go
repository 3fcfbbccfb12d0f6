// Package scheduler arms and disarms one-shot, named, future-time triggers that call
// back into the worker publish endpoint.
package scheduler

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// KindPublishBlogPost is the only payload kind the worker accepts.
const KindPublishBlogPost = "publish_blog_post"

// Payload is the fixed body delivered to the worker endpoint when a trigger fires.
type Payload struct {
	Kind    string `json:"kind"`
	GroupID string `json:"groupId"`
	Topic   string `json:"topic"`
	Notify  bool   `json:"notify"`
}

// Bridge creates and deletes one-shot triggers.
type Bridge interface {
	Arm(ctx context.Context, name string, runAt time.Time, payload Payload) error
	Disarm(ctx context.Context, name string) error
}

// Name derives a trigger name from a post and the moment it is armed. The hash keeps
// names apart across posts; the random suffix keeps two arms within the same second
// apart, since Cloud Tasks refuses to reuse the name of a deleted task.
func Name(groupID string, now time.Time) string {
	h := sha256.Sum256([]byte(groupID))
	var suffix [4]byte
	_, _ = rand.Read(suffix[:]) //nolint:errcheck // crypto/rand.Read never fails
	return "blog-" + hex.EncodeToString(h[:])[:12] + "-" + strconv.FormatInt(now.Unix(), 10) + "-" + hex.EncodeToString(suffix[:])
}

// RunAt normalizes a trigger time to whole seconds in UTC.
func RunAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Armed is a trigger held by Memory.
type Armed struct {
	RunAt   time.Time
	Name    string
	Payload Payload
}

// Memory is an in-process Bridge for local development. Triggers fire only when a
// caller collects them with Due.
type Memory struct {
	logger   *slog.Logger
	armed    map[string]Armed
	disarmed []string
	mu       sync.Mutex
}

// NewMemory creates an in-process bridge.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{logger: logger, armed: make(map[string]Armed)}
}

// Arm records a trigger.
func (m *Memory) Arm(_ context.Context, name string, runAt time.Time, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[name] = Armed{Name: name, RunAt: RunAt(runAt), Payload: payload}
	m.logger.Info("Trigger armed (local)", "name", name, "run_at", RunAt(runAt), "group_id", payload.GroupID)
	return nil
}

// Disarm forgets a trigger. Unknown names are not an error.
func (m *Memory) Disarm(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, name)
	m.disarmed = append(m.disarmed, name)
	m.logger.Info("Trigger disarmed (local)", "name", name)
	return nil
}

// Armed returns the currently armed triggers ordered by name.
func (m *Memory) Armed() []Armed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Armed, 0, len(m.armed))
	for _, a := range m.armed {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Due removes and returns the triggers whose run time is at or before now, earliest
// first.
func (m *Memory) Due(now time.Time) []Armed {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Armed
	for name, a := range m.armed {
		if !a.RunAt.After(now) {
			out = append(out, a)
			delete(m.armed, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// Disarmed returns every name Disarm was called with, in order.
func (m *Memory) Disarmed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disarmed...)
}
