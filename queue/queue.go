// Package queue implements the notification dispatch queue on Redis Streams: batched,
// deduplicated enqueue and an at-least-once consumer with redrive and dead-lettering.
package queue

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"blog-notifier/pkg/blog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/enqueue.lua
var enqueueScript string

var enqueue = redis.NewScript(enqueueScript)

// MaxBatch is the largest number of jobs sent in one underlying call.
const MaxBatch = 10

// Config describes the streams and consumer behaviour.
type Config struct {
	Stream            string
	Group             string
	Consumer          string
	DeadLetterStream  string
	DedupWindow       time.Duration // Identical jobs enqueued within this window collapse
	VisibilityTimeout time.Duration // Unacked messages become reclaimable after this
	BlockTimeout      time.Duration // How long a drain waits for new messages; zero does not wait
	MaxReceives       int64         // Deliveries before a message is dead-lettered
	BatchSize         int64
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "blog:notify"
	}
	if c.Group == "" {
		c.Group = "notifier"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = c.Stream + ":dlq"
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.MaxReceives <= 0 {
		c.MaxReceives = 5
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatch {
		c.BatchSize = MaxBatch
	}
}

// Message is one received job.
type Message struct {
	ID       string // Stream entry ID
	Job      blog.Job
	Receives int64
}

// Failure is a job that could not be enqueued.
type Failure struct {
	Err   error
	JobID string
}

// BatchResult reports per-job enqueue outcomes. Deduplicated jobs count as succeeded.
type BatchResult struct {
	Succeeded []string
	Failed    []Failure
}

// Handler processes a batch and returns the IDs of messages that must be retried.
type Handler func(ctx context.Context, msgs []Message) []string

// DrainResult summarizes one consumer invocation.
type DrainResult struct {
	Received     int `json:"received"`
	Reclaimed    int `json:"reclaimed"`
	Acked        int `json:"acked"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Redis is a dispatch queue backed by a Redis stream and consumer group.
type Redis struct {
	client redis.Cmdable
	logger *slog.Logger
	cfg    Config
}

// New creates a queue. The consumer group is created lazily on first drain.
func New(client redis.Cmdable, cfg Config, logger *slog.Logger) *Redis {
	cfg.setDefaults()
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// GroupKey is the per-post ordering key carried with each message.
func GroupKey(groupID string) string {
	h := sha256.Sum256([]byte(groupID))
	return hex.EncodeToString(h[:])[:16]
}

// DedupKey is the content hash that collapses identical re-enqueues.
func DedupKey(job *blog.Job) string {
	h := sha256.Sum256([]byte(strings.Join([]string{"blog_notify", job.GroupID, job.EmailHash, job.Topic}, "|")))
	return hex.EncodeToString(h[:])
}

// Chunk splits jobs into groups of at most size.
func Chunk(jobs []blog.Job, size int) [][]blog.Job {
	if size <= 0 {
		size = MaxBatch
	}
	var out [][]blog.Job
	for len(jobs) > size {
		out = append(out, jobs[:size:size])
		jobs = jobs[size:]
	}
	if len(jobs) > 0 {
		out = append(out, jobs)
	}
	return out
}

// SendBatch enqueues jobs in pipelined calls of at most MaxBatch. Jobs without an ID
// get one. A transport failure is reported per job, not as an error.
func (q *Redis) SendBatch(ctx context.Context, jobs []blog.Job) (BatchResult, error) {
	var res BatchResult
	for _, chunk := range Chunk(jobs, MaxBatch) {
		q.sendChunk(ctx, chunk, &res)
	}
	return res, nil
}

func (q *Redis) sendChunk(ctx context.Context, jobs []blog.Job, res *BatchResult) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.Cmd, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		data, err := json.Marshal(job)
		if err != nil {
			res.Failed = append(res.Failed, Failure{JobID: job.ID, Err: fmt.Errorf("marshal job: %w", err)})
			continue
		}
		cmds[i] = enqueue.Eval(ctx, pipe,
			[]string{"blogq:dedup:" + DedupKey(job), q.cfg.Stream},
			q.cfg.DedupWindow.Milliseconds(), string(data), job.ID, GroupKey(job.GroupID))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		q.logger.Warn("Enqueue pipeline reported an error", "jobs", len(jobs), "error", err)
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		id := jobs[i].ID
		switch _, err := cmd.Result(); {
		case err == nil:
			res.Succeeded = append(res.Succeeded, id)
		case errors.Is(err, redis.Nil):
			q.logger.Debug("Duplicate job collapsed", "job_id", id, "group_id", jobs[i].GroupID)
			res.Succeeded = append(res.Succeeded, id)
		default:
			res.Failed = append(res.Failed, Failure{JobID: id, Err: err})
		}
	}
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Drain runs one consumer invocation: reclaim messages whose visibility timeout has
// passed, dead-letter those delivered too often, read new messages up to BatchSize,
// run handler and acknowledge every message it did not report as failed.
func (q *Redis) Drain(ctx context.Context, handler Handler) (DrainResult, error) {
	var res DrainResult
	if err := q.ensureGroup(ctx); err != nil {
		return res, err
	}

	reclaimed, err := q.reclaim(ctx)
	if err != nil {
		return res, err
	}
	res.Reclaimed = len(reclaimed)
	entries := reclaimed

	if room := q.cfg.BatchSize - int64(len(entries)); room > 0 {
		fresh, err := q.readNew(ctx, room)
		if err != nil {
			return res, err
		}
		entries = append(entries, fresh...)
	}
	res.Received = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	var msgs []Message
	for _, e := range entries {
		if e.receives > q.cfg.MaxReceives {
			if err := q.deadLetter(ctx, e.msg, "max receives exceeded", e.receives); err != nil {
				return res, err
			}
			res.DeadLettered++
			continue
		}
		msg, err := decode(e.msg)
		if err != nil {
			if err := q.deadLetter(ctx, e.msg, err.Error(), e.receives); err != nil {
				return res, err
			}
			res.DeadLettered++
			continue
		}
		msg.Receives = e.receives
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return res, nil
	}

	failed := make(map[string]bool)
	for _, id := range handler(ctx, msgs) {
		failed[id] = true
	}

	var ack []string
	for _, m := range msgs {
		if !failed[m.ID] {
			ack = append(ack, m.ID)
		}
	}
	res.Failed = len(msgs) - len(ack)
	if len(ack) > 0 {
		if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, ack...).Err(); err != nil {
			return res, fmt.Errorf("ack messages: %w", err)
		}
	}
	res.Acked = len(ack)

	q.logger.Info("Queue drained",
		"received", res.Received,
		"reclaimed", res.Reclaimed,
		"acked", res.Acked,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered)
	return res, nil
}

type entry struct {
	msg      redis.XMessage
	receives int64
}

func (q *Redis) reclaim(ctx context.Context) ([]entry, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	pending := make([]*redis.XPendingExtCmd, len(msgs))
	for i, m := range msgs {
		pending[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.cfg.Stream,
			Group:  q.cfg.Group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read delivery counts: %w", err)
	}

	out := make([]entry, len(msgs))
	for i, m := range msgs {
		out[i] = entry{msg: m, receives: 1}
		if p, err := pending[i].Result(); err == nil && len(p) == 1 {
			out[i].receives = p[0].RetryCount
		}
	}
	return out, nil
}

func (q *Redis) readNew(ctx context.Context, count int64) ([]entry, error) {
	block := time.Duration(-1)
	if q.cfg.BlockTimeout > 0 {
		block = q.cfg.BlockTimeout
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}

	var out []entry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, entry{msg: m, receives: 1})
		}
	}
	return out, nil
}

// decode extracts the job from a stream entry.
func decode(m redis.XMessage) (Message, error) {
	raw, ok := m.Values["job"].(string)
	if !ok {
		return Message{}, errors.New("missing job field")
	}
	var job blog.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Message{}, fmt.Errorf("malformed job: %w", err)
	}
	if job.GroupID == "" || job.RecipientEmail == "" {
		return Message{}, errors.New("job without post or recipient")
	}
	return Message{ID: m.ID, Job: job}, nil
}

// deadLetter copies an entry to the dead-letter stream and acknowledges it.
func (q *Redis) deadLetter(ctx context.Context, m redis.XMessage, reason string, receives int64) error {
	values := map[string]any{
		"source_id": m.ID,
		"reason":    reason,
		"receives":  receives,
	}
	if raw, ok := m.Values["job"].(string); ok {
		values["job"] = raw
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.DeadLetterStream, Values: values})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}

	q.logger.Warn("Message dead-lettered", "id", m.ID, "reason", reason, "receives", receives)
	return nil
}
