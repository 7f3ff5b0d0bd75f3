package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Op string

const (
	OpSend       Op = "send"
	OpRegenerate Op = "regenerate"
	OpEdit       Op = "edit"
)

// Attachment is a Telegram file to be downloaded by the worker.
type Attachment struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ExchangeJob asks a worker to run one exchange for a profile. ConversationID
// pins the job to the conversation that was active at ingress.
type ExchangeJob struct {
	JobID          string       `json:"job_id"`
	Op             Op           `json:"op"`
	ProfileID      string       `json:"profile_id"`
	ChatID         int64        `json:"chat_id"`
	UserID         int64        `json:"user_id"`
	MessageID      int64        `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	Text           string       `json:"text,omitempty"`
	Index          int          `json:"index,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job ExchangeJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue fills in JobID and EnqueuedAt when empty and returns the job as
// stored along with its stream id.
func (q *StreamQueue) Enqueue(ctx context.Context, job ExchangeJob) (ExchangeJob, string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.Op == "" {
		job.Op = OpSend
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return job, "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return job, "", fmt.Errorf("enqueue: %w", err)
	}
	return job, id, nil
}

// Read returns up to count new jobs for this consumer. Entries whose payload
// cannot be decoded are acked and dropped.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	var junk []string
	for _, s := range res {
		for _, m := range s.Messages {
			job, ok := decodeJob(m.Values["payload"])
			if !ok {
				junk = append(junk, m.ID)
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	for _, id := range junk {
		_ = q.Ack(ctx, id)
	}
	return out, nil
}

func decodeJob(raw any) (ExchangeJob, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return ExchangeJob{}, false
	}
	var job ExchangeJob
	if err := json.Unmarshal(b, &job); err != nil {
		return ExchangeJob{}, false
	}
	return job, true
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
