// Package queue implements the at-least-once ingestion job queue on Redis
// lists. Duplicate delivery is expected; the ingestion worker absorbs it
// through idempotent writes. Messages that exhaust their delivery attempts
// or maximum age are routed to a dead-letter list with a failure code.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Disposition tells the consumer what to do with a delivered message.
type Disposition int

const (
	// Ack removes the message for good.
	Ack Disposition = iota
	// Retry re-enqueues the message unless attempts or age are exhausted.
	Retry
	// DeadLetter routes the message to the DLQ immediately.
	DeadLetter
)

// Config bounds queue behaviour. Zero values are replaced by defaults.
type Config struct {
	JobList     string
	DeadList    string
	MaxAttempts int
	MaxAge      time.Duration
	PollTimeout time.Duration
}

// ConfigFromEnv reads QUEUE_* environment variables with defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		JobList:     envDefault("QUEUE_JOB_LIST", "ingest:jobs"),
		DeadList:    envDefault("QUEUE_DEAD_LIST", "ingest:dead"),
		MaxAttempts: 5,
		MaxAge:      24 * time.Hour,
		PollTimeout: 5 * time.Second,
	}
	if raw := envDefault("QUEUE_MAX_ATTEMPTS", ""); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxAttempts = parsed
		}
	}
	if raw := envDefault("QUEUE_MAX_AGE_HOURS", ""); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxAge = time.Duration(parsed) * time.Hour
		}
	}
	return cfg
}

func envDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value != "" {
		return value
	}
	return fallback
}

// Envelope wraps a job payload with delivery bookkeeping.
type Envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadEnvelope is the shape stored on the dead-letter list: the original
// payload plus a failure code for manual inspection.
type DeadEnvelope struct {
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FailureCode string          `json:"failure_code"`
	DeadAt      time.Time       `json:"dead_at"`
}

// Queue is a Redis-list backed job queue.
type Queue struct {
	client *redis.Client
	cfg    Config
}

// New builds a Queue over the given Redis client.
func New(client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if cfg.JobList == "" || cfg.DeadList == "" {
		return nil, errors.New("queue: job and dead-letter list names are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Queue{client: client, cfg: cfg}, nil
}

// Publish enqueues a fresh job payload.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	envelope := Envelope{Payload: payload, Attempts: 0, EnqueuedAt: time.Now().UTC()}
	return q.push(ctx, q.cfg.JobList, envelope)
}

func (q *Queue) push(ctx context.Context, list string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	if err := q.client.LPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("queue: push to %s: %w", list, err)
	}
	return nil
}

// Handler processes one delivered payload and reports its disposition.
// failureCode is recorded when the disposition dead-letters the message.
type Handler func(ctx context.Context, payload []byte, attempts int) (Disposition, string)

// Consume blocks on the job list and dispatches messages to handler until
// ctx is cancelled. Delivery is at-least-once: a crash between pop and
// handler completion loses at most the in-flight message back to the
// producer's retry path, and duplicates are absorbed downstream.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := q.client.BRPop(ctx, q.cfg.PollTimeout, q.cfg.JobList).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Printf("queue: pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue
		}
		q.dispatch(ctx, []byte(result[1]), handler)
	}
}

func (q *Queue) dispatch(ctx context.Context, raw []byte, handler Handler) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Printf("queue: malformed envelope dropped to dead-letter: %v", err)
		_ = q.deadLetter(ctx, Envelope{Payload: raw, EnqueuedAt: time.Now().UTC()}, "malformed_envelope")
		return
	}

	disposition, failureCode := handler(ctx, envelope.Payload, envelope.Attempts)
	switch disposition {
	case Ack:
		return
	case DeadLetter:
		if err := q.deadLetter(ctx, envelope, failureCode); err != nil {
			log.Printf("queue: dead-letter failed: %v", err)
		}
	case Retry:
		envelope.Attempts++
		if envelope.Attempts >= q.cfg.MaxAttempts {
			if err := q.deadLetter(ctx, envelope, "max_attempts_exceeded"); err != nil {
				log.Printf("queue: dead-letter failed: %v", err)
			}
			return
		}
		if time.Since(envelope.EnqueuedAt) > q.cfg.MaxAge {
			if err := q.deadLetter(ctx, envelope, "max_age_exceeded"); err != nil {
				log.Printf("queue: dead-letter failed: %v", err)
			}
			return
		}
		if err := q.push(ctx, q.cfg.JobList, envelope); err != nil {
			log.Printf("queue: requeue failed: %v", err)
		}
	}
}

func (q *Queue) deadLetter(ctx context.Context, envelope Envelope, failureCode string) error {
	if failureCode == "" {
		failureCode = "unknown"
	}
	dead := DeadEnvelope{
		Payload:     envelope.Payload,
		Attempts:    envelope.Attempts,
		EnqueuedAt:  envelope.EnqueuedAt,
		FailureCode: failureCode,
		DeadAt:      time.Now().UTC(),
	}
	return q.push(ctx, q.cfg.DeadList, dead)
}

// Depth returns the current backlog length of the job list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.cfg.JobList).Result()
}
