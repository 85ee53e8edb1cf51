package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is a unit of work waiting in a Store. RunAt is unix milliseconds.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	RunAt     int64           `json:"run_at"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

func (j *Job) Due() time.Time {
	return time.UnixMilli(j.RunAt).UTC()
}

// HandlerFunc processes one job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, job *Job) error

// Store persists jobs between enqueue and completion. Claimed jobs are
// invisible to other claimers until they are acked or retried.
type Store interface {
	Push(ctx context.Context, job *Job) error
	Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job) error
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type EnqueueOptions struct {
	Delay time.Duration
	RunAt time.Time
}

type EnqueueOption func(*EnqueueOptions)

// WithDelay schedules the job d after enqueue time
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

// WithRunAt schedules the job at an absolute time; it wins over WithDelay
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.RunAt = t
	}
}

func ResolveOptions(opts ...EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// When returns the time a job enqueued at now should first run
func (o EnqueueOptions) When(now time.Time) time.Time {
	if !o.RunAt.IsZero() {
		return o.RunAt
	}
	if o.Delay > 0 {
		return now.Add(o.Delay)
	}
	return now
}
