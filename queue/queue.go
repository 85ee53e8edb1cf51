package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crmflow/utils"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	Clock        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency * 4
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Queue is an at-least-once delayed job queue. Failed jobs are retried with
// exponential backoff until MaxAttempts is reached.
type Queue struct {
	store  Store
	cfg    Config
	logger logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(store Store, cfg Config, logger logrus.FieldLogger) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "queue"),
		handlers: make(map[string]HandlerFunc),
	}
}

func (q *Queue) Register(jobType string, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = fn
}

func (q *Queue) handler(jobType string) HandlerFunc {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[jobType]
}

// Enqueue stores a job and returns its id
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...EnqueueOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	runAt := ResolveOptions(opts...).When(q.cfg.Clock())
	job := &Job{
		ID:      uuid.NewString(),
		Type:    jobType,
		Payload: data,
		RunAt:   runAt.UnixMilli(),
	}
	if err := q.store.Push(ctx, job); err != nil {
		return "", err
	}

	q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": jobType,
		"run_at":   runAt.UTC().Format(time.RFC3339),
	}).Debug("Job enqueued")
	return job.ID, nil
}

// Run polls the store and dispatches due jobs to a pool of workers until ctx
// is cancelled. Jobs already dispatched run to completion.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.WithField("concurrency", q.cfg.Concurrency).Info("Queue workers started")

	jobs := make(chan *Job)
	g, gctx := errgroup.WithContext(ctx)
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < q.cfg.Concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				q.process(workCtx, job)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)

		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()

		for {
			claimed, err := q.store.Claim(gctx, q.cfg.Clock(), q.cfg.BatchSize)
			if err != nil && gctx.Err() == nil {
				utils.LogError("queue_claim", err, nil)
			}

			for i, job := range claimed {
				select {
				case jobs <- job:
				case <-gctx.Done():
					q.release(claimed[i:])
					return nil
				}
			}

			// a full batch means more work is probably due
			if len(claimed) >= q.cfg.BatchSize {
				continue
			}

			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	q.logger.Info("Queue workers stopped")
	return err
}

func (q *Queue) release(jobs []*Job) {
	ctx := context.Background()
	for _, job := range jobs {
		if err := q.store.Retry(ctx, job); err != nil {
			utils.LogError("queue_release", err, map[string]interface{}{"job_id": job.ID})
		}
	}
}

// ProcessDue runs every job due at the current clock time on the calling
// goroutine, including jobs enqueued by handlers along the way. It returns the
// number of handler invocations.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	processed := 0
	for {
		claimed, err := q.store.Claim(ctx, q.cfg.Clock(), q.cfg.BatchSize)
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		for _, job := range claimed {
			q.process(ctx, job)
			processed++
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	log := q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
	})

	job.Attempts++
	err := q.invoke(ctx, job)
	if err == nil {
		if ackErr := q.store.Ack(ctx, job); ackErr != nil {
			utils.LogError("queue_ack", ackErr, map[string]interface{}{"job_id": job.ID})
		}
		log.WithField("attempts", job.Attempts).Debug("Job completed")
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= q.cfg.MaxAttempts {
		utils.LogError("job_exhausted", err, map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
			"attempts": job.Attempts,
		})
		if ackErr := q.store.Ack(ctx, job); ackErr != nil {
			utils.LogError("queue_ack", ackErr, map[string]interface{}{"job_id": job.ID})
		}
		return
	}

	delay := q.backoff(job.Attempts)
	job.RunAt = q.cfg.Clock().Add(delay).UnixMilli()
	log.WithFields(logrus.Fields{
		"attempts": job.Attempts,
		"retry_in": delay.String(),
	}).WithError(err).Warn("Job failed, scheduling retry")

	if retryErr := q.store.Retry(ctx, job); retryErr != nil {
		utils.LogError("queue_retry", retryErr, map[string]interface{}{"job_id": job.ID})
	}
}

func (q *Queue) invoke(ctx context.Context, job *Job) (err error) {
	fn := q.handler(job.Type)
	if fn == nil {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}

// backoff returns the delay before the given attempt is retried
func (q *Queue) backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(q.cfg.MaxBackoff, retry.NewExponential(q.cfg.BaseBackoff))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Len reports jobs waiting or in flight
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Drain drops every stored job
func (q *Queue) Drain(ctx context.Context) error {
	return q.store.Clear(ctx)
}
