// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/obs"
)

// Handler processes a single job. A non-nil error marks the attempt as
// failed and feeds the retry/DLQ path; nil marks it completed.
type Handler func(ctx context.Context, job Job) error

// Backoff computes the retry delay base*2^(attempt-1), capped at max
// (spec §4.3/§4.6 share the same exponential-backoff shape).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || d > max {
		return max
	}
	return d
}

// WorkerPool runs a bounded number of concurrent handlers against a Queue.
type WorkerPool struct {
	Queue       *Queue
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
	PollEvery   time.Duration

	logger *zap.Logger
	sem    chan struct{}
	paused chan struct{}
}

// NewWorkerPool builds a pool bound to queue with the given concurrency.
func NewWorkerPool(q *Queue, concurrency, maxAttempts int, backoff, backoffMax time.Duration, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		Queue:       q,
		Concurrency: concurrency,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		BackoffMax:  backoffMax,
		PollEvery:   200 * time.Millisecond,
		logger:      logger,
		sem:         make(chan struct{}, concurrency),
	}
}

// Run drives the pool until ctx is canceled. Each loop iteration acquires a
// semaphore permit before claiming a job, blocking admission when the pool
// is saturated (spec §5: "admission to a worker blocks until a permit is
// free").
func (w *WorkerPool) Run(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, err := w.Queue.Claim(ctx)
		if errors.Is(err, redis.Nil) {
			<-w.sem
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.PollEvery):
			}
			continue
		}
		if err != nil {
			<-w.sem
			w.logger.Warn("claim error", zap.Error(err), zap.String("queue", w.Queue.Name))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.PollEvery):
			}
			continue
		}
		go func(job Job) {
			defer func() { <-w.sem }()
			w.process(ctx, job, handler)
		}(job)
	}
}

func (w *WorkerPool) process(ctx context.Context, job Job, handler Handler) {
	start := time.Now()
	err := handler(ctx, job)
	obs.JobProcessingDuration.WithLabelValues(w.Queue.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := w.Queue.Complete(ctx, job); cerr != nil {
			w.logger.Error("complete failed", zap.Error(cerr), zap.String("job_id", job.ID))
		}
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = w.MaxAttempts
	}
	if job.AttemptsMade+1 < maxAttempts {
		delay := time.Duration(float64(Backoff(job.AttemptsMade+1, w.Backoff, w.BackoffMax)) * jitterFraction(0.1))
		if rerr := w.Queue.Retry(ctx, job, delay); rerr != nil {
			w.logger.Error("retry failed", zap.Error(rerr), zap.String("job_id", job.ID))
		}
		return
	}
	if derr := w.Queue.DeadLetter(ctx, job, err.Error()); derr != nil {
		w.logger.Error("dead-letter failed", zap.Error(derr), zap.String("job_id", job.ID))
	}
}

// jitterFraction returns a uniform multiplier in [1-frac, 1+frac], applied to
// the retry delay in process() so concurrently failing jobs don't all wake up
// on the same tick (same shape as internal/retry's own jitter).
func jitterFraction(frac float64) float64 {
	return 1 + (rand.Float64()*2-1)*frac
}
