// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrapeorch/gateway/internal/obs"
)

// Enqueuer is the small interface passed into producers so they do not
// need the full Queue type (spec §9: break cycles with a narrow port
// rather than letting the queue, handler, and tracker reference each
// other directly).
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// maxScorePriority bounds the priority range used when computing the
// waiting sorted-set score so higher-priority jobs always sort first
// while jobs of equal priority stay FIFO via the enqueue sequence.
const maxScorePriority = 1 << 16

// Queue is a named, Redis-backed durable queue with priority, delay,
// and dead-lettering (spec §3 Job, §4.6).
type Queue struct {
	Name string
	rdb  *redis.Client
	keys Keys

	RemoveOnComplete int
	RemoveOnFail     int
}

// New creates a queue bound to rdb under the given name.
func New(rdb *redis.Client, name string, removeOnComplete, removeOnFail int) *Queue {
	return &Queue{
		Name:             name,
		rdb:              rdb,
		keys:             NewKeys(name),
		RemoveOnComplete: removeOnComplete,
		RemoveOnFail:     removeOnFail,
	}
}

func (q *Queue) score(priority int, seq int64) float64 {
	return float64(maxScorePriority-priority)*1e9 + float64(seq)
}

// Enqueue admits a job as waiting (or delayed if DelayUntil is set and in
// the future). It assigns the monotonic enqueue sequence used for FIFO
// ordering within a priority class.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	seq, err := q.rdb.Incr(ctx, q.keys.Seq()).Result()
	if err != nil {
		return fmt.Errorf("enqueue seq: %w", err)
	}
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	if job.DelayUntil != nil && job.DelayUntil.After(time.Now()) {
		job.Status = StatusDelayed
		payload, _ = job.Marshal()
		if err := q.rdb.ZAdd(ctx, q.keys.Delayed(), redis.Z{
			Score:  float64(job.DelayUntil.UnixMilli()),
			Member: payload,
		}).Err(); err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
		return nil
	}
	job.Status = StatusWaiting
	payload, _ = job.Marshal()
	if err := q.rdb.ZAdd(ctx, q.keys.Waiting(), redis.Z{
		Score:  q.score(job.Priority, seq),
		Member: payload,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue waiting: %w", err)
	}
	obs.JobsEnqueued.WithLabelValues(q.Name).Inc()
	return nil
}

// PromoteDelayed moves delayed jobs whose DelayUntil has elapsed into the
// waiting set. Call periodically from a sweeper goroutine.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	items, err := q.rdb.ZRangeByScore(ctx, q.keys.Delayed(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, payload := range items {
		job, err := Unmarshal(payload)
		if err != nil {
			q.rdb.ZRem(ctx, q.keys.Delayed(), payload)
			continue
		}
		seq, err := q.rdb.Incr(ctx, q.keys.Seq()).Result()
		if err != nil {
			continue
		}
		job.Status = StatusWaiting
		newPayload, _ := job.Marshal()
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.keys.Delayed(), payload)
		pipe.ZAdd(ctx, q.keys.Waiting(), redis.Z{Score: q.score(job.Priority, seq), Member: newPayload})
		if _, err := pipe.Exec(ctx); err == nil {
			moved++
		}
	}
	return moved, nil
}

// Claim pops the single highest-priority, oldest waiting job, moving it
// to the active set. Returns redis.Nil (wrapped) when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (Job, error) {
	if paused, _ := q.rdb.Exists(ctx, q.keys.Paused()).Result(); paused == 1 {
		return Job{}, redis.Nil
	}
	res, err := q.rdb.ZPopMin(ctx, q.keys.Waiting(), 1).Result()
	if err != nil {
		return Job{}, err
	}
	if len(res) == 0 {
		return Job{}, redis.Nil
	}
	job, err := Unmarshal(res[0].Member.(string))
	if err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job.Status = StatusActive
	job.ProcessedOn = &now
	payload, _ := job.Marshal()
	if err := q.rdb.HSet(ctx, q.keys.Active(), job.ID, payload).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Complete removes a job from the active set and records it as completed,
// trimming to RemoveOnComplete.
func (q *Queue) Complete(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.FinishedOn = &now
	payload, _ := job.Marshal()
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.keys.Active(), job.ID)
	pipe.LPush(ctx, q.keys.Completed(), payload)
	if q.RemoveOnComplete > 0 {
		pipe.LTrim(ctx, q.keys.Completed(), 0, int64(q.RemoveOnComplete-1))
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		obs.JobsCompleted.WithLabelValues(q.Name).Inc()
	}
	return err
}

// Retry re-enqueues a failed job as delayed until now+backoff, incrementing
// AttemptsMade. Fails the caller's invariant attemptsMade<=maxAttempts.
func (q *Queue) Retry(ctx context.Context, job Job, backoff time.Duration) error {
	job.AttemptsMade++
	delay := time.Now().Add(backoff)
	job.DelayUntil = &delay
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.keys.Active(), job.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	obs.JobsRetried.WithLabelValues(q.Name).Inc()
	return q.Enqueue(ctx, job)
}

// Fail moves a job to the failed list (attempts exhausted, no DLQ
// configured) trimming to RemoveOnFail.
func (q *Queue) Fail(ctx context.Context, job Job, reason string) error {
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FinishedOn = &now
	job.FailedReason = reason
	payload, _ := job.Marshal()
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.keys.Active(), job.ID)
	pipe.LPush(ctx, q.keys.Failed(), payload)
	if q.RemoveOnFail > 0 {
		pipe.LTrim(ctx, q.keys.Failed(), 0, int64(q.RemoveOnFail-1))
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		obs.JobsFailed.WithLabelValues(q.Name).Inc()
	}
	return err
}

// DeadLetter moves an exhausted job to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, job Job, reason string) error {
	now := time.Now().UTC()
	job.Status = StatusDead
	job.FinishedOn = &now
	job.FailedReason = reason
	payload, _ := job.Marshal()
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.keys.Active(), job.ID)
	pipe.LPush(ctx, q.keys.Dead(), payload)
	_, err := pipe.Exec(ctx)
	if err == nil {
		obs.JobsDeadLetter.WithLabelValues(q.Name).Inc()
	}
	return err
}

// Pause stops new Claim calls from returning jobs without aborting
// in-flight work (spec §4.6).
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.keys.Paused(), "1", 0).Err()
}

// Resume re-allows Claim calls.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.keys.Paused()).Err()
}

// Clean empties completed/failed/dead lists for the named status, used by
// the `queue clean` CLI command (spec §6).
func (q *Queue) Clean(ctx context.Context, status Status) error {
	switch status {
	case StatusCompleted:
		return q.rdb.Del(ctx, q.keys.Completed()).Err()
	case StatusFailed:
		return q.rdb.Del(ctx, q.keys.Failed()).Err()
	case StatusDead:
		return q.rdb.Del(ctx, q.keys.Dead()).Err()
	default:
		return fmt.Errorf("clean: unsupported status %q", status)
	}
}

// Counts reports the size of each state for health checks and admin stats.
type Counts struct {
	Waiting, Delayed, Active, Completed, Failed, Dead int64
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Waiting, err = q.rdb.ZCard(ctx, q.keys.Waiting()).Result(); err != nil {
		return c, err
	}
	if c.Delayed, err = q.rdb.ZCard(ctx, q.keys.Delayed()).Result(); err != nil {
		return c, err
	}
	if c.Active, err = q.rdb.HLen(ctx, q.keys.Active()).Result(); err != nil {
		return c, err
	}
	if c.Completed, err = q.rdb.LLen(ctx, q.keys.Completed()).Result(); err != nil {
		return c, err
	}
	if c.Failed, err = q.rdb.LLen(ctx, q.keys.Failed()).Result(); err != nil {
		return c, err
	}
	if c.Dead, err = q.rdb.LLen(ctx, q.keys.Dead()).Result(); err != nil {
		return c, err
	}
	return c, nil
}

// Remove cancels a job that has not yet become active (spec §5
// cancellation: "removal from the queue if not yet active").
func (q *Queue) Remove(ctx context.Context, payload string) error {
	if n, _ := q.rdb.ZRem(ctx, q.keys.Waiting(), payload).Result(); n > 0 {
		return nil
	}
	return q.rdb.ZRem(ctx, q.keys.Delayed(), payload).Err()
}

// Peek returns up to n of the most recently landed jobs in the named state,
// for the `orchctl queue peek` inspection path (spec §6 operational
// commands). Waiting/delayed are read oldest-priority-first off the sorted
// set; completed/failed/dead are read newest-first off the list.
func (q *Queue) Peek(ctx context.Context, status Status, n int64) ([]Job, error) {
	if n <= 0 {
		n = 10
	}
	var payloads []string
	var err error
	switch status {
	case StatusWaiting:
		payloads, err = q.rdb.ZRange(ctx, q.keys.Waiting(), 0, n-1).Result()
	case StatusDelayed:
		payloads, err = q.rdb.ZRange(ctx, q.keys.Delayed(), 0, n-1).Result()
	case StatusCompleted:
		payloads, err = q.rdb.LRange(ctx, q.keys.Completed(), 0, n-1).Result()
	case StatusFailed:
		payloads, err = q.rdb.LRange(ctx, q.keys.Failed(), 0, n-1).Result()
	case StatusDead:
		payloads, err = q.rdb.LRange(ctx, q.keys.Dead(), 0, n-1).Result()
	default:
		return nil, fmt.Errorf("peek: unsupported status %q", status)
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := Unmarshal(p)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead moves every job off the dead-letter list back onto the
// waiting set with attempts reset, for `webhook retry-dlq` (spec §6).
// Requeue is all-or-nothing per job: a job that fails to parse is dropped
// rather than requeued malformed, matching PromoteDelayed's behavior.
func (q *Queue) RequeueDead(ctx context.Context) (int, error) {
	payloads, err := q.rdb.LRange(ctx, q.keys.Dead(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, payload := range payloads {
		job, err := Unmarshal(payload)
		if err != nil {
			q.rdb.LRem(ctx, q.keys.Dead(), 1, payload)
			continue
		}
		job.AttemptsMade = 0
		job.FailedReason = ""
		if err := q.Enqueue(ctx, job); err != nil {
			continue
		}
		q.rdb.LRem(ctx, q.keys.Dead(), 1, payload)
		requeued++
	}
	return requeued, nil
}
