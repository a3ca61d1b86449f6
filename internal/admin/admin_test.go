// Copyright 2025 James Ross
package admin

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/apikey"
	"github.com/scrapeorch/gateway/internal/queue"
)

func setupRegistry(t *testing.T) *Registry {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, "webhook-processing", 1000, 5000)
	keys := apikey.NewManager(zap.NewNop(), nil)
	return NewRegistry(map[string]*queue.Queue{"webhook-processing": q}, keys, rdb, zap.NewNop())
}

func TestPauseResumeGatesClaim(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	q := r.Queues["webhook-processing"]

	require.NoError(t, q.Enqueue(ctx, queue.New("j1", q.Name, "job", 0, queue.Data{}, 3, nil)))
	require.NoError(t, r.Pause(ctx, "webhook-processing"))

	_, err := q.Claim(ctx)
	require.ErrorIs(t, err, redis.Nil)

	require.NoError(t, r.Resume(ctx, "webhook-processing"))
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", job.ID)
}

func TestUnknownQueueIsRejected(t *testing.T) {
	r := setupRegistry(t)
	err := r.Pause(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestRetryDLQRequeuesDeadJobs(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	q := r.Queues["webhook-processing"]

	job := queue.New("dead1", q.Name, "job", 0, queue.Data{}, 1, nil)
	require.NoError(t, q.Enqueue(ctx, job))
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, claimed, "boom"))

	n, err := r.RetryDLQ(ctx, "webhook-processing")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting)
	require.Equal(t, int64(0), counts.Dead)
}

func TestStatsReportsCountsPerQueue(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	q := r.Queues["webhook-processing"]
	require.NoError(t, q.Enqueue(ctx, queue.New("j1", q.Name, "job", 0, queue.Data{}, 3, nil)))

	res, err := r.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Queues["webhook-processing"].Waiting)
}

func TestHealthReportsRedisReachability(t *testing.T) {
	r := setupRegistry(t)
	res, err := r.Health(context.Background())
	require.NoError(t, err)
	require.True(t, res.Redis)
}

func TestKeyLifecycleCreateRotateRevoke(t *testing.T) {
	r := setupRegistry(t)

	created, err := r.CreateKey("ops", []string{"*"}, apikey.RateLimits{}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, created.RawKey)

	rotated, err := r.RotateKey(created.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.RawKey, rotated.RawKey)

	require.NoError(t, r.RevokeKey(rotated.ID, "test"))
	_, err = r.Keys.Validate(rotated.RawKey)
	require.Error(t, err)
}
