// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffCapsAtMax(t *testing.T) {
	b := Backoff(10, 100*time.Millisecond, 1*time.Second)
	require.Equal(t, 1*time.Second, b)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, Backoff(1, base, 10*time.Second))
	require.Equal(t, 2*base, Backoff(2, base, 10*time.Second))
	require.Equal(t, 4*base, Backoff(3, base, 10*time.Second))
}

func TestWorkerPoolRetriesThenDeadLetters(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, New("w1", q.Name, "n", 5, Data{Platform: "tiktok"}, 2, nil)))

	// The pool parks a retried job in the delayed set; stand in for the
	// sweeper that moves it back to waiting.
	go func() {
		for ctx.Err() == nil {
			_, _ = q.PromoteDelayed(ctx)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	pool := NewWorkerPool(q, 2, 2, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	attempts := 0
	done := make(chan struct{})
	go pool.Run(ctx, func(ctx context.Context, job Job) error {
		attempts++
		if attempts >= 2 {
			close(done)
		}
		return errors.New("boom")
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for retries")
	}

	require.GreaterOrEqual(t, attempts, 2)
	require.Eventually(t, func() bool {
		c, err := q.Counts(context.Background())
		return err == nil && c.Dead == 1
	}, time.Second, 10*time.Millisecond)
}
