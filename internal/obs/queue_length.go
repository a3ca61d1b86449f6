// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples queue lengths and updates a gauge.
// queues maps a queue name to the Redis keys that make up its states
// (e.g. waiting, delayed, dead) so the "status" label can distinguish them.
func StartQueueLengthUpdater(ctx context.Context, interval time.Duration, rdb *redis.Client, queues map[string]map[string]string, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for queue, statuses := range queues {
					for status, key := range statuses {
						n, err := rdb.LLen(ctx, key).Result()
						if err != nil {
							n, err = rdb.ZCard(ctx, key).Result()
						}
						if err != nil {
							log.Debug("queue length poll error", String("queue", queue), String("status", status), Err(err))
							continue
						}
						QueueLength.WithLabelValues(queue, status).Set(float64(n))
					}
				}
			}
		}
	}()
}
