// Copyright 2025 James Ross
// Package metrics exports result-pipeline stage timings to ClickHouse for
// offline analytics (SPEC_FULL.md's domain-stack table, component N:
// "stage-timing analytics export"). internal/pipeline's live dashboards
// read obs.PipelineStageDuration directly; this package is the durable,
// queryable record of every stage timing, batched and flushed
// periodically rather than written inline on the hot path. Grounded on
// the teacher's internal/long-term-archives/clickhouse_exporter.go: same
// OpenDB/ensureTable/batched-insert-in-a-transaction shape, adapted from
// archiving completed jobs to archiving pipeline stage timings.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// StageTiming is one pipeline stage observation (platform, stage) →
// duration, flushed in batches (implements internal/pipeline's StageSink
// via Exporter.RecordStage).
type StageTiming struct {
	Platform   string
	Stage      string
	DurationMs int64
	RecordedAt time.Time
}

// Config names the ClickHouse connection and destination table.
type Config struct {
	DSN             string
	Database        string
	Table           string
	FlushInterval   time.Duration // how often Start flushes the buffer
	FlushBatchLimit int           // max rows per flush regardless of interval
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = "pipeline_stage_timings"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.FlushBatchLimit <= 0 {
		c.FlushBatchLimit = 5000
	}
	return c
}

// Exporter buffers StageTimings in memory and flushes them to ClickHouse
// in batches, implementing internal/pipeline.StageSink.
type Exporter struct {
	cfg    Config
	db     *sql.DB
	logger *zap.Logger

	mu     sync.Mutex
	buffer []StageTiming

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewExporter opens the ClickHouse connection and ensures the destination
// table exists.
func NewExporter(ctx context.Context, cfg Config, logger *zap.Logger) (*Exporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{Database: cfg.Database},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("metrics: ping clickhouse: %w", err)
	}

	e := &Exporter{cfg: cfg, db: db, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) ensureTable(ctx context.Context) error {
	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			platform     LowCardinality(String),
			stage        LowCardinality(String),
			duration_ms  UInt64,
			recorded_at  DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(recorded_at)
		ORDER BY (platform, stage, recorded_at)
		TTL recorded_at + INTERVAL 90 DAY DELETE
		SETTINGS index_granularity = 8192
	`, e.cfg.Database, e.cfg.Table)

	if _, err := e.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("metrics: ensure table: %w", err)
	}
	return nil
}

// RecordStage implements internal/pipeline.StageSink: buffers the
// observation for the next periodic flush rather than writing inline, so
// pipeline throughput never waits on ClickHouse.
func (e *Exporter) RecordStage(platform, stage string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, StageTiming{
		Platform:   platform,
		Stage:      stage,
		DurationMs: duration.Milliseconds(),
		RecordedAt: time.Now(),
	})
	if len(e.buffer) >= e.cfg.FlushBatchLimit {
		batch := e.buffer
		e.buffer = nil
		go e.flush(context.Background(), batch)
	}
}

// Start runs a periodic flush loop until ctx is done or Stop is called.
func (e *Exporter) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.flushBuffered(context.Background())
				return
			case <-e.stop:
				e.flushBuffered(context.Background())
				return
			case <-ticker.C:
				e.flushBuffered(ctx)
			}
		}
	}()
}

// Stop halts the flush loop after one final flush.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Exporter) flushBuffered(ctx context.Context) {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()
	e.flush(ctx, batch)
}

func (e *Exporter) flush(ctx context.Context, batch []StageTiming) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.logger.Warn("metrics: begin flush tx failed", zap.Error(err))
		return err
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf(`INSERT INTO %s.%s (platform, stage, duration_ms, recorded_at) VALUES (?, ?, ?, ?)`, e.cfg.Database, e.cfg.Table)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		e.logger.Warn("metrics: prepare flush stmt failed", zap.Error(err))
		return err
	}
	defer stmt.Close()

	for _, t := range batch {
		if _, err := stmt.ExecContext(ctx, t.Platform, t.Stage, t.DurationMs, t.RecordedAt); err != nil {
			e.logger.Warn("metrics: insert stage timing failed", zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		e.logger.Warn("metrics: commit flush tx failed", zap.Error(err))
		return err
	}
	e.logger.Debug("metrics: flushed stage timings", zap.Int("count", len(batch)))
	return nil
}

// Close flushes any buffered rows and closes the ClickHouse connection.
func (e *Exporter) Close() error {
	e.flushBuffered(context.Background())
	return e.db.Close()
}
