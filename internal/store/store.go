// Copyright 2025 James Ross
// Package store persists creator records to Postgres and archives raw
// dataset pages to S3 (SPEC_FULL.md's domain-stack table, component N).
// CreatorStore implements internal/pipeline's Lookup (existing records for
// duplicate detection) and internal/webhookhandler's CreatorUpserter
// (persisting the pipeline's output). Neither the teacher nor the rest of
// the example pack ships a Postgres-backed store, so CreatorStore is built
// directly against database/sql with explicit SQL rather than an ORM,
// matching the teacher's own no-ORM, hand-written-query idiom everywhere
// it talks to Redis. The S3 archive is grounded on the teacher's
// internal/long-term-archives/s3_exporter.go: same session/uploader setup,
// same gzip-before-upload shape — except here the gzip step is real
// (compress/gzip via github.com/klauspost/compress), where the teacher's
// compressGzip/decompressGzip were unwired placeholders that returned their
// input unchanged.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/klauspost/compress/gzip"
	"github.com/lib/pq" // also registers the "postgres" database/sql driver
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/creator"
)

// schemaSQL creates the creators table if absent. external_id is whichever
// platform identifier is present (spec: "at least one... when persisted");
// its uniqueness is what ON CONFLICT upserts against.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS creators (
	external_id               TEXT PRIMARY KEY,
	name                      TEXT NOT NULL,
	email                     TEXT,
	bio                       TEXT,
	profile_image_url         TEXT,
	category                  TEXT,
	tags                      TEXT[],
	is_verified               BOOLEAN NOT NULL DEFAULT FALSE,
	youtube_channel_id        TEXT,
	twitter_handle            TEXT,
	instagram_username        TEXT,
	tiktok_username           TEXT,
	total_reach               DOUBLE PRECISION NOT NULL DEFAULT 0,
	composite_engagement_score DOUBLE PRECISION,
	average_engagement_rate   DOUBLE PRECISION,
	content_frequency         DOUBLE PRECISION,
	audience_quality_score    DOUBLE PRECISION,
	platform_data             JSONB,
	source_actor_id           TEXT,
	source_run_id             TEXT,
	scraped_at                TIMESTAMPTZ NOT NULL
);`

// CreatorStore is the Postgres-backed creator record store (spec §3
// "creator records owned by the storage layer, produced by the pipeline").
type CreatorStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCreatorStore opens dsn, verifies connectivity, and ensures the schema
// exists.
func NewCreatorStore(ctx context.Context, dsn string, logger *zap.Logger) (*CreatorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &CreatorStore{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *CreatorStore) Close() error {
	return s.db.Close()
}

// Existing implements internal/pipeline's Lookup: creators whose
// platform_data carries an entry for platform, for duplicate detection
// against the platform currently being ingested.
func (s *CreatorStore) Existing(ctx context.Context, platform string) ([]creator.UnifiedCreator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, email, bio, profile_image_url, category, tags, is_verified,
		       youtube_channel_id, twitter_handle, instagram_username, tiktok_username,
		       total_reach, composite_engagement_score, average_engagement_rate,
		       content_frequency, audience_quality_score, platform_data,
		       source_actor_id, source_run_id, scraped_at
		FROM creators
		WHERE platform_data ? $1`, platform)
	if err != nil {
		return nil, fmt.Errorf("store: query existing for %s: %w", platform, err)
	}
	defer rows.Close()

	var out []creator.UnifiedCreator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCreator(row scanner) (creator.UnifiedCreator, error) {
	var c creator.UnifiedCreator
	var tags pq.StringArray
	var platformData []byte
	var email, bio, profileImageURL, category, youtube, twitter, instagram, tiktok, sourceActorID, sourceRunID sql.NullString
	var compositeScore, engagementRate, contentFreq, audienceQuality sql.NullFloat64

	if err := row.Scan(
		&c.Name, &email, &bio, &profileImageURL, &category, &tags, &c.IsVerified,
		&youtube, &twitter, &instagram, &tiktok,
		&c.TotalReach, &compositeScore, &engagementRate, &contentFreq, &audienceQuality,
		&platformData, &sourceActorID, &sourceRunID, &c.ScrapedAt,
	); err != nil {
		return c, fmt.Errorf("store: scan creator row: %w", err)
	}

	c.Email = email.String
	c.Bio = bio.String
	c.ProfileImageURL = profileImageURL.String
	c.Category = category.String
	c.Tags = []string(tags)
	c.PlatformIdentifiers = creator.PlatformIdentifiers{
		YouTubeChannelID: youtube.String,
		TwitterHandle:    twitter.String,
		InstagramUser:    instagram.String,
		TikTokUsername:   tiktok.String,
	}
	c.SourceActorID = sourceActorID.String
	c.SourceRunID = sourceRunID.String
	if compositeScore.Valid {
		v := compositeScore.Float64
		c.CompositeEngagementScore = &v
	}
	if engagementRate.Valid {
		v := engagementRate.Float64
		c.AverageEngagementRate = &v
	}
	if contentFreq.Valid {
		v := contentFreq.Float64
		c.ContentFrequency = &v
	}
	if audienceQuality.Valid {
		v := audienceQuality.Float64
		c.AudienceQualityScore = &v
	}
	if len(platformData) > 0 {
		_ = json.Unmarshal(platformData, &c.PlatformData)
	}
	return c, nil
}

// Upsert implements internal/webhookhandler's CreatorUpserter: each creator
// is inserted, or merged into the existing row on a matching external_id
// (spec §4.11's upsert-or-merge semantics, at the persistence layer).
func (s *CreatorStore) Upsert(ctx context.Context, platform string, creators []creator.UnifiedCreator) error {
	if len(creators) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range creators {
		externalID := primaryIdentifier(c.PlatformIdentifiers)
		if externalID == "" {
			s.logger.Warn("store: skipping creator with no platform identifier", zap.String("name", c.Name))
			continue
		}
		platformData, err := json.Marshal(withPlatform(c.PlatformData, platform))
		if err != nil {
			return fmt.Errorf("store: marshal platform data: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO creators (
				external_id, name, email, bio, profile_image_url, category, tags, is_verified,
				youtube_channel_id, twitter_handle, instagram_username, tiktok_username,
				total_reach, composite_engagement_score, average_engagement_rate,
				content_frequency, audience_quality_score, platform_data,
				source_actor_id, source_run_id, scraped_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (external_id) DO UPDATE SET
				name = EXCLUDED.name,
				email = COALESCE(NULLIF(EXCLUDED.email, ''), creators.email),
				bio = COALESCE(NULLIF(EXCLUDED.bio, ''), creators.bio),
				profile_image_url = COALESCE(NULLIF(EXCLUDED.profile_image_url, ''), creators.profile_image_url),
				category = COALESCE(NULLIF(EXCLUDED.category, ''), creators.category),
				tags = EXCLUDED.tags,
				is_verified = EXCLUDED.is_verified OR creators.is_verified,
				youtube_channel_id = COALESCE(NULLIF(EXCLUDED.youtube_channel_id, ''), creators.youtube_channel_id),
				twitter_handle = COALESCE(NULLIF(EXCLUDED.twitter_handle, ''), creators.twitter_handle),
				instagram_username = COALESCE(NULLIF(EXCLUDED.instagram_username, ''), creators.instagram_username),
				tiktok_username = COALESCE(NULLIF(EXCLUDED.tiktok_username, ''), creators.tiktok_username),
				total_reach = GREATEST(EXCLUDED.total_reach, creators.total_reach),
				composite_engagement_score = GREATEST(EXCLUDED.composite_engagement_score, creators.composite_engagement_score),
				average_engagement_rate = COALESCE(creators.average_engagement_rate, EXCLUDED.average_engagement_rate),
				content_frequency = COALESCE(creators.content_frequency, EXCLUDED.content_frequency),
				audience_quality_score = COALESCE(creators.audience_quality_score, EXCLUDED.audience_quality_score),
				platform_data = creators.platform_data || EXCLUDED.platform_data,
				source_run_id = EXCLUDED.source_run_id,
				scraped_at = GREATEST(EXCLUDED.scraped_at, creators.scraped_at)
		`,
			externalID, c.Name, c.Email, c.Bio, c.ProfileImageURL, c.Category, pq.Array(c.Tags), c.IsVerified,
			c.PlatformIdentifiers.YouTubeChannelID, c.PlatformIdentifiers.TwitterHandle,
			c.PlatformIdentifiers.InstagramUser, c.PlatformIdentifiers.TikTokUsername,
			c.TotalReach, c.CompositeEngagementScore, c.AverageEngagementRate,
			c.ContentFrequency, c.AudienceQualityScore, platformData,
			c.SourceActorID, c.SourceRunID, c.ScrapedAt,
		)
		if err != nil {
			return fmt.Errorf("store: upsert creator %s: %w", externalID, err)
		}
	}
	return tx.Commit()
}

// primaryIdentifier returns the first populated platform identifier, used
// as the upsert key. Order is arbitrary but fixed, matching the order
// creator.PlatformIdentifiers declares its fields.
func primaryIdentifier(ids creator.PlatformIdentifiers) string {
	for _, id := range []string{ids.YouTubeChannelID, ids.TwitterHandle, ids.InstagramUser, ids.TikTokUsername} {
		if id != "" {
			return id
		}
	}
	return ""
}

func withPlatform(data map[string]interface{}, platform string) map[string]interface{} {
	if data == nil {
		data = make(map[string]interface{})
	}
	if _, ok := data[platform]; !ok {
		data[platform] = true
	}
	return data
}

// ArchivedDatasetRef records one archived dataset page (SPEC_FULL.md §3
// [NEW] ArchivedDatasetRef).
type ArchivedDatasetRef struct {
	RunID           string
	DatasetID       string
	StorageKey      string
	ItemCount       int
	CompressedBytes int
	ArchivedAt      time.Time
}

// Archive gzip-compresses dataset pages and uploads them to S3, mirroring
// the teacher's S3Exporter session/uploader setup.
type Archive struct {
	bucket   string
	s3Client *s3.S3
	uploader *s3manager.Uploader
	logger   *zap.Logger
}

// ArchiveConfig configures Archive's AWS session; a non-empty Endpoint
// (which also switches to path-style addressing) supports MinIO/LocalStack
// in tests, matching the teacher's S3Config.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

// NewArchive opens an AWS session against cfg and verifies bucket access.
func NewArchive(ctx context.Context, cfg ArchiveConfig, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create aws session: %w", err)
	}

	s3Client := s3.New(sess)
	if _, err := s3Client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("store: access bucket %s: %w", cfg.Bucket, err)
	}

	return &Archive{
		bucket:   cfg.Bucket,
		s3Client: s3Client,
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

// Put gzip-compresses items as newline-delimited JSON and uploads them
// under a run/dataset-scoped key (spec §4.7: dataset pages are optionally
// archived via internal/store's S3-backed archive after listAllDataset).
func (a *Archive) Put(ctx context.Context, runID, datasetID string, items []json.RawMessage) (ArchivedDatasetRef, error) {
	var buf bytes.Buffer
	for _, item := range items {
		buf.Write(item)
		buf.WriteByte('\n')
	}

	compressed, err := gzipCompress(buf.Bytes())
	if err != nil {
		return ArchivedDatasetRef{}, fmt.Errorf("store: compress dataset %s: %w", datasetID, err)
	}

	key := strings.Join([]string{"datasets", runID, datasetID + ".ndjson.gz"}, "/")
	_, err = a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]*string{
			"run-id":     aws.String(runID),
			"dataset-id": aws.String(datasetID),
			"item-count": aws.String(fmt.Sprintf("%d", len(items))),
		},
	})
	if err != nil {
		return ArchivedDatasetRef{}, fmt.Errorf("store: upload dataset %s: %w", datasetID, err)
	}

	return ArchivedDatasetRef{
		RunID:           runID,
		DatasetID:       datasetID,
		StorageKey:      key,
		ItemCount:       len(items),
		CompressedBytes: len(compressed),
		ArchivedAt:      time.Now(),
	}, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
