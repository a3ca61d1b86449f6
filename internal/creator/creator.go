// Copyright 2025 James Ross
// Package creator defines the unified creator record the result pipeline
// produces (spec §3, UnifiedCreator) and the storage layer persists. It
// carries no logic of its own so internal/pipeline, internal/dedup and
// internal/store can all depend on it without a cycle.
package creator

import "time"

// PlatformIdentifiers holds the per-platform handle a creator is known by.
// At least one must be non-empty once a record is persisted (spec §3).
type PlatformIdentifiers struct {
	YouTubeChannelID string `json:"youtube_channel_id,omitempty"`
	TwitterHandle    string `json:"twitter_handle,omitempty"`
	InstagramUser    string `json:"instagram_username,omitempty"`
	TikTokUsername   string `json:"tiktok_username,omitempty"`
}

// NonEmpty reports whether at least one identifier is set.
func (p PlatformIdentifiers) NonEmpty() bool {
	return p.YouTubeChannelID != "" || p.TwitterHandle != "" || p.InstagramUser != "" || p.TikTokUsername != ""
}

// UnifiedCreator is the normalized, platform-agnostic creator record (spec
// §3). PlatformData carries the raw-ish per-platform stats block the
// transformation stage derived Totals/Averages from, kept for audit/display.
type UnifiedCreator struct {
	Name                  string                 `json:"name"`
	Email                 string                 `json:"email,omitempty"`
	Bio                   string                 `json:"bio,omitempty"`
	ProfileImageURL       string                 `json:"profileImageUrl,omitempty"`
	Category              string                 `json:"category,omitempty"`
	Tags                  []string               `json:"tags,omitempty"`
	IsVerified            bool                   `json:"isVerified"`
	PlatformIdentifiers   PlatformIdentifiers    `json:"platformIdentifiers"`
	TotalReach            float64                `json:"totalReach"`
	CompositeEngagementScore *float64            `json:"compositeEngagementScore,omitempty"`
	AverageEngagementRate *float64               `json:"averageEngagementRate,omitempty"`
	ContentFrequency      *float64               `json:"contentFrequency,omitempty"`
	AudienceQualityScore  *float64               `json:"audienceQualityScore,omitempty"`
	PlatformData          map[string]interface{} `json:"platformData,omitempty"`
	SourceActorID         string                 `json:"sourceActorId,omitempty"`
	SourceRunID           string                 `json:"sourceRunId,omitempty"`
	ScrapedAt             time.Time              `json:"scrapedAt"`
}

// Valid checks the output invariants spec §8 quantifies over every pipeline
// output: a non-empty identifier, non-negative reach, and an engagement
// rate in [0,100].
func (c UnifiedCreator) Valid() bool {
	if !c.PlatformIdentifiers.NonEmpty() {
		return false
	}
	if c.TotalReach < 0 {
		return false
	}
	if c.AverageEngagementRate != nil && (*c.AverageEngagementRate < 0 || *c.AverageEngagementRate > 100) {
		return false
	}
	return true
}
