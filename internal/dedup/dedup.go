// Copyright 2025 James Ross
// Package dedup implements component M: exact duplicate detection on any
// present platform identifier, a fuzzy fallback on creator name, and the
// three merge strategies spec §4.11 names (newest, oldest, most-complete).
// Grounded on the teacher's internal/dlq-remediation-pipeline classifier
// shape (a pure function scoring a candidate against known records) for
// Detect, and on no teacher package for Merge (the teacher has no
// record-merging concern) — Merge is built directly from spec §4.11's
// field-by-field rules.
package dedup

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/scrapeorch/gateway/internal/creator"
)

// Strategy selects how Merge resolves a detected duplicate.
type Strategy string

const (
	StrategyNewest      Strategy = "newest"
	StrategyOldest       Strategy = "oldest"
	StrategyMostComplete Strategy = "most-complete"
)

// Match describes a detected duplicate and the basis for the match.
type Match struct {
	Index      int
	Confidence float64
	Basis      string // "identifier" or "fuzzy"
}

// fuzzyNameThreshold is the minimum normalized similarity (Levenshtein-based,
// via fuzzysearch) for two names to be considered a fuzzy duplicate once no
// exact identifier matched.
const fuzzyNameThreshold = 0.85

// Detect looks for a duplicate of candidate among existing. Exact
// identifier matches win outright (spec: "confidence = matched/total
// identifiers"); absent any identifier overlap, a case-insensitive
// near-exact name match falls back to fuzzy matching at fixed confidence
// 0.5 (spec §4.11).
func Detect(candidate creator.UnifiedCreator, existing []creator.UnifiedCreator) (Match, bool) {
	for i, e := range existing {
		if matched, total := identifierOverlap(candidate, e); matched > 0 {
			return Match{Index: i, Confidence: float64(matched) / float64(total), Basis: "identifier"}, true
		}
	}

	candName := strings.ToLower(strings.TrimSpace(candidate.Name))
	if candName == "" {
		return Match{}, false
	}
	for i, e := range existing {
		existName := strings.ToLower(strings.TrimSpace(e.Name))
		if existName == "" {
			continue
		}
		if existName == candName || nameSimilarity(candName, existName) >= fuzzyNameThreshold {
			return Match{Index: i, Confidence: 0.5, Basis: "fuzzy"}, true
		}
	}
	return Match{}, false
}

// nameSimilarity normalizes fuzzysearch's RankMatchFold (a Levenshtein
// distance, or -1 when a has no fuzzy subsequence match in b) into a
// [0,1] similarity score.
func nameSimilarity(a, b string) float64 {
	distance := fuzzy.RankMatchFold(a, b)
	if distance < 0 {
		return 0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(distance)/float64(maxLen)
}

// identifierOverlap counts how many of candidate's non-empty platform
// identifiers also appear, equal, on other; total is the number of
// identifier slots present on either record (spec's "matched/total").
func identifierOverlap(candidate, other creator.UnifiedCreator) (matched, total int) {
	pairs := [][2]string{
		{candidate.PlatformIdentifiers.YouTubeChannelID, other.PlatformIdentifiers.YouTubeChannelID},
		{candidate.PlatformIdentifiers.TwitterHandle, other.PlatformIdentifiers.TwitterHandle},
		{candidate.PlatformIdentifiers.InstagramUser, other.PlatformIdentifiers.InstagramUser},
		{candidate.PlatformIdentifiers.TikTokUsername, other.PlatformIdentifiers.TikTokUsername},
	}
	for _, p := range pairs {
		if p[0] == "" && p[1] == "" {
			continue
		}
		total++
		if p[0] != "" && p[0] == p[1] {
			matched++
		}
	}
	if total == 0 {
		total = 1
	}
	return matched, total
}

// Merge combines source (the newly-seen record) into target (the existing
// stored record) per strategy (spec §4.11).
func Merge(target, source creator.UnifiedCreator, strategy Strategy) creator.UnifiedCreator {
	switch strategy {
	case StrategyNewest:
		return source
	case StrategyOldest:
		return target
	default: // most-complete
		return mergeMostComplete(target, source)
	}
}

// mergeMostComplete prefers a source field only where target's is
// null/empty, unions identifiers and tags, and keeps the max of the two
// numeric quality signals (spec §4.11).
func mergeMostComplete(target, source creator.UnifiedCreator) creator.UnifiedCreator {
	out := target

	if out.Email == "" {
		out.Email = source.Email
	}
	if out.Bio == "" {
		out.Bio = source.Bio
	}
	if out.ProfileImageURL == "" {
		out.ProfileImageURL = source.ProfileImageURL
	}
	if out.Category == "" {
		out.Category = source.Category
	}
	out.Tags = unionStrings(out.Tags, source.Tags)

	out.PlatformIdentifiers = unionIdentifiers(out.PlatformIdentifiers, source.PlatformIdentifiers)

	if source.TotalReach > out.TotalReach {
		out.TotalReach = source.TotalReach
	}
	out.CompositeEngagementScore = maxFloatPtr(out.CompositeEngagementScore, source.CompositeEngagementScore)
	if out.AverageEngagementRate == nil {
		out.AverageEngagementRate = source.AverageEngagementRate
	}
	if out.ContentFrequency == nil {
		out.ContentFrequency = source.ContentFrequency
	}
	if out.AudienceQualityScore == nil {
		out.AudienceQualityScore = source.AudienceQualityScore
	}
	if len(out.PlatformData) == 0 {
		out.PlatformData = source.PlatformData
	}
	if out.SourceRunID == "" {
		out.SourceRunID = source.SourceRunID
	}
	if source.ScrapedAt.After(out.ScrapedAt) {
		out.ScrapedAt = source.ScrapedAt
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func unionIdentifiers(a, b creator.PlatformIdentifiers) creator.PlatformIdentifiers {
	out := a
	if out.YouTubeChannelID == "" {
		out.YouTubeChannelID = b.YouTubeChannelID
	}
	if out.TwitterHandle == "" {
		out.TwitterHandle = b.TwitterHandle
	}
	if out.InstagramUser == "" {
		out.InstagramUser = b.InstagramUser
	}
	if out.TikTokUsername == "" {
		out.TikTokUsername = b.TikTokUsername
	}
	return out
}

func maxFloatPtr(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *b > *a {
		return b
	}
	return a
}
