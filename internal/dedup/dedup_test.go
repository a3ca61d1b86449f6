// Copyright 2025 James Ross
package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapeorch/gateway/internal/creator"
)

func TestDetectExactIdentifierMatch(t *testing.T) {
	existing := []creator.UnifiedCreator{
		{Name: "Alice", PlatformIdentifiers: creator.PlatformIdentifiers{InstagramUser: "alice_ig"}},
	}
	candidate := creator.UnifiedCreator{Name: "Alice Smith", PlatformIdentifiers: creator.PlatformIdentifiers{InstagramUser: "alice_ig"}}

	m, ok := Detect(candidate, existing)
	require.True(t, ok)
	require.Equal(t, 0, m.Index)
	require.Equal(t, "identifier", m.Basis)
	require.Greater(t, m.Confidence, 0.0)
}

func TestDetectFuzzyNameFallback(t *testing.T) {
	existing := []creator.UnifiedCreator{
		{Name: "Bob Builder", PlatformIdentifiers: creator.PlatformIdentifiers{TikTokUsername: "bobbuilder"}},
	}
	candidate := creator.UnifiedCreator{Name: "bob builder"}

	m, ok := Detect(candidate, existing)
	require.True(t, ok)
	require.Equal(t, "fuzzy", m.Basis)
	require.Equal(t, 0.5, m.Confidence)
}

func TestDetectNoMatch(t *testing.T) {
	existing := []creator.UnifiedCreator{
		{Name: "Someone Else", PlatformIdentifiers: creator.PlatformIdentifiers{TikTokUsername: "someone"}},
	}
	candidate := creator.UnifiedCreator{Name: "Totally Different Person", PlatformIdentifiers: creator.PlatformIdentifiers{YouTubeChannelID: "yt1"}}

	_, ok := Detect(candidate, existing)
	require.False(t, ok)
}

func TestMergeNewestOverwrites(t *testing.T) {
	target := creator.UnifiedCreator{Name: "Old"}
	source := creator.UnifiedCreator{Name: "New"}
	require.Equal(t, source, Merge(target, source, StrategyNewest))
}

func TestMergeOldestKeepsTarget(t *testing.T) {
	target := creator.UnifiedCreator{Name: "Old"}
	source := creator.UnifiedCreator{Name: "New"}
	require.Equal(t, target, Merge(target, source, StrategyOldest))
}

func TestMergeMostCompletePrefersSourceOnlyWhenTargetEmpty(t *testing.T) {
	target := creator.UnifiedCreator{
		Name: "Target", Bio: "", Tags: []string{"music"},
		PlatformIdentifiers: creator.PlatformIdentifiers{InstagramUser: "tgt_ig"},
		TotalReach:          100,
	}
	source := creator.UnifiedCreator{
		Name: "Source", Bio: "a bio", Tags: []string{"dance", "music"},
		PlatformIdentifiers: creator.PlatformIdentifiers{TikTokUsername: "src_tt"},
		TotalReach:          500,
	}

	merged := Merge(target, source, StrategyMostComplete)
	require.Equal(t, "Target", merged.Name) // target's own name is not empty, kept
	require.Equal(t, "a bio", merged.Bio)   // target's bio was empty, filled from source
	require.ElementsMatch(t, []string{"music", "dance"}, merged.Tags)
	require.Equal(t, "tgt_ig", merged.PlatformIdentifiers.InstagramUser)
	require.Equal(t, "src_tt", merged.PlatformIdentifiers.TikTokUsername)
	require.Equal(t, float64(500), merged.TotalReach) // max of the two
}

func TestMergeMostCompleteIsCommutativeForNonConflictingFields(t *testing.T) {
	a := creator.UnifiedCreator{
		Name: "A", PlatformIdentifiers: creator.PlatformIdentifiers{InstagramUser: "a_ig"},
		Tags: []string{"x"}, TotalReach: 10, ScrapedAt: time.Unix(100, 0),
	}
	b := creator.UnifiedCreator{
		Name: "A", PlatformIdentifiers: creator.PlatformIdentifiers{TikTokUsername: "a_tt"},
		Tags: []string{"y"}, TotalReach: 20, ScrapedAt: time.Unix(200, 0),
	}

	ab := Merge(a, b, StrategyMostComplete)
	ba := Merge(b, a, StrategyMostComplete)

	require.ElementsMatch(t, ab.Tags, ba.Tags)
	require.Equal(t, ab.PlatformIdentifiers, ba.PlatformIdentifiers)
	require.Equal(t, ab.TotalReach, ba.TotalReach)
}
