// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapeorch/gateway/internal/clock"
	"github.com/scrapeorch/gateway/internal/creator"
	"github.com/scrapeorch/gateway/internal/dedup"
)

func instagramSpec() PlatformSpec {
	return PlatformSpec{
		RequiredFields: []string{"username", "followersCount"},
		Fields: FieldPaths{
			"name":            "$.fullName",
			"bio":             "$.biography",
			"identifier":      "$.username",
			"followers":       "$.followersCount",
			"interactions":    "$.stats.totalInteractions",
			"postsAnalyzed":   "$.stats.postsAnalyzed",
			"profileImageUrl": "$.profilePicUrl",
		},
		Category: "lifestyle",
	}
}

func rawItem(t *testing.T, obj map[string]interface{}) map[string]interface{} {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestProcessBatchSequentialTransformsAndValidates(t *testing.T) {
	specs := map[string]PlatformSpec{"instagram": instagramSpec()}
	mc := clock.NewMock(time.Unix(1000, 0))
	p := New(specs, nil, Options{Mode: ModeSequential}, mc)

	raw := rawItem(t, map[string]interface{}{
		"username": "alice_ig", "fullName": "Alice", "biography": "<b>hi</b>", "followersCount": 1000.0,
		"profilePicUrl": "http://img.example.com/p.jpg?utm_source=ig",
		"stats":         map[string]interface{}{"totalInteractions": 50.0, "postsAnalyzed": 10.0},
	})

	result, err := p.ProcessBatch(context.Background(), "instagram", []map[string]interface{}{raw}, "actor1", "run1")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	item := result.Items[0]
	require.Empty(t, item.Errors)
	require.Equal(t, "alice_ig", item.Creator.PlatformIdentifiers.InstagramUser)
	require.Equal(t, "hi", item.Creator.Bio) // HTML stripped
	require.NotNil(t, item.Creator.AverageEngagementRate)
	require.InDelta(t, 0.5, *item.Creator.AverageEngagementRate, 0.001) // 50/1000/10*100
	require.Equal(t, "https://img.example.com/p.jpg", item.Creator.ProfileImageURL) // tracking param stripped
	require.Len(t, result.Created, 1)
}

func TestProcessBatchMissingRequiredFieldFailsInputValidation(t *testing.T) {
	specs := map[string]PlatformSpec{"instagram": instagramSpec()}
	p := New(specs, nil, Options{Mode: ModeSequential, ContinueOnError: true}, nil)

	raw := rawItem(t, map[string]interface{}{"fullName": "No Username"})
	result, err := p.ProcessBatch(context.Background(), "instagram", []map[string]interface{}{raw}, "", "")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.NotEmpty(t, result.Items[0].Errors)
	require.Equal(t, StageInputValidation, result.Items[0].Errors[0].Stage)
	require.Empty(t, result.Created)
}

func TestProcessBatchFailFastStopsOnFirstHardFailure(t *testing.T) {
	specs := map[string]PlatformSpec{"instagram": instagramSpec()}
	p := New(specs, nil, Options{Mode: ModeSequential, ContinueOnError: false}, nil)

	bad := rawItem(t, map[string]interface{}{"fullName": "bad"})
	good := rawItem(t, map[string]interface{}{
		"username": "ok", "followersCount": 10.0,
		"stats": map[string]interface{}{"totalInteractions": 1.0, "postsAnalyzed": 1.0},
	})

	result, err := p.ProcessBatch(context.Background(), "instagram", []map[string]interface{}{bad, good}, "", "")
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	require.NotEmpty(t, result.Items[0].Errors)
	require.Nil(t, result.Items[1].Creator) // never processed, batch stopped
}

func TestProcessBatchDetectsDuplicateAndMerges(t *testing.T) {
	specs := map[string]PlatformSpec{"instagram": instagramSpec()}
	existing := []creator.UnifiedCreator{
		{Name: "alice", PlatformIdentifiers: creator.PlatformIdentifiers{InstagramUser: "alice_ig"}, Bio: "existing bio"},
	}
	p := New(specs, NewStaticLookup(existing), Options{Mode: ModeSequential, MergeStrategy: dedup.StrategyMostComplete}, nil)

	raw := rawItem(t, map[string]interface{}{
		"username": "alice_ig", "fullName": "Alice", "followersCount": 500.0,
		"stats": map[string]interface{}{"totalInteractions": 5.0, "postsAnalyzed": 5.0},
	})

	result, err := p.ProcessBatch(context.Background(), "instagram", []map[string]interface{}{raw}, "", "")
	require.NoError(t, err)
	require.True(t, result.Items[0].Duplicate)
	require.True(t, result.Items[0].Merged)
	require.Equal(t, "existing bio", result.Items[0].Creator.Bio) // most-complete kept target's non-empty bio
}

func TestProcessBatchParallelModeProcessesAllItems(t *testing.T) {
	specs := map[string]PlatformSpec{"tiktok": {
		Fields: FieldPaths{"identifier": "$.username", "followers": "$.followers"},
	}}
	p := New(specs, nil, Options{Mode: ModeParallel, MaxConcurrency: 4}, nil)

	var raws []map[string]interface{}
	for i := 0; i < 20; i++ {
		raws = append(raws, rawItem(t, map[string]interface{}{"username": "u", "followers": 1.0}))
	}

	result, err := p.ProcessBatch(context.Background(), "tiktok", raws, "", "")
	require.NoError(t, err)
	require.Len(t, result.Items, 20)
	for _, item := range result.Items {
		require.NotNil(t, item.Creator)
	}
}

func TestAdaptiveBatchSizeClampsToBounds(t *testing.T) {
	require.Equal(t, 10, AdaptiveBatchSize(1, 1, 1))
	require.Equal(t, 500, AdaptiveBatchSize(1000, 10, 10))
	require.Equal(t, 100, AdaptiveBatchSize(50, 2, 1))
}

func TestProcessBatchTimeoutMarksRemainingItems(t *testing.T) {
	specs := map[string]PlatformSpec{"tiktok": {Fields: FieldPaths{"identifier": "$.username"}}}
	p := New(specs, nil, Options{Mode: ModeSequential, Timeout: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-expired budget, deterministically

	raws := []map[string]interface{}{rawItem(t, map[string]interface{}{"username": "u"})}
	result, err := p.ProcessBatch(ctx, "tiktok", raws, "", "")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, StageTimeout, result.Items[0].Errors[0].Stage)
}

func TestNormalizeClampsEngagementRateAndDedupsTags(t *testing.T) {
	rate := 250.0
	c := creator.UnifiedCreator{
		Tags: []string{"Music", "music", " Dance "},
		AverageEngagementRate: &rate,
		TotalReach:            -5,
	}
	out := normalize(c)
	require.ElementsMatch(t, []string{"music", "dance"}, out.Tags)
	require.Equal(t, 100.0, *out.AverageEngagementRate)
	require.Equal(t, 0.0, out.TotalReach)
}
