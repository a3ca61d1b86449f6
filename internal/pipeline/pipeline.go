// Copyright 2025 James Ross
// Package pipeline implements component L, the staged result pipeline
// (spec §4.11): INPUT_VALIDATION → TRANSFORMATION → NORMALIZATION →
// DUPLICATE_DETECTION → MERGING? → OUTPUT_VALIDATION, with per-stage
// metrics and three batch execution modes. Grounded on the teacher's
// internal/dlq-remediation-pipeline for the overall "staged processing with
// per-stage timing and a pluggable classifier" shape, and on
// internal/exactly-once-patterns for the semaphore-bounded parallel
// execution idiom reused here in parallel/batch mode.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/xeipuuv/gojsonschema"

	"github.com/scrapeorch/gateway/internal/clock"
	"github.com/scrapeorch/gateway/internal/creator"
	"github.com/scrapeorch/gateway/internal/dedup"
	"github.com/scrapeorch/gateway/internal/obs"
)

// Mode selects how a batch of items is executed (spec §4.11).
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeBatch      Mode = "batch"
)

// Stage names double as the taxonomy's pipeline-stage error codes (spec §7).
const (
	StageInputValidation   = "INPUT_VALIDATION"
	StageTransformation    = "TRANSFORMATION"
	StageNormalization     = "NORMALIZATION"
	StageDuplicateDetection = "DUPLICATE_DETECTION"
	StageMerging           = "MERGING"
	StageOutputValidation  = "OUTPUT_VALIDATION"
	StageTimeout           = "TIMEOUT"
)

// FieldPaths maps a unified field name to the jsonpath expression that
// extracts it from a platform's raw dataset item, mirroring the teacher's
// dlq-remediation-pipeline classifier's matcher.JSONPath pattern.
type FieldPaths map[string]string

// PlatformSpec configures how one platform's raw items are validated and
// transformed.
type PlatformSpec struct {
	RequiredFields []string          // top-level keys that must be present (hard failure if missing)
	Schema         *gojsonschema.Schema // optional structural schema; validated in addition to RequiredFields
	Fields         FieldPaths        // jsonpath expressions: name, bio, profileImageUrl, category, identifier, followers, interactions, postsAnalyzed
	Category       string
}

// CompileSchema builds a gojsonschema.Schema from a raw JSON schema
// document, for use as PlatformSpec.Schema.
func CompileSchema(schemaJSON []byte) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
}

// Options configures one ProcessBatch call (spec §4.11/§5).
type Options struct {
	Mode            Mode
	MaxConcurrency  int
	ContinueOnError bool // false = fail-fast: stop the batch on the first hard failure
	MergeStrategy   dedup.Strategy
	Timeout         time.Duration // wall-clock budget for the whole batch
	BatchBase       int           // adaptive batch size base (mode=batch)
	MemoryFactor    float64
	ItemCountFactor float64
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeSequential
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.MergeStrategy == "" {
		o.MergeStrategy = dedup.StrategyMostComplete
	}
	if o.BatchBase <= 0 {
		o.BatchBase = 50
	}
	if o.MemoryFactor <= 0 {
		o.MemoryFactor = 1
	}
	if o.ItemCountFactor <= 0 {
		o.ItemCountFactor = 1
	}
	return o
}

// AdaptiveBatchSize computes base*memoryFactor*itemCountFactor clamped to
// [10,500] (spec §4.11's literal batch-mode sizing formula).
func AdaptiveBatchSize(base int, memoryFactor, itemCountFactor float64) int {
	size := int(float64(base) * memoryFactor * itemCountFactor)
	if size < 10 {
		return 10
	}
	if size > 500 {
		return 500
	}
	return size
}

// StageError records a named-stage failure against one item (spec §7's
// pipeline-stage codes).
type StageError struct {
	Stage   string
	Message string
}

func (e StageError) Error() string { return fmt.Sprintf("%s: %s", e.Stage, e.Message) }

// ItemOutcome is one item's journey through the pipeline.
type ItemOutcome struct {
	Index     int
	Creator   *creator.UnifiedCreator
	Duplicate bool
	Merged    bool
	Warnings  []string
	Errors    []StageError
}

// Result is the outcome of one ProcessBatch call.
type Result struct {
	Items   []ItemOutcome
	Created []creator.UnifiedCreator // final per-item creators surviving validation (post merge where applicable)
}

// Lookup resolves a platform's currently-known creators for duplicate
// detection (internal/store implements this in production; tests supply a
// static slice).
type Lookup interface {
	Existing(ctx context.Context, platform string) ([]creator.UnifiedCreator, error)
}

// staticLookup adapts a plain slice to Lookup.
type staticLookup []creator.UnifiedCreator

func (s staticLookup) Existing(context.Context, string) ([]creator.UnifiedCreator, error) { return []creator.UnifiedCreator(s), nil }

// StageSink receives one stage-timing observation per processed item, in
// addition to the obs.PipelineStageDuration histogram observeStage always
// updates (internal/metrics's ClickHouse exporter implements this for
// offline stage-timing analytics; nil is fine — the histogram is enough for
// live dashboards).
type StageSink interface {
	RecordStage(platform, stage string, duration time.Duration)
}

// Pipeline runs the six spec §4.11 stages over batches of raw platform
// items.
type Pipeline struct {
	Specs   map[string]PlatformSpec
	Lookup  Lookup
	Options Options
	Clock   clock.Clock
	Sink    StageSink
}

// New builds a Pipeline. clk defaults to clock.Real when nil.
func New(specs map[string]PlatformSpec, lookup Lookup, opts Options, clk clock.Clock) *Pipeline {
	if clk == nil {
		clk = clock.Real
	}
	return &Pipeline{Specs: specs, Lookup: lookup, Options: opts.withDefaults(), Clock: clk}
}

// Process implements internal/webhookhandler's ResultProcessor: unmarshal
// each raw dataset item and run it through ProcessBatch, returning the
// creators that survived output validation.
func (p *Pipeline) Process(ctx context.Context, platform string, items []json.RawMessage) ([]creator.UnifiedCreator, error) {
	raws := make([]map[string]interface{}, len(items))
	for i, item := range items {
		var raw map[string]interface{}
		if err := json.Unmarshal(item, &raw); err != nil {
			raw = map[string]interface{}{}
		}
		raws[i] = raw
	}
	result, err := p.ProcessBatch(ctx, platform, raws, "", "")
	if err != nil {
		return nil, err
	}
	return result.Created, nil
}

// ProcessBatch runs raws through all six stages under p.Options.Mode,
// honoring the wall-clock timeout (spec: "timeout fails the batch with a
// TIMEOUT error").
func (p *Pipeline) ProcessBatch(ctx context.Context, platform string, raws []map[string]interface{}, actorID, runID string) (Result, error) {
	spec, ok := p.Specs[platform]
	if !ok {
		spec = PlatformSpec{}
	}

	if p.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Options.Timeout)
		defer cancel()
	}

	existing, err := p.existingFor(ctx, platform)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: load existing: %w", err)
	}

	outcomes := make([]ItemOutcome, len(raws))

	switch p.Options.Mode {
	case ModeParallel:
		p.runParallel(ctx, platform, spec, raws, outcomes, actorID, runID, existing, p.Options.MaxConcurrency)
	case ModeBatch:
		chunk := AdaptiveBatchSize(p.Options.BatchBase, p.Options.MemoryFactor, p.Options.ItemCountFactor)
		for start := 0; start < len(raws); start += chunk {
			end := start + chunk
			if end > len(raws) {
				end = len(raws)
			}
			p.runParallel(ctx, platform, spec, raws[start:end], outcomes[start:end], actorID, runID, existing, p.Options.MaxConcurrency)
			if ctx.Err() != nil {
				markRemainingTimedOut(outcomes, end)
				break
			}
		}
	default:
		p.runSequential(ctx, platform, spec, raws, outcomes, actorID, runID, existing)
	}

	result := Result{Items: outcomes}
	for _, o := range outcomes {
		if o.Creator != nil && len(o.Errors) == 0 {
			result.Created = append(result.Created, *o.Creator)
		}
	}
	return result, nil
}

func (p *Pipeline) existingFor(ctx context.Context, platform string) ([]creator.UnifiedCreator, error) {
	if p.Lookup == nil {
		return nil, nil
	}
	return p.Lookup.Existing(ctx, platform)
}

func (p *Pipeline) runSequential(ctx context.Context, platform string, spec PlatformSpec, raws []map[string]interface{}, outcomes []ItemOutcome, actorID, runID string, existing []creator.UnifiedCreator) {
	for i, raw := range raws {
		if ctx.Err() != nil {
			outcomes[i] = timedOut(i)
			continue
		}
		outcomes[i] = p.processOne(ctx, platform, spec, i, raw, actorID, runID, existing)
		if !p.Options.ContinueOnError && len(outcomes[i].Errors) > 0 {
			markRemainingTimedOut(outcomes, i+1)
			return
		}
	}
}

func (p *Pipeline) runParallel(ctx context.Context, platform string, spec PlatformSpec, raws []map[string]interface{}, outcomes []ItemOutcome, actorID, runID string, existing []creator.UnifiedCreator, maxConcurrency int) {
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, raw := range raws {
		i, raw := i, raw
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil {
				outcomes[i] = timedOut(i)
				return
			}
			// Promise.allSettled semantics: a single item's failure never
			// aborts the others in this chunk.
			outcomes[i] = p.processOne(ctx, platform, spec, i, raw, actorID, runID, existing)
		}()
	}
	wg.Wait()
}

func timedOut(index int) ItemOutcome {
	return ItemOutcome{Index: index, Errors: []StageError{{Stage: StageTimeout, Message: "pipeline batch timeout"}}}
}

func markRemainingTimedOut(outcomes []ItemOutcome, from int) {
	for i := from; i < len(outcomes); i++ {
		if outcomes[i].Creator == nil && len(outcomes[i].Errors) == 0 {
			outcomes[i] = timedOut(i)
		}
	}
}

func (p *Pipeline) processOne(ctx context.Context, platform string, spec PlatformSpec, index int, raw map[string]interface{}, actorID, runID string, existing []creator.UnifiedCreator) ItemOutcome {
	outcome := ItemOutcome{Index: index}

	if warnings, err := p.validateInput(spec, raw); err != nil {
		outcome.Errors = append(outcome.Errors, StageError{Stage: StageInputValidation, Message: err.Error()})
		if !p.Options.ContinueOnError {
			return outcome
		}
	} else {
		outcome.Warnings = append(outcome.Warnings, warnings...)
	}
	p.observeStage(platform, StageInputValidation, func() {})

	var c creator.UnifiedCreator
	p.observeStage(platform, StageTransformation, func() {
		c = p.transform(spec, raw, platform, actorID, runID)
	})

	p.observeStage(platform, StageNormalization, func() {
		c = normalize(c)
	})

	var match dedup.Match
	var isDup bool
	p.observeStage(platform, StageDuplicateDetection, func() {
		match, isDup = dedup.Detect(c, existing)
	})
	outcome.Duplicate = isDup

	if isDup {
		p.observeStage(platform, StageMerging, func() {
			c = dedup.Merge(existing[match.Index], c, p.Options.MergeStrategy)
		})
		outcome.Merged = true
	}

	var outWarnings []string
	p.observeStage(platform, StageOutputValidation, func() {
		outWarnings = outputWarnings(c)
		if !c.Valid() {
			outcome.Errors = append(outcome.Errors, StageError{Stage: StageOutputValidation, Message: "missing platform identifier or out-of-range metric"})
		}
	})
	outcome.Warnings = append(outcome.Warnings, outWarnings...)
	outcome.Creator = &c

	if len(outcome.Errors) == 0 {
		obs.PipelineItemsProcessed.WithLabelValues(platform, "success").Inc()
	} else {
		obs.PipelineItemsProcessed.WithLabelValues(platform, "failure").Inc()
	}
	return outcome
}

func (p *Pipeline) observeStage(platform, stage string, fn func()) {
	start := p.Clock.Now()
	fn()
	duration := p.Clock.Now().Sub(start)
	obs.PipelineStageDuration.WithLabelValues(platform, stage).Observe(duration.Seconds())
	if p.Sink != nil {
		p.Sink.RecordStage(platform, stage, duration)
	}
}

// validateInput checks spec.RequiredFields are present and, if spec.Schema
// is set, that raw conforms to it structurally (required fields present,
// numeric ranges plausible, well-formed types — spec's "platform-specific
// structural check"). Either failure is hard.
func (p *Pipeline) validateInput(spec PlatformSpec, raw map[string]interface{}) ([]string, error) {
	var missing []string
	for _, field := range spec.RequiredFields {
		if _, ok := raw[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if spec.Schema != nil {
		result, err := spec.Schema.Validate(gojsonschema.NewGoLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
		if !result.Valid() {
			descs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				descs = append(descs, e.String())
			}
			return nil, fmt.Errorf("schema violations: %s", strings.Join(descs, "; "))
		}
	}
	return nil, nil
}

// extractField evaluates a jsonpath expression against raw, returning ""/0
// on any failure rather than erroring the whole transform — absent fields
// are common across heterogeneous platform payloads.
func extractField(raw map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	v, err := jsonpath.Get(path, raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

func extractString(raw map[string]interface{}, path string) string {
	v, ok := extractField(raw, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func extractFloat(raw map[string]interface{}, path string) float64 {
	v, ok := extractField(raw, path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// transform applies spec.Fields's jsonpath expressions to raw, computes the
// averages/engagement-rate derived metrics, and fills a UnifiedCreator
// (spec §4.11: "computes averages = totals/postsAnalyzed, engagementRate =
// (interactions/followers/postsCount)*100").
func (p *Pipeline) transform(spec PlatformSpec, raw map[string]interface{}, platform, actorID, runID string) creator.UnifiedCreator {
	followers := extractFloat(raw, spec.Fields["followers"])
	interactions := extractFloat(raw, spec.Fields["interactions"])
	postsAnalyzed := extractFloat(raw, spec.Fields["postsAnalyzed"])

	var engagementRate *float64
	if followers > 0 && postsAnalyzed > 0 {
		rate := (interactions / followers / postsAnalyzed) * 100
		engagementRate = &rate
	}

	identifiers := creator.PlatformIdentifiers{}
	id := extractString(raw, spec.Fields["identifier"])
	switch platform {
	case "youtube":
		identifiers.YouTubeChannelID = id
	case "twitter":
		identifiers.TwitterHandle = id
	case "instagram":
		identifiers.InstagramUser = id
	case "tiktok":
		identifiers.TikTokUsername = id
	}

	category := extractString(raw, spec.Fields["category"])
	if category == "" {
		category = spec.Category
	}

	return creator.UnifiedCreator{
		Name:                  extractString(raw, spec.Fields["name"]),
		Bio:                   extractString(raw, spec.Fields["bio"]),
		ProfileImageURL:       extractString(raw, spec.Fields["profileImageUrl"]),
		Category:              category,
		PlatformIdentifiers:   identifiers,
		TotalReach:            followers,
		AverageEngagementRate: engagementRate,
		PlatformData:          map[string]interface{}{platform: raw},
		SourceActorID:         actorID,
		SourceRunID:           runID,
		ScrapedAt:             p.Clock.Now(),
	}
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// trackingParams are stripped by normalizeURL (spec: "strips tracking
// params, forces scheme").
var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagPattern.ReplaceAllString(s, "")))
}

func normalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "" || u.Scheme == "http" {
		u.Scheme = "https"
	}
	q := u.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// normalize applies spec §4.11's normalization rules: trim/lowercase
// identifiers and category, dedup+lowercase tags, clamp totalReach and
// averageEngagementRate, normalize URLs, strip HTML from name/bio.
func normalize(c creator.UnifiedCreator) creator.UnifiedCreator {
	c.PlatformIdentifiers.YouTubeChannelID = strings.ToLower(strings.TrimSpace(c.PlatformIdentifiers.YouTubeChannelID))
	c.PlatformIdentifiers.TwitterHandle = strings.ToLower(strings.TrimSpace(c.PlatformIdentifiers.TwitterHandle))
	c.PlatformIdentifiers.InstagramUser = strings.ToLower(strings.TrimSpace(c.PlatformIdentifiers.InstagramUser))
	c.PlatformIdentifiers.TikTokUsername = strings.ToLower(strings.TrimSpace(c.PlatformIdentifiers.TikTokUsername))
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))

	seen := make(map[string]struct{}, len(c.Tags))
	tags := make([]string, 0, len(c.Tags))
	for _, tag := range c.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	c.Tags = tags

	if c.TotalReach < 0 {
		c.TotalReach = 0
	}
	if c.AverageEngagementRate != nil {
		rate := *c.AverageEngagementRate
		if rate < 0 {
			rate = 0
		}
		if rate > 100 {
			rate = 100
		}
		c.AverageEngagementRate = &rate
	}

	c.ProfileImageURL = normalizeURL(c.ProfileImageURL)
	c.Name = stripHTML(c.Name)
	c.Bio = stripHTML(c.Bio)
	return c
}

// outputWarnings flags implausible-but-not-invalid metrics (spec §4.11:
// "warnings for implausible metrics").
func outputWarnings(c creator.UnifiedCreator) []string {
	var warnings []string
	if c.TotalReach > 1e9 {
		warnings = append(warnings, "totalReach exceeds 1e9, implausible")
	}
	if c.AverageEngagementRate != nil && *c.AverageEngagementRate > 50 {
		warnings = append(warnings, "averageEngagementRate exceeds 50%, implausible")
	}
	return warnings
}

// NewStaticLookup wraps existing in a Lookup, for tests and any caller
// that already has the full known-creators slice in hand.
func NewStaticLookup(existing []creator.UnifiedCreator) Lookup { return staticLookup(existing) }
