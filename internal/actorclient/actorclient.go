// Copyright 2025 James Ross
// Package actorclient wraps the remote actor execution service (spec §4.7):
// start/get/wait/abort a run, page a dataset, read a key-value store record,
// and register a webhook. Grounded on the teacher's outbound HTTP client
// shape (internal/event-hooks/webhook.go's *http.Client with a bounded
// Transport) rather than any generated SDK, since the actor service's
// surface here is six verbs, not worth a codegen client.
package actorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/scrapeorch/gateway/internal/clock"
)

// Status is an ActorRun's lifecycle state (spec §3 ActorRun).
type Status string

const (
	StatusReady    Status = "READY"
	StatusRunning  Status = "RUNNING"
	StatusSucceed  Status = "SUCCEEDED"
	StatusFailed   Status = "FAILED"
	StatusTimedOut Status = "TIMED_OUT"
	StatusAborted  Status = "ABORTED"
	StatusAborting Status = "ABORTING"
)

// Terminal reports whether s is a terminal ActorRun status; terminal states
// never transition further (spec §3 monotonicity invariant).
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceed, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	default:
		return false
	}
}

// Run mirrors the actor service's run resource.
type Run struct {
	ID              string         `json:"id"`
	ActorID         string         `json:"actorId"`
	Status          Status         `json:"status"`
	DefaultDatasetID string        `json:"defaultDatasetId"`
	KeyValueStoreID string         `json:"defaultKeyValueStoreId"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	ExitCode        *int           `json:"exitCode,omitempty"`
	Stats           map[string]any `json:"stats,omitempty"`
}

// StartOptions configures a run start beyond the actor id and input.
type StartOptions struct {
	Memory  int
	Timeout time.Duration
	Build   string
}

// DatasetPage is one page of listDataset/listAllDataset results.
type DatasetPage struct {
	Items  []json.RawMessage
	Total  int
	Offset int
	Limit  int
}

// WebhookRegistration is the payload for registerWebhook (spec §4.7).
type WebhookRegistration struct {
	EventTypes      []string       `json:"eventTypes"`
	RequestURL      string         `json:"requestUrl"`
	PayloadTemplate map[string]any `json:"payloadTemplate,omitempty"`
}

// Error is the structured failure shape spec §4.7 requires: a type, an
// optional HTTP status, and arbitrary details from the response body.
type Error struct {
	Type       string
	StatusCode int
	Details    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("actorclient: %s (status %d): %s", e.Type, e.StatusCode, e.Details)
	}
	return fmt.Sprintf("actorclient: %s: %s", e.Type, e.Details)
}

// ErrDeadlineExceeded is returned by WaitForFinish when maxSecs elapses
// before the run reaches a terminal state.
var ErrDeadlineExceeded = &Error{Type: "DEADLINE_EXCEEDED", Details: "run did not reach a terminal state before the deadline"}

// Client talks to the remote actor execution service over HTTP.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	clock      clock.Clock
}

// New builds a Client with a bounded-idle-connections transport, mirroring
// the teacher's outbound webhook client.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		clock: clock.Real,
	}
}

// WithClock overrides the client's clock, for deterministic WaitForFinish tests.
func (c *Client) WithClock(clk clock.Clock) *Client {
	c.clock = clk
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Type: "ENCODE_ERROR", Details: err.Error()}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Type: "REQUEST_BUILD_ERROR", Details: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Type: "TRANSPORT_ERROR", Details: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Type: "READ_ERROR", StatusCode: resp.StatusCode, Details: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return &Error{Type: "HTTP_ERROR", StatusCode: resp.StatusCode, Details: string(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Type: "DECODE_ERROR", StatusCode: resp.StatusCode, Details: err.Error()}
	}
	return nil
}

// Start launches a new run of actorID with input (spec §4.7 "start").
func (c *Client) Start(ctx context.Context, actorID string, input any, opts StartOptions) (*Run, error) {
	path := fmt.Sprintf("/actors/%s/runs", actorID)
	if opts.Memory > 0 || opts.Build != "" {
		q := url.Values{}
		if opts.Memory > 0 {
			q.Set("memory", strconv.Itoa(opts.Memory))
		}
		if opts.Build != "" {
			q.Set("build", opts.Build)
		}
		path += "?" + q.Encode()
	}

	var run Run
	if err := c.do(ctx, http.MethodPost, path, input, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Get fetches the current state of runID ("get" in spec §4.7).
func (c *Client) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/actor-runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Abort requests cancellation of runID.
func (c *Client) Abort(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/actor-runs/"+runID+"/abort", nil, nil)
}

// WaitForFinish polls Get every 2 seconds until runID reaches a terminal
// status or maxSecs elapses (spec §4.7), whichever comes first.
func (c *Client) WaitForFinish(ctx context.Context, runID string, maxSecs int) (*Run, error) {
	deadline := c.clock.Now().Add(time.Duration(maxSecs) * time.Second)
	const pollInterval = 2 * time.Second

	for {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if !c.clock.Now().Add(pollInterval).Before(deadline) {
			return nil, ErrDeadlineExceeded
		}

		select {
		case <-ctx.Done():
			return nil, &Error{Type: "CONTEXT_CANCELED", Details: ctx.Err().Error()}
		case <-c.clock.After(pollInterval):
		}
	}
}

// ListDataset fetches one page of datasetID, offset/limit controlling the
// window (spec §4.7 "listDataset").
func (c *Client) ListDataset(ctx context.Context, datasetID string, offset, limit int) (*DatasetPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var items []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/datasets/"+datasetID+"/items?"+q.Encode(), nil, &items); err != nil {
		return nil, err
	}
	return &DatasetPage{Items: items, Offset: offset, Limit: limit, Total: len(items)}, nil
}

// datasetPageSize is the fixed page size listAllDataset uses while
// auto-paging (spec §4.7: "auto-pages, limit=1000").
const datasetPageSize = 1000

// ListAllDataset auto-pages through datasetID at a fixed page size until a
// short page signals the end.
func (c *Client) ListAllDataset(ctx context.Context, datasetID string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	offset := 0
	for {
		page, err := c.ListDataset(ctx, datasetID, offset, datasetPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if len(page.Items) < datasetPageSize {
			return all, nil
		}
		offset += datasetPageSize
	}
}

// GetStoreRecord reads a single key from storeID's key-value store.
func (c *Client) GetStoreRecord(ctx context.Context, storeID, key string) (json.RawMessage, error) {
	var record json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/key-value-stores/"+storeID+"/records/"+key, nil, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// RegisterWebhook registers reg against actorID so the actor service
// delivers run lifecycle events to it (spec §4.7 "registerWebhook").
func (c *Client) RegisterWebhook(ctx context.Context, actorID string, reg WebhookRegistration) error {
	return c.do(ctx, http.MethodPost, "/actors/"+actorID+"/webhooks", reg, nil)
}
