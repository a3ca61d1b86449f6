// Copyright 2025 James Ross
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/apikey"
	"github.com/scrapeorch/gateway/internal/breaker"
	"github.com/scrapeorch/gateway/internal/gatewayerr"
	"github.com/scrapeorch/gateway/internal/obs"
	"github.com/scrapeorch/gateway/internal/ratelimit"
	"github.com/scrapeorch/gateway/internal/retry"
	"github.com/scrapeorch/gateway/internal/router"
)

// TrackingEvent is emitted once per request for downstream analytics/alerting
// (spec SPEC_FULL.md §3 new entity), handed to the Gateway's Tracker; with a
// nil Tracker no event is emitted.
type TrackingEvent struct {
	RequestID    string
	Platform     string
	Endpoint     string
	Method       string
	APIKeyID     string
	StatusCode   int
	DurationMS   float64
	ErrorCode    string
	Timestamp    time.Time
}

// Tracker receives a TrackingEvent per request; nil disables tracking.
type Tracker interface {
	Track(TrackingEvent)
}

// timingsRing keeps the last N request durations (spec §4.5: "update
// per-request-id timings ring (keep last 1000)").
type timingsRing struct {
	mu      sync.Mutex
	entries []time.Duration
	cap     int
}

func newTimingsRing(capacity int) *timingsRing {
	return &timingsRing{cap: capacity}
}

func (r *timingsRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, d)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *timingsRing) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.entries))
	copy(out, r.entries)
	return out
}

// Gateway composes admission, routing, retry, and tracking into the single
// sequence named in spec §4.5.
type Gateway struct {
	Keys      *apikey.Manager
	Limiters  *ratelimit.Manager
	Breakers  map[string]*breaker.CircuitBreaker
	Router    *router.Router
	RetryOpts retry.Options
	Tracker   Tracker
	Logger    *zap.Logger

	active  int64
	activeMu sync.Mutex
	timings *timingsRing
}

// New builds a Gateway. breakers is keyed by platform, one breaker guarding
// each downstream.
func New(keys *apikey.Manager, limiters *ratelimit.Manager, breakers map[string]*breaker.CircuitBreaker, rt *router.Router, retryOpts retry.Options, tracker Tracker, logger *zap.Logger) *Gateway {
	return &Gateway{
		Keys:      keys,
		Limiters:  limiters,
		Breakers:  breakers,
		Router:    rt,
		RetryOpts: retryOpts,
		Tracker:   tracker,
		Logger:    logger,
		timings:   newTimingsRing(1000),
	}
}

// Handle runs the full admission→routing→retry→tracking sequence for req
// and returns the response headers merged with the standard ones (spec
// §4.5 and §6).
func (g *Gateway) Handle(req router.Request) (router.Response, map[string]string, error) {
	requestID := uuid.NewString()
	start := time.Now()

	g.incActive()
	defer g.decActive()

	resp, gwErr := g.handleInner(req, requestID)

	duration := time.Since(start)
	g.timings.add(duration)
	obs.RequestDuration.WithLabelValues(req.Platform).Observe(duration.Seconds())

	headers := map[string]string{
		"X-Request-ID":    requestID,
		"X-Response-Time": fmt.Sprintf("%dms", duration.Milliseconds()),
	}
	if resp.RateLimitInfo != nil {
		headers["X-RateLimit-Limit"] = fmt.Sprintf("%d", resp.RateLimitInfo.Limit)
		headers["X-RateLimit-Remaining"] = fmt.Sprintf("%d", resp.RateLimitInfo.Remaining)
		headers["X-RateLimit-Reset"] = fmt.Sprintf("%d", resp.RateLimitInfo.Reset)
	}

	status := 200
	errCode := ""
	if gwErr != nil {
		status = gwErr.StatusCode
		errCode = string(gwErr.Code)
		if gwErr.RetryAfter > 0 {
			headers["Retry-After"] = fmt.Sprintf("%.0f", gwErr.RetryAfter)
		}
	} else if resp.Status != 0 {
		status = resp.Status
	}
	obs.RequestsTotal.WithLabelValues(req.Platform, fmt.Sprintf("%d", status)).Inc()

	if g.Tracker != nil {
		g.Tracker.Track(TrackingEvent{
			RequestID:  requestID,
			Platform:   req.Platform,
			Endpoint:   req.Endpoint,
			Method:     string(req.Method),
			StatusCode: status,
			DurationMS: float64(duration.Microseconds()) / 1000,
			ErrorCode:  errCode,
			Timestamp:  start,
		})
	}

	if gwErr != nil {
		return router.Response{}, headers, gwErr
	}
	return resp, headers, nil
}

func (g *Gateway) handleInner(req router.Request, requestID string) (router.Response, *gatewayerr.Error) {
	key, err := g.Keys.Validate(req.APIKey)
	if err != nil {
		return router.Response{}, gatewayerr.New(gatewayerr.InvalidAPIKey, err.Error(), 401)
	}

	required := fmt.Sprintf("%s:%s", req.Platform, lower(string(req.Method)))
	if !key.HasPermission(required) {
		return router.Response{}, gatewayerr.New(gatewayerr.Forbidden, "missing permission "+required, 403)
	}

	scope := fmt.Sprintf("%s:%s", req.Platform, key.ID)
	rlResult := g.Limiters.Check(scope, key.ID)
	info := g.Limiters.Info(scope, key.ID)
	rateInfo := &router.RateLimitInfo{Limit: info.Limit, Remaining: info.Remaining, Reset: info.Reset.Unix()}
	if !rlResult.Allowed {
		obs.RateLimitHits.WithLabelValues(req.Platform).Inc()
		e := gatewayerr.New(gatewayerr.RateLimitExceeded, "rate limit exceeded", 429)
		e.RetryAfter = rlResult.RetryAfterSecs
		e.RequestID = requestID
		return router.Response{RateLimitInfo: rateInfo}, e
	}

	cb := g.Breakers[req.Platform]

	var resp router.Response
	var routeErr error
	runner := func() error {
		if cb != nil {
			return cb.Execute(func() error {
				var innerErr error
				resp, innerErr = g.Router.Route(req)
				return innerErr
			})
		}
		resp, routeErr = g.Router.Route(req)
		return routeErr
	}

	err2 := retry.Run(g.RetryOpts, func() error {
		err := runner()
		return wrapForRetry(err)
	})

	if err2 != nil {
		return router.Response{RateLimitInfo: rateInfo}, mapToTaxonomy(err2, requestID)
	}

	resp.RateLimitInfo = rateInfo
	return resp, nil
}

// wrapForRetry classifies a raw routing/downstream error for the retry
// executor. breaker.ErrOpen and router errors are passed through unchanged
// so retry.IsRetryable reports false for them: an open circuit must fail
// fast without touching the downstream again (spec §4.3 Propagation), and a
// missing route/handler is never retryable. Anything else is treated as a
// 5xx-class downstream failure eligible for the retryable classification.
func wrapForRetry(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case breaker.ErrOpen, router.ErrRouteNotFound, router.ErrHandlerNotFound:
		return err
	}
	return &retry.StatusError{Err: err, StatusCode: 503}
}

func mapToTaxonomy(err error, requestID string) *gatewayerr.Error {
	var e *gatewayerr.Error
	switch {
	case isType[router.ErrRouteNotFound](err):
		e = gatewayerr.New(gatewayerr.RouteNotFound, err.Error(), 404)
	case isType[router.ErrHandlerNotFound](err):
		e = gatewayerr.New(gatewayerr.HandlerNotFound, err.Error(), 500)
	case isType[breaker.ErrOpen](err):
		e = gatewayerr.New(gatewayerr.CircuitBreakerOpen, err.Error(), 503)
	default:
		if se, ok := err.(*retry.StatusError); ok {
			e = gatewayerr.New(gatewayerr.ServiceUnavailable, se.Error(), se.StatusCode)
		} else {
			e = gatewayerr.New(gatewayerr.InternalError, err.Error(), 500)
		}
	}
	e.RequestID = requestID
	return e
}

func isType[T error](err error) bool {
	_, ok := err.(T)
	return ok
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (g *Gateway) incActive() {
	g.activeMu.Lock()
	g.active++
	obs.ActiveConnections.Set(float64(g.active))
	g.activeMu.Unlock()
}

func (g *Gateway) decActive() {
	g.activeMu.Lock()
	g.active--
	obs.ActiveConnections.Set(float64(g.active))
	g.activeMu.Unlock()
}
