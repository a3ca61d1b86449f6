// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapeorch/gateway/internal/config"
)

var (
	// Gateway / admission
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of gateway requests by platform and status code",
	}, []string{"platform", "status"})
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Histogram of gateway request durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})
	RateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_hits_total",
		Help: "Total number of requests rejected by a rate limiter",
	}, []string{"platform"})
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Number of in-flight gateway requests",
	})

	// Circuit breaker
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"name"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"name"})

	// Job queue / worker pool
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed job attempts",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries",
	}, []string{"queue"})
	JobsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to a dead letter queue",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a named job queue",
	}, []string{"queue", "status"})

	// Run tracker
	RunsTracked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actor_runs_tracked",
		Help: "Number of actor runs currently being polled",
	}, []string{"platform"})
	RunsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actor_runs_terminal_total",
		Help: "Total number of actor runs that reached a terminal state",
	}, []string{"platform", "status"})

	// Webhook ingress/handler
	WebhookEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received_total",
		Help: "Total number of webhook events accepted by the ingress",
	}, []string{"provider", "event_type"})
	WebhookSignatureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Total number of webhook requests rejected for signature failure",
	}, []string{"provider"})
	WebhookEventsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_dead_letter_total",
		Help: "Total number of webhook events moved to the dead letter state",
	}, []string{"provider"})

	// Result pipeline (per-stage, per spec §4.11 / component N)
	PipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Histogram of result-pipeline stage durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "stage"})
	PipelineItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_items_processed_total",
		Help: "Total number of items processed by the result pipeline",
	}, []string{"platform", "outcome"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RequestDuration, RateLimitHits, ActiveConnections,
		CircuitBreakerState, CircuitBreakerTrips,
		JobsEnqueued, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter, JobProcessingDuration, QueueLength,
		RunsTracked, RunsTerminal,
		WebhookEventsReceived, WebhookSignatureFailures, WebhookEventsDeadLettered,
		PipelineStageDuration, PipelineItemsProcessed,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
