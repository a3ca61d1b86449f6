// Copyright 2025 James Ross
// Command gateway runs the scraping orchestration gateway: HTTP admission
// (rate limits, circuit breakers, routing, retry), webhook ingress and
// processing, run tracking, and the result pipeline, all wired against one
// Redis and an optional Postgres/ClickHouse/NATS set of sinks. Grounded on
// the teacher's cmd/job-queue-system/main.go wiring order: load config,
// build the Redis client, construct every component against it, start
// background loops, then block on signal for graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/actorclient"
	"github.com/scrapeorch/gateway/internal/admin"
	"github.com/scrapeorch/gateway/internal/alerts"
	"github.com/scrapeorch/gateway/internal/apikey"
	"github.com/scrapeorch/gateway/internal/breaker"
	"github.com/scrapeorch/gateway/internal/config"
	"github.com/scrapeorch/gateway/internal/gateway"
	gw "github.com/scrapeorch/gateway/internal/gatewayerr"
	"github.com/scrapeorch/gateway/internal/metrics"
	"github.com/scrapeorch/gateway/internal/obs"
	"github.com/scrapeorch/gateway/internal/pipeline"
	"github.com/scrapeorch/gateway/internal/queue"
	"github.com/scrapeorch/gateway/internal/ratelimit"
	"github.com/scrapeorch/gateway/internal/redisclient"
	"github.com/scrapeorch/gateway/internal/retry"
	"github.com/scrapeorch/gateway/internal/router"
	"github.com/scrapeorch/gateway/internal/runtracker"
	"github.com/scrapeorch/gateway/internal/store"
	"github.com/scrapeorch/gateway/internal/webhookhandler"
	"github.com/scrapeorch/gateway/internal/webhookingress"
)

// namedQueues are the four queues spec §4.6 names. Only webhook-processing
// has a driven worker pool in this repo (spec §4.10's dequeue/dispatch
// sequence); the other three are the job substrate a platform's Router
// handler enqueues scrape/discovery/sync work onto, left to the caller that
// issues those jobs.
var namedQueues = []string{"scraping", "discovery", "creator-sync", webhookhandler.QueueName}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fatal("build logger", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatal("ping redis", err)
	}

	queues := make(map[string]*queue.Queue, len(namedQueues))
	queueKeys := make(map[string]map[string]string, len(namedQueues))
	for _, name := range namedQueues {
		queues[name] = queue.New(rdb, name, cfg.Queue.RemoveOnComplete, cfg.Queue.RemoveOnFail)
		k := queue.NewKeys(name)
		queueKeys[name] = map[string]string{
			"waiting":   k.Waiting(),
			"delayed":   k.Delayed(),
			"active":    k.Active(),
			"completed": k.Completed(),
			"failed":    k.Failed(),
			"dead":      k.Dead(),
		}
	}
	obs.StartQueueLengthUpdater(ctx, 5*time.Second, rdb, queueKeys, logger)

	keys := apikey.NewManager(logger, func(action, keyID, reason string) {
		logger.Info("apikey: audit", obs.String("action", action), obs.String("key_id", keyID), obs.String("reason", reason))
	})

	limiters := ratelimit.NewManager(func(scope string) ratelimit.Limiter {
		platform := scope
		if i := strings.IndexByte(scope, ':'); i >= 0 {
			platform = scope[:i]
		}
		pc := cfg.Platforms[config.Platform(platform)]
		window := time.Duration(pc.RateWindowMs) * time.Millisecond
		if window <= 0 {
			window = 60 * time.Second
		}
		limit := pc.RateMaxRequests
		if limit <= 0 {
			limit = 30
		}
		return ratelimit.NewDistributed(rdb, "ratelimit:"+platform, limit, window)
	}, time.Minute, 5*time.Minute)
	go limiters.Run(ctx)

	breakers := make(map[string]*breaker.CircuitBreaker, len(config.AllPlatforms))
	for _, p := range config.AllPlatforms {
		breakers[string(p)] = breaker.New(string(p), cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout)
	}

	rt := router.New()
	registerPlatformRoutes(rt, cfg, logger)

	var alertBus *alerts.Bus
	if cfg.Alerts.NatsURL != "" {
		alertBus, err = alerts.Connect(cfg.Alerts.NatsURL, cfg.Alerts.Prefix, logger)
		if err != nil {
			logger.Warn("alerts: connect failed, alerting disabled", obs.Err(err))
		}
	}

	var creatorStore *store.CreatorStore
	if cfg.Datastore.URL != "" {
		creatorStore, err = store.NewCreatorStore(ctx, cfg.Datastore.URL, logger)
		if err != nil {
			fatal("open creator store", err)
		}
		defer creatorStore.Close()
	}

	var analyticsExporter *metrics.Exporter
	if cfg.Analytics.DSN != "" {
		analyticsExporter, err = metrics.NewExporter(ctx, metrics.Config{DSN: cfg.Analytics.DSN, Database: cfg.Analytics.Database}, logger)
		if err != nil {
			logger.Warn("metrics: clickhouse exporter disabled", obs.Err(err))
		} else {
			analyticsExporter.Start(ctx)
			defer analyticsExporter.Close()
		}
	}

	resultPipeline := pipeline.New(platformSpecs(cfg), creatorStore, pipeline.Options{MergeStrategy: "most-complete"}, nil)
	if analyticsExporter != nil {
		resultPipeline.Sink = analyticsExporter
	}

	actor := actorclient.New(cfg.ActorClient.BaseURL, cfg.ActorClient.Token, cfg.ActorClient.Timeout)
	tracker := runtracker.New(actor, nil, cfg.ActorClient.PollInterval, logger)

	webhookQueue := queues[webhookhandler.QueueName]
	webhookStore := webhookhandler.NewQueueAdapter(webhookQueue, cfg.Webhook.MaxAttempts)
	ingress := webhookingress.New(secretLookup(cfg), webhookStore, cfg.Webhook.Environment, cfg.Webhook.MaxAttempts, logger)

	var handlerCreators webhookhandler.CreatorUpserter
	if creatorStore != nil {
		handlerCreators = creatorStore
	}
	handler := webhookhandler.New(actor, resultPipeline, handlerCreators, tracker, alertBusAdapter{alertBus}, logger)
	pool := queue.NewWorkerPool(webhookQueue, cfg.Queue.Concurrency, webhookhandler.WebhookMaxAttempts, webhookhandler.WebhookBackoffBase, webhookhandler.WebhookBackoffMax, logger)
	go pool.Run(ctx, handler.HandleJob)

	sweeper := webhookhandler.NewSweeper(webhookQueue, alertBusAdapter{alertBus}, logger)
	if err := sweeper.Start(); err != nil {
		fatal("start webhook sweeper", err)
	}
	defer sweeper.Stop()

	adminRegistry := admin.NewRegistry(queues, keys, rdb, logger)

	admission := gateway.New(keys, limiters, breakers, rt, retry.Options{
		MaxRetries:        cfg.Retry.MaxAttempts,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Jitter:            cfg.Retry.Jitter,
	}, nil, logger)

	mr := mux.NewRouter()
	ingress.RegisterRoutes(mr)
	adminRegistry.RegisterRoutes(mr)
	mr.HandleFunc("/api/gateway", newGatewayHandler(admission)).Methods(http.MethodPost)

	httpSrv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: withCORS(cfg, mr)}
	go func() {
		logger.Info("gateway: listening", obs.String("addr", cfg.Gateway.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway: http server failed", obs.Err(err))
		}
	}()

	metricsSrv := obs.StartHTTPServer(cfg, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	<-ctx.Done()
	logger.Info("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func fatal(step string, err error) {
	println("gateway: " + step + ": " + err.Error())
	os.Exit(70)
}

// secretLookup adapts config's provider->secret map to webhookingress.SecretLookup.
func secretLookup(cfg *config.Config) webhookingress.SecretLookup {
	return func(provider string) (string, bool) {
		s, ok := cfg.Webhook.Secrets[provider]
		return s, ok && s != ""
	}
}

// platformSpecs builds a minimal PlatformSpec per configured platform; field
// extraction paths are registered by the operator per spec §4.11's
// per-platform Fields map, not derivable from config alone, so this seeds an
// empty spec per platform and lets downstream config/ops fill Fields in.
func platformSpecs(cfg *config.Config) map[string]pipeline.PlatformSpec {
	specs := make(map[string]pipeline.PlatformSpec, len(cfg.Platforms))
	for p := range cfg.Platforms {
		specs[string(p)] = pipeline.PlatformSpec{Category: string(p)}
	}
	return specs
}

// registerPlatformRoutes wires the actor-client passthrough used when a
// gateway request's endpoint has no platform-specific handler registered:
// every platform gets the same default, proxying the start verb
// (POST /<platform>/runs) onto the actor client (spec §4.7); get and abort
// are not routed. Platform-specific overrides can call rt.Handle again
// after this loop for a given platform to take precedence.
func registerPlatformRoutes(rt *router.Router, cfg *config.Config, logger *zap.Logger) {
	for p, pc := range cfg.Platforms {
		platform := p
		actorID := pc.ActorID
		client := actorclient.New(cfg.ActorClient.BaseURL, pc.APIKey, cfg.ActorClient.Timeout)
		rt.Handle(router.POST, "/"+string(platform)+"/runs", func(req router.Request) (router.Response, error) {
			input, _ := req.Body.(map[string]interface{})
			run, err := client.Start(context.Background(), actorID, input, actorclient.StartOptions{})
			if err != nil {
				return router.Response{}, err
			}
			return router.Response{Data: run, Status: 200}, nil
		}, nil, nil)
	}
}

// newGatewayHandler adapts gateway.Gateway.Handle to net/http, decoding the
// spec §6 gateway request envelope and writing its response envelope back.
func newGatewayHandler(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req router.Request
		if err := decodeJSON(r, &req); err != nil {
			writeGatewayError(w, gw.New(gw.InputValidation, "malformed request body", 400))
			return
		}
		resp, headers, err := g.Handle(req)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		if err != nil {
			var ge *gw.Error
			if as, ok := err.(*gw.Error); ok {
				ge = as
			} else {
				ge = gw.Wrap(err)
			}
			writeGatewayError(w, ge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		status := resp.Status
		if status == 0 {
			status = 200
		}
		w.WriteHeader(status)
		_ = encodeJSON(w, map[string]interface{}{"data": resp.Data, "status": status})
	}
}

func writeGatewayError(w http.ResponseWriter, e *gw.Error) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", itoa(int(e.RetryAfter)))
	}
	w.WriteHeader(e.StatusCode)
	_ = encodeJSON(w, map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"requestId": e.RequestID,
	})
}

func withCORS(cfg *config.Config, h http.Handler) http.Handler {
	if !cfg.Gateway.CORSEnabled {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// alertBusAdapter satisfies webhookhandler.Alerter even when no NATS
// connection was configured (bus is nil and Publish becomes a no-op).
type alertBusAdapter struct{ bus *alerts.Bus }

func (a alertBusAdapter) Publish(e alerts.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func encodeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
