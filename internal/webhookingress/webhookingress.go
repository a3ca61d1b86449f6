// Copyright 2025 James Ross
// Package webhookingress accepts inbound actor-service webhooks (spec
// §4.9): validates the HMAC-SHA256 signature, persists a pending
// WebhookEvent, and enqueues its id for internal/webhookhandler. Grounded
// on the teacher's internal/admin-api/middleware.go HMAC verification
// (hmac.New(sha256.New, secret) + hmac.Equal) and its gorilla/mux route
// registration idiom (internal/event-hooks/handlers.go).
package webhookingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/clock"
	"github.com/scrapeorch/gateway/internal/obs"
)

// Status is a WebhookEvent's lifecycle state (spec §3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Event mirrors the WebhookEvent record (spec §3). WebhookID, ActorID and
// RunID come off the request headers (spec §4.9's required event metadata),
// not the body, since the body shape varies by provider.
type Event struct {
	ID          string
	Provider    string
	WebhookID   string
	EventType   string
	ActorID     string
	RunID       string
	Payload     json.RawMessage
	Signature   string
	Status      Status
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Error       string
}

// Store persists WebhookEvents and hands their ids to a processing queue.
// Implemented by internal/webhookhandler in production; faked in tests.
type Store interface {
	Save(Event) error
	Enqueue(eventID string) error
}

// SecretLookup returns the signing secret configured for provider, and
// whether one is configured at all.
type SecretLookup func(provider string) (secret string, ok bool)

// Ingress is the HTTP entry point for inbound webhooks.
type Ingress struct {
	Secrets     SecretLookup
	Store       Store
	Environment string // "development" permits a missing secret
	MaxAttempts int
	Logger      *zap.Logger
	clock       clock.Clock
}

// New builds an Ingress. environment controls whether a provider without a
// configured secret is allowed through unsigned (spec §4.9: "development
// only").
func New(secrets SecretLookup, store Store, environment string, maxAttempts int, logger *zap.Logger) *Ingress {
	return &Ingress{
		Secrets:     secrets,
		Store:       store,
		Environment: environment,
		MaxAttempts: maxAttempts,
		Logger:      logger,
		clock:       clock.Real,
	}
}

// RegisterRoutes wires POST /webhooks/{provider} on r (spec §6 external
// interface, mirroring the teacher's mux.Router registration idiom).
func (i *Ingress) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/{provider}", i.Handle).Methods(http.MethodPost)
}

const (
	signatureHeader = "apify-webhook-signature"
	webhookIDHeader = "apify-webhook-id"
	eventTypeHeader = "apify-webhook-event-type"
	actorIDHeader   = "apify-actor-id"
	runIDHeader     = "apify-actor-run-id"
)

// Handle implements spec §4.9's four steps: look up the secret, require the
// signature header, compute and constant-time-compare the HMAC, and on
// success persist a pending Event and enqueue it.
func (i *Ingress) Handle(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	secret, configured := i.Secrets(provider)
	if !configured {
		if i.Environment != "development" {
			obs.WebhookSignatureFailures.WithLabelValues(provider).Inc()
			http.Error(w, "no signing secret configured", http.StatusUnauthorized)
			return
		}
	} else if !validSignature(r.Header.Get(signatureHeader), body, secret) {
		obs.WebhookSignatureFailures.WithLabelValues(provider).Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	// Event type is required event metadata (spec §4.9) and is delivered as
	// a header; the body is also checked since not every provider sets it.
	eventType := r.Header.Get(eventTypeHeader)
	if eventType == "" {
		eventType = envelope.EventType
	}
	if eventType == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	event := Event{
		ID:          uuid.NewString(),
		Provider:    provider,
		WebhookID:   r.Header.Get(webhookIDHeader),
		EventType:   eventType,
		ActorID:     r.Header.Get(actorIDHeader),
		RunID:       r.Header.Get(runIDHeader),
		Payload:     json.RawMessage(append([]byte(nil), body...)),
		Signature:   r.Header.Get(signatureHeader),
		Status:      StatusPending,
		MaxAttempts: i.MaxAttempts,
		CreatedAt:   i.clock.Now(),
	}

	if err := i.Store.Save(event); err != nil {
		if i.Logger != nil {
			i.Logger.Error("webhookingress: save failed", obs.Err(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := i.Store.Enqueue(event.ID); err != nil {
		if i.Logger != nil {
			i.Logger.Error("webhookingress: enqueue failed", obs.Err(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	obs.WebhookEventsReceived.WithLabelValues(provider, envelope.EventType).Inc()
	w.WriteHeader(http.StatusOK)
}

// validSignature computes HMAC-SHA256(body, secret) and compares it against
// the hex-encoded header value in constant time; a mismatched length is an
// automatic reject (spec §4.9 step 4).
func validSignature(headerValue string, body []byte, secret string) bool {
	if headerValue == "" {
		return false
	}
	given, err := hex.DecodeString(headerValue)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(given) != len(expected) {
		return false
	}
	return hmac.Equal(given, expected)
}
