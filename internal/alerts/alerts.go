// Copyright 2025 James Ross
// Package alerts publishes tracking and run-failure events onto NATS
// JetStream for the downstream telemetry/alerting consumer named in
// SPEC_FULL.md's non-goals ("the telemetry storage backend... is a
// downstream consumer of the events this core emits"). Grounded on the
// teacher's internal/event-hooks/nats.go NATSPublisher.
package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is a single alertable occurrence: a run reaching a non-success
// terminal state, a webhook moving to the dead letter queue, or a queue
// turning unhealthy.
type Event struct {
	Type      string // e.g. "ACTOR.RUN.FAILED", "WEBHOOK.DEAD_LETTER", "QUEUE.UNHEALTHY"
	Platform  string
	RunID     string
	Subject   string
	Detail    string
	Timestamp time.Time
}

// Bus publishes Events to NATS JetStream, one subject per event type,
// mirroring the teacher's "events.<queue>.<event_type>" subject scheme.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *zap.Logger
}

// Connect dials natsURL and opens a JetStream context. prefix namespaces
// subjects, e.g. "orchestrator" -> "orchestrator.alerts.<type>".
func Connect(natsURL, prefix string, logger *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("alerts: connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("alerts: open jetstream context: %w", err)
	}
	return &Bus{conn: conn, js: js, prefix: prefix, logger: logger}, nil
}

// Publish emits e onto its subject. Failure to publish is logged and
// swallowed: alerting is best-effort and must never block the caller's
// primary workflow (spec non-goals: telemetry is a downstream consumer).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	subject := fmt.Sprintf("%s.alerts.%s", b.prefix, e.Type)

	payload, err := json.Marshal(e)
	if err != nil {
		b.logf("alerts: marshal failed", err)
		return
	}

	msg := &nats.Msg{Subject: subject, Data: payload, Header: make(nats.Header)}
	msg.Header.Set("Event-Type", e.Type)
	msg.Header.Set("Platform", e.Platform)
	if e.RunID != "" {
		msg.Header.Set("Run-ID", e.RunID)
	}

	if _, err := b.js.PublishMsg(msg); err != nil {
		b.logf("alerts: publish failed", err)
	}
}

func (b *Bus) logf(msg string, err error) {
	if b.logger != nil {
		b.logger.Warn(msg, zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
