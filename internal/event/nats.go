// Package event publishes sync and pairing events to NATS JetStream so other
// systems can follow what a OneMedia node shares, updates and deletes.
package event

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// Pairing operations
const (
	PairingConnected    = "connected"
	PairingDisconnected = "disconnected"
)

// CorrelationIDKey is the context key under which the server stores the request correlation id.
type CorrelationIDKey struct{}

// Publisher defines the event publishing operations of a node.
type Publisher interface {
	// PublishSync reports the outcome of one fan-out or inbound sync operation.
	PublishSync(ctx context.Context, ev model.SyncEvent) error

	// PublishPairing reports a brand node pairing change.
	PublishPairing(ctx context.Context, operation, governingSite string) error

	// Close closes the publisher connection
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishSync(ctx context.Context, ev model.SyncEvent) error { return nil }

func (n *noop) PublishPairing(ctx context.Context, operation, governingSite string) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	site    string
	metrics *metrics.Metrics
}

// NewPublisher connects to url and returns a JetStream publisher. An empty url, or
// any connection or stream setup failure, yields the no-op publisher.
func NewPublisher(url, siteURL string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("onemedia "+siteURL))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js, site: siteURL, metrics: metrics.NewMetrics()}
}

// initStreams creates the ONEMEDIA_SYNC and ONEMEDIA_PAIRING streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:      "ONEMEDIA_SYNC",
			Subjects:  []string{"onemedia.sync.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
		{
			Name:      "ONEMEDIA_PAIRING",
			Subjects:  []string{"onemedia.pairing.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	Source        string      `json:"source"` // Site URL of the publishing node
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// PairingPayload is the payload of onemedia.pairing.* events.
type PairingPayload struct {
	GoverningSite string `json:"governingSite"`
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Drain()
	}
	return nil
}

func (p *natsPub) PublishSync(ctx context.Context, ev model.SyncEvent) error {
	return p.publish(ctx, "onemedia.sync."+ev.Operation, ev)
}

func (p *natsPub) PublishPairing(ctx context.Context, operation, governingSite string) error {
	return p.publish(ctx, "onemedia.pairing."+operation, PairingPayload{GoverningSite: governingSite})
}

func (p *natsPub) publish(ctx context.Context, subject string, payload interface{}) (err error) {
	defer func() {
		p.metrics.EventPublishTotal.WithLabelValues(subject, metrics.StatusLabel(err)).Inc()
	}()

	correlationID, _ := ctx.Value(CorrelationIDKey{}).(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := time.Now().UTC()
	envelope := EventEnvelope{
		ID:            ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:          subject,
		Version:       "1.0.0",
		Source:        p.site,
		OccurredAt:    now,
		CorrelationID: correlationID,
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	// The event id doubles as the JetStream message id for server-side dedup
	_, err = p.js.Publish(subject, b, nats.MsgId(envelope.ID), nats.Context(ctx))
	return err
}
