// Package sink delivers staged bundles from the outbox to their
// destinations: the bundle topic and an optional FHIR server.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/pkg/circuitbreaker"
)

// ErrRejected is returned when the FHIR server refuses a bundle with a 4xx
// status. Retrying the same bundle will not help.
var ErrRejected = errors.New("bundle rejected by fhir server")

// Producer writes records; *redpanda.Producer implements it
type Producer interface {
	Produce(ctx context.Context, rec *redpanda.Record) error
}

// Topic publishes outbox entries to the topic recorded on each entry
type Topic struct {
	producer Producer
}

// NewTopic creates a topic sink
func NewTopic(producer Producer) *Topic {
	return &Topic{producer: producer}
}

// Publish implements postgres.Publisher
func (t *Topic) Publish(ctx context.Context, entry *postgres.OutboxEntry) error {
	topic := entry.Topic
	if topic == "" {
		topic = redpanda.TopicFHIRBundles
	}
	return t.producer.Produce(ctx, &redpanda.Record{
		Topic: topic,
		Key:   entry.MessageKey,
		Value: entry.Payload,
		Headers: map[string]string{
			redpanda.HeaderTenant:    entry.Tenant,
			redpanda.HeaderTrigger:   entry.Trigger,
			redpanda.HeaderControlID: entry.ControlID,
			redpanda.HeaderBundleID:  entry.BundleID,
		},
	})
}

// HTTPConfig configures delivery to a FHIR server
type HTTPConfig struct {
	// URL is the FHIR base endpoint transaction bundles are posted to
	URL     string
	Timeout time.Duration
	// Headers are added to every request, e.g. Authorization
	Headers map[string]string
}

// HTTP posts transaction bundles to a FHIR server through a circuit breaker
type HTTP struct {
	client     *http.Client
	config     HTTPConfig
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewHTTP creates a FHIR server sink. The breaker should be created with
// BreakerConfig so rejected bundles do not open it.
func NewHTTP(cfg HTTPConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, errors.New("fhir sink url is required")
	}
	if breaker == nil {
		return nil, errors.New("fhir sink requires a circuit breaker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTP{
		client:     &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		breaker:    breaker,
		logger:     logger,
		tracer:     otel.Tracer("fhir-sink"),
		propagator: otel.GetTextMapPropagator(),
	}, nil
}

// BreakerConfig returns breaker settings that count server and network
// failures but not rejected bundles
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrRejected)
	}
	return cfg
}

// Publish implements postgres.Publisher
func (h *HTTP) Publish(ctx context.Context, entry *postgres.OutboxEntry) error {
	ctx, span := h.tracer.Start(ctx, "fhir_sink_post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bundle_id", entry.BundleID),
			attribute.String("tenant", entry.Tenant),
		))
	defer span.End()

	status, err := circuitbreaker.Do(ctx, h.breaker, func() (int, error) {
		return h.post(ctx, entry)
	})
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("fhir server delivery failed",
			zap.String("bundle_id", entry.BundleID),
			zap.Int("status", status),
			zap.Error(err))
		return err
	}
	return nil
}

func (h *HTTP) post(ctx context.Context, entry *postgres.OutboxEntry) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.config.URL, "/"), bytes.NewReader(entry.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("X-Request-ID", entry.MessageKey)
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	h.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post bundle: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return resp.StatusCode, fmt.Errorf("fhir server returned %d", resp.StatusCode)
	}
}

// Multi publishes to every sink in order and stops at the first failure.
// Sinks must tolerate redelivery: a later failure retries the whole entry.
type Multi []postgres.Publisher

// Publish implements postgres.Publisher
func (m Multi) Publish(ctx context.Context, entry *postgres.OutboxEntry) error {
	for _, p := range m {
		if err := p.Publish(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
