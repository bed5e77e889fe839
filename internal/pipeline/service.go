// Package pipeline runs consumed HL7 v2 messages through the converter
// exactly once per message key and stages the resulting bundles in the
// outbox. Messages that can never convert go to the dead-letter topic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/pkg/idempotency"
)

const handlerName = "hl7-to-fhir"

// Converter converts parsed messages; *engine.Converter implements it
type Converter interface {
	Convert(ctx context.Context, msg *hl7v2.Message, opts engine.Options) (*engine.Result, error)
}

// Inbox runs a handler at most once per key; *idempotency.Inbox implements it
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Outbox stages bundles for delivery; *postgres.Outbox implements it
type Outbox interface {
	Enqueue(ctx context.Context, entry *postgres.OutboxEntry) error
}

// Config holds the conversion settings applied to every message
type Config struct {
	DefaultTenant   string
	Validate        bool
	BundleType      string
	BaseURL         string
	TimeZone        string
	BundleTopic     string
	DeadLetterTopic string
}

// DefaultConfig returns the settings used by the conversion service
func DefaultConfig() Config {
	return Config{
		DefaultTenant:   "default",
		BundleType:      "transaction",
		BundleTopic:     redpanda.TopicFHIRBundles,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}
}

// Outcome describes what happened to one message
type Outcome struct {
	Key          string
	BundleID     string
	Duplicate    bool
	DeadLettered bool
	Reason       string
}

// Service is the conversion step between the inbound topic and the outbox
type Service struct {
	converter  Converter
	inbox      Inbox
	outbox     Outbox
	deadLetter postgres.DeadLetterPublisher
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewService creates the conversion service
func NewService(converter Converter, inbox Inbox, outbox Outbox, deadLetter postgres.DeadLetterPublisher, cfg Config, logger *zap.Logger) (*Service, error) {
	if converter == nil || inbox == nil || outbox == nil || deadLetter == nil {
		return nil, errors.New("pipeline: converter, inbox, outbox and dead letter publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = DefaultConfig().DefaultTenant
	}
	if cfg.BundleTopic == "" {
		cfg.BundleTopic = redpanda.TopicFHIRBundles
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = redpanda.TopicDeadLetter
	}
	return &Service{
		converter:  converter,
		inbox:      inbox,
		outbox:     outbox,
		deadLetter: deadLetter,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("pipeline"),
		now:        time.Now,
	}, nil
}

// Handle is the redpanda.MessageHandler for the inbound topic. A nil return
// commits the record; an error makes the consumer retry it in place.
func (s *Service) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	tenant := msg.Header(redpanda.HeaderTenant)
	_, err := s.Process(ctx, tenant, msg.Value)
	return err
}

// Process converts one raw message for tenant. Only transient failures are
// returned as errors; permanent ones are dead-lettered and reported in the
// outcome.
func (s *Service) Process(ctx context.Context, tenant string, raw []byte) (*Outcome, error) {
	if tenant == "" {
		tenant = s.config.DefaultTenant
	}
	ctx, span := s.tracer.Start(ctx, "process_hl7_message",
		trace.WithAttributes(attribute.String("tenant", tenant)))
	defer span.End()

	msg, err := hl7v2.Parse(raw)
	if err != nil {
		key := idempotency.ContentKey(tenant, raw)
		span.RecordError(err)
		return s.reject(ctx, key, tenant, nil, raw, fmt.Errorf("%w: %w", engine.ErrParse, err))
	}

	key := MessageKey(tenant, msg, raw)
	span.SetAttributes(
		attribute.String("idempotency_key", key),
		attribute.String("hl7.trigger", msg.Trigger()),
		attribute.String("hl7.control_id", msg.ControlID()),
	)

	result, err := s.inbox.Process(ctx, key, handlerName, raw, func(ctx context.Context, _ []byte) ([]byte, error) {
		return s.convert(ctx, key, tenant, msg)
	})
	switch {
	case err == nil:
	case idempotency.IsPermanent(err):
		return s.reject(ctx, key, tenant, msg, raw, err)
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		s.logger.Info("skipping previously failed message",
			zap.String("key", key),
			zap.String("control_id", msg.ControlID()))
		return &Outcome{Key: key, Duplicate: true, Reason: "previously_failed"}, nil
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		return &Outcome{Key: key, Duplicate: true}, nil
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("process message %s: %w", msg.ControlID(), err)
	}

	out := &Outcome{Key: key, BundleID: string(result.Result), Duplicate: !result.IsNew && !result.WasRecovered}
	if out.Duplicate {
		s.logger.Debug("duplicate message skipped",
			zap.String("key", key),
			zap.String("control_id", msg.ControlID()))
	}
	return out, nil
}

// convert runs inside the inbox: the bundle is staged in the outbox before
// the inbox records the key as finished
func (s *Service) convert(ctx context.Context, key, tenant string, msg *hl7v2.Message) ([]byte, error) {
	res, err := s.converter.Convert(ctx, msg, s.options(tenant))
	if err != nil {
		if permanent(err) {
			return nil, idempotency.Permanent(err)
		}
		return nil, err
	}

	payload, err := res.Bundle.Marshal(false)
	if err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("encode bundle: %w", err))
	}

	entry := &postgres.OutboxEntry{
		MessageKey: key,
		Tenant:     tenant,
		Trigger:    res.Trigger,
		ControlID:  res.MessageID,
		BundleID:   res.Bundle.ID,
		Payload:    payload,
		Topic:      s.config.BundleTopic,
	}
	if err := s.outbox.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("stage bundle: %w", err)
	}

	s.logger.Info("message converted",
		zap.String("tenant", tenant),
		zap.String("trigger", res.Trigger),
		zap.String("control_id", res.MessageID),
		zap.String("bundle_id", res.Bundle.ID),
		zap.Int("resources", len(res.Bundle.Entry)))
	return []byte(res.Bundle.ID), nil
}

func (s *Service) options(tenant string) engine.Options {
	props := map[string]string{engine.PropertyTenant: tenant}
	if s.config.BaseURL != "" {
		props[engine.PropertyBaseURL] = s.config.BaseURL
	}
	return engine.Options{
		Validate:   s.config.Validate,
		BundleType: s.config.BundleType,
		TimeZone:   s.config.TimeZone,
		Properties: props,
	}
}

// reject publishes a message that can never convert to the dead-letter
// topic. The record is then safe to commit.
func (s *Service) reject(ctx context.Context, key, tenant string, msg *hl7v2.Message, raw []byte, cause error) (*Outcome, error) {
	reason := engine.FailureReason(cause)
	letter := postgres.DeadLetter{
		Source:     "conversion-service",
		MessageKey: key,
		Tenant:     tenant,
		Reason:     reason,
		Error:      cause.Error(),
		Raw:        string(raw),
		FailedAt:   s.now().UTC(),
	}
	if msg != nil {
		letter.Trigger = msg.Trigger()
		letter.ControlID = msg.ControlID()
	}

	value, err := json.Marshal(letter)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.deadLetter.PublishRaw(ctx, s.config.DeadLetterTopic, key, value); err != nil {
		return nil, fmt.Errorf("publish dead letter: %w", err)
	}

	s.logger.Warn("message dead-lettered",
		zap.String("key", key),
		zap.String("tenant", tenant),
		zap.String("trigger", letter.Trigger),
		zap.String("control_id", letter.ControlID),
		zap.String("reason", reason),
		zap.Error(cause))
	return &Outcome{Key: key, DeadLettered: true, Reason: reason}, nil
}

// MessageKey is the idempotency key of a parsed message. Messages without
// a control id are keyed by content.
func MessageKey(tenant string, msg *hl7v2.Message, raw []byte) string {
	if msg.ControlID() == "" {
		return idempotency.ContentKey(tenant, raw)
	}
	return idempotency.GenerateKey(tenant, msg.SendingApplication(), msg.SendingFacility(), msg.ControlID())
}

// permanent reports conversion errors that a retry cannot fix
func permanent(err error) bool {
	return errors.Is(err, engine.ErrStructural) ||
		errors.Is(err, engine.ErrInvalidBundle) ||
		errors.Is(err, engine.ErrInvalidOptions) ||
		errors.Is(err, engine.ErrParse)
}
