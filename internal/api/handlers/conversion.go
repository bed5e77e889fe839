// Package handlers provides HTTP handlers for the conversion API.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/api/middleware"
	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/internal/pipeline"
	"github.com/drfirst/hl7fhir/internal/template"
)

// Converter converts parsed messages; *engine.Converter implements it
type Converter interface {
	Convert(ctx context.Context, msg *hl7v2.Message, opts engine.Options) (*engine.Result, error)
	Registry() *template.Registry
}

// Producer publishes records; *redpanda.Producer implements it
type Producer interface {
	Produce(ctx context.Context, rec *redpanda.Record) error
}

// Config holds handler defaults
type Config struct {
	// Validate is the default for the validate query parameter
	Validate bool
	// BaseURL is passed to templates as the baseUrl property
	BaseURL string
}

// ConversionHandler serves synchronous conversion and asynchronous
// submission of HL7 v2 messages
type ConversionHandler struct {
	converter Converter
	producer  Producer
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewConversionHandler creates the handler. A nil producer disables
// asynchronous submission.
func NewConversionHandler(converter Converter, producer Producer, cfg Config, logger *zap.Logger) *ConversionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversionHandler{
		converter: converter,
		producer:  producer,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("conversion-handler"),
	}
}

// Routes returns the handler routes
func (h *ConversionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/convert", h.Convert)
	r.Get("/messages", h.ListMessages)
	r.Post("/messages", h.Submit)
	r.Get("/resources", h.ListResources)
	return r
}

// Convert handles POST /convert. The body is one raw HL7 v2 message; the
// response is the FHIR bundle.
func (h *ConversionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "convert_request")
	defer span.End()

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	opts, err := h.options(r)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	msg, err := hl7v2.Parse(raw)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "structure", err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("hl7.trigger", msg.Trigger()),
		attribute.String("hl7.control_id", msg.ControlID()),
	)

	res, err := h.converter.Convert(ctx, msg, opts)
	if err != nil {
		span.RecordError(err)
		status, code := conversionStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("conversion failed",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.String("control_id", msg.ControlID()),
				zap.Error(err))
		}
		writeOutcome(w, status, code, err.Error())
		return
	}

	body, err := res.Bundle.Marshal(opts.Pretty)
	if err != nil {
		writeOutcome(w, http.StatusInternalServerError, "exception", "encode bundle")
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.Header().Set("X-Bundle-ID", res.Bundle.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// SubmitResponse acknowledges a queued message
type SubmitResponse struct {
	Key       string `json:"key"`
	Trigger   string `json:"trigger"`
	ControlID string `json:"controlId"`
	Tenant    string `json:"tenant"`
}

// Submit handles POST /messages: the message is checked for a readable
// header and queued on the inbound topic for the conversion service
func (h *ConversionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_message")
	defer span.End()

	if h.producer == nil {
		writeOutcome(w, http.StatusServiceUnavailable, "transient", "asynchronous submission is not configured")
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "structure", err.Error())
		return
	}
	if _, ok := h.converter.Registry().Message(msg.Trigger()); !ok {
		writeOutcome(w, http.StatusUnprocessableEntity, "not-supported", "no templates for trigger event "+msg.Trigger())
		return
	}

	tenant := middleware.GetTenant(ctx)
	key := pipeline.MessageKey(tenant, msg, raw)
	span.SetAttributes(attribute.String("idempotency_key", key))

	err = h.producer.Produce(ctx, &redpanda.Record{
		Topic: redpanda.TopicHL7Inbound,
		Key:   key,
		Value: raw,
		Headers: map[string]string{
			redpanda.HeaderTenant:    tenant,
			redpanda.HeaderTrigger:   msg.Trigger(),
			redpanda.HeaderControlID: msg.ControlID(),
		},
	})
	if err != nil {
		span.RecordError(err)
		h.logger.Error("failed to queue message",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.String("key", key),
			zap.Error(err))
		writeOutcome(w, http.StatusServiceUnavailable, "transient", "message could not be queued")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Key:       key,
		Trigger:   msg.Trigger(),
		ControlID: msg.ControlID(),
		Tenant:    tenant,
	})
}

// ListMessages handles GET /messages
func (h *ConversionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"triggers": h.converter.Registry().Triggers()})
}

// ListResources handles GET /resources
func (h *ConversionHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"resources": h.converter.Registry().Resources()})
}

func (h *ConversionHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeOutcome(w, http.StatusRequestEntityTooLarge, "too-long", "message too large")
			return nil, false
		}
		writeOutcome(w, http.StatusBadRequest, "invalid", "unreadable body")
		return nil, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		writeOutcome(w, http.StatusBadRequest, "required", "empty body")
		return nil, false
	}
	return raw, true
}

// options reads conversion options from the query: pretty, validate, tz,
// bundleType and prop.<name>=<value> template properties
func (h *ConversionHandler) options(r *http.Request) (engine.Options, error) {
	q := r.URL.Query()
	opts := engine.Options{
		Validate:   h.config.Validate,
		TimeZone:   q.Get("tz"),
		BundleType: q.Get("bundleType"),
		Properties: map[string]string{engine.PropertyTenant: middleware.GetTenant(r.Context())},
	}
	if h.config.BaseURL != "" {
		opts.Properties[engine.PropertyBaseURL] = h.config.BaseURL
	}

	var err error
	if v := q.Get("pretty"); v != "" {
		if opts.Pretty, err = strconv.ParseBool(v); err != nil {
			return opts, errors.New("pretty must be a boolean")
		}
	}
	if v := q.Get("validate"); v != "" {
		if opts.Validate, err = strconv.ParseBool(v); err != nil {
			return opts, errors.New("validate must be a boolean")
		}
	}
	for name, values := range q {
		if prop, ok := strings.CutPrefix(name, "prop."); ok && prop != engine.PropertyTenant && len(values) > 0 {
			opts.Properties[prop] = values[0]
		}
	}
	return opts, nil
}

// conversionStatus maps a conversion error to an HTTP status and an
// OperationOutcome issue code
func conversionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidOptions):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, engine.ErrNoTemplates):
		return http.StatusUnprocessableEntity, "not-supported"
	case errors.Is(err, engine.ErrStructural):
		return http.StatusUnprocessableEntity, "required"
	case errors.Is(err, engine.ErrInvalidBundle):
		return http.StatusUnprocessableEntity, "invariant"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	}
	return http.StatusInternalServerError, "exception"
}

type operationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []issue `json:"issue"`
}

type issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// writeOutcome reports an error as a FHIR OperationOutcome
func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(operationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []issue{{Severity: "error", Code: code, Diagnostics: diagnostics}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
