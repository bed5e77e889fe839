// Package engine converts parsed HL7 v2 messages into FHIR R4 bundles by
// evaluating the message and resource templates registered for the
// message's trigger event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/expression"
	"github.com/drfirst/hl7fhir/internal/fhir/r4"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/template"
	"github.com/drfirst/hl7fhir/internal/terminology"
)

// Well-known conversion properties
const (
	PropertyTenant  = "tenant"
	PropertyBaseURL = "baseUrl"
)

const defaultTenant = "default"

// Options control one conversion
type Options struct {
	// Validate checks every produced resource against its R4 structure
	Validate bool
	// Pretty indents the serialized bundle
	Pretty bool
	// TimeZone is the IANA zone applied to timestamps without an offset;
	// empty selects the converter default
	TimeZone string `validate:"omitempty,timezone"`
	// BundleType is collection (default) or transaction
	BundleType string `validate:"omitempty,oneof=collection transaction"`
	// Properties is an open bag read by templates through prop()
	Properties map[string]string `validate:"omitempty,dive,keys,required,endkeys"`
}

// Config wires the converter collaborators. Nil fields get defaults: the
// embedded templates, the shipped terminology tables and no observer.
type Config struct {
	Registry    *template.Registry
	Terminology *terminology.Resolver
	Observer    Observer
	// TimeZone is the default zone for timestamps without an offset; empty
	// means the process time zone
	TimeZone string
}

// Result is a completed conversion
type Result struct {
	Bundle     *r4.Bundle
	MessageID  string
	Trigger    string
	Duplicates map[string]int
}

// Converter converts messages. It is safe for concurrent use: every
// conversion works on its own state and the collaborators are read-only.
type Converter struct {
	registry    *template.Registry
	terminology *terminology.Resolver
	observer    Observer
	location    *time.Location
	validate    *validator.Validate
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New creates a converter. The expression function registry is frozen on
// the first converter created.
func New(cfg Config, logger *zap.Logger) (*Converter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := cfg.Registry
	if reg == nil {
		var err error
		if reg, err = template.Default(); err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
	}

	resolver := cfg.Terminology
	if resolver == nil {
		tables, err := terminology.DefaultTables()
		if err != nil {
			return nil, fmt.Errorf("load terminology tables: %w", err)
		}
		if resolver, err = terminology.NewResolver(tables, logger); err != nil {
			return nil, fmt.Errorf("build terminology resolver: %w", err)
		}
	}

	loc := time.Local
	if cfg.TimeZone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.TimeZone); err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", cfg.TimeZone, err)
		}
	}

	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	expression.Freeze()

	return &Converter{
		registry:    reg,
		terminology: resolver,
		observer:    observer,
		location:    loc,
		validate:    validator.New(),
		tracer:      otel.Tracer("engine"),
		logger:      logger,
	}, nil
}

// Registry returns the templates the converter evaluates
func (c *Converter) Registry() *template.Registry {
	return c.registry
}

// ConvertRaw parses a raw message and returns the serialized bundle
func (c *Converter) ConvertRaw(ctx context.Context, raw []byte, opts Options) ([]byte, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		c.observer.ConversionFailed("", FailureReason(ErrParse))
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	res, err := c.Convert(ctx, msg, opts)
	if err != nil {
		return nil, err
	}
	return res.Bundle.Marshal(opts.Pretty)
}

// Convert builds the bundle for one parsed message
func (c *Converter) Convert(ctx context.Context, msg *hl7v2.Message, opts Options) (*Result, error) {
	start := time.Now()
	trigger := msg.Trigger()

	_, span := c.tracer.Start(ctx, "convert_message",
		trace.WithAttributes(
			attribute.String("hl7.trigger", trigger),
			attribute.String("hl7.control_id", msg.ControlID()),
		))
	defer span.End()

	res, err := c.convert(msg, opts)
	if err != nil {
		span.RecordError(err)
		c.observer.ConversionFailed(trigger, FailureReason(err))
		c.logger.Warn("conversion failed",
			zap.String("trigger", trigger),
			zap.String("control_id", msg.ControlID()),
			zap.Error(err))
		return nil, err
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("fhir.resources", len(res.Bundle.Entry)))
	c.observer.ConversionCompleted(trigger, len(res.Bundle.Entry), elapsed)
	c.logger.Debug("message converted",
		zap.String("trigger", trigger),
		zap.String("control_id", msg.ControlID()),
		zap.Int("resources", len(res.Bundle.Entry)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (c *Converter) convert(msg *hl7v2.Message, opts Options) (*Result, error) {
	if err := c.validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	loc := c.location
	if opts.TimeZone != "" {
		var err error
		if loc, err = time.LoadLocation(opts.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}

	trigger := msg.Trigger()
	tmpl, ok := c.registry.Message(trigger)
	if !ok {
		return nil, &ConversionError{Kind: ErrNoTemplates, MessageID: msg.ControlID(), Trigger: trigger}
	}

	tenant := opts.Properties[PropertyTenant]
	if tenant == "" {
		tenant = defaultTenant
	}
	baseURL := opts.Properties[PropertyBaseURL]

	logger := c.logger.With(zap.String("control_id", msg.ControlID()), zap.String("trigger", trigger))
	conv := newConversion(msg, tmpl, tenant, baseURL == "", logger)

	root := expression.NewContext(msg, &expression.Env{
		Terminology: c.terminology,
		Location:    loc,
		Properties:  opts.Properties,
		Logger:      logger,
		OnCoding: func(o terminology.Outcome) {
			c.observer.CodingResolved(o.String())
		},
	})

	var scope *Scope
	for _, e := range tmpl.Entries {
		r := e.Resource()
		var first *handle
		for _, occ := range entryOccurrences(e, root, msg, tmpl) {
			h := conv.buildReferenced(r, occ.ctx, scope, occ.pos, e.Bind)
			if h != nil && first == nil {
				first = h
			}
		}
		if first == nil {
			if e.Mandatory {
				return nil, &ConversionError{
					Kind:        ErrMissingRequired,
					MessageID:   msg.ControlID(),
					Trigger:     trigger,
					Requirement: requirement(e),
				}
			}
			continue
		}
		// a repeated entry's bind is visible only inside its own occurrence
		if e.Bind != "" && !e.Repeats {
			scope = scope.Push(e.Bind, first)
		}
	}

	var resources []*r4.Object
	var invalid []error
	for _, h := range conv.retained() {
		if opts.Validate {
			if err := r4.Validate(h.body); err != nil {
				invalid = append(invalid, err)
			}
		}
		c.observer.ResourceProduced(h.resourceType)
		resources = append(resources, h.body)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, errors.Join(invalid...))
	}
	for rt, n := range conv.duplicates {
		for i := 0; i < n; i++ {
			c.observer.DuplicateMerged(rt)
		}
	}

	bundle := Assemble(BundleInfo{
		ID:        uuid.NewSHA1(conv.namespace, []byte("Bundle|"+msg.ControlID()+"|"+msg.Timestamp())).String(),
		Type:      opts.BundleType,
		Timestamp: bundleTimestamp(msg, loc),
		BaseURL:   baseURL,
	}, resources)

	return &Result{
		Bundle:     bundle,
		MessageID:  msg.ControlID(),
		Trigger:    trigger,
		Duplicates: conv.duplicates,
	}, nil
}

// entryOccurrences returns the cursors an entry is evaluated at: one per
// occurrence of its governing segment or group, or the message itself
func entryOccurrences(e *template.Entry, root *expression.Context, msg *hl7v2.Message, tmpl *template.Message) []occurrence {
	var out []occurrence
	switch {
	case e.Segment != "":
		for _, seg := range root.Segments(e.Segment) {
			out = append(out, occurrence{ctx: root.WithSegment(seg), pos: seg.Node().Position()})
		}
	case e.Group != "":
		def, _ := tmpl.Group(e.Group)
		for _, sp := range msg.Groups(def, msg.Whole()) {
			out = append(out, occurrence{ctx: root.WithGroup(def, sp), pos: groupPosition(def, sp)})
		}
	default:
		out = append(out, occurrence{ctx: root, pos: "message"})
	}
	if !e.Repeats && len(out) > 1 {
		out = out[:1]
	}
	return out
}

func requirement(e *template.Entry) string {
	switch {
	case e.Segment != "":
		return fmt.Sprintf("%s from %s", e.Template, e.Segment)
	case e.Group != "":
		return fmt.Sprintf("%s from group %s", e.Template, e.Group)
	}
	return e.Template
}

// bundleTimestamp renders MSH-7 as an instant, falling back to now
func bundleTimestamp(msg *hl7v2.Message, loc *time.Location) string {
	if ts := msg.Timestamp(); ts != "" {
		if dt, err := hl7v2.ParseDateTime(ts, loc); err == nil {
			return dt.Instant()
		}
	}
	return time.Now().In(loc).Format(time.RFC3339)
}

// FailureReason classifies a conversion error into a short label for
// metrics and dead letters
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNoTemplates):
		return "no_templates"
	case errors.Is(err, ErrMissingRequired):
		return "missing_required"
	case errors.Is(err, ErrInvalidBundle):
		return "invalid_bundle"
	case errors.Is(err, ErrInvalidOptions):
		return "invalid_options"
	}
	return "error"
}
