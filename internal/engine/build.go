package engine

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/expression"
	"github.com/drfirst/hl7fhir/internal/fhir/r4"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/template"
)

// handle stands for one built resource. Its slot in the bundle is reserved
// before its fields are evaluated so nested templates can reference it. A
// duplicate is redirected to the retained original through canonical.
type handle struct {
	resourceType string
	id           string
	ref          string
	body         *r4.Object
	canonical    *handle
	dropped      bool
	key          *identityKey
}

func (h *handle) resolve() *handle {
	for h.canonical != nil {
		h = h.canonical
	}
	return h
}

// ReferenceString implements r4.Referent. It is read at serialization, after
// every redirection has happened.
func (h *handle) ReferenceString() string {
	return h.resolve().ref
}

type identityKey struct {
	resourceType string
	identity     string
}

// occurrence is one evaluation cursor of an iterated field or entry
type occurrence struct {
	ctx   *expression.Context
	scope *Scope
	pos   string
}

// conversion holds the state of one message conversion. It is used by a
// single goroutine and discarded afterwards.
type conversion struct {
	msg       *hl7v2.Message
	tmpl      *template.Message
	logger    *zap.Logger
	namespace uuid.UUID
	urnRefs   bool

	seq        int
	slots      []*handle
	index      map[identityKey]*handle
	duplicates map[string]int
}

func newConversion(msg *hl7v2.Message, tmpl *template.Message, tenant string, urnRefs bool, logger *zap.Logger) *conversion {
	return &conversion{
		msg:        msg,
		tmpl:       tmpl,
		logger:     logger,
		namespace:  uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:hl7fhir:"+tenant)),
		urnRefs:    urnRefs,
		index:      make(map[identityKey]*handle),
		duplicates: make(map[string]int),
	}
}

// newHandle creates a resource with a deterministic id and reserves its
// bundle slot
func (c *conversion) newHandle(resourceType string) *handle {
	c.seq++
	name := c.msg.ControlID() + "|" + resourceType + "|" + strconv.Itoa(c.seq)
	id := uuid.NewSHA1(c.namespace, []byte(name)).String()

	h := &handle{resourceType: resourceType, id: id, body: r4.NewObject()}
	if c.urnRefs {
		h.ref = "urn:uuid:" + id
	} else {
		h.ref = resourceType + "/" + id
	}
	h.body.Set("resourceType", resourceType)
	h.body.Set("id", id)
	c.slots = append(c.slots, h)
	return h
}

// rollback drops every slot reserved from mark on, with their dedup entries
func (c *conversion) rollback(mark int) {
	for _, h := range c.slots[mark:] {
		h.dropped = true
		if h.key != nil && c.index[*h.key] == h {
			delete(c.index, *h.key)
		}
	}
	c.slots = c.slots[:mark]
}

// buildReferenced builds a standalone resource from r at the cursor. It
// returns the retained resource, which is an earlier one when the new
// resource has the same identity, or nil when nothing was produced.
func (c *conversion) buildReferenced(r *template.Resource, ctx *expression.Context, scope *Scope, pos, bind string) *handle {
	mark := len(c.slots)
	h := c.newHandle(r.ResourceType)
	if bind != "" {
		scope = scope.Push(bind, h)
	}
	scope = c.evalVars(r, ctx, scope)
	c.applyFields(r, h.body, ctx, scope, pos)

	if h.body.Len() <= 2 {
		c.rollback(mark)
		return nil
	}
	if missing := missingRequired(r, h.body); missing != "" {
		c.logger.Debug("resource not produced",
			zap.String("template", r.Name),
			zap.String("missing", missing),
			zap.String("at", pos),
			zap.Int("scope_depth", scope.Depth()),
		)
		c.rollback(mark)
		return nil
	}

	key := identityKey{resourceType: r.ResourceType, identity: identity(r, h.body, pos)}
	if orig, ok := c.index[key]; ok {
		// resources built under the duplicate are referenced only by it
		c.rollback(mark + 1)
		h.canonical = orig
		h.dropped = true
		c.duplicates[r.ResourceType]++
		c.logger.Debug("duplicate resource merged",
			zap.String("template", r.Name),
			zap.String("resource_type", r.ResourceType),
			zap.String("at", pos),
			zap.Int("scope_depth", scope.Depth()),
		)
		return orig
	}
	h.key = &key
	c.index[key] = h
	return h
}

// buildInline builds an element embedded in its parent, or nil
func (c *conversion) buildInline(r *template.Resource, ctx *expression.Context, scope *Scope, pos string) *r4.Object {
	mark := len(c.slots)
	body := r4.NewObject()
	scope = c.evalVars(r, ctx, scope)
	c.applyFields(r, body, ctx, scope, pos)
	if body.Len() == 0 || missingRequired(r, body) != "" {
		c.rollback(mark)
		return nil
	}
	return body
}

func (c *conversion) evalVars(r *template.Resource, ctx *expression.Context, scope *Scope) *Scope {
	for _, v := range r.Vars {
		scope = scope.Push(v.Name, v.Expr.Evaluate(ctx.WithBindings(scope)))
	}
	return scope
}

func (c *conversion) applyFields(r *template.Resource, body *r4.Object, ctx *expression.Context, scope *Scope, pos string) {
	for _, f := range r.Fields {
		c.applyField(f, body, ctx.WithBindings(scope).WithEmptiness(f.Empty), scope, pos)
	}
}

// applyField evaluates one field mapping. A single-valued field keeps
// the first value produced; a later mapping for the same path only
// applies while the path is still empty.
func (c *conversion) applyField(f *template.Field, body *r4.Object, ctx *expression.Context, scope *Scope, pos string) {
	if !f.Repeat {
		if _, set := body.Get(f.Path); set {
			return
		}
	}
	if f.When != nil && !f.When.Evaluate(ctx).Truthy() {
		return
	}

	for _, occ := range c.fieldOccurrences(f, ctx, scope, pos) {
		values := c.fieldValues(f, occ)
		if len(values) == 0 {
			continue
		}
		if !f.Repeat {
			body.Set(f.Path, values[0])
			return
		}
		for _, v := range values {
			if h, ok := v.(*handle); ok && listed(body, f.Path, h) {
				continue
			}
			body.Append(f.Path, v)
		}
	}
}

func (c *conversion) fieldOccurrences(f *template.Field, ctx *expression.Context, scope *Scope, pos string) []occurrence {
	if !f.Iterated() {
		return []occurrence{{ctx: ctx, scope: scope, pos: pos}}
	}
	switch {
	case f.Segment != "":
		segs := ctx.Segments(f.Segment)
		out := make([]occurrence, 0, len(segs))
		for _, seg := range segs {
			out = append(out, occurrence{ctx: ctx.WithSegment(seg), scope: scope, pos: seg.Node().Position()})
		}
		return out

	case f.Group != "":
		def, ok := c.tmpl.Group(f.Group)
		if !ok {
			return nil
		}
		spans := c.msg.Groups(def, ctx.Span())
		out := make([]occurrence, 0, len(spans))
		for _, sp := range spans {
			out = append(out, occurrence{ctx: ctx.WithGroup(def, sp), scope: scope, pos: groupPosition(def, sp)})
		}
		return out

	default:
		values := f.Each.Evaluate(ctx).Values(f.Empty)
		out := make([]occurrence, 0, len(values))
		for i, v := range values {
			s := scope.Push("it", v)
			out = append(out, occurrence{
				ctx:   ctx.WithBindings(s),
				scope: s,
				pos:   fmt.Sprintf("%s/%s[%d]", pos, f.Path, i),
			})
		}
		return out
	}
}

func (c *conversion) fieldValues(f *template.Field, occ occurrence) []any {
	if nested := f.Nested(); nested != nil {
		if nested.Kind == template.KindInline {
			if obj := c.buildInline(nested, occ.ctx, occ.scope, occ.pos); obj != nil {
				return []any{obj}
			}
			return nil
		}
		if h := c.buildReferenced(nested, occ.ctx, occ.scope, occ.pos, ""); h != nil {
			return []any{h}
		}
		return nil
	}

	var out []any
	for _, v := range f.Expr.Evaluate(occ.ctx).Values(f.Empty) {
		if x, ok := expression.Export(v); ok {
			out = append(out, x)
		}
	}
	return out
}

// retained returns the bodies of the retained resources in creation order
func (c *conversion) retained() []*handle {
	out := make([]*handle, 0, len(c.slots))
	for _, h := range c.slots {
		if !h.dropped {
			out = append(out, h)
		}
	}
	return out
}

// listed reports whether path already references the resource h resolves to
func listed(body *r4.Object, path string, h *handle) bool {
	cur, ok := body.Get(path)
	if !ok {
		return false
	}
	items, isList := cur.([]any)
	if !isList {
		items = []any{cur}
	}
	target := h.resolve()
	for _, item := range items {
		if other, ok := item.(*handle); ok && other.resolve() == target {
			return true
		}
	}
	return false
}

func missingRequired(r *template.Resource, body *r4.Object) string {
	for _, p := range r.Required {
		if _, ok := body.Get(p); !ok {
			return p
		}
	}
	return ""
}

// identity computes the deduplication key: the first identity path with a
// value, else the source position
func identity(r *template.Resource, body *r4.Object, pos string) string {
	for _, key := range r.Identity {
		if key == template.PositionKey {
			return "@" + pos
		}
		if v, ok := body.Get(key); ok {
			return key + "=" + r4.Canonical(v)
		}
	}
	return "@" + pos
}

func groupPosition(def hl7v2.GroupDef, sp hl7v2.Span) string {
	return fmt.Sprintf("%s@%d", def.Name, sp.Start)
}
