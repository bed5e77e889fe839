package expression

import (
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/terminology"
)

// Bindings resolves variable names bound by enclosing scopes
type Bindings interface {
	Lookup(name string) (any, bool)
}

// Env holds the read-only collaborators shared by every evaluation of one
// conversion.
type Env struct {
	Terminology *terminology.Resolver
	// Location is applied to date/time values that carry no offset
	Location   *time.Location
	Properties map[string]string
	Logger     *zap.Logger
	// OnCoding is called with the outcome of every terminology resolution
	OnCoding func(terminology.Outcome)
}

// Context is the evaluation cursor: the message, the active segment group
// occurrences (innermost last), the active segment occurrence, and the
// variables in scope. Contexts are values; the With methods return copies.
type Context struct {
	msg      *hl7v2.Message
	groups   []group
	segment  *hl7v2.Segment
	bindings Bindings
	locals   *local
	empty    Emptiness
	env      *Env
}

type group struct {
	def  hl7v2.GroupDef
	span hl7v2.Span
}

func (g group) claims(name string) bool {
	for _, s := range g.def.Start {
		if s == name {
			return true
		}
	}
	for _, s := range g.def.Members {
		if s == name {
			return true
		}
	}
	return false
}

type local struct {
	name  string
	value any
	outer *local
}

// NewContext creates a context positioned on the whole message
func NewContext(msg *hl7v2.Message, env *Env) *Context {
	e := Env{}
	if env != nil {
		e = *env
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Location == nil {
		e.Location = time.UTC
	}
	if e.Terminology == nil {
		e.Terminology, _ = terminology.NewResolver(&terminology.Tables{}, e.Logger)
	}
	return &Context{msg: msg, env: &e}
}

// Message returns the message under evaluation
func (c *Context) Message() *hl7v2.Message { return c.msg }

// Env returns the shared collaborators
func (c *Context) Env() *Env { return c.env }

// Logger returns the conversion logger
func (c *Context) Logger() *zap.Logger { return c.env.Logger }

// Span returns the innermost active group occurrence, or the whole message
func (c *Context) Span() hl7v2.Span {
	if len(c.groups) == 0 {
		if c.msg == nil {
			return hl7v2.Span{}
		}
		return c.msg.Whole()
	}
	return c.groups[len(c.groups)-1].span
}

// Segment returns the active segment occurrence, or nil
func (c *Context) Segment() *hl7v2.Segment { return c.segment }

// Emptiness returns the active emptiness predicate
func (c *Context) Emptiness() Emptiness { return c.empty }

// WithGroup enters one occurrence of a segment group. The active segment is
// cleared when it lies outside the occurrence.
func (c *Context) WithGroup(def hl7v2.GroupDef, sp hl7v2.Span) *Context {
	n := *c
	n.groups = append(append([]group(nil), c.groups...), group{def: def, span: sp})
	if n.segment != nil && !sp.Contains(n.segment.Index) {
		n.segment = nil
	}
	return &n
}

// WithSegment makes seg the active segment occurrence
func (c *Context) WithSegment(seg *hl7v2.Segment) *Context {
	n := *c
	n.segment = seg
	return &n
}

// WithBindings replaces the enclosing scope
func (c *Context) WithBindings(b Bindings) *Context {
	n := *c
	n.bindings = b
	return &n
}

// WithValue binds name for the evaluations made through the returned context
func (c *Context) WithValue(name string, v any) *Context {
	n := *c
	n.locals = &local{name: name, value: v, outer: c.locals}
	return &n
}

// WithEmptiness sets the predicate used by conditionals and field checks
func (c *Context) WithEmptiness(e Emptiness) *Context {
	n := *c
	n.empty = e
	return &n
}

// Lookup resolves a variable: local values first, then the enclosing scope
func (c *Context) Lookup(name string) (any, bool) {
	for l := c.locals; l != nil; l = l.outer {
		if l.name == name {
			return l.value, true
		}
	}
	if c.bindings != nil {
		return c.bindings.Lookup(name)
	}
	return nil, false
}

// Property returns a named conversion property
func (c *Context) Property(name string) (string, bool) {
	v, ok := c.env.Properties[name]
	return v, ok
}

// Segments returns the occurrences of a segment visible from the cursor:
// the active segment when it has that name, else the occurrences inside the
// innermost active group that has the segment as a member, else those of the
// whole message.
func (c *Context) Segments(name string) []*hl7v2.Segment {
	if c.msg == nil {
		return nil
	}
	if c.segment != nil && c.segment.Name == name {
		return []*hl7v2.Segment{c.segment}
	}
	for i := len(c.groups) - 1; i >= 0; i-- {
		if c.groups[i].claims(name) {
			return c.msg.Find(name, c.groups[i].span)
		}
	}
	return c.msg.Find(name, c.msg.Whole())
}

func (c *Context) resolveOutcome(o terminology.Outcome) {
	if c.env.OnCoding != nil {
		c.env.OnCoding(o)
	}
}
