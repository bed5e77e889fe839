// Package template loads the declarative resource and message templates
// that drive the conversion and indexes them by trigger event.
package template

import (
	"github.com/drfirst/hl7fhir/internal/expression"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
)

// Kind tells whether a template builds a standalone resource or an element
// embedded in its parent
type Kind string

const (
	KindReferenced Kind = "referenced"
	KindInline     Kind = "inline"
)

// PositionKey is the identity key naming the source position of a resource
const PositionKey = "@position"

// Resource is a compiled resource template
type Resource struct {
	Name         string
	ResourceType string
	Kind         Kind
	// Vars are evaluated in order before the fields and bound by name
	Vars []Var
	// Identity lists output paths tried in order to compute the
	// deduplication key; PositionKey selects the source position
	Identity []string
	// Required lists output paths that must be non-empty for the resource
	// to be produced at all
	Required []string
	Fields   []*Field
	File     string
}

// Var is a template-level named value
type Var struct {
	Name string
	Expr *expression.Expression
}

// Field is one field mapping: a target path and either an
// expression or a nested template
type Field struct {
	Path string
	Expr *expression.Expression
	// Template names a nested template; set instead of Expr
	Template string
	// Repeat appends every value to a list instead of setting one value
	Repeat bool
	When   *expression.Expression
	Empty  expression.Emptiness
	// Segment, Group and Each iterate the field: over occurrences of a
	// segment, over occurrences of a segment group, or over the values of
	// an expression bound to $it
	Segment string
	Group   string
	Each    *expression.Expression

	nested *Resource
}

// Nested returns the template a field builds, or nil
func (f *Field) Nested() *Resource { return f.nested }

// Iterated reports whether the field is evaluated once per occurrence
func (f *Field) Iterated() bool {
	return f.Segment != "" || f.Group != "" || f.Each != nil
}

// Message is a compiled message template: the trigger events it serves,
// its segment groups and the ordered entries evaluated for it
type Message struct {
	Name     string
	Triggers []string
	Groups   map[string]hl7v2.GroupDef
	Entries  []*Entry
	File     string
}

// Group returns a segment group definition
func (m *Message) Group(name string) (hl7v2.GroupDef, bool) {
	g, ok := m.Groups[name]
	return g, ok
}

// Entry selects one resource template for a message. A governing segment or
// group makes the entry root-repeatable: one resource per occurrence when
// Repeats is set, otherwise the first occurrence only.
type Entry struct {
	Template  string
	Segment   string
	Group     string
	Repeats   bool
	Bind      string
	Mandatory bool

	resource *Resource
}

// Resource returns the template the entry builds
func (e *Entry) Resource() *Resource { return e.resource }
