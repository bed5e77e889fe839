package hl7v2

import (
	"fmt"
	"strings"
)

// Level identifies the depth of a Node in the message tree
type Level int

const (
	LevelSegment Level = iota
	LevelField
	LevelComponent
	LevelSubcomponent
)

// Node addresses one position in a segment: the segment itself, one field
// repetition, one component of a repetition or one subcomponent. Coordinates
// are 1-based; a zero coordinate means "this level and below is not selected".
type Node struct {
	seg   *Segment
	field int
	rep   int
	comp  int
	sub   int
}

// Segment returns the segment the node belongs to
func (n Node) Segment() *Segment { return n.seg }

// Level returns the depth of the node
func (n Node) Level() Level {
	switch {
	case n.field == 0:
		return LevelSegment
	case n.comp == 0:
		return LevelField
	case n.sub == 0:
		return LevelComponent
	default:
		return LevelSubcomponent
	}
}

// Valid reports whether the node addresses a segment
func (n Node) Valid() bool { return n.seg != nil }

// Children returns the nodes at index i one level below n. Selecting a field
// of a segment yields every repetition of that field; deeper levels yield at
// most one node. Missing coordinates yield nothing.
func (n Node) Children(i int) []Node {
	if n.seg == nil || i < 1 {
		return nil
	}
	switch n.Level() {
	case LevelSegment:
		return n.seg.Field(i)
	case LevelField:
		comps := n.components()
		if i > len(comps) {
			return nil
		}
		return []Node{{seg: n.seg, field: n.field, rep: n.rep, comp: i}}
	case LevelComponent:
		subs := n.subcomponents()
		if i > len(subs) {
			return nil
		}
		return []Node{{seg: n.seg, field: n.field, rep: n.rep, comp: n.comp, sub: i}}
	}
	return nil
}

// Child returns the first of Children(i)
func (n Node) Child(i int) (Node, bool) {
	c := n.Children(i)
	if len(c) == 0 {
		return Node{}, false
	}
	return c[0], true
}

// String returns the node's primary leaf: the first component and
// subcomponent of a field, or the first subcomponent of a component.
// A segment node yields its encoded form.
func (n Node) String() string {
	if n.seg == nil {
		return ""
	}
	switch n.Level() {
	case LevelSegment:
		return n.seg.Raw()
	case LevelField:
		return n.seg.Value(n.field, n.rep, 1, 1)
	case LevelComponent:
		return n.seg.Value(n.field, n.rep, n.comp, 1)
	default:
		return n.seg.Value(n.field, n.rep, n.comp, n.sub)
	}
}

// IsNull reports whether the node carries the HL7 explicit null ""
func (n Node) IsNull() bool {
	return n.Level() != LevelSegment && n.String() == Null && n.leafCount() == 1
}

// IsBlank reports whether every leaf below the node is whitespace
func (n Node) IsBlank() bool {
	if n.seg == nil {
		return true
	}
	if n.Level() == LevelSegment {
		return false
	}
	for _, s := range n.leaves() {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

// Raw re-encodes the node with the message delimiters
func (n Node) Raw() string {
	if n.seg == nil {
		return ""
	}
	d := n.seg.delims
	switch n.Level() {
	case LevelSegment:
		return n.seg.Raw()
	case LevelField:
		comps := n.components()
		parts := make([]string, len(comps))
		for i, subs := range comps {
			parts[i] = joinEscaped(subs, d.Subcomponent, d)
		}
		return strings.Join(parts, string(d.Component))
	case LevelComponent:
		return joinEscaped(n.subcomponents(), d.Subcomponent, d)
	default:
		return Escape(n.String(), d)
	}
}

// Position renders the node coordinates, e.g. PID[1]-3[2].1
func (n Node) Position() string {
	if n.seg == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]", n.seg.Name, n.seg.Occurrence)
	if n.field > 0 {
		fmt.Fprintf(&b, "-%d[%d]", n.field, n.rep)
	}
	if n.comp > 0 {
		fmt.Fprintf(&b, ".%d", n.comp)
	}
	if n.sub > 0 {
		fmt.Fprintf(&b, ".%d", n.sub)
	}
	return b.String()
}

func (n Node) components() [][]string {
	f := n.field - 1
	if f < 0 || f >= len(n.seg.fields) {
		return nil
	}
	reps := n.seg.fields[f]
	if n.rep < 1 || n.rep > len(reps) {
		return nil
	}
	return reps[n.rep-1]
}

func (n Node) subcomponents() []string {
	comps := n.components()
	if n.comp < 1 || n.comp > len(comps) {
		return nil
	}
	return comps[n.comp-1]
}

func (n Node) leaves() []string {
	switch n.Level() {
	case LevelField:
		var out []string
		for _, subs := range n.components() {
			out = append(out, subs...)
		}
		return out
	case LevelComponent:
		return n.subcomponents()
	case LevelSubcomponent:
		return []string{n.String()}
	}
	return nil
}

func (n Node) leafCount() int {
	return len(n.leaves())
}

func joinEscaped(parts []string, sep byte, d Delimiters) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = Escape(p, d)
	}
	return strings.Join(escaped, string(sep))
}
