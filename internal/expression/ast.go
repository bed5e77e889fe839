// Package expression compiles and evaluates the template expression language:
// source paths, variables, literals, the | fallback operator and built-in
// function calls.
package expression

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/hl7v2"
)

// node is one compiled expression term
type node interface {
	eval(ctx *Context) Result
	String() string
}

type literal struct {
	value any
	text  string
}

func (l *literal) eval(*Context) Result {
	if l.value == nil {
		return Empty
	}
	return Result{l.value}
}

func (l *literal) String() string { return l.text }

// pathRef addresses SEG[.field[.component[.subcomponent]]] relative to the cursor
type pathRef struct {
	segment string
	coords  []int
}

func (p *pathRef) eval(ctx *Context) Result {
	var out Result
	for _, seg := range ctx.Segments(p.segment) {
		for _, n := range descend([]hl7v2.Node{seg.Node()}, p.coords) {
			out = append(out, n)
		}
	}
	return out
}

func (p *pathRef) String() string {
	return joinCoords(p.segment, p.coords)
}

// varRef reads a bound variable, optionally descending into a bound node
type varRef struct {
	name   string
	coords []int
}

func (v *varRef) eval(ctx *Context) Result {
	val, ok := ctx.Lookup(v.name)
	if !ok {
		ctx.Logger().Debug("unbound variable", zap.String("var", v.name))
		return Empty
	}
	var values []any
	switch t := val.(type) {
	case Result:
		values = t
	case []any:
		values = t
	default:
		values = []any{t}
	}
	if len(v.coords) == 0 {
		return Of(values...)
	}

	var out Result
	for _, item := range values {
		n, ok := item.(hl7v2.Node)
		if !ok {
			continue
		}
		for _, child := range descend([]hl7v2.Node{n}, v.coords) {
			out = append(out, child)
		}
	}
	return out
}

func (v *varRef) String() string {
	return joinCoords("$"+v.name, v.coords)
}

// conditional yields the first alternative that is non-empty
type conditional struct {
	alts []node
}

func (c *conditional) eval(ctx *Context) Result {
	for _, alt := range c.alts {
		r := alt.eval(ctx)
		if !r.IsEmpty(ctx.empty) {
			return r
		}
	}
	return Empty
}

func (c *conditional) String() string {
	parts := make([]string, len(c.alts))
	for i, a := range c.alts {
		parts[i] = a.String()
	}
	return strings.Join(parts, " | ")
}

type call struct {
	fn   *Function
	args []node
}

func (c *call) eval(ctx *Context) Result {
	return c.fn.Handler(ctx, Args{ctx: ctx, nodes: c.args})
}

func (c *call) String() string {
	parts := make([]string, len(c.args))
	for i, a := range c.args {
		parts[i] = a.String()
	}
	return c.fn.Name + "(" + strings.Join(parts, ", ") + ")"
}

// descend walks coordinates below each node. Selecting a field of a
// segment fans out over the field's repetitions.
func descend(nodes []hl7v2.Node, coords []int) []hl7v2.Node {
	for _, c := range coords {
		var next []hl7v2.Node
		for _, n := range nodes {
			next = append(next, n.Children(c)...)
		}
		nodes = next
		if len(nodes) == 0 {
			return nil
		}
	}
	return nodes
}

func joinCoords(head string, coords []int) string {
	var b strings.Builder
	b.WriteString(head)
	for _, c := range coords {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(c))
	}
	return b.String()
}
