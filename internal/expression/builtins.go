package expression

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/fhir/r4"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
	"github.com/drfirst/hl7fhir/internal/terminology"
)

func init() {
	// terminology
	mustRegister("concept", 1, 2, conceptFn)
	mustRegister("coding", 1, 3, codingFn)
	mustRegister("codeable", 2, 3, codeableFn)
	mustRegister("map", 2, 2, mapFn)
	mustRegister("system", 1, 1, systemFn)

	// date and time
	mustRegister("datetime", 1, 1, dateFn("datetime", hl7v2.DateTime.DateTime))
	mustRegister("date", 1, 1, dateFn("date", hl7v2.DateTime.Date))
	mustRegister("instant", 1, 1, dateFn("instant", hl7v2.DateTime.Instant))
	mustRegister("time", 1, 1, dateFn("time", hl7v2.DateTime.Clock))

	// strings
	mustRegister("join", 2, -1, joinFn)
	mustRegister("concat", 1, -1, concatFn)
	mustRegister("split", 2, 2, splitFn)
	mustRegister("upper", 1, 1, textFn(strings.ToUpper))
	mustRegister("lower", 1, 1, textFn(strings.ToLower))
	mustRegister("trim", 1, 1, textFn(strings.TrimSpace))
	mustRegister("raw", 1, 1, rawFn)

	// numbers and booleans
	mustRegister("number", 1, 1, numberFn)
	mustRegister("integer", 1, 1, integerFn)
	mustRegister("bool", 1, 1, boolFn)
	mustRegister("quantity", 1, 2, quantityFn)

	// lists and logic
	mustRegister("first", 1, 1, firstFn)
	mustRegister("last", 1, 1, lastFn)
	mustRegister("count", 1, 1, countFn)
	mustRegister("filter", 2, 2, filterFn)
	mustRegister("exists", 1, 1, existsFn)
	mustRegister("not", 1, 1, notFn)
	mustRegister("eq", 2, 2, eqFn)
	mustRegister("in", 2, -1, inFn)
	mustRegister("if", 2, 3, ifFn)

	mustRegister("prop", 1, 1, propFn)
}

// part returns component i of a field node, or subcomponent i of a
// component node
func part(n hl7v2.Node, i int) string {
	c, ok := n.Child(i)
	if !ok {
		return ""
	}
	s := strings.TrimSpace(c.String())
	if s == hl7v2.Null {
		return ""
	}
	return s
}

// cwe splits a coded element into its primary and alternate codings and its
// original text
func cwe(v any, defaultSystem string) (string, []terminology.Input) {
	n, ok := v.(hl7v2.Node)
	if !ok || n.Level() == hl7v2.LevelSubcomponent {
		return "", []terminology.Input{{Code: strings.TrimSpace(Text(v)), System: defaultSystem}}
	}
	system := part(n, 3)
	if system == "" {
		system = defaultSystem
	}
	inputs := []terminology.Input{
		{Code: part(n, 1), Text: part(n, 2), System: system, Version: part(n, 7)},
	}
	if alt := part(n, 4); alt != "" || part(n, 5) != "" {
		inputs = append(inputs, terminology.Input{Code: alt, Text: part(n, 5), System: part(n, 6), Version: part(n, 8)})
	}
	return part(n, 9), inputs
}

// concept(field [, system]) yields one CodeableConcept per repetition of the
// field. Primary and alternate codings of a repetition share one concept.
func conceptFn(ctx *Context, args Args) Result {
	system := args.String(1)
	var out Result
	for _, v := range args.Eval(0).Values(ctx.empty) {
		original, inputs := cwe(v, system)
		cc, outcomes := ctx.env.Terminology.Concept(original, inputs...)
		for _, o := range outcomes {
			ctx.resolveOutcome(o)
		}
		if cc.IsEmpty() {
			continue
		}
		out = append(out, cc.Object())
	}
	return out
}

// coding(code [, system [, display]]) yields one Coding per value
func codingFn(ctx *Context, args Args) Result {
	system := args.String(1)
	display := args.String(2)
	return each(ctx, args, func(v any) (any, bool) {
		code, text, sys := strings.TrimSpace(Text(v)), display, system
		if n, ok := v.(hl7v2.Node); ok && n.Level() != hl7v2.LevelSubcomponent {
			code = part(n, 1)
			if t := part(n, 2); t != "" {
				text = t
			}
			if s := part(n, 3); s != "" {
				sys = s
			}
		}
		coding, outcome := ctx.env.Terminology.Resolve(code, sys, text)
		if outcome == terminology.OutcomeEmpty {
			return nil, false
		}
		ctx.resolveOutcome(outcome)
		return coding.Object(), true
	})
}

// codeable(code, system [, text]) builds a concept from scalar parts; with no
// code the concept carries the text alone
func codeableFn(ctx *Context, args Args) Result {
	system := args.String(1)
	text := strings.TrimSpace(args.String(2))
	codes := args.Eval(0).Values(ctx.empty)
	if len(codes) == 0 {
		if text == "" {
			return Empty
		}
		return Result{r4.CodeableConcept{Text: text}.Object()}
	}
	var out Result
	for _, v := range codes {
		cc, outcomes := ctx.env.Terminology.Concept("", terminology.Input{Code: strings.TrimSpace(Text(v)), System: system, Text: text})
		for _, o := range outcomes {
			ctx.resolveOutcome(o)
		}
		if !cc.IsEmpty() {
			out = append(out, cc.Object())
		}
	}
	return out
}

func mapFn(ctx *Context, args Args) Result {
	table := args.String(0)
	if !ctx.env.Terminology.HasMap(table) {
		ctx.Logger().Warn("unknown concept map", zap.String("map", table))
		return Empty
	}
	var out Result
	for _, v := range args.Eval(1).Values(ctx.empty) {
		code := strings.TrimSpace(Text(v))
		mapped, ok := ctx.env.Terminology.Map(table, code)
		if !ok {
			ctx.Logger().Debug("code not mapped",
				zap.String("map", table),
				zap.String("code", code),
				zap.String("at", position(v)),
			)
			continue
		}
		out = append(out, mapped)
	}
	return out
}

func systemFn(ctx *Context, args Args) Result {
	return each(ctx, args, func(v any) (any, bool) {
		uri := ctx.env.Terminology.SystemURI(Text(v))
		return uri, uri != ""
	})
}

func dateFn(name string, render func(hl7v2.DateTime) string) Handler {
	return func(ctx *Context, args Args) Result {
		return each(ctx, args, func(v any) (any, bool) {
			s := strings.TrimSpace(Text(v))
			dt, err := hl7v2.ParseDateTime(s, ctx.env.Location)
			if err != nil {
				ctx.Logger().Warn("malformed date/time",
					zap.String("function", name),
					zap.String("value", s),
					zap.String("at", position(v)),
					zap.Error(err),
				)
				return nil, false
			}
			return render(dt), true
		})
	}
}

// join(separator, values...) joins every non-empty value of the remaining
// arguments
func joinFn(ctx *Context, args Args) Result {
	sep := args.String(0)
	var parts []string
	for i := 1; i < args.Len(); i++ {
		for _, v := range args.Eval(i).Values(ctx.empty) {
			if s := strings.TrimSpace(Text(v)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) == 0 {
		return Empty
	}
	return Result{strings.Join(parts, sep)}
}

func concatFn(ctx *Context, args Args) Result {
	var b strings.Builder
	for i := 0; i < args.Len(); i++ {
		for _, v := range args.Eval(i).Values(ctx.empty) {
			b.WriteString(Text(v))
		}
	}
	if b.Len() == 0 {
		return Empty
	}
	return Result{b.String()}
}

func splitFn(ctx *Context, args Args) Result {
	sep := args.String(1)
	if sep == "" {
		return args.Eval(0).Values(ctx.empty)
	}
	var out Result
	for _, v := range args.Eval(0).Values(ctx.empty) {
		for _, p := range strings.Split(Text(v), sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func textFn(fn func(string) string) Handler {
	return func(ctx *Context, args Args) Result {
		return each(ctx, args, func(v any) (any, bool) {
			s := fn(Text(v))
			return s, s != ""
		})
	}
}

func rawFn(ctx *Context, args Args) Result {
	return each(ctx, args, func(v any) (any, bool) {
		if n, ok := v.(hl7v2.Node); ok {
			return n.Raw(), true
		}
		return Text(v), true
	})
}

func numberFn(ctx *Context, args Args) Result {
	return each(ctx, args, func(v any) (any, bool) {
		if f, ok := v.(float64); ok {
			return f, true
		}
		s := strings.TrimSpace(Text(v))
		f, err := parseNumber(s)
		if err != nil {
			ctx.Logger().Warn("malformed number",
				zap.String("value", s),
				zap.String("at", position(v)),
			)
			return nil, false
		}
		return f, true
	})
}

func integerFn(ctx *Context, args Args) Result {
	return each(ctx, args, func(v any) (any, bool) {
		s := strings.TrimSpace(Text(v))
		n, err := strconv.Atoi(s)
		if err != nil {
			ctx.Logger().Warn("malformed integer",
				zap.String("value", s),
				zap.String("at", position(v)),
			)
			return nil, false
		}
		return n, true
	})
}

func boolFn(ctx *Context, args Args) Result {
	return each(ctx, args, func(v any) (any, bool) {
		if b, ok := v.(bool); ok {
			return b, true
		}
		switch strings.ToUpper(strings.TrimSpace(Text(v))) {
		case "Y", "YES", "T", "TRUE", "1":
			return true, true
		case "N", "NO", "F", "FALSE", "0":
			return false, true
		}
		ctx.Logger().Debug("not a boolean", zap.String("value", Text(v)), zap.String("at", position(v)))
		return nil, false
	})
}

// quantity(value [, unit]) builds a Quantity; a coded unit becomes the
// quantity's code and system
func quantityFn(ctx *Context, args Args) Result {
	unit := args.Eval(1).Values(ctx.empty).First()
	var unitCode, unitText, unitSystem string
	if n, ok := unit.(hl7v2.Node); ok && n.Level() != hl7v2.LevelSubcomponent {
		unitCode, unitText, unitSystem = part(n, 1), part(n, 2), part(n, 3)
	} else if unit != nil {
		unitCode = strings.TrimSpace(Text(unit))
	}

	return each(ctx, args, func(v any) (any, bool) {
		f, ok := v.(float64)
		if !ok {
			s := strings.TrimSpace(Text(v))
			var err error
			if f, err = parseNumber(s); err != nil {
				ctx.Logger().Warn("malformed quantity",
					zap.String("value", s),
					zap.String("at", position(v)),
				)
				return nil, false
			}
		}
		q := r4.NewObject()
		q.Set("value", f)
		if unitText != "" {
			q.Set("unit", unitText)
		} else if unitCode != "" {
			q.Set("unit", unitCode)
		}
		if unitCode != "" {
			if unitSystem == "" {
				q.Set("system", r4.SystemUCUM)
			} else {
				q.Set("system", ctx.env.Terminology.SystemURI(unitSystem))
			}
			q.Set("code", unitCode)
		}
		return q, true
	})
}

func firstFn(ctx *Context, args Args) Result {
	vals := args.Eval(0).Values(ctx.empty)
	if len(vals) == 0 {
		return Empty
	}
	return vals[:1]
}

func lastFn(ctx *Context, args Args) Result {
	vals := args.Eval(0).Values(ctx.empty)
	if len(vals) == 0 {
		return Empty
	}
	return vals[len(vals)-1:]
}

func countFn(ctx *Context, args Args) Result {
	return Result{len(args.Eval(0).Values(ctx.empty))}
}

// filter(values, predicate) keeps the values for which the predicate,
// evaluated with $it bound to the value, is true
func filterFn(ctx *Context, args Args) Result {
	var out Result
	for _, v := range args.Eval(0).Values(ctx.empty) {
		if args.EvalIn(ctx.WithValue("it", v), 1).Truthy() {
			out = append(out, v)
		}
	}
	return out
}

func existsFn(ctx *Context, args Args) Result {
	return Result{!args.Eval(0).IsEmpty(ctx.empty)}
}

func notFn(ctx *Context, args Args) Result {
	return Result{!args.Eval(0).Truthy()}
}

func eqFn(ctx *Context, args Args) Result {
	a := args.Eval(0).Values(ctx.empty)
	b := args.Eval(1).Values(ctx.empty)
	if len(a) == 0 || len(b) == 0 {
		return Result{false}
	}
	return Result{strings.TrimSpace(Text(a[0])) == strings.TrimSpace(Text(b[0]))}
}

// in(value, candidates...) reports whether the value equals any candidate
func inFn(ctx *Context, args Args) Result {
	vals := args.Eval(0).Values(ctx.empty)
	if len(vals) == 0 {
		return Result{false}
	}
	want := strings.TrimSpace(Text(vals[0]))
	for i := 1; i < args.Len(); i++ {
		for _, c := range args.Eval(i).Values(ctx.empty) {
			if strings.TrimSpace(Text(c)) == want {
				return Result{true}
			}
		}
	}
	return Result{false}
}

// if(condition, then [, else]) evaluates only the selected branch
func ifFn(_ *Context, args Args) Result {
	if args.Eval(0).Truthy() {
		return args.Eval(1)
	}
	return args.Eval(2)
}

func propFn(ctx *Context, args Args) Result {
	v, ok := ctx.Property(args.String(0))
	if !ok || v == "" {
		return Empty
	}
	return Result{v}
}

func position(v any) string {
	if n, ok := v.(hl7v2.Node); ok {
		return n.Position()
	}
	return ""
}
