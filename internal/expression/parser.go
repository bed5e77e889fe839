package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var segmentName = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)

// SyntaxError reports a malformed expression or an unknown function
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression %q at %d: %s", e.Expr, e.Pos, e.Msg)
}

// Expression is a compiled expression
type Expression struct {
	src  string
	root node
}

// Compile parses src and checks every function it calls against the
// registry.
func Compile(src string) (*Expression, error) {
	p := &parser{src: src, lex: newLexer(src)}
	p.advance()

	root, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokEOF {
		return nil, p.errorf("unexpected %q", p.cur.literal)
	}
	return &Expression{src: strings.TrimSpace(src), root: root}, nil
}

// MustCompile is Compile for expressions known to be valid
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate runs the expression against the context
func (e *Expression) Evaluate(ctx *Context) Result {
	if e == nil || e.root == nil {
		return Empty
	}
	return e.root.eval(ctx)
}

// String returns the source text
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

// Variables returns the names of the variables the expression reads
func (e *Expression) Variables() []string {
	var names []string
	seen := make(map[string]bool)
	walk(e.root, func(n node) {
		if v, ok := n.(*varRef); ok && !seen[v.name] {
			seen[v.name] = true
			names = append(names, v.name)
		}
	})
	return names
}

func walk(n node, fn func(node)) {
	if n == nil {
		return
	}
	fn(n)
	switch t := n.(type) {
	case *conditional:
		for _, a := range t.alts {
			walk(a, fn)
		}
	case *call:
		for _, a := range t.args {
			walk(a, fn)
		}
	}
}

type parser struct {
	src string
	lex *lexer
	cur token
}

func (p *parser) advance() {
	p.cur = p.lex.next()
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: p.cur.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseConditional() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokPipe {
		return first, nil
	}
	cond := &conditional{alts: []node{first}}
	for p.cur.typ == tokPipe {
		p.advance()
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		cond.alts = append(cond.alts, next)
	}
	return cond, nil
}

func (p *parser) parseTerm() (node, error) {
	tok := p.cur
	switch tok.typ {
	case tokString:
		p.advance()
		return &literal{value: tok.literal, text: quote(tok.literal)}, nil
	case tokNumber:
		p.advance()
		f, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", tok.literal)
		}
		return &literal{value: f, text: tok.literal}, nil
	case tokVar:
		p.advance()
		return p.parseVar(tok)
	case tokLParen:
		p.advance()
		inner, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokRParen {
			return nil, p.errorf("expected )")
		}
		p.advance()
		return inner, nil
	case tokIdent:
		p.advance()
		if p.cur.typ == tokLParen {
			return p.parseCall(tok)
		}
		switch tok.literal {
		case "true":
			return &literal{value: true, text: "true"}, nil
		case "false":
			return &literal{value: false, text: "false"}, nil
		case "null":
			return &literal{text: "null"}, nil
		}
		return p.parsePath(tok)
	case tokIllegal:
		return nil, &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: "illegal " + tok.literal}
	case tokEOF:
		return nil, p.errorf("unexpected end of expression")
	}
	return nil, p.errorf("unexpected %q", tok.literal)
}

func (p *parser) parseCall(name token) (node, error) {
	if strings.Contains(name.literal, ".") {
		return nil, &SyntaxError{Expr: p.src, Pos: name.pos, Msg: fmt.Sprintf("bad function name %q", name.literal)}
	}
	fn, ok := Lookup(name.literal)
	if !ok {
		return nil, &SyntaxError{Expr: p.src, Pos: name.pos, Msg: fmt.Sprintf("unknown function %q", name.literal)}
	}
	p.advance()

	var args []node
	if p.cur.typ != tokRParen {
		for {
			arg, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.typ != tokComma {
				break
			}
			p.advance()
		}
	}
	if p.cur.typ != tokRParen {
		return nil, p.errorf("expected , or ) in call to %s", fn.Name)
	}
	p.advance()

	if len(args) < fn.MinArgs || (fn.MaxArgs >= 0 && len(args) > fn.MaxArgs) {
		return nil, &SyntaxError{Expr: p.src, Pos: name.pos, Msg: fmt.Sprintf("%s takes %s, got %d", fn.Name, fn.arity(), len(args))}
	}
	return &call{fn: fn, args: args}, nil
}

func (p *parser) parsePath(tok token) (node, error) {
	parts := strings.Split(tok.literal, ".")
	if !segmentName.MatchString(parts[0]) {
		return nil, &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf("%q is not a segment name", parts[0])}
	}
	coords, err := parseCoords(parts[1:], 3)
	if err != nil {
		return nil, &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: err.Error()}
	}
	return &pathRef{segment: parts[0], coords: coords}, nil
}

func (p *parser) parseVar(tok token) (node, error) {
	parts := strings.Split(tok.literal, ".")
	coords, err := parseCoords(parts[1:], 3)
	if err != nil {
		return nil, &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: err.Error()}
	}
	return &varRef{name: parts[0], coords: coords}, nil
}

func parseCoords(parts []string, max int) ([]int, error) {
	if len(parts) > max {
		return nil, fmt.Errorf("too many coordinates in %q", strings.Join(parts, "."))
	}
	coords := make([]int, 0, len(parts))
	for _, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("coordinate %q must be a positive number", s)
		}
		coords = append(coords, n)
	}
	return coords, nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
